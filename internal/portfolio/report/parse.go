package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pstanica/temporal-vampire/internal/portfolio/runtime"
)

// Row is one parsed job line.
type Row struct {
	Tag       string
	ElapsedMS int64
	Status    string
	Outcome   runtime.Outcome
	Trace     []runtime.TraceEntry
}

// Winner is the label of the last trace entry of a SUCCESS row.
func (r Row) Winner() string {
	if r.Outcome != runtime.OutcomeSuccess || len(r.Trace) == 0 {
		return ""
	}
	return r.Trace[len(r.Trace)-1].Label
}

type Summary struct {
	Passed   int
	Total    int
	Duration string
}

// Report is a parsed ledger. Summary is nil when the run did not finish.
type Report struct {
	Rows    []Row
	Summary *Summary
	// Skipped counts lines that looked like job lines but did not parse.
	Skipped int
}

var (
	summaryRE = regexp.MustCompile(`^#\s*SUMMARY:\s*(\d+)/(\d+)\s+passed\s*\((.*)\)\s*$`)
	elapsedRE = regexp.MustCompile(`^(\d+)\s*ms$`)
)

func ParseFile(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Parse reads a complete or partial ledger.
func Parse(r io.Reader) (*Report, error) {
	rep := &Report{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "#"):
			if m := summaryRE.FindStringSubmatch(trimmed); m != nil {
				passed, _ := strconv.Atoi(m[1])
				total, _ := strconv.Atoi(m[2])
				rep.Summary = &Summary{Passed: passed, Total: total, Duration: m[3]}
			}
			continue
		case strings.HasPrefix(trimmed, "-"):
			continue
		}
		row, ok, err := parseRow(line)
		if err != nil {
			rep.Skipped++
			continue
		}
		if ok {
			rep.Rows = append(rep.Rows, row)
		}
	}
	if err := sc.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

func parseRow(line string) (Row, bool, error) {
	parts := strings.SplitN(line, "|", 5)
	if len(parts) < 5 {
		return Row{}, false, fmt.Errorf("want 5 columns, got %d", len(parts))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if parts[0] == "Test" && parts[1] == "Time" {
		return Row{}, false, nil
	}
	m := elapsedRE.FindStringSubmatch(parts[1])
	if m == nil {
		return Row{}, false, fmt.Errorf("bad elapsed column %q", parts[1])
	}
	elapsed, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Row{}, false, err
	}
	outcome, err := runtime.ParseOutcome(parts[3])
	if err != nil {
		return Row{}, false, err
	}
	return Row{
		Tag:       parts[0],
		ElapsedMS: elapsed,
		Status:    parts[2],
		Outcome:   outcome,
		Trace:     ParseTrace(parts[4]),
	}, true, nil
}

// ParseTrace splits "label:status@Nms; ..." back into entries. Entries
// without an @ suffix are synthetic markers.
func ParseTrace(s string) []runtime.TraceEntry {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []runtime.TraceEntry
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		e := runtime.TraceEntry{Synthetic: true}
		body := part
		if at := strings.LastIndexByte(part, '@'); at >= 0 && strings.HasSuffix(part, "ms") {
			if ms, err := strconv.ParseInt(strings.TrimSuffix(part[at+1:], "ms"), 10, 64); err == nil {
				e.ElapsedMS = ms
				e.Synthetic = false
				body = part[:at]
			}
		}
		if colon := strings.LastIndexByte(body, ':'); colon >= 0 {
			e.Label, e.Status = body[:colon], body[colon+1:]
		} else {
			e.Label = body
		}
		out = append(out, e)
	}
	return out
}

// Totals is an aggregate view of a report.
type Totals struct {
	Jobs      int
	Passed    int
	Timeouts  int
	Failed    int
	ElapsedMS int64
	// Winners counts SUCCESS rows by winning configuration.
	Winners map[string]int
}

func (r *Report) Totals() Totals {
	t := Totals{Winners: map[string]int{}}
	for _, row := range r.Rows {
		t.Jobs++
		t.ElapsedMS += row.ElapsedMS
		switch row.Outcome {
		case runtime.OutcomeSuccess:
			t.Passed++
			t.Winners[row.Winner()]++
		case runtime.OutcomeTimeout:
			t.Timeouts++
		default:
			t.Failed++
		}
	}
	return t
}

// WinnerLabels returns the winning configuration labels by descending count,
// then by name.
func (t Totals) WinnerLabels() []string {
	out := make([]string, 0, len(t.Winners))
	for k := range t.Winners {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if t.Winners[out[i]] != t.Winners[out[j]] {
			return t.Winners[out[i]] > t.Winners[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
