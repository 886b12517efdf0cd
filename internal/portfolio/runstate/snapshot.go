// Package runstate reads a run's logs root and reports where the run stands,
// whether it is still executing or long finished.
package runstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pstanica/temporal-vampire/internal/portfolio/procutil"
	"github.com/pstanica/temporal-vampire/internal/portfolio/runtime"
)

type State string

const (
	StateUnknown State = "unknown"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFail    State = "fail"
)

type Snapshot struct {
	LogsRoot string `json:"logs_root"`
	RunID    string `json:"run_id,omitempty"`
	State    State  `json:"state"`

	PID      int  `json:"pid,omitempty"`
	PIDAlive bool `json:"pid_alive"`

	LastEvent   string    `json:"last_event,omitempty"`
	LastEventAt time.Time `json:"last_event_at,omitempty"`
	CurrentJob  string    `json:"current_job,omitempty"`

	Passed        int    `json:"passed"`
	Total         int    `json:"total"`
	ReportPath    string `json:"report_path,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// LoadSnapshot reads final.json, progress.ndjson and run.pid under logsRoot.
func LoadSnapshot(logsRoot string) (*Snapshot, error) {
	root := strings.TrimSpace(logsRoot)
	if root == "" {
		return nil, fmt.Errorf("logs root is required")
	}
	if st, err := os.Stat(root); err != nil {
		return nil, err
	} else if !st.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	s := &Snapshot{
		LogsRoot: root,
		State:    StateUnknown,
	}

	if err := applyFinalOutcome(s); err != nil {
		return nil, err
	}
	terminal := s.State == StateSuccess || s.State == StateFail

	// final.json is authoritative once written; progress only fills in
	// activity for runs that have not finished.
	if !terminal {
		if err := applyProgress(s); err != nil {
			return nil, err
		}
	}

	if err := applyPIDFile(s, terminal); err != nil {
		return nil, err
	}
	if s.State == StateUnknown && s.PIDAlive {
		s.State = StateRunning
	}
	return s, nil
}

func applyFinalOutcome(s *Snapshot) error {
	path := filepath.Join(s.LogsRoot, "final.json")
	fo, err := runtime.LoadFinalOutcome(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if rid := strings.TrimSpace(fo.RunID); rid != "" {
		s.RunID = rid
	}
	s.Passed = fo.Passed
	s.Total = fo.Total
	s.ReportPath = fo.ReportPath
	switch runtime.FinalStatus(strings.ToLower(strings.TrimSpace(string(fo.Status)))) {
	case runtime.FinalSuccess:
		s.State = StateSuccess
	case runtime.FinalFail:
		s.State = StateFail
		s.FailureReason = strings.TrimSpace(fo.FailureReason)
	}
	return nil
}

func applyProgress(s *Snapshot) error {
	path := filepath.Join(s.LogsRoot, "progress.ndjson")
	events, err := readProgress(path)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	last := events[len(events)-1]
	if rid := eventString(last["run_id"]); rid != "" && s.RunID == "" {
		s.RunID = rid
	}
	s.LastEvent = eventString(last["event"])
	s.CurrentJob = eventString(last["job"])
	if ts := parseEventTime(last["ts"]); !ts.IsZero() {
		s.LastEventAt = ts
	}
	if reason := eventString(last["failure_reason"]); reason != "" {
		s.FailureReason = reason
	}
	for _, ev := range events {
		switch eventString(ev["event"]) {
		case "run_start":
			if n, ok := ev["jobs"].(float64); ok {
				s.Total = int(n)
			}
		case "job_end":
			if eventString(ev["outcome"]) == string(runtime.OutcomeSuccess) {
				s.Passed++
			}
		}
	}
	return nil
}

func applyPIDFile(s *Snapshot, terminalState bool) error {
	path := filepath.Join(s.LogsRoot, "run.pid")
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	raw := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		if terminalState {
			return nil
		}
		return fmt.Errorf("parse %s: invalid pid %q", path, raw)
	}
	s.PID = pid
	s.PIDAlive = procutil.PIDAlive(pid)
	return nil
}

// readProgress returns every parseable event. A torn last line from a crashed
// writer is ignored; corruption earlier in the file is an error.
func readProgress(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var lines []string
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(lines))
	for i, line := range lines {
		var ev map[string]any
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			if i == len(lines)-1 {
				break
			}
			return nil, fmt.Errorf("decode %s line %d: %w", path, i+1, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func eventString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func parseEventTime(v any) time.Time {
	raw := eventString(v)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	return time.Time{}
}
