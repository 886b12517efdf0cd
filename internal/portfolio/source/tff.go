// Package source loads jobs and configurations from TFF problem files.
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/pstanica/temporal-vampire/internal/portfolio/model"
)

var (
	conjectureBlockRE = regexp.MustCompile(`(?s)(tff\s*\(\s*(\w+)\s*,\s*conjecture\s*,.*?\)\.)`)
	anyConjectureRE   = regexp.MustCompile(`(?s)tff\s*\([^,]+,\s*conjecture\s*,.*?\)\.`)
)

// ExtractConjectures returns one job per tff(<tag>, conjecture, ...). block in
// content, in file order. The whole block is the job payload.
func ExtractConjectures(content, source string) []model.Job {
	var jobs []model.Job
	for _, m := range conjectureBlockRE.FindAllStringSubmatch(content, -1) {
		jobs = append(jobs, model.Job{Tag: m[2], Payload: m[1], Source: source})
	}
	return jobs
}

// StripConjectures removes every conjecture block so an axiom file can be used
// as a configuration body.
func StripConjectures(content string) string {
	return anyConjectureRE.ReplaceAllString(content, "")
}

// TagFilter selects jobs by tag with doublestar patterns. An empty Include
// admits every tag; Exclude wins over Include.
type TagFilter struct {
	Include []string
	Exclude []string
}

func (f TagFilter) Validate() error {
	for _, p := range append(append([]string{}, f.Include...), f.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid tag pattern %q", p)
		}
	}
	return nil
}

func (f TagFilter) Match(tag string) bool {
	for _, p := range f.Exclude {
		if ok, _ := doublestar.Match(p, tag); ok {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, p := range f.Include {
		if ok, _ := doublestar.Match(p, tag); ok {
			return true
		}
	}
	return false
}

// ExpandFiles resolves each pattern (a literal path or a doublestar glob) in
// order. A pattern that matches nothing is an error, as is a missing literal
// path. Files reached through more than one pattern are listed once.
func ExpandFiles(patterns []string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		var matches []string
		if hasMeta(p) {
			m, err := doublestar.FilepathGlob(p, doublestar.WithFilesOnly())
			if err != nil {
				return nil, fmt.Errorf("glob %q: %w", p, err)
			}
			if len(m) == 0 {
				return nil, fmt.Errorf("glob %q matched no files", p)
			}
			sort.Strings(m)
			matches = m
		} else {
			st, err := os.Stat(p)
			if err != nil {
				return nil, err
			}
			if st.IsDir() {
				return nil, fmt.Errorf("%s is a directory", p)
			}
			matches = []string{p}
		}
		for _, m := range matches {
			key := filepath.Clean(m)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, m)
		}
	}
	return out, nil
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

// LoadJobs reads every conjecture file matched by patterns and returns the
// jobs admitted by filter. Duplicate tags are rejected since the tag keys the
// report line and the diagnostics file.
func LoadJobs(patterns []string, filter TagFilter) ([]model.Job, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	files, err := ExpandFiles(patterns)
	if err != nil {
		return nil, err
	}
	var jobs []model.Job
	seen := map[string]string{}
	for _, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read conjecture file: %w", err)
		}
		for _, j := range ExtractConjectures(string(b), path) {
			if prev, ok := seen[j.Tag]; ok {
				return nil, fmt.Errorf("duplicate job tag %q (%s and %s)", j.Tag, prev, path)
			}
			seen[j.Tag] = path
			if filter.Match(j.Tag) {
				jobs = append(jobs, j)
			}
		}
	}
	return jobs, nil
}

// ConfigurationSpec names one axiom file. Label defaults to the file's base
// name; Append lines are added after the stripped body, one per line.
type ConfigurationSpec struct {
	Label  string
	Path   string
	Append []string
}

// labelReserved holds the trace and ledger separators; a label carrying one
// would not parse back out of a trace.
const labelReserved = ";:@|\r\n"

// LoadConfigurations loads every axiom file in priority order. Any missing or
// unreadable file fails the whole load.
func LoadConfigurations(specs []ConfigurationSpec) ([]model.Configuration, error) {
	out := make([]model.Configuration, 0, len(specs))
	labels := map[string]bool{}
	for i, s := range specs {
		if strings.TrimSpace(s.Path) == "" {
			return nil, fmt.Errorf("configurations[%d]: path is required", i)
		}
		b, err := os.ReadFile(s.Path)
		if err != nil {
			return nil, fmt.Errorf("configurations[%d]: %w", i, err)
		}
		label := strings.TrimSpace(s.Label)
		if label == "" {
			label = filepath.Base(s.Path)
		}
		if strings.ContainsAny(label, labelReserved) {
			return nil, fmt.Errorf("configurations[%d]: label %q must not contain any of %q", i, label, labelReserved)
		}
		if labels[label] {
			return nil, fmt.Errorf("configurations[%d]: duplicate label %q", i, label)
		}
		labels[label] = true

		content := StripConjectures(string(b))
		if len(s.Append) > 0 {
			content = strings.TrimRight(content, "\n") + "\n" + strings.Join(s.Append, "\n") + "\n"
		}
		out = append(out, model.Configuration{Label: label, Content: content, Path: s.Path})
	}
	return out, nil
}
