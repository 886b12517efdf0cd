// Package report writes and reads the portfolio result ledger.
//
// The ledger is a UTF-8 text file: a '#' header block, a column header, one
// line per job and a trailing summary. Every job line is flushed to disk
// before Append returns, so a ledger cut short by a crash still parses.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pstanica/temporal-vampire/internal/portfolio/runtime"
)

const (
	DefaultTitle    = "VAMPIRE TEST REPORT - PORTFOLIO"
	DefaultStrategy = "fixed axioms portfolio, first success wins"

	ruleWidth = 110
)

type Header struct {
	Title          string
	Strategy       string
	RunID          string
	Generated      time.Time
	PerAttempt     time.Duration
	Configurations []string
	RawLogsDir     string
}

// Ledger is the append-only report file. It is safe for concurrent use.
type Ledger struct {
	path string

	mu     sync.Mutex
	f      *os.File
	passed int
	total  int
	closed bool
}

// Create truncates path and writes the header block.
func Create(path string, h Header) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}
	l := &Ledger{path: path, f: f}
	if err := l.writeSynced(formatHeader(h)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write report header: %w", err)
	}
	return l, nil
}

func (l *Ledger) Path() string { return l.path }

// Append writes one job line and fsyncs it.
func (l *Ledger) Append(r runtime.JobResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("report %s already closed", l.path)
	}
	l.total++
	if r.Passed() {
		l.passed++
	}
	return l.writeSyncedLocked(FormatLine(r) + "\n")
}

// Counts returns passed and total jobs appended so far.
func (l *Ledger) Counts() (passed, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.passed, l.total
}

// Close writes the summary trailer and closes the file. It is idempotent.
func (l *Ledger) Close(duration time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	trailer := strings.Repeat("-", ruleWidth) + "\n\n" + FormatSummary(l.passed, l.total, duration) + "\n"
	werr := l.writeSyncedLocked(trailer)
	cerr := l.f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

func (l *Ledger) writeSynced(s string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeSyncedLocked(s)
}

func (l *Ledger) writeSyncedLocked(s string) error {
	if _, err := l.f.WriteString(s); err != nil {
		return err
	}
	return l.f.Sync()
}

// FormatLine renders tag | elapsed | status | outcome | trace.
func FormatLine(r runtime.JobResult) string {
	return fmt.Sprintf("%s | %6d ms | %-20s | %-9s | %s", r.Tag, r.ElapsedMS, r.Status, r.Outcome, r.TraceString())
}

func FormatSummary(passed, total int, duration time.Duration) string {
	return fmt.Sprintf("# SUMMARY: %d/%d passed (%s)", passed, total, FormatDuration(duration))
}

// FormatDuration renders H:MM:SS.ffffff.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%d:%02d:%02d.%06d", h, m, s, d/time.Microsecond)
}

func formatHeader(h Header) string {
	title := h.Title
	if title == "" {
		title = DefaultTitle
	}
	strategy := h.Strategy
	if strategy == "" {
		strategy = DefaultStrategy
	}
	generated := h.Generated
	if generated.IsZero() {
		generated = time.Now()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", title)
	fmt.Fprintf(&b, "# Strategy: %s\n", strategy)
	if h.RunID != "" {
		fmt.Fprintf(&b, "# Run: %s\n", h.RunID)
	}
	fmt.Fprintf(&b, "# Generated: %s\n", generated.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "# Timeout: %gs per attempt\n", h.PerAttempt.Seconds())
	fmt.Fprintf(&b, "# Axioms order: %s\n", strings.Join(h.Configurations, ", "))
	fmt.Fprintf(&b, "# Raw logs dir: %s\n", h.RawLogsDir)
	b.WriteString(strings.Repeat("#", ruleWidth) + "\n")
	fmt.Fprintf(&b, "%-30s | %8s | %-20s | %-9s | Trace\n", "Test", "Time", "Status", "Result")
	b.WriteString(strings.Repeat("-", ruleWidth) + "\n")
	return b.String()
}
