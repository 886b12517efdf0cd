package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ProgressLog appends one JSON event per line to <logs_root>/progress.ndjson.
// Events are best-effort: write failures are logged once and then ignored.
type ProgressLog struct {
	path   string
	runID  string
	logger logrus.FieldLogger

	mu     sync.Mutex
	warned bool
}

func NewProgressLog(logsRoot, runID string, logger logrus.FieldLogger) *ProgressLog {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ProgressLog{
		path:   filepath.Join(logsRoot, "progress.ndjson"),
		runID:  runID,
		logger: logger,
	}
}

func (p *ProgressLog) Path() string {
	if p == nil {
		return ""
	}
	return p.path
}

func (p *ProgressLog) Append(ev map[string]any) {
	if p == nil || ev == nil {
		return
	}
	out := make(map[string]any, len(ev)+2)
	for k, v := range ev {
		out[k] = v
	}
	if _, ok := out["ts"]; !ok {
		out["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if _, ok := out["run_id"]; !ok && p.runID != "" {
		out["run_id"] = p.runID
	}
	b, err := json.Marshal(out)
	if err != nil {
		p.warn(err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		p.warnLocked(err)
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(b, '\n')); err != nil {
		p.warnLocked(err)
	}
}

func (p *ProgressLog) warn(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.warnLocked(err)
}

func (p *ProgressLog) warnLocked(err error) {
	if p.warned {
		return
	}
	p.warned = true
	p.logger.Warnf("progress log %s: %v", p.path, err)
}
