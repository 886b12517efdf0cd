package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pstanica/temporal-vampire/internal/portfolio/runtime"
)

// DiagnosticsPolicy decides which attempts keep their raw output.
type DiagnosticsPolicy string

const (
	PolicyNever      DiagnosticsPolicy = "never"
	PolicyTimeout    DiagnosticsPolicy = "timeout"
	PolicyNonSuccess DiagnosticsPolicy = "non_success"
)

func ParseDiagnosticsPolicy(s string) (DiagnosticsPolicy, error) {
	switch DiagnosticsPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyNonSuccess:
		return PolicyNonSuccess, nil
	case PolicyTimeout:
		return PolicyTimeout, nil
	case PolicyNever:
		return PolicyNever, nil
	default:
		return "", fmt.Errorf("invalid diagnostics.policy: %q (want never|timeout|non_success)", s)
	}
}

// Wants reports whether an attempt with the given result should be saved.
// ContradictoryAxioms is kept whenever anything is kept.
func (p DiagnosticsPolicy) Wants(outcome runtime.Outcome, status string) bool {
	switch p {
	case PolicyNever:
		return false
	case PolicyTimeout:
		return outcome == runtime.OutcomeTimeout || status == runtime.StatusContradictoryAxioms
	default:
		return outcome != runtime.OutcomeSuccess || status == runtime.StatusContradictoryAxioms
	}
}

// DiagnosticsStore writes raw prover output, one file per (job, configuration).
// Save never fails the caller; I/O problems are logged and dropped.
type DiagnosticsStore struct {
	Dir    string
	Policy DiagnosticsPolicy
	Logger logrus.FieldLogger

	mu      sync.Mutex
	dirOnce bool
}

func NewDiagnosticsStore(dir string, policy DiagnosticsPolicy, logger logrus.FieldLogger) *DiagnosticsStore {
	return &DiagnosticsStore{Dir: dir, Policy: policy, Logger: logger}
}

// Path is the file a (job, configuration) pair is saved to.
func (d *DiagnosticsStore) Path(jobTag, configurationLabel string) string {
	return filepath.Join(d.Dir, RawLogName(jobTag, configurationLabel))
}

// RawLogName is raw_<tag>_<label base name with dots replaced>_<digest>.log.
// The digest covers the full (tag, label) pair, so labels that sanitize to
// the same text still get separate files.
func RawLogName(jobTag, configurationLabel string) string {
	label := strings.ReplaceAll(filepath.Base(configurationLabel), ".", "_")
	return fmt.Sprintf("raw_%s_%s_%s.log",
		sanitizeFileComponent(jobTag), sanitizeFileComponent(label), pairDigest(jobTag, configurationLabel))
}

// SaveResult applies the policy to an attempt result and saves when it admits it.
// It reports whether a file was written.
func (d *DiagnosticsStore) SaveResult(jobTag, configurationLabel string, res runtime.AttemptResult) bool {
	if d == nil || !d.Policy.Wants(res.Outcome, res.Status) {
		return false
	}
	return d.Save(jobTag, configurationLabel, res.RawOutput)
}

// Save overwrites the diagnostics file for the pair with rawOutput.
func (d *DiagnosticsStore) Save(jobTag, configurationLabel, rawOutput string) bool {
	if d == nil || d.Policy == PolicyNever || strings.TrimSpace(d.Dir) == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	log := d.logger().WithFields(logrus.Fields{"job": jobTag, "configuration": configurationLabel})
	if !d.dirOnce {
		if err := os.MkdirAll(d.Dir, 0o755); err != nil {
			log.Warnf("diagnostics dir: %v", err)
			return false
		}
		d.dirOnce = true
	}
	path := d.Path(jobTag, configurationLabel)
	if err := os.WriteFile(path, []byte(rawOutput), 0o644); err != nil {
		log.Warnf("write diagnostics %s: %v", path, err)
		return false
	}
	return true
}

func (d *DiagnosticsStore) logger() logrus.FieldLogger {
	if d.Logger == nil {
		return logrus.StandardLogger()
	}
	return d.Logger
}

// sanitizeFileComponent keeps a tag or label usable as part of a file name.
func sanitizeFileComponent(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
