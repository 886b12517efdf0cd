package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/pstanica/temporal-vampire/internal/portfolio/model"
	"github.com/pstanica/temporal-vampire/internal/portfolio/reaper"
	"github.com/pstanica/temporal-vampire/internal/portfolio/runtime"
	"github.com/pstanica/temporal-vampire/internal/portfolio/seed"
)

// AttemptRunner runs one job against one configuration under a hard deadline.
// Run is the error boundary of the engine: whatever goes wrong is returned as
// a classified AttemptResult.
type AttemptRunner struct {
	Settings    RunSettings
	Reaper      *reaper.Reaper
	Diagnostics *DiagnosticsStore
	Logger      logrus.FieldLogger
}

func NewAttemptRunner(settings RunSettings, diag *DiagnosticsStore, logger logrus.FieldLogger) *AttemptRunner {
	rp := reaper.New(logger)
	rp.ReapTimeout = settings.ReapTimeout
	return &AttemptRunner{
		Settings:    settings,
		Reaper:      rp,
		Diagnostics: diag,
		Logger:      logger,
	}
}

func (r *AttemptRunner) Run(ctx context.Context, job model.Job, cfg model.Configuration, deadline time.Duration) (res runtime.AttemptResult) {
	start := time.Now()
	log := r.logger().WithFields(logrus.Fields{"job": job.Tag, "configuration": cfg.Label})
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("attempt panicked: %v", rec)
			res = crashResult(start, fmt.Sprintf("attempt panicked: %v", rec))
		}
		observeAttempt(res)
		if r.Diagnostics.SaveResult(job.Tag, cfg.Label, res) {
			diagnosticsSavedTotal.Inc()
		}
	}()

	path, err := r.materialize(job, cfg)
	if err != nil {
		log.Warnf("materialize problem: %v", err)
		return crashResult(start, fmt.Sprintf("materialize problem: %v", err))
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnf("remove artifact %s: %v", path, err)
		}
	}()

	return r.execute(ctx, log, path, deadline, start)
}

func (r *AttemptRunner) execute(ctx context.Context, log logrus.FieldLogger, artifact string, deadline time.Duration, start time.Time) runtime.AttemptResult {
	if deadline <= 0 {
		deadline = time.Millisecond
	}
	cmd := exec.Command(r.Settings.Executable, r.commandArgs(deadline, artifact)...)
	var stdout, stderr syncBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = r.reapTimeout()
	if err := cmd.Start(); err != nil {
		log.Warnf("launch prover: %v", err)
		return crashResult(start, fmt.Sprintf("launch %s: %v", r.Settings.Executable, err))
	}
	proc := reaper.Watch(cmd)
	log = log.WithField("pid", proc.Pid())
	log.Debugf("prover started (deadline %s)", deadline)

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-proc.Done():
		elapsed := time.Since(start).Milliseconds()
		output := stdout.String() + stderr.String()
		cls := ClassifyOutput(output)
		raw := output
		switch err := proc.Err(); {
		case errors.Is(err, exec.ErrWaitDelay):
			// A helper outlived the prover while holding its output open.
			raw = appendNote(raw, "[exit] output still held open after exit")
			raw = appendNote(raw, strings.Join(r.terminate(log, proc), "\n"))
		case err != nil:
			raw = appendNote(raw, fmt.Sprintf("[exit] %v", err))
		}
		return runtime.AttemptResult{
			ElapsedMS:  elapsed,
			Status:     cls.Status,
			Outcome:    cls.Outcome,
			Diagnostic: cls.Diagnostic,
			RawOutput:  raw,
		}
	case <-timer.C:
		notes := r.terminate(log, proc)
		raw := appendNote(stdout.String()+stderr.String(), fmt.Sprintf("[timeout] deadline %s expired", deadline))
		raw = appendNote(raw, strings.Join(notes, "\n"))
		return runtime.AttemptResult{
			ElapsedMS: deadline.Milliseconds(),
			Status:    runtime.StatusTimeout,
			Outcome:   runtime.OutcomeTimeout,
			RawOutput: raw,
		}
	case <-ctx.Done():
		notes := r.terminate(log, proc)
		raw := appendNote(stdout.String()+stderr.String(), fmt.Sprintf("[cancelled] %v", ctx.Err()))
		raw = appendNote(raw, strings.Join(notes, "\n"))
		return runtime.AttemptResult{
			ElapsedMS: time.Since(start).Milliseconds(),
			Status:    runtime.StatusTimeout,
			Outcome:   runtime.OutcomeTimeout,
			RawOutput: raw,
		}
	}
}

func (r *AttemptRunner) terminate(log logrus.FieldLogger, proc *reaper.CmdProcess) []string {
	reapsTotal.Inc()
	rp := r.Reaper
	if rp == nil {
		rp = reaper.New(log)
		rp.ReapTimeout = r.reapTimeout()
	}
	notes := rp.Terminate(proc)
	log.Debugf("prover terminated: %s", strings.Join(notes, "; "))
	return notes
}

// commandArgs is <mode args> <extra args> <time-limit flag> <seconds> <artifact>.
func (r *AttemptRunner) commandArgs(deadline time.Duration, artifact string) []string {
	a := r.Settings.Args
	args := make([]string, 0, len(a.ModeArgs)+len(a.ExtraArgs)+3)
	args = append(args, a.ModeArgs...)
	args = append(args, a.ExtraArgs...)
	if a.TimeLimitFlag != "" {
		args = append(args, a.TimeLimitFlag, strconv.Itoa(timeLimitSeconds(deadline)))
	}
	return append(args, artifact)
}

func timeLimitSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// ProblemText assembles the artifact body: configuration, derived seeds,
// then the job's conjecture.
func ProblemText(job model.Job, cfg model.Configuration, withSeeds bool) string {
	seeds := ""
	if withSeeds {
		seeds = seed.Derive(job.Payload)
	}
	return cfg.Content + "\n\n" + seeds + "\n" + job.Payload + "\n"
}

// ArtifactName is deterministic per (tag, label) so no two attempts of one run
// share a file.
func ArtifactName(jobTag, configurationLabel, ext string) string {
	if ext == "" {
		ext = ".tff"
	}
	return fmt.Sprintf("attempt_%s_%s%s", sanitizeFileComponent(jobTag), pairDigest(jobTag, configurationLabel), ext)
}

// pairDigest is the first 8 bytes of blake3(tag|label), hex encoded.
func pairDigest(jobTag, configurationLabel string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(jobTag))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(configurationLabel))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

func (r *AttemptRunner) materialize(job model.Job, cfg model.Configuration) (string, error) {
	dir := firstNonEmpty(r.Settings.ScratchDir, os.TempDir())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, ArtifactName(job.Tag, cfg.Label, r.Settings.Args.ArtifactExt))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(ProblemText(job, cfg, r.Settings.SeedWeekdays)); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func (r *AttemptRunner) reapTimeout() time.Duration {
	if r.Settings.ReapTimeout <= 0 {
		return reaper.DefaultReapTimeout
	}
	return r.Settings.ReapTimeout
}

func (r *AttemptRunner) logger() logrus.FieldLogger {
	if r.Logger == nil {
		return logrus.StandardLogger()
	}
	return r.Logger
}

func crashResult(start time.Time, msg string) runtime.AttemptResult {
	return runtime.AttemptResult{
		ElapsedMS:  time.Since(start).Milliseconds(),
		Status:     runtime.StatusCrash,
		Outcome:    runtime.OutcomeFail,
		Diagnostic: runtime.DiagnosticCrash,
		RawOutput:  msg,
	}
}

func appendNote(s, note string) string {
	if note == "" {
		return s
	}
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + note + "\n"
}

// syncBuffer lets the reaper-bounded copy goroutines keep writing while the
// result is assembled.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
