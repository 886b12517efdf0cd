package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/pstanica/temporal-vampire/internal/portfolio/model"
	"github.com/pstanica/temporal-vampire/internal/portfolio/report"
	"github.com/pstanica/temporal-vampire/internal/portfolio/runtime"
	"github.com/pstanica/temporal-vampire/internal/portfolio/source"
)

type RunOptions struct {
	RunID    string
	LogsRoot string
	// ConfigPath is recorded in the manifest only.
	ConfigPath string

	Logger logrus.FieldLogger
	Getenv func(string) string

	// OnRunStart is called once inputs are loaded, before the first job.
	OnRunStart func(RunInfo)
	// OnJobDone is called after a job's report line is on disk. index is 1-based.
	OnJobDone func(index, total int, res runtime.JobResult)

	// Attempter replaces the process-backed runner (tests).
	Attempter Attempter
	// Now replaces the scheduler clock (tests).
	Now func() time.Time
}

type RunInfo struct {
	RunID          string
	LogsRoot       string
	Executable     string
	ReportPath     string
	DiagnosticsDir string
	PerAttempt     time.Duration
	Configurations []string
	Jobs           int
}

type Result struct {
	RunID       string
	LogsRoot    string
	ReportPath  string
	FinalStatus runtime.FinalStatus
	Passed      int
	Total       int
	Duration    time.Duration
	Jobs        []runtime.JobResult
	Warnings    []string
}

// NewRunID returns a fresh, lexically time-ordered run id.
func NewRunID() (string, error) {
	return ulid.Make().String(), nil
}

// RunsBaseDir is where runs land when no logs root is given.
func RunsBaseDir() (string, error) {
	stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME"))
	if stateHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		stateHome = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(stateHome, "temporal-vampire", "portfolio", "runs"), nil
}

// Run loads the run config at configPath and executes the batch.
func Run(ctx context.Context, configPath string, opts RunOptions) (*Result, error) {
	cfg, err := LoadRunConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath = configPath
	}
	return RunWithConfig(ctx, cfg, opts)
}

type manifestConfiguration struct {
	Label  string `json:"label"`
	Path   string `json:"path"`
	BLAKE3 string `json:"blake3"`
}

type runManifest struct {
	RunID          string                  `json:"run_id"`
	StartedAt      time.Time               `json:"started_at"`
	ConfigPath     string                  `json:"config_path,omitempty"`
	Executable     string                  `json:"executable"`
	ToolArgs       []string                `json:"tool_args"`
	Configurations []manifestConfiguration `json:"configurations"`
	JobFiles       []string                `json:"job_files"`
	Jobs           int                     `json:"jobs"`
	PerAttemptMS   int64                   `json:"per_attempt_ms"`
	SlackMS        int64                   `json:"slack_ms"`
	ReapMS         int64                   `json:"reap_ms"`
	SeedWeekdays   bool                    `json:"seed_weekdays"`
	ReportPath     string                  `json:"report_path"`
	IndexPath      string                  `json:"index_path,omitempty"`
	DiagnosticsDir string                  `json:"diagnostics_dir"`
	Diagnostics    DiagnosticsPolicy       `json:"diagnostics_policy"`
}

// RunWithConfig executes every selected job through the portfolio. Errors are
// returned only for problems found before the first job starts; after that
// every job yields exactly one report line.
func RunWithConfig(ctx context.Context, cfg *RunConfigFile, opts RunOptions) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	runID := strings.TrimSpace(opts.RunID)
	if runID == "" {
		id, err := NewRunID()
		if err != nil {
			return nil, err
		}
		runID = id
	}
	logsRoot := strings.TrimSpace(opts.LogsRoot)
	if logsRoot == "" {
		base, err := RunsBaseDir()
		if err != nil {
			return nil, err
		}
		logsRoot = filepath.Join(base, runID)
	}
	if err := os.MkdirAll(logsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create logs root: %w", err)
	}
	log = log.WithField("run_id", runID)
	started := time.Now()
	progress := NewProgressLog(logsRoot, runID, log)

	fail := func(err error) (*Result, error) {
		progress.Append(map[string]any{"event": "run_end", "status": string(runtime.FinalFail), "failure_reason": err.Error()})
		fo := &runtime.FinalOutcome{
			Timestamp:     time.Now().UTC(),
			Status:        runtime.FinalFail,
			RunID:         runID,
			DurationMS:    time.Since(started).Milliseconds(),
			FailureReason: err.Error(),
		}
		if serr := fo.Save(filepath.Join(logsRoot, "final.json")); serr != nil {
			log.Warnf("write final.json: %v", serr)
		}
		return nil, err
	}

	if err := writePIDFile(logsRoot); err != nil {
		log.Warnf("write run.pid: %v", err)
	}

	executable := ""
	if opts.Attempter == nil {
		exe, err := ResolveExecutable(cfg.Tool, opts.Getenv)
		if err != nil {
			return fail(err)
		}
		executable = exe
	}
	settings := cfg.Settings(runID, logsRoot, executable)

	cfgs, err := source.LoadConfigurations(configurationSpecs(cfg))
	if err != nil {
		return fail(fmt.Errorf("load configurations: %w", err))
	}
	jobs, err := source.LoadJobs(cfg.Jobs.Files, source.TagFilter{Include: cfg.Jobs.IncludeTags, Exclude: cfg.Jobs.ExcludeTags})
	if err != nil {
		return fail(fmt.Errorf("load jobs: %w", err))
	}
	if len(jobs) == 0 {
		return fail(fmt.Errorf("no jobs found in %s", strings.Join(cfg.Jobs.Files, ", ")))
	}

	if err := writeManifest(logsRoot, opts.ConfigPath, settings, cfgs, cfg.Jobs.Files, len(jobs), started); err != nil {
		return fail(fmt.Errorf("write manifest: %w", err))
	}

	ledger, err := report.Create(settings.ReportPath, report.Header{
		RunID:          runID,
		Generated:      started,
		PerAttempt:     settings.PerAttempt,
		Configurations: model.Labels(cfgs),
		RawLogsDir:     settings.DiagnosticsDir,
	})
	if err != nil {
		return fail(err)
	}

	var index *report.Index
	if settings.IndexPath != "" {
		index, err = report.OpenIndex(settings.IndexPath)
		if err != nil {
			_ = ledger.Close(time.Since(started))
			return fail(err)
		}
		defer func() { _ = index.Close() }()
		if err := index.StartRun(ctx, runID, started, model.Labels(cfgs)); err != nil {
			_ = ledger.Close(time.Since(started))
			return fail(err)
		}
	}

	attempter := opts.Attempter
	if attempter == nil {
		diag := NewDiagnosticsStore(settings.DiagnosticsDir, settings.DiagnosticsPolicy, log)
		attempter = NewAttemptRunner(settings, diag, log)
	}
	sched := NewScheduler(attempter, cfgs, settings, progress, log)
	sched.Now = opts.Now

	info := RunInfo{
		RunID:          runID,
		LogsRoot:       logsRoot,
		Executable:     executable,
		ReportPath:     settings.ReportPath,
		DiagnosticsDir: settings.DiagnosticsDir,
		PerAttempt:     settings.PerAttempt,
		Configurations: model.Labels(cfgs),
		Jobs:           len(jobs),
	}
	progress.Append(map[string]any{
		"event":          "run_start",
		"jobs":           len(jobs),
		"configurations": info.Configurations,
		"executable":     executable,
		"per_attempt_ms": settings.PerAttempt.Milliseconds(),
		"budget_ms":      sched.Budget().Milliseconds(),
	})
	log.Infof("running %d jobs against %d configurations", len(jobs), len(cfgs))
	if opts.OnRunStart != nil {
		opts.OnRunStart(info)
	}

	res := &Result{RunID: runID, LogsRoot: logsRoot, ReportPath: settings.ReportPath}
	for i, job := range jobs {
		jr := sched.RunJob(ctx, job)
		res.Jobs = append(res.Jobs, jr)
		if err := ledger.Append(jr); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("report append %s: %v", job.Tag, err))
			log.WithField("job", job.Tag).Warnf("report append: %v", err)
		}
		if index != nil {
			if err := index.RecordJob(ctx, runID, jr); err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("index %s: %v", job.Tag, err))
				log.WithField("job", job.Tag).Warnf("index record: %v", err)
			}
		}
		if opts.OnJobDone != nil {
			opts.OnJobDone(i+1, len(jobs), jr)
		}
	}

	res.Passed, res.Total = ledger.Counts()
	res.Duration = time.Since(started)
	if err := ledger.Close(res.Duration); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("report close: %v", err))
	}
	if index != nil {
		if err := index.FinishRun(ctx, runID, time.Now(), res.Passed, res.Total, res.Duration); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("index finish: %v", err))
		}
	}

	res.FinalStatus = runtime.FinalSuccess
	reason := ""
	if res.Passed != res.Total {
		res.FinalStatus = runtime.FinalFail
		reason = fmt.Sprintf("%d of %d jobs did not succeed", res.Total-res.Passed, res.Total)
	}
	if err := WriteMetrics(filepath.Join(logsRoot, "metrics.prom")); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("write metrics: %v", err))
	}
	fo := &runtime.FinalOutcome{
		Timestamp:     time.Now().UTC(),
		Status:        res.FinalStatus,
		RunID:         runID,
		Passed:        res.Passed,
		Total:         res.Total,
		DurationMS:    res.Duration.Milliseconds(),
		ReportPath:    settings.ReportPath,
		FailureReason: reason,
	}
	if err := fo.Save(filepath.Join(logsRoot, "final.json")); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("write final.json: %v", err))
	}
	progress.Append(map[string]any{
		"event":       "run_end",
		"status":      string(res.FinalStatus),
		"passed":      res.Passed,
		"total":       res.Total,
		"duration_ms": res.Duration.Milliseconds(),
	})
	log.Infof("run finished: %d/%d passed in %s", res.Passed, res.Total, res.Duration.Round(time.Millisecond))
	return res, nil
}

func configurationSpecs(cfg *RunConfigFile) []source.ConfigurationSpec {
	out := make([]source.ConfigurationSpec, 0, len(cfg.Configurations))
	for _, c := range cfg.Configurations {
		out = append(out, source.ConfigurationSpec{Label: c.Label, Path: c.Path, Append: c.Append})
	}
	return out
}

func writePIDFile(logsRoot string) error {
	return os.WriteFile(filepath.Join(logsRoot, "run.pid"), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func writeManifest(logsRoot, configPath string, s RunSettings, cfgs []model.Configuration, jobFiles []string, jobs int, started time.Time) error {
	m := runManifest{
		RunID:          s.RunID,
		StartedAt:      started.UTC(),
		ConfigPath:     configPath,
		Executable:     s.Executable,
		ToolArgs:       append(append([]string{}, s.Args.ModeArgs...), s.Args.ExtraArgs...),
		JobFiles:       jobFiles,
		Jobs:           jobs,
		PerAttemptMS:   s.PerAttempt.Milliseconds(),
		SlackMS:        s.Slack.Milliseconds(),
		ReapMS:         s.ReapTimeout.Milliseconds(),
		SeedWeekdays:   s.SeedWeekdays,
		ReportPath:     s.ReportPath,
		IndexPath:      s.IndexPath,
		DiagnosticsDir: s.DiagnosticsDir,
		Diagnostics:    s.DiagnosticsPolicy,
	}
	for _, c := range cfgs {
		m.Configurations = append(m.Configurations, manifestConfiguration{
			Label:  c.Label,
			Path:   c.Path,
			BLAKE3: Fingerprint(c.Content),
		})
	}
	return runtime.WriteJSONAtomicFile(filepath.Join(logsRoot, "manifest.json"), m)
}

// Fingerprint is the hex BLAKE3-256 digest of a configuration body.
func Fingerprint(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
