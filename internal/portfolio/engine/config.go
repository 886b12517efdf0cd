package engine

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrExecutableNotFound is returned when no prover binary can be located.
var ErrExecutableNotFound = errors.New("prover executable not found")

// DefaultCandidates is the lookup order used when neither tool.executable nor
// $VAMPIRE names a binary.
var DefaultCandidates = []string{"vampire-main", "vampire", "vampire_z3_rel", "./vampire"}

const executableEnv = "VAMPIRE"

type ToolConfig struct {
	Executable    string   `json:"executable,omitempty" yaml:"executable,omitempty"`
	Candidates    []string `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	ModeArgs      []string `json:"mode_args,omitempty" yaml:"mode_args,omitempty"`
	ExtraArgs     []string `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
	TimeLimitFlag string   `json:"time_limit_flag,omitempty" yaml:"time_limit_flag,omitempty"`
	ArtifactExt   string   `json:"artifact_ext,omitempty" yaml:"artifact_ext,omitempty"`
}

type ConfigurationEntry struct {
	Label  string   `json:"label,omitempty" yaml:"label,omitempty"`
	Path   string   `json:"path" yaml:"path"`
	Append []string `json:"append,omitempty" yaml:"append,omitempty"`
}

type RunConfigFile struct {
	Version int `json:"version" yaml:"version"`

	Tool           ToolConfig           `json:"tool" yaml:"tool"`
	Configurations []ConfigurationEntry `json:"configurations" yaml:"configurations"`

	Jobs struct {
		Files       []string `json:"files" yaml:"files"`
		IncludeTags []string `json:"include_tags,omitempty" yaml:"include_tags,omitempty"`
		ExcludeTags []string `json:"exclude_tags,omitempty" yaml:"exclude_tags,omitempty"`
	} `json:"jobs" yaml:"jobs"`

	Timeouts struct {
		PerAttemptMS int  `json:"per_attempt_ms" yaml:"per_attempt_ms"`
		SlackMS      *int `json:"slack_ms,omitempty" yaml:"slack_ms,omitempty"`
		ReapMS       int  `json:"reap_ms" yaml:"reap_ms"`
	} `json:"timeouts" yaml:"timeouts"`

	Seeds struct {
		Weekdays *bool `json:"weekdays,omitempty" yaml:"weekdays,omitempty"`
	} `json:"seeds" yaml:"seeds"`

	Diagnostics struct {
		Policy string `json:"policy" yaml:"policy"`
		Dir    string `json:"dir,omitempty" yaml:"dir,omitempty"`
	} `json:"diagnostics" yaml:"diagnostics"`

	Report struct {
		Path      string `json:"path,omitempty" yaml:"path,omitempty"`
		IndexPath string `json:"index_path,omitempty" yaml:"index_path,omitempty"`
	} `json:"report" yaml:"report"`

	ScratchDir string `json:"scratch_dir,omitempty" yaml:"scratch_dir,omitempty"`
}

//go:embed run_config.schema.json
var runConfigSchemaJSON string

func LoadRunConfigFile(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfigFile
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	applyConfigDefaults(&cfg)
	resolveConfigPaths(&cfg, filepath.Dir(path))
	if err := validateConfigSchema(&cfg); err != nil {
		return nil, err
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *RunConfigFile) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *RunConfigFile) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyConfigDefaults(cfg *RunConfigFile) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	cfg.Tool.Executable = strings.TrimSpace(cfg.Tool.Executable)
	cfg.Tool.Candidates = trimNonEmpty(cfg.Tool.Candidates)
	if len(cfg.Tool.Candidates) == 0 {
		cfg.Tool.Candidates = append([]string(nil), DefaultCandidates...)
	}
	if cfg.Tool.ModeArgs == nil {
		cfg.Tool.ModeArgs = []string{"--mode", "casc", "-qa", "plain"}
	}
	if strings.TrimSpace(cfg.Tool.TimeLimitFlag) == "" {
		cfg.Tool.TimeLimitFlag = "--time_limit"
	}
	if strings.TrimSpace(cfg.Tool.ArtifactExt) == "" {
		cfg.Tool.ArtifactExt = ".tff"
	}
	cfg.Jobs.Files = trimNonEmpty(cfg.Jobs.Files)
	cfg.Jobs.IncludeTags = trimNonEmpty(cfg.Jobs.IncludeTags)
	cfg.Jobs.ExcludeTags = trimNonEmpty(cfg.Jobs.ExcludeTags)

	if cfg.Timeouts.PerAttemptMS == 0 {
		cfg.Timeouts.PerAttemptMS = 61000
	}
	if cfg.Timeouts.SlackMS == nil {
		v := 10000
		cfg.Timeouts.SlackMS = &v
	}
	if cfg.Timeouts.ReapMS == 0 {
		cfg.Timeouts.ReapMS = 2000
	}
	if cfg.Seeds.Weekdays == nil {
		t := true
		cfg.Seeds.Weekdays = &t
	}
	cfg.Diagnostics.Policy = strings.ToLower(strings.TrimSpace(cfg.Diagnostics.Policy))
	if cfg.Diagnostics.Policy == "" {
		cfg.Diagnostics.Policy = string(PolicyNonSuccess)
	}
	cfg.Diagnostics.Dir = strings.TrimSpace(cfg.Diagnostics.Dir)
	cfg.Report.Path = strings.TrimSpace(cfg.Report.Path)
	cfg.Report.IndexPath = strings.TrimSpace(cfg.Report.IndexPath)
	cfg.ScratchDir = strings.TrimSpace(cfg.ScratchDir)
}

// resolveConfigPaths makes input paths relative to the config file's
// directory. Output locations stay relative to the working directory.
func resolveConfigPaths(cfg *RunConfigFile, baseDir string) {
	if cfg == nil || baseDir == "" {
		return
	}
	for i := range cfg.Configurations {
		cfg.Configurations[i].Path = resolveAgainst(baseDir, strings.TrimSpace(cfg.Configurations[i].Path))
	}
	for i := range cfg.Jobs.Files {
		cfg.Jobs.Files[i] = resolveAgainst(baseDir, cfg.Jobs.Files[i])
	}
}

func resolveAgainst(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func validateConfigSchema(cfg *RunConfigFile) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("run_config.schema.json", strings.NewReader(runConfigSchemaJSON)); err != nil {
		return fmt.Errorf("run config schema: %w", err)
	}
	schema, err := c.Compile("run_config.schema.json")
	if err != nil {
		return fmt.Errorf("run config schema: %w", err)
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid run config: %w", err)
	}
	return nil
}

func validateConfig(cfg *RunConfigFile) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if len(cfg.Configurations) == 0 {
		return fmt.Errorf("configurations must list at least one axiom file")
	}
	for i, c := range cfg.Configurations {
		if strings.TrimSpace(c.Path) == "" {
			return fmt.Errorf("configurations[%d].path is required", i)
		}
	}
	if len(cfg.Jobs.Files) == 0 {
		return fmt.Errorf("jobs.files is required")
	}
	for _, p := range append(append([]string{}, cfg.Jobs.IncludeTags...), cfg.Jobs.ExcludeTags...) {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid tag pattern: %q", p)
		}
	}
	if cfg.Timeouts.PerAttemptMS < 1000 {
		return fmt.Errorf("timeouts.per_attempt_ms must be >= 1000")
	}
	if cfg.Timeouts.SlackMS != nil && *cfg.Timeouts.SlackMS < 0 {
		return fmt.Errorf("timeouts.slack_ms must be >= 0")
	}
	if cfg.Timeouts.ReapMS <= 0 {
		return fmt.Errorf("timeouts.reap_ms must be > 0")
	}
	if _, err := ParseDiagnosticsPolicy(cfg.Diagnostics.Policy); err != nil {
		return err
	}
	if !strings.HasPrefix(cfg.Tool.ArtifactExt, ".") || strings.ContainsRune(cfg.Tool.ArtifactExt, os.PathSeparator) {
		return fmt.Errorf("invalid tool.artifact_ext: %q", cfg.Tool.ArtifactExt)
	}
	return nil
}

// ToolArgs is the fixed argument contract of one prover invocation.
type ToolArgs struct {
	ModeArgs      []string
	ExtraArgs     []string
	TimeLimitFlag string
	ArtifactExt   string
}

// RunSettings is the immutable per-run view of a RunConfigFile plus the
// resolved executable and output locations. It is passed by value into the
// scheduler and runner.
type RunSettings struct {
	RunID    string
	LogsRoot string

	Executable string
	Args       ToolArgs

	PerAttempt  time.Duration
	Slack       time.Duration
	ReapTimeout time.Duration

	SeedWeekdays bool

	DiagnosticsPolicy DiagnosticsPolicy
	DiagnosticsDir    string

	ReportPath string
	IndexPath  string
	ScratchDir string
}

// Budget is the wall-clock allowance for one job over n configurations.
func (s RunSettings) Budget(n int) time.Duration {
	return s.PerAttempt*time.Duration(n) + s.Slack
}

// Settings derives RunSettings for a run rooted at logsRoot. The executable
// must already be resolved.
func (cfg *RunConfigFile) Settings(runID, logsRoot, executable string) RunSettings {
	policy, _ := ParseDiagnosticsPolicy(cfg.Diagnostics.Policy)
	slack := 0
	if cfg.Timeouts.SlackMS != nil {
		slack = *cfg.Timeouts.SlackMS
	}
	weekdays := cfg.Seeds.Weekdays == nil || *cfg.Seeds.Weekdays
	return RunSettings{
		RunID:      runID,
		LogsRoot:   logsRoot,
		Executable: executable,
		Args: ToolArgs{
			ModeArgs:      append([]string(nil), cfg.Tool.ModeArgs...),
			ExtraArgs:     append([]string(nil), cfg.Tool.ExtraArgs...),
			TimeLimitFlag: cfg.Tool.TimeLimitFlag,
			ArtifactExt:   cfg.Tool.ArtifactExt,
		},
		PerAttempt:        time.Duration(cfg.Timeouts.PerAttemptMS) * time.Millisecond,
		Slack:             time.Duration(slack) * time.Millisecond,
		ReapTimeout:       time.Duration(cfg.Timeouts.ReapMS) * time.Millisecond,
		SeedWeekdays:      weekdays,
		DiagnosticsPolicy: policy,
		DiagnosticsDir:    firstNonEmpty(cfg.Diagnostics.Dir, filepath.Join(logsRoot, "raw_logs")),
		ReportPath:        firstNonEmpty(cfg.Report.Path, filepath.Join(logsRoot, "report.txt")),
		IndexPath:         cfg.Report.IndexPath,
		ScratchDir:        firstNonEmpty(cfg.ScratchDir, os.TempDir()),
	}
}

// ResolveExecutable finds the prover binary: tool.executable, then $VAMPIRE,
// then the first candidate that resolves.
func ResolveExecutable(tool ToolConfig, getenv func(string) string) (string, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if exe := strings.TrimSpace(tool.Executable); exe != "" {
		p, err := lookupExecutable(exe)
		if err != nil {
			return "", fmt.Errorf("%w: tool.executable %q: %v", ErrExecutableNotFound, exe, err)
		}
		return p, nil
	}
	if exe := strings.TrimSpace(getenv(executableEnv)); exe != "" {
		p, err := lookupExecutable(exe)
		if err != nil {
			return "", fmt.Errorf("%w: $%s=%q: %v", ErrExecutableNotFound, executableEnv, exe, err)
		}
		return p, nil
	}
	candidates := tool.Candidates
	if len(candidates) == 0 {
		candidates = DefaultCandidates
	}
	for _, c := range candidates {
		if p, err := lookupExecutable(c); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w (tried %s)", ErrExecutableNotFound, strings.Join(candidates, ", "))
}

func lookupExecutable(name string) (string, error) {
	if !strings.ContainsRune(name, os.PathSeparator) {
		return exec.LookPath(name)
	}
	st, err := os.Stat(name)
	if err != nil {
		return "", err
	}
	if st.IsDir() || st.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%s is not an executable file", name)
	}
	abs, err := filepath.Abs(name)
	if err != nil {
		return name, nil
	}
	return abs, nil
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
