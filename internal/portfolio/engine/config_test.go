package engine

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

const minimalYAML = `
configurations:
  - path: axioms/Fast.tff
  - label: full
    path: /abs/Full.tff
    append: ["tff(hint, axiom, p(a))."]
jobs:
  files: ["conjectures/*.tff"]
`

func TestLoadRunConfigFile_YAMLDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadRunConfigFile(writeConfig(t, dir, "run.yaml", minimalYAML))
	if err != nil {
		t.Fatalf("LoadRunConfigFile: %v", err)
	}
	if cfg.Version != 1 {
		t.Fatalf("version=%d", cfg.Version)
	}
	if cfg.Timeouts.PerAttemptMS != 61000 || cfg.Timeouts.SlackMS == nil || *cfg.Timeouts.SlackMS != 10000 || cfg.Timeouts.ReapMS != 2000 {
		t.Fatalf("timeouts=%+v", cfg.Timeouts)
	}
	if got := strings.Join(cfg.Tool.ModeArgs, " "); got != "--mode casc -qa plain" {
		t.Fatalf("mode args=%q", got)
	}
	if cfg.Tool.TimeLimitFlag != "--time_limit" || cfg.Tool.ArtifactExt != ".tff" {
		t.Fatalf("tool=%+v", cfg.Tool)
	}
	if cfg.Diagnostics.Policy != string(PolicyNonSuccess) {
		t.Fatalf("policy=%q", cfg.Diagnostics.Policy)
	}
	if cfg.Seeds.Weekdays == nil || !*cfg.Seeds.Weekdays {
		t.Fatalf("weekday seeds should default on")
	}
	if got, want := cfg.Configurations[0].Path, filepath.Join(dir, "axioms/Fast.tff"); got != want {
		t.Fatalf("relative path=%q want %q", got, want)
	}
	if cfg.Configurations[1].Path != "/abs/Full.tff" {
		t.Fatalf("absolute path rewritten: %q", cfg.Configurations[1].Path)
	}
	if got, want := cfg.Jobs.Files[0], filepath.Join(dir, "conjectures/*.tff"); got != want {
		t.Fatalf("job glob=%q want %q", got, want)
	}
}

func TestLoadRunConfigFile_JSON(t *testing.T) {
	dir := t.TempDir()
	body := `{"version":1,"configurations":[{"path":"a.tff"}],"jobs":{"files":["c.tff"]},"timeouts":{"per_attempt_ms":5000,"slack_ms":0},"diagnostics":{"policy":"timeout"}}`
	cfg, err := LoadRunConfigFile(writeConfig(t, dir, "run.json", body))
	if err != nil {
		t.Fatalf("LoadRunConfigFile: %v", err)
	}
	if *cfg.Timeouts.SlackMS != 0 {
		t.Fatalf("explicit zero slack overwritten: %d", *cfg.Timeouts.SlackMS)
	}
	s := cfg.Settings("r1", "/logs", "/bin/vampire")
	if s.PerAttempt != 5*time.Second || s.Slack != 0 || s.DiagnosticsPolicy != PolicyTimeout {
		t.Fatalf("settings=%+v", s)
	}
	if s.Budget(3) != 15*time.Second {
		t.Fatalf("budget=%s", s.Budget(3))
	}
	if s.ReportPath != filepath.Join("/logs", "report.txt") || s.DiagnosticsDir != filepath.Join("/logs", "raw_logs") {
		t.Fatalf("output paths: report=%q diag=%q", s.ReportPath, s.DiagnosticsDir)
	}
}

func TestLoadRunConfigFile_Rejects(t *testing.T) {
	cases := []struct {
		name string
		file string
		body string
		want string
	}{
		{"unknown yaml field", "run.yaml", minimalYAML + "bogus: 1\n", "bogus"},
		{"multiple yaml docs", "run.yaml", minimalYAML + "---\nversion: 1\n", "multiple documents"},
		{"unknown json field", "run.json", `{"configurations":[{"path":"a"}],"jobs":{"files":["c"]},"nope":true}`, "nope"},
		{"trailing json", "run.json", `{"configurations":[{"path":"a"}],"jobs":{"files":["c"]}} {}`, "multiple top-level"},
		{"bad version", "run.yaml", "version: 2\n" + minimalYAML, "invalid run config"},
		{"no configurations", "run.yaml", "jobs:\n  files: [c.tff]\n", "invalid run config"},
		{"no jobs", "run.yaml", "configurations:\n  - path: a.tff\n", "invalid run config"},
		{"tiny timeout", "run.yaml", minimalYAML + "timeouts:\n  per_attempt_ms: 10\n", "invalid run config"},
		{"bad policy", "run.yaml", minimalYAML + "diagnostics:\n  policy: sometimes\n", "invalid run config"},
		{"label with trace separator", "run.json", `{"configurations":[{"path":"a","label":"fast;v2"}],"jobs":{"files":["c"]}}`, "invalid run config"},
		{"bad tag glob", "run.yaml", strings.Replace(minimalYAML, "jobs:\n", "jobs:\n  include_tags: [\"[oops\"]\n", 1), "invalid tag pattern"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadRunConfigFile(writeConfig(t, t.TempDir(), tc.file, tc.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func writeExecutable(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestResolveExecutable_Order(t *testing.T) {
	dir := t.TempDir()
	explicit := writeExecutable(t, dir, "explicit", "#!/bin/sh\n")
	fromEnv := writeExecutable(t, dir, "from-env", "#!/bin/sh\n")
	candidate := writeExecutable(t, dir, "vampire-main", "#!/bin/sh\n")
	notExec := filepath.Join(dir, "plain")
	if err := os.WriteFile(notExec, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	env := func(v string) func(string) string {
		return func(k string) string {
			if k == "VAMPIRE" {
				return v
			}
			return ""
		}
	}

	got, err := ResolveExecutable(ToolConfig{Executable: explicit}, env(fromEnv))
	if err != nil || got != explicit {
		t.Fatalf("explicit: got %q err %v", got, err)
	}
	got, err = ResolveExecutable(ToolConfig{}, env(fromEnv))
	if err != nil || got != fromEnv {
		t.Fatalf("env: got %q err %v", got, err)
	}
	got, err = ResolveExecutable(ToolConfig{Candidates: []string{filepath.Join(dir, "missing"), notExec, candidate}}, env(""))
	if err != nil || got != candidate {
		t.Fatalf("candidates: got %q err %v", got, err)
	}

	_, err = ResolveExecutable(ToolConfig{Candidates: []string{filepath.Join(dir, "missing")}}, env(""))
	if !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("want ErrExecutableNotFound, got %v", err)
	}
	_, err = ResolveExecutable(ToolConfig{Executable: notExec}, env(fromEnv))
	if !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("non-executable explicit path: want ErrExecutableNotFound, got %v", err)
	}
}
