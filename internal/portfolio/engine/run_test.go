package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pstanica/temporal-vampire/internal/portfolio/report"
	"github.com/pstanica/temporal-vampire/internal/portfolio/runtime"
)

const fakeProver = `#!/bin/sh
for last; do :; done
if grep -q conjecture_a "$last"; then
  echo "% SZS status Theorem for a"
  exit 0
fi
if grep -q conjecture_b "$last" && grep -q config_b "$last"; then
  echo "% SZS status CounterSatisfiable for b"
  exit 0
fi
echo "% SZS status GaveUp for x"
`

// writeRunFixture lays out a two-configuration, three-job run and returns the
// path of its config file.
func writeRunFixture(t *testing.T, exe string, extra string) string {
	t.Helper()
	dir := t.TempDir()
	writeConfig(t, dir, "A.tff", "% config_a\ntff(ax_a, axiom, p).\n")
	writeConfig(t, dir, "B.tff", "% config_b\ntff(ax_b, axiom, q).\n")
	if err := os.MkdirAll(filepath.Join(dir, "jobs"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, dir, "jobs/01_basic.tff", strings.Join([]string{
		"tff(test_a, conjecture, conjecture_a).",
		"tff(test_b, conjecture, conjecture_b).",
	}, "\n"))
	writeConfig(t, dir, "jobs/02_hard.tff", "tff(test_c, conjecture, weekday(ymd(2024, 1, 1), monday)).\n")
	body := `version: 1
tool:
  executable: ` + exe + `
configurations:
  - path: A.tff
  - path: B.tff
jobs:
  files: ["jobs/*.tff"]
timeouts:
  per_attempt_ms: 5000
  slack_ms: 1000
  reap_ms: 500
diagnostics:
  policy: non_success
` + extra
	return writeConfig(t, dir, "run.yaml", body)
}

func readEvents(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev map[string]any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad progress line %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}

func TestRun_EndToEndWithFakeProver(t *testing.T) {
	requireShell(t)
	exe := writeExecutable(t, t.TempDir(), "fake-vampire", fakeProver)
	logsRoot := filepath.Join(t.TempDir(), "logs")
	cfgPath := writeRunFixture(t, exe, "report:\n  index_path: "+filepath.Join(logsRoot, "index.sqlite")+"\n")

	var started RunInfo
	var done []string
	res, err := Run(context.Background(), cfgPath, RunOptions{
		RunID:      "run-e2e",
		LogsRoot:   logsRoot,
		Logger:     quietLogger(),
		OnRunStart: func(info RunInfo) { started = info },
		OnJobDone: func(i, n int, r runtime.JobResult) {
			if n != 3 {
				t.Errorf("total=%d", n)
			}
			done = append(done, r.Tag)
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if started.RunID != "run-e2e" || started.Jobs != 3 || strings.Join(started.Configurations, ",") != "A.tff,B.tff" {
		t.Fatalf("run info=%+v", started)
	}
	if strings.Join(done, ",") != "test_a,test_b,test_c" {
		t.Fatalf("job order=%v", done)
	}
	if res.Passed != 2 || res.Total != 3 || res.FinalStatus != runtime.FinalFail {
		t.Fatalf("result=%+v", res)
	}
	if res.Jobs[1].Winner != "B.tff" || len(res.Jobs[1].Trace) != 2 {
		t.Fatalf("test_b=%+v", res.Jobs[1])
	}
	if res.Jobs[2].TraceString() == "" || res.Jobs[2].Status != "GaveUp" {
		t.Fatalf("test_c=%+v", res.Jobs[2])
	}

	rep, err := report.ParseFile(filepath.Join(logsRoot, "report.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Rows) != 3 || rep.Summary == nil || rep.Summary.Passed != 2 || rep.Summary.Total != 3 {
		t.Fatalf("report=%+v", rep)
	}
	if rep.Rows[1].Winner() != "B.tff" {
		t.Fatalf("row=%+v", rep.Rows[1])
	}

	fo, err := runtime.LoadFinalOutcome(filepath.Join(logsRoot, "final.json"))
	if err != nil {
		t.Fatal(err)
	}
	if fo.Status != runtime.FinalFail || fo.Passed != 2 || fo.Total != 3 || fo.FailureReason != "1 of 3 jobs did not succeed" {
		t.Fatalf("final=%+v", fo)
	}

	var m runManifest
	b, err := os.ReadFile(filepath.Join(logsRoot, "manifest.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m.Executable != exe || m.Jobs != 3 || len(m.Configurations) != 2 || len(m.Configurations[0].BLAKE3) != 64 {
		t.Fatalf("manifest=%+v", m)
	}

	events := readEvents(t, filepath.Join(logsRoot, "progress.ndjson"))
	if len(events) == 0 || events[0]["event"] != "run_start" || events[len(events)-1]["event"] != "run_end" {
		t.Fatalf("events=%v", events)
	}
	jobEnds := 0
	for _, ev := range events {
		if ev["run_id"] != "run-e2e" {
			t.Fatalf("event without run id: %v", ev)
		}
		if ev["event"] == "job_end" {
			jobEnds++
		}
	}
	if jobEnds != 3 {
		t.Fatalf("job_end events=%d", jobEnds)
	}

	raw, err := os.ReadFile(filepath.Join(logsRoot, "raw_logs", RawLogName("test_c", "B.tff")))
	if err != nil || !strings.Contains(string(raw), "GaveUp") {
		t.Fatalf("raw log: %v %q", err, raw)
	}
	if _, err := os.Stat(filepath.Join(logsRoot, "raw_logs", RawLogName("test_a", "A.tff"))); !os.IsNotExist(err) {
		t.Fatalf("success should not be saved: %v", err)
	}

	prom, err := os.ReadFile(filepath.Join(logsRoot, "metrics.prom"))
	if err != nil || !strings.Contains(string(prom), "portfolio_jobs_total") {
		t.Fatalf("metrics.prom: %v", err)
	}

	idx, err := report.OpenIndex(filepath.Join(logsRoot, "index.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = idx.Close() }()
	counts, err := idx.OutcomeCounts(context.Background(), "run-e2e")
	if err != nil {
		t.Fatal(err)
	}
	if counts[runtime.OutcomeSuccess] != 2 || counts[runtime.OutcomeFail] != 1 {
		t.Fatalf("index counts=%v", counts)
	}
}

func TestRun_MissingExecutableWritesFailedFinal(t *testing.T) {
	logsRoot := t.TempDir()
	cfgPath := writeRunFixture(t, filepath.Join(t.TempDir(), "no-such-vampire"), "")
	_, err := Run(context.Background(), cfgPath, RunOptions{RunID: "r", LogsRoot: logsRoot, Logger: quietLogger()})
	if !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("err=%v", err)
	}
	fo, lerr := runtime.LoadFinalOutcome(filepath.Join(logsRoot, "final.json"))
	if lerr != nil {
		t.Fatal(lerr)
	}
	if fo.Status != runtime.FinalFail || !strings.Contains(fo.FailureReason, "not found") {
		t.Fatalf("final=%+v", fo)
	}
	if _, err := os.Stat(filepath.Join(logsRoot, "report.txt")); !os.IsNotExist(err) {
		t.Fatalf("no report expected before the first job: %v", err)
	}
}

func TestRun_FatalInputErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(cfg *RunConfigFile, dir string)
		want   string
	}{
		{
			name:   "missing configuration file",
			mutate: func(cfg *RunConfigFile, dir string) { cfg.Configurations[1].Path = filepath.Join(dir, "Missing.tff") },
			want:   "load configurations",
		},
		{
			name:   "no jobs after filtering",
			mutate: func(cfg *RunConfigFile, dir string) { cfg.Jobs.IncludeTags = []string{"nothing_*"} },
			want:   "no jobs found",
		},
		{
			name:   "unmatched job glob",
			mutate: func(cfg *RunConfigFile, dir string) { cfg.Jobs.Files = []string{filepath.Join(dir, "none/*.tff")} },
			want:   "load jobs",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfgPath := writeRunFixture(t, "/bin/true", "")
			cfg, err := LoadRunConfigFile(cfgPath)
			if err != nil {
				t.Fatal(err)
			}
			tc.mutate(cfg, filepath.Dir(cfgPath))
			logsRoot := t.TempDir()
			_, err = RunWithConfig(context.Background(), cfg, RunOptions{
				RunID:     "r",
				LogsRoot:  logsRoot,
				Logger:    quietLogger(),
				Attempter: &scriptedAttempter{clock: newFakeClock()},
			})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want %q", err, tc.want)
			}
			fo, lerr := runtime.LoadFinalOutcome(filepath.Join(logsRoot, "final.json"))
			if lerr != nil || fo.Status != runtime.FinalFail {
				t.Fatalf("final=%+v err=%v", fo, lerr)
			}
		})
	}
}

func TestRun_InjectedAttempterAllPass(t *testing.T) {
	cfgPath := writeRunFixture(t, "/bin/true", "")
	cfg, err := LoadRunConfigFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	clock := newFakeClock()
	a := &scriptedAttempter{clock: clock, script: map[string]scriptedAttempt{
		"A.tff": {status: "Timeout"},
		"B.tff": {status: "Theorem", took: 1200 * time.Millisecond},
	}}
	logsRoot := t.TempDir()
	res, err := RunWithConfig(context.Background(), cfg, RunOptions{
		RunID:     "r-pass",
		LogsRoot:  logsRoot,
		Logger:    quietLogger(),
		Attempter: a,
		Now:       clock.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalStatus != runtime.FinalSuccess || res.Passed != 3 || res.Total != 3 {
		t.Fatalf("result=%+v", res)
	}
	for _, jr := range res.Jobs {
		if got := jr.TraceString(); got != "A.tff:Timeout@5000ms; B.tff:Theorem@1200ms" {
			t.Fatalf("%s trace=%q", jr.Tag, got)
		}
		if jr.ElapsedMS != 6200 {
			t.Fatalf("%s elapsed=%d", jr.Tag, jr.ElapsedMS)
		}
	}
	fo, err := runtime.LoadFinalOutcome(filepath.Join(logsRoot, "final.json"))
	if err != nil || fo.Status != runtime.FinalSuccess || fo.FailureReason != "" {
		t.Fatalf("final=%+v err=%v", fo, err)
	}
}
