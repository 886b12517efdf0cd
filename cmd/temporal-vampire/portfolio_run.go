package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pstanica/temporal-vampire/internal/portfolio/engine"
	"github.com/pstanica/temporal-vampire/internal/portfolio/report"
	"github.com/pstanica/temporal-vampire/internal/portfolio/runtime"
)

const (
	ansiRed   = "\033[31m"
	ansiGreen = "\033[32m"
	ansiBold  = "\033[1m"
	ansiReset = "\033[0m"

	bannerWidth = 110
	statusWidth = 22
)

func runPortfolioRun(args []string, stdout io.Writer, stderr io.Writer) int {
	var configPath string
	var runID string
	var logsRoot string
	color := true
	verbose := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--config requires a value")
				return 1
			}
			configPath = args[i]
		case "--run-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--run-id requires a value")
				return 1
			}
			runID = args[i]
		case "--logs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--logs-root requires a value")
				return 1
			}
			logsRoot = args[i]
		case "--no-color":
			color = false
		case "--verbose", "-v":
			verbose = true
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}
	if configPath == "" {
		usage(stderr)
		return 1
	}

	logger := logrus.New()
	logger.SetOutput(stderr)
	logger.SetLevel(logrus.WarnLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	res, err := engine.Run(context.Background(), configPath, engine.RunOptions{
		RunID:    runID,
		LogsRoot: logsRoot,
		Logger:   logger,
		OnRunStart: func(info engine.RunInfo) {
			printBanner(stdout, info)
		},
		OnJobDone: func(index, total int, jr runtime.JobResult) {
			fmt.Fprintln(stdout, consoleLine(index, total, jr, color))
		},
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	fmt.Fprintln(stdout, strings.Repeat("=", bannerWidth))
	fmt.Fprintln(stdout, report.FormatSummary(res.Passed, res.Total, res.Duration))
	fmt.Fprintf(stdout, "run_id=%s\n", res.RunID)
	fmt.Fprintf(stdout, "logs_root=%s\n", res.LogsRoot)
	fmt.Fprintf(stdout, "report=%s\n", res.ReportPath)
	for _, w := range res.Warnings {
		fmt.Fprintf(stderr, "WARNING: %s\n", w)
	}
	if res.FinalStatus == runtime.FinalSuccess {
		return 0
	}
	return 1
}

func printBanner(w io.Writer, info engine.RunInfo) {
	rule := strings.Repeat("=", bannerWidth)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "PORTFOLIO RUN - %d TESTS\n", info.Jobs)
	fmt.Fprintf(w, "Timeout per attempt: %gs\n", info.PerAttempt.Seconds())
	fmt.Fprintf(w, "Raw logs dir: %s\n", info.DiagnosticsDir)
	fmt.Fprintf(w, "Axioms order: %s\n", strings.Join(info.Configurations, " -> "))
	fmt.Fprintln(w, rule)
}

// consoleLine renders one operator line:
// [idx/n]  tag | elapsed ms | status | label.
func consoleLine(index, total int, jr runtime.JobResult, color bool) string {
	status := jr.Status
	if jr.Outcome == runtime.OutcomeTimeout {
		status = "TIMEOUT"
	}
	pad := ""
	if n := statusWidth - len(status); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	if color {
		status = colorize(status, jr)
	}
	return fmt.Sprintf("[%03d/%d]  %-30s | %7dms | %s%s | %s",
		index, total, jr.Tag, jr.ElapsedMS, status, pad, lastLabel(jr))
}

func colorize(text string, jr runtime.JobResult) string {
	switch {
	case jr.Outcome == runtime.OutcomeTimeout:
		return ansiRed + text + ansiReset
	case jr.Status == runtime.StatusContradictoryAxioms:
		return ansiBold + ansiRed + text + ansiReset
	case jr.Outcome == runtime.OutcomeSuccess:
		return ansiGreen + text + ansiReset
	default:
		return text
	}
}

// lastLabel is the winner, or else whatever ran (or was marked) last.
func lastLabel(jr runtime.JobResult) string {
	if jr.Winner != "" {
		return jr.Winner
	}
	if n := len(jr.Trace); n > 0 {
		return jr.Trace[n-1].Label
	}
	return "-"
}
