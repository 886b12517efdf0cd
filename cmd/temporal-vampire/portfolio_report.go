package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pstanica/temporal-vampire/internal/portfolio/report"
)

type reportSummary struct {
	Report    string         `json:"report"`
	Jobs      int            `json:"jobs"`
	Passed    int            `json:"passed"`
	Timeouts  int            `json:"timeouts"`
	Failed    int            `json:"failed"`
	ElapsedMS int64          `json:"elapsed_ms"`
	Complete  bool           `json:"complete"`
	Skipped   int            `json:"skipped_lines"`
	Winners   map[string]int `json:"winners"`
}

func runPortfolioReport(args []string, stdout io.Writer, stderr io.Writer) int {
	var path string
	var asJSON bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--report":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--report requires a value")
				return 1
			}
			path = args[i]
		case "--json":
			asJSON = true
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}
	if path == "" {
		fmt.Fprintln(stderr, "--report is required")
		return 1
	}

	rep, err := report.ParseFile(path)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	totals := rep.Totals()
	sum := reportSummary{
		Report:    path,
		Jobs:      totals.Jobs,
		Passed:    totals.Passed,
		Timeouts:  totals.Timeouts,
		Failed:    totals.Failed,
		ElapsedMS: totals.ElapsedMS,
		Complete:  rep.Summary != nil,
		Skipped:   rep.Skipped,
		Winners:   totals.Winners,
	}

	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "report=%s\n", path)
	fmt.Fprintf(stdout, "jobs=%d\n", sum.Jobs)
	fmt.Fprintf(stdout, "passed=%d\n", sum.Passed)
	fmt.Fprintf(stdout, "timeouts=%d\n", sum.Timeouts)
	fmt.Fprintf(stdout, "failed=%d\n", sum.Failed)
	fmt.Fprintf(stdout, "elapsed_ms=%d\n", sum.ElapsedMS)
	fmt.Fprintf(stdout, "complete=%t\n", sum.Complete)
	if sum.Skipped > 0 {
		fmt.Fprintf(stdout, "skipped_lines=%d\n", sum.Skipped)
	}
	for _, label := range totals.WinnerLabels() {
		fmt.Fprintf(stdout, "winner %-40s %d\n", label, totals.Winners[label])
	}
	return 0
}
