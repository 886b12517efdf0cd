package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 1
	}
	switch args[0] {
	case "portfolio":
		return portfolio(args[1:], stdout, stderr)
	default:
		usage(stderr)
		return 1
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage:")
	fmt.Fprintln(w, "  temporal-vampire portfolio run --config <run.yaml> [--run-id <id>] [--logs-root <dir>] [--no-color] [--verbose]")
	fmt.Fprintln(w, "  temporal-vampire portfolio status [--logs-root <dir> | --latest] [--json]")
	fmt.Fprintln(w, "  temporal-vampire portfolio report --report <report.txt> [--json]")
}

func portfolio(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 1
	}
	switch args[0] {
	case "run":
		return runPortfolioRun(args[1:], stdout, stderr)
	case "status":
		return runPortfolioStatus(args[1:], stdout, stderr)
	case "report":
		return runPortfolioReport(args[1:], stdout, stderr)
	default:
		usage(stderr)
		return 1
	}
}
