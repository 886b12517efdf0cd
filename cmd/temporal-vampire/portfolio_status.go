package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pstanica/temporal-vampire/internal/portfolio/engine"
	"github.com/pstanica/temporal-vampire/internal/portfolio/runstate"
)

func runPortfolioStatus(args []string, stdout io.Writer, stderr io.Writer) int {
	var logsRoot string
	var asJSON bool
	var latest bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--logs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--logs-root requires a value")
				return 1
			}
			logsRoot = args[i]
		case "--json":
			asJSON = true
		case "--latest":
			latest = true
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}

	if latest {
		if logsRoot != "" {
			fmt.Fprintln(stderr, "--latest and --logs-root are mutually exclusive")
			return 1
		}
		root, err := latestRunLogsRoot()
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		logsRoot = root
		fmt.Fprintf(stderr, "logs_root=%s\n", logsRoot)
	}
	if logsRoot == "" {
		fmt.Fprintln(stderr, "--logs-root or --latest is required")
		return 1
	}
	return printSnapshot(logsRoot, stdout, stderr, asJSON)
}

func printSnapshot(logsRoot string, stdout io.Writer, stderr io.Writer, asJSON bool) int {
	snapshot, err := runstate.LoadSnapshot(logsRoot)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snapshot); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "state=%s\n", snapshot.State)
	fmt.Fprintf(stdout, "run_id=%s\n", snapshot.RunID)
	fmt.Fprintf(stdout, "passed=%d\n", snapshot.Passed)
	fmt.Fprintf(stdout, "total=%d\n", snapshot.Total)
	if snapshot.CurrentJob != "" {
		fmt.Fprintf(stdout, "job=%s\n", snapshot.CurrentJob)
	}
	if snapshot.LastEvent != "" {
		fmt.Fprintf(stdout, "event=%s\n", snapshot.LastEvent)
	}
	fmt.Fprintf(stdout, "pid=%d\n", snapshot.PID)
	fmt.Fprintf(stdout, "pid_alive=%t\n", snapshot.PIDAlive)
	if !snapshot.LastEventAt.IsZero() {
		fmt.Fprintf(stdout, "last_event_at=%s\n", snapshot.LastEventAt.UTC().Format(time.RFC3339Nano))
	}
	if snapshot.ReportPath != "" {
		fmt.Fprintf(stdout, "report=%s\n", snapshot.ReportPath)
	}
	if snapshot.FailureReason != "" {
		fmt.Fprintf(stdout, "failure_reason=%s\n", snapshot.FailureReason)
	}
	return 0
}

// latestRunLogsRoot picks the most recently modified run directory.
func latestRunLogsRoot() (string, error) {
	runsDir, err := engine.RunsBaseDir()
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return "", fmt.Errorf("no runs found in %s: %w", runsDir, err)
	}

	type dirEntry struct {
		name    string
		modTime time.Time
	}
	var dirs []dirEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, dirEntry{name: e.Name(), modTime: info.ModTime()})
	}
	if len(dirs) == 0 {
		return "", fmt.Errorf("no run directories found in %s", runsDir)
	}
	sort.Slice(dirs, func(i, j int) bool {
		if !dirs[i].modTime.Equal(dirs[j].modTime) {
			return dirs[i].modTime.After(dirs[j].modTime)
		}
		// ULIDs sort by creation time.
		return dirs[i].name > dirs[j].name
	})
	return filepath.Join(runsDir, dirs[0].name), nil
}
