package procutil

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ProcessTable lists the parent/child relationships of running processes.
// Implementations only read OS state and must tolerate processes exiting
// while the snapshot is taken.
type ProcessTable interface {
	// Children returns a ppid -> child pids adjacency map.
	Children(ctx context.Context) (map[int][]int, error)
}

// DefaultProcessTable picks procfs when it is mounted and falls back to ps.
func DefaultProcessTable() ProcessTable {
	if ProcFSAvailable() {
		return ProcFSTable{Root: "/proc"}
	}
	return PSTable{}
}

// ProcFSTable reads /proc/<pid>/stat for every numeric entry under Root.
type ProcFSTable struct {
	Root string
}

func (t ProcFSTable) Children(ctx context.Context) (map[int][]int, error) {
	root := t.Root
	if root == "" {
		root = "/proc"
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	children := map[int][]int{}
	for _, e := range entries {
		if ctx.Err() != nil {
			return children, ctx.Err()
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 {
			continue
		}
		b, err := os.ReadFile(root + "/" + e.Name() + "/stat")
		if err != nil {
			// Exited between ReadDir and ReadFile.
			continue
		}
		st, err := parseProcStat(string(b))
		if err != nil {
			continue
		}
		children[st.ppid] = append(children[st.ppid], pid)
	}
	return children, nil
}

// PSTable shells out to `ps -axo pid=,ppid=`.
type PSTable struct {
	// Timeout bounds the ps invocation. Zero means 2s.
	Timeout time.Duration
}

func (t PSTable) Children(ctx context.Context) (map[int][]int, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "ps", "-axo", "pid=,ppid=")
	cmd.WaitDelay = timeout
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ps: %w", err)
	}
	return ParsePSListing(string(out)), nil
}

// ParsePSListing parses "pid ppid" lines, skipping anything malformed.
func ParsePSListing(listing string) map[int][]int {
	children := map[int][]int{}
	sc := bufio.NewScanner(strings.NewReader(listing))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], pid)
	}
	return children
}

// Descendants returns root followed by every transitive child of root found in
// the adjacency map. The traversal is iterative and guards against cycles,
// which a racy snapshot can produce after pid reuse.
func Descendants(children map[int][]int, root int) []int {
	stack := []int{root}
	seen := map[int]bool{}
	out := []int{}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
		kids := append([]int(nil), children[p]...)
		sort.Sort(sort.Reverse(sort.IntSlice(kids)))
		for _, c := range kids {
			if !seen[c] {
				stack = append(stack, c)
			}
		}
	}
	return out
}
