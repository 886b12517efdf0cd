// Package reaper force-terminates a tool process together with every helper it
// spawned. Terminate is best-effort: it never returns an error, never panics
// and always returns within a bounded time.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pstanica/temporal-vampire/internal/portfolio/procutil"
)

const (
	DefaultReapTimeout  = 2 * time.Second
	DefaultTableTimeout = 2 * time.Second
)

// Process is the handle Terminate acts on.
type Process interface {
	Pid() int
	// Pgid returns the process group the process leads, or 0 when unknown.
	Pgid() int
	// Wait blocks until the process has been reaped or timeout elapses and
	// reports whether it has been reaped. Wait(0) polls.
	Wait(timeout time.Duration) bool
}

// Signaler abstracts the kill/getpgid syscalls so tests can observe them.
type Signaler interface {
	Kill(pid int, sig syscall.Signal) error
	Getpgid(pid int) (int, error)
}

type syscallSignaler struct{}

func (syscallSignaler) Kill(pid int, sig syscall.Signal) error { return syscall.Kill(pid, sig) }
func (syscallSignaler) Getpgid(pid int) (int, error)          { return syscall.Getpgid(pid) }

// SyscallSignaler returns the real signal implementation.
func SyscallSignaler() Signaler { return syscallSignaler{} }

type Reaper struct {
	Table        procutil.ProcessTable
	Signaler     Signaler
	ReapTimeout  time.Duration
	TableTimeout time.Duration
	Logger       logrus.FieldLogger

	selfPID  int
	selfPgid int
}

// New returns a Reaper wired to the OS process table and real signals.
func New(logger logrus.FieldLogger) *Reaper {
	r := &Reaper{
		Table:        procutil.DefaultProcessTable(),
		Signaler:     SyscallSignaler(),
		ReapTimeout:  DefaultReapTimeout,
		TableTimeout: DefaultTableTimeout,
		Logger:       logger,
	}
	r.selfPID = os.Getpid()
	r.selfPgid, _ = syscall.Getpgid(r.selfPID)
	return r
}

// Terminate kills p's process group and descendant tree, then reaps p. An
// already reaped p only gets the group kill and the bounded wait.
// The returned notes describe what each step did.
func (r *Reaper) Terminate(p Process) (notes []string) {
	defer func() {
		if rec := recover(); rec != nil {
			notes = append(notes, fmt.Sprintf("[reaper] terminate recovered from panic: %v", rec))
			r.logger().Warnf("terminate recovered from panic: %v", rec)
		}
	}()
	if p == nil {
		return nil
	}
	pid := p.Pid()
	log := r.logger().WithField("pid", pid)
	note := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		notes = append(notes, "[reaper] "+msg)
		log.Debug(msg)
	}
	if pid <= 0 {
		note("no pid; nothing to kill")
		return notes
	}

	reaped := p.Wait(0)

	// Snapshot before signalling: once the group leader dies its helpers are
	// reparented and can no longer be found from pid.
	members := r.step("snapshot", note, func() []int { return r.descendants(pid, reaped, note) })
	r.step("killpg", note, func() []int { r.killGroup(p, note); return nil })
	r.step("kill descendants", note, func() []int { r.killEach(members, note); return nil })

	if p.Wait(r.reapTimeout()) {
		note("wait() OK")
	} else {
		note("wait() timed out after %s", r.reapTimeout())
		log.Warnf("process not reaped within %s", r.reapTimeout())
	}
	return notes
}

// step isolates one kill-chain step so a panic in it does not skip the rest.
func (r *Reaper) step(name string, note func(string, ...any), fn func() []int) (out []int) {
	defer func() {
		if rec := recover(); rec != nil {
			note("%s failed: panic: %v", name, rec)
			out = nil
		}
	}()
	return fn()
}

func (r *Reaper) killGroup(p Process, note func(string, ...any)) {
	pgid := p.Pgid()
	if pgid <= 0 {
		g, err := r.signaler().Getpgid(p.Pid())
		if err != nil {
			note("getpgid(%d) failed: %v", p.Pid(), err)
			return
		}
		pgid = g
	}
	if pgid <= 1 || (r.selfPgid > 0 && pgid == r.selfPgid) {
		note("refusing killpg on pgid=%d (controller group)", pgid)
		return
	}
	err := r.signaler().Kill(-pgid, syscall.SIGKILL)
	switch {
	case err == nil:
		note("killpg(SIGKILL) pgid=%d OK", pgid)
	case errors.Is(err, syscall.ESRCH):
		note("killpg(SIGKILL) pgid=%d: no members left", pgid)
	default:
		note("killpg(SIGKILL) pgid=%d failed: %v", pgid, err)
	}
}

func (r *Reaper) descendants(pid int, reaped bool, note func(string, ...any)) []int {
	// A reaped pid, and whatever the table lists under it, may belong to
	// unrelated processes by now.
	if reaped {
		note("process already reaped; skipping descendant scan")
		return nil
	}
	if r.Table == nil {
		note("no process table; skipping descendant scan")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.tableTimeout())
	defer cancel()
	children, err := r.Table.Children(ctx)
	if err != nil {
		note("process table scan failed: %v", err)
		if len(children) == 0 {
			return nil
		}
	}
	all := procutil.Descendants(children, pid)
	out := make([]int, 0, len(all))
	for _, d := range all {
		if d <= 1 || d == r.selfPID {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (r *Reaper) killEach(pids []int, note func(string, ...any)) {
	killed, gone := 0, 0
	for _, d := range pids {
		err := r.signaler().Kill(d, syscall.SIGKILL)
		switch {
		case err == nil:
			killed++
		case errors.Is(err, syscall.ESRCH):
			gone++
		default:
			note("kill(%d) failed: %v", d, err)
		}
	}
	note("killed descendants: %d signalled, %d already gone", killed, gone)
}

func (r *Reaper) logger() logrus.FieldLogger {
	if r.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		return l
	}
	return r.Logger
}

func (r *Reaper) signaler() Signaler {
	if r.Signaler == nil {
		return syscallSignaler{}
	}
	return r.Signaler
}

func (r *Reaper) reapTimeout() time.Duration {
	if r.ReapTimeout <= 0 {
		return DefaultReapTimeout
	}
	return r.ReapTimeout
}

func (r *Reaper) tableTimeout() time.Duration {
	if r.TableTimeout <= 0 {
		return DefaultTableTimeout
	}
	return r.TableTimeout
}
