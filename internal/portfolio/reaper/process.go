package reaper

import (
	"os/exec"
	"time"
)

// CmdProcess adapts a started *exec.Cmd to Process. Wait is called exactly
// once, in a background goroutine, so any number of callers can observe exit.
type CmdProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Watch starts reaping cmd in the background. cmd must already be started.
func Watch(cmd *exec.Cmd) *CmdProcess {
	c := &CmdProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		c.err = cmd.Wait()
		close(c.done)
	}()
	return c
}

func (c *CmdProcess) Pid() int {
	if c == nil || c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Pgid is the pid when the command was started as its own group leader.
func (c *CmdProcess) Pgid() int {
	if c == nil || c.cmd == nil || c.cmd.SysProcAttr == nil {
		return 0
	}
	attr := c.cmd.SysProcAttr
	if !attr.Setpgid {
		return 0
	}
	if attr.Pgid != 0 {
		return attr.Pgid
	}
	return c.Pid()
}

func (c *CmdProcess) Wait(timeout time.Duration) bool {
	if c == nil {
		return true
	}
	if timeout <= 0 {
		select {
		case <-c.done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.done:
		return true
	case <-t.C:
		return false
	}
}

// Done is closed once the process has been reaped.
func (c *CmdProcess) Done() <-chan struct{} { return c.done }

// Err is the result of cmd.Wait. Only valid after Done is closed.
func (c *CmdProcess) Err() error {
	<-c.done
	return c.err
}
