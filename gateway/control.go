package gateway

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"

	"github.com/portholeapp/porthole/log"
	"github.com/portholeapp/porthole/stats"
)

// Result is the structured outcome reported for every lifecycle operation.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func failure(format string, args ...interface{}) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

func success(format string, args ...interface{}) Result {
	return Result{Success: true, Message: fmt.Sprintf(format, args...)}
}

// pidResolver lists the PIDs bound to a port.
type pidResolver interface {
	PIDs(ctx context.Context, port int) ([]int, error)
}

// Controller terminates services by port and launches preconfigured
// commands. Both operations are fire-and-forget: the controller never
// supervises the signalled or spawned process.
type Controller struct {
	Commands []QuickLaunchCommand
	Resolver pidResolver
	Log      *log.Logger
	Stats    stats.Stats
}

// Terminate resolves every PID bound to port and sends each a SIGKILL. It
// fails, with a reason, when resolution fails, when nothing is listening,
// or when a signal cannot be delivered.
func (c *Controller) Terminate(ctx context.Context, port int) Result {
	pids, err := c.Resolver.PIDs(ctx, port)
	if err != nil {
		c.Stats.Incr("kill.resolve_errors", nil, 1)
		return failure("could not resolve processes on port %d: %v", port, err)
	}
	if len(pids) == 0 {
		return failure("no process is listening on port %d", port)
	}

	for _, pid := range pids {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			c.Stats.Incr("kill.signal_errors", nil, 1)
			return failure("could not signal pid %d on port %d: %v", pid, port, err)
		}
		c.Log.Infow("Killed process", "pid", pid, "port", port)
	}

	c.Stats.Count("kill.signalled", int64(len(pids)), stats.Tags{"port": port}, 1)
	return success("terminated %d process(es) on port %d", len(pids), port)
}

// Launch starts the quick-launch command at index, detached from the
// gateway's process tree so it survives a gateway restart. It returns as
// soon as the process has been spawned; readiness is the caller's problem
// to poll for via a follow-up scan.
func (c *Controller) Launch(index int) Result {
	if index < 0 || index >= len(c.Commands) {
		return failure("invalid command index %d", index)
	}
	command := c.Commands[index]

	cmd := exec.Command("/bin/sh", "-c", command.Command)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	// New session: the child must not die with the gateway.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		c.Stats.ErrorEvent("launch_error", errors.Wrapf(err, "launch %q", command.Name))
		return failure("could not launch %q: %v", command.Name, err)
	}

	pid := cmd.Process.Pid
	// Drop our handle; the child is not ours to reap.
	if err := cmd.Process.Release(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.Log.Warnw("Could not release launched process", "pid", pid, "error", err)
	}

	c.Stats.Incr("launch.started", stats.Tags{"command": command.Name}, 1)
	c.Log.Infow("Launched command", "name", command.Name, "pid", pid)
	return success("launched %q (pid %d)", command.Name, pid)
}
