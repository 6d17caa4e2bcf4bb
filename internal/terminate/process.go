// Package terminate implements the ways copywatch can kill a stalled copy:
// signalling a local process (group) or stopping a Docker container.
package terminate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/majorcontext/copywatch/internal/log"
)

const (
	defaultGrace        = 10 * time.Second
	defaultPollInterval = 50 * time.Millisecond
)

// Process terminates a local process with SIGTERM, escalating to SIGKILL
// after Grace.
type Process struct {
	PID int
	// Group signals the whole process group led by PID, so helpers spawned by
	// the copy tool die with it.
	Group bool
	// Grace is how long to wait after SIGTERM before SIGKILL. Zero means 10s.
	Grace time.Duration
	// Exited, if set, is closed when the process has been reaped. Without it
	// exit is detected by polling, which cannot see past a zombie.
	Exited <-chan struct{}
}

// Terminate signals the process and waits for it to exit. A process that is
// already gone is not an error.
func (p *Process) Terminate(ctx context.Context) error {
	if p.PID <= 0 {
		return fmt.Errorf("invalid process pid %d", p.PID)
	}
	grace := p.Grace
	if grace <= 0 {
		grace = defaultGrace
	}

	logger := log.With("pid", p.PID, "group", p.Group)
	if gone, err := p.signal(unix.SIGTERM); gone || err != nil {
		return err
	}
	logger.Debug("sent SIGTERM", "grace", grace)

	if p.waitExit(ctx, grace) {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("process %d still running: %w", p.PID, ctx.Err())
	}

	logger.Warn("process ignored SIGTERM, sending SIGKILL", "grace", grace)
	if gone, err := p.signal(unix.SIGKILL); gone || err != nil {
		return err
	}
	if p.waitExit(ctx, grace) {
		return nil
	}
	return fmt.Errorf("process %d did not exit after SIGKILL", p.PID)
}

// signal sends sig and reports whether the target no longer exists.
func (p *Process) signal(sig unix.Signal) (bool, error) {
	target := p.PID
	if p.Group {
		target = -p.PID
	}
	err := unix.Kill(target, sig)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, unix.ESRCH):
		return true, nil
	default:
		return false, fmt.Errorf("sending %s to %d: %w", unix.SignalName(sig), target, err)
	}
}

func (p *Process) waitExit(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	if p.Exited != nil {
		select {
		case <-p.Exited:
			return true
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}

	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()
	for {
		if !processExists(p.PID) {
			return true
		}
		select {
		case <-ticker.C:
		case <-timer.C:
			return !processExists(p.PID)
		case <-ctx.Done():
			return false
		}
	}
}

func processExists(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// WaitGone blocks until pid no longer exists or ctx ends. It is for processes
// copywatch did not start and so cannot reap; interval zero means 1s.
func WaitGone(ctx context.Context, pid int, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for processExists(pid) {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
