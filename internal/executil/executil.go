// Package executil wraps external command execution behind small
// interfaces so the network controller can be exercised in tests without
// touching the host. One-shot tools (ip, iw, systemctl, iptables) go
// through Runner; daemons that must outlive the call (hostapd, dnsmasq)
// go through Starter and are stopped by the returned handle, never by
// process name.
package executil

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Runner executes one-shot external commands.
type Runner interface {
	// Run executes name with args and returns the combined output. A
	// non-zero exit is returned as an error that includes the trailing
	// output, which is where CLI tools put their diagnostics.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Process is a handle to a daemon started via Starter. Stop terminates
// exactly the process that was started; Done is closed once it has exited.
type Process interface {
	Name() string
	Pid() int
	Stop() error
	Done() <-chan struct{}
}

// Starter launches long-running daemon processes. Adopt reattaches to a
// daemon started by an earlier invocation of this binary, identified by
// the PID recorded when it was started.
type Starter interface {
	Start(name string, args ...string) (Process, error)
	Adopt(name string, pid int) (Process, error)
}

// DefaultStopGrace is how long Stop waits after SIGTERM before escalating
// to SIGKILL.
const DefaultStopGrace = 3 * time.Second

// System executes commands and daemons on the host. The zero value is
// ready to use.
type System struct {
	// StopGrace overrides DefaultStopGrace when non-zero.
	StopGrace time.Duration
}

var _ Runner = (*System)(nil)
var _ Starter = (*System)(nil)

// Run executes a one-shot command, bounded by ctx.
func (s *System) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
		}
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, detail)
	}
	return out, nil
}

// Start launches a daemon and returns its handle. The daemon inherits no
// stdio; tools like hostapd and dnsmasq log through syslog on their own.
func (s *System) Start(name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	d := &daemon{
		name:  name,
		cmd:   cmd,
		done:  make(chan struct{}),
		grace: s.StopGrace,
	}
	if d.grace <= 0 {
		d.grace = DefaultStopGrace
	}
	go func() {
		_ = cmd.Wait()
		close(d.done)
	}()
	return d, nil
}

// Adopt reattaches to a daemon left running by a previous invocation. The
// process is not our child, so exit can only be observed by polling; Stop
// works the same way as for a started daemon.
func (s *System) Adopt(name string, pid int) (Process, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("adopt %s: invalid pid %d", name, pid)
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return nil, fmt.Errorf("adopt %s pid %d: %w", name, pid, err)
	}
	a := &adopted{
		name:  name,
		pid:   pid,
		done:  make(chan struct{}),
		grace: s.StopGrace,
	}
	if a.grace <= 0 {
		a.grace = DefaultStopGrace
	}
	return a, nil
}

// daemon tracks one started child process.
type daemon struct {
	name  string
	cmd   *exec.Cmd
	grace time.Duration
	mu    sync.Mutex
	done  chan struct{}
}

func (d *daemon) Name() string { return d.name }

func (d *daemon) Pid() int { return d.cmd.Process.Pid }

func (d *daemon) Done() <-chan struct{} { return d.done }

// Stop terminates the tracked process: SIGTERM first, SIGKILL after the
// grace period. Stopping an already-exited process is not an error.
func (d *daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	default:
	}

	if err := d.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process may have exited between the check and the signal.
		select {
		case <-d.done:
			return nil
		default:
			return fmt.Errorf("signal %s: %w", d.name, err)
		}
	}

	select {
	case <-d.done:
	case <-time.After(d.grace):
		_ = d.cmd.Process.Kill()
		<-d.done
	}
	return nil
}

// adopted tracks a daemon inherited from a previous invocation. It cannot
// be waited on, so liveness is checked with signal 0.
type adopted struct {
	name  string
	pid   int
	grace time.Duration
	mu    sync.Mutex
	done  chan struct{}
}

func (a *adopted) Name() string { return a.name }

func (a *adopted) Pid() int { return a.pid }

func (a *adopted) Done() <-chan struct{} { return a.done }

// Stop terminates the adopted process: SIGTERM, then SIGKILL after the
// grace period. An already-gone process is not an error.
func (a *adopted) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	default:
	}

	if err := syscall.Kill(a.pid, syscall.SIGTERM); err != nil {
		// Already exited since adoption.
		close(a.done)
		return nil
	}

	deadline := time.Now().Add(a.grace)
	for time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
		if syscall.Kill(a.pid, 0) != nil {
			close(a.done)
			return nil
		}
	}

	_ = syscall.Kill(a.pid, syscall.SIGKILL)
	for i := 0; i < 20; i++ {
		if syscall.Kill(a.pid, 0) != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	close(a.done)
	return nil
}
