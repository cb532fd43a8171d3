package chordcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"syscall"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// LaunchSpec is what a node process is started with.
type LaunchSpec struct {
	IP                      string
	Port                    int
	StabilizationIntervalMs int
}

// Launcher starts node processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// Process is a running node as seen by the Supervisor.
type Process interface {
	// PID returns the operating system process id, or 0 when there is none.
	PID() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Terminate asks the process to exit and forces it after grace.
	// Terminating an exited process is a no-op.
	Terminate(grace time.Duration) error
}

// ExecLauncher runs the node executable as
// <Path> [Args...] <bindIp> <bindPort> <stabilizationIntervalMillis>.
type ExecLauncher struct {
	Path   string
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
}

// Launch starts the executable. The process is not tied to ctx, its lifetime
// belongs to the Supervisor.
func (l ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	var args = append(slices.Clone(l.Args),
		spec.IP,
		strconv.Itoa(spec.Port),
		strconv.Itoa(spec.StabilizationIntervalMs),
	)

	var cmd = exec.Command(l.Path, args...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", l.Path, err)
	}

	var p = &execProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err == nil {
		select {
		case <-p.done:
			return nil
		case <-time.After(grace):
		}
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill pid %d: %w", p.PID(), err)
	}
	return nil
}

// processAlive reports whether p has not exited yet.
func processAlive(p Process) bool {
	select {
	case <-p.Done():
		return false
	default:
		return true
	}
}

// listenersOn returns the pids holding a TCP listening socket on ip:port,
// counting wildcard binds. A pid of 0 means the socket's owner is not visible
// to this user.
func listenersOn(ctx context.Context, ip string, port int) ([]int32, error) {
	var conns, err = psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("failed to list tcp sockets: %w", err)
	}

	var pids []int32
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Laddr.Port != uint32(port) {
			continue
		}
		switch c.Laddr.IP {
		case ip, "", "0.0.0.0", "::":
		default:
			continue
		}
		if !slices.Contains(pids, c.Pid) {
			pids = append(pids, c.Pid)
		}
	}
	return pids, nil
}
