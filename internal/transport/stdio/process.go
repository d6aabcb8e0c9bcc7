package stdio

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// DefaultGracePeriod is how long Close waits for the worker to exit on its
// own after its input is closed, before killing it.
const DefaultGracePeriod = 2 * time.Second

// Process is the controller side of a worker subprocess.
type Process struct {
	*Stream

	cmd    *exec.Cmd
	stdout *os.File
	grace  time.Duration

	exited  chan struct{}
	waitErr error
}

// Spawn starts cmd with its stdin and stdout bound to a Stream. The child's
// stderr is inherited unless cmd.Stderr is already set.
func Spawn(cmd *exec.Cmd, grace time.Duration) (*Process, error) {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// An os.Pipe rather than StdoutPipe, so Wait does not close the read end
	// under the reader before it has drained the child's last frames.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	stdoutW.Close()

	p := &Process{
		cmd:    cmd,
		stdout: stdoutR,
		grace:  grace,
		exited: make(chan struct{}),
	}

	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	p.Stream = newStream(stdoutR, stdin, p.exitCause, func() error {
		return p.terminate(stdin.Close)
	})

	slog.Info("[Worker] Process started", "pid", cmd.Process.Pid, "path", cmd.Path)
	return p, nil
}

// Pid returns the worker's process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited is closed once the worker process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// exitCause waits briefly for the exit status once the child's output ends.
func (p *Process) exitCause() error {
	select {
	case <-p.exited:
	case <-time.After(p.grace):
		return errors.New("worker closed its output")
	}
	if p.waitErr != nil {
		return fmt.Errorf("worker exited: %w", p.waitErr)
	}
	return errors.New("worker exited")
}

func (p *Process) terminate(closeInput func() error) error {
	closeInput()

	select {
	case <-p.exited:
	case <-time.After(p.grace):
		slog.Warn("[Worker] Process did not exit, killing", "pid", p.cmd.Process.Pid)
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill worker: %w", err)
		}
		<-p.exited
	}
	p.stdout.Close()
	return nil
}
