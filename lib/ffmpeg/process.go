// Package ffmpeg streams raw RGBA frames in and out of external ffmpeg
// processes. Every reader and writer owns exactly one process and tears it
// down on Close.
package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var ErrClosed = errors.New("ffmpeg: closed")

// command is swapped out by tests.
var command = exec.CommandContext

// ExitError reports a process that exited on its own, or was killed, before
// its stream was finished.
type ExitError struct {
	Name   string
	Err    error
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("ffmpeg: %s exited", e.Name)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

type process struct {
	name   string
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File

	done chan struct{}
	err  error

	mu       sync.Mutex
	lastLine string
}

// start launches bin with pipes for the requested streams. The child's ends
// are closed in the parent once it has started.
func start(ctx context.Context, name, bin string, args []string, wantStdin, wantStdout bool) (*process, error) {
	cmd := command(ctx, bin, args...)
	p := &process{name: name, cmd: cmd, done: make(chan struct{})}

	var childEnds []*os.File
	cleanup := func() {
		for _, f := range childEnds {
			f.Close()
		}
		if p.stdin != nil {
			p.stdin.Close()
		}
		if p.stdout != nil {
			p.stdout.Close()
		}
	}

	if wantStdin {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("ffmpeg: %s: stdin pipe: %w", name, err)
		}
		cmd.Stdin = r
		p.stdin = w
		childEnds = append(childEnds, r)
	}
	if wantStdout {
		r, w, err := os.Pipe()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("ffmpeg: %s: stdout pipe: %w", name, err)
		}
		cmd.Stdout = w
		p.stdout = r
		childEnds = append(childEnds, w)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("ffmpeg: %s: stderr pipe: %w", name, err)
	}

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("ffmpeg: %s: start %s: %w", name, bin, err)
	}
	for _, f := range childEnds {
		f.Close()
	}

	slog.Debug("ffmpeg started", "proc", name, "pid", cmd.Process.Pid, "args", args)

	stderrDone := make(chan struct{})
	go p.logStderr(stderr, stderrDone)
	go p.wait(stderrDone)
	return p, nil
}

func (p *process) logStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.mu.Lock()
		p.lastLine = line
		p.mu.Unlock()
		slog.Debug("ffmpeg stderr", "proc", p.name, "line", line)
	}
}

// wait reaps the process so it never lingers as a zombie.
func (p *process) wait(stderrDone <-chan struct{}) {
	<-stderrDone
	p.err = p.cmd.Wait()
	if p.err != nil {
		slog.Debug("ffmpeg exited", "proc", p.name, "error", p.err)
	}
	close(p.done)
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) waitFor(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

func (p *process) exitError() *ExitError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &ExitError{Name: p.name, Err: p.err, Stderr: p.lastLine}
}

// stop ends the process: interrupt after grace, kill after another grace.
// It reports whether the process had to be killed.
func (p *process) stop(grace time.Duration) (killed bool) {
	if p.waitFor(grace) {
		return false
	}
	slog.Warn("ffmpeg did not exit, interrupting", "proc", p.name, "grace", grace)
	if err := p.cmd.Process.Signal(os.Interrupt); err == nil && p.waitFor(grace) {
		return false
	}
	slog.Warn("ffmpeg did not exit, killing", "proc", p.name)
	p.cmd.Process.Kill()
	<-p.done
	return true
}
