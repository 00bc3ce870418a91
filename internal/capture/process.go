package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const processStopTimeout = 5 * time.Second

// ffmpegProcess runs one external recorder and stops it gracefully
type ffmpegProcess struct {
	label string
	cmd   *exec.Cmd

	stderrMu  sync.Mutex
	stderrBuf strings.Builder

	stdoutDone chan struct{}
	stdoutOnce sync.Once

	exited chan struct{}
	err    error
}

// startProcess launches name with args. When stdout is true the caller
// receives the process stdout for reading.
func startProcess(label, name string, args []string, env []string, stdout bool) (*ffmpegProcess, io.ReadCloser, error) {
	cmd := exec.Command(name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var out io.ReadCloser
	var err error
	if stdout {
		out, err = cmd.StdoutPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
		}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	slog.Debug("Starting process", "label", label, "command", name+" "+strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, nil, fmt.Errorf("%s not found in PATH: %w", name, err)
		}
		return nil, nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	p := &ffmpegProcess{label: label, cmd: cmd, exited: make(chan struct{})}
	if stdout {
		p.stdoutDone = make(chan struct{})
	}
	readerDone := make(chan struct{})
	go func() {
		p.readStderr(stderr)
		close(readerDone)
	}()
	go func() {
		// Wait closes the pipes, so both readers must finish first
		<-readerDone
		if p.stdoutDone != nil {
			<-p.stdoutDone
		}
		p.err = cmd.Wait()
		close(p.exited)
	}()

	return p, out, nil
}

func (p *ffmpegProcess) readStderr(pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		p.stderrMu.Lock()
		p.stderrBuf.WriteString(line + "\n")
		p.stderrMu.Unlock()
		slog.Debug("Process output", "label", p.label, "line", line)
	}
}

// StdoutDrained tells the process the stdout reader hit EOF
func (p *ffmpegProcess) StdoutDrained() {
	if p.stdoutDone != nil {
		p.stdoutOnce.Do(func() { close(p.stdoutDone) })
	}
}

// Stderr returns everything the process wrote to stderr
func (p *ffmpegProcess) Stderr() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return p.stderrBuf.String()
}

// Exited is closed when the process is gone
func (p *ffmpegProcess) Exited() <-chan struct{} {
	return p.exited
}

// Running reports whether the process is still alive
func (p *ffmpegProcess) Running() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Stop sends SIGINT and kills the process if it has not exited in time.
// Exits caused by the interrupt are not errors.
func (p *ffmpegProcess) Stop() error {
	if !p.Running() {
		return p.exitError()
	}

	slog.Debug("Sending SIGINT to process", "label", p.label)
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Debug("Failed to send interrupt, falling back to SIGKILL", "label", p.label, "error", err)
		p.cmd.Process.Kill()
	}

	select {
	case <-p.exited:
		return p.exitError()
	case <-time.After(processStopTimeout):
		slog.Warn("Process did not exit within timeout, force killing", "label", p.label)
		p.cmd.Process.Kill()
		<-p.exited
		return nil
	}
}

func (p *ffmpegProcess) exitError() error {
	err := p.err
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// ffmpeg exits with 255 after an interrupt
		if exitErr.ExitCode() == 255 {
			return nil
		}
		if exitErr.ProcessState != nil {
			state := exitErr.ProcessState.String()
			if state == "signal: interrupt" || state == "signal: killed" {
				return nil
			}
		}
	}
	slog.Debug("Process stderr", "label", p.label, "output", p.Stderr())
	return fmt.Errorf("%s process failed: %w", p.label, err)
}
