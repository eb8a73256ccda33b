// Package process launches plugins as local child processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/akshayaggarwal99/brickwrap/internal/launcher"
	"github.com/rs/zerolog/log"
)

// LauncherName is the name the process launcher registers under.
const LauncherName = "process"

// Launcher implements launcher.Launcher with os/exec.
type Launcher struct{}

// New creates a process launcher. It takes no configuration.
func New(map[string]any) (launcher.Launcher, error) {
	return &Launcher{}, nil
}

func init() {
	launcher.Register(LauncherName, New)
}

func (l *Launcher) Name() string {
	return LauncherName
}

func (l *Launcher) Close() error {
	return nil
}

// Launch starts spec.Command with piped stdio. Stderr is forwarded to the log.
func (l *Launcher) Launch(_ context.Context, spec launcher.Spec) (launcher.Plugin, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", launcher.ErrLaunchFailed, err)
	}
	// Wait closes pipes created by StdoutPipe, which could drop frames the session has not read
	// yet. These stay open until the plugin is closed.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", launcher.ErrLaunchFailed, err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdout.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("%w: %v", launcher.ErrLaunchFailed, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("%w: %s: %v", launcher.ErrLaunchFailed, spec.Name, err)
	}

	p := &Plugin{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		grace:  spec.StopGrace,
		exited: make(chan struct{}),
	}
	logger := log.With().Str("component", "launcher").Str("plugin", spec.Name).Int("pid", cmd.Process.Pid).Logger()

	go launcher.LogLines(stderr, logger)
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
		logger.Debug().Err(p.waitErr).Msg("Plugin process exited")
	}()

	logger.Info().Strs("command", spec.Command).Msg("Plugin process started")
	return p, nil
}

// Plugin is a running child process.
type Plugin struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File
	grace  time.Duration

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

func (p *Plugin) ID() string {
	return strconv.Itoa(p.cmd.Process.Pid)
}

func (p *Plugin) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *Plugin) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// Close closes the plugin's stdin, then interrupts and finally kills it if it has not exited
// within the grace period.
func (p *Plugin) Close() error {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		if p.wait(p.grace) {
			return
		}
		_ = p.cmd.Process.Signal(os.Interrupt)
		if p.wait(p.grace) {
			return
		}
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.closeErr = fmt.Errorf("kill plugin process: %w", err)
		}
		p.wait(p.grace)
	})
	_ = p.stdout.Close()
	_ = p.stderr.Close()
	return p.closeErr
}

func (p *Plugin) wait(d time.Duration) bool {
	select {
	case <-p.exited:
		return true
	case <-time.After(d):
		return false
	}
}

// Exited is closed once the process has been reaped.
func (p *Plugin) Exited() <-chan struct{} {
	return p.exited
}

// ExitErr returns the result of waiting on the process. It is only meaningful after Exited.
func (p *Plugin) ExitErr() error {
	<-p.exited
	return p.waitErr
}
