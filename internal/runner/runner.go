// Package runner launches assistant CLIs and exposes their combined output
// as a sequence of lines.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// PromptMode selects how the prompt reaches the child.
type PromptMode string

const (
	// PromptStdin feeds the prompt file to the child's stdin.
	PromptStdin PromptMode = "stdin"
	// PromptFileArg substitutes the prompt file path for PromptFileToken
	// in the arguments.
	PromptFileArg PromptMode = "file-arg"
	// PromptArg appends the raw prompt as the last argument.
	PromptArg PromptMode = "arg"
)

// PromptFileToken is replaced by the prompt file path in PromptFileArg mode.
const PromptFileToken = "{promptFile}"

// DefaultStopGrace is how long Stop waits between SIGTERM and SIGKILL.
const DefaultStopGrace = 3 * time.Second

// Spec describes one invocation.
type Spec struct {
	Command    string
	Args       []string
	Env        map[string]string
	Prompt     string
	PromptMode PromptMode
	WorkDir    string
	// TempDir holds the prompt file. Empty means os.TempDir().
	TempDir string
	// PTY runs the child on a pseudo-terminal, for tools that only flush
	// output line by line when attached to one.
	PTY       bool
	StopGrace time.Duration
	TailBytes int
	Logger    *slog.Logger
}

// Process is a running tool. ReadLine and Wait are meant for a single
// consumer; Stop and Close may be called from any goroutine.
type Process struct {
	cmd        *exec.Cmd
	args       []string
	env        []string
	promptPath string
	grace      time.Duration
	logger     *slog.Logger
	usePTY     bool

	output io.Closer
	reader *bufio.Reader
	tail   *outputTail

	done     chan struct{}
	drained  chan struct{}
	drainOne sync.Once
	exitCode int
	waitErr  error

	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
	unwatch   func() bool
	logExit   sync.Once
}

// Start writes the prompt file, spawns the tool and begins capturing its
// output. Cancelling ctx stops the tool. The caller must Close the process.
func Start(ctx context.Context, spec Spec) (*Process, error) {
	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}

	path, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, NotFound: errors.Is(err, exec.ErrNotFound), Err: err}
	}

	p := &Process{
		grace:   spec.StopGrace,
		logger:  logger,
		usePTY:  spec.PTY,
		tail:    newOutputTail(spec.TailBytes),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	if p.grace <= 0 {
		p.grace = DefaultStopGrace
	}

	mode := spec.PromptMode
	if mode == "" {
		mode = PromptArg
	}
	args := append([]string(nil), spec.Args...)
	if mode == PromptArg {
		args = append(args, spec.Prompt)
	} else {
		if p.promptPath, err = writePromptFile(spec.TempDir, spec.Prompt); err != nil {
			return nil, &SpawnError{Command: spec.Command, Err: err}
		}
		if mode == PromptFileArg {
			for i, a := range args {
				args[i] = strings.ReplaceAll(a, PromptFileToken, p.promptPath)
			}
		}
	}

	p.args = args
	p.env = MergeEnv(os.Environ(), spec.Env)

	cmd := exec.Command(path, args...)
	cmd.Env = p.env
	cmd.Dir = spec.WorkDir
	p.cmd = cmd

	var stdin *os.File
	if mode == PromptStdin {
		if stdin, err = os.Open(p.promptPath); err != nil {
			p.removePrompt()
			return nil, &SpawnError{Command: spec.Command, Err: err}
		}
		defer stdin.Close()
		cmd.Stdin = stdin
	}

	var src io.Reader
	if spec.PTY {
		cmd.SysProcAttr = ptyAttrs()
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 50, Cols: 4096})
		if err != nil {
			p.removePrompt()
			return nil, &SpawnError{Command: spec.Command, Err: err}
		}
		p.output = ptmx
		src = ptmx
		go func() {
			p.finish(cmd.Wait())
		}()
	} else {
		pr, pw, err := os.Pipe()
		if err != nil {
			p.removePrompt()
			return nil, &SpawnError{Command: spec.Command, Err: err}
		}
		// One write end for both streams keeps their interleaving intact.
		// Being an *os.File, it goes to the child as is: output stays in
		// the pipe until we read it, however slow the reader.
		cmd.Stdout = pw
		cmd.Stderr = pw
		Isolate(cmd)
		if err := cmd.Start(); err != nil {
			pr.Close()
			pw.Close()
			p.removePrompt()
			return nil, &SpawnError{Command: spec.Command, Err: err}
		}
		// Only the child's copy remains, so EOF follows its last writer.
		pw.Close()
		p.output = pr
		src = pr
		go func() {
			p.finish(cmd.Wait())
			p.reapWriters()
		}()
	}

	p.reader = bufio.NewReader(io.TeeReader(src, p.tail))
	p.unwatch = context.AfterFunc(ctx, func() {
		p.logger.Debug("Context done, stopping tool", "pid", cmd.Process.Pid)
		_ = p.Stop()
	})

	logger.Info("Tool process started", "command", path, "pid", cmd.Process.Pid, "pty", spec.PTY, "promptMode", string(mode))
	return p, nil
}

func writePromptFile(dir, prompt string) (string, error) {
	f, err := os.CreateTemp(dir, "aitools-prompt-*.txt")
	if err != nil {
		return "", fmt.Errorf("create prompt file: %w", err)
	}
	if _, err := f.WriteString(prompt); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write prompt file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close prompt file: %w", err)
	}
	return f.Name(), nil
}

// MergeEnv overlays vars onto base. Overlay keys replace base entries.
func MergeEnv(base []string, vars map[string]string) []string {
	if len(vars) == 0 {
		return append([]string(nil), base...)
	}
	out := make([]string, 0, len(base)+len(vars))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := vars[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

func (p *Process) finish(err error) {
	switch {
	case err == nil:
		p.exitCode = 0
	case p.cmd.ProcessState != nil:
		p.exitCode = p.cmd.ProcessState.ExitCode()
	default:
		p.exitCode = -1
		p.waitErr = err
	}
	close(p.done)
}

// reapWriters runs once the tool has exited. Descendants left in its group
// may still hold the output pipe, which keeps the reader from seeing EOF;
// they get the grace period and are then killed. Output already in the pipe
// stays readable.
func (p *Process) reapWriters() {
	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.drained:
		return
	case <-timer.C:
	}
	if err := SignalGroup(p.cmd.Process, syscall.SIGKILL); err != nil {
		p.logger.Warn("Failed to kill leftover tool processes", "pid", p.cmd.Process.Pid, "error", err)
	}
}

func (p *Process) markDrained() {
	p.drainOne.Do(func() { close(p.drained) })
}

// Args returns the argument list passed to the tool.
func (p *Process) Args() []string { return p.args }

// Env returns the full environment of the tool.
func (p *Process) Env() []string { return p.env }

// Pid returns the child's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// PromptPath returns the prompt file path, or "" in PromptArg mode.
func (p *Process) PromptPath() string { return p.promptPath }

// Tail returns the most recent raw output.
func (p *Process) Tail() []byte { return p.tail.Bytes() }

// ReadLine blocks until the next output line and returns it without the
// line terminator. It returns io.EOF once the output is exhausted.
func (p *Process) ReadLine() (string, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil {
		if p.usePTY && errors.Is(err, syscall.EIO) {
			// The master reports EIO once the terminal has no writers.
			err = io.EOF
		}
		if errors.Is(err, os.ErrClosed) {
			err = io.EOF
		}
		if errors.Is(err, io.EOF) {
			p.markDrained()
		}
		if line != "" && errors.Is(err, io.EOF) {
			return trimLine(line), nil
		}
		return "", err
	}
	return trimLine(line), nil
}

func trimLine(line string) string {
	return strings.TrimRight(line, "\r\n")
}

// Wait blocks until the tool exits and returns its exit code. A process
// killed by a signal reports -1.
func (p *Process) Wait() (int, error) {
	<-p.done
	p.logExit.Do(func() {
		if p.exitCode != 0 {
			p.logger.Warn("Tool exited with non-zero code", "code", p.exitCode, "outputTail", string(p.tail.Bytes()))
		} else {
			p.logger.Debug("Tool exited", "code", 0)
		}
	})
	return p.exitCode, p.waitErr
}

// Exited reports whether the tool has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Stop terminates the tool's process group: SIGTERM, then SIGKILL once the
// grace period expires. It returns after the tool has exited.
func (p *Process) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		if p.Exited() {
			return
		}
		if sigErr := SignalGroup(p.cmd.Process, syscall.SIGTERM); sigErr != nil {
			p.logger.Warn("SIGTERM to tool group failed", "pid", p.cmd.Process.Pid, "error", sigErr)
		}
		timer := time.NewTimer(p.grace)
		defer timer.Stop()
		select {
		case <-p.done:
			return
		case <-timer.C:
		}
		p.logger.Warn("Tool ignored SIGTERM, killing", "pid", p.cmd.Process.Pid, "grace", p.grace)
		if err = SignalGroup(p.cmd.Process, syscall.SIGKILL); err != nil {
			err = fmt.Errorf("kill tool group: %w", err)
		}
		<-p.done
	})
	return err
}

// Close stops the tool if it is still running, releases the output stream
// and removes the prompt file. It is safe to call more than once.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		if p.unwatch != nil {
			p.unwatch()
		}
		var errs []error
		if err := p.Stop(); err != nil {
			errs = append(errs, err)
		}
		<-p.done
		p.markDrained()
		if err := p.output.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close output: %w", err))
		}
		if err := p.removePrompt(); err != nil {
			errs = append(errs, err)
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

func (p *Process) removePrompt() error {
	if p.promptPath == "" {
		return nil
	}
	if err := os.Remove(p.promptPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove prompt file: %w", err)
	}
	return nil
}
