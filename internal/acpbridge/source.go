package acpbridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/workspace/aitools-relay/internal/protocol"
	"github.com/workspace/aitools-relay/internal/runner"
)

const (
	defaultInitTimeout = 30 * time.Second
	defaultStopGrace   = runner.DefaultStopGrace
	exitReportDelay    = 500 * time.Millisecond
)

// Spec describes one ACP agent invocation.
type Spec struct {
	Command string
	Args    []string
	Env     map[string]string
	Prompt  string
	// Model is applied with SetSessionModel. Failure is logged, not fatal.
	Model       string
	WorkDir     string
	InitTimeout time.Duration
	StopGrace   time.Duration
	Logger      *slog.Logger
}

type item struct {
	rec protocol.Record
	err error
}

// Source runs one prompt turn against an ACP agent subprocess. It satisfies
// the pipeline's record source contract: Next yields records until io.EOF,
// Wait reaps the agent, Stop and Close terminate it.
type Source struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	conn   *acpsdk.ClientSideConnection
	logger *slog.Logger
	grace  time.Duration

	records chan item
	sendMu  sync.RWMutex
	closed  bool
	stopped chan struct{}

	exited   chan struct{}
	exitCode int
	waitErr  error

	completed atomic.Bool

	stopOnce  sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	unwatch   func() bool
}

// Start spawns the agent, performs the ACP handshake in the background and
// sends the prompt. Cancelling ctx stops the agent.
func Start(ctx context.Context, spec Spec) (*Source, error) {
	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}

	path, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, &runner.SpawnError{Command: spec.Command, NotFound: errors.Is(err, exec.ErrNotFound), Err: err}
	}

	cwd := spec.WorkDir
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return nil, &runner.SpawnError{Command: spec.Command, Err: err}
		}
	}
	if cwd, err = filepath.Abs(cwd); err != nil {
		return nil, &runner.SpawnError{Command: spec.Command, Err: err}
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Env = runner.MergeEnv(os.Environ(), spec.Env)
	cmd.Dir = cwd
	runner.Isolate(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &runner.SpawnError{Command: spec.Command, Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, &runner.SpawnError{Command: spec.Command, Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, &runner.SpawnError{Command: spec.Command, Err: fmt.Errorf("failed to create stderr pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, &runner.SpawnError{Command: spec.Command, Err: err}
	}

	s := &Source{
		cmd:     cmd,
		stdin:   stdin,
		logger:  logger,
		grace:   spec.StopGrace,
		records: make(chan item),
		stopped: make(chan struct{}),
		exited:  make(chan struct{}),
	}
	if s.grace <= 0 {
		s.grace = defaultStopGrace
	}

	go s.drainStderr(stderr)
	go func() {
		err := cmd.Wait()
		switch {
		case err == nil:
		case cmd.ProcessState != nil:
			s.exitCode = cmd.ProcessState.ExitCode()
		default:
			s.exitCode = -1
			s.waitErr = err
		}
		close(s.exited)
	}()

	s.conn = acpsdk.NewClientSideConnection(&client{src: s, logger: logger}, stdin, stdout)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		select {
		case <-s.exited:
			cancel()
		case <-runCtx.Done():
		}
	}()
	go s.run(runCtx, spec, cwd)

	s.unwatch = context.AfterFunc(ctx, func() {
		logger.Debug("Context done, stopping ACP agent", "pid", cmd.Process.Pid)
		_ = s.Stop()
	})

	logger.Info("ACP agent process started", "command", path, "pid", cmd.Process.Pid)
	return s, nil
}

// run performs initialize, session/new, the optional model switch and one
// session/prompt, then closes the record stream.
func (s *Source) run(ctx context.Context, spec Spec, cwd string) {
	defer s.closeRecords()

	initTimeout := spec.InitTimeout
	if initTimeout <= 0 {
		initTimeout = defaultInitTimeout
	}
	initCtx, initCancel := context.WithTimeout(ctx, initTimeout)
	defer initCancel()

	initResp, err := s.conn.Initialize(initCtx, acpsdk.InitializeRequest{
		ProtocolVersion:    acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{},
	})
	if err != nil {
		s.push(item{err: s.explain("ACP initialize failed", err)})
		return
	}
	s.logger.Debug("ACP: Initialize succeeded", "loadSession", initResp.AgentCapabilities.LoadSession)

	sessResp, err := s.conn.NewSession(initCtx, acpsdk.NewSessionRequest{
		Cwd:        cwd,
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		s.push(item{err: s.explain("ACP new session failed", err)})
		return
	}
	sessionID := sessResp.SessionId
	s.push(item{rec: protocol.System{Subtype: "init", SessionID: string(sessionID), Model: spec.Model}})

	if spec.Model != "" {
		if _, err := s.conn.SetSessionModel(initCtx, acpsdk.SetSessionModelRequest{
			SessionId: sessionID,
			ModelId:   acpsdk.ModelId(spec.Model),
		}); err != nil {
			s.logger.Warn("ACP SetSessionModel failed (non-fatal)", "model", spec.Model, "error", err)
		}
	}

	start := time.Now()
	resp, err := s.conn.Prompt(ctx, acpsdk.PromptRequest{
		SessionId: sessionID,
		Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(spec.Prompt)},
	})
	if err != nil {
		s.push(item{err: s.explain("ACP prompt failed", err)})
		return
	}

	reason := string(resp.StopReason)
	s.logger.Debug("ACP: Prompt completed", "stopReason", reason)
	s.completed.Store(true)
	s.push(item{rec: protocol.Result{
		Subtype:    reason,
		DurationMs: time.Since(start).Milliseconds(),
		IsError:    reason == "refusal",
	}})
}

// explain prefers the agent's exit status over the transport error it
// caused.
func (s *Source) explain(what string, err error) error {
	// A dying agent breaks the connection slightly before Wait returns.
	if s.waitExit(exitReportDelay) {
		return fmt.Errorf("%s: agent exited with code %d", what, s.exitCode)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *Source) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Debug("ACP agent stderr", "line", scanner.Text())
	}
}

// push hands an item to the consumer. It returns false once the source is
// stopped or the stream is closed.
func (s *Source) push(it item) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.records <- it:
		return true
	case <-s.stopped:
		return false
	}
}

func (s *Source) closeRecords() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.records)
	}
}

// Next blocks until the next record. It returns io.EOF after the prompt
// turn has ended.
func (s *Source) Next() (protocol.Record, error) {
	it, ok := <-s.records
	if !ok {
		return nil, io.EOF
	}
	return it.rec, it.err
}

// Wait ends the agent once the turn is over and returns its exit code. An
// agent shut down by the relay after a completed turn reports 0.
func (s *Source) Wait() (int, error) {
	select {
	case <-s.exited:
	default:
		s.terminate(true)
	}
	if s.completed.Load() {
		return 0, nil
	}
	return s.exitCode, s.waitErr
}

// Stop terminates the agent and unblocks any pending update.
func (s *Source) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.cancel()
		s.terminate(false)
	})
	return nil
}

// Close stops the agent if needed. It is safe to call more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if s.unwatch != nil {
			s.unwatch()
		}
		_ = s.Stop()
		<-s.exited
	})
	return nil
}

// terminate closes stdin, which most agents treat as end of session, and
// escalates to SIGTERM and SIGKILL on the process group.
func (s *Source) terminate(graceful bool) {
	s.stdin.Close()
	if graceful && s.waitExit(s.grace) {
		return
	}
	if err := runner.SignalGroup(s.cmd.Process, syscall.SIGTERM); err != nil {
		s.logger.Warn("SIGTERM to ACP agent failed", "pid", s.cmd.Process.Pid, "error", err)
	}
	if s.waitExit(s.grace) {
		return
	}
	s.logger.Warn("ACP agent ignored SIGTERM, killing", "pid", s.cmd.Process.Pid)
	_ = runner.SignalGroup(s.cmd.Process, syscall.SIGKILL)
	<-s.exited
}

func (s *Source) waitExit(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.exited:
		return true
	case <-timer.C:
		return false
	}
}
