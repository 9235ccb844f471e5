// Package relay turns an invocation request into a running pipeline: it
// resolves the tool and its credentials, spawns the process, registers the
// stream and records the run.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/aitools-relay/internal/acpbridge"
	"github.com/workspace/aitools-relay/internal/auth"
	"github.com/workspace/aitools-relay/internal/catalog"
	"github.com/workspace/aitools-relay/internal/credentials"
	"github.com/workspace/aitools-relay/internal/logging"
	"github.com/workspace/aitools-relay/internal/persistence"
	"github.com/workspace/aitools-relay/internal/protocol"
	"github.com/workspace/aitools-relay/internal/runner"
	"github.com/workspace/aitools-relay/internal/stream"
	"github.com/workspace/aitools-relay/internal/streams"
)

var (
	// ErrCredentials wraps credential resolution failures.
	ErrCredentials = errors.New("credential resolution failed")
	// ErrForbidden is returned when the caller's token does not cover the tool.
	ErrForbidden = errors.New("tool not permitted for this token")
	// ErrMaxDuration is the cancel cause of a stream that hit its deadline.
	ErrMaxDuration = errors.New("stream exceeded maximum duration")
)

// RunStore is the subset of persistence used for run history.
type RunStore interface {
	InsertRun(run persistence.Run) error
	FinishRun(id string, out persistence.RunOutcome) error
}

// Options configures a Relay.
type Options struct {
	Catalog     *catalog.Store
	Credentials *credentials.Resolver
	// Runs and Registry are optional.
	Runs     RunStore
	Registry *streams.Registry

	PromptTempDir string
	StopGrace     time.Duration
	TailBytes     int
	// MaxDuration bounds every stream. Zero disables the bound.
	MaxDuration time.Duration

	FailurePolicy   string
	FailureKeywords []string

	Logger *slog.Logger
}

// Relay starts pipelines.
type Relay struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Relay.
func New(opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Credentials == nil {
		opts.Credentials = credentials.NewResolver(logger, credentials.ExplicitFile())
	}
	return &Relay{opts: opts, logger: logger}
}

// Meta describes who opened a stream and how.
type Meta struct {
	Transport streams.Transport
	Remote    string
	// Claims are nil when authentication is disabled.
	Claims *auth.Claims
}

// Invocation is a spawned tool waiting for Run.
type Invocation struct {
	ID   string
	Tool catalog.Tool

	ctx      context.Context
	cancel   context.CancelCauseFunc
	src      stream.Source
	tr       *stream.Translator
	logger   *slog.Logger
	relay    *Relay
	finished bool
}

// Start validates req and spawns the tool. Errors returned here happen
// before any byte is sent to the client; callers map them with StatusCode.
func (r *Relay) Start(ctx context.Context, req catalog.Request, meta Meta) (*Invocation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tool, path, err := r.opts.Catalog.Current().Resolve(req.Tool)
	if err != nil {
		return nil, err
	}
	if meta.Claims != nil && !meta.Claims.AllowsTool(tool.Name) {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, tool.Name)
	}

	creds, err := r.opts.Credentials.Resolve(ctx, tool.Name, req.CredentialPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentials, err)
	}

	policyName := tool.FailurePolicy
	if policyName == "" {
		policyName = r.opts.FailurePolicy
	}
	policy, err := protocol.PolicyByName(policyName, r.opts.FailureKeywords)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool.Name, err)
	}

	env := tool.BuildEnv(req)
	for k, v := range creds {
		env[k] = v
	}

	id := uuid.NewString()
	logger := logging.ForStream(r.logger, id, tool.Name)

	streamCtx, cancel := context.WithCancelCause(ctx)
	if r.opts.MaxDuration > 0 {
		var cancelTimeout context.CancelFunc
		streamCtx, cancelTimeout = context.WithTimeoutCause(streamCtx, r.opts.MaxDuration, ErrMaxDuration)
		parentCancel := cancel
		cancel = func(cause error) {
			parentCancel(cause)
			cancelTimeout()
		}
	}

	src, err := r.spawn(streamCtx, tool, path, req, env, logger)
	if err != nil {
		cancel(err)
		logger.Warn("Tool spawn failed", "error", err)
		return nil, err
	}

	inv := &Invocation{
		ID:     id,
		Tool:   tool,
		ctx:    streamCtx,
		cancel: cancel,
		src:    src,
		tr:     stream.NewTranslator(tool.Name, stream.WithPolicy(policy), stream.WithLogger(logger)),
		logger: logger,
		relay:  r,
	}

	if r.opts.Registry != nil {
		if _, err := r.opts.Registry.Register(streams.Info{
			ID:        id,
			Tool:      tool.Name,
			Model:     req.Model,
			Transport: meta.Transport,
			Remote:    meta.Remote,
		}, cancel); err != nil {
			logger.Warn("Failed to register stream", "error", err)
		}
	}
	if r.opts.Runs != nil {
		if err := r.opts.Runs.InsertRun(persistence.Run{
			ID:        id,
			Tool:      tool.Name,
			Model:     req.Model,
			Transport: string(meta.Transport),
		}); err != nil {
			logger.Warn("Failed to record run start", "error", err)
		}
	}

	logger.Info("Stream started", "kind", string(tool.Kind), "transport", string(meta.Transport), "model", req.Model)
	return inv, nil
}

func (r *Relay) spawn(ctx context.Context, tool catalog.Tool, path string, req catalog.Request, env map[string]string, logger *slog.Logger) (stream.Source, error) {
	if tool.Kind == catalog.KindACP {
		return acpbridge.Start(ctx, acpbridge.Spec{
			Command:   path,
			Args:      tool.Args,
			Env:       env,
			Prompt:    req.Prompt,
			Model:     req.Model,
			WorkDir:   req.WorkDir,
			StopGrace: r.opts.StopGrace,
			Logger:    logger,
		})
	}

	p, err := runner.Start(ctx, runner.Spec{
		Command:    path,
		Args:       tool.BuildArgs(req),
		Env:        env,
		Prompt:     req.Prompt,
		PromptMode: tool.PromptMode,
		WorkDir:    req.WorkDir,
		TempDir:    r.opts.PromptTempDir,
		PTY:        tool.PTY,
		StopGrace:  r.opts.StopGrace,
		TailBytes:  r.opts.TailBytes,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return stream.FromLines(p), nil
}

// Run drives the pipeline to completion, writing every event to em. It
// must be called exactly once.
func (inv *Invocation) Run(em stream.Emitter) stream.Summary {
	if inv.finished {
		panic("relay: Invocation.Run called twice")
	}
	inv.finished = true
	defer inv.cancel(context.Canceled)

	sum := stream.Run(inv.ctx, inv.src, inv.tr, em)

	r := inv.relay
	if r.opts.Registry != nil {
		r.opts.Registry.Complete(inv.ID)
	}

	status := persistence.RunSucceeded
	switch {
	case sum.SinkFailed || inv.ctx.Err() != nil:
		status = persistence.RunCanceled
	case sum.Errored:
		status = persistence.RunFailed
	}
	if r.opts.Runs != nil {
		if err := r.opts.Runs.FinishRun(inv.ID, persistence.RunOutcome{
			Status:        status,
			ExitCode:      sum.ExitCode,
			DurationMs:    sum.DurationMs,
			TotalCost:     sum.TotalCost,
			InputTokens:   sum.InputTokens,
			OutputTokens:  sum.OutputTokens,
			ErrorMessage:  sum.ErrorMessage,
			ResponseBytes: len(sum.Response),
		}); err != nil {
			inv.logger.Warn("Failed to record run outcome", "error", err)
		}
	}

	inv.logger.Info("Stream finished",
		"status", status,
		"exitCode", sum.ExitCode,
		"durationMs", sum.DurationMs,
		"events", sum.Events,
		"error", sum.ErrorMessage,
	)
	return sum
}

// Context returns the stream context. It is done when the stream is
// canceled through the registry, hits its deadline or its parent ends.
func (inv *Invocation) Context() context.Context { return inv.ctx }

// Cancel stops the stream with cause.
func (inv *Invocation) Cancel(cause error) { inv.cancel(cause) }

// Logger returns the stream-scoped logger.
func (inv *Invocation) Logger() *slog.Logger { return inv.logger }
