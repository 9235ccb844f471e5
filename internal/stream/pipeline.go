package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/workspace/aitools-relay/internal/protocol"
)

// Source yields the classified output of one running tool.
type Source interface {
	// Next blocks until the next record is available. It returns io.EOF
	// once the output is exhausted.
	Next() (protocol.Record, error)
	// Wait reaps the tool and returns its exit code.
	Wait() (int, error)
	// Stop terminates the tool early.
	Stop() error
	// Close releases every resource held by the source. It is idempotent.
	Close() error
}

// LineProcess is a running tool exposing raw output lines.
type LineProcess interface {
	ReadLine() (string, error)
	Wait() (int, error)
	Stop() error
	Close() error
}

// FromLines adapts a line-oriented process into a Source by classifying each
// line.
func FromLines(p LineProcess) Source {
	return lineSource{p}
}

type lineSource struct {
	LineProcess
}

func (s lineSource) Next() (protocol.Record, error) {
	line, err := s.ReadLine()
	if err != nil {
		return nil, err
	}
	return protocol.Classify(line), nil
}

// Summary describes a finished pipeline.
type Summary struct {
	Response     string
	Errored      bool
	ErrorMessage string
	ExitCode     int
	DurationMs   int64
	TotalCost    *float64
	InputTokens  int
	OutputTokens int
	Events       int
	SinkFailed   bool
}

// Run drives one request: it pulls records from src, translates them with
// tr and writes every event to em before pulling the next record.
//
// Run owns src and closes it on every path. Failures after the first event
// never escape: they end the session with an Error event followed by Done.
// When the sink fails the tool is stopped, remaining output is discarded and
// the terminal events are still attempted.
func Run(ctx context.Context, src Source, tr *Translator, em Emitter) (sum Summary) {
	defer func() {
		if err := src.Close(); err != nil {
			tr.logger.Warn("Failed to close tool process", "error", err)
		}
	}()

	var sinkErr error
	emit := func(events []Event) {
		for _, ev := range events {
			if ev.Type() == TypeError {
				sum.Errored = true
				sum.ErrorMessage = ev.(Error).Message
			}
			if sinkErr != nil {
				// Best effort only once the client is gone.
				_ = em.Emit(ev)
				continue
			}
			if err := em.Emit(ev); err != nil {
				sinkErr = err
				continue
			}
			sum.Events++
		}
	}

	loopErr := consume(src, tr, emit, func() bool { return sinkErr != nil })

	abort := func(cause error) {
		if err := src.Stop(); err != nil {
			tr.logger.Warn("Failed to stop tool", "error", err)
		}
		sum.ExitCode, _ = src.Wait()
		emit(tr.Abort(cause))
	}

	switch {
	case sinkErr != nil:
		tr.logger.Info("Client sink failed, stopping tool", "error", sinkErr)
		abort(sinkErr)
	case ctx.Err() != nil:
		// Cancellation kills the tool, so its output may end early or with
		// a read error.
		abort(fmt.Errorf("stream canceled: %w", context.Cause(ctx)))
	case loopErr != nil:
		tr.logger.Warn("Stream loop failed", "error", loopErr)
		abort(loopErr)
	default:
		code, err := src.Wait()
		sum.ExitCode = code
		if err != nil {
			emit(tr.Abort(fmt.Errorf("wait for tool: %w", err)))
		} else {
			emit(tr.Finish(code))
		}
	}

	s := tr.Session()
	sum.Response = s.Response()
	sum.SinkFailed = sinkErr != nil
	sum.DurationMs = tr.now().Sub(s.StartedAt()).Milliseconds()
	if r := s.Result(); r != nil {
		sum.DurationMs = r.DurationMs
		cost := r.TotalCostUSD
		sum.TotalCost = &cost
		sum.InputTokens = r.InputTokens
		sum.OutputTokens = r.OutputTokens
	}
	return sum
}

// consume runs the read loop until the source is exhausted, a read fails,
// the sink fails, or the loop panics.
func consume(src Source, tr *Translator, emit func([]Event), stopped func() bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	for !stopped() {
		rec, readErr := src.Next()
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read tool output: %w", readErr)
		}
		emit(tr.Handle(rec))
	}
	return nil
}
