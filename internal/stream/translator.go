package stream

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/workspace/aitools-relay/internal/protocol"
)

// State is the lifecycle position of a Translator.
type State int

const (
	StateStarting State = iota
	StateStreaming
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures a Translator.
type Option func(*Translator)

// WithPolicy replaces the failure policy applied to unparsed lines.
func WithPolicy(p protocol.FailurePolicy) Option {
	return func(t *Translator) {
		if p != nil {
			t.policy = p
		}
	}
}

// WithClock injects the time source used for wall-clock durations.
func WithClock(now func() time.Time) Option {
	return func(t *Translator) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger for diagnostic records.
func WithLogger(l *slog.Logger) Option {
	return func(t *Translator) {
		if l != nil {
			t.logger = l
		}
	}
}

// Translator maps records of one request onto canonical events.
//
// Handle may be called any number of times; Finish or Abort moves the
// translator to StateCompleted and returns the terminal events. Once
// completed, further calls return nothing, so a session carries exactly one
// Done.
type Translator struct {
	session *Session
	state   State
	policy  protocol.FailurePolicy
	now     func() time.Time
	logger  *slog.Logger
}

// NewTranslator creates a translator for tool. The session start time is
// taken from the clock at construction.
func NewTranslator(tool string, opts ...Option) *Translator {
	t := &Translator{
		policy: protocol.DefaultFailurePolicy,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.session = newSession(tool, t.now())
	return t
}

// Session exposes the accumulated state for inspection.
func (t *Translator) Session() *Session { return t.session }

// State returns the current lifecycle state.
func (t *Translator) State() State { return t.state }

// Handle processes one record and returns the events it produces, in order.
func (t *Translator) Handle(rec protocol.Record) []Event {
	if t.state == StateCompleted {
		return nil
	}
	t.state = StateStreaming

	switch r := rec.(type) {
	case protocol.System:
		t.logger.Debug("System record", "subtype", r.Subtype, "sessionId", r.SessionID, "model", r.Model)
		return nil

	case protocol.Assistant:
		var events []Event
		for _, item := range r.Items {
			switch it := item.(type) {
			case protocol.Text:
				if it.Value == "" {
					continue
				}
				t.session.appendText(it.Value)
				events = append(events, Content{Text: it.Value})
			case protocol.ToolUse:
				events = append(events, ToolUse{Tool: it.Name, ToolID: it.ID})
			}
		}
		return events

	case protocol.User:
		events := make([]Event, 0, len(r.Results))
		for _, res := range r.Results {
			events = append(events, ToolResult{ToolID: res.ToolID, IsError: res.IsError})
		}
		return events

	case protocol.Result:
		t.session.recordResult(r)
		if r.IsError {
			t.session.fail(resultErrorMessage(r), false)
		}
		return nil

	case protocol.Unparsed:
		if msg, failed := t.policy(r.Raw); failed {
			t.logger.Debug("Diagnostic line flagged as failure", "line", msg)
			t.session.fail(msg, true)
		} else {
			t.logger.Debug("Diagnostic line", "line", r.Raw)
		}
		return nil

	default:
		// protocol.Unknown and anything added later.
		return nil
	}
}

// Finish completes the session after the output sequence is exhausted.
func (t *Translator) Finish(exitCode int) []Event {
	if t.state == StateCompleted {
		return nil
	}
	if exitCode != 0 {
		t.session.fail(fmt.Sprintf("process exited with code %d", exitCode), false)
	}
	return t.complete()
}

// Abort completes the session after a mid-stream failure. err supplies the
// error message unless one is already recorded.
func (t *Translator) Abort(err error) []Event {
	if t.state == StateCompleted {
		return nil
	}
	msg := "stream aborted"
	if err != nil {
		msg = err.Error()
	}
	t.session.fail(msg, false)
	return t.complete()
}

func (t *Translator) complete() []Event {
	t.state = StateCompleted
	s := t.session

	events := make([]Event, 0, 2)
	if s.errored || (s.Response() == "" && s.result == nil) {
		msg := s.errorMsg
		if msg == "" {
			msg = fmt.Sprintf("no response received from %s", s.tool)
		}
		events = append(events, Error{Message: msg})
	}

	done := Done{DurationMs: t.now().Sub(s.started).Milliseconds()}
	if s.result != nil {
		done.DurationMs = s.result.DurationMs
		cost := s.result.TotalCostUSD
		done.TotalCost = &cost
	}
	return append(events, done)
}

func resultErrorMessage(r protocol.Result) string {
	if r.FinalText != nil && *r.FinalText != "" {
		return *r.FinalText
	}
	if r.Subtype != "" {
		return fmt.Sprintf("tool reported %s", r.Subtype)
	}
	return "tool reported an error"
}
