package stream

import (
	"strings"
	"time"

	"github.com/workspace/aitools-relay/internal/protocol"
)

// Session accumulates the state of one request. It is owned by a single
// Translator and is not safe for concurrent use.
type Session struct {
	tool    string
	started time.Time

	response       strings.Builder
	contentEmitted bool
	adopted        *string

	errored  bool
	errorMsg string

	result *protocol.Result
}

func newSession(tool string, started time.Time) *Session {
	return &Session{tool: tool, started: started}
}

// Tool returns the tool name the session was opened for.
func (s *Session) Tool() string { return s.tool }

// StartedAt returns when the session was initialized.
func (s *Session) StartedAt() time.Time { return s.started }

// Response returns the response of record: the concatenated Content text,
// or the result's final text when no Content was ever emitted.
func (s *Session) Response() string {
	if !s.contentEmitted && s.adopted != nil {
		return *s.adopted
	}
	return s.response.String()
}

// Errored reports whether the error flag is set.
func (s *Session) Errored() bool { return s.errored }

// ErrorMessage returns the recorded error message, if any.
func (s *Session) ErrorMessage() string { return s.errorMsg }

// Result returns the last result statistics, or nil.
func (s *Session) Result() *protocol.Result { return s.result }

func (s *Session) appendText(text string) {
	s.response.WriteString(text)
	s.contentEmitted = true
}

// fail sets the error flag. Later heuristic matches replace the message;
// other sources only fill it when empty.
func (s *Session) fail(msg string, overwrite bool) {
	s.errored = true
	if overwrite || s.errorMsg == "" {
		s.errorMsg = msg
	}
}

func (s *Session) recordResult(r protocol.Result) {
	s.result = &r
	if r.FinalText != nil && s.response.Len() == 0 {
		text := *r.FinalText
		s.adopted = &text
	}
}
