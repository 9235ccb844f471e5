package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Emitter delivers events to a client in order. Emit must not return until
// the event has been handed to the transport.
type Emitter interface {
	Emit(Event) error
}

// SinkError reports that the client sink rejected a write. The connection is
// assumed gone.
type SinkError struct {
	Event string
	Err   error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("write %s event: %v", e.Event, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// SetSSEHeaders prepares a response for an event stream. Call before the
// first write.
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// SSEEmitter writes events as "data: <json>\n\n" frames and flushes after
// each one.
type SSEEmitter struct {
	w     io.Writer
	flush func() error
	buf   bytes.Buffer
}

// NewSSEEmitter wraps w. When w can flush (an http.ResponseWriter, a
// bufio.Writer) every frame is flushed.
func NewSSEEmitter(w io.Writer) *SSEEmitter {
	e := &SSEEmitter{w: w, flush: func() error { return nil }}
	switch f := w.(type) {
	case interface{ FlushError() error }:
		e.flush = f.FlushError
	case http.Flusher:
		e.flush = func() error { f.Flush(); return nil }
	case interface{ Flush() error }:
		e.flush = f.Flush
	}
	return e
}

// Emit writes one frame.
func (e *SSEEmitter) Emit(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type(), err)
	}

	e.buf.Reset()
	e.buf.WriteString("data: ")
	e.buf.Write(payload)
	e.buf.WriteString("\n\n")

	if _, err := e.w.Write(e.buf.Bytes()); err != nil {
		return &SinkError{Event: ev.Type(), Err: err}
	}
	if err := e.flush(); err != nil {
		return &SinkError{Event: ev.Type(), Err: err}
	}
	return nil
}
