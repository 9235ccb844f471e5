package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/workspace/aitools-relay/internal/auth"
	"github.com/workspace/aitools-relay/internal/catalog"
	"github.com/workspace/aitools-relay/internal/relay"
	"github.com/workspace/aitools-relay/internal/stream"
	"github.com/workspace/aitools-relay/internal/streams"
)

// handleStream runs one tool and streams its canonical events as SSE.
// Failures before the first byte are plain JSON errors; after that every
// failure is an error event followed by done.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var req catalog.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	inv, err := s.relay.Start(r.Context(), req, relay.Meta{
		Transport: streams.TransportSSE,
		Remote:    r.RemoteAddr,
		Claims:    auth.ClaimsFromContext(r.Context()),
	})
	if err != nil {
		status := relay.StatusCode(err)
		s.logger.Warn("Stream request rejected", "tool", req.Tool, "status", status, "error", err)
		writeError(w, status, err.Error())
		return
	}

	stream.SetSSEHeaders(w.Header())
	w.Header().Set("X-Stream-Id", inv.ID)
	w.WriteHeader(http.StatusOK)

	inv.Run(stream.NewSSEEmitter(w))
}
