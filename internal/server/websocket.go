package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/aitools-relay/internal/auth"
	"github.com/workspace/aitools-relay/internal/catalog"
	"github.com/workspace/aitools-relay/internal/relay"
	"github.com/workspace/aitools-relay/internal/stream"
	"github.com/workspace/aitools-relay/internal/streams"
)

const (
	wsRequestTimeout = 30 * time.Second
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = 25 * time.Second
)

var (
	errClientCanceled = errors.New("canceled by client")
	errClientGone     = errors.New("websocket closed by client")
)

// wsControl is a client message sent after the request.
type wsControl struct {
	Type string `json:"type"`
}

// createUpgrader creates a WebSocket upgrader with proper origin validation.
// WebSocket upgrades bypass CORS, so we must validate origins explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - likely same-origin or non-browser client
				return true
			}
			if originAllowed(origin, s.config.AllowedOrigins) {
				return true
			}
			s.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
			return false
		},
	}
}

// wsEmitter writes each event as one text frame.
type wsEmitter struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (e *wsEmitter) Emit(ev stream.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_ = e.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := e.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &stream.SinkError{Event: ev.Type(), Err: err}
	}
	return nil
}

// handleStreamWS is the websocket variant of handleStream. The client sends
// the request as its first message and receives the same event payloads as
// text frames. A later {"type":"cancel"} message stops the tool.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxRequestBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsRequestTimeout))

	var req catalog.Request
	if err := conn.ReadJSON(&req); err != nil {
		s.logger.Debug("WebSocket request not received", "error", err)
		closeWS(conn, websocket.CloseUnsupportedData, "invalid request")
		return
	}

	inv, err := s.relay.Start(r.Context(), req, relay.Meta{
		Transport: streams.TransportWebSocket,
		Remote:    r.RemoteAddr,
		Claims:    auth.ClaimsFromContext(r.Context()),
	})
	if err != nil {
		status := relay.StatusCode(err)
		s.logger.Warn("Stream request rejected", "tool", req.Tool, "status", status, "error", err)
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = conn.WriteJSON(map[string]interface{}{"error": err.Error(), "status": status})
		code := websocket.ClosePolicyViolation
		if status >= http.StatusInternalServerError {
			code = websocket.CloseInternalServerErr
		}
		closeWS(conn, code, http.StatusText(status))
		return
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

	// Read pump: the only reader after the request. Any read error means
	// the client is gone.
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				inv.Cancel(errClientGone)
				return
			}
			var msg wsControl
			if json.Unmarshal(data, &msg) == nil && msg.Type == "cancel" {
				inv.Logger().Info("Stream canceled by client")
				inv.Cancel(errClientCanceled)
			}
		}
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	inv.Run(&wsEmitter{conn: conn})
	closeWS(conn, websocket.CloseNormalClosure, "stream complete")
}

func closeWS(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteWait))
}
