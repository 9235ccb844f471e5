// Package streams tracks the pipelines currently running so operators can
// list and cancel them.
package streams

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCanceling Status = "canceling"
)

// Transport names the surface a stream was opened on.
type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
	TransportCLI       Transport = "cli"
)

// Info is the externally visible view of an active stream.
type Info struct {
	ID        string    `json:"id"`
	Tool      string    `json:"tool"`
	Model     string    `json:"model,omitempty"`
	Transport Transport `json:"transport"`
	Status    Status    `json:"status"`
	Remote    string    `json:"remoteAddr,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

type entry struct {
	info   Info
	cancel context.CancelCauseFunc
}

// ErrCanceledByOperator is the cancel cause recorded when a stream is
// stopped through the registry.
var ErrCanceledByOperator = errors.New("canceled by operator")

// Registry is a mutex-protected map of active streams. The translator never
// touches it.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*entry
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		streams: make(map[string]*entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register records a new stream and returns its id. The cancel function is
// invoked by Cancel.
func (r *Registry) Register(info Info, cancel context.CancelCauseFunc) (Info, error) {
	if info.Tool == "" {
		return Info{}, fmt.Errorf("tool is required")
	}
	if cancel == nil {
		return Info{}, fmt.Errorf("cancel function is required")
	}
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if info.Transport == "" {
		info.Transport = TransportSSE
	}
	info.Status = StatusRunning
	info.StartedAt = r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[info.ID]; exists {
		return Info{}, fmt.Errorf("stream already exists: %s", info.ID)
	}
	r.streams[info.ID] = &entry{info: info, cancel: cancel}
	return info, nil
}

// Cancel requests termination of a running stream. Canceling a stream that
// is already canceling is a no-op.
func (r *Registry) Cancel(id string) (Info, error) {
	r.mu.Lock()
	e, ok := r.streams[id]
	if !ok {
		r.mu.Unlock()
		return Info{}, fmt.Errorf("stream not found: %s", id)
	}
	already := e.info.Status == StatusCanceling
	e.info.Status = StatusCanceling
	info := e.info
	cancel := e.cancel
	r.mu.Unlock()

	if !already {
		cancel(ErrCanceledByOperator)
	}
	return info, nil
}

// Complete removes a finished stream.
func (r *Registry) Complete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, id)
}

func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.streams[id]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// List returns active streams, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Info, 0, len(r.streams))
	for _, e := range r.streams {
		result = append(result, e.info)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// CancelAll cancels every active stream, used on shutdown.
func (r *Registry) CancelAll(cause error) int {
	r.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(r.streams))
	for _, e := range r.streams {
		if e.info.Status != StatusCanceling {
			e.info.Status = StatusCanceling
			cancels = append(cancels, e.cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel(cause)
	}
	return len(cancels)
}
