package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store holds the current catalog. Readers get an immutable snapshot; a
// reload swaps the whole snapshot.
type Store struct {
	current atomic.Pointer[Catalog]
	path    string
}

// NewStore loads the catalog at path (builtin only when path is empty).
func NewStore(path string) (*Store, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(c)
	return s, nil
}

// NewStaticStore wraps an existing catalog.
func NewStaticStore(c *Catalog) *Store {
	s := &Store{}
	s.current.Store(c)
	return s
}

// Current returns the active snapshot.
func (s *Store) Current() *Catalog { return s.current.Load() }

// Reload re-reads the catalog file. On error the previous snapshot stays.
func (s *Store) Reload() error {
	c, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(c)
	return nil
}

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the catalog whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are handled.
func (s *Store) Watch(ctx context.Context, logger *slog.Logger) error {
	if s.path == "" {
		return fmt.Errorf("catalog has no file to watch")
	}
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	target := filepath.Clean(s.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	go func() {
		defer w.Close()
		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					debounce = time.After(reloadDebounce)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("Catalog watcher error", "error", err)
			case <-debounce:
				debounce = nil
				if err := s.Reload(); err != nil {
					logger.Error("Catalog reload failed, keeping previous catalog", "path", s.path, "error", err)
					continue
				}
				logger.Info("Catalog reloaded", "path", s.path, "tools", s.Current().Len())
			}
		}
	}()
	return nil
}
