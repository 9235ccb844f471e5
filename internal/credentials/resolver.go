// Package credentials resolves the environment variables injected into a
// tool process before spawn.
//
// Resolution walks an ordered list of providers; the first provider that
// yields at least one variable wins and later providers are not consulted.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Query identifies what to resolve.
type Query struct {
	Tool string
	// ExplicitPath is a credential file named by the request, if any.
	ExplicitPath string
}

// Provider is one storage tier. Lookup returns nil (or an empty map) and a
// nil error when the tier has nothing for the query.
type Provider struct {
	Name   string
	Lookup func(ctx context.Context, q Query) (map[string]string, error)
}

// Resolver tries providers in order.
type Resolver struct {
	providers []Provider
	logger    *slog.Logger
}

// NewResolver creates a resolver over providers, in priority order.
func NewResolver(logger *slog.Logger, providers ...Provider) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{providers: providers, logger: logger}
}

// Resolve returns the variables for tool. The map is never nil. A provider
// error aborts resolution.
func (r *Resolver) Resolve(ctx context.Context, tool, explicitPath string) (map[string]string, error) {
	q := Query{Tool: tool, ExplicitPath: explicitPath}
	for _, p := range r.providers {
		vars, err := p.Lookup(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("credentials from %s: %w", p.Name, err)
		}
		if len(vars) > 0 {
			r.logger.Debug("Credentials resolved", "tool", tool, "provider", p.Name, "count", len(vars))
			return vars, nil
		}
	}
	return map[string]string{}, nil
}

// ExplicitFile reads the file named by the request from anywhere on disk.
// A named file that cannot be read is an error. Use it for local callers
// only; see ConfinedFile.
func ExplicitFile() Provider {
	return Provider{
		Name: "explicit-file",
		Lookup: func(_ context.Context, q Query) (map[string]string, error) {
			if q.ExplicitPath == "" {
				return nil, nil
			}
			return ReadEnvFile(q.ExplicitPath)
		},
	}
}

// ErrPathNotPermitted is returned for an explicit path outside the
// confinement directory, or one that cannot be read from it.
var ErrPathNotPermitted = errors.New("credential file not permitted")

// ConfinedFile is ExplicitFile for remote callers: the path must name a
// file inside root, relative paths are taken from root, and read failures
// are reported without detail so a caller cannot probe the filesystem. An
// empty root rejects every explicit path.
func ConfinedFile(root string) Provider {
	return Provider{
		Name: "explicit-file",
		Lookup: func(_ context.Context, q Query) (map[string]string, error) {
			if q.ExplicitPath == "" {
				return nil, nil
			}
			path, ok := confine(root, q.ExplicitPath)
			if !ok {
				return nil, ErrPathNotPermitted
			}
			vars, err := ReadEnvFile(path)
			if err != nil {
				return nil, ErrPathNotPermitted
			}
			return vars, nil
		},
	}
}

// confine resolves name against root, following symlinks, and reports
// whether the result stays inside root.
func confine(root, name string) (string, bool) {
	if root == "" {
		return "", false
	}
	base, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", false
	}
	if !filepath.IsAbs(name) {
		name = filepath.Join(root, name)
	}
	path, err := filepath.EvalSymlinks(name)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return path, true
}

// ToolVariables lists the variables each builtin tool reads its credentials
// from.
var ToolVariables = map[string][]string{
	"claude":       {"ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"},
	"gemini":       {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"codex":        {"OPENAI_API_KEY"},
	"aider":        {"OPENAI_API_KEY", "ANTHROPIC_API_KEY"},
	"copilot":      {"GH_TOKEN", "GITHUB_TOKEN"},
	"cursor-agent": {"CURSOR_API_KEY"},
}

// Environment picks the tool's variables from the relay's own environment.
// A nil lookup uses os.LookupEnv.
func Environment(vars map[string][]string, lookup func(string) (string, bool)) Provider {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return Provider{
		Name: "environment",
		Lookup: func(_ context.Context, q Query) (map[string]string, error) {
			out := map[string]string{}
			for _, name := range vars[q.Tool] {
				if v, ok := lookup(name); ok && v != "" {
					out[name] = v
				}
			}
			return out, nil
		},
	}
}

// Store is the persisted credential tier.
type Store interface {
	Credentials(tool string) (map[string]string, error)
}

// Stored reads variables saved in the relay database.
func Stored(s Store) Provider {
	return Provider{
		Name: "store",
		Lookup: func(_ context.Context, q Query) (map[string]string, error) {
			return s.Credentials(q.Tool)
		},
	}
}

// DefaultFile reads <dir>/<tool>.env when it exists.
func DefaultFile(dir string) Provider {
	return Provider{
		Name: "default-file",
		Lookup: func(_ context.Context, q Query) (map[string]string, error) {
			if dir == "" || q.Tool == "" || strings.ContainsAny(q.Tool, `/\`) {
				return nil, nil
			}
			path := filepath.Join(dir, q.Tool+".env")
			if _, err := os.Stat(path); os.IsNotExist(err) {
				return nil, nil
			}
			return ReadEnvFile(path)
		},
	}
}
