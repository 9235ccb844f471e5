// Package catalog maps tool names and aliases to invocable commands and
// assembles their per-tool flag sets.
package catalog

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/workspace/aitools-relay/internal/runner"
)

// Kind tells how the relay talks to a tool.
type Kind string

const (
	// KindCLI tools print JSON lines (or plain text) on stdout.
	KindCLI Kind = "cli"
	// KindACP tools speak the Agent Client Protocol over stdio.
	KindACP Kind = "acp"
)

// Class mirrors the streaming guarantee of a tool.
type Class string

const (
	ClassPrimary   Class = "primary"
	ClassSecondary Class = "secondary"
	ClassOther     Class = "other"
)

// Tool is one catalog entry.
type Tool struct {
	Name        string   `yaml:"name" json:"name"`
	Aliases     []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Command     string   `yaml:"command" json:"command"`
	Kind        Kind     `yaml:"kind,omitempty" json:"kind,omitempty"`
	Class       Class    `yaml:"class,omitempty" json:"class,omitempty"`
	// Args are the required flags, placed before any optional flag.
	Args       []string          `yaml:"args,omitempty" json:"args,omitempty"`
	PromptMode runner.PromptMode `yaml:"promptMode,omitempty" json:"promptMode,omitempty"`

	ModelFlag        string `yaml:"modelFlag,omitempty" json:"modelFlag,omitempty"`
	AllowedToolsFlag string `yaml:"allowedToolsFlag,omitempty" json:"allowedToolsFlag,omitempty"`
	SystemPromptFlag string `yaml:"systemPromptFlag,omitempty" json:"systemPromptFlag,omitempty"`
	// MaxTokensEnv receives Request.MaxTokens when set.
	MaxTokensEnv string `yaml:"maxTokensEnv,omitempty" json:"maxTokensEnv,omitempty"`

	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	PTY bool              `yaml:"pty,omitempty" json:"pty,omitempty"`
	// FailurePolicy names the policy for diagnostic lines ("keywords",
	// "any", "off"). Empty uses the server default.
	FailurePolicy string `yaml:"failurePolicy,omitempty" json:"failurePolicy,omitempty"`
}

func (t *Tool) normalize() error {
	t.Name = strings.ToLower(strings.TrimSpace(t.Name))
	if t.Name == "" {
		return fmt.Errorf("tool without name")
	}
	if t.Command == "" {
		return fmt.Errorf("tool %q: command is required", t.Name)
	}
	if t.Kind == "" {
		t.Kind = KindCLI
	}
	if t.Kind != KindCLI && t.Kind != KindACP {
		return fmt.Errorf("tool %q: unknown kind %q", t.Name, t.Kind)
	}
	if t.Class == "" {
		t.Class = ClassOther
	}
	switch t.PromptMode {
	case "":
		t.PromptMode = runner.PromptArg
	case runner.PromptArg, runner.PromptStdin, runner.PromptFileArg:
	default:
		return fmt.Errorf("tool %q: unknown prompt mode %q", t.Name, t.PromptMode)
	}
	return nil
}

// BuildArgs assembles the argument list for req: required flags first, then
// the optional flags the tool supports and the request sets. The prompt
// itself is delivered by the runner according to PromptMode.
func (t Tool) BuildArgs(req Request) []string {
	args := append([]string(nil), t.Args...)
	if req.Model != "" && t.ModelFlag != "" {
		args = append(args, t.ModelFlag, req.Model)
	}
	if len(req.AllowedTools) > 0 && t.AllowedToolsFlag != "" {
		args = append(args, t.AllowedToolsFlag, strings.Join(req.AllowedTools, ","))
	}
	if req.SystemPrompt != "" && t.SystemPromptFlag != "" {
		args = append(args, t.SystemPromptFlag, req.SystemPrompt)
	}
	return args
}

// BuildEnv returns the tool's fixed environment plus request-derived
// variables.
func (t Tool) BuildEnv(req Request) map[string]string {
	env := make(map[string]string, len(t.Env)+1)
	for k, v := range t.Env {
		env[k] = v
	}
	if req.MaxTokens > 0 && t.MaxTokensEnv != "" {
		env[t.MaxTokensEnv] = fmt.Sprint(req.MaxTokens)
	}
	return env
}

// Catalog is an immutable set of tools indexed by name and alias.
type Catalog struct {
	tools []Tool
	index map[string]int
}

// New builds a catalog. A later tool replaces an earlier one with the same
// name, aliases included. Names and aliases must be unique across tools.
func New(tools ...Tool) (*Catalog, error) {
	c := &Catalog{index: make(map[string]int)}
	names := make(map[string]int)
	for _, t := range tools {
		if err := t.normalize(); err != nil {
			return nil, err
		}
		if i, ok := names[t.Name]; ok {
			c.tools[i] = t
			continue
		}
		names[t.Name] = len(c.tools)
		c.tools = append(c.tools, t)
	}

	for i, t := range c.tools {
		for _, key := range append([]string{t.Name}, t.Aliases...) {
			key = strings.ToLower(strings.TrimSpace(key))
			if key == "" {
				continue
			}
			if j, ok := c.index[key]; ok && j != i {
				return nil, fmt.Errorf("name %q of tool %q already used by %q", key, t.Name, c.tools[j].Name)
			}
			c.index[key] = i
		}
	}
	return c, nil
}

// Lookup finds a tool by name or alias, case-insensitively.
func (c *Catalog) Lookup(name string) (Tool, error) {
	i, ok := c.index[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Tool{}, &UnknownToolError{Name: name}
	}
	return c.tools[i], nil
}

// Resolve finds a tool and the absolute path of its command.
func (c *Catalog) Resolve(name string) (Tool, string, error) {
	t, err := c.Lookup(name)
	if err != nil {
		return Tool{}, "", err
	}
	path, err := exec.LookPath(t.Command)
	if err != nil {
		return t, "", &NotInstalledError{Tool: t.Name, Command: t.Command, Err: err}
	}
	return t, path, nil
}

// Tools returns every tool sorted by name.
func (c *Catalog) Tools() []Tool {
	out := append([]Tool(nil), c.tools...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of tools.
func (c *Catalog) Len() int { return len(c.tools) }

// UnknownToolError is returned for names that match no tool or alias.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// NotInstalledError is returned when a known tool's command is not on PATH.
type NotInstalledError struct {
	Tool    string
	Command string
	Err     error
}

func (e *NotInstalledError) Error() string {
	return fmt.Sprintf("tool %s is not installed (command %q not found)", e.Tool, e.Command)
}

func (e *NotInstalledError) Unwrap() error { return e.Err }
