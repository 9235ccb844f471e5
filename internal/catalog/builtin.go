package catalog

import "github.com/workspace/aitools-relay/internal/runner"

// Builtin returns the default tool table.
func Builtin() []Tool {
	return []Tool{
		{
			Name:             "claude",
			Aliases:          []string{"claudecode", "claude-code"},
			Description:      "Claude Code",
			Command:          "claude",
			Class:            ClassPrimary,
			Args:             []string{"-p", "--output-format", "stream-json", "--verbose"},
			PromptMode:       runner.PromptStdin,
			ModelFlag:        "--model",
			AllowedToolsFlag: "--allowedTools",
			SystemPromptFlag: "--append-system-prompt",
			MaxTokensEnv:     "CLAUDE_CODE_MAX_OUTPUT_TOKENS",
		},
		{
			Name:        "gemini",
			Aliases:     []string{"gemini-cli"},
			Description: "Gemini CLI",
			Command:     "gemini",
			Class:       ClassSecondary,
			Args:        []string{"--output-format", "stream-json"},
			PromptMode:  runner.PromptStdin,
			ModelFlag:   "--model",
		},
		{Name: "codex", Description: "OpenAI Codex CLI", Command: "codex", Args: []string{"exec"}},
		{Name: "aider", Description: "Aider", Command: "aider", Args: []string{"--yes-always", "--message"}},
		{Name: "copilot", Aliases: []string{"github-copilot"}, Description: "GitHub Copilot CLI", Command: "copilot", Args: []string{"-p"}},
		{Name: "cursor-agent", Aliases: []string{"cursor"}, Description: "Cursor agent", Command: "cursor-agent", Args: []string{"-p"}},
	}
}

// Default returns a catalog of the builtin tools.
func Default() *Catalog {
	c, err := New(Builtin()...)
	if err != nil {
		panic("catalog: invalid builtin table: " + err.Error())
	}
	return c
}
