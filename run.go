package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/workspace/aitools-relay/internal/catalog"
	"github.com/workspace/aitools-relay/internal/credentials"
	"github.com/workspace/aitools-relay/internal/relay"
	"github.com/workspace/aitools-relay/internal/stream"
	"github.com/workspace/aitools-relay/internal/streams"
)

var runReq catalog.Request

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run one tool locally and print the event stream",
	Long: `Run executes a single pipeline and writes the SSE payloads to stdout.
The prompt is taken from the arguments, or read from stdin when no argument
is given or the argument is "-".`,
	Example: `  aitools-relay run --tool claude "explain main.go"
  echo "summarize README.md" | aitools-relay run --tool gemini`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		req := runReq
		req.Prompt, err = readPrompt(args, cmd.InOrStdin())
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
		}

		cat, err := catalog.NewStore(cfg.CatalogFile)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		r := newRelay(cfg, cat, streams.NewRegistry(), store, credentials.ExplicitFile(), logger)
		inv, err := r.Start(ctx, req, relay.Meta{Transport: streams.TransportCLI})
		if err != nil {
			return err
		}

		sum := inv.Run(stream.NewSSEEmitter(cmd.OutOrStdout()))
		if sum.Errored {
			return fmt.Errorf("%s: %s", inv.Tool.Name, sum.ErrorMessage)
		}
		return nil
	},
}

func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt from stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func init() {
	rootCmd.AddCommand(runCmd)
	f := runCmd.Flags()
	f.StringVarP(&runReq.Tool, "tool", "t", "claude", "Tool name or alias")
	f.StringVarP(&runReq.Model, "model", "m", "", "Model override")
	f.StringSliceVar(&runReq.AllowedTools, "allowed-tools", nil, "Capabilities the tool may use")
	f.StringVar(&runReq.SystemPrompt, "system-prompt", "", "Additional system prompt")
	f.StringVar(&runReq.CredentialPath, "credentials", "", "Env file with credentials for this call")
	f.IntVar(&runReq.MaxTokens, "max-tokens", 0, "Output token cap")
	f.StringVar(&runReq.WorkDir, "workdir", "", "Working directory of the tool")
}
