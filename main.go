// Command aitools-relay exposes locally installed AI command-line tools to
// HTTP clients as a live Server-Sent-Events stream.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/workspace/aitools-relay/internal/catalog"
	"github.com/workspace/aitools-relay/internal/config"
	"github.com/workspace/aitools-relay/internal/credentials"
	"github.com/workspace/aitools-relay/internal/logging"
	"github.com/workspace/aitools-relay/internal/persistence"
	"github.com/workspace/aitools-relay/internal/relay"
	"github.com/workspace/aitools-relay/internal/streams"
)

var rootCmd = &cobra.Command{
	Use:   "aitools-relay",
	Short: "Stream AI CLI tool output as Server-Sent-Events",
	Long: `aitools-relay spawns locally installed AI assistant CLIs, reads their
JSON-lines output while they run and re-emits it as one canonical event
stream that always ends with a done event.

Configuration comes from environment variables (RELAY_PORT, CATALOG_FILE,
PERSISTENCE_DB_PATH, ...).`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the environment and installs the default logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	logger := logging.SetupWithConfig(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	return cfg, logger, nil
}

// openStore opens the relay database. It returns nil when persistence is
// disabled.
func openStore(cfg *config.Config) (*persistence.Store, error) {
	if cfg.PersistenceDBPath == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.PersistenceDBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	store, err := persistence.Open(cfg.PersistenceDBPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.PersistenceDBPath, err)
	}
	return store, nil
}

// newResolver builds the credential chain: explicit file, process
// environment, stored credentials, then <CREDENTIALS_DIR>/<tool>.env.
func newResolver(cfg *config.Config, store *persistence.Store, explicit credentials.Provider, logger *slog.Logger) *credentials.Resolver {
	providers := []credentials.Provider{
		explicit,
		credentials.Environment(credentials.ToolVariables, os.LookupEnv),
	}
	if store != nil {
		providers = append(providers, credentials.Stored(store))
	}
	if cfg.CredentialsDir != "" {
		providers = append(providers, credentials.DefaultFile(cfg.CredentialsDir))
	}
	return credentials.NewResolver(logger, providers...)
}

// newRelay builds the relay. explicit handles the credentialPath of a
// request: ExplicitFile for the local CLI, ConfinedFile for the server.
func newRelay(cfg *config.Config, cat *catalog.Store, registry *streams.Registry, store *persistence.Store, explicit credentials.Provider, logger *slog.Logger) *relay.Relay {
	opts := relay.Options{
		Catalog:         cat,
		Credentials:     newResolver(cfg, store, explicit, logger),
		Registry:        registry,
		PromptTempDir:   cfg.PromptTempDir,
		StopGrace:       cfg.ProcessStopGrace,
		TailBytes:       cfg.OutputTailBytes,
		MaxDuration:     cfg.StreamMaxDuration,
		FailurePolicy:   cfg.FailurePolicy,
		FailureKeywords: cfg.FailureKeywords,
		Logger:          logger,
	}
	if store != nil {
		opts.Runs = store
	}
	return relay.New(opts)
}
