package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workspace/aitools-relay/internal/auth"
	"github.com/workspace/aitools-relay/internal/catalog"
	"github.com/workspace/aitools-relay/internal/credentials"
	"github.com/workspace/aitools-relay/internal/server"
	"github.com/workspace/aitools-relay/internal/streams"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
			if n, err := store.MarkInterruptedRuns(); err != nil {
				logger.Warn("Failed to mark interrupted runs", "error", err)
			} else if n > 0 {
				logger.Info("Marked runs interrupted by a previous shutdown", "count", n)
			}
			if cfg.RunRetention > 0 {
				if n, err := store.PruneRuns(time.Now().Add(-cfg.RunRetention)); err != nil {
					logger.Warn("Failed to prune run history", "error", err)
				} else if n > 0 {
					logger.Info("Pruned run history", "count", n)
				}
			}
		}

		cat, err := catalog.NewStore(cfg.CatalogFile)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.CatalogWatch && cfg.CatalogFile != "" {
			go func() {
				if err := cat.Watch(ctx, logger); err != nil {
					logger.Error("Catalog watcher stopped", "error", err)
				}
			}()
		}

		var validator *auth.JWTValidator
		if cfg.AuthEnabled() {
			validator, err = auth.NewJWTValidator(ctx, cfg.JWKSEndpoint, cfg.JWTIssuer, cfg.JWTAudience)
			if err != nil {
				return fmt.Errorf("create JWT validator: %w", err)
			}
		} else {
			logger.Warn("Authentication disabled: JWKS_ENDPOINT is not set")
		}

		registry := streams.NewRegistry()
		srv := server.New(server.Options{
			Config:    cfg,
			Relay:     newRelay(cfg, cat, registry, store, credentials.ConfinedFile(cfg.CredentialsDir), logger),
			Catalog:   cat,
			Registry:  registry,
			Store:     store,
			Validator: validator,
			Logger:    logger,
		})

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		case <-ctx.Done():
			logger.Info("Received signal, shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Error("Error during shutdown", "error", err)
		}
		logger.Info("Relay stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
