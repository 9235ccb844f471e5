package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/workspace/aitools-relay/internal/catalog"
	"github.com/workspace/aitools-relay/internal/config"
	"github.com/workspace/aitools-relay/internal/credentials"
	"github.com/workspace/aitools-relay/internal/persistence"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage credentials stored in the relay database",
}

var credentialsImportCmd = &cobra.Command{
	Use:   "import <tool> <env-file>",
	Short: "Store every variable of an env file for a tool",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCredentialStore(args[0], func(store *persistence.Store, tool string) error {
			vars, err := credentials.ReadEnvFile(args[1])
			if err != nil {
				return err
			}
			for name, value := range vars {
				if err := store.SetCredential(tool, name, value); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %d variable(s) for %s\n", len(vars), tool)
			return nil
		})
	},
}

var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete <tool> <name>",
	Short: "Remove one stored variable",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCredentialStore(args[0], func(store *persistence.Store, tool string) error {
			return store.DeleteCredential(tool, args[1])
		})
	},
}

var credentialsListCmd = &cobra.Command{
	Use:   "list <tool>",
	Short: "List the names of stored variables (values are never printed)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCredentialStore(args[0], func(store *persistence.Store, tool string) error {
			vars, err := store.Credentials(tool)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(vars))
			for name := range vars {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		})
	},
}

// withCredentialStore opens the database and resolves name to the
// canonical tool name, so aliases share one credential set.
func withCredentialStore(name string, fn func(*persistence.Store, string) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cfg.PersistenceDBPath == "" {
		return fmt.Errorf("PERSISTENCE_DB_PATH is empty: stored credentials are disabled")
	}
	c, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	tool, err := c.Lookup(name)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store, tool.Name)
}

func init() {
	rootCmd.AddCommand(credentialsCmd)
	credentialsCmd.AddCommand(credentialsImportCmd, credentialsDeleteCmd, credentialsListCmd)
}
