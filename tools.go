package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/workspace/aitools-relay/internal/catalog"
	"github.com/workspace/aitools-relay/internal/config"
)

var toolsJSON bool

type toolStatus struct {
	catalog.Tool
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List catalog tools and whether they are installed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		c, err := catalog.Load(cfg.CatalogFile)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}

		var out []toolStatus
		for _, t := range c.Tools() {
			_, path, err := c.Resolve(t.Name)
			out = append(out, toolStatus{Tool: t, Installed: err == nil, Path: path})
		}

		if toolsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}
		return printTools(cmd.OutOrStdout(), out)
	},
}

func printTools(w io.Writer, tools []toolStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tCLASS\tINSTALLED\tALIASES")
	for _, t := range tools {
		installed := "no"
		if t.Installed {
			installed = t.Path
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.Name, t.Kind, t.Class, installed, strings.Join(t.Aliases, ","))
	}
	return tw.Flush()
}

func init() {
	rootCmd.AddCommand(toolsCmd)
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "Output as JSON")
}
