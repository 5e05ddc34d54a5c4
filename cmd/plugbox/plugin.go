package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/plugbox/internal/log"
	"github.com/mattjoyce/plugbox/internal/plugin"
)

func newPluginCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Inspect discovered plugins",
	}

	var jsonOut bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List plugins found under plugins_dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			log.Setup(cfg.Service.LogLevel, "text", os.Stderr)
			logger := log.WithComponent("plugin")

			registry, err := plugin.Discover(cfg.PluginsDir, func(level, msg string, args ...any) {
				logger.Log(cmd.Context(), log.ParseLevel(level), msg, args...)
			})
			if err != nil {
				return err
			}

			type row struct {
				Name        string `json:"name"`
				Version     string `json:"version"`
				Description string `json:"description,omitempty"`
				Path        string `json:"path"`
				Digest      string `json:"digest"`
			}
			var rows []row
			for _, name := range registry.Names() {
				p, _ := registry.Get(name)
				digest, err := plugin.Digest(p.Path)
				if err != nil {
					digest = "error: " + err.Error()
				}
				rows = append(rows, row{Name: p.Name, Version: p.Version, Description: p.Description, Path: p.Path, Digest: digest})
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if rows == nil {
					rows = []row{}
				}
				return enc.Encode(rows)
			}
			if len(rows) == 0 {
				fmt.Fprintf(out, "No plugins found in %s\n", cfg.PluginsDir)
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tDIGEST\tDESCRIPTION")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%.12s\t%s\n", r.Name, r.Version, r.Digest, r.Description)
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")

	cmd.AddCommand(list)
	return cmd
}
