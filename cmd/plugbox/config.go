package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/plugbox/internal/config"
)

const redacted = "REDACTED"

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and lock configuration",
	}
	cmd.AddCommand(newConfigShowCmd(flags), newConfigLockCmd(flags))
	return cmd
}

func newConfigShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cfg.API.APIKey != "" {
				cfg.API.APIKey = redacted
			}
			out := cmd.OutOrStdout()
			for _, f := range cfg.SourceFiles {
				fmt.Fprintf(out, "# source: %s\n", f)
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func newConfigLockCmd(flags *globalFlags) *cobra.Command {
	var (
		dryRun  bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Write .checksums manifests for the config and its includes",
		Long: `Lock hashes the config file and every file it includes with BLAKE3 and
writes a .checksums manifest into each directory involved. Once a manifest
exists, loading refuses files whose hash no longer matches.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.configPath
			if path == "" {
				found, err := config.DiscoverConfigDir()
				if err != nil {
					return err
				}
				path = found
			}

			report, err := config.Lock(path, dryRun)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if verbose {
				for _, f := range report.Files {
					fmt.Fprintf(out, "  HASH %s: %s\n", filepath.Base(f.Path), f.Hash)
				}
			}
			verb := "Wrote"
			if !report.Written {
				verb = "Would write"
			}
			for _, m := range report.Manifests {
				fmt.Fprintf(out, "%s %s\n", verb, m)
			}
			fmt.Fprintf(out, "%d file(s) hashed\n", len(report.Files))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute hashes without writing manifests")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print each file hash")
	return cmd
}
