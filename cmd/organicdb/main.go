// Package main provides the OrganicDB CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/organicdb/pkg/config"
	"github.com/orneryd/organicdb/pkg/logging"
	"github.com/orneryd/organicdb/pkg/organic"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "organicdb",
		Short: "OrganicDB - organic schema for schemaless entities",
		Long: `OrganicDB learns the schema of schemaless entities from the values
written to them, instead of asking for one up front.

Features:
  • Pattern learning: inferred types, common values and confidence per attribute
  • Gentle validation: suggestions and auto-corrections that never reject a value
  • Implicit relations: entities sharing a module are related without an edge
  • Living documentation generated from what has been learned

Every command prints JSON on stdout. Logs go to stderr.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "YAML config file (defaults plus ORGANICDB_* env when empty)")
	flags.String("data-dir", "./data", "BadgerDB data directory")
	flags.String("backend", "badger", "Storage backend: memory, badger or arango")
	flags.String("log-level", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "OrganicDB v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(
		newSeedCmd(),
		newLearnCmd(),
		newValidateCmd(),
		newCorrectCmd(),
		newDocsCmd(),
		newSuggestCmd(),
		newPropagateCmd(),
		newRelatedCmd(),
		newPathCmd(),
		newAddCmd(),
		newReportCmd(),
		newCleanupCmd(),
	)
	return rootCmd
}

// loadConfig builds the configuration from the config file or environment,
// then applies the persistent flags the user set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	cfg := config.LoadFromEnv()
	path, _ := flags.GetString("config")
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if flags.Changed("data-dir") || cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("backend") {
		cfg.Storage.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("log-level") || path == "" {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	// stdout carries the JSON result.
	if out := strings.ToLower(cfg.Logging.Output); out == "" || out == "stdout" {
		cfg.Logging.Output = "stderr"
	}

	// One-shot commands run cleanups explicitly.
	cfg.Scheduler.Enabled = false
	return cfg, nil
}

// withSystem opens the System for one command and closes it afterwards.
func withSystem(cmd *cobra.Command, fn func(ctx context.Context, sys *organic.System) (any, error)) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sys, err := organic.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}

	out, runErr := fn(ctx, sys)
	if err := sys.Close(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return runErr
	}
	return printJSON(cmd, out)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseValue reads a command-line value as a YAML scalar, so 42 is an
// integer, true a boolean and 2024-05-01 stays a date string.
func parseValue(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	switch v.(type) {
	case map[string]any, []any:
		return v
	case string, int, float64, bool:
		return v
	}
	// Timestamps and other YAML-native types keep their literal form.
	return raw
}
