// Package cli implements the syncd command tree: node initialization,
// queue administration, manual ingest, peer management, statistics,
// child provisioning, and config validation.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mhawila/openmrs-module-sync/internal/config"
	"github.com/mhawila/openmrs-module-sync/internal/engine"
	"github.com/mhawila/openmrs-module-sync/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	DBPath  string
	Config  string
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the syncd CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncd",
		Short: "syncd - star-topology database replication node",
		Long: "syncd replicates captured data changes between a parent node and its\n" +
			"children: it queues locally captured records, applies incoming records\n" +
			"idempotently, and provisions new children from snapshots.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "sync.db", "path to the node database")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "path to the node config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewImportsCommand(opts))
	cmd.AddCommand(NewServersCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// formatter builds the output formatter for one command invocation.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// logger builds the structured logger; verbose lowers the level to
// Debug. Logs always go to stderr so JSON output stays clean.
func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openEngine opens the node database and builds the engine, applying
// the config file when one is given.
func (o *RootOptions) openEngine(ctx context.Context, cmd *cobra.Command) (*engine.Engine, *store.Store, error) {
	if _, err := os.Stat(o.DBPath); err != nil {
		return nil, nil, WrapExitError(ExitCommandError,
			fmt.Sprintf("database not found at %s (run syncd init first)", o.DBPath), err)
	}

	s, err := store.Open(o.DBPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "opening database", err)
	}

	opts := engine.Options{Logger: o.logger(cmd.ErrOrStderr())}
	if o.Config != "" {
		cfg, err := config.Load(o.Config)
		if err != nil {
			s.Close()
			return nil, nil, WrapExitError(ExitCommandError, "loading config", err)
		}
		opts.MaxRetries = cfg.MaxRetries
	}

	e, err := engine.New(ctx, s, opts)
	if err != nil {
		s.Close()
		return nil, nil, WrapExitError(ExitCommandError, "starting engine", err)
	}
	return e, s, nil
}
