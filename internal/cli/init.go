package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mhawila/openmrs-module-sync/internal/config"
	"github.com/mhawila/openmrs-module-sync/internal/engine"
	"github.com/mhawila/openmrs-module-sync/internal/store"
)

// InitResult reports the outcome of node initialization.
type InitResult struct {
	NodeUUID string `json:"node_uuid"`
	NodeName string `json:"node_name"`
	DBPath   string `json:"db_path"`
	Seeded   bool   `json:"seeded"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the node database and assign its identity",
		Long: `Create the node database, assign the node a stable identity, and seed
classes and peers from the config file when one is given. Running init
on an existing database is safe: the identity is never reassigned.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(rootOpts, name, cmd)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "node name (required on first init)")
	return cmd
}

func runInit(opts *RootOptions, name string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := cmd.Context()

	s, err := store.Open(opts.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "creating database", err)
	}
	defer s.Close()

	var cfg *config.Config
	if opts.Config != "" {
		if cfg, err = config.Load(opts.Config); err != nil {
			return WrapExitError(ExitCommandError, "loading config", err)
		}
		if name == "" {
			name = cfg.Node
		}
	}
	if name == "" {
		return NewExitError(ExitCommandError, "node name required: pass --name or --config")
	}

	engOpts := engine.Options{Logger: opts.logger(cmd.ErrOrStderr())}
	if cfg != nil {
		engOpts.MaxRetries = cfg.MaxRetries
	}
	e, err := engine.New(ctx, s, engOpts)
	if err != nil {
		return WrapExitError(ExitCommandError, "starting engine", err)
	}

	uuid, err := e.Initialize(ctx, name)
	if err != nil {
		return WrapExitError(ExitCommandError, "initializing node", err)
	}

	seeded := false
	if cfg != nil {
		if err := cfg.Seed(ctx, s); err != nil {
			return WrapExitError(ExitCommandError, "seeding config", err)
		}
		seeded = true
	}

	result := InitResult{NodeUUID: uuid, NodeName: name, DBPath: opts.DBPath, Seeded: seeded}
	if opts.Format == "json" {
		return formatter.Success(result)
	}
	return formatter.Success(fmt.Sprintf("node %q initialized: uuid=%s db=%s", name, uuid, opts.DBPath))
}
