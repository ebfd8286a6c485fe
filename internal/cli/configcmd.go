package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mhawila/openmrs-module-sync/internal/config"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with node configuration",
	}
	cmd.AddCommand(newConfigValidateCommand(rootOpts))
	return cmd
}

func newConfigValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "validate <config-file>",
		Short:         "Validate a config file against the schema",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)

			cfg, err := config.Load(args[0])
			if err != nil {
				var le *config.LoadError
				if errors.As(err, &le) {
					formatter.Error(le.Code, le.Message, nil)
				} else {
					formatter.Error("CONFIG_INVALID", err.Error(), nil)
				}
				return NewExitError(ExitFailure, "config invalid")
			}

			if rootOpts.Format == "json" {
				return formatter.Success(map[string]any{
					"valid":   true,
					"node":    cfg.Node,
					"classes": len(cfg.Classes),
					"servers": len(cfg.Servers),
				})
			}
			return formatter.Success(fmt.Sprintf("config valid: node=%s classes=%d servers=%d",
				cfg.Node, len(cfg.Classes), len(cfg.Servers)))
		},
	}
}
