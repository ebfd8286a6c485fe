package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	var out, childUUID string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Write a provisioning snapshot for a new child node",
		Long: `Write a SQL snapshot that bootstraps a new child: shared reference data
with the child's identity embedded and all replication history stripped.
Without --child-uuid a fresh identity is assigned and printed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			e, s, err := rootOpts.openEngine(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return WrapExitError(ExitCommandError, "creating snapshot file", err)
				}
				defer f.Close()
				w = f
			}

			assigned, err := e.SnapshotForNewChild(cmd.Context(), w, childUUID)
			if err != nil {
				return WrapExitError(ExitCommandError, "writing snapshot", err)
			}

			if out != "" {
				if rootOpts.Format == "json" {
					return formatter.Success(map[string]any{"child_uuid": assigned, "path": out})
				}
				return formatter.Success(fmt.Sprintf("snapshot for child %s written to %s", assigned, out))
			}
			// Snapshot went to stdout; report the identity on stderr.
			fmt.Fprintf(cmd.ErrOrStderr(), "child uuid: %s\n", assigned)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "write to file instead of stdout")
	cmd.Flags().StringVar(&childUUID, "child-uuid", "", "use this child identity instead of assigning one")
	return cmd
}
