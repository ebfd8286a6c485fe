package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mhawila/openmrs-module-sync/internal/record"
	"github.com/mhawila/openmrs-module-sync/internal/store"
)

// ServerView is the serializable view of one peer.
type ServerView struct {
	ServerID int64  `json:"server_id"`
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Username string `json:"username,omitempty"`
	Address  string `json:"address,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// NewServersCommand creates the servers command group.
func NewServersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage the peer registry",
	}
	cmd.AddCommand(newServersListCommand(rootOpts))
	cmd.AddCommand(newServersAddCommand(rootOpts))
	cmd.AddCommand(newServersRemoveCommand(rootOpts))
	return cmd
}

func newServersListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List known peers, parent first",
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

			list, err := e.Peers().List(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "listing peers", err)
			}

			views := make([]ServerView, len(list))
			for i, srv := range list {
				views[i] = ServerView{
					ServerID: srv.ServerID,
					UUID:     srv.UUID,
					Name:     srv.Name,
					Role:     string(srv.Role),
					Username: srv.Username,
					Address:  srv.Address,
					Disabled: srv.Disabled,
				}
			}
			if rootOpts.Format == "json" {
				return formatter.Success(views)
			}
			if len(views) == 0 {
				return formatter.Success("no peers registered")
			}
			var b strings.Builder
			for _, v := range views {
				fmt.Fprintf(&b, "%s\t%s\t%s", v.Role, v.UUID, v.Name)
				if v.Disabled {
					b.WriteString("\t(disabled)")
				}
				b.WriteString("\n")
			}
			return formatter.Success(strings.TrimRight(b.String(), "\n"))
		},
	}
}

func newServersAddCommand(rootOpts *RootOptions) *cobra.Command {
	srv := &record.RemoteServer{}
	var role string

	cmd := &cobra.Command{
		Use:           "add",
		Short:         "Add or update a peer",
		Long:          "Adding a PARENT replaces any existing parent relationship.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			srv.Role = record.ServerRole(strings.ToUpper(role))

			e, s, err := rootOpts.openEngine(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := e.Peers().Save(cmd.Context(), srv); err != nil {
				return WrapExitError(ExitFailure, "saving peer", err)
			}
			if rootOpts.Format == "json" {
				return formatter.Success(map[string]any{"uuid": srv.UUID, "server_id": srv.ServerID})
			}
			return formatter.Success(fmt.Sprintf("peer %s saved as %s", srv.Name, srv.Role))
		},
	}

	cmd.Flags().StringVar(&srv.UUID, "uuid", "", "peer uuid (required)")
	cmd.Flags().StringVar(&srv.Name, "name", "", "peer name (required)")
	cmd.Flags().StringVar(&role, "role", "CHILD", "PARENT or CHILD")
	cmd.Flags().StringVar(&srv.Username, "username", "", "inbound auth username (children)")
	cmd.Flags().StringVar(&srv.Address, "address", "", "transport address")
	cmd.Flags().BoolVar(&srv.Disabled, "disabled", false, "register disabled")
	cmd.MarkFlagRequired("uuid")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newServersRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:           "rm <uuid>",
		Short:         "Remove a peer",
		Long:          "Removal is refused while records from the peer are still queued; pass --force to remove anyway.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			e, s, err := rootOpts.openEngine(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := e.Peers().Delete(cmd.Context(), args[0], force); err != nil {
				if errors.Is(err, store.ErrServerHasQueuedRecords) {
					return WrapExitError(ExitFailure,
						"peer still has queued records, pass --force to remove anyway", err)
				}
				return WrapExitError(ExitFailure, "removing peer", err)
			}
			if rootOpts.Format == "json" {
				return formatter.Success(map[string]any{"uuid": args[0], "removed": true})
			}
			return formatter.Success(fmt.Sprintf("peer %s removed", args[0]))
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "remove even with queued records")
	return cmd
}
