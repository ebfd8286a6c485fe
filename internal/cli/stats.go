package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// StatView is the serializable view of one statistics bucket.
type StatView struct {
	ServerUUID string `json:"server_uuid,omitempty"`
	ServerName string `json:"server_name"`
	State      string `json:"state"`
	Count      int64  `json:"count"`
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:           "stats",
		Short:         "Show record counts per peer and state",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)

			var fromT, toT time.Time
			var err error
			if from != "" {
				if fromT, err = time.Parse(time.RFC3339, from); err != nil {
					return WrapExitError(ExitCommandError, "invalid --from timestamp (want RFC3339)", err)
				}
			}
			if to != "" {
				if toT, err = time.Parse(time.RFC3339, to); err != nil {
					return WrapExitError(ExitCommandError, "invalid --to timestamp (want RFC3339)", err)
				}
			}

			e, s, err := rootOpts.openEngine(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			stats, err := e.Statistics(cmd.Context(), fromT, toT)
			if err != nil {
				return WrapExitError(ExitCommandError, "computing statistics", err)
			}

			views := make([]StatView, len(stats))
			for i, st := range stats {
				views[i] = StatView{
					ServerUUID: st.ServerUUID,
					ServerName: st.ServerName,
					State:      string(st.State),
					Count:      st.Count,
				}
			}
			if rootOpts.Format == "json" {
				return formatter.Success(views)
			}
			if len(views) == 0 {
				return formatter.Success("no records in window")
			}
			var b strings.Builder
			for _, v := range views {
				fmt.Fprintf(&b, "%s\t%s\t%d\n", v.ServerName, v.State, v.Count)
			}
			return formatter.Success(strings.TrimRight(b.String(), "\n"))
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "window start, exclusive (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "window end, inclusive (RFC3339)")
	return cmd
}
