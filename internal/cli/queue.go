package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mhawila/openmrs-module-sync/internal/record"
)

// QueueRecordView is the serializable view of one queued record.
type QueueRecordView struct {
	RecordID     int64  `json:"record_id"`
	UUID         string `json:"uuid"`
	OriginalUUID string `json:"original_uuid"`
	Origin       string `json:"origin,omitempty"`
	Timestamp    string `json:"timestamp"`
	State        string `json:"state"`
	RetryCount   int    `json:"retry_count"`
	Changes      int    `json:"changes"`
}

func viewOf(r *record.SyncRecord) QueueRecordView {
	return QueueRecordView{
		RecordID:     r.RecordID,
		UUID:         r.UUID,
		OriginalUUID: r.OriginalUUID,
		Origin:       r.OriginServerUUID,
		Timestamp:    r.Timestamp.UTC().Format(time.RFC3339),
		State:        string(r.State),
		RetryCount:   r.RetryCount,
		Changes:      len(r.Changes),
	}
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and administer the outbound record queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueNextCommand(rootOpts))
	cmd.AddCommand(newQueueAckCommand(rootOpts))
	cmd.AddCommand(newQueuePurgeCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	var states []string
	var invert bool
	var server string
	var fromStr, toStr string
	var cursor int64
	var limit int
	var descending bool

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List records by state or time window",
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

			var records []*record.SyncRecord
			if fromStr != "" || toStr != "" {
				from, to, err := parseWindow(fromStr, toStr)
				if err != nil {
					return err
				}
				records, err = e.Queue().ListByTimeRange(cmd.Context(), from, to, cursor, limit, !descending)
				if err != nil {
					return WrapExitError(ExitCommandError, "listing records", err)
				}
			} else {
				filter := make([]record.State, 0, len(states))
				for _, st := range states {
					filter = append(filter, record.State(strings.ToUpper(st)))
				}
				if len(filter) == 0 {
					filter = record.QueueStates
				}
				records, err = e.Queue().ListByState(cmd.Context(), filter, invert, server)
				if err != nil {
					return WrapExitError(ExitCommandError, "listing records", err)
				}
			}

			views := make([]QueueRecordView, len(records))
			for i, r := range records {
				views[i] = viewOf(r)
			}
			if rootOpts.Format == "json" {
				return formatter.Success(views)
			}
			if len(views) == 0 {
				return formatter.Success("queue empty")
			}
			var b strings.Builder
			for _, v := range views {
				fmt.Fprintf(&b, "%d\t%s\t%s\tretries=%d\tchanges=%d\n",
					v.RecordID, v.State, v.UUID, v.RetryCount, v.Changes)
			}
			return formatter.Success(strings.TrimRight(b.String(), "\n"))
		},
	}

	cmd.Flags().StringSliceVar(&states, "state", nil, "states to match (default: NEW,PENDING_SEND)")
	cmd.Flags().BoolVar(&invert, "invert", false, "match records NOT in the given states")
	cmd.Flags().StringVar(&server, "server", "", "scope to records received from this peer uuid")
	cmd.Flags().StringVar(&fromStr, "from", "", "window lower bound, exclusive (RFC3339)")
	cmd.Flags().StringVar(&toStr, "to", "", "window upper bound, inclusive (RFC3339)")
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "resume pagination at this record id")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of records returned")
	cmd.Flags().BoolVar(&descending, "desc", false, "scan newest first")
	return cmd
}

// parseWindow parses optional RFC3339 bounds; an empty string leaves
// that bound open.
func parseWindow(fromStr, toStr string) (time.Time, time.Time, error) {
	var from, to time.Time
	var err error
	if fromStr != "" {
		if from, err = time.Parse(time.RFC3339, fromStr); err != nil {
			return from, to, NewExitError(ExitCommandError, fmt.Sprintf("invalid --from: %v", err))
		}
	}
	if toStr != "" {
		if to, err = time.Parse(time.RFC3339, toStr); err != nil {
			return from, to, NewExitError(ExitCommandError, fmt.Sprintf("invalid --to: %v", err))
		}
	}
	return from, to, nil
}

func newQueueNextCommand(rootOpts *RootOptions) *cobra.Command {
	var dest string

	cmd := &cobra.Command{
		Use:           "next",
		Short:         "Claim the next record for transport to a peer",
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

			r, err := e.NextForTransport(cmd.Context(), dest)
			if err != nil {
				return WrapExitError(ExitCommandError, "claiming record", err)
			}
			if r == nil {
				if rootOpts.Format == "json" {
					return formatter.Success(nil)
				}
				return formatter.Success("queue empty")
			}

			payload, err := record.Marshal(r)
			if err != nil {
				return WrapExitError(ExitCommandError, "serializing record", err)
			}
			if rootOpts.Format == "json" {
				return formatter.Success(map[string]any{
					"record":  viewOf(r),
					"payload": string(payload),
				})
			}
			return formatter.Success(string(payload))
		},
	}

	cmd.Flags().StringVar(&dest, "dest", "", "destination peer uuid")
	return cmd
}

func newQueueAckCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ack <record-id> <outcome>",
		Short:         "Apply a peer's reported outcome to a claimed record",
		Long:          "Outcome is one of COMMITTED, ALREADY_COMMITTED, FAILED, CONFLICT.",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			recordID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid record id", err)
			}
			outcome := record.ImportState(strings.ToUpper(args[1]))

			e, s, err := rootOpts.openEngine(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			state, err := e.Acknowledge(cmd.Context(), recordID, outcome)
			if err != nil {
				return WrapExitError(ExitFailure, "acknowledging record", err)
			}
			if rootOpts.Format == "json" {
				return formatter.Success(map[string]any{
					"record_id": recordID,
					"state":     string(state),
				})
			}
			return formatter.Success(fmt.Sprintf("record %d -> %s", recordID, state))
		},
	}
	return cmd
}

func newQueuePurgeCommand(rootOpts *RootOptions) *cobra.Command {
	var before string
	var states []string

	cmd := &cobra.Command{
		Use:           "purge",
		Short:         "Delete terminal records older than a cutoff",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			cutoff, err := time.Parse(time.RFC3339, before)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --before timestamp (want RFC3339)", err)
			}

			filter := make([]record.State, 0, len(states))
			for _, st := range states {
				filter = append(filter, record.State(strings.ToUpper(st)))
			}
			if len(filter) == 0 {
				filter = record.TerminalStates
			}

			e, s, err := rootOpts.openEngine(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := e.Queue().Purge(cmd.Context(), filter, cutoff)
			if err != nil {
				return WrapExitError(ExitCommandError, "purging records", err)
			}
			if rootOpts.Format == "json" {
				return formatter.Success(map[string]any{"purged": n})
			}
			return formatter.Success(fmt.Sprintf("purged %d record(s)", n))
		},
	}

	cmd.Flags().StringVar(&before, "before", "", "cutoff timestamp, RFC3339 (required)")
	cmd.Flags().StringSliceVar(&states, "state", nil, "states to purge (default: COMMITTED,FAILED)")
	cmd.MarkFlagRequired("before")
	return cmd
}
