package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mhawila/openmrs-module-sync/internal/record"
)

// ImportView is the serializable view of one import record.
type ImportView struct {
	ImportID     int64  `json:"import_id"`
	OriginalUUID string `json:"original_uuid"`
	Source       string `json:"source,omitempty"`
	State        string `json:"state"`
	ErrorDetail  string `json:"error_detail,omitempty"`
	AppliedAt    string `json:"applied_at"`
}

// NewImportsCommand creates the imports command group.
func NewImportsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imports",
		Short: "Inspect the import records of applied incoming changes",
	}
	cmd.AddCommand(newImportsListCommand(rootOpts))
	return cmd
}

func newImportsListCommand(rootOpts *RootOptions) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List import records by state",
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

			st := record.ImportState(strings.ToUpper(state))
			if !st.Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid import state %q", state))
			}

			imports, err := e.Store().ListImportsByState(cmd.Context(), st)
			if err != nil {
				return WrapExitError(ExitCommandError, "listing imports", err)
			}

			views := make([]ImportView, len(imports))
			for i, imp := range imports {
				views[i] = ImportView{
					ImportID:     imp.ImportID,
					OriginalUUID: imp.OriginalUUID,
					Source:       imp.SourceServerUUID,
					State:        string(imp.State),
					ErrorDetail:  imp.ErrorDetail,
					AppliedAt:    imp.AppliedAt.UTC().Format(time.RFC3339),
				}
			}
			if rootOpts.Format == "json" {
				return formatter.Success(views)
			}
			if len(views) == 0 {
				return formatter.Success("no import records")
			}
			var b strings.Builder
			for _, v := range views {
				fmt.Fprintf(&b, "%d\t%s\t%s\t%s\n", v.ImportID, v.State, v.OriginalUUID, v.ErrorDetail)
			}
			return formatter.Success(strings.TrimRight(b.String(), "\n"))
		},
	}

	cmd.Flags().StringVar(&state, "state", "COMMITTED", "import state to match")
	return cmd
}
