package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/khalifapro/crowd.dev/internal/audit"
)

// NewCheckActivitiesCommand creates the check-activities command.
func NewCheckActivitiesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &batchOptions{}

	cmd := &cobra.Command{
		Use:   "check-activities",
		Short: "Report activities attached to a member that does not own their username",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			opts.resolve(cmd, rootOpts)
			logger := rootOpts.Logger

			store, closeStore, err := rootOpts.Env.OpenStore(rootOpts.Config, logger)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer closeStore()

			sink := opts.sink(logger)
			defer func() {
				if cerr := sink.Close(); cerr != nil && err == nil {
					err = fmt.Errorf("failed to write review file: %w", cerr)
				}
			}()

			stats, err := audit.NewAuditor(store, sink, opts.pageSize, opts.concurrency, logger).Run(cmd.Context(), opts.tenantID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked=%d wrong_member=%d unowned=%d\n",
				stats.Checked, stats.WrongMember, stats.Unowned)
			return nil
		},
	}

	opts.register(cmd)
	return cmd
}
