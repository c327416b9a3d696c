package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/khalifapro/crowd.dev/internal/domain"
	"github.com/khalifapro/crowd.dev/internal/reconciler"
	"github.com/khalifapro/crowd.dev/internal/review"
)

// batchOptions are the flags shared by the batch commands. Unset flags fall
// back to the RECONCILE_* environment.
type batchOptions struct {
	pageSize    int
	concurrency int
	tenantID    string
	reviewFile  string
}

func (o *batchOptions) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&o.pageSize, "page-size", reconciler.DefaultPageSize, "rows per keyset page")
	cmd.Flags().IntVar(&o.concurrency, "concurrency", reconciler.DefaultConcurrency, "parallel workers")
	cmd.Flags().StringVar(&o.tenantID, "tenant", "", "only process this tenant")
	cmd.Flags().StringVar(&o.reviewFile, "review-file", "", "xlsx workbook receiving manual-review rows")
}

func (o *batchOptions) resolve(cmd *cobra.Command, rootOpts *RootOptions) {
	cfg := rootOpts.Config.Reconcile
	if !cmd.Flags().Changed("page-size") {
		o.pageSize = cfg.PageSize
	}
	if !cmd.Flags().Changed("concurrency") {
		o.concurrency = cfg.Concurrency
	}
	if !cmd.Flags().Changed("tenant") {
		o.tenantID = cfg.TenantID
	}
	if !cmd.Flags().Changed("review-file") {
		o.reviewFile = cfg.ReviewFile
	}
}

func (o *batchOptions) sink(logger *zap.Logger) review.Sink {
	sinks := review.MultiSink{review.NewLogSink(logger)}
	if o.reviewFile != "" {
		sinks = append(sinks, review.NewWorkbookSink(o.reviewFile))
	}
	return sinks
}

// NewReconcileCommand creates the reconcile-org-identities command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &batchOptions{}
	var types []string

	cmd := &cobra.Command{
		Use:   "reconcile-org-identities",
		Short: "Normalize organization identities and resolve verified collisions",
		Long: `Normalize every organization identity value, delete duplicates and
invalid unverified values, and unverify the weaker side of verified
collisions while recording a merge suggestion. Cases that need a human
decision are written to the review workbook.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.resolve(cmd, rootOpts)
			return runReconcile(cmd, rootOpts, opts, types)
		},
	}

	opts.register(cmd)
	cmd.Flags().StringSliceVar(&types, "type", nil, "identity types to process (default all)")

	return cmd
}

func runReconcile(cmd *cobra.Command, rootOpts *RootOptions, opts *batchOptions, types []string) (err error) {
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

	identityTypes := make([]domain.OrganizationIdentityType, 0, len(types))
	for _, t := range types {
		identityTypes = append(identityTypes, domain.OrganizationIdentityType(t))
	}

	driver := reconciler.NewDriver(store, reconciler.NewReconciler(store, sink, logger), reconciler.DriverConfig{
		PageSize:    opts.pageSize,
		Concurrency: opts.concurrency,
		TenantID:    opts.tenantID,
		Types:       identityTypes,
	}, logger)

	stats, err := driver.Run(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(),
		"processed=%d updated=%d deleted=%d unverified=%d suggestions=%d reviewed=%d errors=%d\n",
		stats.Processed, stats.Updated, stats.Deleted, stats.Unverified, stats.Suggestions, stats.Reviewed, stats.Errors)
	return err
}
