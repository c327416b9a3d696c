package reconciler

import (
	"context"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/khalifapro/crowd.dev/internal/domain"
	"github.com/khalifapro/crowd.dev/internal/repository"
)

const (
	DefaultPageSize    = 500
	DefaultConcurrency = 3
)

// DriverConfig tunes a reconciliation run.
type DriverConfig struct {
	PageSize    int
	Concurrency int
	// TenantID limits the run to one tenant when set.
	TenantID string
	// Types limits the run to the given identity types when set.
	Types []domain.OrganizationIdentityType
}

// Stats summarizes a run.
type Stats struct {
	Processed   int64
	Updated     int64
	Deleted     int64
	Unverified  int64
	Suggestions int64
	Reviewed    int64
	Errors      int64
}

type statsAccumulator struct {
	mu    sync.Mutex
	stats Stats
}

func (a *statsAccumulator) add(o Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Processed++
	a.stats.Updated += int64(o.Updated)
	a.stats.Deleted += int64(o.Deleted)
	a.stats.Unverified += int64(o.Unverified)
	if o.Suggested {
		a.stats.Suggestions++
	}
	if o.Reviewed {
		a.stats.Reviewed++
	}
}

func (a *statsAccumulator) failed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Processed++
	a.stats.Errors++
}

func (a *statsAccumulator) snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Driver pages through organization identities and feeds them to a Reconciler.
// Rows are sharded by tenant; each shard is processed sequentially.
type Driver struct {
	store      repository.Store
	reconciler *Reconciler
	config     DriverConfig
	logger     *zap.Logger
}

// NewDriver creates a new reconciliation driver
func NewDriver(store repository.Store, reconciler *Reconciler, config DriverConfig, logger *zap.Logger) *Driver {
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	return &Driver{
		store:      store,
		reconciler: reconciler,
		config:     config,
		logger:     logger.Named("reconcile-driver"),
	}
}

// Run scans every matching identity once. An invariant violation stops the
// run and is returned together with the stats gathered so far; other per-row
// errors are logged and counted.
func (d *Driver) Run(ctx context.Context) (Stats, error) {
	acc := &statsAccumulator{}
	g, gctx := errgroup.WithContext(ctx)

	shards := make([]chan domain.OrganizationIdentity, d.config.Concurrency)
	for i := range shards {
		shards[i] = make(chan domain.OrganizationIdentity, d.config.PageSize)
		shard := shards[i]
		g.Go(func() error {
			return d.work(gctx, shard, acc)
		})
	}

	g.Go(func() error {
		defer func() {
			for _, shard := range shards {
				close(shard)
			}
		}()
		return d.scan(gctx, shards)
	})

	err := g.Wait()
	stats := acc.snapshot()
	d.logger.Info("Organization identity reconciliation finished",
		zap.Int64("processed", stats.Processed),
		zap.Int64("updated", stats.Updated),
		zap.Int64("deleted", stats.Deleted),
		zap.Int64("unverified", stats.Unverified),
		zap.Int64("suggestions", stats.Suggestions),
		zap.Int64("reviewed", stats.Reviewed),
		zap.Int64("errors", stats.Errors),
		zap.Error(err),
	)
	return stats, err
}

func (d *Driver) scan(ctx context.Context, shards []chan domain.OrganizationIdentity) error {
	filter := repository.OrganizationIdentityFilter{TenantID: d.config.TenantID, Types: d.config.Types}
	var cursor *repository.Cursor
	for page := 1; ; page++ {
		rows, err := d.store.ListOrganizationIdentitiesAfter(ctx, filter, cursor, d.config.PageSize)
		if err != nil {
			return err
		}
		d.logger.Debug("Fetched identity page", zap.Int("page", page), zap.Int("rows", len(rows)))
		for _, row := range rows {
			select {
			case shards[shardOf(row.TenantID, len(shards))] <- row:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if len(rows) < d.config.PageSize {
			return nil
		}
		cursor = repository.CursorOf(rows[len(rows)-1])
	}
}

func (d *Driver) work(ctx context.Context, rows <-chan domain.OrganizationIdentity, acc *statsAccumulator) error {
	for row := range rows {
		if ctx.Err() != nil {
			continue
		}
		outcome, err := d.reconciler.Reconcile(ctx, row)
		if err == nil {
			acc.add(outcome)
			continue
		}
		if errors.Is(err, repository.ErrInvariantViolation) {
			d.logger.Error("Invariant violation, aborting run",
				zap.String("tenant_id", row.TenantID),
				zap.String("identity_id", row.ID),
				zap.Error(err))
			return err
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		acc.failed()
		d.logger.Error("Failed to reconcile identity",
			zap.String("tenant_id", row.TenantID),
			zap.String("identity_id", row.ID),
			zap.Error(err))
	}
	return nil
}

func shardOf(tenantID string, n int) int {
	return int(xxhash.Sum64String(tenantID) % uint64(n))
}
