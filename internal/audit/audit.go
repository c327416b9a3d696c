// Package audit finds activities attached to a member that no longer owns
// the activity's platform username.
package audit

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/khalifapro/crowd.dev/internal/repository"
	"github.com/khalifapro/crowd.dev/internal/review"
)

const defaultPageSize = 500

// Stats summarizes an audit run.
type Stats struct {
	Checked     int64
	WrongMember int64
	Unowned     int64
}

// Auditor compares activity usernames with their current owners.
type Auditor struct {
	store       repository.Store
	review      review.Sink
	pageSize    int
	concurrency int
	logger      *zap.Logger
}

// NewAuditor creates a new wrong-member auditor
func NewAuditor(store repository.Store, sink review.Sink, pageSize, concurrency int, logger *zap.Logger) *Auditor {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Auditor{
		store:       store,
		review:      sink,
		pageSize:    pageSize,
		concurrency: concurrency,
		logger:      logger.Named("audit"),
	}
}

// Run pages through distinct activity usernames of tenantID (all tenants when
// empty) and reports those owned by a different member. It never writes to
// the database.
func (a *Auditor) Run(ctx context.Context, tenantID string) (Stats, error) {
	var checked, wrong, unowned atomic.Int64

	var after *repository.MemberUsername
	for {
		page, err := a.store.ListMemberUsernamesAfter(ctx, tenantID, after, a.pageSize)
		if err != nil {
			return Stats{}, err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.concurrency)
		for _, mu := range page {
			mu := mu
			g.Go(func() error {
				owner, err := a.owner(gctx, mu)
				if err != nil {
					return err
				}
				checked.Add(1)
				switch owner {
				case "":
					unowned.Add(1)
					a.logger.Debug("Activity username has no owner",
						zap.String("tenant_id", mu.TenantID),
						zap.String("member_id", mu.MemberID),
						zap.String("platform", mu.Platform))
				case mu.MemberID:
				default:
					wrong.Add(1)
					return a.review.WrongMember(gctx, review.WrongMemberRecord{
						TenantID:      mu.TenantID,
						MemberID:      mu.MemberID,
						OwnerMemberID: owner,
						Platform:      mu.Platform,
						Username:      mu.Username,
					})
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Stats{}, err
		}

		if len(page) < a.pageSize {
			break
		}
		last := page[len(page)-1]
		after = &last
	}

	stats := Stats{Checked: checked.Load(), WrongMember: wrong.Load(), Unowned: unowned.Load()}
	a.logger.Info("Wrong-member audit finished",
		zap.Int64("checked", stats.Checked),
		zap.Int64("wrong_member", stats.WrongMember),
		zap.Int64("unowned", stats.Unowned),
	)
	return stats, nil
}

func (a *Auditor) owner(ctx context.Context, mu repository.MemberUsername) (string, error) {
	var owner string
	err := a.store.Transactionally(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		m, err := uow.Members().FindByUsername(ctx, mu.TenantID, mu.Platform, mu.Username)
		if err != nil {
			return err
		}
		if m != nil {
			owner = m.ID
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to look up owner of %s username: %w", mu.Platform, err)
	}
	return owner, nil
}
