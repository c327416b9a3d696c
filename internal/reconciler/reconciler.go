// Package reconciler normalizes stored organization identities and resolves
// the collisions that normalization uncovers.
package reconciler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/khalifapro/crowd.dev/internal/domain"
	"github.com/khalifapro/crowd.dev/internal/identity"
	"github.com/khalifapro/crowd.dev/internal/repository"
	"github.com/khalifapro/crowd.dev/internal/review"
)

// MergeSimilarity is the similarity recorded on suggestions raised by a shared verified identity.
const MergeSimilarity = 0.95

// Outcome describes the mutations made for one identity row.
type Outcome struct {
	Updated    int
	Deleted    int
	Unverified int
	Suggested  bool
	Reviewed   bool
}

// Reconciler handles one organization identity per transaction.
type Reconciler struct {
	store  repository.Store
	review review.Sink
	logger *zap.Logger
}

// NewReconciler creates a new organization identity reconciler
func NewReconciler(store repository.Store, sink review.Sink, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		review: sink,
		logger: logger.Named("reconciler"),
	}
}

// Reconcile brings row to its canonical value. Rows that cannot be handled
// safely are sent to the review sink after the transaction commits.
func (r *Reconciler) Reconcile(ctx context.Context, row domain.OrganizationIdentity) (Outcome, error) {
	logger := r.logger.With(
		zap.String("tenant_id", row.TenantID),
		zap.String("organization_id", row.OrganizationID),
		zap.String("identity_id", row.ID),
		zap.String("type", string(row.Type)),
	)

	newValue, err := identity.Normalize(row.Type, row.Value)
	if errors.Is(err, identity.ErrInvalid) {
		return r.invalid(ctx, row, logger)
	}
	if err != nil {
		return Outcome{}, err
	}
	if newValue == row.Value {
		return Outcome{}, nil
	}

	var (
		outcome   Outcome
		collision *review.CollisionRecord
	)
	err = r.store.Transactionally(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		outcome, collision = Outcome{}, nil

		matches, err := uow.OrganizationIdentities().FindMatching(ctx, row.TenantID, row.Platform, row.Type, row.Verified, newValue)
		if err != nil {
			return err
		}
		if row.Verified && len(matches) > 1 {
			return fmt.Errorf("%w: %d verified %s identities with value %q", repository.ErrInvariantViolation, len(matches), row.Type, newValue)
		}

		for _, m := range matches {
			if m.OrganizationID == row.OrganizationID {
				logger.Debug("Normalized value already present on the organization, deleting duplicate")
				outcome.Deleted++
				return uow.OrganizationIdentities().Delete(ctx, row)
			}
		}

		if len(matches) == 0 || !row.Verified {
			logger.Debug("Updating identity value", zap.String("new_value", newValue))
			outcome.Updated++
			return uow.OrganizationIdentities().UpdateValue(ctx, row, newValue)
		}

		other := matches[0]
		primary, err := choosePrimary(ctx, uow, row.TenantID, row.OrganizationID, other.OrganizationID)
		if err != nil {
			return err
		}
		if primary == "" {
			logger.Info("Both organizations are LFX members, leaving collision for review",
				zap.String("other_organization_id", other.OrganizationID))
			collision = &review.CollisionRecord{
				IdentityRecord:      record(row, newValue, "verified identity shared by two LFX members"),
				OtherOrganizationID: other.OrganizationID,
			}
			outcome.Reviewed = true
			return nil
		}

		var loser string
		if primary == row.OrganizationID {
			loser = other.OrganizationID
			logger.Warn("Unverifying colliding identity of the secondary organization",
				zap.String("primary_organization_id", primary),
				zap.String("secondary_organization_id", loser))
			if err := demote(ctx, uow, other, newValue, &outcome); err != nil {
				return err
			}
			outcome.Updated++
			if err := uow.OrganizationIdentities().UpdateValue(ctx, row, newValue); err != nil {
				return err
			}
		} else {
			loser = row.OrganizationID
			logger.Warn("Unverifying identity of the secondary organization",
				zap.String("primary_organization_id", primary),
				zap.String("new_value", newValue))
			if err := demote(ctx, uow, row, newValue, &outcome); err != nil {
				return err
			}
		}

		written, err := uow.MergeSuggestions().InsertIfAbsent(ctx, domain.MergeSuggestion{
			OrganizationID: primary,
			ToMergeID:      loser,
			Similarity:     MergeSimilarity,
			Status:         domain.MergeSuggestionReady,
		})
		if err != nil {
			return err
		}
		outcome.Suggested = written
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	if collision != nil {
		if err := r.review.Collision(ctx, *collision); err != nil {
			return outcome, fmt.Errorf("failed to record collision: %w", err)
		}
	}
	return outcome, nil
}

// demote unverifies identity and rewrites it to newValue, or deletes it when
// its organization already holds newValue unverified.
func demote(ctx context.Context, uow repository.UnitOfWork, id domain.OrganizationIdentity, newValue string, outcome *Outcome) error {
	unverified, err := uow.OrganizationIdentities().FindMatching(ctx, id.TenantID, id.Platform, id.Type, false, newValue)
	if err != nil {
		return err
	}
	for _, u := range unverified {
		if u.OrganizationID == id.OrganizationID {
			outcome.Deleted++
			return uow.OrganizationIdentities().Delete(ctx, id)
		}
	}
	outcome.Unverified++
	return uow.OrganizationIdentities().Unverify(ctx, id, newValue)
}

// choosePrimary picks the organization that keeps a shared verified identity.
// It returns "" when both are LFX members. Otherwise an LFX member wins, then
// the higher activity count, then the lowest id.
func choosePrimary(ctx context.Context, uow repository.UnitOfWork, tenantID, a, b string) (string, error) {
	orgs := uow.Organizations()

	aLFX, err := orgs.IsLFXMember(ctx, tenantID, a)
	if err != nil {
		return "", err
	}
	bLFX, err := orgs.IsLFXMember(ctx, tenantID, b)
	if err != nil {
		return "", err
	}
	switch {
	case aLFX && bLFX:
		return "", nil
	case aLFX:
		return a, nil
	case bLFX:
		return b, nil
	}

	aCount, err := orgs.ActivityCount(ctx, tenantID, a)
	if err != nil {
		return "", err
	}
	bCount, err := orgs.ActivityCount(ctx, tenantID, b)
	if err != nil {
		return "", err
	}
	switch {
	case aCount > bCount:
		return a, nil
	case bCount > aCount:
		return b, nil
	case a < b:
		return a, nil
	default:
		return b, nil
	}
}

// invalid handles a row whose value cannot be normalized.
func (r *Reconciler) invalid(ctx context.Context, row domain.OrganizationIdentity, logger *zap.Logger) (Outcome, error) {
	var outcome Outcome
	err := r.store.Transactionally(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		outcome = Outcome{}
		if row.Verified {
			redundant, err := uow.OrganizationIdentities().HasOtherVerified(ctx, row)
			if err != nil {
				return err
			}
			if !redundant {
				outcome.Reviewed = true
				return nil
			}
		}
		logger.Warn("Deleting invalid identity", zap.String("value", row.Value), zap.Bool("verified", row.Verified))
		outcome.Deleted++
		return uow.OrganizationIdentities().Delete(ctx, row)
	})
	if err != nil {
		return Outcome{}, err
	}

	if outcome.Reviewed {
		logger.Info("Invalid identity is the only verified one of its type, leaving it for review")
		if err := r.review.InvalidIdentity(ctx, record(row, "", "invalid value on the last verified identity of its type")); err != nil {
			return outcome, fmt.Errorf("failed to record invalid identity: %w", err)
		}
	}
	return outcome, nil
}

func record(row domain.OrganizationIdentity, newValue, reason string) review.IdentityRecord {
	return review.IdentityRecord{
		TenantID:       row.TenantID,
		OrganizationID: row.OrganizationID,
		Platform:       row.Platform,
		Type:           string(row.Type),
		Verified:       row.Verified,
		Value:          row.Value,
		NewValue:       newValue,
		Reason:         reason,
	}
}
