package reconciler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/khalifapro/crowd.dev/internal/domain"
	"github.com/khalifapro/crowd.dev/internal/repository"
	"github.com/khalifapro/crowd.dev/internal/review"
)

type recordingSink struct {
	mu         sync.Mutex
	invalid    []review.IdentityRecord
	collisions []review.CollisionRecord
}

func (s *recordingSink) InvalidIdentity(_ context.Context, r review.IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid = append(s.invalid, r)
	return nil
}

func (s *recordingSink) Collision(_ context.Context, r review.CollisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collisions = append(s.collisions, r)
	return nil
}

func (s *recordingSink) WrongMember(context.Context, review.WrongMemberRecord) error { return nil }

func (s *recordingSink) Close() error { return nil }

func domainIdentity(id, org, value string, verified bool) domain.OrganizationIdentity {
	return domain.OrganizationIdentity{
		ID:             id,
		TenantID:       "t1",
		OrganizationID: org,
		Platform:       "github",
		Type:           domain.OrgIdentityPrimaryDomain,
		Value:          value,
		Verified:       verified,
	}
}

func newReconciler(store *repository.MemoryStore) (*Reconciler, *recordingSink) {
	sink := &recordingSink{}
	return NewReconciler(store, sink, zap.NewNop()), sink
}

func find(store *repository.MemoryStore, id string) *domain.OrganizationIdentity {
	for _, i := range store.OrganizationIdentities() {
		if i.ID == id {
			return &i
		}
	}
	return nil
}

// seeded returns the stored copy so the CreatedAt assigned on seed is kept.
func seed(store *repository.MemoryStore, identities ...domain.OrganizationIdentity) []domain.OrganizationIdentity {
	for _, i := range identities {
		store.SeedOrganizationIdentity(i)
	}
	return store.OrganizationIdentities()
}

func TestReconcileUnchanged(t *testing.T) {
	store := repository.NewMemoryStore()
	rows := seed(store, domainIdentity("i1", "A", "example.com", true))
	r, _ := newReconciler(store)

	outcome, err := r.Reconcile(context.Background(), rows[0])

	require.NoError(t, err)
	assert.Equal(t, Outcome{}, outcome)
}

func TestReconcileRewritesWithoutCollision(t *testing.T) {
	store := repository.NewMemoryStore()
	rows := seed(store, domainIdentity("i1", "A", "https://www.Example.com/about ", true))
	r, _ := newReconciler(store)

	outcome, err := r.Reconcile(context.Background(), rows[0])

	require.NoError(t, err)
	assert.Equal(t, Outcome{Updated: 1}, outcome)
	assert.Equal(t, "example.com", find(store, "i1").Value)
	assert.True(t, find(store, "i1").Verified)
}

func TestReconcileDeletesDuplicateOfSameOrganization(t *testing.T) {
	store := repository.NewMemoryStore()
	rows := seed(store,
		domainIdentity("i1", "A", "example.com", true),
		domainIdentity("i2", "A", "EXAMPLE.com", true),
	)
	r, _ := newReconciler(store)

	outcome, err := r.Reconcile(context.Background(), rows[1])

	require.NoError(t, err)
	assert.Equal(t, Outcome{Deleted: 1}, outcome)
	assert.Nil(t, find(store, "i2"))
	assert.NotNil(t, find(store, "i1"))
}

func TestReconcileUnverifiedMayBeShared(t *testing.T) {
	store := repository.NewMemoryStore()
	rows := seed(store,
		domainIdentity("i1", "A", "example.com", false),
		domainIdentity("i2", "B", "Example.com", false),
	)
	r, _ := newReconciler(store)

	outcome, err := r.Reconcile(context.Background(), rows[1])

	require.NoError(t, err)
	assert.Equal(t, Outcome{Updated: 1}, outcome)
	assert.Equal(t, "example.com", find(store, "i2").Value)
	assert.Empty(t, store.MergeSuggestions())
}

func TestReconcileSecondaryRowIsUnverified(t *testing.T) {
	store := repository.NewMemoryStore()
	store.SeedOrganization("t1", "A", 500, false)
	store.SeedOrganization("t1", "B", 10, false)
	rows := seed(store,
		domainIdentity("i1", "A", "example.com", true),
		domainIdentity("i2", "B", "Example.com ", true),
	)
	r, _ := newReconciler(store)

	outcome, err := r.Reconcile(context.Background(), rows[1])

	require.NoError(t, err)
	assert.Equal(t, Outcome{Unverified: 1, Suggested: true}, outcome)

	b := find(store, "i2")
	require.NotNil(t, b)
	assert.Equal(t, "example.com", b.Value)
	assert.False(t, b.Verified)
	assert.True(t, find(store, "i1").Verified)
	assert.Equal(t, []domain.MergeSuggestion{{
		OrganizationID: "A",
		ToMergeID:      "B",
		Similarity:     MergeSimilarity,
		Status:         domain.MergeSuggestionReady,
	}}, store.MergeSuggestions())
}

func TestReconcilePrimaryRowTakesOverValue(t *testing.T) {
	store := repository.NewMemoryStore()
	store.SeedOrganization("t1", "A", 10, false)
	store.SeedOrganization("t1", "B", 500, false)
	rows := seed(store,
		domainIdentity("i1", "A", "example.com", true),
		domainIdentity("i2", "B", "Example.com ", true),
	)
	r, _ := newReconciler(store)

	outcome, err := r.Reconcile(context.Background(), rows[1])

	require.NoError(t, err)
	assert.Equal(t, Outcome{Updated: 1, Unverified: 1, Suggested: true}, outcome)
	assert.False(t, find(store, "i1").Verified)
	assert.True(t, find(store, "i2").Verified)
	assert.Equal(t, "example.com", find(store, "i2").Value)
	require.Len(t, store.MergeSuggestions(), 1)
	assert.Equal(t, "B", store.MergeSuggestions()[0].OrganizationID)
	assert.Equal(t, "A", store.MergeSuggestions()[0].ToMergeID)
}

func TestReconcileLFXMemberWins(t *testing.T) {
	store := repository.NewMemoryStore()
	store.SeedOrganization("t1", "A", 1000, false)
	store.SeedOrganization("t1", "B", 1, true)
	rows := seed(store,
		domainIdentity("i1", "A", "example.com", true),
		domainIdentity("i2", "B", "EXAMPLE.COM", true),
	)
	r, _ := newReconciler(store)

	_, err := r.Reconcile(context.Background(), rows[1])

	require.NoError(t, err)
	assert.False(t, find(store, "i1").Verified)
	assert.True(t, find(store, "i2").Verified)
	require.Len(t, store.MergeSuggestions(), 1)
	assert.Equal(t, "B", store.MergeSuggestions()[0].OrganizationID)
}

func TestReconcileBothLFXGoesToReview(t *testing.T) {
	store := repository.NewMemoryStore()
	store.SeedOrganization("t1", "A", 10, true)
	store.SeedOrganization("t1", "B", 20, true)
	rows := seed(store,
		domainIdentity("i1", "A", "example.com", true),
		domainIdentity("i2", "B", "Example.com", true),
	)
	r, sink := newReconciler(store)

	outcome, err := r.Reconcile(context.Background(), rows[1])

	require.NoError(t, err)
	assert.Equal(t, Outcome{Reviewed: true}, outcome)
	assert.Equal(t, "Example.com", find(store, "i2").Value)
	assert.Empty(t, store.MergeSuggestions())
	require.Len(t, sink.collisions, 1)
	assert.Equal(t, "B", sink.collisions[0].OrganizationID)
	assert.Equal(t, "A", sink.collisions[0].OtherOrganizationID)
	assert.Equal(t, "example.com", sink.collisions[0].NewValue)
}

func TestReconcileEqualCountsPickLowestID(t *testing.T) {
	store := repository.NewMemoryStore()
	rows := seed(store,
		domainIdentity("i1", "org-b", "example.com", true),
		domainIdentity("i2", "org-a", "Example.com", true),
	)
	r, _ := newReconciler(store)

	_, err := r.Reconcile(context.Background(), rows[1])

	require.NoError(t, err)
	require.Len(t, store.MergeSuggestions(), 1)
	assert.Equal(t, "org-a", store.MergeSuggestions()[0].OrganizationID)
	assert.Equal(t, "org-b", store.MergeSuggestions()[0].ToMergeID)
}

func TestReconcileDeletesWhenLoserHoldsUnverifiedValue(t *testing.T) {
	store := repository.NewMemoryStore()
	store.SeedOrganization("t1", "A", 500, false)
	rows := seed(store,
		domainIdentity("i1", "A", "example.com", true),
		domainIdentity("i2", "B", "example.com", false),
		domainIdentity("i3", "B", "Example.com", true),
	)
	r, _ := newReconciler(store)

	outcome, err := r.Reconcile(context.Background(), rows[2])

	require.NoError(t, err)
	assert.Equal(t, Outcome{Deleted: 1, Suggested: true}, outcome)
	assert.Nil(t, find(store, "i3"))
	assert.NotNil(t, find(store, "i2"))
}

func TestReconcileDuplicateVerifiedMatchesAbort(t *testing.T) {
	store := repository.NewMemoryStore()
	rows := seed(store,
		domainIdentity("i1", "A", "example.com", true),
		domainIdentity("i2", "B", "example.com", true),
		domainIdentity("i3", "C", "Example.com", true),
	)
	r, _ := newReconciler(store)

	_, err := r.Reconcile(context.Background(), rows[2])

	assert.ErrorIs(t, err, repository.ErrInvariantViolation)
	assert.Equal(t, "Example.com", find(store, "i3").Value)
}

func TestReconcileInvalidIdentities(t *testing.T) {
	store := repository.NewMemoryStore()
	rows := seed(store,
		domainIdentity("unverified", "A", "not a domain", false),
		domainIdentity("redundant", "B", "localhost", true),
		domainIdentity("kept", "B", "b.example.com", true),
		domainIdentity("last", "C", "localhost", true),
	)
	r, sink := newReconciler(store)
	ctx := context.Background()

	outcome, err := r.Reconcile(ctx, rows[0])
	require.NoError(t, err)
	assert.Equal(t, Outcome{Deleted: 1}, outcome)

	outcome, err = r.Reconcile(ctx, rows[1])
	require.NoError(t, err)
	assert.Equal(t, Outcome{Deleted: 1}, outcome)

	outcome, err = r.Reconcile(ctx, rows[3])
	require.NoError(t, err)
	assert.Equal(t, Outcome{Reviewed: true}, outcome)

	assert.Nil(t, find(store, "unverified"))
	assert.Nil(t, find(store, "redundant"))
	assert.NotNil(t, find(store, "last"))
	require.Len(t, sink.invalid, 1)
	assert.Equal(t, "C", sink.invalid[0].OrganizationID)
	assert.Equal(t, "localhost", sink.invalid[0].Value)
}

func TestReconcileStaleRowIsInvariantViolation(t *testing.T) {
	store := repository.NewMemoryStore()
	rows := seed(store, domainIdentity("i1", "A", "Example.com", true))
	r, _ := newReconciler(store)

	stale := rows[0]
	stale.Verified = false

	_, err := r.Reconcile(context.Background(), stale)

	assert.ErrorIs(t, err, repository.ErrInvariantViolation)
}

func TestReconcileNonDomainTypesAreFolded(t *testing.T) {
	store := repository.NewMemoryStore()
	row := domainIdentity("i1", "A", "  Acme-Corp ", true)
	row.Type = domain.OrgIdentityUsername
	rows := seed(store, row)
	r, _ := newReconciler(store)

	_, err := r.Reconcile(context.Background(), rows[0])

	require.NoError(t, err)
	assert.Equal(t, "acme-corp", find(store, "i1").Value)
}
