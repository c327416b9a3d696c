package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/khalifapro/crowd.dev/internal/domain"
	"github.com/khalifapro/crowd.dev/internal/repository"
	"github.com/khalifapro/crowd.dev/internal/review"
)

type recordingSink struct {
	mu    sync.Mutex
	wrong []review.WrongMemberRecord
}

func (s *recordingSink) InvalidIdentity(context.Context, review.IdentityRecord) error { return nil }

func (s *recordingSink) Collision(context.Context, review.CollisionRecord) error { return nil }

func (s *recordingSink) WrongMember(_ context.Context, r review.WrongMemberRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wrong = append(s.wrong, r)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func member(id, username string) domain.Member {
	return domain.Member{
		ID: id, TenantID: "t1",
		Identities: []domain.MemberIdentity{{Platform: "github", Type: domain.MemberIdentityUsername, Value: username, Verified: true}},
	}
}

func activity(id, memberID, username string) domain.Activity {
	return domain.Activity{
		ID: id, TenantID: "t1", SegmentID: "s", SourceID: id, Platform: "github", Type: "star",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), MemberID: memberID, Username: username,
	}
}

func TestAuditorReportsWrongMembers(t *testing.T) {
	store := repository.NewMemoryStore()
	store.SeedMember(member("alice", "alice"))
	store.SeedMember(member("bob", "bob"))
	store.SeedActivity(activity("a1", "alice", "alice"))
	store.SeedActivity(activity("a2", "alice", "alice"))
	store.SeedActivity(activity("a3", "alice", "bob"))
	store.SeedActivity(activity("a4", "alice", "carol"))
	sink := &recordingSink{}

	stats, err := NewAuditor(store, sink, 1, 2, zap.NewNop()).Run(context.Background(), "t1")

	require.NoError(t, err)
	assert.Equal(t, Stats{Checked: 3, WrongMember: 1, Unowned: 1}, stats)
	assert.Equal(t, []review.WrongMemberRecord{{
		TenantID: "t1", MemberID: "alice", OwnerMemberID: "bob", Platform: "github", Username: "bob",
	}}, sink.wrong)
}

func TestAuditorIgnoresDeletedActivities(t *testing.T) {
	store := repository.NewMemoryStore()
	store.SeedMember(member("bob", "bob"))
	deleted := activity("a1", "alice", "bob")
	now := time.Now()
	deleted.DeletedAt = &now
	store.SeedActivity(deleted)
	sink := &recordingSink{}

	stats, err := NewAuditor(store, sink, 0, 0, zap.NewNop()).Run(context.Background(), "")

	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.Empty(t, sink.wrong)
}

func TestAuditorPagesThroughAllUsernames(t *testing.T) {
	store := repository.NewMemoryStore()
	for n := 0; n < 7; n++ {
		store.SeedActivity(activity(fmt.Sprintf("a%d", n), "m", fmt.Sprintf("user-%d", n)))
	}

	stats, err := NewAuditor(store, &recordingSink{}, 3, 3, zap.NewNop()).Run(context.Background(), "t1")

	require.NoError(t, err)
	assert.Equal(t, int64(7), stats.Checked)
	assert.Equal(t, int64(7), stats.Unowned)
}
