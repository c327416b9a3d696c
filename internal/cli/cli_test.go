package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/khalifapro/crowd.dev/internal/config"
	"github.com/khalifapro/crowd.dev/internal/consumer"
	"github.com/khalifapro/crowd.dev/internal/domain"
	"github.com/khalifapro/crowd.dev/internal/repository"
	"github.com/khalifapro/crowd.dev/internal/resolver"
)

type fakeProcessor struct {
	events []domain.ActivityEvent
}

func (p *fakeProcessor) ProcessActivity(_ context.Context, event domain.ActivityEvent) (*resolver.Result, error) {
	p.events = append(p.events, event)
	return &resolver.Result{SegmentID: "seg1", ActivityID: "a1", Created: true}, nil
}

func memoryEnvironment(store *repository.MemoryStore) Environment {
	return Environment{
		OpenStore: func(*config.Config, *zap.Logger) (repository.Store, func() error, error) {
			return store, func() error { return nil }, nil
		},
	}
}

func execute(t *testing.T, env Environment, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(env)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReconcileCommand(t *testing.T) {
	store := repository.NewMemoryStore()
	store.SeedOrganization("t1", "A", 1, true)
	store.SeedOrganization("t1", "B", 1, true)
	for _, i := range []domain.OrganizationIdentity{
		{ID: "a1", TenantID: "t1", OrganizationID: "A", Platform: "github", Type: domain.OrgIdentityPrimaryDomain, Value: "example.com", Verified: true},
		{ID: "b1", TenantID: "t1", OrganizationID: "B", Platform: "github", Type: domain.OrgIdentityPrimaryDomain, Value: "Example.com", Verified: true},
		{ID: "c1", TenantID: "t1", OrganizationID: "C", Platform: "github", Type: domain.OrgIdentityPrimaryDomain, Value: "WWW.Other.org", Verified: true},
	} {
		store.SeedOrganizationIdentity(i)
	}
	reviewFile := filepath.Join(t.TempDir(), "review.xlsx")

	out, err := execute(t, memoryEnvironment(store), "",
		"reconcile-org-identities", "--review-file", reviewFile, "--concurrency", "1", "--type", "primary-domain")

	require.NoError(t, err)
	assert.Contains(t, out, "processed=3 updated=1 deleted=0 unverified=0 suggestions=0 reviewed=1 errors=0")
	_, err = os.Stat(reviewFile)
	assert.NoError(t, err)
}

func TestCheckActivitiesCommand(t *testing.T) {
	store := repository.NewMemoryStore()
	store.SeedMember(domain.Member{ID: "bob", TenantID: "t1", Identities: []domain.MemberIdentity{
		{Platform: "github", Type: domain.MemberIdentityUsername, Value: "bob", Verified: true},
	}})
	store.SeedActivity(domain.Activity{
		ID: "a1", TenantID: "t1", SourceID: "s1", Platform: "github", Type: "star",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), MemberID: "alice", Username: "bob",
	})

	out, err := execute(t, memoryEnvironment(store), "",
		"check-activities", "--tenant", "t1", "--review-file", filepath.Join(t.TempDir(), "review.xlsx"))

	require.NoError(t, err)
	assert.Contains(t, out, "checked=1 wrong_member=1 unowned=0")
}

const eventJSON = `{"tenantId":"t1","integrationId":"i1","platform":"github","activity":{"sourceId":"s1","type":"star","timestamp":"2024-01-01T00:00:00Z","username":"alice"}}`

func TestProcessActivityCommand(t *testing.T) {
	processor := &fakeProcessor{}
	env := Environment{
		OpenProcessor: func(*config.Config, *zap.Logger) (consumer.ActivityProcessor, func() error, error) {
			return processor, func() error { return nil }, nil
		},
	}

	out, err := execute(t, env, eventJSON, "process-activity", "-")

	require.NoError(t, err)
	require.Len(t, processor.events, 1)
	assert.Equal(t, "alice", processor.events[0].Activity.Username)
	assert.Contains(t, out, `"activityId": "a1"`)
}

func TestProcessActivityCommandEnqueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	env := Environment{
		OpenEmitter: func(cfg *config.Config) (*consumer.Emitter, func() error, error) {
			return consumer.NewEmitter(client, cfg.Worker.Stream), client.Close, nil
		},
	}
	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte(eventJSON), 0o600))

	out, err := execute(t, env, "", "process-activity", "--enqueue", path)

	require.NoError(t, err)
	assert.Contains(t, out, "enqueued ")
	entries, err := redis.NewClient(&redis.Options{Addr: mr.Addr()}).XLen(context.Background(), "data-sink-worker:activities").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), entries)
}

func TestProcessActivityCommandRejectsBadJSON(t *testing.T) {
	_, err := execute(t, Environment{}, "{", "process-activity", "-")

	assert.ErrorContains(t, err, "failed to decode event")
}
