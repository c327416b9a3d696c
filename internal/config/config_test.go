package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "data-sink-worker:activities", cfg.Worker.Stream)
	assert.Equal(t, 10, cfg.Worker.BatchSize)
	assert.True(t, cfg.Worker.IdentityLocks)
	assert.Equal(t, TransportRedis, cfg.Sync.Transport)
	assert.Equal(t, "organizationIdsForAggComputation", cfg.Sync.OrganizationAggregateSet)
	assert.Equal(t, 10*time.Second, cfg.Affiliation.Timeout)
	assert.Equal(t, 500, cfg.Reconcile.PageSize)
	assert.Equal(t, 3, cfg.Reconcile.Concurrency)
	assert.Equal(t, "manual-review.xlsx", cfg.Reconcile.ReviewFile)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("SYNC_TRANSPORT", "amqp")
	t.Setenv("IDENTITY_LOCKS", "false")
	t.Setenv("RECONCILE_CONCURRENCY", "8")
	t.Setenv("RECONCILE_TENANT_ID", "t1")
	t.Setenv("AFFILIATION_URL", "http://affiliations:8080")
	t.Setenv("AFFILIATION_TIMEOUT_SECONDS", "3")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, TransportAMQP, cfg.Sync.Transport)
	assert.False(t, cfg.Worker.IdentityLocks)
	assert.Equal(t, 8, cfg.Reconcile.Concurrency)
	assert.Equal(t, "t1", cfg.Reconcile.TenantID)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, "http://affiliations:8080", cfg.Affiliation.URL)
	assert.Equal(t, 3*time.Second, cfg.Affiliation.Timeout)
}

func TestLoad_InvalidNumberFallsBack(t *testing.T) {
	t.Setenv("RECONCILE_PAGE_SIZE", "lots")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Reconcile.PageSize)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown transport", "SYNC_TRANSPORT", "kafka"},
		{"zero batch", "ACTIVITY_BATCH_SIZE", "0"},
		{"negative concurrency", "RECONCILE_CONCURRENCY", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()

			assert.Error(t, err)
		})
	}
}
