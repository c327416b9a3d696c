package service

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/khalifapro/crowd.dev/internal/affiliation"
	"github.com/khalifapro/crowd.dev/internal/config"
	"github.com/khalifapro/crowd.dev/internal/notifier"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestNewTransport(t *testing.T) {
	cfg := testConfig(t)
	client := redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()})
	defer client.Close()

	transport, err := NewTransport(cfg, client, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &notifier.RedisTransport{}, transport)

	cfg.Sync.Transport = "kafka"
	_, err = NewTransport(cfg, client, zap.NewNop())
	assert.Error(t, err)
}

func TestNewAffiliationResolver(t *testing.T) {
	cfg := testConfig(t)
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	assert.IsType(t, &affiliation.PostgresResolver{}, NewAffiliationResolver(cfg, db, zap.NewNop()))

	cfg.Affiliation.URL = "http://affiliations"
	cfg.Affiliation.Timeout = time.Second
	assert.IsType(t, &affiliation.HTTPResolver{}, NewAffiliationResolver(cfg, db, zap.NewNop()))
}

func TestDataSinkServiceLifecycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Worker.Stream = "activities"
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectClose()

	s := newDataSinkService(cfg, zap.NewNop(), db, client, notifier.NewRedisTransport(client))
	require.NotNil(t, s.Activities())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.True(t, mr.Exists("activities"), "the consumer group creates the stream")
}
