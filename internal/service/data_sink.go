package service

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/khalifapro/crowd.dev/internal/common/database"
	redisx "github.com/khalifapro/crowd.dev/internal/common/redis"
	"github.com/khalifapro/crowd.dev/internal/config"
	"github.com/khalifapro/crowd.dev/internal/consumer"
	"github.com/khalifapro/crowd.dev/internal/notifier"
	"github.com/khalifapro/crowd.dev/internal/repository"
	"github.com/khalifapro/crowd.dev/internal/resolver"
)

// DataSinkService resolves activities read from the inbound stream.
type DataSinkService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redisx.Client
	notifier    *notifier.SyncNotifier
	activities  *resolver.ActivityService
	consumer    *consumer.StreamConsumer
}

// NewDataSinkService connects to Postgres, Redis and the sync transport.
func NewDataSinkService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*DataSinkService, error) {
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient, err := redisx.Connect(ctx, &cfg.Redis)
	if err != nil {
		db.Close()
		return nil, err
	}

	transport, err := NewTransport(cfg, redisClient, logger)
	if err != nil {
		redisClient.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create sync transport: %w", err)
	}

	return newDataSinkService(cfg, logger, db, redisClient, transport), nil
}

func newDataSinkService(cfg *config.Config, logger *zap.Logger, db *sql.DB, redisClient *redisx.Client, transport notifier.Transport) *DataSinkService {
	store := repository.NewPostgresStore(db, logger)
	sync := notifier.NewSyncNotifier(transport, cfg.Sync.MemberTopic, cfg.Sync.ActivityTopic, logger)
	aggregates := notifier.NewRedisAggregateQueue(redisClient, cfg.Sync.OrganizationAggregateSet)

	activities := resolver.NewActivityService(store, NewAffiliationResolver(cfg, db, logger), sync, aggregates, logger).
		WithIdentityLocks(cfg.Worker.IdentityLocks)

	streamConsumer := consumer.NewStreamConsumer(redisClient, consumer.StreamConfig{
		Stream:        cfg.Worker.Stream,
		ConsumerGroup: cfg.Worker.ConsumerGroup,
		ConsumerName:  cfg.Worker.ConsumerName,
		BatchSize:     int64(cfg.Worker.BatchSize),
	}, activities, logger)

	return &DataSinkService{
		config:      cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		notifier:    sync,
		activities:  activities,
		consumer:    streamConsumer,
	}
}

// Activities exposes the resolver for one-shot processing.
func (s *DataSinkService) Activities() *resolver.ActivityService {
	return s.activities
}

// Start blocks consuming the activity stream until ctx is cancelled.
func (s *DataSinkService) Start(ctx context.Context) error {
	s.logger.Info("Starting data sink service",
		zap.String("stream", s.config.Worker.Stream),
		zap.String("sync_transport", s.config.Sync.Transport),
	)

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start stream consumer: %w", err)
	}
	return nil
}

// Stop releases the transport, Redis and the database.
func (s *DataSinkService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping data sink service")

	if err := s.notifier.Close(); err != nil {
		s.logger.Error("Error closing sync transport", zap.Error(err))
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Error closing Redis client", zap.Error(err))
		}
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Error closing database connection", zap.Error(err))
	}

	s.logger.Info("Data sink service stopped")
	return nil
}
