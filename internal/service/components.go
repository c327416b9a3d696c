package service

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/khalifapro/crowd.dev/internal/affiliation"
	"github.com/khalifapro/crowd.dev/internal/common/mqtt"
	redisx "github.com/khalifapro/crowd.dev/internal/common/redis"
	"github.com/khalifapro/crowd.dev/internal/config"
	"github.com/khalifapro/crowd.dev/internal/notifier"
)

// NewTransport builds the sync transport selected by SYNC_TRANSPORT.
func NewTransport(cfg *config.Config, redisClient *redisx.Client, logger *zap.Logger) (notifier.Transport, error) {
	switch cfg.Sync.Transport {
	case config.TransportRedis:
		return notifier.NewRedisTransport(redisClient), nil
	case config.TransportMQTT:
		client, err := mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			return nil, err
		}
		return notifier.NewMQTTTransport(client), nil
	case config.TransportAMQP:
		return notifier.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
	default:
		return nil, fmt.Errorf("unknown sync transport %q", cfg.Sync.Transport)
	}
}

// NewAffiliationResolver uses the affiliation service when AFFILIATION_URL is
// set and the member organization tables otherwise.
func NewAffiliationResolver(cfg *config.Config, db *sql.DB, logger *zap.Logger) affiliation.Resolver {
	if cfg.Affiliation.URL != "" {
		return affiliation.NewHTTPResolver(cfg.Affiliation.URL, cfg.Affiliation.Timeout, logger)
	}
	return affiliation.NewPostgresResolver(db, logger)
}
