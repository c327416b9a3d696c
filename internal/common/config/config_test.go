package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDatabaseConfig_GetDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db",
		Port:     5433,
		User:     "crowd",
		Password: "secret",
		Database: "crowd-web",
		SSLMode:  "disable",
	}

	assert.Equal(t, "host=db port=5433 user=crowd dbname=crowd-web password=secret sslmode=disable", cfg.GetDSN())
}

func TestDatabaseConfig_GetDSN_Quoting(t *testing.T) {
	cfg := DatabaseConfig{
		Host:            "db",
		Port:            5432,
		User:            "crowd",
		Password:        `it's a s\ecret`,
		Database:        "crowd-web",
		ApplicationName: "identity-fixer",
	}

	assert.Equal(t, `host=db port=5432 user=crowd dbname=crowd-web password='it\'s a s\\ecret' application_name=identity-fixer`, cfg.GetDSN())
}

func TestDatabaseConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("TEST_DB_HOST", "pg")
	t.Setenv("TEST_DB_PORT", "6543")
	t.Setenv("TEST_DB_MAX_CONNS", "not-a-number")
	t.Setenv("TEST_DB_CONN_MAX_LIFETIME", "90s")
	t.Setenv("TEST_DB_APPLICATION_NAME", "data-sink-worker")

	cfg := DatabaseConfig{Host: "localhost", Port: 5432, MaxConns: 7}
	cfg.LoadFromEnv("TEST_DB")

	assert.Equal(t, "pg", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
	assert.Equal(t, 7, cfg.MaxConns)
	assert.Equal(t, 90*time.Second, cfg.ConnMaxLifetime)
	assert.Equal(t, "data-sink-worker", cfg.ApplicationName)
}

func TestRedisConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "cache:6380")
	t.Setenv("TEST_REDIS_POOL_SIZE", "32")

	cfg := RedisConfig{Addr: "localhost:6379", DB: 2}
	cfg.LoadFromEnv("TEST_REDIS")

	assert.Equal(t, "cache:6380", cfg.Addr)
	assert.Equal(t, 2, cfg.DB)
	assert.Equal(t, 32, cfg.PoolSize)
}

func TestMQTTConfig_LoadFromEnv_IgnoresInvalidQoS(t *testing.T) {
	t.Setenv("TEST_MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("TEST_MQTT_QOS", "5")

	cfg := MQTTConfig{QoS: 1}
	cfg.LoadFromEnv("TEST_MQTT")

	assert.Equal(t, "tcp://broker:1883", cfg.Broker)
	assert.Equal(t, byte(1), cfg.QoS)
}
