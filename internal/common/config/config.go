package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	// ApplicationName shows up in pg_stat_activity.
	ApplicationName string
	MaxConns        int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// MQTTConfig holds MQTT broker settings.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// AMQPConfig holds RabbitMQ settings.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// GetDSN builds a lib/pq key/value connection string. Empty settings are
// left out so the driver defaults apply.
func (c *DatabaseConfig) GetDSN() string {
	parts := []string{
		"host=" + quoteDSN(c.Host),
		fmt.Sprintf("port=%d", c.Port),
		"user=" + quoteDSN(c.User),
		"dbname=" + quoteDSN(c.Database),
	}
	if c.Password != "" {
		parts = append(parts, "password="+quoteDSN(c.Password))
	}
	if c.SSLMode != "" {
		parts = append(parts, "sslmode="+quoteDSN(c.SSLMode))
	}
	if c.ApplicationName != "" {
		parts = append(parts, "application_name="+quoteDSN(c.ApplicationName))
	}
	return strings.Join(parts, " ")
}

func quoteDSN(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// LoadFromEnv overrides fields from PREFIX_HOST, PREFIX_PORT, ... when set.
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		c.Host = host
	}
	if port, ok := envInt(prefix + "_PORT"); ok {
		c.Port = port
	}
	if user := os.Getenv(prefix + "_USER"); user != "" {
		c.User = user
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if database := os.Getenv(prefix + "_NAME"); database != "" {
		c.Database = database
	}
	if sslMode := os.Getenv(prefix + "_SSLMODE"); sslMode != "" {
		c.SSLMode = sslMode
	}
	if maxConns, ok := envInt(prefix + "_MAX_CONNS"); ok {
		c.MaxConns = maxConns
	}
	if maxIdle, ok := envInt(prefix + "_MAX_IDLE"); ok {
		c.MaxIdle = maxIdle
	}
	if lifetime, err := time.ParseDuration(os.Getenv(prefix + "_CONN_MAX_LIFETIME")); err == nil {
		c.ConnMaxLifetime = lifetime
	}
	if name := os.Getenv(prefix + "_APPLICATION_NAME"); name != "" {
		c.ApplicationName = name
	}
}

// LoadFromEnv overrides Redis fields from the environment.
func (c *RedisConfig) LoadFromEnv(prefix string) {
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if db, ok := envInt(prefix + "_DB"); ok {
		c.DB = db
	}
	if poolSize, ok := envInt(prefix + "_POOL_SIZE"); ok {
		c.PoolSize = poolSize
	}
}

// LoadFromEnv overrides MQTT fields from the environment.
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	if broker := os.Getenv(prefix + "_BROKER"); broker != "" {
		c.Broker = broker
	}
	if clientID := os.Getenv(prefix + "_CLIENT_ID"); clientID != "" {
		c.ClientID = clientID
	}
	if username := os.Getenv(prefix + "_USERNAME"); username != "" {
		c.Username = username
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if qos, ok := envInt(prefix + "_QOS"); ok && qos >= 0 && qos <= 2 {
		c.QoS = byte(qos)
	}
}

// LoadFromEnv overrides AMQP fields from the environment.
func (c *AMQPConfig) LoadFromEnv(prefix string) {
	if url := os.Getenv(prefix + "_URL"); url != "" {
		c.URL = url
	}
	if exchange := os.Getenv(prefix + "_EXCHANGE"); exchange != "" {
		c.Exchange = exchange
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
