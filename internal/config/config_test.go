package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	assert.Empty(t, cfg.AuthSecret, "AUTH_SECRET must stay empty when unset")
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"APP_ENV", "PORT", "LOW_STOCK_THRESHOLD", "KAFKA_BROKERS", "LOG_FORMAT", "MIGRATE_ON_START", "SUMMARY_CACHE_TTL_SECONDS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, 10, cfg.LowStockThreshold)
	assert.Equal(t, "0 7 * * *", cfg.LowStockCron)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.True(t, cfg.MigrateOnStart)
	assert.Nil(t, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Second, cfg.SummaryCacheTTL())
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("LOW_STOCK_THRESHOLD", "-4")
	t.Setenv("MIGRATE_ON_START", "false")
	t.Setenv("NOTIFICATION_RETENTION_DAYS", "30")

	cfg := Load()
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 10, cfg.LowStockThreshold, "negative threshold falls back to default")
	assert.False(t, cfg.MigrateOnStart)
	assert.Equal(t, 30*24*time.Hour, cfg.NotificationRetention())
}
