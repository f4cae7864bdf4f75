package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddress)
	require.Equal(t, DriverPostgres, cfg.StoreDriver)
	require.Equal(t, 15*time.Minute, cfg.SyncInterval)
	require.Equal(t, 50, cfg.PageSize)
	require.Equal(t, uint(5), cfg.RetryMaxTries)
	require.False(t, cfg.UseKafka())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/sync.db")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("SYNC_INTERVAL", "0s")
	t.Setenv("SYNC_MAX_OLD_ACTIVITIES", "75")
	t.Setenv("WEBHOOK_SUBSCRIPTION_ID", "4242")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, DriverSQLite, cfg.StoreDriver)
	require.Equal(t, "/tmp/sync.db", cfg.SQLitePath)
	require.True(t, cfg.UseKafka())
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	require.Zero(t, cfg.SyncInterval)
	require.Equal(t, 75, cfg.MaxOldActivities)
	require.Equal(t, int64(4242), cfg.WebhookSubscriptionID)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]string{
		"STORE_DRIVER":     "mysql",
		"SYNC_CONCURRENCY": "0",
		"SYNC_PAGE_SIZE":   "500",
		"SYNC_INTERVAL":    "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}
