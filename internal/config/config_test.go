package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8086, cfg.Server.HTTPPort)
	assert.Equal(t, "acted_rules", cfg.Database.Name)
	assert.Equal(t, "file://migrations", cfg.Database.MigrationsPath)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 90, cfg.Scheduler.AuditRetentionDays)
	assert.Equal(t, "0 3 * * *", cfg.Scheduler.PurgeSchedule)
	assert.NotZero(t, cfg.Engine.CacheTTL)
	assert.NotZero(t, cfg.Redis.TTL)
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		Name:     "acted_rules",
		Username: "rules",
		Password: "secret",
		SSLMode:  "require",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=rules password=secret dbname=acted_rules sslmode=require",
		cfg.DSN())
}

func TestRedisAddr(t *testing.T) {
	cfg := RedisConfig{Host: "cache.internal", Port: 6380}
	assert.Equal(t, "cache.internal:6380", cfg.Addr())
}
