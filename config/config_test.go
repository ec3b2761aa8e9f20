package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "token", cfg.Invoice.Numbering)
	assert.True(t, decimal.RequireFromString("0.1479").Equal(cfg.FallbackRate()))
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoad_FileAndEnv(t *testing.T) {
	// GIVEN: A YAML file and an env override
	// WHEN: Loading
	// THEN: The env value wins over the file

	path := filepath.Join(t.TempDir(), "billing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
storage:
  driver: postgres
  dsn: host=db user=billing
allocation:
  fallback_rate: "0.2"
invoice:
  numbering: sequence
kafka:
  brokers: ["kafka-1:9092"]
`), 0o600))
	t.Setenv("UTILBILL_SERVER_PORT", "9191")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "sequence", cfg.Invoice.Numbering)
	assert.True(t, decimal.RequireFromString("0.2").Equal(cfg.FallbackRate()))
	assert.Equal(t, []string{"kafka-1:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "billing.audit", cfg.Kafka.AuditTopic)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Storage.Driver = "mongo"
	assert.ErrorContains(t, cfg.Validate(), "storage.driver")

	cfg = base()
	cfg.Allocation.FallbackRate = "-1"
	assert.ErrorContains(t, cfg.Validate(), "fallback_rate")

	cfg = base()
	cfg.Invoice.SequenceBackend = "redis"
	assert.ErrorContains(t, cfg.Validate(), "redis.addr")

	cfg = base()
	cfg.Storage.Driver = "memory"
	cfg.Storage.DSN = ""
	assert.NoError(t, cfg.Validate())
}
