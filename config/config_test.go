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

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 0.75, cfg.Pipeline.CTSThreshold)
	assert.Equal(t, []string{"low"}, cfg.Pipeline.AllowedRiskLevels)
	assert.Equal(t, 24*time.Hour, cfg.Server.IdempotencyTTL)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CTS_THRESHOLD", "0.6")
	t.Setenv("CTS_ALLOWED_RISK_LEVELS", "low, medium")
	t.Setenv("AGENT_TIMEOUT", "5s")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("WORKER_IN_PROCESS", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.6, cfg.Pipeline.CTSThreshold)
	assert.Equal(t, []string{"low", "medium"}, cfg.Pipeline.AllowedRiskLevels)
	assert.Equal(t, 5*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.True(t, cfg.Worker.InProcess)
}

func TestLoad_RejectsBadWeights(t *testing.T) {
	t.Setenv("CTS_WEIGHT_SIGNAL", "0.9")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1")
}

func TestLoad_RejectsThresholdOutOfRange(t *testing.T) {
	t.Setenv("CTS_THRESHOLD", "1.5")

	_, err := Load()
	require.Error(t, err)
}

func TestDSN(t *testing.T) {
	c := DatabaseConfig{User: "u", Password: "p", Host: "h", Port: "5432", DBName: "d", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable", c.DSN())

	c.URL = "postgres://override"
	assert.Equal(t, "postgres://override", c.DSN())
}
