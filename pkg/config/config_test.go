package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "fredsavings.db", cfg.Database.Path)
	assert.Equal(t, time.Hour, cfg.Engine.TickInterval)
	assert.True(t, cfg.Engine.InterestRate.Equal(decimal.RequireFromString("0.05")))
	assert.True(t, cfg.Engine.PenaltyRate.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, 15*time.Minute, cfg.Engine.PaymentConfirmTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  driver: memory
engine:
  tick_interval: 30m
  interest_rate: 0.04
log:
  format: json
`)
	t.Setenv("SAVINGS_LOG_LEVEL", "debug")
	t.Setenv("SAVINGS_SERVER_PORT", "9191")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 30*time.Minute, cfg.Engine.TickInterval)
	assert.True(t, cfg.Engine.InterestRate.Equal(decimal.RequireFromString("0.04")))
	assert.Equal(t, "debug", cfg.Log.Level)

	l := cfg.NewLogger()
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"rate out of range", "engine:\n  interest_rate: 1.5\n"},
		{"rate not a number", "engine:\n  penalty_rate: ten\n"},
		{"unknown driver", "database:\n  driver: postgres\n"},
		{"zero tick", "engine:\n  tick_interval: 0s\n"},
		{"bad level", "log:\n  level: loud\n"},
		{"bad format", "log:\n  format: xml\n"},
		{"bad port", "server:\n  port: 70000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
