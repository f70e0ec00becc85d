package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubstitutesEnv(t *testing.T) {
	t.Setenv("ASSESS_TEST_DSN", "postgres://u:p@db/assess")
	cfg, err := Parse([]byte(`{
		"server": {"port": 9000},
		"orchestrator": {"task_timeout": "90s", "pool_size": 4},
		"database": {
			"postgres": {"dsn": "${ASSESS_TEST_DSN}"},
			"neo4j": {"uri": "${ASSESS_TEST_UNSET:bolt://localhost:7687}"}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "postgres://u:p@db/assess", cfg.Database.Postgres.DSN)
	assert.Equal(t, "bolt://localhost:7687", cfg.Database.Neo4j.URI)
	assert.Equal(t, 90*time.Second, cfg.Orchestrator.TaskTimeout.Std())
	assert.Equal(t, 4, cfg.Orchestrator.PoolSize)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, 10, cfg.Orchestrator.PoolSize)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.IntakeTimeout.Std())
	assert.Zero(t, cfg.Orchestrator.TaskTimeout.Std())
	assert.Equal(t, "/api/v1/assessment", cfg.Orchestrator.StatusBasePath)
	assert.Equal(t, "assess:topic:", cfg.Database.Redis.StreamPrefix)
	assert.Equal(t, 6334, cfg.Database.Qdrant.Port)
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte(`{"orchestrator": {"task_timeout": "soon"}}`))
	assert.Error(t, err)
	_, err = Parse([]byte(`{"orchestrator": {"task_timeout": 30}}`))
	assert.Error(t, err)
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "assess.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{"assessment.events"}, cfg.Database.Redis.Topics)
	assert.Equal(t, 120, cfg.Server.IntakePerMinute)
	assert.Equal(t, 20, cfg.Server.IntakeBurst)
	assert.False(t, cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken == "")

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
