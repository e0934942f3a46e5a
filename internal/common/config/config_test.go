package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Database.UsePostgres())
	assert.Equal(t, "./agenthive.db", cfg.Database.Path)
	assert.Equal(t, "", cfg.NATS.URL)
	assert.Equal(t, 50, cfg.Auth.MaxAgents)
	assert.True(t, cfg.Security.Enabled)
	assert.Equal(t, "block", cfg.Security.SanitizeMode)
	assert.Equal(t, 300, cfg.RAG.IntervalSeconds)
	assert.Equal(t, 13, cfg.RAG.MaxResults)
	assert.Equal(t, 32, cfg.Dispatch.MaxWorkers)
	assert.Equal(t, 60, cfg.Dispatch.TimeoutSeconds)
}

func TestLoadFlatEnvBindings(t *testing.T) {
	t.Setenv("API_PORT", "9191")
	t.Setenv("ADMIN_TOKEN", "secret-admin")
	t.Setenv("MAX_WORKERS", "4")
	t.Setenv("SECURITY_SANITIZE_MODE", "neutralize")
	t.Setenv("PROJECT_ROOT", "/srv/project")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "secret-admin", cfg.Auth.AdminToken)
	assert.Equal(t, 4, cfg.Dispatch.MaxWorkers)
	assert.Equal(t, "neutralize", cfg.Security.SanitizeMode)
	assert.Equal(t, "/srv/project", cfg.Project.Root)
}

func TestLoadPrefixedEnvBindings(t *testing.T) {
	t.Setenv("AGENTHIVE_LOGGING_LEVEL", "debug")
	t.Setenv("AGENTHIVE_AUTH_MAXAGENTS", "7")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 7, cfg.Auth.MaxAgents)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	t.Setenv("SECURITY_SANITIZE_MODE", "bogus")

	_, err := LoadWithPath(t.TempDir())
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "sanitizeMode")
}

func TestValidate(t *testing.T) {
	valid, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	t.Run("postgres requires user and dbName", func(t *testing.T) {
		cfg := *valid
		cfg.Database.Host = "db.internal"
		cfg.Database.User = ""
		cfg.Database.DBName = ""
		err := Validate(&cfg)
		require.ErrorIs(t, err, ErrInvalid)
		assert.Contains(t, err.Error(), "database.user")
		assert.Contains(t, err.Error(), "database.dbName")
	})

	t.Run("dispatch bounds", func(t *testing.T) {
		cfg := *valid
		cfg.Dispatch.MaxWorkers = 0
		require.ErrorIs(t, Validate(&cfg), ErrInvalid)
	})

	t.Run("pool bounds", func(t *testing.T) {
		cfg := *valid
		cfg.Database.PoolMin = 20
		cfg.Database.PoolMax = 5
		require.ErrorIs(t, Validate(&cfg), ErrInvalid)
	})

	t.Run("logging level", func(t *testing.T) {
		cfg := *valid
		cfg.Logging.Level = "verbose"
		require.ErrorIs(t, Validate(&cfg), ErrInvalid)
	})
}
