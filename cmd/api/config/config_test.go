package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFrom(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestParse(t *testing.T) {
	t.Run("Empty file yields defaults", func(t *testing.T) {
		cfg, err := Parse([]byte(""), envFrom(nil))
		require.NoError(t, err)

		assert.Equal(t, 1000, cfg.Limits.MaxQuestions)
		assert.Equal(t, 100000, cfg.Limits.MaxWords)
		assert.Equal(t, 8192, cfg.Limits.MaxTotalTokens)
		assert.Equal(t, 4096, cfg.Limits.MaxMessageTokens)
		assert.Equal(t, MemoryModeSummary, cfg.Memory.Mode)
		assert.Equal(t, 2048, cfg.Memory.SummaryMaxTokens)
		assert.Equal(t, "gemini-1.5-pro", cfg.LLM.DefaultLLM)
		assert.Equal(t, "gemini-1.5-flash", cfg.LLM.FastLLM)
		assert.Equal(t, uint(3), cfg.Retry.MaxAttempts)
		assert.Equal(t, 30*time.Minute, cfg.Server.SessionTimeout)
		assert.Equal(t, "3000", cfg.Server.Port)
	})

	t.Run("Partial sections keep remaining defaults", func(t *testing.T) {
		data := []byte(`
limits:
  max_words: 120
memory:
  mode: window
server:
  session_timeout: 5m
`)
		cfg, err := Parse(data, envFrom(nil))
		require.NoError(t, err)

		assert.Equal(t, 120, cfg.Limits.MaxWords)
		assert.Equal(t, 1000, cfg.Limits.MaxQuestions)
		assert.Equal(t, MemoryModeWindow, cfg.Memory.Mode)
		assert.Equal(t, 5*time.Minute, cfg.Server.SessionTimeout)
		assert.Equal(t, "3000", cfg.Server.Port)
	})

	t.Run("OS_ENV values are resolved", func(t *testing.T) {
		data := []byte(`
sources:
  urls:
    - https://bossdb.org
    - OS_ENV_EXTRA_URL
llm_config:
  api_key: OS_ENV_GEMINI_KEY
limits:
  max_questions: OS_ENV_MAX_Q
`)
		cfg, err := Parse(data, envFrom(map[string]string{
			"EXTRA_URL":  "https://docs.bossdb.org",
			"GEMINI_KEY": "secret",
			"MAX_Q":      "7",
		}))
		require.NoError(t, err)

		assert.Equal(t, []string{"https://bossdb.org", "https://docs.bossdb.org"}, cfg.Sources.URLs)
		assert.Equal(t, "secret", cfg.LLM.APIKey)
		assert.Equal(t, 7, cfg.Limits.MaxQuestions)
	})

	t.Run("Missing OS_ENV variable fails", func(t *testing.T) {
		data := []byte(`
llm_config:
  api_key: OS_ENV_GEMINI_KEY
`)
		_, err := Parse(data, envFrom(nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "GEMINI_KEY")
	})

	t.Run("DSN is built from DB variables", func(t *testing.T) {
		cfg, err := Parse(nil, envFrom(map[string]string{
			"DB_HOST":     "localhost",
			"DB_USER":     "rag",
			"DB_PASSWORD": "pw",
			"DB_NAME":     "bossdb",
			"DB_PORT":     "5432",
		}))
		require.NoError(t, err)
		assert.Equal(t, "host=localhost user=rag password=pw dbname=bossdb port=5432 sslmode=disable TimeZone=UTC", cfg.Database.DSN)
	})

	t.Run("Invalid memory mode is rejected", func(t *testing.T) {
		_, err := Parse([]byte("memory:\n  mode: infinite\n"), envFrom(nil))
		assert.Error(t, err)
	})

	t.Run("Zero limit is kept as unlimited", func(t *testing.T) {
		cfg, err := Parse([]byte("limits:\n  max_questions: 0\n"), envFrom(nil))
		require.NoError(t, err)
		assert.Equal(t, 0, cfg.Limits.MaxQuestions)
	})
}

func TestExampleConfig(t *testing.T) {
	data, err := os.ReadFile("../../../config.example.yaml")
	require.NoError(t, err)

	cfg, err := Parse(data, envFrom(map[string]string{
		"GOOGLE_AI_STUDIO_API_KEY": "key",
		"GITHUB_TOKEN":             "token",
		"DATABASE_URL":             "postgres://localhost/bossdb",
	}))
	require.NoError(t, err)

	assert.Equal(t, "key", cfg.LLM.APIKey)
	assert.Equal(t, "postgres://localhost/bossdb", cfg.Database.DSN)
	assert.Contains(t, cfg.Sources.GithubOrgs, "jhuapl-boss")
	assert.Equal(t, 30*time.Minute, cfg.Server.SessionTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialInterval)

	_, err = Parse(data, envFrom(nil))
	assert.ErrorContains(t, err, "GOOGLE_AI_STUDIO_API_KEY")
}
