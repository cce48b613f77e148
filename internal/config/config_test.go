package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaultConfig(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	require.NoError(t, err, "failed to parse default config")

	assert.NotEmpty(t, cfg.Ingest.Feeds)
	assert.Equal(t, "anthropic", cfg.Generation.Backend)
	assert.Equal(t, 2, cfg.Pipeline.StageAttempts)
	assert.Equal(t, 3, cfg.Pipeline.MinSections)
	assert.Equal(t, 20, cfg.Pipeline.MaxSections)
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestParseMinimalConfig(t *testing.T) {
	data := []byte(`
generation:
  backend: openai
  model: gpt-4o
pipeline:
  budget_usd: 2.5
server:
  port: 9000
`)
	cfg, err := parse(data)
	require.NoError(t, err, "failed to parse minimal config")

	assert.Equal(t, "openai", cfg.Generation.Backend)
	assert.Equal(t, 2.5, cfg.Pipeline.BudgetUSD)
	assert.Equal(t, 9000, cfg.Server.Port)
	// Defaults should still be set for unspecified fields
	assert.Equal(t, 15.0, cfg.Generation.Pricing.OutputPerMillion)
	assert.Equal(t, 2, cfg.Pipeline.CurriculumRetries)
}

func TestParseRejectsInvalidSettings(t *testing.T) {
	cases := map[string]string{
		"backend":  "generation:\n  backend: ollama\n",
		"bounds":   "pipeline:\n  min_sections: 10\n  max_sections: 5\n",
		"attempts": "pipeline:\n  stage_attempts: 0\n",
		"budget":   "pipeline:\n  budget_usd: 0\n",
		"lock":     "lock:\n  backend: etcd\n",
	}
	for name, data := range cases {
		_, err := parse([]byte(data))
		assert.Error(t, err, name)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, DefaultConfigYAML, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Ingest.Feeds, "feeds populated from file")
}

func TestGetDataDir(t *testing.T) {
	cfg := &Config{}
	assert.NotEmpty(t, cfg.GetDataDir())

	cfg.Output.DataDir = "/custom/path"
	assert.Equal(t, "/custom/path", cfg.GetDataDir())
}
