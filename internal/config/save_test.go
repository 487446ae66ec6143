package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_CreatesNewFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	err := Set(configPath, "team.send_strategy", "queue")
	require.NoError(t, err)

	// Verify file exists
	_, err = os.Stat(configPath)
	require.NoError(t, err)

	// Verify content
	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "send_strategy: queue")
}

func TestSet_PreservesOtherConfig(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	// Create initial config with various settings
	initial := `# precious comment
logging:
  level: info
team:
  mouse: false
`
	err := os.WriteFile(configPath, []byte(initial), 0o644)
	require.NoError(t, err)

	err = Set(configPath, "team.send_strategy", "interrupt")
	require.NoError(t, err)

	// Verify other settings and comments preserved
	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "# precious comment")
	assert.Contains(t, content, "level: info")
	assert.Contains(t, content, "mouse: false")
	// And the new key is there
	assert.Contains(t, content, "send_strategy: interrupt")
}

func TestSet_PreservesLineComment(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	initial := `team:
  send_strategy: auto # auto, queue, or interrupt
`
	err := os.WriteFile(configPath, []byte(initial), 0o644)
	require.NoError(t, err)

	err = Set(configPath, "team.send_strategy", "queue")
	require.NoError(t, err)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "send_strategy: queue")
	assert.Contains(t, content, "# auto, queue, or interrupt")
}

func TestSet_Roundtrip(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	// Plain scalars regain their YAML types on read.
	require.NoError(t, Set(configPath, "team.mouse", "false"))
	require.NoError(t, Set(configPath, "team.ready_timeout", "90s"))
	require.NoError(t, Set(configPath, "tracing.sample_rate", "0.5"))
	require.NoError(t, Set(configPath, "logging.level", "warn"))

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	assert.False(t, cfg.Team.Mouse)
	assert.Equal(t, 90*time.Second, cfg.Team.ReadyTimeout)
	assert.Equal(t, 0.5, cfg.Tracing.SampleRate)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestSet_OverwritesExisting(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	require.NoError(t, Set(configPath, "logging.level", "info"))
	require.NoError(t, Set(configPath, "logging.level", "error"))

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())
	assert.Equal(t, "error", v.GetString("logging.level"))
}

func TestSet_TopLevelKey(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	require.NoError(t, Set(configPath, "custom", "value"))

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())
	assert.Equal(t, "value", v.GetString("custom"))
}

func TestSet_EmptyKey(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	err := Set(configPath, "", "value")
	require.Error(t, err)
	require.Contains(t, err.Error(), "key is required")
}

func TestSet_OnDefaultTemplate(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")
	require.NoError(t, WriteDefaultConfig(configPath))

	err := Set(configPath, "team.default_workers", "4")
	require.NoError(t, err)

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	content := string(data)

	// Template comments survive the edit
	assert.Contains(t, content, "# omx Configuration")
	assert.Contains(t, content, "# Team runtime tunables")

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())

	cfg := Defaults()
	require.NoError(t, v.Unmarshal(&cfg))
	assert.Equal(t, 4, cfg.Team.DefaultWorkers)
	// Neighboring keys keep their template values
	assert.Equal(t, 20, cfg.Team.MaxWorkers)
	assert.Equal(t, "auto", cfg.Team.SendStrategy)
}

func TestUnset(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	initial := `logging:
  level: info
  path: /tmp/omx.log
`
	err := os.WriteFile(configPath, []byte(initial), 0o644)
	require.NoError(t, err)

	err = Unset(configPath, "logging.path")
	require.NoError(t, err)

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())

	assert.False(t, v.IsSet("logging.path"))
	// Sibling key preserved
	assert.Equal(t, "info", v.GetString("logging.level"))
}

func TestUnset_MissingKey(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	initial := "logging:\n  level: info\n"
	err := os.WriteFile(configPath, []byte(initial), 0o644)
	require.NoError(t, err)

	err = Unset(configPath, "logging.path")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")

	err = Unset(configPath, "team.mouse")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestUnset_MissingFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	err := Unset(configPath, "logging.level")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}
