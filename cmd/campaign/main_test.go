package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

const welcomeYAML = `
nodes:
  - id: start
    type: entry
  - id: greet
    type: ai_response
    data:
      prompt: "Hello ${subject.id}"
  - id: done
    type: terminal
edges:
  - source: start
    target: greet
  - source: greet
    target: done
`

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := loadConfig(viper.New(), "")
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Store.Driver)
	require.Equal(t, "memory", cfg.Lock.Driver)
	require.Equal(t, 5, cfg.Engine.MaxSteps)
	require.Equal(t, 3*time.Second, cfg.Debounce.IdleDelay)
	require.Equal(t, 48*time.Hour, cfg.Sweeper.StaleAfter)
	require.Equal(t, "@daily", cfg.Sweeper.CleanupSchedule)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "campaign.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
definitions: ./flows
store:
  driver: badger
  dir: /tmp/campaign
debounce:
  idle_delay: 500ms
`), 0644))
	t.Setenv("CAMPAIGN_ENGINE_MAX_STEPS", "8")

	cfg, err := loadConfig(viper.New(), path)
	require.NoError(t, err)
	require.Equal(t, "./flows", cfg.Definitions)
	require.Equal(t, "badger", cfg.Store.Driver)
	require.Equal(t, 500*time.Millisecond, cfg.Debounce.IdleDelay)
	require.Equal(t, 8, cfg.Engine.MaxSteps)
}

func TestLoadConfigRejectsUnknownDriver(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CAMPAIGN_STORE_DRIVER", "sqlite")
	_, err := loadConfig(viper.New(), "")
	require.ErrorContains(t, err, "unknown store.driver")

	t.Setenv("CAMPAIGN_STORE_DRIVER", "postgres")
	_, err = loadConfig(viper.New(), "")
	require.ErrorContains(t, err, "store.dsn")
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	good := filepath.Join(dir, "welcome.yaml")
	require.NoError(t, os.WriteFile(good, []byte(welcomeYAML), 0644))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("nodes: []\n"), 0644))

	cmd := newRootCommand()
	cmd.SetArgs([]string{"validate", good})
	require.NoError(t, cmd.Execute())

	cmd = newRootCommand()
	cmd.SetArgs([]string{"validate", bad})
	require.Error(t, cmd.Execute())
}

func TestServeRunsEntryStep(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "welcome.yaml"), []byte(welcomeYAML), 0644))

	cfg, err := loadConfig(viper.New(), "")
	require.NoError(t, err)
	cfg.Definitions = dir
	cfg.Log.Level = "error"

	var out bytes.Buffer
	in := strings.NewReader("/typing\n/status\n")
	err = runServe(context.Background(), cfg, serveOptions{definitionID: "welcome", subjectID: "sub_1"}, in, &out)
	require.NoError(t, err)

	output := out.String()
	require.Contains(t, output, "→ sub_1: Hello sub_1")
	require.Contains(t, output, "greet (ai_response)")
	require.Contains(t, output, "welcome completed")
	require.Contains(t, output, "composing: true")
}

func TestServeUnknownDefinition(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	cfg, err := loadConfig(viper.New(), "")
	require.NoError(t, err)
	cfg.Definitions = dir

	err = runServe(context.Background(), cfg, serveOptions{definitionID: "missing", subjectID: "sub_1"}, strings.NewReader(""), &bytes.Buffer{})
	require.Error(t, err)
}
