package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.NotEmpty(t, cfg.Server.Host)
	assert.NotZero(t, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.NotEmpty(t, cfg.Log.Level)

	assert.Equal(t, 3, cfg.Escalation.FailureThreshold)
	assert.Equal(t, 6, cfg.Escalation.HistoryWindow)
	assert.Contains(t, cfg.Escalation.HandoffPhrases, "quiero hablar con un agente")
	assert.Contains(t, cfg.Escalation.FrustrationPhrases, "eso no me sirve")
}

func TestConfig_RelayDefaults(t *testing.T) {
	rc := GetDefaultConfig().Relay

	assert.Equal(t, 256, rc.SendBuffer)
	assert.Equal(t, 60*time.Second, rc.PongWait)
	assert.Less(t, rc.PingPeriod, rc.PongWait, "pings must arrive before the pong deadline")
	assert.Positive(t, rc.DispatchWorkers)
	assert.Positive(t, rc.DispatchLaneSize)
}

func TestLoad_OverridesFromViper(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.SetConfigType("yaml")
	yml := `
server:
  port: 9090
escalation:
  failure_threshold: 5
  handoff_phrases: ["operador"]
relay:
  write_wait: 3s
support:
  store_timeout: 2s
`
	require.NoError(t, viper.ReadConfig(strings.NewReader(yml)))

	cfg := Load()
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset keys keep defaults")
	assert.Equal(t, 5, cfg.Escalation.FailureThreshold)
	assert.Equal(t, []string{"operador"}, cfg.Escalation.HandoffPhrases)
	assert.Equal(t, 3*time.Second, cfg.Relay.WriteWait)
	assert.Equal(t, 2*time.Second, cfg.Support.StoreTimeout)
	assert.Equal(t, 6, cfg.Escalation.HistoryWindow)
}

func TestDatabaseConfig_PostgresDSN(t *testing.T) {
	d := GetDefaultConfig().Database
	dsn := d.PostgresDSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "dbname=handoff")

	d.DSN = "postgres://x"
	assert.Equal(t, "postgres://x", d.PostgresDSN())
}

func TestConfigureLogger_TextToBuffer(t *testing.T) {
	l := logrus.New()
	require.NoError(t, ConfigureLogger(l, LogConfig{Level: "debug", Format: "text", Output: "stdout"}))
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())

	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.WithField("ticket_id", "t-1").Info("hello")
	assert.Contains(t, buf.String(), "ticket_id=t-1")
}

func TestConfigureLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	l := logrus.New()
	l.SetOutput(&bytes.Buffer{})
	require.NoError(t, ConfigureLogger(l, LogConfig{Level: "loud", Format: "json"}))
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}

func TestConfigureLogger_FileOutputCreatesDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "handoff.log")
	l := logrus.New()
	require.NoError(t, ConfigureLogger(l, LogConfig{Level: "info", Output: "file", FilePath: path, MaxSize: 1}))

	l.Info("to file")
	_, err := os.Stat(filepath.Dir(path))
	assert.NoError(t, err)
}
