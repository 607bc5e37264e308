package synthgate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/synthgate/synthgate/flags"
)

// parseConfig runs NewConfig through a real cli invocation so flag defaults
// and IsSet behave exactly as they do in production.
func parseConfig(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var cfg *Config
	var cfgErr error
	app := cli.NewApp()
	app.Name = "synthgate"
	app.Flags = flags.Flags
	app.Action = func(ctx *cli.Context) error {
		cfg, cfgErr = NewConfig(ctx, testlog.Logger(t, log.LevelDebug))
		return nil
	}
	require.NoError(t, app.Run(append([]string{"synthgate"}, args...)))
	return cfg, cfgErr
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synthgate.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(t, "--api-key", "k", "--app-key", "a")
	require.NoError(t, err)

	assert.Equal(t, "synthgate.io", cfg.Site)
	assert.Equal(t, []string{"**/*.synthetics.yaml"}, cfg.Files)
	assert.Empty(t, cfg.PublicIDs)
	assert.Empty(t, cfg.Search)
	assert.Equal(t, 30*time.Minute, cfg.PollTimeout)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.False(t, cfg.Tunnel)
	assert.Equal(t, "127.0.0.1:4510", cfg.TunnelLocalAddr)
	assert.Nil(t, cfg.ProxyURL)
	assert.True(t, cfg.RunOnce)
	assert.Zero(t, cfg.RunInterval)
	assert.Empty(t, cfg.JUnitReport)
}

func TestNewConfigMissingCredentials(t *testing.T) {
	_, err := parseConfig(t)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.Contains(t, err.Error(), "API key")
}

func TestNewConfigFromFile(t *testing.T) {
	path := writeConfigFile(t, `
api_key = "file-api-key"
app_key = "file-app-key"
site = "eu.synthgate.io"
public_ids = ["abc-def-ghi"]
search = "tag:ci"
override_start_url = "https://staging.example.com"
locations = ["aws:eu-west-1"]
poll_timeout = "10m"
poll_interval = "2s"
tunnel = true
tunnel_local_addr = "127.0.0.1:9000"
junit_report = "report.xml"
`)

	cfg, err := parseConfig(t, "--config", path)
	require.NoError(t, err)

	assert.Equal(t, "file-api-key", cfg.APIKey)
	assert.Equal(t, "file-app-key", cfg.AppKey)
	assert.Equal(t, "eu.synthgate.io", cfg.Site)
	assert.Equal(t, []string{"abc-def-ghi"}, cfg.PublicIDs)
	assert.Equal(t, "tag:ci", cfg.Search)
	assert.Equal(t, "https://staging.example.com", cfg.GlobalOverride.StartURL)
	assert.Equal(t, []string{"aws:eu-west-1"}, cfg.GlobalOverride.Locations)
	assert.Equal(t, 10*time.Minute, cfg.PollTimeout)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.True(t, cfg.Tunnel)
	assert.Equal(t, "127.0.0.1:9000", cfg.TunnelLocalAddr)
	assert.Equal(t, "report.xml", cfg.JUnitReport)
}

func TestNewConfigFlagsWinOverFile(t *testing.T) {
	path := writeConfigFile(t, `
api_key = "file-api-key"
app_key = "file-app-key"
site = "eu.synthgate.io"
poll_timeout = "10m"
`)

	cfg, err := parseConfig(t, "--config", path,
		"--api-key", "flag-api-key",
		"--site", "us.synthgate.io",
		"--poll-timeout", "1m")
	require.NoError(t, err)

	assert.Equal(t, "flag-api-key", cfg.APIKey)
	assert.Equal(t, "file-app-key", cfg.AppKey, "values the flags leave alone come from the file")
	assert.Equal(t, "us.synthgate.io", cfg.Site)
	assert.Equal(t, time.Minute, cfg.PollTimeout)
}

func TestNewConfigTunnelEnabledByEitherSide(t *testing.T) {
	path := writeConfigFile(t, `
api_key = "k"
app_key = "a"
tunnel = true
`)

	cfg, err := parseConfig(t, "--config", path)
	require.NoError(t, err)
	assert.True(t, cfg.Tunnel)

	cfg, err = parseConfig(t, "--api-key", "k", "--app-key", "a", "--tunnel")
	require.NoError(t, err)
	assert.True(t, cfg.Tunnel)
}

func TestNewConfigProxy(t *testing.T) {
	cfg, err := parseConfig(t, "--api-key", "k", "--app-key", "a",
		"--proxy", "http://proxy.internal:3128")
	require.NoError(t, err)
	require.NotNil(t, cfg.ProxyURL)
	assert.Equal(t, "proxy.internal:3128", cfg.ProxyURL.Host)

	_, err = parseConfig(t, "--api-key", "k", "--app-key", "a", "--proxy", "://bad")
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestNewConfigUnreadableFile(t *testing.T) {
	_, err := parseConfig(t, "--config", filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestNewConfigRunInterval(t *testing.T) {
	cfg, err := parseConfig(t, "--api-key", "k", "--app-key", "a", "--run-interval", "1h")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.RunInterval)
	assert.False(t, cfg.RunOnce)
}

func TestAppBaseURL(t *testing.T) {
	cfg := &Config{Site: "synthgate.io"}
	assert.Equal(t, "https://app.synthgate.io", cfg.AppBaseURL())
}

func TestTOMLDuration(t *testing.T) {
	var d TOMLDuration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, TOMLDuration(90*time.Second), d)

	require.Error(t, d.UnmarshalText([]byte("not a duration")))
}
