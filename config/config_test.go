package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	require.Equal(t, ":8085", cfg.ListenAddress)
	require.Equal(t, 0.0001, cfg.FeeRatePerKB)
	require.Equal(t, 10*time.Second, cfg.PollIntervalDuration())
	require.Equal(t, time.Minute, cfg.JoinWaitDuration())
	require.Equal(t, time.Minute, cfg.ReleaseWaitDuration())
	require.Equal(t, 120, cfg.RateLimitPerMinute)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
ListenAddress = ":9000"
Environment = "prod"
DataDir = "/var/lib/middleman"
NodeURL = "http://node:9332"
NodeRPCUser = "rpc"
NodeRPCPass = "hunter2"
FeeRatePerKB = 0.0002
PollInterval = "5s"
JoinWait = "2m"
ReleaseWait = "90s"
WebhookURL = "http://front-end:8080/hooks"
RateLimitPerMinute = 30
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, "prod", cfg.Environment)
	require.Equal(t, 0.0002, cfg.FeeRatePerKB)
	require.Equal(t, 5*time.Second, cfg.PollIntervalDuration())
	require.Equal(t, 2*time.Minute, cfg.JoinWaitDuration())
	require.Equal(t, 90*time.Second, cfg.ReleaseWaitDuration())
	require.Equal(t, "http://front-end:8080/hooks", cfg.WebhookURL)
	require.Equal(t, 30, cfg.RateLimitPerMinute)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"zero fee":      `FeeRatePerKB = 0.0`,
		"negative poll": `PollInterval = "-1s"`,
		"empty listen":  `ListenAddress = ""`,
		"empty node":    `NodeURL = " "`,
		"zero limit":    `RateLimitPerMinute = 0`,
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`PollInterval = "soon"`), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}
