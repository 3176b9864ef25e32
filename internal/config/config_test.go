package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, 60*time.Second, cfg.PongWait)
	assert.Equal(t, 64, cfg.SendBuffer)
	assert.Equal(t, "kick", cfg.Backpressure)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "huddle.db", cfg.Store.Path)
	assert.Equal(t, 5, cfg.Limits.CallInitiations)
	assert.Equal(t, 10*time.Second, cfg.Limits.CallInterval)
	assert.Equal(t, 1000, cfg.Limits.ChatMaxLength)
	assert.Equal(t, 50, cfg.Limits.MeetingCapacity)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers[0].URLs)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("HUDDLE_PORT", "9090")
	t.Setenv("HUDDLE_STORE_DRIVER", "memory")
	t.Setenv("HUDDLE_LIMITS_CHAT_MAX_LENGTH", "200")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 200, cfg.Limits.ChatMaxLength)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := `
port: 7000
backpressure: drop
store:
  driver: memory
ice_servers:
  - urls: ["turn:turn.example.org:3478"]
    username: bot
    credential: s3cret
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(yaml), 0o600))
	chdir(t, dir)
	t.Setenv("CONFIG_ENV", "test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "drop", cfg.Backpressure)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, "bot", cfg.ICEServers[0].Username)
}

func TestLoadRejectsInvalid(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("HUDDLE_BACKPRESSURE", "ignore")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port:         8080,
			PingPeriod:   54 * time.Second,
			PongWait:     60 * time.Second,
			SendBuffer:   64,
			Backpressure: "kick",
			Store:        StoreConfig{Driver: "sqlite", Path: "huddle.db"},
		}
	}
	cases := map[string]func(*Config){
		"port":             func(c *Config) { c.Port = 70000 },
		"pong before ping": func(c *Config) { c.PongWait = c.PingPeriod },
		"send buffer":      func(c *Config) { c.SendBuffer = 0 },
		"backpressure":     func(c *Config) { c.Backpressure = "ignore" },
		"sqlite path":      func(c *Config) { c.Store.Path = " " },
		"driver":           func(c *Config) { c.Store.Driver = "postgres" },
	}

	base := valid()
	require.NoError(t, base.Validate())
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWebRTCICEServers(t *testing.T) {
	cfg := Config{ICEServers: []ICEServerConfig{
		{URLs: []string{"stun:stun.example.org:3478"}},
		{},
		{URLs: []string{"turn:turn.example.org:3478"}, Username: "bot", Credential: "s3cret"},
	}}

	got := cfg.WebRTCICEServers()
	require.Len(t, got, 2)
	assert.Empty(t, got[0].Username)
	assert.Equal(t, "bot", got[1].Username)
	assert.Equal(t, "s3cret", got[1].Credential)
	assert.Equal(t, webrtc.ICECredentialTypePassword, got[1].CredentialType)
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
