package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigTOML(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
[server]
tcp_port = 9000
http_port = 0

[host]
name = "Friday Night"
tags = ["eu", "casual"]
max_players = 8
password = "letmein"

[protocol]
max_datagram_bytes = 512
byte_accurate_split = true

[limits]
ping_interval_seconds = 2
ban_duration_minutes = 60
`), false)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.TCPPort)
	assert.Equal(t, 0, cfg.Server.HTTPPort)
	assert.Equal(t, 9090, cfg.Server.MetricsPort, "missing keys keep defaults")

	sc := cfg.ToServerConfig()
	assert.Equal(t, "Friday Night", sc.Name)
	assert.Equal(t, []string{"eu", "casual"}, sc.Tags)
	assert.Equal(t, 8, sc.MaxPlayers)
	assert.Equal(t, "letmein", sc.Password)
	assert.Equal(t, 512, sc.MaxDatagramBytes)
	assert.True(t, sc.ByteAccurateSplit)
	assert.Equal(t, 2*time.Second, sc.PingInterval)
	assert.Equal(t, 30*time.Second, sc.ReassemblyTTL)
	assert.Equal(t, time.Hour, sc.BanDuration)
	assert.Equal(t, 168*time.Hour, sc.PostRetention)
}

func TestParseConfigYAML(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  tcp_port: 6000
host:
  name: yaml host
  admin_password: secret
limits:
  max_decode_errors: 2
`), true)
	require.NoError(t, err)

	sc := cfg.ToServerConfig()
	assert.Equal(t, 6000, sc.TCPPort)
	assert.Equal(t, 7778, sc.HTTPPort)
	assert.Equal(t, "yaml host", sc.Name)
	assert.Equal(t, "secret", sc.AdminPassword)
	assert.Equal(t, 2, sc.MaxDecodeErrors)
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ParseConfig([]byte("[server]\ntcp_prot = 1\n"), false)
	assert.ErrorContains(t, err, "tcp_prot")

	_, err = ParseConfig([]byte("server:\n  tcp_prot: 1\n"), true)
	assert.Error(t, err)

	_, err = ParseConfig([]byte("[server\n"), false)
	assert.Error(t, err)
}

func TestDefaultConfigFilesMatchDefaults(t *testing.T) {
	want := DefaultFileConfig()

	fromTOML, err := ParseConfig([]byte(defaultConfigTOML), false)
	require.NoError(t, err)
	assert.Equal(t, want, fromTOML)

	fromYAML, err := ParseConfig([]byte(defaultConfigYAML), true)
	require.NoError(t, err)
	assert.Equal(t, want, fromYAML)
}

func TestLoadConfigWritesDefaultFile(t *testing.T) {
	for _, name := range []string{"config.toml", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)

			cfg, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, DefaultFileConfig(), cfg)

			_, err = os.Stat(path)
			require.NoError(t, err, "default config should be written")

			again, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, again)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SESSIONWIRE_SERVER_TCP_PORT", "8123")
	t.Setenv("SESSIONWIRE_HOST_TAGS", "a, b ,c")
	t.Setenv("SESSIONWIRE_PROTOCOL_BYTE_ACCURATE_SPLIT", "true")
	t.Setenv("SESSIONWIRE_LIMITS_REASSEMBLY_TTL_SECONDS", "not a number")

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\ntcp_port = 1\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8123, cfg.Server.TCPPort)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Host.Tags)
	assert.True(t, cfg.Protocol.ByteAccurateSplit)
	assert.Equal(t, 30, cfg.Limits.ReassemblyTTLSeconds, "unparsable values are ignored")
}

func TestGetDatabasePathExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := DefaultFileConfig()
	path, err := cfg.GetDatabasePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".sessionwire", "sessionwire.db"), path)

	cfg.Server.DatabasePath = "/var/lib/host.db"
	path, err = cfg.GetDatabasePath()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/host.db", path)
}
