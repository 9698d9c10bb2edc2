package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

// FileConfig represents the structure of the server config file. The same
// keys are accepted in TOML and YAML.
type FileConfig struct {
	Server   ServerSection   `toml:"server" yaml:"server"`
	Host     HostSection     `toml:"host" yaml:"host"`
	Protocol ProtocolSection `toml:"protocol" yaml:"protocol"`
	Limits   LimitsSection   `toml:"limits" yaml:"limits"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port" yaml:"tcp_port"`
	HTTPPort     int    `toml:"http_port" yaml:"http_port"`
	MetricsPort  int    `toml:"metrics_port" yaml:"metrics_port"`
	BindAddress  string `toml:"bind_address" yaml:"bind_address"`
	DatabasePath string `toml:"database_path" yaml:"database_path"`
	LogLevel     string `toml:"log_level" yaml:"log_level"`
}

type HostSection struct {
	Name          string   `toml:"name" yaml:"name"`
	Description   string   `toml:"description" yaml:"description"`
	Tags          []string `toml:"tags" yaml:"tags"`
	MaxPlayers    int      `toml:"max_players" yaml:"max_players"`
	Password      string   `toml:"password" yaml:"password"`
	AdminPassword string   `toml:"admin_password" yaml:"admin_password"`
}

type ProtocolSection struct {
	MaxDatagramBytes  int  `toml:"max_datagram_bytes" yaml:"max_datagram_bytes"`
	ByteAccurateSplit bool `toml:"byte_accurate_split" yaml:"byte_accurate_split"`
}

type LimitsSection struct {
	MaxDecodeErrors      int `toml:"max_decode_errors" yaml:"max_decode_errors"`
	PingIntervalSeconds  int `toml:"ping_interval_seconds" yaml:"ping_interval_seconds"`
	ReassemblyTTLSeconds int `toml:"reassembly_ttl_seconds" yaml:"reassembly_ttl_seconds"`
	WriteTimeoutSeconds  int `toml:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	PostRetentionHours   int `toml:"post_retention_hours" yaml:"post_retention_hours"`
	BanDurationMinutes   int `toml:"ban_duration_minutes" yaml:"ban_duration_minutes"`
}

// DefaultFileConfig returns the default configuration
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Server: ServerSection{
			TCPPort:      7777,
			HTTPPort:     7778,
			MetricsPort:  9090,
			DatabasePath: "~/.sessionwire/sessionwire.db",
			LogLevel:     "info",
		},
		Host: HostSection{
			Name:        "Sessionwire Host",
			Description: "A sessionwire game session",
			MaxPlayers:  32,
		},
		Protocol: ProtocolSection{
			MaxDatagramBytes: 1200,
		},
		Limits: LimitsSection{
			MaxDecodeErrors:      8,
			PingIntervalSeconds:  5,
			ReassemblyTTLSeconds: 30,
			WriteTimeoutSeconds:  10,
			PostRetentionHours:   168, // 7 days
		},
	}
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadConfig loads configuration from a TOML or YAML file (chosen by
// extension), creates a default file if none exists, and applies
// environment variable overrides
func LoadConfig(path string) (FileConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return FileConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultFileConfig()
		// If we can't write, just run with defaults
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}
	config, err := ParseConfig(data, isYAML(path))
	if err != nil {
		return FileConfig{}, err
	}
	return applyEnvOverrides(config), nil
}

// ParseConfig decodes a config document. Keys missing from the document
// keep their defaults.
func ParseConfig(data []byte, asYAML bool) (FileConfig, error) {
	config := DefaultFileConfig()
	if asYAML {
		if err := yaml.UnmarshalStrict(data, &config); err != nil {
			return FileConfig{}, fmt.Errorf("failed to parse config file: %w", err)
		}
		return config, nil
	}
	md, err := toml.Decode(string(data), &config)
	if err != nil {
		return FileConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return FileConfig{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	return config, nil
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: SESSIONWIRE_SECTION_KEY
// Example: SESSIONWIRE_SERVER_TCP_PORT=8080
func applyEnvOverrides(config FileConfig) FileConfig {
	// Server section
	envInt("SESSIONWIRE_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("SESSIONWIRE_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("SESSIONWIRE_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("SESSIONWIRE_SERVER_BIND_ADDRESS", &config.Server.BindAddress)
	envString("SESSIONWIRE_SERVER_DATABASE_PATH", &config.Server.DatabasePath)
	envString("SESSIONWIRE_SERVER_LOG_LEVEL", &config.Server.LogLevel)

	// Host section
	envString("SESSIONWIRE_HOST_NAME", &config.Host.Name)
	envString("SESSIONWIRE_HOST_DESCRIPTION", &config.Host.Description)
	if val := os.Getenv("SESSIONWIRE_HOST_TAGS"); val != "" {
		tags := strings.Split(val, ",")
		for i, tag := range tags {
			tags[i] = strings.TrimSpace(tag)
		}
		config.Host.Tags = tags
	}
	envInt("SESSIONWIRE_HOST_MAX_PLAYERS", &config.Host.MaxPlayers)
	envString("SESSIONWIRE_HOST_PASSWORD", &config.Host.Password)
	envString("SESSIONWIRE_HOST_ADMIN_PASSWORD", &config.Host.AdminPassword)

	// Protocol section
	envInt("SESSIONWIRE_PROTOCOL_MAX_DATAGRAM_BYTES", &config.Protocol.MaxDatagramBytes)
	if val := os.Getenv("SESSIONWIRE_PROTOCOL_BYTE_ACCURATE_SPLIT"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			config.Protocol.ByteAccurateSplit = enabled
		}
	}

	// Limits section
	envInt("SESSIONWIRE_LIMITS_MAX_DECODE_ERRORS", &config.Limits.MaxDecodeErrors)
	envInt("SESSIONWIRE_LIMITS_PING_INTERVAL_SECONDS", &config.Limits.PingIntervalSeconds)
	envInt("SESSIONWIRE_LIMITS_REASSEMBLY_TTL_SECONDS", &config.Limits.ReassemblyTTLSeconds)
	envInt("SESSIONWIRE_LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)
	envInt("SESSIONWIRE_LIMITS_POST_RETENTION_HOURS", &config.Limits.PostRetentionHours)
	envInt("SESSIONWIRE_LIMITS_BAN_DURATION_MINUTES", &config.Limits.BanDurationMinutes)

	return config
}

const defaultConfigTOML = `# Sessionwire Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# SESSIONWIRE_SECTION_KEY (e.g., SESSIONWIRE_SERVER_TCP_PORT=8080)

[server]
# Port for framed TCP connections
tcp_port = 7777

# Port for the WebSocket endpoint (/ws). Set to 0 to disable
http_port = 7778

# Port for Prometheus metrics (/metrics, /health). Internal only. 0 disables
metrics_port = 9090

# Interface to bind; empty means all interfaces
# bind_address = "127.0.0.1"

# Path to SQLite database file
database_path = "~/.sessionwire/sessionwire.db"

# One of: trace, debug, info, warn, error
log_level = "info"

[host]
name = "Sessionwire Host"
description = "A sessionwire game session"
# tags = ["pvp", "eu"]
max_players = 32

# Players must present this password in a Credentials packet
# password = ""

# Presenting this password grants admin rights. A bcrypt hash is accepted too
# admin_password = ""

[protocol]
# Maximum encoded datagram size. Every peer must use the same value
max_datagram_bytes = 1200

# Split long posts on encoded size instead of character count
byte_accurate_split = false

[limits]
# Consecutive undecodable datagrams before a session is dropped
max_decode_errors = 8

# Seconds between RTT probes and Ping broadcasts
ping_interval_seconds = 5

# Seconds an incomplete multi-part post is kept
reassembly_ttl_seconds = 30

write_timeout_seconds = 10

# Stored posts older than this are deleted. 0 keeps them forever
post_retention_hours = 168

# Length of bans issued by admins. 0 is permanent
# ban_duration_minutes = 0
`

const defaultConfigYAML = `# Sessionwire Server Configuration
# Environment variables override these settings: SESSIONWIRE_SECTION_KEY
server:
  tcp_port: 7777
  http_port: 7778
  metrics_port: 9090
  database_path: "~/.sessionwire/sessionwire.db"
  log_level: info
host:
  name: Sessionwire Host
  description: A sessionwire game session
  max_players: 32
protocol:
  max_datagram_bytes: 1200
  byte_accurate_split: false
limits:
  max_decode_errors: 8
  ping_interval_seconds: 5
  reassembly_ttl_seconds: 30
  write_timeout_seconds: 10
  post_retention_hours: 168
`

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	content := defaultConfigTOML
	if isYAML(path) {
		content = defaultConfigYAML
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts FileConfig to ServerConfig
func (c *FileConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	cfg.TCPPort = c.Server.TCPPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort
	cfg.BindAddress = strings.TrimSpace(c.Server.BindAddress)
	if c.Server.LogLevel != "" {
		cfg.LogLevel = c.Server.LogLevel
	}

	if strings.TrimSpace(c.Host.Name) != "" {
		cfg.Name = c.Host.Name
	}
	cfg.Description = c.Host.Description
	cfg.Tags = c.Host.Tags
	if c.Host.MaxPlayers != 0 {
		cfg.MaxPlayers = c.Host.MaxPlayers
	}
	cfg.Password = c.Host.Password
	cfg.AdminPassword = c.Host.AdminPassword

	if c.Protocol.MaxDatagramBytes != 0 {
		cfg.MaxDatagramBytes = c.Protocol.MaxDatagramBytes
	}
	cfg.ByteAccurateSplit = c.Protocol.ByteAccurateSplit

	if c.Limits.MaxDecodeErrors != 0 {
		cfg.MaxDecodeErrors = c.Limits.MaxDecodeErrors
	}
	if c.Limits.PingIntervalSeconds != 0 {
		cfg.PingInterval = time.Duration(c.Limits.PingIntervalSeconds) * time.Second
	}
	if c.Limits.ReassemblyTTLSeconds != 0 {
		cfg.ReassemblyTTL = time.Duration(c.Limits.ReassemblyTTLSeconds) * time.Second
	}
	if c.Limits.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	}
	cfg.PostRetention = time.Duration(c.Limits.PostRetentionHours) * time.Hour
	cfg.BanDuration = time.Duration(c.Limits.BanDurationMinutes) * time.Minute

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *FileConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}
