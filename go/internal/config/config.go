// Package config loads server and client settings from an optional YAML file,
// a .env file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Transport selects how a client replica follows the server
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportPoll      Transport = "poll"
)

type Config struct {
	LogLevel string       `yaml:"log_level"`
	Server   ServerConfig `yaml:"server"`
	Client   ClientConfig `yaml:"client"`
}

type ServerConfig struct {
	Port             string        `yaml:"port"`
	Store            string        `yaml:"store"`
	StateFile        string        `yaml:"state_file"`
	DatabaseURL      string        `yaml:"database_url"`
	AutoTickInterval time.Duration `yaml:"auto_tick_interval"`
	ClockMode        string        `yaml:"clock_mode"`
	AuthTokens       []string      `yaml:"auth_tokens"`
	NatsURL          string        `yaml:"nats_url"`
}

type ClientConfig struct {
	ServerURL         string        `yaml:"server_url"`
	Token             string        `yaml:"token"`
	Transport         Transport     `yaml:"transport"`
	LocalState        string        `yaml:"local_state"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	MaxReconnects     int           `yaml:"max_reconnects"`
}

// Default returns the built-in settings
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:             "8000",
			Store:            "file",
			StateFile:        "timers_state.json",
			AutoTickInterval: time.Second,
			ClockMode:        string(timers.ClockWall),
		},
		Client: ClientConfig{
			ServerURL:         "http://127.0.0.1:8000",
			Transport:         TransportWebSocket,
			LocalState:        defaultLocalState(),
			PollInterval:      2 * time.Second,
			ReconnectInterval: 3 * time.Second,
			MaxReconnects:     3,
		},
	}
}

func defaultLocalState() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "mytimer_local_state.json"
	}
	return dir + "/mytimer/local_state.json"
}

// Load builds the configuration. path names a YAML file; when empty the
// MYTIMER_CONFIG variable is consulted, and no file is read if both are empty.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv("MYTIMER_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// UnmarshalYAML reads interval fields the way the environment does, so a bare
// number means seconds.
func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	if err := normalizeDurations(value, "auto_tick_interval"); err != nil {
		return err
	}
	type plain ServerConfig
	return value.Decode((*plain)(s))
}

// UnmarshalYAML reads interval fields the way the environment does, so a bare
// number means seconds.
func (c *ClientConfig) UnmarshalYAML(value *yaml.Node) error {
	if err := normalizeDurations(value, "poll_interval", "reconnect_interval"); err != nil {
		return err
	}
	type plain ClientConfig
	return value.Decode((*plain)(c))
}

// normalizeDurations rewrites the named scalar fields of a mapping node into
// Go duration strings.
func normalizeDurations(node *yaml.Node, keys ...string) error {
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if val.Kind != yaml.ScalarNode || !slices.Contains(keys, key.Value) {
			continue
		}
		d, err := ParseSeconds(val.Value)
		if err != nil {
			return fmt.Errorf("%s: %w", key.Value, err)
		}
		val.Tag = "!!str"
		val.Style = 0
		val.Value = d.String()
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error

	setString(&c.LogLevel, "LOG_LEVEL")

	setString(&c.Server.Port, "MYTIMER_API_PORT")
	setString(&c.Server.Store, "MYTIMER_STORE")
	setString(&c.Server.StateFile, "MYTIMER_STATE_FILE")
	setString(&c.Server.DatabaseURL, "MYTIMER_DATABASE_URL")
	setString(&c.Server.ClockMode, "MYTIMER_CLOCK_MODE")
	setString(&c.Server.NatsURL, "NATS_URL")
	errs = append(errs, setSeconds(&c.Server.AutoTickInterval, "MYTIMER_AUTO_TICK_INTERVAL"))
	if v := os.Getenv("MYTIMER_AUTH_TOKENS"); v != "" {
		c.Server.AuthTokens = splitList(v)
	}

	setString(&c.Client.ServerURL, "MYTIMER_SERVER_URL")
	setString(&c.Client.Token, "MYTIMER_TOKEN")
	setString(&c.Client.LocalState, "MYTIMER_LOCAL_STATE")
	if v := os.Getenv("MYTIMER_TRANSPORT"); v != "" {
		c.Client.Transport = Transport(v)
	}
	errs = append(errs,
		setSeconds(&c.Client.PollInterval, "MYTIMER_POLL_INTERVAL"),
		setSeconds(&c.Client.ReconnectInterval, "MYTIMER_RECONNECT_INTERVAL"),
		setInt(&c.Client.MaxReconnects, "MYTIMER_MAX_RECONNECTS"),
	)

	return errors.Join(errs...)
}

// Validate checks enumerated settings
func (c *Config) Validate() error {
	if _, err := timers.ParseClockMode(c.Server.ClockMode); err != nil {
		return err
	}
	switch c.Server.Store {
	case "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store %q", c.Server.Store)
	}
	switch c.Client.Transport {
	case TransportWebSocket, TransportPoll:
	default:
		return fmt.Errorf("unknown transport %q", c.Client.Transport)
	}
	if c.Client.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Client.PollInterval)
	}
	if c.Client.ReconnectInterval < 0 {
		return fmt.Errorf("reconnect interval must not be negative, got %s", c.Client.ReconnectInterval)
	}
	if c.Client.MaxReconnects < 0 {
		return fmt.Errorf("max reconnects must not be negative, got %d", c.Client.MaxReconnects)
	}
	return nil
}

// Addr returns the listen address of the server
func (s ServerConfig) Addr() string {
	return ":" + s.Port
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

// setSeconds accepts a Go duration ("1.5s") or a bare number of seconds.
func setSeconds(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := ParseSeconds(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// ParseSeconds parses a Go duration string or a bare number of seconds
func ParseSeconds(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
