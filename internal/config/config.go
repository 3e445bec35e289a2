// Package config loads client settings from YAML.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// OriginEnv overrides server.origin when set.
const OriginEnv = "WATCHPARTY_ORIGIN"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	// Origin is the scheme and host of the web app, e.g. https://party.example.com.
	Origin string `yaml:"origin"`
}

type AuthConfig struct {
	RefreshPath       string        `yaml:"refresh_path"`
	RefreshTimeout    time.Duration `yaml:"-"`
	RefreshMaxElapsed time.Duration `yaml:"-"`

	RefreshTimeoutRaw    string `yaml:"refresh_timeout"`
	RefreshMaxElapsedRaw string `yaml:"refresh_max_elapsed"`
}

type RealtimeConfig struct {
	Path           string        `yaml:"path"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	WriteWait      time.Duration `yaml:"-"`
	PongWait       time.Duration `yaml:"-"`
	ReconnectMin   time.Duration `yaml:"-"`
	ReconnectMax   time.Duration `yaml:"-"`

	WriteWaitRaw    string `yaml:"write_wait"`
	PongWaitRaw     string `yaml:"pong_wait"`
	ReconnectMinRaw string `yaml:"reconnect_min"`
	ReconnectMaxRaw string `yaml:"reconnect_max"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Origin: "http://localhost:8080"},
		Auth: AuthConfig{
			RefreshPath:       "/api/auth/refresh_token",
			RefreshTimeout:    30 * time.Second,
			RefreshMaxElapsed: 10 * time.Second,
		},
		Realtime: RealtimeConfig{
			Path:           "/api/ws/connect",
			MaxMessageSize: 1 << 20,
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
			ReconnectMin:   500 * time.Millisecond,
			ReconnectMax:   30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path on top of Default. An empty path loads just the defaults.
// Either way the origin environment override applies.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := cfg.parse(data); err != nil {
			return nil, err
		}
	}

	if origin := os.Getenv(OriginEnv); origin != "" {
		cfg.Server.Origin = origin
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.parse(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) parse(data []byte) error {
	expandedData := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value; unset is empty.
func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envRef.FindStringSubmatch(match)[1])
	})
}

func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Server.Origin)
	switch {
	case c.Server.Origin == "":
		errs = append(errs, errors.New("server.origin is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("server.origin: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("server.origin %q must be http or https", c.Server.Origin))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("server.origin %q has no host", c.Server.Origin))
	}

	if c.Auth.RefreshPath == "" {
		errs = append(errs, errors.New("auth.refresh_path is required"))
	}
	if c.Auth.RefreshTimeout <= 0 {
		errs = append(errs, errors.New("auth.refresh_timeout must be positive"))
	}
	if c.Auth.RefreshMaxElapsed < 0 {
		errs = append(errs, errors.New("auth.refresh_max_elapsed must not be negative"))
	}

	if c.Realtime.Path == "" {
		errs = append(errs, errors.New("realtime.path is required"))
	}
	if c.Realtime.PongWait <= 0 {
		errs = append(errs, errors.New("realtime.pong_wait must be positive"))
	}
	if c.Realtime.ReconnectMax < c.Realtime.ReconnectMin {
		errs = append(errs, errors.New("realtime.reconnect_max must not be below reconnect_min"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json", "color":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of text, json, color", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.refresh_timeout", cfg.Auth.RefreshTimeoutRaw, &cfg.Auth.RefreshTimeout},
		{"auth.refresh_max_elapsed", cfg.Auth.RefreshMaxElapsedRaw, &cfg.Auth.RefreshMaxElapsed},
		{"realtime.write_wait", cfg.Realtime.WriteWaitRaw, &cfg.Realtime.WriteWait},
		{"realtime.pong_wait", cfg.Realtime.PongWaitRaw, &cfg.Realtime.PongWait},
		{"realtime.reconnect_min", cfg.Realtime.ReconnectMinRaw, &cfg.Realtime.ReconnectMin},
		{"realtime.reconnect_max", cfg.Realtime.ReconnectMaxRaw, &cfg.Realtime.ReconnectMax},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
