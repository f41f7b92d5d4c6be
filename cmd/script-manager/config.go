package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TiagoJoseMS/script-manager/internal/scripts"
)

const defaultConfigPath = "config.yaml"

type Config struct {
	ScriptsDir string `yaml:"scripts_dir"`
	Locale     string `yaml:"locale"` // empty: taken from LC_ALL / LANG
	Watch      struct {
		Enabled      *bool  `yaml:"enabled"`
		Debounce     string `yaml:"debounce"`
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"watch"`
	Exec struct {
		Timeout string `yaml:"timeout"` // "0" disables the deadline
	} `yaml:"exec"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		ClientID        string `yaml:"client_id"`
		TopicPrefix     string `yaml:"topic_prefix"`
		Discovery       bool   `yaml:"discovery"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	debounce     time.Duration
	pollInterval time.Duration
	execTimeout  time.Duration
	localeForced bool
}

// loadConfig reads path and applies defaults. A missing file is only an
// error when the path was given explicitly.
func loadConfig(path string, explicit bool) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Locale == "" {
		cfg.Locale = systemLocale()
	}
	cfg.Locale = scripts.NormalizeLocale(cfg.Locale)
	if cfg.Watch.Enabled == nil {
		on := true
		cfg.Watch.Enabled = &on
	}
	if cfg.Watch.Debounce == "" {
		cfg.Watch.Debounce = scripts.DefaultDebounce.String()
	}
	if cfg.Watch.PollInterval == "" {
		cfg.Watch.PollInterval = scripts.DefaultPollInterval.String()
	}
	if cfg.Exec.Timeout == "" {
		cfg.Exec.Timeout = "30s"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "script-manager.db"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "script-manager"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var err error
	if c.debounce, err = parseDuration("watch.debounce", c.Watch.Debounce); err != nil {
		return err
	}
	if c.debounce <= 0 {
		return fmt.Errorf("watch.debounce must be positive, got %s", c.Watch.Debounce)
	}
	if c.pollInterval, err = parseDuration("watch.poll_interval", c.Watch.PollInterval); err != nil {
		return err
	}
	if c.pollInterval <= 0 {
		return fmt.Errorf("watch.poll_interval must be positive, got %s", c.Watch.PollInterval)
	}
	if c.execTimeout, err = parseDuration("exec.timeout", c.Exec.Timeout); err != nil {
		return err
	}
	if c.execTimeout < 0 {
		return fmt.Errorf("exec.timeout must not be negative, got %s", c.Exec.Timeout)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func parseDuration(key, v string) (time.Duration, error) {
	if v == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func systemLocale() string {
	for _, env := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(env); v != "" && v != "C" && v != "POSIX" {
			return v
		}
	}
	return scripts.LocaleEN
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
