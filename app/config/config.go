package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MESHCORE_GW_RADIO_HOST.
const EnvPrefix = "MESHCORE_GW"

// Config holds the gateway configuration. The `mapstructure` tags map the
// YAML keys onto the struct.
type Config struct {
	Radio struct {
		Host           string        `mapstructure:"host"`
		Port           int           `mapstructure:"port"`
		CommandTimeout time.Duration `mapstructure:"command_timeout"`
	} `mapstructure:"radio"`
	HTTP struct {
		Addr string        `mapstructure:"addr"`
		Tick time.Duration `mapstructure:"tick"`
	} `mapstructure:"http"`
	DataDir  string `mapstructure:"data_dir"`
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`

	Discovery struct {
		MaxChannels   int           `mapstructure:"max_channels"`
		MaxUndefined  int           `mapstructure:"max_undefined"`
		ProbeAttempts int           `mapstructure:"probe_attempts"`
		RetryAttempts int           `mapstructure:"retry_attempts"`
		ProbeDelay    time.Duration `mapstructure:"probe_delay"`
		RetryInterval time.Duration `mapstructure:"retry_interval"`
	} `mapstructure:"discovery"`
	Dedup struct {
		MaxSize int `mapstructure:"max_size"`
	} `mapstructure:"dedup"`
	Reconnect struct {
		MaxAttempts int           `mapstructure:"max_attempts"`
		BaseDelay   time.Duration `mapstructure:"base_delay"`
	} `mapstructure:"reconnect"`
	Contacts struct {
		RefreshInterval time.Duration `mapstructure:"refresh_interval"`
		Retention       time.Duration `mapstructure:"retention"`
	} `mapstructure:"contacts"`
	Archive struct {
		MessageRetention time.Duration `mapstructure:"message_retention"`
		RxLogRetention   time.Duration `mapstructure:"rxlog_retention"`
		CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	} `mapstructure:"archive"`
	KeyCache struct {
		Backend   string `mapstructure:"backend"`
		RedisAddr string `mapstructure:"redis_addr"`
	} `mapstructure:"keycache"`
	NATS struct {
		URL     string `mapstructure:"url"`
		Subject string `mapstructure:"subject"`
	} `mapstructure:"nats"`
}

// RadioAddr returns host:port of the companion radio.
func (c *Config) RadioAddr() string {
	return fmt.Sprintf("%s:%d", c.Radio.Host, c.Radio.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("radio.host", "127.0.0.1")
	v.SetDefault("radio.port", 5000)
	v.SetDefault("radio.command_timeout", 5*time.Second)
	v.SetDefault("http.addr", "127.0.0.1:8080")
	v.SetDefault("http.tick", 500*time.Millisecond)
	v.SetDefault("data_dir", "~/.meshcore-gateway")
	v.SetDefault("debug", false)
	v.SetDefault("log_level", "info")

	v.SetDefault("discovery.max_channels", 8)
	v.SetDefault("discovery.max_undefined", 3)
	v.SetDefault("discovery.probe_attempts", 1)
	v.SetDefault("discovery.retry_attempts", 2)
	v.SetDefault("discovery.probe_delay", 300*time.Millisecond)
	v.SetDefault("discovery.retry_interval", 30*time.Second)

	v.SetDefault("dedup.max_size", 200)
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.base_delay", 5*time.Second)
	v.SetDefault("contacts.refresh_interval", 5*time.Minute)
	v.SetDefault("contacts.retention", 90*24*time.Hour)

	v.SetDefault("archive.message_retention", 30*24*time.Hour)
	v.SetDefault("archive.rxlog_retention", 7*24*time.Hour)
	v.SetDefault("archive.cleanup_interval", 24*time.Hour)

	v.SetDefault("keycache.backend", "file")
	v.SetDefault("keycache.redis_addr", "localhost:6379")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "meshcore.messages")
}

// Load reads the configuration. An empty path uses defaults and
// environment variables only; a missing file at an explicit path is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("error reading the configuration file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("could not map the configuration to the struct: %w", err)
	}

	dir, err := expandHome(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = dir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the worker cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Radio.Host == "":
		return errors.New("radio.host must be set")
	case c.Radio.Port <= 0 || c.Radio.Port > 65535:
		return fmt.Errorf("radio.port %d out of range", c.Radio.Port)
	case c.Radio.CommandTimeout <= 0:
		return errors.New("radio.command_timeout must be positive")
	case c.HTTP.Tick <= 0:
		return errors.New("http.tick must be positive")
	case c.Discovery.MaxChannels <= 0:
		return errors.New("discovery.max_channels must be positive")
	case c.Discovery.ProbeAttempts <= 0 || c.Discovery.RetryAttempts <= 0:
		return errors.New("discovery attempts must be positive")
	case c.Discovery.RetryInterval <= 0:
		return errors.New("discovery.retry_interval must be positive")
	case c.Dedup.MaxSize <= 0:
		return errors.New("dedup.max_size must be positive")
	case c.Reconnect.MaxAttempts <= 0:
		return errors.New("reconnect.max_attempts must be positive")
	}
	switch c.KeyCache.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("keycache.backend %q must be file or redis", c.KeyCache.Backend)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
