package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/samber/lo"
	"github.com/samber/oops"

	"github.com/carscout/carscout/internal/shared/errors"
)

//go:generate go run github.com/abice/go-enum --file=$GOFILE --names --nocase

// AppEnv represents the application environment
// ENUM(local,production,development,testing)
type AppEnv string

type Config struct {
	TelegramSessionToken string `koanf:"telegram_session_token"`
	TelegramAPIURL       string `koanf:"telegram_api_url"`
	DatabasePath         string `koanf:"database_path"`
	ChannelsFile         string `koanf:"channels_file"`
	HTTPPort             string `koanf:"http_port"`
	AppEnv               AppEnv `koanf:"app_env"`

	// Registry refresh cadence, seconds.
	RefreshInterval int `koanf:"refresh_interval"`

	// Watchdog: force a reconnect after this many seconds without events.
	// Values under 60 are clamped to 60 to avoid reconnect storms.
	IdleThreshold int `koanf:"idle_threshold"`

	// Outbound request quota against the upstream network:
	// rate_quota requests per rate_window seconds.
	RateQuota  int `koanf:"rate_quota"`
	RateWindow int `koanf:"rate_window"`

	// Album aggregation policy.
	QuietPeriodMs int `koanf:"quiet_period_ms"`
	MaxGroupAgeMs int `koanf:"max_group_age_ms"`

	// Groups whose assembled text is shorter than this are discarded as noise.
	MinTextLength int `koanf:"min_text_length"`

	// Deduplicator in-memory cache size.
	DedupCacheSize int `koanf:"dedup_cache_size"`

	// Requeue sweep for committed-but-never-enqueued candidates, seconds.
	// Zero disables the sweep.
	SweepInterval int `koanf:"sweep_interval"`
}

func (c *Config) QuietPeriod() time.Duration {
	return time.Duration(c.QuietPeriodMs) * time.Millisecond
}

func (c *Config) MaxGroupAge() time.Duration {
	return time.Duration(c.MaxGroupAgeMs) * time.Millisecond
}

func (c *Config) IdleThresholdDuration() time.Duration {
	threshold := c.IdleThreshold
	if threshold < 60 {
		threshold = 60
	}
	return time.Duration(threshold) * time.Second
}

func (c *Config) RateWindowDuration() time.Duration {
	return time.Duration(c.RateWindow) * time.Second
}

func (c *Config) RefreshIntervalDuration() time.Duration {
	return time.Duration(c.RefreshInterval) * time.Second
}

func (c *Config) SweepIntervalDuration() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Try to load config file from various formats
	configFiles := []string{
		"config.yaml",
		"config.yml",
		"config.json",
		"config.toml",
	}

	// Use lo.Find to find the first existing config file
	configFile, found := lo.Find(configFiles, func(file string) bool {
		_, err := os.Stat(file)
		return err == nil
	})

	if found {
		var parser koanf.Parser
		ext := filepath.Ext(configFile)

		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		case ".toml":
			parser = toml.Parser()
		default:
			return nil, oops.Errorf("unsupported config file extension: %s", ext)
		}

		if err := k.Load(file.Provider(configFile), parser); err != nil {
			return nil, oops.With("config_file", configFile).Wrap(err)
		}
	}

	// Load environment variables (they override config file values)
	// Convert TELEGRAM_SESSION_TOKEN -> telegram_session_token
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, oops.With("context", "loading environment variables").Wrap(err)
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.With("context", "unmarshaling config").Wrap(err)
	}

	if appEnvStr := k.String("app_env"); appEnvStr != "" {
		if env, err := ParseAppEnv(appEnvStr); err == nil {
			cfg.AppEnv = env
		} else {
			cfg.AppEnv = AppEnvProduction
		}
	} else {
		cfg.AppEnv = AppEnvProduction
	}

	if cfg.TelegramSessionToken == "" {
		return nil, errors.ErrMissingSessionToken
	}

	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]interface{}{
		"telegram_api_url": "https://api.telegram.org",
		"database_path":    "./data/carscout.db",
		"channels_file":    "channels.yaml",
		"http_port":        "8080",
		"app_env":          "production",
		"refresh_interval": 300,
		"idle_threshold":   300,
		"rate_quota":       20,
		"rate_window":      60,
		"quiet_period_ms":  2000,
		"max_group_age_ms": 10000,
		"min_text_length":  10,
		"dedup_cache_size": 10000,
		"sweep_interval":   600,
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
}
