package util

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

const Name = "fedengine"
const ConfigFileName = "config.yaml"
const EnvPrefix = "FEDENGINE_"

//go:embed config_default.yaml
var embeddedConfig []byte

type FetchConf struct {
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT, overwrite"`
	Attempts uint          `yaml:"attempts" env:"ATTEMPTS, overwrite"`
}

type CacheConf struct {
	MaxEntries int64         `yaml:"maxEntries" env:"MAX_ENTRIES, overwrite"`
	TTL        time.Duration `yaml:"ttl" env:"TTL, overwrite"`
}

type ActorConf struct {
	MaxAge time.Duration `yaml:"maxAge" env:"MAX_AGE, overwrite"`
}

type DeliveryConf struct {
	Workers      int             `yaml:"workers" env:"WORKERS, overwrite"`
	MaxAttempts  int             `yaml:"maxAttempts" env:"MAX_ATTEMPTS, overwrite"`
	PollInterval time.Duration   `yaml:"pollInterval" env:"POLL_INTERVAL, overwrite"`
	Timeout      time.Duration   `yaml:"timeout" env:"TIMEOUT, overwrite"`
	Backoff      []time.Duration `yaml:"backoff" env:"BACKOFF, overwrite"`
}

type DedupConf struct {
	Backend   string        `yaml:"backend" env:"BACKEND, overwrite"`
	Retention time.Duration `yaml:"retention" env:"RETENTION, overwrite"`
	RedisAddr string        `yaml:"redisAddr" env:"REDIS_ADDR, overwrite"`
}

type EmailConf struct {
	ResendApiKey string `yaml:"resendApiKey" env:"RESEND_API_KEY, overwrite"`
	From         string `yaml:"from" env:"FROM, overwrite"`
}

type RateLimitConf struct {
	PerSecond float64 `yaml:"perSecond" env:"PER_SECOND, overwrite"`
	Burst     int     `yaml:"burst" env:"BURST, overwrite"`
}

type AppConfig struct {
	Conf struct {
		Host          string        `yaml:"host" env:"HOST, overwrite"`
		HttpPort      int           `yaml:"httpPort" env:"HTTPPORT, overwrite"`
		SslDomain     string        `yaml:"sslDomain" env:"SSLDOMAIN, overwrite"`
		DatabasePath  string        `yaml:"databasePath" env:"DATABASE_PATH, overwrite"`
		ContentFilter string        `yaml:"contentFilter" env:"CONTENT_FILTER, overwrite"`
		UserAgent     string        `yaml:"userAgent" env:"USER_AGENT, overwrite"`
		MaxBodyBytes  int64         `yaml:"maxBodyBytes" env:"MAX_BODY_BYTES, overwrite"`
		Fetch         FetchConf     `yaml:"fetch" env:", prefix=FETCH_"`
		Cache         CacheConf     `yaml:"cache" env:", prefix=CACHE_"`
		Actor         ActorConf     `yaml:"actor" env:", prefix=ACTOR_"`
		Delivery      DeliveryConf  `yaml:"delivery" env:", prefix=DELIVERY_"`
		Dedup         DedupConf     `yaml:"dedup" env:", prefix=DEDUP_"`
		Email         EmailConf     `yaml:"email" env:", prefix=EMAIL_"`
		RateLimit     RateLimitConf `yaml:"rateLimit" env:", prefix=RATELIMIT_"`
	} `yaml:"conf" env:", prefix=FEDENGINE_"`
}

// ReadConf loads the yaml config (local dir first, then the user config dir) and applies
// FEDENGINE_* environment overrides on top of it.
func ReadConf() (*AppConfig, error) {
	return readConf(envconfig.OsLookuper())
}

func readConf(lookuper envconfig.Lookuper) (*AppConfig, error) {
	c := &AppConfig{}

	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		slog.Info("Config file not found, using embedded defaults", "path", configPath)
		buf = embeddedConfig

		configDir, dirErr := ConfigDir()
		if dirErr == nil {
			userConfigPath := filepath.Join(configDir, ConfigFileName)
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				slog.Warn("Could not write default config", "path", userConfigPath, "error", writeErr)
			} else {
				slog.Info("Created default config file", "path", userConfigPath)
			}
		}
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	err = envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   c,
		Lookuper: lookuper,
	})
	if err != nil {
		return nil, fmt.Errorf("in environment: %w", err)
	}

	return c, nil
}
