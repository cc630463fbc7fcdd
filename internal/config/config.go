// Package config provides configuration loading for the kmssigner CLI.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	kmssigner "github.com/bluewhale55/web3-kms-signer"
	"github.com/bluewhale55/web3-kms-signer/gcpkms"
	"github.com/bluewhale55/web3-kms-signer/openbao"
	"github.com/bluewhale55/web3-kms-signer/pubkeycache"
)

// Backend names
const (
	BackendGCP     = "gcp"
	BackendOpenBao = "openbao"
	BackendLocal   = "local"
)

// Cache types
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds all configuration for the CLI.
type Config struct {
	Backend   string                `mapstructure:"backend"`
	KeyRing   kmssigner.KeyRingPath `mapstructure:"key_ring"`
	StorePath string                `mapstructure:"store_path"`
	GCP       gcpkms.Config         `mapstructure:"gcp"`
	OpenBao   OpenBaoConfig         `mapstructure:"openbao"`
	Local     LocalConfig           `mapstructure:"local"`
	Cache     CacheConfig           `mapstructure:"cache"`
	Log       LogConfig             `mapstructure:"log"`
}

// OpenBaoConfig holds OpenBao connection settings.
type OpenBaoConfig struct {
	Address       string        `mapstructure:"address"`
	Token         string        `mapstructure:"token"`
	Namespace     string        `mapstructure:"namespace"`
	MountPath     string        `mapstructure:"mount_path"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	SkipTLSVerify bool          `mapstructure:"skip_tls_verify"`
}

// Client returns the openbao package configuration.
func (c OpenBaoConfig) Client() openbao.Config {
	return openbao.Config{
		Addr:          c.Address,
		Token:         c.Token,
		Namespace:     c.Namespace,
		MountPath:     c.MountPath,
		HTTPTimeout:   c.HTTPTimeout,
		SkipTLSVerify: c.SkipTLSVerify,
	}
}

// LocalConfig holds the HD wallet seed for the local backend.
type LocalConfig struct {
	Mnemonic   string `mapstructure:"mnemonic"`
	Passphrase string `mapstructure:"passphrase"`
}

// CacheConfig selects the public key cache.
type CacheConfig struct {
	Type  string                  `mapstructure:"type"` // none, memory, redis
	TTL   time.Duration           `mapstructure:"ttl"`
	Redis pubkeycache.RedisConfig `mapstructure:"redis"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// SlogLevel parses Level.
func (c LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Load reads configuration from file (optional) and KMSSIGNER_ environment
// variables. An empty path searches the default locations.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kmssigner")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.kmssigner")
		v.AddConfigPath("/etc/kmssigner")
	}

	v.SetEnvPrefix("KMSSIGNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Secrets are commonly supplied only through the environment.
	_ = v.BindEnv("openbao.token", "KMSSIGNER_OPENBAO_TOKEN")
	_ = v.BindEnv("local.mnemonic", "KMSSIGNER_LOCAL_MNEMONIC")
	_ = v.BindEnv("local.passphrase", "KMSSIGNER_LOCAL_PASSPHRASE")
	_ = v.BindEnv("cache.redis.password", "KMSSIGNER_CACHE_REDIS_PASSWORD")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendGCP)
	v.SetDefault("key_ring.project_id", "")
	v.SetDefault("key_ring.location_id", "global")
	v.SetDefault("key_ring.key_ring_id", "")
	v.SetDefault("store_path", "")

	v.SetDefault("gcp.credentials_file", "")
	v.SetDefault("gcp.endpoint", "")

	v.SetDefault("openbao.address", "http://localhost:8200")
	v.SetDefault("openbao.namespace", "")
	v.SetDefault("openbao.mount_path", openbao.DefaultMountPath)
	v.SetDefault("openbao.http_timeout", openbao.DefaultHTTPTimeout)
	v.SetDefault("openbao.skip_tls_verify", false)

	v.SetDefault("cache.type", CacheNone)
	v.SetDefault("cache.ttl", pubkeycache.DefaultTTL)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.key_prefix", pubkeycache.DefaultKeyPrefix)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate checks that the selected backend and cache are known.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendGCP, BackendOpenBao, BackendLocal:
	default:
		return kmssigner.NewValidationError("backend", fmt.Sprintf("unknown backend %q", c.Backend))
	}
	switch c.Cache.Type {
	case CacheNone, CacheMemory, CacheRedis:
	default:
		return kmssigner.NewValidationError("cache.type", fmt.Sprintf("unknown cache %q", c.Cache.Type))
	}
	return nil
}
