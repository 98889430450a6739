// Package config layers the config file, FLOWRESOLVER_* environment variables
// and command line flags into one validated Config.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"flow-policy-resolver/internal/authority"
	"flow-policy-resolver/internal/engine"
)

const (
	EnvPrefix  = "FLOWRESOLVER"
	ConfigName = "flowresolver"
)

type ResolverConfig struct {
	BatchSize      int
	Boundary       bool
	CatchAllIPList string
	Parallel       bool
}

type CatalogConfig struct {
	Provider string // file, mariadb or none
	Path     string
	DSN      string
	CacheTTL time.Duration
}

type LogConfig struct {
	Level      string
	File       string
	MaxSize    int // megabytes
	MaxBackups int
	Compress   bool
}

type Config struct {
	Authority   authority.Config
	Resolver    ResolverConfig
	Catalog     CatalogConfig
	Log         LogConfig
	MetricsFile string
}

// New returns a viper instance with defaults, search paths and environment
// binding set up. Flags are bound by the caller.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName(ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.flowresolver/")
	v.AddConfigPath("/etc/flowresolver/")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("authority.org_id", 1)
	v.SetDefault("authority.timeout", 60*time.Second)
	v.SetDefault("authority.rate_limit", 2.0)
	v.SetDefault("authority.burst", 1)

	v.SetDefault("resolver.batch_size", 100)
	v.SetDefault("resolver.boundary", true)
	v.SetDefault("resolver.catch_all_ip_list", engine.DefaultCatchAllIPList)
	v.SetDefault("resolver.parallel", false)

	v.SetDefault("catalog.provider", "none")
	v.SetDefault("catalog.cache_ttl", 10*time.Minute)

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
}

// ReadFile reads the config file at path, or searches the default locations
// when path is empty. A missing file in the default locations is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Authority: authority.Config{
			BaseURL:   v.GetString("authority.url"),
			OrgID:     v.GetInt("authority.org_id"),
			APIKey:    v.GetString("authority.api_key"),
			APISecret: v.GetString("authority.api_secret"),
			Timeout:   v.GetDuration("authority.timeout"),
			RateLimit: v.GetFloat64("authority.rate_limit"),
			Burst:     v.GetInt("authority.burst"),
		},
		Resolver: ResolverConfig{
			BatchSize:      v.GetInt("resolver.batch_size"),
			Boundary:       v.GetBool("resolver.boundary"),
			CatchAllIPList: v.GetString("resolver.catch_all_ip_list"),
			Parallel:       v.GetBool("resolver.parallel"),
		},
		Catalog: CatalogConfig{
			Provider: strings.ToLower(v.GetString("catalog.provider")),
			Path:     v.GetString("catalog.path"),
			DSN:      v.GetString("catalog.dsn"),
			CacheTTL: v.GetDuration("catalog.cache_ttl"),
		},
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			File:       v.GetString("log.file"),
			MaxSize:    v.GetInt("log.max_size"),
			MaxBackups: v.GetInt("log.max_backups"),
			Compress:   v.GetBool("log.compress"),
		},
		MetricsFile: v.GetString("metrics.file"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Authority.BaseURL == "" {
		return fmt.Errorf("authority.url must be set")
	}
	if c.Authority.OrgID <= 0 {
		return fmt.Errorf("authority.org_id must be positive, got %d", c.Authority.OrgID)
	}
	if c.Authority.RateLimit <= 0 {
		return fmt.Errorf("authority.rate_limit must be positive, got %v", c.Authority.RateLimit)
	}
	if c.Resolver.BatchSize <= 0 {
		return fmt.Errorf("resolver.batch_size must be positive, got %d", c.Resolver.BatchSize)
	}
	switch c.Catalog.Provider {
	case "none", "":
	case "file":
		if c.Catalog.Path == "" {
			return fmt.Errorf("catalog.path must be set for the file provider")
		}
	case "mariadb":
		if c.Catalog.DSN == "" {
			return fmt.Errorf("catalog.dsn must be set for the mariadb provider")
		}
	default:
		return fmt.Errorf("unknown catalog provider: %s", c.Catalog.Provider)
	}
	return nil
}
