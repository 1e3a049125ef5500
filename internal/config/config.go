// Package config loads service configuration from defaults, an optional
// YAML file, WITHME_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "WITHME"

type Config struct {
	Port              string          `mapstructure:"port"`
	Storage           StorageConfig   `mapstructure:"storage"`
	CORSOrigin        string          `mapstructure:"cors_origin"`
	GeoIPDB           string          `mapstructure:"geoip_db"`
	RateLimit         RateLimitConfig `mapstructure:"rate_limit"`
	Stats             StatsConfig     `mapstructure:"stats"`
	Stream            StreamConfig    `mapstructure:"stream"`
	MaxBodyBytes      int64           `mapstructure:"max_body_bytes"`
	TrustProxyHeaders bool            `mapstructure:"trust_proxy_headers"`
	Log               LogConfig       `mapstructure:"log"`
}

type StorageConfig struct {
	// Driver is "postgres" or "bolt".
	Driver      string `mapstructure:"driver"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	BoltPath    string `mapstructure:"bolt_path"`
}

type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

type StatsConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type StreamConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
	BatchSize    int           `mapstructure:"batch_size"`
	Retry        time.Duration `mapstructure:"retry"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Format is text or json.
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("storage.driver", "bolt")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.bolt_path", "withme.db")
	v.SetDefault("cors_origin", "*")
	v.SetDefault("geoip_db", "")
	v.SetDefault("rate_limit.max_requests", 10)
	v.SetDefault("rate_limit.window_seconds", 60)
	v.SetDefault("stats.ttl", "60s")
	v.SetDefault("stream.poll_interval", "2s")
	v.SetDefault("stream.max_lifetime", "55s")
	v.SetDefault("stream.batch_size", 20)
	v.SetDefault("stream.retry", "3s")
	v.SetDefault("max_body_bytes", 64<<10)
	v.SetDefault("trust_proxy_headers", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load parses args (without the program name) and builds the configuration.
// A file named by --config must exist; otherwise withme.yaml is looked up in
// the working directory and /etc/withme and skipped when absent.
func Load(args []string) (Config, error) {
	fs := pflag.NewFlagSet("withme-api", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a YAML config file")
	fs.String("port", "", "HTTP listen port")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlag("port", fs.Lookup("port")); err != nil {
		return Config{}, err
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		v.SetConfigName("withme")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/withme/")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if *configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	switch c.Storage.Driver {
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	case "bolt":
		if c.Storage.BoltPath == "" {
			errs = append(errs, errors.New("storage.bolt_path is required for the bolt driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: must be postgres or bolt", c.Storage.Driver))
	}
	if c.RateLimit.MaxRequests <= 0 {
		errs = append(errs, errors.New("rate_limit.max_requests must be positive"))
	}
	if c.RateLimit.WindowSeconds <= 0 {
		errs = append(errs, errors.New("rate_limit.window_seconds must be positive"))
	}
	if c.Stats.TTL <= 0 {
		errs = append(errs, errors.New("stats.ttl must be positive"))
	}
	if c.Stream.PollInterval <= 0 || c.Stream.MaxLifetime <= 0 || c.Stream.Retry <= 0 {
		errs = append(errs, errors.New("stream durations must be positive"))
	}
	if c.Stream.BatchSize <= 0 {
		errs = append(errs, errors.New("stream.batch_size must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max_body_bytes must be positive"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q: must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", c.Level, err)
	}
	return level, nil
}
