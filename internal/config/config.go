// Package config loads daemon settings from flags, environment, an optional
// .env file and an optional chatsync.yaml.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/demomastra2025-eng/chatsync/internal/chatsync"
	"github.com/demomastra2025-eng/chatsync/internal/logging"
)

const EnvPrefix = "CHATSYNC"

type GatewayConfig struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
}

type SyncConfig struct {
	PageSize         int
	MatchTolerance   time.Duration
	QueueSize        int
	LabelConcurrency int
	RefreshInterval  time.Duration
	RefreshJitter    float64
}

type HTTPConfig struct {
	Addr         string
	JWTSecret    string
	RateLimit    float64
	RateBurst    int
	MaxBodyBytes int64
}

type Config struct {
	Gateway    GatewayConfig
	Connectors []string
	EventsDSN  string
	HistoryDSN string
	Sync       SyncConfig
	HTTP       HTTPConfig
	LogLevel   string
	LogFormat  string
}

// NewViper returns a viper instance with defaults and CHATSYNC_* env
// binding. Nested keys map to env names with dots replaced by underscores.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("gateway.url", "http://127.0.0.1:8080")
	v.SetDefault("gateway.timeout", 15*time.Second)
	v.SetDefault("gateway.rate_limit", 0.0)
	v.SetDefault("gateway.rate_burst", 10)
	v.SetDefault("connectors", []string{})
	v.SetDefault("events.dsn", "")
	v.SetDefault("history.dsn", "")
	v.SetDefault("sync.page_size", chatsync.DefaultPageSize)
	v.SetDefault("sync.match_tolerance", chatsync.DefaultMatchTolerance)
	v.SetDefault("sync.queue_size", 256)
	v.SetDefault("sync.label_concurrency", 4)
	v.SetDefault("sync.refresh_interval", 5*time.Minute)
	v.SetDefault("sync.refresh_jitter", 0.2)
	v.SetDefault("http.addr", "")
	v.SetDefault("http.jwt_secret", "")
	v.SetDefault("http.rate_limit", 0.0)
	v.SetDefault("http.rate_burst", 20)
	v.SetDefault("http.max_body_bytes", int64(1<<20))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// ReadFile reads path, or chatsync.yaml from the working directory and
// /etc/chatsync when path is empty. A missing default file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		return v.ReadInConfig()
	}
	v.SetConfigName("chatsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/chatsync")
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

// LoadDotEnv loads each existing file into the process environment without
// overriding variables that are already set.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Gateway: GatewayConfig{
			BaseURL:   strings.TrimRight(strings.TrimSpace(v.GetString("gateway.url")), "/"),
			Token:     strings.TrimSpace(v.GetString("gateway.token")),
			Timeout:   v.GetDuration("gateway.timeout"),
			RateLimit: v.GetFloat64("gateway.rate_limit"),
			RateBurst: v.GetInt("gateway.rate_burst"),
		},
		Connectors: splitList(v.GetStringSlice("connectors")),
		EventsDSN:  strings.TrimSpace(v.GetString("events.dsn")),
		HistoryDSN: strings.TrimSpace(v.GetString("history.dsn")),
		Sync: SyncConfig{
			PageSize:         v.GetInt("sync.page_size"),
			MatchTolerance:   v.GetDuration("sync.match_tolerance"),
			QueueSize:        v.GetInt("sync.queue_size"),
			LabelConcurrency: v.GetInt("sync.label_concurrency"),
			RefreshInterval:  v.GetDuration("sync.refresh_interval"),
			RefreshJitter:    v.GetFloat64("sync.refresh_jitter"),
		},
		HTTP: HTTPConfig{
			Addr:         strings.TrimSpace(v.GetString("http.addr")),
			JWTSecret:    v.GetString("http.jwt_secret"),
			RateLimit:    v.GetFloat64("http.rate_limit"),
			RateBurst:    v.GetInt("http.rate_burst"),
			MaxBodyBytes: v.GetInt64("http.max_body_bytes"),
		},
		LogLevel:  strings.TrimSpace(v.GetString("log.level")),
		LogFormat: strings.TrimSpace(v.GetString("log.format")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.Gateway.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("gateway.url must be an http(s) url, got %q", c.Gateway.BaseURL))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("gateway.timeout must be positive"))
	}
	if c.Gateway.RateLimit < 0 {
		errs = append(errs, errors.New("gateway.rate_limit must not be negative"))
	}
	if len(c.Connectors) == 0 {
		errs = append(errs, errors.New("at least one connector is required"))
	}
	if c.Sync.PageSize <= 0 {
		errs = append(errs, errors.New("sync.page_size must be positive"))
	}
	if c.Sync.MatchTolerance < 0 {
		errs = append(errs, errors.New("sync.match_tolerance must not be negative"))
	}
	if c.Sync.QueueSize <= 0 {
		errs = append(errs, errors.New("sync.queue_size must be positive"))
	}
	if c.Sync.LabelConcurrency <= 0 {
		errs = append(errs, errors.New("sync.label_concurrency must be positive"))
	}
	if c.Sync.RefreshInterval < 0 {
		errs = append(errs, errors.New("sync.refresh_interval must not be negative"))
	}
	if c.Sync.RefreshJitter < 0 || c.Sync.RefreshJitter > 1 {
		errs = append(errs, errors.New("sync.refresh_jitter must be between 0 and 1"))
	}
	if c.HTTP.Addr != "" && strings.TrimSpace(c.HTTP.JWTSecret) == "" {
		errs = append(errs, errors.New("http.jwt_secret is required when http.addr is set"))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("http.rate_limit must not be negative"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", chatsync.ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

// splitList accepts both repeated values and comma separated strings, as
// env vars arrive as a single string.
func splitList(raw []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}
