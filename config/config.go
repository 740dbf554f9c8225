package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"optionflow/models"
)

type Config struct {
	Optionflow OptionflowConfig `yaml:"optionflow"`
	Assets     []string         `yaml:"assets"`
	Expiries   ExpiriesConfig   `yaml:"expiries"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Source     SourceConfig     `yaml:"source"`
	Storage    StorageConfig    `yaml:"storage"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Notify     NotifyConfig     `yaml:"notify"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type OptionflowConfig struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	Namespace string `yaml:"namespace"`
}

type ExpiriesConfig struct {
	Primary    string   `yaml:"primary"`
	Additional []string `yaml:"additional"`
}

// All returns the primary expiry followed by the additional ones, deduplicated.
func (e ExpiriesConfig) All() []string {
	out := []string{e.Primary}
	seen := map[string]bool{e.Primary: true}
	for _, x := range e.Additional {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	return out
}

type JobsConfig struct {
	RefreshUnderlyingSec int           `yaml:"refresh_underlying_sec"`
	RefreshIVMin         int           `yaml:"refresh_iv_min"`
	RefreshVolMin        int           `yaml:"refresh_vol_min"`
	RefreshChainMin      int           `yaml:"refresh_chain_min"`
	StaleTolerance       int           `yaml:"stale_tolerance"`
	SessionResetUTC      string        `yaml:"session_reset_utc"`
	RunOnStart           bool          `yaml:"run_on_start"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
}

func (j JobsConfig) UnderlyingInterval() time.Duration {
	return time.Duration(j.RefreshUnderlyingSec) * time.Second
}

func (j JobsConfig) IVInterval() time.Duration {
	return time.Duration(j.RefreshIVMin) * time.Minute
}

func (j JobsConfig) VolumeInterval() time.Duration {
	return time.Duration(j.RefreshVolMin) * time.Minute
}

func (j JobsConfig) ChainInterval() time.Duration {
	return time.Duration(j.RefreshChainMin) * time.Minute
}

// SessionReset returns the daily reset as an offset from UTC midnight.
func (j JobsConfig) SessionReset() (time.Duration, error) {
	t, err := time.Parse("15:04", j.SessionResetUTC)
	if err != nil {
		return 0, fmt.Errorf("jobs.session_reset_utc %q must be HH:MM: %w", j.SessionResetUTC, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type ExchangeConfig struct {
	APIBase        string               `yaml:"api_base"`
	LocalIP        string               `yaml:"local_ip"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	TradeLimit     int                  `yaml:"trade_limit"`
}

type SourceConfig struct {
	Primary  string         `yaml:"primary"`
	Fallback []string       `yaml:"fallback"`
	Timeout  time.Duration  `yaml:"timeout"`
	Binance  ExchangeConfig `yaml:"binance"`
	Bybit    ExchangeConfig `yaml:"bybit"`
}

// Order is the primary followed by the fallbacks.
func (s SourceConfig) Order() []string {
	return append([]string{s.Primary}, s.Fallback...)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StorageConfig struct {
	Backend      string        `yaml:"backend"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Redis        RedisConfig   `yaml:"redis"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ArchiveConfig struct {
	S3            S3Config      `yaml:"s3"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRows       int           `yaml:"max_rows"`
	Compression   string        `yaml:"compression"`
}

type NatsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type NotifyConfig struct {
	Nats NatsConfig `yaml:"nats"`
}

type ChannelsConfig struct {
	PublishedBuffer int `yaml:"published_buffer"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type MetricsConfig struct {
	Prometheus bool             `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
	DashboardName  string        `yaml:"dashboard_name"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		Optionflow: OptionflowConfig{Name: "optionflow", Version: "1.0.0", Namespace: "quikstrike"},
		Assets:     []string{"BTC"},
		Expiries:   ExpiriesConfig{Primary: "2026-01-31"},
		Jobs: JobsConfig{
			RefreshUnderlyingSec: 60,
			RefreshIVMin:         5,
			RefreshVolMin:        5,
			RefreshChainMin:      15,
			StaleTolerance:       3,
			SessionResetUTC:      "08:00",
			RunOnStart:           true,
			ShutdownTimeout:      30 * time.Second,
		},
		Source: SourceConfig{
			Primary:  "binance",
			Fallback: []string{"bybit"},
			Timeout:  10 * time.Second,
			Binance:  defaultExchange("https://eapi.binance.com"),
			Bybit:    defaultExchange("https://api.bybit.com"),
		},
		Storage: StorageConfig{
			Backend:      "redis",
			WriteTimeout: 5 * time.Second,
			Redis:        RedisConfig{Addr: "localhost:6379"},
		},
		Archive: ArchiveConfig{
			FlushInterval: time.Hour,
			MaxRows:       50000,
			Compression:   "snappy",
			S3:            S3Config{Prefix: "options-snapshots"},
		},
		Notify: NotifyConfig{Nats: NatsConfig{
			URL:           "nats://localhost:4222",
			Stream:        "OPTIONS",
			SubjectPrefix: "options.snapshot",
		}},
		Channels: ChannelsConfig{PublishedBuffer: 256},
		Metrics:  MetricsConfig{Prometheus: true, CloudWatch: CloudWatchConfig{Namespace: "OptionFlow"}},
		Dashboard: DashboardConfig{
			Address:         ":8080",
			RefreshInterval: 5 * time.Second,
			LogHistory:      200,
			MetricsHistory:  500,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout", ReportInterval: time.Minute},
	}
}

func defaultExchange(base string) ExchangeConfig {
	return ExchangeConfig{
		APIBase: base,
		ConnectionPool: ConnectionPoolConfig{
			MaxIdleConns:    20,
			MaxConnsPerHost: 10,
			IdleConnTimeout: 90 * time.Second,
		},
		RateLimit:  RateLimitConfig{RequestsPerSecond: 5, BurstSize: 10},
		TradeLimit: 100,
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(resolveEnvSpecificPath(path, DefaultPath, envSpecificPaths))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	config.Archive.S3.Bucket = strings.TrimSpace(config.Archive.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := env("DEFAULT_ASSETS"); v != "" {
		cfg.Assets = strings.Split(v, ",")
	}
	if v := env("PRIMARY_EXPIRY"); v != "" {
		cfg.Expiries.Primary = v
	}
	if v := env("BINANCE_API_BASE"); v != "" {
		cfg.Source.Binance.APIBase = v
	}
	if v := env("BYBIT_API_BASE"); v != "" {
		cfg.Source.Bybit.APIBase = v
	}
	for name, dst := range map[string]*int{
		"REFRESH_UNDERLYING_SEC": &cfg.Jobs.RefreshUnderlyingSec,
		"REFRESH_IV_MIN":         &cfg.Jobs.RefreshIVMin,
		"REFRESH_VOL_MIN":        &cfg.Jobs.RefreshVolMin,
	} {
		if v := env(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s must be an integer: %w", name, err)
			}
			*dst = n
		}
	}
	if v := env("REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := env("REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := env("NATS_URL"); v != "" {
		cfg.Notify.Nats.URL = v
	}

	if cfg.Archive.S3.Enabled {
		if v := env("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Archive.S3.AccessKeyID = v
		}
		if v := env("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Archive.S3.SecretAccessKey = v
		}
		if v := env("AWS_REGION"); v != "" {
			cfg.Archive.S3.Region = v
		}
		if v := env("S3_BUCKET"); v != "" {
			cfg.Archive.S3.Bucket = v
		}
	}
	return nil
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func validateConfig(cfg *Config) error {
	if cfg.Optionflow.Name == "" {
		return fmt.Errorf("optionflow.name is required")
	}
	if cfg.Optionflow.Version == "" {
		return fmt.Errorf("optionflow.version is required")
	}
	if cfg.Optionflow.Namespace == "" || strings.Contains(cfg.Optionflow.Namespace, "/") {
		return fmt.Errorf("optionflow.namespace must be a single non-empty path segment")
	}

	if len(cfg.Assets) == 0 {
		return fmt.Errorf("assets must list at least one asset")
	}
	for i, a := range cfg.Assets {
		asset, err := models.ParseAsset(a)
		if err != nil {
			return fmt.Errorf("assets[%d]: %w", i, err)
		}
		cfg.Assets[i] = asset.String()
	}

	for _, e := range cfg.Expiries.All() {
		if _, err := models.ParseExpiry(e); err != nil {
			return fmt.Errorf("expiries: %w", err)
		}
	}

	if cfg.Jobs.RefreshUnderlyingSec <= 0 {
		return fmt.Errorf("jobs.refresh_underlying_sec must be greater than 0")
	}
	if cfg.Jobs.RefreshIVMin <= 0 {
		return fmt.Errorf("jobs.refresh_iv_min must be greater than 0")
	}
	if cfg.Jobs.RefreshVolMin <= 0 {
		return fmt.Errorf("jobs.refresh_vol_min must be greater than 0")
	}
	if cfg.Jobs.RefreshChainMin <= 0 {
		return fmt.Errorf("jobs.refresh_chain_min must be greater than 0")
	}
	if cfg.Jobs.StaleTolerance <= 0 {
		return fmt.Errorf("jobs.stale_tolerance must be greater than 0")
	}
	if _, err := cfg.Jobs.SessionReset(); err != nil {
		return err
	}

	if cfg.Source.Timeout <= 0 {
		return fmt.Errorf("source.timeout must be greater than 0")
	}
	seen := map[string]bool{}
	for _, name := range cfg.Source.Order() {
		switch name {
		case "binance", "bybit":
		default:
			return fmt.Errorf("source %q is not supported", name)
		}
		if seen[name] {
			return fmt.Errorf("source %q listed twice", name)
		}
		seen[name] = true
	}

	switch cfg.Storage.Backend {
	case "memory":
	case "redis":
		if cfg.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", cfg.Storage.Backend)
	}
	if cfg.Storage.WriteTimeout <= 0 {
		return fmt.Errorf("storage.write_timeout must be greater than 0")
	}

	if cfg.Channels.PublishedBuffer <= 0 {
		return fmt.Errorf("channels.published_buffer must be greater than 0")
	}

	if cfg.Archive.S3.Enabled {
		if cfg.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when S3 is enabled")
		}
		if cfg.Archive.S3.Region == "" {
			return fmt.Errorf("archive.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Archive.S3.Bucket) {
			return fmt.Errorf("archive.s3.bucket '%s' is invalid", cfg.Archive.S3.Bucket)
		}
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0")
		}
	}

	if cfg.Notify.Nats.Enabled && cfg.Notify.Nats.URL == "" {
		return fmt.Errorf("notify.nats.url is required when NATS is enabled")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
