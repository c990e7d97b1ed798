// Package config loads and validates ingestion configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata" // embedded zoneinfo for ingest.timezone

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage and archive drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverLocal    = "local"
	DriverGCS      = "gcs"
	DriverPubSub   = "pubsub"
)

// MaxBatchDays is the widest batch the search site paginates completely.
const MaxBatchDays = 31

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	EnvFile string        `mapstructure:"env_file"`
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Search  SearchConfig  `mapstructure:"search"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Extract ExtractConfig `mapstructure:"extract"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the read-only API server.
type ServerConfig struct {
	Port              int    `mapstructure:"port"`
	ReadHeaderTimeout int    `mapstructure:"read_header_timeout_seconds"`
	APIKey            string `mapstructure:"api_key"`
}

// StorageConfig picks where sales are written.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// DBConfig controls access to Postgres. DSN wins over the discrete fields.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Host                   string `mapstructure:"host"`
	Port                   int    `mapstructure:"port"`
	Name                   string `mapstructure:"name"`
	User                   string `mapstructure:"user"`
	Password               string `mapstructure:"password"`
	SSLMode                string `mapstructure:"sslmode"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// IngestConfig shapes the run window.
type IngestConfig struct {
	BatchDays    int    `mapstructure:"batch_days"`
	LookbackDays int    `mapstructure:"lookback_days"`
	Timezone     string `mapstructure:"timezone"`
}

// SearchConfig describes the search endpoint.
type SearchConfig struct {
	BaseURL string   `mapstructure:"base_url"`
	AreaIDs []string `mapstructure:"area_ids"`
}

// FetchConfig configures the HTTP client, retries and politeness.
type FetchConfig struct {
	UserAgent      string            `mapstructure:"user_agent"`
	Headers        map[string]string `mapstructure:"headers"`
	RespectRobots  bool              `mapstructure:"respect_robots"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int               `mapstructure:"max_body_bytes"`
	MaxAttempts    int               `mapstructure:"max_attempts"`
	BaseDelayMs    int               `mapstructure:"base_delay_ms"`
	RequestsPerSec float64           `mapstructure:"requests_per_second"`
	Burst          int               `mapstructure:"burst"`
}

// ExtractConfig toggles record-level strictness.
type ExtractConfig struct {
	Strict bool `mapstructure:"strict"`
}

// ArchiveConfig controls the raw page archive.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"`
	Prefix  string `mapstructure:"prefix"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
}

// NotifyConfig holds the Pub/Sub target for run summaries.
type NotifyConfig struct {
	Driver    string `mapstructure:"driver"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MetricsConfig configures the Pushgateway used by one-shot runs.
type MetricsConfig struct {
	PushURL string `mapstructure:"push_url"`
	Job     string `mapstructure:"job"`
}

// TracingConfig enables OpenTelemetry spans, exported to Cloud Trace when
// ProjectID is set.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	ProjectID   string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if err := loadEnvFile(v.GetString("env_file")); err != nil {
		return Config{}, err
	}
	if err := bindDeploymentEnv(v); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadEnvFile applies a local override file. Variables already set in the
// process environment win, and a missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// bindDeploymentEnv maps the unprefixed database variables used by the
// container deployment onto the db section.
func bindDeploymentEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"db.name":     {"CRAWLER_DB_NAME", "POSTGRES_DB"},
		"db.user":     {"CRAWLER_DB_USER", "POSTGRES_USER"},
		"db.password": {"CRAWLER_DB_PASSWORD", "POSTGRES_PASSWORD"},
		"db.host":     {"CRAWLER_DB_HOST", "DB_HOST_IP", "DB_HOST"},
		"db.port":     {"CRAWLER_DB_PORT", "DB_PORT"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env_file", ".env")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout_seconds", 10)
	v.SetDefault("storage.driver", DriverPostgres)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.table", "apartment_sales")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("ingest.batch_days", MaxBatchDays)
	v.SetDefault("ingest.lookback_days", 90)
	v.SetDefault("ingest.timezone", "Europe/Stockholm")
	v.SetDefault("search.base_url", "https://www.booli.se/sok/slutpriser")
	v.SetDefault("search.area_ids", []string{"2"})
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_attempts", 4)
	v.SetDefault("fetch.base_delay_ms", 1000)
	v.SetDefault("fetch.requests_per_second", 1.0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("extract.strict", false)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.driver", DriverLocal)
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.dir", "./archive")
	v.SetDefault("notify.driver", DriverPubSub)
	v.SetDefault("metrics.job", "apartment-sales-ingest")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "apartment-sales-crawler")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Storage.Driver {
	case DriverPostgres:
		if c.DB.DSN == "" && (c.DB.Host == "" || c.DB.Name == "") {
			return fmt.Errorf("db.dsn or db.host and db.name are required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", DriverPostgres, DriverMemory, c.Storage.Driver)
	}
	if c.Ingest.BatchDays < 1 || c.Ingest.BatchDays > MaxBatchDays {
		return fmt.Errorf("ingest.batch_days must be between 1 and %d", MaxBatchDays)
	}
	if c.Ingest.LookbackDays < 0 {
		return fmt.Errorf("ingest.lookback_days must be >= 0")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := url.Parse(c.Search.BaseURL); err != nil || c.Search.BaseURL == "" {
		return fmt.Errorf("search.base_url must be a valid URL")
	}
	if c.Fetch.MaxAttempts < 1 {
		return fmt.Errorf("fetch.max_attempts must be >= 1")
	}
	if c.Fetch.BaseDelayMs < 0 {
		return fmt.Errorf("fetch.base_delay_ms must be >= 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Archive.Enabled {
		switch c.Archive.Driver {
		case DriverMemory, DriverLocal:
		case DriverGCS:
			if c.Archive.Bucket == "" {
				return fmt.Errorf("archive.bucket is required for the gcs driver")
			}
		default:
			return fmt.Errorf("archive.driver must be memory, local or gcs, got %q", c.Archive.Driver)
		}
	}
	if c.Notify.Topic != "" {
		switch c.Notify.Driver {
		case DriverMemory:
		case DriverPubSub, "":
			if c.Notify.ProjectID == "" {
				return fmt.Errorf("notify.project_id is required when notify.topic is set")
			}
		default:
			return fmt.Errorf("notify.driver must be pubsub or memory, got %q", c.Notify.Driver)
		}
	}
	return nil
}

// ConnString returns the Postgres connection string.
func (d DBConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, fmt.Sprint(d.Port)),
		Path:   "/" + d.Name,
	}
	if d.User != "" {
		if d.Password != "" {
			u.User = url.UserPassword(d.User, d.Password)
		} else {
			u.User = url.User(d.User)
		}
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}

// MaxConnLifetime converts the configured minutes to a duration.
func (d DBConfig) MaxConnLifetime() time.Duration {
	return time.Duration(d.MaxConnLifetimeMinutes) * time.Minute
}

// Location resolves the timezone that decides which day "today" is.
func (c Config) Location() (*time.Location, error) {
	if c.Ingest.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Ingest.Timezone)
	if err != nil {
		return nil, fmt.Errorf("ingest.timezone: %w", err)
	}
	return loc, nil
}

// Timeout returns the per-request fetch timeout.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// BaseDelay returns the backoff base unit.
func (f FetchConfig) BaseDelay() time.Duration {
	return time.Duration(f.BaseDelayMs) * time.Millisecond
}
