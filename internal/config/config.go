package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config configures the FHIR search server.
type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	LogLevel              string        `mapstructure:"LOG_LEVEL"`
	StoreBackend          string        `mapstructure:"STORE_BACKEND"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	SearchDefinitionsFile string        `mapstructure:"SEARCH_DEFINITIONS_FILE"`
	MaxChainDepth         int           `mapstructure:"MAX_CHAIN_DEPTH"`
	DefaultItemCount      int           `mapstructure:"DEFAULT_ITEM_COUNT"`
	MaxItemCount          int           `mapstructure:"MAX_ITEM_COUNT"`
	BodyLimit             string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// newViper reads .env (if present) and the environment. Every key must be
// bound explicitly so that Unmarshal sees variables absent from .env.
func newViper(defaults map[string]any, keys []string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()
	return v
}

var serverKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"SEARCH_DEFINITIONS_FILE", "MAX_CHAIN_DEPTH", "DEFAULT_ITEM_COUNT", "MAX_ITEM_COUNT",
	"BODY_LIMIT", "REQUEST_TIMEOUT",
}

// Load reads the server configuration and validates it.
func Load() (*Config, error) {
	v := newViper(map[string]any{
		"PORT":               "8000",
		"ENV":                "development",
		"LOG_LEVEL":          "info",
		"STORE_BACKEND":      BackendPostgres,
		"DB_MAX_CONNS":       20,
		"DB_MIN_CONNS":       5,
		"MAX_CHAIN_DEPTH":    10,
		"DEFAULT_ITEM_COUNT": 10,
		"MAX_ITEM_COUNT":     1000,
		"BODY_LIMIT":         "1M",
		"REQUEST_TIMEOUT":    "30s",
	}, serverKeys)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration can run.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendMemory, BackendPostgres, c.StoreBackend)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.MaxChainDepth < 1 {
		return fmt.Errorf("MAX_CHAIN_DEPTH must be at least 1, got %d", c.MaxChainDepth)
	}
	if c.DefaultItemCount < 1 || c.MaxItemCount < c.DefaultItemCount {
		return fmt.Errorf("need 1 <= DEFAULT_ITEM_COUNT (%d) <= MAX_ITEM_COUNT (%d)", c.DefaultItemCount, c.MaxItemCount)
	}
	return nil
}

// CopyConfig configures the shard copy tool.
type CopyConfig struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	SourceDatabaseURL string `mapstructure:"SOURCE_DATABASE_URL"`
	QueueDatabaseURL  string `mapstructure:"QUEUE_DATABASE_URL"`
	// ShardDatabaseURLs is "id=url,id=url".
	ShardDatabaseURLs string `mapstructure:"SHARD_DATABASE_URLS"`
	RedisURL          string `mapstructure:"REDIS_URL"`
	QueueBackend      string `mapstructure:"QUEUE_BACKEND"`

	// ShardFilter is a comma separated list of shard ids to copy into;
	// empty means every shard.
	ShardFilter        string        `mapstructure:"SHARD_FILTER"`
	Threads            int           `mapstructure:"THREADS"`
	UnitSize           int64         `mapstructure:"UNIT_SIZE"`
	MaxRetries         int           `mapstructure:"MAX_RETRIES"`
	RetryBackoff       time.Duration `mapstructure:"RETRY_BACKOFF"`
	RebuildQueue       bool          `mapstructure:"REBUILD_QUEUE"`
	QueueOnly          bool          `mapstructure:"QUEUE_ONLY"`
	TransactionsOnly   bool          `mapstructure:"TRANSACTIONS_ONLY"`
	WritesEnabled      bool          `mapstructure:"WRITES_ENABLED"`
	WatchdogEnabled    bool          `mapstructure:"WATCHDOG_ENABLED"`
	WatchdogBackoff    time.Duration `mapstructure:"WATCHDOG_BACKOFF"`
	TransactionsPerJob int           `mapstructure:"TRANSACTIONS_PER_JOB"`
	ShardletCount      int           `mapstructure:"SHARDLET_COUNT"`
	MetricsAddr        string        `mapstructure:"METRICS_ADDR"`
	ReportFile         string        `mapstructure:"REPORT_FILE"`
}

const (
	QueueBackendSQL   = "sql"
	QueueBackendRedis = "redis"
)

var copyKeys = []string{
	"ENV", "LOG_LEVEL", "SOURCE_DATABASE_URL", "QUEUE_DATABASE_URL", "SHARD_DATABASE_URLS",
	"REDIS_URL", "QUEUE_BACKEND", "SHARD_FILTER", "THREADS", "UNIT_SIZE", "MAX_RETRIES",
	"RETRY_BACKOFF", "REBUILD_QUEUE", "QUEUE_ONLY", "TRANSACTIONS_ONLY", "WRITES_ENABLED",
	"WATCHDOG_ENABLED", "WATCHDOG_BACKOFF", "TRANSACTIONS_PER_JOB", "SHARDLET_COUNT",
	"METRICS_ADDR", "REPORT_FILE",
}

// LoadCopy reads the copy tool configuration. Validation depends on the
// command being run, see CopyConfig.Validate.
func LoadCopy() (*CopyConfig, error) {
	v := newViper(map[string]any{
		"ENV":                  "development",
		"LOG_LEVEL":            "info",
		"QUEUE_BACKEND":        QueueBackendSQL,
		"THREADS":              4,
		"UNIT_SIZE":            1000,
		"MAX_RETRIES":          3,
		"RETRY_BACKOFF":        "2s",
		"WRITES_ENABLED":       true,
		"WATCHDOG_ENABLED":     true,
		"WATCHDOG_BACKOFF":     "1s",
		"TRANSACTIONS_PER_JOB": 1,
		"SHARDLET_COUNT":       256,
	}, copyKeys)

	cfg := &CopyConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.QueueDatabaseURL == "" {
		cfg.QueueDatabaseURL = cfg.SourceDatabaseURL
	}
	return cfg, nil
}

func (c *CopyConfig) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings every command needs. Connection strings are
// checked by the commands that open them.
func (c *CopyConfig) Validate() error {
	if c.Threads < 1 {
		return fmt.Errorf("THREADS must be at least 1, got %d", c.Threads)
	}
	if c.UnitSize < 1 {
		return fmt.Errorf("UNIT_SIZE must be at least 1, got %d", c.UnitSize)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.TransactionsPerJob < 1 {
		return fmt.Errorf("TRANSACTIONS_PER_JOB must be at least 1, got %d", c.TransactionsPerJob)
	}
	if c.ShardletCount < 1 || c.ShardletCount > 1<<15 {
		return fmt.Errorf("SHARDLET_COUNT must be between 1 and 32768, got %d", c.ShardletCount)
	}
	if c.RetryBackoff < 0 || c.WatchdogBackoff < 0 {
		return fmt.Errorf("backoffs must not be negative")
	}
	switch c.QueueBackend {
	case QueueBackendSQL:
	case QueueBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when QUEUE_BACKEND is %q", QueueBackendRedis)
		}
	default:
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", QueueBackendSQL, QueueBackendRedis, c.QueueBackend)
	}
	if _, err := c.ShardURLs(); err != nil {
		return err
	}
	if _, err := c.ShardFilterIDs(); err != nil {
		return err
	}
	return nil
}

// ShardURLs parses SHARD_DATABASE_URLS into shard id -> connection string.
func (c *CopyConfig) ShardURLs() (map[int]string, error) {
	out := make(map[int]string)
	for _, part := range splitList(c.ShardDatabaseURLs) {
		idText, url, ok := strings.Cut(part, "=")
		if !ok || url == "" {
			return nil, fmt.Errorf("SHARD_DATABASE_URLS entry %q must be id=url", part)
		}
		id, err := strconv.Atoi(strings.TrimSpace(idText))
		if err != nil || id < 0 {
			return nil, fmt.Errorf("SHARD_DATABASE_URLS entry %q has an invalid shard id", part)
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("SHARD_DATABASE_URLS lists shard %d twice", id)
		}
		out[id] = strings.TrimSpace(url)
	}
	return out, nil
}

// ShardFilterIDs parses SHARD_FILTER; nil means no filter.
func (c *CopyConfig) ShardFilterIDs() ([]int, error) {
	parts := splitList(c.ShardFilter)
	if len(parts) == 0 {
		return nil, nil
	}
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(p)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("SHARD_FILTER entry %q is not a shard id", p)
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
