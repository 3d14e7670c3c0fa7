package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// REPORTOOR_ENGINE_HISTORY_RETENTION.
	EnvPrefix = "REPORTOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultHistoryRetention is the number of runs kept per test.
	DefaultHistoryRetention = 30

	// DefaultFlakyWindow is the number of previous runs considered when
	// classifying a test as flaky.
	DefaultFlakyWindow = 5

	// DefaultHistogramBins is the number of duration histogram bins.
	DefaultHistogramBins = 10

	// DefaultIngestConcurrency bounds how many sources are read in parallel.
	DefaultIngestConcurrency = 4

	// DefaultMergeConcurrency bounds how many history ids are merged in parallel.
	DefaultMergeConcurrency = 8

	// DefaultHistoryDriver is the default history store driver.
	DefaultHistoryDriver = "sqlite"

	// DefaultSQLitePath is the default sqlite history database path.
	DefaultSQLitePath = "./history.db"

	// DefaultBlobHistoryPrefix is the default key prefix for the blob store.
	DefaultBlobHistoryPrefix = "history"

	// DefaultOutputDir is the default local directory for generated reports.
	DefaultOutputDir = "./report"

	// DefaultMarkdownMaxChars caps the markdown summary size.
	DefaultMarkdownMaxChars = 65000

	// DefaultS3Region is used when no region is configured.
	DefaultS3Region = "us-east-1"
)

// DefaultIdentityFields are hashed into a history id when none are configured.
var DefaultIdentityFields = []string{"fullName", "parameters"}

// Config is the root configuration for reportoor.
type Config struct {
	Global  GlobalConfig  `yaml:"global" mapstructure:"global"`
	Engine  EngineConfig  `yaml:"engine" mapstructure:"engine"`
	Ingest  IngestConfig  `yaml:"ingest" mapstructure:"ingest"`
	History HistoryConfig `yaml:"history" mapstructure:"history"`
	Output  OutputConfig  `yaml:"output" mapstructure:"output"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// EngineConfig holds the knobs of the aggregation pipeline.
type EngineConfig struct {
	HistoryRetention int      `yaml:"history_retention" mapstructure:"history_retention"`
	FlakyWindow      int      `yaml:"flaky_window" mapstructure:"flaky_window"`
	IdentityFields   []string `yaml:"identity_fields" mapstructure:"identity_fields"`
	AllowEmpty       bool     `yaml:"allow_empty" mapstructure:"allow_empty"`
	HistogramBins    int      `yaml:"histogram_bins" mapstructure:"histogram_bins"`
}

// IngestConfig lists the raw result sources of a run.
type IngestConfig struct {
	Concurrency int            `yaml:"concurrency" mapstructure:"concurrency"`
	Sources     []SourceConfig `yaml:"sources,omitempty" mapstructure:"sources"`
}

// SourceConfig describes a single source adapter.
type SourceConfig struct {
	Type    string        `yaml:"type" mapstructure:"type"`
	Name    string        `yaml:"name,omitempty" mapstructure:"name"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	Prefix  string        `yaml:"prefix,omitempty" mapstructure:"prefix"`
}

// HistoryConfig selects and configures the history store.
type HistoryConfig struct {
	Driver           string               `yaml:"driver" mapstructure:"driver"`
	MergeConcurrency int                  `yaml:"merge_concurrency" mapstructure:"merge_concurrency"`
	SQLite           SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres         PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
	Blob             BlobHistoryConfig    `yaml:"blob,omitempty" mapstructure:"blob"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// BlobHistoryConfig stores history as one JSON document per test.
type BlobHistoryConfig struct {
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	Prefix  string        `yaml:"prefix,omitempty" mapstructure:"prefix"`
}

// OutputConfig controls where generated reports are written.
type OutputConfig struct {
	Storage          StorageConfig `yaml:"storage" mapstructure:"storage"`
	Prefix           string        `yaml:"prefix,omitempty" mapstructure:"prefix"`
	Markdown         bool          `yaml:"markdown" mapstructure:"markdown"`
	MarkdownMaxChars int           `yaml:"markdown_max_chars,omitempty" mapstructure:"markdown_max_chars"`
}

// StorageConfig selects a blob backend. Exactly one of Local or S3 is set.
type StorageConfig struct {
	Local *LocalStorageConfig `yaml:"local,omitempty" mapstructure:"local"`
	S3    *S3Config           `yaml:"s3,omitempty" mapstructure:"s3"`
}

// LocalStorageConfig roots a bucket at a filesystem directory.
type LocalStorageConfig struct {
	Dir   string `yaml:"dir" mapstructure:"dir"`
	Owner string `yaml:"owner,omitempty" mapstructure:"owner"`
}

// S3Config contains S3-compatible storage settings.
type S3Config struct {
	Bucket            string  `yaml:"bucket" mapstructure:"bucket"`
	Region            string  `yaml:"region,omitempty" mapstructure:"region"`
	EndpointURL       string  `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	AccessKeyID       string  `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey   string  `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle    bool    `yaml:"force_path_style" mapstructure:"force_path_style"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty" mapstructure:"requests_per_second"`
}

// Load reads and merges the given configuration files in order, applies
// REPORTOOR_* environment overrides and defaults. With no paths only
// defaults and environment are used.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override keys
// that are absent from the config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("engine.history_retention", DefaultHistoryRetention)
	v.SetDefault("engine.flaky_window", DefaultFlakyWindow)
	v.SetDefault("engine.identity_fields", DefaultIdentityFields)
	v.SetDefault("engine.allow_empty", false)
	v.SetDefault("engine.histogram_bins", DefaultHistogramBins)
	v.SetDefault("ingest.concurrency", DefaultIngestConcurrency)
	v.SetDefault("history.driver", DefaultHistoryDriver)
	v.SetDefault("history.merge_concurrency", DefaultMergeConcurrency)
	v.SetDefault("history.sqlite.path", DefaultSQLitePath)
	v.SetDefault("history.postgres.host", "")
	v.SetDefault("history.postgres.port", 5432)
	v.SetDefault("history.postgres.user", "")
	v.SetDefault("history.postgres.password", "")
	v.SetDefault("history.postgres.database", "")
	v.SetDefault("history.postgres.ssl_mode", "disable")
	v.SetDefault("history.blob.prefix", DefaultBlobHistoryPrefix)
	v.SetDefault("output.prefix", "")
	v.SetDefault("output.markdown", true)
	v.SetDefault("output.markdown_max_chars", DefaultMarkdownMaxChars)
}

// applyDefaults fills values that were explicitly zeroed or left unset
// in nested optional sections.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Engine.HistoryRetention == 0 {
		c.Engine.HistoryRetention = DefaultHistoryRetention
	}

	if c.Engine.FlakyWindow == 0 {
		c.Engine.FlakyWindow = DefaultFlakyWindow
	}

	if len(c.Engine.IdentityFields) == 0 {
		c.Engine.IdentityFields = append([]string(nil), DefaultIdentityFields...)
	}

	if c.Engine.HistogramBins == 0 {
		c.Engine.HistogramBins = DefaultHistogramBins
	}

	if c.Ingest.Concurrency == 0 {
		c.Ingest.Concurrency = DefaultIngestConcurrency
	}

	if c.History.Driver == "" {
		c.History.Driver = DefaultHistoryDriver
	}

	if c.History.MergeConcurrency == 0 {
		c.History.MergeConcurrency = DefaultMergeConcurrency
	}

	if c.History.SQLite.Path == "" {
		c.History.SQLite.Path = DefaultSQLitePath
	}

	if c.History.Blob.Prefix == "" {
		c.History.Blob.Prefix = DefaultBlobHistoryPrefix
	}

	if c.Output.Storage.Local == nil && c.Output.Storage.S3 == nil {
		c.Output.Storage.Local = &LocalStorageConfig{Dir: DefaultOutputDir}
	}

	if c.Output.MarkdownMaxChars == 0 {
		c.Output.MarkdownMaxChars = DefaultMarkdownMaxChars
	}

	for i := range c.Ingest.Sources {
		if c.Ingest.Sources[i].Name == "" {
			c.Ingest.Sources[i].Name = fmt.Sprintf(
				"%s-%d", c.Ingest.Sources[i].Type, i,
			)
		}
	}
}

// validSourceTypes is the list of supported source adapters.
var validSourceTypes = map[string]struct{}{
	"allure": {},
	"junit":  {},
	"jsonl":  {},
}

// validHistoryDrivers is the list of supported history store drivers.
var validHistoryDrivers = map[string]struct{}{
	"memory":   {},
	"sqlite":   {},
	"postgres": {},
	"blob":     {},
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Engine.HistoryRetention < 1 {
		return fmt.Errorf(
			"engine.history_retention must be at least 1, got %d",
			c.Engine.HistoryRetention,
		)
	}

	if c.Engine.FlakyWindow < 1 {
		return fmt.Errorf(
			"engine.flaky_window must be at least 1, got %d",
			c.Engine.FlakyWindow,
		)
	}

	if c.Engine.HistogramBins < 1 {
		return fmt.Errorf(
			"engine.histogram_bins must be at least 1, got %d",
			c.Engine.HistogramBins,
		)
	}

	if c.Ingest.Concurrency < 1 {
		return fmt.Errorf("ingest.concurrency must be at least 1")
	}

	seenNames := make(map[string]struct{}, len(c.Ingest.Sources))

	for i, src := range c.Ingest.Sources {
		if _, ok := validSourceTypes[src.Type]; !ok {
			return fmt.Errorf("source %d: unknown type %q", i, src.Type)
		}

		if _, exists := seenNames[src.Name]; exists {
			return fmt.Errorf("source %d: duplicate name %q", i, src.Name)
		}

		seenNames[src.Name] = struct{}{}

		if err := src.Storage.Validate(); err != nil {
			return fmt.Errorf("source %q: %w", src.Name, err)
		}
	}

	if _, ok := validHistoryDrivers[c.History.Driver]; !ok {
		return fmt.Errorf("unsupported history driver: %q", c.History.Driver)
	}

	if c.History.MergeConcurrency < 1 {
		return fmt.Errorf("history.merge_concurrency must be at least 1")
	}

	switch c.History.Driver {
	case "postgres":
		if c.History.Postgres.Host == "" || c.History.Postgres.Database == "" {
			return fmt.Errorf("history.postgres requires host and database")
		}
	case "blob":
		if err := c.History.Blob.Storage.Validate(); err != nil {
			return fmt.Errorf("history.blob: %w", err)
		}
	}

	if err := c.Output.Storage.Validate(); err != nil {
		return fmt.Errorf("output: %w", err)
	}

	return nil
}

// Validate checks that exactly one backend is configured.
func (s *StorageConfig) Validate() error {
	switch {
	case s.Local != nil && s.S3 != nil:
		return fmt.Errorf("storage: only one of local or s3 may be set")
	case s.Local != nil:
		if s.Local.Dir == "" {
			return fmt.Errorf("storage.local.dir is required")
		}
	case s.S3 != nil:
		if s.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required")
		}

		if s.S3.RequestsPerSecond < 0 {
			return fmt.Errorf("storage.s3.requests_per_second must not be negative")
		}
	default:
		return fmt.Errorf("storage: one of local or s3 must be set")
	}

	return nil
}
