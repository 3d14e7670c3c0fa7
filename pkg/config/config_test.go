package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
engine:
  history_retention: 20
  flaky_window: 3
  identity_fields: [fullName]
  allow_empty: false
history:
  driver: sqlite
  sqlite:
    path: ./original.db
ingest:
  sources:
    - type: allure
      name: unit
      storage:
        local:
          dir: ./allure-results
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, 20, cfg.Engine.HistoryRetention)
				assert.Equal(t, 3, cfg.Engine.FlakyWindow)
				assert.Equal(t, []string{"fullName"}, cfg.Engine.IdentityFields)
				assert.Equal(t, "./original.db", cfg.History.SQLite.Path)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"REPORTOOR_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "int override - history_retention",
			envVars: map[string]string{
				"REPORTOOR_ENGINE_HISTORY_RETENTION": "50",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 50, cfg.Engine.HistoryRetention)
			},
		},
		{
			name: "boolean override - allow_empty",
			envVars: map[string]string{
				"REPORTOOR_ENGINE_ALLOW_EMPTY": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Engine.AllowEmpty)
			},
		},
		{
			name: "nested field override - history.sqlite.path",
			envVars: map[string]string{
				"REPORTOOR_HISTORY_SQLITE_PATH": "/tmp/custom.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/custom.db", cfg.History.SQLite.Path)
			},
		},
		{
			name: "key absent from file - merge_concurrency",
			envVars: map[string]string{
				"REPORTOOR_HISTORY_MERGE_CONCURRENCY": "2",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 2, cfg.History.MergeConcurrency)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configPath := writeConfig(t, `
ingest:
  sources:
    - type: junit
      storage:
        local:
          dir: ./junit
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultHistoryRetention, cfg.Engine.HistoryRetention)
	assert.Equal(t, DefaultFlakyWindow, cfg.Engine.FlakyWindow)
	assert.Equal(t, DefaultIdentityFields, cfg.Engine.IdentityFields)
	assert.Equal(t, DefaultHistogramBins, cfg.Engine.HistogramBins)
	assert.False(t, cfg.Engine.AllowEmpty)
	assert.Equal(t, DefaultHistoryDriver, cfg.History.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.History.SQLite.Path)
	require.NotNil(t, cfg.Output.Storage.Local)
	assert.Equal(t, DefaultOutputDir, cfg.Output.Storage.Local.Dir)
	require.Len(t, cfg.Ingest.Sources, 1)
	assert.Equal(t, "junit-0", cfg.Ingest.Sources[0].Name)

	require.NoError(t, cfg.Validate())
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, `
engine:
  history_retention: 10
  flaky_window: 4
`)
	override := writeConfig(t, `
engine:
  history_retention: 15
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.Engine.HistoryRetention)
	assert.Equal(t, 4, cfg.Engine.FlakyWindow)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.applyDefaults()

		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "negative retention",
			mutate:  func(cfg *Config) { cfg.Engine.HistoryRetention = -1 },
			wantErr: "history_retention",
		},
		{
			name:    "negative flaky window",
			mutate:  func(cfg *Config) { cfg.Engine.FlakyWindow = -2 },
			wantErr: "flaky_window",
		},
		{
			name:    "unknown driver",
			mutate:  func(cfg *Config) { cfg.History.Driver = "mongo" },
			wantErr: "unsupported history driver",
		},
		{
			name: "postgres without host",
			mutate: func(cfg *Config) {
				cfg.History.Driver = "postgres"
			},
			wantErr: "requires host and database",
		},
		{
			name: "blob without storage",
			mutate: func(cfg *Config) {
				cfg.History.Driver = "blob"
			},
			wantErr: "history.blob",
		},
		{
			name: "unknown source type",
			mutate: func(cfg *Config) {
				cfg.Ingest.Sources = []SourceConfig{{Type: "tap", Name: "x"}}
			},
			wantErr: "unknown type",
		},
		{
			name: "duplicate source names",
			mutate: func(cfg *Config) {
				local := StorageConfig{Local: &LocalStorageConfig{Dir: "."}}
				cfg.Ingest.Sources = []SourceConfig{
					{Type: "junit", Name: "a", Storage: local},
					{Type: "allure", Name: "a", Storage: local},
				}
			},
			wantErr: "duplicate name",
		},
		{
			name: "both storage backends",
			mutate: func(cfg *Config) {
				cfg.Output.Storage.S3 = &S3Config{Bucket: "b"}
			},
			wantErr: "only one of local or s3",
		},
		{
			name: "s3 without bucket",
			mutate: func(cfg *Config) {
				cfg.Output.Storage = StorageConfig{S3: &S3Config{}}
			},
			wantErr: "bucket is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
