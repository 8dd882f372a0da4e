package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
global:
  log_level: info
database:
  driver: sqlite
  sqlite:
    path: /tmp/original.db
tests:
  dir: /srv/tests
  init_from_folder: false
tools:
  launcher: /opt/castor/CastorTestLauncher
  differ: /opt/castor/DiffImage
runner:
  poll_interval: 2s
api:
  listen: ":9000"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, testConfig)

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
				assert.Equal(t, "/tmp/original.db", cfg.Database.SQLite.Path)
				assert.Equal(t, "/srv/tests", cfg.Tests.Dir)
				assert.Equal(t, 2*time.Second, cfg.Runner.PollInterval)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"ARIA_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "nested string override - sqlite path",
			envVars: map[string]string{
				"ARIA_DATABASE_SQLITE_PATH": "/data/aria.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/data/aria.db", cfg.Database.SQLite.Path)
			},
		},
		{
			name: "boolean override - init_from_folder",
			envVars: map[string]string{
				"ARIA_TESTS_INIT_FROM_FOLDER": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Tests.InitFromFolder)
			},
		},
		{
			name: "duration override - poll_interval",
			envVars: map[string]string{
				"ARIA_RUNNER_POLL_INTERVAL": "250ms",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 250*time.Millisecond, cfg.Runner.PollInterval)
			},
		},
		{
			name: "slice override - cors origins",
			envVars: map[string]string{
				"ARIA_API_CORS_ORIGINS": "http://a.example,http://b.example",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t,
					[]string{"http://a.example", "http://b.example"},
					cfg.API.CORSOrigins)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "tests:\n  dir: /srv/tests\ntools:\n  launcher: /bin/launcher\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultDatabaseDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultSceneExtension, cfg.Tests.SceneExtension)
	assert.Equal(t, "/srv/tests", cfg.Tests.WorkDir)
	assert.Equal(t, "/bin/launcher", cfg.Tools.Engine)
	assert.Equal(t, DefaultPollInterval, cfg.Runner.PollInterval)
	assert.Equal(t, DefaultListen, cfg.API.Listen)
	assert.Equal(t, filepath.Join("/srv/tests", "Result"), cfg.Tests.ResultDir())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MergesFiles(t *testing.T) {
	base := writeConfig(t, testConfig)
	override := writeConfig(t, "database:\n  driver: postgres\n  postgres:\n    database: tests\n")

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "tests", cfg.Database.Postgres.Database)
	assert.Equal(t, "/srv/tests", cfg.Tests.Dir)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(_ *Config) {},
		},
		{
			name:    "unknown driver",
			mutate:  func(cfg *Config) { cfg.Database.Driver = "oracle" },
			wantErr: "unsupported database driver",
		},
		{
			name:    "missing tests dir",
			mutate:  func(cfg *Config) { cfg.Tests.Dir = "" },
			wantErr: "tests.dir is required",
		},
		{
			name:    "bad log size",
			mutate:  func(cfg *Config) { cfg.Runner.MaxLogSize = "lots" },
			wantErr: "runner.max_log_size",
		},
		{
			name: "auth without users",
			mutate: func(cfg *Config) {
				cfg.API.Auth.Enabled = true
			},
			wantErr: "api.auth.users",
		},
		{
			name: "auth with plain password",
			mutate: func(cfg *Config) {
				cfg.API.Auth.Enabled = true
				cfg.API.Auth.Users = []BasicAuthUser{{Username: "ci", Password: "secret"}}
			},
			wantErr: "bcrypt hash",
		},
		{
			name: "s3 without bucket",
			mutate: func(cfg *Config) {
				cfg.Upload.S3 = &S3UploadConfig{Enabled: true, PartSize: DefaultPartSize}
			},
			wantErr: "upload.s3.bucket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, testConfig))
			require.NoError(t, err)

			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateTools(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.ValidateTools())

	cfg.Tools.Launcher = "launcher"
	assert.Error(t, cfg.ValidateTools())

	cfg.Tools.Differ = "differ"
	assert.NoError(t, cfg.ValidateTools())
}
