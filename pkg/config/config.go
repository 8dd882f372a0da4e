package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultLogFormat is the default log output format.
	DefaultLogFormat = "text"

	// DefaultDatabaseDriver is the default database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default path of the sqlite store.
	DefaultSQLitePath = "./aria.db"

	// DefaultSceneExtension is the extension of scene files.
	DefaultSceneExtension = "cscn"

	// DefaultPollInterval is the default process liveness poll interval.
	DefaultPollInterval = 1 * time.Second

	// DefaultAnimationInterval is the default running frame interval.
	DefaultAnimationInterval = 100 * time.Millisecond

	// DefaultListen is the default API listen address.
	DefaultListen = ":8420"

	// DefaultWatchDebounce is the default filesystem watcher debounce.
	DefaultWatchDebounce = 500 * time.Millisecond

	// DefaultPartSize is the default S3 multipart part size.
	DefaultPartSize = "16MiB"

	envPrefix = "ARIA"
)

// Config is the root configuration for aria.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Tests    TestsConfig    `yaml:"tests" mapstructure:"tests"`
	Tools    ToolsConfig    `yaml:"tools" mapstructure:"tools"`
	Runner   RunnerConfig   `yaml:"runner" mapstructure:"runner"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Watch    WatchConfig    `yaml:"watch" mapstructure:"watch"`
	Upload   UploadConfig   `yaml:"upload,omitempty" mapstructure:"upload"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level" mapstructure:"log_level"`
	LogFormat string `yaml:"log_format" mapstructure:"log_format"`
}

// DatabaseConfig contains the test store connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	MySQL    MySQLConfig          `yaml:"mysql,omitempty" mapstructure:"mysql"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// MySQLConfig contains MySQL connection settings.
type MySQLConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
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

// TestsConfig locates the test suite on disk.
type TestsConfig struct {
	// Dir is the test root holding one folder per category.
	Dir string `yaml:"dir" mapstructure:"dir"`
	// WorkDir receives the archived Result tree. Defaults to Dir.
	WorkDir        string `yaml:"work_dir,omitempty" mapstructure:"work_dir"`
	SceneExtension string `yaml:"scene_extension" mapstructure:"scene_extension"`
	InitFromFolder bool   `yaml:"init_from_folder" mapstructure:"init_from_folder"`
	// ResultsOwner is an optional "uid:gid" applied to archived results.
	ResultsOwner string `yaml:"results_owner,omitempty" mapstructure:"results_owner"`
}

// ToolsConfig holds the external programs driven by the runner.
type ToolsConfig struct {
	Launcher string `yaml:"launcher" mapstructure:"launcher"`
	Differ   string `yaml:"differ" mapstructure:"differ"`
	Viewer   string `yaml:"viewer,omitempty" mapstructure:"viewer"`
	// Engine is the binary whose mtime stamps runs. Defaults to Launcher.
	Engine string `yaml:"engine,omitempty" mapstructure:"engine"`
}

// RunnerConfig tunes the execution pipeline.
type RunnerConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	AnimationInterval time.Duration `yaml:"animation_interval" mapstructure:"animation_interval"`
	// MaxLogSize caps the captured output kept per job, e.g. "1MiB".
	MaxLogSize string `yaml:"max_log_size,omitempty" mapstructure:"max_log_size"`
}

// WatchConfig configures the filesystem watcher.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`
}

// UploadConfig contains result upload settings.
type UploadConfig struct {
	S3 *S3UploadConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3UploadConfig contains S3-compatible storage settings.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	PartSize        string `yaml:"part_size,omitempty" mapstructure:"part_size"`
}

// Load reads the given configuration files in order, later files
// overriding earlier ones, then applies ARIA_* environment overrides.
// With no files, defaults and environment are used alone.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for i, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if i == 0 {
			err = v.ReadConfig(f)
		} else {
			err = v.MergeConfig(f)
		}

		_ = f.Close()

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToSliceHook(),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	if err := decoder.Decode(allSettings(v)); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// allSettings resolves every known key through viper so that environment
// overrides for keys absent from the file are honoured.
func allSettings(v *viper.Viper) map[string]any {
	out := make(map[string]any, 16)

	for _, key := range v.AllKeys() {
		parts := strings.Split(key, ".")
		m := out

		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = make(map[string]any, 4)
				m[p] = next
			}

			m = next
		}

		m[parts[len(parts)-1]] = v.Get(key)
	}

	return out
}

// stringToSliceHook splits comma separated env values into string slices.
func stringToSliceHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Slice {
			return data, nil
		}

		s, _ := data.(string)
		if s == "" {
			return []string{}, nil
		}

		return strings.Split(s, ","), nil
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("global.log_format", DefaultLogFormat)
	v.SetDefault("database.driver", DefaultDatabaseDriver)
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.mysql.host", "localhost")
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.mysql.user", "")
	v.SetDefault("database.mysql.password", "")
	v.SetDefault("database.mysql.database", "aria")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "aria")
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("tests.dir", "")
	v.SetDefault("tests.work_dir", "")
	v.SetDefault("tests.scene_extension", DefaultSceneExtension)
	v.SetDefault("tests.init_from_folder", false)
	v.SetDefault("tests.results_owner", "")
	v.SetDefault("tools.launcher", "")
	v.SetDefault("tools.differ", "")
	v.SetDefault("tools.viewer", "")
	v.SetDefault("tools.engine", "")
	v.SetDefault("runner.poll_interval", DefaultPollInterval)
	v.SetDefault("runner.animation_interval", DefaultAnimationInterval)
	v.SetDefault("runner.max_log_size", "1MiB")
	v.SetDefault("api.listen", DefaultListen)
	v.SetDefault("api.cors_origins", []string{})
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.requests_per_minute", 120)
	v.SetDefault("api.auth.enabled", false)
	v.SetDefault("watch.enabled", false)
	v.SetDefault("watch.debounce", DefaultWatchDebounce)
}

// applyDefaults fills values derived from other settings.
func (c *Config) applyDefaults() {
	if c.Tests.WorkDir == "" {
		c.Tests.WorkDir = c.Tests.Dir
	}

	if c.Tools.Engine == "" {
		c.Tools.Engine = c.Tools.Launcher
	}

	if c.Tests.SceneExtension == "" {
		c.Tests.SceneExtension = DefaultSceneExtension
	}

	c.Tests.SceneExtension = strings.TrimPrefix(c.Tests.SceneExtension, ".")

	if c.Runner.PollInterval <= 0 {
		c.Runner.PollInterval = DefaultPollInterval
	}

	if c.Upload.S3 != nil && c.Upload.S3.PartSize == "" {
		c.Upload.S3.PartSize = DefaultPartSize
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			errs = append(errs, errors.New("database.sqlite.path is required"))
		}
	case "mysql":
		if c.Database.MySQL.Database == "" {
			errs = append(errs, errors.New("database.mysql.database is required"))
		}
	case "postgres":
		if c.Database.Postgres.Database == "" {
			errs = append(errs, errors.New("database.postgres.database is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver: %q", c.Database.Driver))
	}

	if c.Tests.Dir == "" {
		errs = append(errs, errors.New("tests.dir is required"))
	}

	if _, err := c.Runner.MaxLogBytes(); err != nil {
		errs = append(errs, fmt.Errorf("runner.max_log_size: %w", err))
	}

	if err := c.API.validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Upload.S3 != nil && c.Upload.S3.Enabled {
		if c.Upload.S3.Bucket == "" {
			errs = append(errs, errors.New("upload.s3.bucket is required"))
		}

		if _, err := units.RAMInBytes(c.Upload.S3.PartSize); err != nil {
			errs = append(errs, fmt.Errorf("upload.s3.part_size: %w", err))
		}
	}

	return errors.Join(errs...)
}

// ValidateTools checks that the runner's external programs are configured.
func (c *Config) ValidateTools() error {
	if c.Tools.Launcher == "" {
		return errors.New("tools.launcher is required")
	}

	if c.Tools.Differ == "" {
		return errors.New("tools.differ is required")
	}

	return nil
}

// MaxLogBytes parses MaxLogSize, returning 0 when unset.
func (r RunnerConfig) MaxLogBytes() (int64, error) {
	if r.MaxLogSize == "" {
		return 0, nil
	}

	return units.RAMInBytes(r.MaxLogSize)
}

// PartSizeBytes parses PartSize.
func (s *S3UploadConfig) PartSizeBytes() (int64, error) {
	return units.RAMInBytes(s.PartSize)
}

// ResultDir is the root of the archived Result tree.
func (t TestsConfig) ResultDir() string {
	return filepath.Join(t.WorkDir, "Result")
}
