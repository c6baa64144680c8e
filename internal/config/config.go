// Package config resolves wmill-dev settings from flags, WMILL_* environment
// variables, an optional wmill-dev.yaml and built-in defaults, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment variable, e.g. WMILL_REMOTE_TOKEN.
	EnvPrefix = "WMILL"

	// FileName is the optional config file looked up in the working directory.
	FileName = "wmill-dev"
)

// Config is the resolved configuration.
type Config struct {
	Remote RemoteConfig `mapstructure:"remote"`
	Server ServerConfig `mapstructure:"server"`
	App    AppConfig    `mapstructure:"app"`
	Timing TimingConfig `mapstructure:"timing"`
	Log    LogConfig    `mapstructure:"log"`
}

// RemoteConfig locates the platform.
type RemoteConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Workspace string        `mapstructure:"workspace"`
	Token     string        `mapstructure:"token"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ServerConfig is where the bridge listens.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AppConfig locates the app on disk. Relative paths are resolved against Dir.
type AppConfig struct {
	Dir           string `mapstructure:"dir"`
	RunnablesDir  string `mapstructure:"runnables_dir"`
	MigrationsDir string `mapstructure:"migrations_dir"`
	TypesFile     string `mapstructure:"types_file"`
	Ledger        string `mapstructure:"ledger"`

	// Datatable and Path override raw_app.yaml
	Datatable string `mapstructure:"datatable"`
	Path      string `mapstructure:"path"`
}

// TimingConfig tunes the file watchers.
type TimingConfig struct {
	MigrationDebounce time.Duration `mapstructure:"migration_debounce"`
	InitialScanDelay  time.Duration `mapstructure:"initial_scan_delay"`
	SchemaDebounce    time.Duration `mapstructure:"schema_debounce"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("remote.base_url", "http://localhost:8000")
	v.SetDefault("remote.workspace", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", 30*time.Second)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 4000)

	v.SetDefault("app.dir", ".")
	v.SetDefault("app.runnables_dir", "backend")
	v.SetDefault("app.migrations_dir", "sql_to_apply")
	v.SetDefault("app.types_file", "wmill.d.ts")
	v.SetDefault("app.ledger", ".wmill/dev.db")
	v.SetDefault("app.datatable", "")
	v.SetDefault("app.path", "")

	v.SetDefault("timing.migration_debounce", 100*time.Millisecond)
	v.SetDefault("timing.initial_scan_delay", 500*time.Millisecond)
	v.SetDefault("timing.schema_debounce", 500*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the config file into v and decodes the result.
//
// An explicit file must exist. Without one, wmill-dev.yaml is looked up in
// searchDirs and silently skipped when absent.
func Load(v *viper.Viper, file string, searchDirs ...string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		for _, dir := range searchDirs {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// ValidateRemote checks the settings needed to talk to the platform.
func (c *Config) ValidateRemote() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required (flag --base-url or %s_REMOTE_BASE_URL)", EnvPrefix)
	}
	if c.Remote.Workspace == "" {
		return fmt.Errorf("remote.workspace is required (flag --workspace or %s_REMOTE_WORKSPACE)", EnvPrefix)
	}
	return nil
}

// ConfigFile returns the file v was loaded from, or "" when none was found.
func ConfigFile(v *viper.Viper) string {
	return v.ConfigFileUsed()
}
