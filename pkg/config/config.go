// Package config loads the lockstated configuration from a YAML file, LOCKSTATE_ environment
// variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Sources of lock signals.
const (
	SourceLogindSignals = "logind-signals"
	SourceLogindHint    = "logind-hint"
	SourceScreenSaver   = "screensaver"
	SourceWaylandIdle   = "wayland-idle"
)

// EnvPrefix is the prefix of the environment variables overriding configuration keys, e.g.
// LOCKSTATE_LOG_LEVEL for log.level.
const EnvPrefix = "LOCKSTATE"

// Config holds all configuration for lockstated.
type Config struct {
	// Source selects the lock signal source.
	Source string `mapstructure:"source" yaml:"source"`
	// SessionID is the logind session to observe, XDG_SESSION_ID by default.
	SessionID   string            `mapstructure:"session_id" yaml:"session_id"`
	ScreenSaver ScreenSaverConfig `mapstructure:"screensaver" yaml:"screensaver"`
	Idle        IdleConfig        `mapstructure:"idle" yaml:"idle"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Secrets     SecretsConfig     `mapstructure:"secrets" yaml:"secrets"`
	DBus        DBusConfig        `mapstructure:"dbus" yaml:"dbus"`
	// RuntimeDir holds the instance lock of the serve command.
	RuntimeDir string `mapstructure:"runtime_dir" yaml:"runtime_dir"`
}

type ScreenSaverConfig struct {
	Interface string `mapstructure:"interface" yaml:"interface"`
}

type IdleConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SecretsConfig lists the secret collections locked when the screen locks, relative to
// /org/freedesktop/secrets/, e.g. "collection/login".
type SecretsConfig struct {
	Collections []string `mapstructure:"collections" yaml:"collections"`
	// LockOnSleep also locks the collections before the system suspends.
	LockOnSleep bool `mapstructure:"lock_on_sleep" yaml:"lock_on_sleep"`
}

type DBusConfig struct {
	// Name is the well-known name requested by the serve command.
	Name string `mapstructure:"name" yaml:"name"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("source", SourceLogindHint)
	v.SetDefault("session_id", os.Getenv("XDG_SESSION_ID"))
	v.SetDefault("screensaver.interface", "org.freedesktop.ScreenSaver")
	v.SetDefault("idle.timeout", 5*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("secrets.collections", []string{})
	v.SetDefault("secrets.lock_on_sleep", false)
	v.SetDefault("dbus.name", "io.github.matthiaskunnen.LockState")
	v.SetDefault("runtime_dir", defaultRuntimeDir())
}

func defaultRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "lockstate")
	}

	return filepath.Join(os.TempDir(), fmt.Sprintf("lockstate-%d", os.Getuid()))
}

// DefaultPath returns $XDG_CONFIG_HOME/lockstate/config.yaml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, "lockstate", "config.yaml"), nil
}

// RegisterFlags defines the flags that override configuration keys.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("source", SourceLogindHint, fmt.Sprintf("lock signal source: %s",
		strings.Join(Sources(), ", ")))
	fs.String("session-id", "", "logind session to observe (default $XDG_SESSION_ID)")
	fs.Duration("idle-timeout", 5*time.Minute, "idle time after which the wayland-idle source reports locked")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "text", "log format: text, json")
}

var flagKeys = map[string]string{
	"source":       "source",
	"session-id":   "session_id",
	"idle-timeout": "idle.timeout",
	"log-level":    "log.level",
	"log-format":   "log.format",
}

// BindFlags binds the flags defined by RegisterFlags that are present in fs to v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	return nil
}

// Load reads the configuration. path may be empty, in which case the file at DefaultPath is
// read if it exists.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else if defaultPath, err := DefaultPath(); err == nil {
		v.SetConfigFile(defaultPath)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Sources returns the valid values of Config.Source.
func Sources() []string {
	return []string{SourceLogindHint, SourceLogindSignals, SourceScreenSaver, SourceWaylandIdle}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	switch c.Source {
	case SourceLogindHint, SourceLogindSignals:
		if c.SessionID == "" {
			errs = append(errs, fmt.Errorf("session_id is required for source %s", c.Source))
		}
	case SourceScreenSaver:
		if c.ScreenSaver.Interface == "" {
			errs = append(errs, errors.New("screensaver.interface is required"))
		}
	case SourceWaylandIdle:
		if c.Idle.Timeout <= 0 {
			errs = append(errs, errors.New("idle.timeout must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source %q, expected one of %s",
			c.Source, strings.Join(Sources(), ", ")))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}

	if c.Secrets.LockOnSleep && len(c.Secrets.Collections) == 0 {
		errs = append(errs, errors.New("secrets.lock_on_sleep requires secrets.collections"))
	}

	if c.DBus.Name == "" {
		errs = append(errs, errors.New("dbus.name is required"))
	}

	return errors.Join(errs...)
}

// YAML encodes the configuration as it would appear in the config file.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
