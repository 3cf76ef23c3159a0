package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/songzhibin97/sequence-engine/devices"
	"github.com/songzhibin97/sequence-engine/engine"
	"github.com/songzhibin97/sequence-engine/parser"
)

// EnvPrefix prefixes environment overrides, e.g. SEQCTL_LOG_LEVEL.
const EnvPrefix = "SEQCTL"

// Config is the seqctl configuration.
type Config struct {
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Engine struct {
		Workers        int           `mapstructure:"workers"`
		QueueSize      int           `mapstructure:"queue_size"`
		DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	} `mapstructure:"engine"`

	Audit struct {
		Backend    string `mapstructure:"backend"` // memory, sqlite or redis
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"audit"`

	Flags struct {
		Backend string `mapstructure:"backend"` // memory or redis
	} `mapstructure:"flags"`

	Redis struct {
		Addr      string `mapstructure:"addr"`
		Password  string `mapstructure:"password"`
		DB        int    `mapstructure:"db"`
		KeyPrefix string `mapstructure:"key_prefix"`
		FlagsKey  string `mapstructure:"flags_key"`
	} `mapstructure:"redis"`

	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	Devices []devices.Device `mapstructure:"devices"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("engine.workers", engine.DefaultWorkers)
	v.SetDefault("engine.queue_size", engine.DefaultQueueSize)
	v.SetDefault("engine.default_timeout", parser.DefaultTimeout)
	v.SetDefault("audit.backend", "memory")
	v.SetDefault("audit.sqlite_path", "seqctl.db")
	v.SetDefault("flags.backend", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "seqctl:")
	v.SetDefault("redis.flags_key", "seqctl:flags")
	v.SetDefault("metrics.addr", "")
}

// LoadConfig reads path, or seqctl.{yaml,toml,json} from the working
// directory when path is empty, then applies SEQCTL_* environment overrides.
// A missing default file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("seqctl")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) check() error {
	switch c.Audit.Backend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown audit backend %q", c.Audit.Backend)
	}
	switch c.Flags.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown flags backend %q", c.Flags.Backend)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	return nil
}
