// Package config loads runtime settings: where the policy, audit log and
// kill-switch state live, timeouts, the control server, handler bindings
// and alert webhooks. Values come from an optional YAML file, ACTIONGATE_* environment
// variables and defaults, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ppiankov/actiongate/internal/alert"
	"github.com/ppiankov/actiongate/internal/handler"
)

// EnvPrefix prefixes every environment override, e.g. ACTIONGATE_SERVER_ADDR.
const EnvPrefix = "ACTIONGATE"

// Config is the root runtime configuration.
type Config struct {
	Policy     PolicyConfig               `mapstructure:"policy"`
	Audit      AuditConfig                `mapstructure:"audit"`
	Confirm    ConfirmConfig              `mapstructure:"confirm"`
	Executor   ExecutorConfig             `mapstructure:"executor"`
	KillSwitch KillSwitchConfig           `mapstructure:"killswitch"`
	Guard      GuardConfig                `mapstructure:"guard"`
	Server     ServerConfig               `mapstructure:"server"`
	Logger     LoggerConfig               `mapstructure:"logger"`
	Handlers   map[string]handler.Binding `mapstructure:"handlers"`
	Alerts     []alert.Config             `mapstructure:"alerts"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// PolicyConfig locates the policy document.
type PolicyConfig struct {
	Path string `mapstructure:"path"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	Path          string        `mapstructure:"path"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	BufferSize    int           `mapstructure:"buffer_size"`
}

// ConfirmConfig configures confirmation challenges. A confirm_ttl in the
// policy document takes precedence over TTL.
type ConfirmConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ExecutorConfig bounds handler dispatch.
type ExecutorConfig struct {
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
	DenylistPath    string        `mapstructure:"denylist_path"`
}

// KillSwitchConfig locates the persisted kill-switch state.
type KillSwitchConfig struct {
	StatePath string `mapstructure:"state_path"`
}

// GuardConfig configures the resource guard runtime.
type GuardConfig struct {
	LockdownTimeout time.Duration `mapstructure:"lockdown_timeout"`
}

// ServerConfig configures the local HTTP control surface.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

// LoggerConfig configures the zap logger.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// Dir returns ~/.actiongate, or .actiongate when the home directory is
// unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".actiongate"
	}
	return filepath.Join(home, ".actiongate")
}

// DefaultPath is the config file read when none is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Load reads path (or DefaultPath when empty). A missing file is not an
// error; defaults and environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	file := path
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound), errors.Is(err, os.ErrNotExist):
			if explicit {
				return nil, fmt.Errorf("config file %s: %w", path, err)
			}
			file = ""
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = file

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	dir := Dir()
	v.SetDefault("policy.path", filepath.Join(dir, "policy.yaml"))

	v.SetDefault("audit.path", filepath.Join(dir, "audit", "audit.jsonl"))
	v.SetDefault("audit.retry_attempts", 3)
	v.SetDefault("audit.retry_delay", 50*time.Millisecond)
	v.SetDefault("audit.buffer_size", 1024)

	v.SetDefault("confirm.ttl", 5*time.Minute)
	v.SetDefault("confirm.sweep_interval", 5*time.Second)

	v.SetDefault("executor.handler_timeout", 30*time.Second)
	v.SetDefault("executor.breaker_failures", 5)
	v.SetDefault("executor.breaker_cooldown", 30*time.Second)
	v.SetDefault("executor.denylist_path", "")

	v.SetDefault("killswitch.state_path", filepath.Join(dir, "killswitch"))
	v.SetDefault("guard.lockdown_timeout", 10*time.Second)

	v.SetDefault("server.addr", "127.0.0.1:7420")
	v.SetDefault("server.requests_per_second", 20)
	v.SetDefault("server.burst", 40)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
}

// normalize expands ~ in paths and rejects values that cannot work.
func (c *Config) normalize() error {
	for _, p := range []*string{&c.Policy.Path, &c.Audit.Path, &c.KillSwitch.StatePath, &c.Executor.DenylistPath} {
		if expanded, err := expandHome(*p); err == nil {
			*p = expanded
		}
	}
	if c.Policy.Path == "" {
		return errors.New("policy.path must not be empty")
	}
	if c.Audit.Path == "" {
		return errors.New("audit.path must not be empty")
	}
	if c.Server.RequestsPerSecond < 0 || c.Server.Burst < 0 {
		return errors.New("server rate settings must not be negative")
	}
	switch strings.ToLower(c.Logger.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logger.format %q: want json or console", c.Logger.Format)
	}
	for name, b := range c.Handlers {
		if len(b.Command) == 0 {
			return fmt.Errorf("handlers.%s.command must not be empty", name)
		}
	}
	for i, a := range c.Alerts {
		if a.URL == "" {
			return fmt.Errorf("alerts[%d].url must not be empty", i)
		}
		switch a.Format {
		case "", "generic", "slack", "pagerduty":
		default:
			return fmt.Errorf("alerts[%d].format %q: want generic, slack or pagerduty", i, a.Format)
		}
	}
	return nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p, err
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
