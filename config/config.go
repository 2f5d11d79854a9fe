package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/angeloszaimis/tcp-load-balancer/internal/httpserver"
	"github.com/angeloszaimis/tcp-load-balancer/internal/strategy"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	flagConfig              = "config"
	flagHealthCheckInterval = "health-check-interval"
	flagHealthCheckDelay    = "health-check-delay"
	flagPort                = "port"
	flagStrategy            = "strategy"
)

type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	Environment string `mapstructure:"environment"`
}

type HealthCheckConfig struct {
	IntervalMs int    `mapstructure:"interval_ms"`
	Timeout    string `mapstructure:"timeout"`
}

type StrategyConfig struct {
	Type string `mapstructure:"type"`
}

type DispatcherConfig struct {
	MaxInFlight    int64   `mapstructure:"max_in_flight"`
	AcceptRate     float64 `mapstructure:"accept_rate"`
	AcceptBurst    int     `mapstructure:"accept_burst"`
	ClientTimeout  string  `mapstructure:"client_timeout"`
	BackendTimeout string  `mapstructure:"backend_timeout"`
}

type AdminConfig struct {
	// Address of the admin HTTP listener. Empty disables it.
	Address string `mapstructure:"address"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// BackendConfig describes one initial backend. An omitted weight means 1.
type BackendConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Weight  int    `mapstructure:"weight"`
	Healthy bool   `mapstructure:"healthy"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Strategy    StrategyConfig    `mapstructure:"strategy"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Backends    []BackendConfig   `mapstructure:"backends"`

	// File is the configuration file that was read, if any.
	File string `mapstructure:"-"`
}

// Load builds the configuration. args are the command-line arguments
// without the program name.
func Load(args []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	flags := newFlagSet()
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if err := applyFlags(v, flags); err != nil {
		return nil, err
	}

	configPath, _ := flags.GetString(flagConfig)
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		slog.Debug("config file not found, using defaults and environment variables")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	for i := range cfg.Backends {
		if cfg.Backends[i].Weight == 0 {
			cfg.Backends[i].Weight = 1
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("health_check.interval_ms", 5000)
	v.SetDefault("health_check.timeout", "2s")
	v.SetDefault("strategy.type", string(strategy.KindRoundRobin))
	v.SetDefault("dispatcher.max_in_flight", 0)
	v.SetDefault("dispatcher.accept_rate", 0)
	v.SetDefault("dispatcher.accept_burst", 1)
	v.SetDefault("dispatcher.client_timeout", "5s")
	v.SetDefault("dispatcher.backend_timeout", "10s")
	v.SetDefault("admin.address", ":9100")
	v.SetDefault("logging.level", LogLevelInfo)
}

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("tcp-load-balancer", pflag.ContinueOnError)
	flags.SetOutput(os.Stderr)

	flags.String(flagConfig, "", "path to a YAML configuration file")
	flags.Int(flagHealthCheckInterval, 0, "health check interval in milliseconds")
	flags.Int(flagHealthCheckDelay, 0, "alias of --health-check-interval")
	flags.Int(flagPort, 0, "TCP port to listen on")
	flags.String(flagStrategy, "", "backend selection strategy ("+strings.Join(kindNames(), ", ")+")")
	_ = flags.MarkHidden(flagHealthCheckDelay)

	return flags
}

// applyFlags copies switches that were given explicitly, so unset switches
// never mask file or environment values.
func applyFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	bindings := []struct {
		flag string
		key  string
	}{
		{flagHealthCheckDelay, "health_check.interval_ms"},
		{flagHealthCheckInterval, "health_check.interval_ms"},
		{flagPort, "server.port"},
		{flagStrategy, "strategy.type"},
	}

	for _, b := range bindings {
		f := flags.Lookup(b.flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(b.key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", b.flag, err)
		}
	}

	return nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Port,
						validation.Required,
						validation.Min(1),
						validation.Max(65535),
					),
				)
			}),
		),
		validation.Field(&c.HealthCheck,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthCheckConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.IntervalMs,
						validation.Required,
						validation.Min(1),
					),
					validation.Field(&hc.Timeout,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.Strategy,
			validation.By(func(value interface{}) error {
				sc, ok := value.(StrategyConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a StrategyConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Type,
						validation.Required,
						validation.In(kindValues()...),
					),
				)
			}),
		),
		validation.Field(&c.Dispatcher,
			validation.By(func(value interface{}) error {
				dc, ok := value.(DispatcherConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a DispatcherConfig")
				}
				return validation.ValidateStruct(&dc,
					validation.Field(&dc.MaxInFlight, validation.Min(int64(0))),
					validation.Field(&dc.AcceptRate, validation.Min(0.0)),
					validation.Field(&dc.AcceptBurst, validation.Min(0)),
					validation.Field(&dc.ClientTimeout, validation.By(validateDuration)),
					validation.Field(&dc.BackendTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.Admin,
			validation.By(func(value interface{}) error {
				ac, ok := value.(AdminConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an AdminConfig")
				}
				return validation.ValidateStruct(&ac,
					validation.Field(&ac.Address,
						validation.When(ac.Address != "", validation.By(httpserver.ValidateAddress)),
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Backends,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validateBackendConfig)),
		),
	)
}

// HealthCheckInterval returns the pause between health sweeps.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheck.IntervalMs) * time.Millisecond
}

func (c *Config) HealthCheckTimeout() time.Duration {
	return mustDuration(c.HealthCheck.Timeout)
}

func (c *Config) ClientTimeout() time.Duration {
	return mustDuration(c.Dispatcher.ClientTimeout)
}

func (c *Config) BackendTimeout() time.Duration {
	return mustDuration(c.Dispatcher.BackendTimeout)
}

// ListenAddress is the TCP address the dispatcher binds.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if durationStr == "" {
		return nil
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}
	if d < 0 {
		return validation.NewError("validation_negative_duration", "must not be negative")
	}

	return nil
}

func validateBackendConfig(value interface{}) error {
	backend, ok := value.(BackendConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a BackendConfig")
	}

	return validation.ValidateStruct(&backend,
		validation.Field(&backend.Host, validation.Required, is.Host),
		validation.Field(&backend.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&backend.Weight, validation.Min(1)),
	)
}

// mustDuration parses a duration that already passed validation. Empty
// means zero.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func kindNames() []string {
	kinds := strategy.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}

func kindValues() []interface{} {
	kinds := strategy.Kinds()
	values := make([]interface{}, len(kinds))
	for i, k := range kinds {
		values[i] = string(k)
	}
	return values
}
