package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every override variable: key log_level is read from
// WPM_LOG_LEVEL
const EnvPrefix = "WPM"

// Override keys
const (
	KeyBindAddress   = "bind_address"
	KeyWorkers       = "workers"
	KeyWorkerCommand = "worker_command"
	KeyMaxWorkers    = "max_workers"
	KeyAutoscaling   = "autoscaling"
	KeyShutdown      = "shutdown_timeout"
	KeyStorage       = "storage_backend"
	KeyDatabasePath  = "database_path"
	KeyRedisAddr     = "redis_addr"
	KeyRedisPassword = "redis_password"
	KeyLogLevel      = "log_level"
	KeyOTLPEndpoint  = "otlp_endpoint"
)

// EnvVar returns the environment variable read for key
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(key)
}

// Overrides layers WPM_* environment variables and bound command-line
// flags over a loaded configuration. A changed flag wins over the
// environment.
type Overrides struct {
	v *viper.Viper
}

// NewOverrides reads from the process environment
func NewOverrides() *Overrides {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return &Overrides{v: v}
}

// BindFlag makes flag, once set on the command line, override key
func (o *Overrides) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag to bind for %s", key)
	}
	return o.v.BindPFlag(key, flag)
}

// ApplyEnv overrides cfg from the process environment only
func ApplyEnv(cfg *Config) error {
	return NewOverrides().Apply(cfg)
}

// Apply writes every set override into cfg. The result is not validated.
func (o *Overrides) Apply(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := o.lookup(key); ok {
			*dst = v
		}
	}

	str(KeyBindAddress, &cfg.Server.BindAddress)
	str(KeyWorkerCommand, &cfg.Workers.Command)
	str(KeyStorage, &cfg.Storage.Backend)
	str(KeyDatabasePath, &cfg.Storage.DatabasePath)
	str(KeyRedisAddr, &cfg.Storage.Redis.Addr)
	str(KeyRedisPassword, &cfg.Storage.Redis.Password)
	str(KeyLogLevel, &cfg.Logging.Level)

	if v, ok := o.lookup(KeyOTLPEndpoint); ok {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Exporter.Type = ExporterTypeOTLP
		cfg.Telemetry.Exporter.Endpoint = v
	}

	if v, ok := o.lookup(KeyWorkers); ok {
		if strings.EqualFold(v, WorkerCountAuto) {
			cfg.Workers.Count = AutoWorkers()
		} else {
			n, err := cast.ToIntE(v)
			if err != nil {
				return fmt.Errorf("%s must be an integer or %q: %w", EnvVar(KeyWorkers), WorkerCountAuto, err)
			}
			cfg.Workers.Count = Workers(n)
		}
	}

	if v, ok := o.lookup(KeyMaxWorkers); ok {
		n, err := cast.ToIntE(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvVar(KeyMaxWorkers), err)
		}
		cfg.Autoscaling.MaxWorkers = n
	}

	if v, ok := o.lookup(KeyAutoscaling); ok {
		enabled, err := cast.ToBoolE(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvVar(KeyAutoscaling), err)
		}
		cfg.Autoscaling.Enabled = enabled
	}

	if v, ok := o.lookup(KeyShutdown); ok {
		d, err := cast.ToDurationE(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvVar(KeyShutdown), err)
		}
		cfg.Shutdown.Timeout = d
	}

	return nil
}

// lookup returns the trimmed value for key; blank counts as unset
func (o *Overrides) lookup(key string) (string, bool) {
	s := strings.TrimSpace(o.v.GetString(key))
	return s, s != ""
}
