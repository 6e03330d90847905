package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Workers     WorkersConfig     `yaml:"workers"`
	Restart     RestartConfig     `yaml:"restart"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
	Autoscaling AutoscalingConfig `yaml:"autoscaling"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	BindAddress string    `yaml:"bind_address"`
	MetricsPath string    `yaml:"metrics_path"`
	HealthPath  string    `yaml:"health_path"`
	API         APIConfig `yaml:"api"`
}

// APIConfig contains REST API settings
type APIConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BasePath    string `yaml:"base_path"`
	MaxRequests int    `yaml:"max_requests"`
}

// WorkersConfig describes the worker processes the pool forks
type WorkersConfig struct {
	Count         WorkerCount       `yaml:"count"`
	Command       string            `yaml:"command"`
	Args          []string          `yaml:"args,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	WorkDir       string            `yaml:"work_dir,omitempty"`
	BatchSize     int               `yaml:"batch_size"`
	BatchDelay    time.Duration     `yaml:"batch_delay"`
	OnlineTimeout time.Duration     `yaml:"online_timeout"`
	Resources     ResourceLimits    `yaml:"resources"`
}

// ResourceLimits defines per-worker resource ceilings
type ResourceLimits struct {
	MaxMemoryMB   int     `yaml:"max_memory_mb"`
	MaxCPUPercent float64 `yaml:"max_cpu_percent"`
}

// RestartConfig controls crash recovery
type RestartConfig struct {
	Respawn     *bool         `yaml:"respawn"`
	MaxRestarts int           `yaml:"max_restarts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// RespawnEnabled reports whether crashed workers are replaced
func (r RestartConfig) RespawnEnabled() bool {
	return r.Respawn == nil || *r.Respawn
}

// ShutdownConfig holds the graceful shutdown budget
type ShutdownConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	DrainGrace   time.Duration `yaml:"drain_grace"`
	PollInterval time.Duration `yaml:"poll_interval"`
	KillTimeout  time.Duration `yaml:"kill_timeout"`
}

// AutoscalingConfig defines pool bounds and advisory thresholds
type AutoscalingConfig struct {
	MinWorkers      int     `yaml:"min_workers"`
	MaxWorkers      int     `yaml:"max_workers"`
	ScaleUpCPU      float64 `yaml:"scale_up_cpu"`
	ScaleDownCPU    float64 `yaml:"scale_down_cpu"`
	ScaleDownMemory float64 `yaml:"scale_down_memory"`

	// Enabled lets the manager act on its own scaling advice
	Enabled  bool          `yaml:"enabled"`
	Step     int           `yaml:"step"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// MonitoringConfig contains health monitor settings
type MonitoringConfig struct {
	Interval        time.Duration `yaml:"interval"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	DeadArchiveSize int           `yaml:"dead_archive_size"`
	EventBuffer     int           `yaml:"event_buffer"`
}

// MetricsConfig contains collector settings
type MetricsConfig struct {
	CollectInterval time.Duration `yaml:"collect_interval"`
	HistorySize     int           `yaml:"history_size"`
	SampleTimeout   time.Duration `yaml:"sample_timeout"`
}

// StorageConfig selects where history and events are persisted
type StorageConfig struct {
	Backend        string               `yaml:"backend"` // "sqlite", "redis", "none"
	DatabasePath   string               `yaml:"database_path"`
	Retention      time.Duration        `yaml:"retention"`
	Redis          RedisConfig          `yaml:"redis"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	Breaker        BreakerConfig        `yaml:"breaker"`
}

// RedisConfig contains redis connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ConnectionPoolConfig contains database connection pool settings
type ConnectionPoolConfig struct {
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// BreakerConfig tunes the circuit breaker guarding storage calls
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"output_path"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	Enabled        bool                    `yaml:"enabled"`
	ServiceName    string                  `yaml:"service_name"`
	ServiceVersion string                  `yaml:"service_version"`
	Environment    string                  `yaml:"environment"`
	Exporter       TelemetryExporterConfig `yaml:"exporter"`
	Sampling       TelemetrySamplingConfig `yaml:"sampling"`
}

// TelemetryExporterConfig configures telemetry exporters
type TelemetryExporterConfig struct {
	Type     string            `yaml:"type"` // "stdout", "otlp"
	Endpoint string            `yaml:"endpoint,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// TelemetrySamplingConfig configures trace sampling
type TelemetrySamplingConfig struct {
	Rate float64 `yaml:"rate"` // 0.0 to 1.0
}

// WorkerCount is either a fixed number of workers or "auto".
type WorkerCount struct {
	Auto  bool
	Value int
}

// AutoWorkers returns a WorkerCount sized from host resources.
func AutoWorkers() WorkerCount { return WorkerCount{Auto: true} }

// Workers returns a fixed WorkerCount.
func Workers(n int) WorkerCount { return WorkerCount{Value: n} }

// IsZero reports an unset count, which defaults to auto.
func (w WorkerCount) IsZero() bool { return !w.Auto && w.Value == 0 }

func (w WorkerCount) String() string {
	if w.Auto {
		return WorkerCountAuto
	}
	return strconv.Itoa(w.Value)
}

// UnmarshalYAML accepts an integer or the string "auto".
func (w *WorkerCount) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("worker count must be a scalar, got %v", node.Tag)
	}
	if strings.EqualFold(strings.TrimSpace(node.Value), WorkerCountAuto) {
		*w = AutoWorkers()
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("worker count must be an integer or %q: %w", WorkerCountAuto, err)
	}
	*w = Workers(n)
	return nil
}

// MarshalYAML writes "auto" or the integer value.
func (w WorkerCount) MarshalYAML() (interface{}, error) {
	if w.Auto || w.IsZero() {
		return WorkerCountAuto, nil
	}
	return w.Value, nil
}

// LoadDefault creates a zero-configuration setup with all defaults
func LoadDefault() (*Config, error) {
	var config Config

	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid default configuration: %w", err)
	}

	return &config, nil
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	if err := ensureConfigDirectories(&config); err != nil {
		return nil, fmt.Errorf("directory creation failed: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Server.BindAddress == "" {
		cfg.Server.BindAddress = "0.0.0.0:9090"
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Server.HealthPath == "" {
		cfg.Server.HealthPath = "/health"
	}
	if cfg.Server.API.BasePath == "" {
		cfg.Server.API.BasePath = "/api/" + APIVersion
	}
	if cfg.Server.API.MaxRequests == 0 {
		cfg.Server.API.MaxRequests = DefaultRateLimit
	}

	// Workers
	if cfg.Workers.Count.IsZero() {
		cfg.Workers.Count = AutoWorkers()
	}
	if cfg.Workers.Command == "" {
		cfg.Workers.Command = DefaultWorkerCommand
	}
	if cfg.Workers.BatchSize == 0 {
		cfg.Workers.BatchSize = DefaultBatchSize
	}
	if cfg.Workers.BatchDelay == 0 {
		cfg.Workers.BatchDelay = DefaultBatchDelay
	}
	if cfg.Workers.OnlineTimeout == 0 {
		cfg.Workers.OnlineTimeout = DefaultOnlineTimeout
	}

	// Restart policy
	if cfg.Restart.MaxRestarts == 0 {
		cfg.Restart.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.Restart.BaseDelay == 0 {
		cfg.Restart.BaseDelay = DefaultRestartBaseDelay
	}
	if cfg.Restart.MaxDelay == 0 {
		cfg.Restart.MaxDelay = DefaultRestartMaxDelay
	}
	if cfg.Restart.MinInterval == 0 {
		cfg.Restart.MinInterval = DefaultRestartMinInterval
	}

	// Shutdown budget
	if cfg.Shutdown.Timeout == 0 {
		cfg.Shutdown.Timeout = DefaultShutdownTimeout
	}
	if cfg.Shutdown.DrainGrace == 0 {
		cfg.Shutdown.DrainGrace = DefaultDrainGrace
	}
	if cfg.Shutdown.PollInterval == 0 {
		cfg.Shutdown.PollInterval = DefaultShutdownPollInterval
	}
	if cfg.Shutdown.KillTimeout == 0 {
		cfg.Shutdown.KillTimeout = DefaultKillTimeout
	}

	// Autoscaling bounds
	if cfg.Autoscaling.MinWorkers == 0 {
		cfg.Autoscaling.MinWorkers = MinWorkerCount
	}
	if cfg.Autoscaling.MaxWorkers == 0 {
		cfg.Autoscaling.MaxWorkers = 2 * runtime.NumCPU()
	}
	if cfg.Autoscaling.ScaleUpCPU == 0 {
		cfg.Autoscaling.ScaleUpCPU = DefaultScaleUpCPU
	}
	if cfg.Autoscaling.ScaleDownCPU == 0 {
		cfg.Autoscaling.ScaleDownCPU = DefaultScaleDownCPU
	}
	if cfg.Autoscaling.ScaleDownMemory == 0 {
		cfg.Autoscaling.ScaleDownMemory = DefaultScaleDownMemory
	}
	if cfg.Autoscaling.Step == 0 {
		cfg.Autoscaling.Step = DefaultScaleStep
	}
	if cfg.Autoscaling.Cooldown == 0 {
		cfg.Autoscaling.Cooldown = DefaultScaleCooldown
	}

	// Monitoring
	if cfg.Monitoring.Interval == 0 {
		cfg.Monitoring.Interval = DefaultMonitorInterval
	}
	if cfg.Monitoring.StaleAfter == 0 {
		cfg.Monitoring.StaleAfter = DefaultStaleAfter
	}
	if cfg.Monitoring.DeadArchiveSize == 0 {
		cfg.Monitoring.DeadArchiveSize = DefaultDeadArchiveSize
	}
	if cfg.Monitoring.EventBuffer == 0 {
		cfg.Monitoring.EventBuffer = DefaultEventChannelBuffer
	}

	// Metrics collector
	if cfg.Metrics.CollectInterval == 0 {
		cfg.Metrics.CollectInterval = DefaultCollectInterval
	}
	if cfg.Metrics.HistorySize == 0 {
		cfg.Metrics.HistorySize = DefaultHistorySize
	}
	if cfg.Metrics.SampleTimeout == 0 {
		cfg.Metrics.SampleTimeout = DefaultSampleTimeout
	}

	// Storage
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageBackendSQLite
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = ":memory:"
	}
	if cfg.Storage.Retention == 0 {
		cfg.Storage.Retention = 7 * 24 * time.Hour
	}
	if cfg.Storage.Redis.Addr == "" {
		cfg.Storage.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Storage.Redis.KeyPrefix == "" {
		cfg.Storage.Redis.KeyPrefix = DefaultServiceName
	}
	if cfg.Storage.ConnectionPool.MaxOpenConns == 0 {
		cfg.Storage.ConnectionPool.MaxOpenConns = 10
	}
	if cfg.Storage.ConnectionPool.MaxIdleConns == 0 {
		cfg.Storage.ConnectionPool.MaxIdleConns = 5
	}
	if cfg.Storage.ConnectionPool.ConnMaxLifetime == 0 {
		cfg.Storage.ConnectionPool.ConnMaxLifetime = 2 * time.Hour
	}
	if cfg.Storage.Breaker.MaxFailures == 0 {
		cfg.Storage.Breaker.MaxFailures = 5
	}
	if cfg.Storage.Breaker.OpenTimeout == 0 {
		cfg.Storage.Breaker.OpenTimeout = 30 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Telemetry defaults
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "1.0.0"
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = EnvDevelopment
	}
	if cfg.Telemetry.Exporter.Type == "" {
		cfg.Telemetry.Exporter.Type = ExporterTypeStdout
	}
	if cfg.Telemetry.Sampling.Rate == 0 {
		cfg.Telemetry.Sampling.Rate = DefaultSamplingRate
	}
}

// ensureConfigDirectories creates the parent directory of a file-backed database
func ensureConfigDirectories(cfg *Config) error {
	if cfg.Storage.Backend != StorageBackendSQLite || cfg.Storage.DatabasePath == ":memory:" {
		return nil
	}
	dir := filepath.Dir(cfg.Storage.DatabasePath)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	return nil
}

// ValidationError represents a structured validation error
type ValidationError struct {
	Field      string      // Configuration field path (e.g., "workers.count")
	Value      interface{} // Invalid value
	Message    string      // Human-readable error message
	Suggestion string      // Suggested fix
}

// ValidationResult contains the results of configuration validation
type ValidationResult struct {
	Valid    bool
	Errors   []ValidationError
	Warnings []ValidationError
}

// Error implements the error interface for ValidationResult
func (vr *ValidationResult) Error() string {
	if len(vr.Errors) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d error(s):\n", len(vr.Errors)))

	for i, err := range vr.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s", i+1, err.Field, err.Message))
		if err.Suggestion != "" {
			sb.WriteString(fmt.Sprintf(" (suggestion: %s)", err.Suggestion))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func (vr *ValidationResult) add(verr *ValidationError) {
	if verr != nil {
		vr.Errors = append(vr.Errors, *verr)
	}
}

// Validate runs full validation and returns the detailed result
func Validate(cfg *Config) *ValidationResult {
	return validateConfiguration(cfg)
}

func validate(cfg *Config) error {
	result := validateConfiguration(cfg)
	if !result.Valid {
		return result
	}
	return nil
}

func validateConfiguration(cfg *Config) *ValidationResult {
	result := &ValidationResult{Valid: true}

	validateServerConfig(&cfg.Server, result)
	validateWorkersConfig(&cfg.Workers, result)
	validateRestartConfig(&cfg.Restart, result)
	validateShutdownConfig(&cfg.Shutdown, result)
	validateAutoscalingConfig(&cfg.Autoscaling, result)
	validateMonitoringConfig(cfg, result)
	validateStorageConfig(&cfg.Storage, result)
	validateLoggingConfig(&cfg.Logging, result)
	validateTelemetryConfig(&cfg.Telemetry, result)

	result.Valid = len(result.Errors) == 0
	return result
}

func validateServerConfig(cfg *ServerConfig, result *ValidationResult) {
	if _, _, err := net.SplitHostPort(cfg.BindAddress); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "server.bind_address",
			Value:      cfg.BindAddress,
			Message:    fmt.Sprintf("invalid bind address: %v", err),
			Suggestion: "use format 'host:port' e.g., '0.0.0.0:9090'",
		})
	}

	for field, path := range map[string]string{
		"server.metrics_path":  cfg.MetricsPath,
		"server.health_path":   cfg.HealthPath,
		"server.api.base_path": cfg.API.BasePath,
	} {
		if !strings.HasPrefix(path, "/") {
			result.Errors = append(result.Errors, ValidationError{
				Field:      field,
				Value:      path,
				Message:    "path must start with '/'",
				Suggestion: "prefix the path with '/'",
			})
		}
	}

	result.add(validatePositiveInt(cfg.API.MaxRequests, "server.api.max_requests"))
}

func validateWorkersConfig(cfg *WorkersConfig, result *ValidationResult) {
	if !cfg.Count.Auto && cfg.Count.Value < MinWorkerCount {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "workers.count",
			Value:      cfg.Count.Value,
			Message:    "worker count must be at least 1",
			Suggestion: "use a positive integer or 'auto'",
		})
	}
	if !cfg.Count.Auto && cfg.Count.Value > 2*runtime.NumCPU() {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:      "workers.count",
			Value:      cfg.Count.Value,
			Message:    fmt.Sprintf("worker count exceeds twice the CPU count (%d) and will be clamped", 2*runtime.NumCPU()),
			Suggestion: "use 'auto' to size from host resources",
		})
	}
	if strings.TrimSpace(cfg.Command) == "" {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "workers.command",
			Value:      cfg.Command,
			Message:    "worker command cannot be empty",
			Suggestion: "point to the worker executable, e.g. 'pool-worker'",
		})
	}
	result.add(validatePositiveInt(cfg.BatchSize, "workers.batch_size"))
	result.add(validateDuration(cfg.BatchDelay, 0, time.Minute, "workers.batch_delay"))
	result.add(validateDuration(cfg.OnlineTimeout, time.Second, 10*time.Minute, "workers.online_timeout"))
	if cfg.Resources.MaxMemoryMB < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "workers.resources.max_memory_mb",
			Value:      cfg.Resources.MaxMemoryMB,
			Message:    "memory ceiling cannot be negative",
			Suggestion: "use 0 to disable the ceiling",
		})
	}
	if cfg.Resources.MaxCPUPercent != 0 {
		result.add(validatePercentage(cfg.Resources.MaxCPUPercent, "workers.resources.max_cpu_percent"))
	}
}

func validateRestartConfig(cfg *RestartConfig, result *ValidationResult) {
	result.add(validatePositiveInt(cfg.MaxRestarts, "restart.max_restarts"))
	result.add(validateDuration(cfg.BaseDelay, time.Millisecond, time.Minute, "restart.base_delay"))
	result.add(validateDuration(cfg.MaxDelay, cfg.BaseDelay, 0, "restart.max_delay"))
	result.add(validateDuration(cfg.MinInterval, 0, time.Hour, "restart.min_interval"))
}

func validateShutdownConfig(cfg *ShutdownConfig, result *ValidationResult) {
	result.add(validateDuration(cfg.Timeout, time.Second, 10*time.Minute, "shutdown.timeout"))
	result.add(validateDuration(cfg.DrainGrace, 0, 10*time.Second, "shutdown.drain_grace"))
	result.add(validateDuration(cfg.PollInterval, 10*time.Millisecond, cfg.Timeout, "shutdown.poll_interval"))
	result.add(validateDuration(cfg.KillTimeout, 100*time.Millisecond, time.Minute, "shutdown.kill_timeout"))
}

func validateAutoscalingConfig(cfg *AutoscalingConfig, result *ValidationResult) {
	result.add(validatePositiveInt(cfg.MinWorkers, "autoscaling.min_workers"))
	result.add(validatePositiveInt(cfg.MaxWorkers, "autoscaling.max_workers"))
	if cfg.MaxWorkers > MaxWorkerCount {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "autoscaling.max_workers",
			Value:      cfg.MaxWorkers,
			Message:    fmt.Sprintf("max workers cannot exceed %d", MaxWorkerCount),
			Suggestion: fmt.Sprintf("use a value <= %d", MaxWorkerCount),
		})
	}
	if cfg.MinWorkers > cfg.MaxWorkers {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "autoscaling.min_workers",
			Value:      cfg.MinWorkers,
			Message:    "min workers cannot exceed max workers",
			Suggestion: fmt.Sprintf("use a value <= %d", cfg.MaxWorkers),
		})
	}
	result.add(validatePercentage(cfg.ScaleUpCPU, "autoscaling.scale_up_cpu"))
	result.add(validatePercentage(cfg.ScaleDownCPU, "autoscaling.scale_down_cpu"))
	result.add(validatePercentage(cfg.ScaleDownMemory, "autoscaling.scale_down_memory"))
	if cfg.Enabled {
		result.add(validatePositiveInt(cfg.Step, "autoscaling.step"))
		result.add(validateDuration(cfg.Cooldown, time.Second, time.Hour, "autoscaling.cooldown"))
	}
	if cfg.ScaleDownCPU >= cfg.ScaleUpCPU {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:      "autoscaling.scale_down_cpu",
			Value:      cfg.ScaleDownCPU,
			Message:    "scale-down threshold is not below scale-up threshold",
			Suggestion: "keep a gap between the thresholds to avoid flapping",
		})
	}
}

func validateMonitoringConfig(cfg *Config, result *ValidationResult) {
	result.add(validateDuration(cfg.Monitoring.Interval, 100*time.Millisecond, 10*time.Minute, "monitoring.interval"))
	result.add(validateDuration(cfg.Monitoring.StaleAfter, cfg.Monitoring.Interval, 0, "monitoring.stale_after"))
	result.add(validatePositiveInt(cfg.Monitoring.DeadArchiveSize, "monitoring.dead_archive_size"))
	result.add(validatePositiveInt(cfg.Monitoring.EventBuffer, "monitoring.event_buffer"))
	result.add(validateDuration(cfg.Metrics.CollectInterval, time.Second, time.Hour, "metrics.collect_interval"))
	result.add(validatePositiveInt(cfg.Metrics.HistorySize, "metrics.history_size"))
	result.add(validateDuration(cfg.Metrics.SampleTimeout, 100*time.Millisecond, time.Minute, "metrics.sample_timeout"))
}

func validateStorageConfig(cfg *StorageConfig, result *ValidationResult) {
	switch cfg.Backend {
	case StorageBackendSQLite:
		result.add(validateStringNotEmpty(cfg.DatabasePath, "storage.database_path"))
	case StorageBackendRedis:
		if _, _, err := net.SplitHostPort(cfg.Redis.Addr); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:      "storage.redis.addr",
				Value:      cfg.Redis.Addr,
				Message:    fmt.Sprintf("invalid redis address: %v", err),
				Suggestion: "use format 'host:port' e.g., '127.0.0.1:6379'",
			})
		}
		if cfg.Redis.DB < 0 {
			result.Errors = append(result.Errors, ValidationError{
				Field:      "storage.redis.db",
				Value:      cfg.Redis.DB,
				Message:    "redis database index cannot be negative",
				Suggestion: "use 0",
			})
		}
	case StorageBackendNone:
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:      "storage.backend",
			Value:      cfg.Backend,
			Message:    "unknown storage backend",
			Suggestion: "use 'sqlite', 'redis' or 'none'",
		})
	}
	result.add(validateDuration(cfg.Retention, time.Minute, 0, "storage.retention"))
	if cfg.ConnectionPool.MaxIdleConns > cfg.ConnectionPool.MaxOpenConns {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:      "storage.connection_pool.max_idle_conns",
			Value:      cfg.ConnectionPool.MaxIdleConns,
			Message:    "idle connections exceed open connections",
			Suggestion: fmt.Sprintf("use a value <= %d", cfg.ConnectionPool.MaxOpenConns),
		})
	}
}

func validateLoggingConfig(cfg *LoggingConfig, result *ValidationResult) {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:      "logging.level",
			Value:      cfg.Level,
			Message:    "invalid log level",
			Suggestion: "use one of: debug, info, warn, error",
		})
	}
	switch cfg.Format {
	case "json", "console":
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:      "logging.format",
			Value:      cfg.Format,
			Message:    "invalid log format",
			Suggestion: "use 'json' or 'console'",
		})
	}
}

func validateTelemetryConfig(cfg *TelemetryConfig, result *ValidationResult) {
	switch cfg.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		result.Warnings = append(result.Warnings, ValidationError{
			Field:      "telemetry.environment",
			Value:      cfg.Environment,
			Message:    "unrecognised deployment environment",
			Suggestion: fmt.Sprintf("use one of: %s, %s, %s", EnvDevelopment, EnvStaging, EnvProduction),
		})
	}
	if !cfg.Enabled {
		return
	}
	result.add(validateStringNotEmpty(cfg.ServiceName, "telemetry.service_name"))
	switch cfg.Exporter.Type {
	case ExporterTypeStdout:
	case ExporterTypeOTLP:
		result.add(validateStringNotEmpty(cfg.Exporter.Endpoint, "telemetry.exporter.endpoint"))
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:      "telemetry.exporter.type",
			Value:      cfg.Exporter.Type,
			Message:    "unsupported exporter type",
			Suggestion: "use 'stdout' or 'otlp'",
		})
	}
	if cfg.Sampling.Rate < 0 || cfg.Sampling.Rate > 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "telemetry.sampling.rate",
			Value:      cfg.Sampling.Rate,
			Message:    "sampling rate must be between 0.0 and 1.0",
			Suggestion: "use 0.1 for 10% sampling",
		})
	}
}

// validateDuration validates a duration is within acceptable bounds
func validateDuration(d time.Duration, min, max time.Duration, fieldName string) *ValidationError {
	if d < min {
		return &ValidationError{
			Field:      fieldName,
			Value:      d.String(),
			Message:    fmt.Sprintf("duration %s is below minimum %s", d, min),
			Suggestion: fmt.Sprintf("use a value >= %s", min),
		}
	}

	if max > 0 && d > max {
		return &ValidationError{
			Field:      fieldName,
			Value:      d.String(),
			Message:    fmt.Sprintf("duration %s is above maximum %s", d, max),
			Suggestion: fmt.Sprintf("use a value <= %s", max),
		}
	}

	return nil
}

// validatePercentage validates a percentage value (0-100)
func validatePercentage(value float64, fieldName string) *ValidationError {
	if value < 0 || value > 100 {
		return &ValidationError{
			Field:      fieldName,
			Value:      value,
			Message:    "percentage must be between 0 and 100",
			Suggestion: "use a value between 0.0 and 100.0",
		}
	}
	return nil
}

// validatePositiveInt validates a positive integer
func validatePositiveInt(value int, fieldName string) *ValidationError {
	if value <= 0 {
		return &ValidationError{
			Field:      fieldName,
			Value:      value,
			Message:    "value must be positive",
			Suggestion: "use a value > 0",
		}
	}
	return nil
}

func validateStringNotEmpty(value, fieldName string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:      fieldName,
			Value:      value,
			Message:    "value cannot be empty",
			Suggestion: "provide a non-empty value",
		}
	}
	return nil
}
