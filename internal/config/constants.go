package config

import "time"

// Application constants for configuration and resource management
const (
	// Channel Buffer Sizes
	DefaultEventChannelBuffer = 256 // Per-subscriber event channel buffer size

	// Worker start
	DefaultWorkerCommand = "pool-worker"
	DefaultBatchSize     = 4
	DefaultBatchDelay    = 200 * time.Millisecond
	DefaultOnlineTimeout = 15 * time.Second

	// Restart policy
	DefaultMaxRestarts        = 5
	DefaultRestartBaseDelay   = time.Second
	DefaultRestartMaxDelay    = 30 * time.Second
	DefaultRestartMinInterval = 10 * time.Second

	// Shutdown phases
	DefaultShutdownTimeout      = 30 * time.Second
	DefaultDrainGrace           = 100 * time.Millisecond
	DefaultShutdownPollInterval = 500 * time.Millisecond
	DefaultKillTimeout          = 5 * time.Second
	CooperativeBudgetFraction   = 0.8 // Share of the shutdown budget spent waiting for voluntary exit

	// Telemetry provider shutdown timeout
	DefaultTelemetryShutdownTimeout = 5 * time.Second

	// Monitoring
	DefaultMonitorInterval = 5 * time.Second
	DefaultStaleAfter      = 30 * time.Second
	DefaultDeadArchiveSize = 100

	// Metrics collector
	DefaultCollectInterval = 60 * time.Second
	DefaultHistorySize     = 1000
	DefaultSampleTimeout   = 5 * time.Second

	// Autoscaling advisory thresholds (percent)
	DefaultScaleUpCPU      = 80.0
	DefaultScaleDownCPU    = 30.0
	DefaultScaleDownMemory = 50.0
	DefaultScaleStep       = 1
	DefaultScaleCooldown   = time.Minute

	// Event and Storage Limits
	DefaultEventQueryLimit = 100
	MaxEventQueryLimit     = 1000

	// Configuration Defaults
	DefaultConfigPath   = "configs/example.yaml"
	DefaultServiceName  = "worker-pool-manager"
	DefaultSamplingRate = 0.1

	// Validation Constants
	MinWorkerCount = 1
	MaxWorkerCount = 1000
	AutoWorkerCap  = 16 // Upper bound for auto-sized pools

	// API Constants
	APIVersion = "v1"

	// Rate Limiting
	DefaultRateLimit = 100 // Requests per second
	BurstLimit       = 200
)

// WorkerCountAuto is the YAML spelling of an auto-sized pool
const WorkerCountAuto = "auto"

// Environment-specific constants
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Telemetry exporter types
const (
	ExporterTypeStdout = "stdout"
	ExporterTypeOTLP   = "otlp"
)

// Storage backends
const (
	StorageBackendSQLite = "sqlite"
	StorageBackendRedis  = "redis"
	StorageBackendNone   = "none"
)
