package config

import "time"

// Store backends
const (
	StoreBackendMemory = "memory"
	StoreBackendBadger = "badger"
)

// Task queue backends
const (
	QueueBackendMemory = "memory"
	QueueBackendRedis  = "redis"
)

// Execution modes
const (
	ModeInline = "inline"
	ModeAsync  = "async"
)

// Analyzer kinds
const (
	AnalyzerMock   = "mock"
	AnalyzerRemote = "remote"
)

// Config is the complete configuration of the pipeline host
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	TaskQueue TaskQueueConfig `yaml:"task_queue"`
	Cache     CacheConfig     `yaml:"cache"`
	Retry     RetryConfig     `yaml:"retry"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Store:     DefaultStoreConfig(),
		Pipeline:  DefaultPipelineConfig(),
		TaskQueue: DefaultTaskQueueConfig(),
		Cache:     DefaultCacheConfig(),
		Retry:     DefaultRetryConfig(),
		Analyzer:  DefaultAnalyzerConfig(),
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
	}
}

// StoreConfig selects and configures the slot backend
type StoreConfig struct {
	// Backend is "memory" or "badger"
	Backend string `yaml:"backend" validate:"oneof=memory badger"`
	// Path is the badger data directory, one subdirectory per session
	Path string `yaml:"path" validate:"required_if=Backend badger"`
	// SyncWrites makes badger fsync every batch
	SyncWrites bool `yaml:"sync_writes"`
	// GCInterval is the badger value log GC period, zero disables it
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// DefaultStoreConfig returns an in-memory store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend:    StoreBackendMemory,
		SyncWrites: true,
		GCInterval: DefaultBadgerGCInterval,
	}
}

// PipelineConfig holds stage execution settings
type PipelineConfig struct {
	// Mode is "inline" (direct analysis calls) or "async" (task queue)
	Mode string `yaml:"mode" validate:"oneof=inline async"`
	// StageTimeout bounds a single stage run
	StageTimeout time.Duration `yaml:"stage_timeout" validate:"gt=0"`
	// PollInterval is how often async tasks are polled
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	// MaxPollAttempts bounds async polling of a single task
	MaxPollAttempts int `yaml:"max_poll_attempts" validate:"min=1"`
	// MaxParallelOutcomes limits concurrent per-outcome analysis calls
	MaxParallelOutcomes int `yaml:"max_parallel_outcomes" validate:"min=1"`
}

// DefaultPipelineConfig returns default stage execution settings
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Mode:                ModeInline,
		StageTimeout:        DefaultStageTimeout,
		PollInterval:        DefaultPollInterval,
		MaxPollAttempts:     DefaultMaxPollAttempts,
		MaxParallelOutcomes: DefaultMaxParallelOutcomes,
	}
}

// TaskQueueConfig holds configuration for TaskQueue operations
type TaskQueueConfig struct {
	// Backend is "memory" or "redis"
	Backend string `yaml:"backend" validate:"oneof=memory redis"`
	// RedisURL is a redis:// URL, required for the redis backend
	RedisURL string `yaml:"redis_url" validate:"required_if=Backend redis"`
	// DispatchInterval is how often to check for ready tasks
	DispatchInterval time.Duration `yaml:"dispatch_interval" validate:"gt=0"`
	// MaxDispatchBatch is the maximum tasks to dispatch per cycle
	MaxDispatchBatch int `yaml:"max_dispatch_batch" validate:"min=1"`
}

// DefaultTaskQueueConfig returns default configuration for TaskQueue
func DefaultTaskQueueConfig() TaskQueueConfig {
	return TaskQueueConfig{
		Backend:          QueueBackendMemory,
		DispatchInterval: DefaultTaskQueueDispatchInterval,
		MaxDispatchBatch: DefaultMaxDispatchBatch,
	}
}

// CacheConfig holds configuration for result caching
type CacheConfig struct {
	// TTL is the time-to-live for cached results
	TTL time.Duration `yaml:"ttl" validate:"gt=0"`
}

// DefaultCacheConfig returns default configuration for caching
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: DefaultCacheTTL,
	}
}

// RetryConfig holds configuration for retry scheduling
type RetryConfig struct {
	// CheckInterval is how often to check for retry-ready tasks
	CheckInterval time.Duration `yaml:"check_interval" validate:"gt=0"`
	// BatchSize is the maximum tasks to requeue per check
	BatchSize int `yaml:"batch_size" validate:"min=1"`
}

// DefaultRetryConfig returns default configuration for retry operations
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		CheckInterval: DefaultRetryCheckInterval,
		BatchSize:     DefaultRetryBatchSize,
	}
}

// AnalyzerConfig selects the statistics engine
type AnalyzerConfig struct {
	// Kind is "mock" or "remote"
	Kind string `yaml:"kind" validate:"oneof=mock remote"`
	// Addr is the host:port of a remote engine
	Addr string `yaml:"addr" validate:"required_if=Kind remote"`
	// DialTimeout bounds connecting to a remote engine
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gte=0"`
	// MockDelay is an artificial latency for the mock engine
	MockDelay time.Duration `yaml:"mock_delay" validate:"gte=0"`
}

// DefaultAnalyzerConfig returns the mock engine configuration
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		Kind:        AnalyzerMock,
		DialTimeout: DefaultAnalyzerDialTimeout,
	}
}

// ServerConfig controls the MCP surface
type ServerConfig struct {
	// Transport is "stdio" or "sse"
	Transport string `yaml:"transport" validate:"oneof=stdio sse"`
	// HTTPPort is used by the sse transport
	HTTPPort int `yaml:"http_port" validate:"min=1,max=65535"`
	// MetricsPort serves /metrics, zero disables it
	MetricsPort int `yaml:"metrics_port" validate:"min=0,max=65535"`
}

// DefaultServerConfig returns stdio transport settings
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Transport: "stdio",
		HTTPPort:  8080,
	}
}

// LogConfig controls the slog handler
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// DefaultLogConfig returns info-level JSON logging
func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: "json"}
}
