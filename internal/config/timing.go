package config

import "time"

// Default timing configurations used throughout the pipeline host
const (
	// DefaultStageTimeout bounds a single stage run including all outcome calls
	DefaultStageTimeout = 2 * time.Minute

	// DefaultPollInterval is how often the async executor polls a submitted task
	DefaultPollInterval = 250 * time.Millisecond

	// DefaultMaxPollAttempts bounds polling of a single task
	DefaultMaxPollAttempts = 2400

	// DefaultMaxParallelOutcomes is the fan-out limit for per-outcome analysis calls
	DefaultMaxParallelOutcomes = 4

	// DefaultCacheTTL is the default time-to-live for cached task results
	DefaultCacheTTL = 5 * time.Minute

	// DefaultTaskQueueDispatchInterval is how often to check for ready tasks
	DefaultTaskQueueDispatchInterval = 100 * time.Millisecond

	// DefaultMaxDispatchBatch is the maximum tasks to dispatch per cycle
	DefaultMaxDispatchBatch = 10

	// DefaultRetryCheckInterval is how often to check for retry-ready tasks
	DefaultRetryCheckInterval = 1 * time.Second

	// DefaultRetryBatchSize is the maximum tasks to requeue per check
	DefaultRetryBatchSize = 100

	// DefaultBadgerGCInterval is how often value log garbage collection runs
	DefaultBadgerGCInterval = 5 * time.Minute

	// DefaultAnalyzerDialTimeout bounds connecting to a remote statistics engine
	DefaultAnalyzerDialTimeout = 10 * time.Second
)
