package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/AltairaLabs/nma-pipeline/internal/analysis"
	"github.com/AltairaLabs/nma-pipeline/internal/analysis/mock"
	"github.com/AltairaLabs/nma-pipeline/internal/analysis/remote"
	"github.com/AltairaLabs/nma-pipeline/internal/config"
	"github.com/AltairaLabs/nma-pipeline/internal/pipeline"
	"github.com/AltairaLabs/nma-pipeline/internal/session"
	"github.com/AltairaLabs/nma-pipeline/internal/storage"
	badgerstore "github.com/AltairaLabs/nma-pipeline/internal/storage/badger"
	"github.com/AltairaLabs/nma-pipeline/internal/storage/memory"
	redisstore "github.com/AltairaLabs/nma-pipeline/internal/storage/redis"
	"github.com/AltairaLabs/nma-pipeline/internal/taskqueue"
)

const (
	maxQueueSize        = 1000
	maxQueuedPerSession = 50
	redisKeyPrefix      = "nma:tasks"
)

// app holds every long-lived component built from the configuration
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	host    *pipeline.Host
	queue   *taskqueue.TaskQueue
	async   *pipeline.AsyncExecutor
	metrics *prometheus.Registry

	closers []func() error
}

// newApp wires storage, the analyzer, the executor and the session host
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, metrics: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	records := memory.NewSessionStateStorage()
	backends, err := a.slotBackends()
	if err != nil {
		return nil, err
	}

	analyzer, err := a.analyzer()
	if err != nil {
		return nil, err
	}
	runner := pipeline.NewRunner(analyzer, cfg.Pipeline.MaxParallelOutcomes)

	var newExec pipeline.ExecutorFactory
	switch cfg.Pipeline.Mode {
	case config.ModeAsync:
		if err := a.startQueue(ctx, records); err != nil {
			return nil, err
		}
		a.async = pipeline.NewAsyncExecutor(a.queue, runner, cfg.Pipeline.PollInterval, cfg.Pipeline.MaxPollAttempts)
		newExec = func(string) pipeline.Executor { return a.async }
	default:
		inline := pipeline.NewInlineExecutor(runner, cfg.Pipeline.StageTimeout)
		newExec = func(string) pipeline.Executor { return inline }
	}

	sessions := session.NewManager(records, backends, nil, logger.With("component", "sessions"))
	metrics := pipeline.NewMetrics(a.metrics)
	a.host = pipeline.NewHost(sessions, newExec, nil, metrics, logger.With("component", "pipeline"))
	a.closers = append(a.closers, a.host.Close)

	logger.Info("Pipeline host initialized",
		"store", cfg.Store.Backend,
		"mode", cfg.Pipeline.Mode,
		"analyzer", cfg.Analyzer.Kind,
	)
	return a, nil
}

func (a *app) slotBackends() (session.BackendFactory, error) {
	if a.cfg.Store.Backend != config.StoreBackendBadger {
		return session.MemoryBackends(), nil
	}
	bcfg := badgerstore.DefaultConfig(a.cfg.Store.Path)
	bcfg.SyncWrites = a.cfg.Store.SyncWrites
	bcfg.GCInterval = a.cfg.Store.GCInterval
	bcfg.Logger = a.logger.With("component", "badger")
	db, err := badgerstore.Open(bcfg)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	return session.BadgerBackends(db), nil
}

func (a *app) analyzer() (analysis.Analyzer, error) {
	if a.cfg.Analyzer.Kind != config.AnalyzerRemote {
		return mock.New(mock.WithDelay(a.cfg.Analyzer.MockDelay)), nil
	}
	client, err := remote.Dial(a.cfg.Analyzer.Addr,
		grpc.WithConnectParams(grpc.ConnectParams{MinConnectTimeout: a.cfg.Analyzer.DialTimeout}),
	)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	a.logger.Info("Using remote analyzer", "addr", a.cfg.Analyzer.Addr)
	return client, nil
}

func (a *app) startQueue(ctx context.Context, seq taskqueue.Sequencer) error {
	var store storage.TaskQueueStorage
	switch a.cfg.TaskQueue.Backend {
	case config.QueueBackendRedis:
		client, err := redisstore.Connect(ctx, a.cfg.TaskQueue.RedisURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		store = redisstore.NewTaskQueueStorage(client, redisKeyPrefix)
	default:
		store = memory.NewTaskQueueStorage(maxQueueSize, maxQueuedPerSession)
	}

	qcfg := taskqueue.DefaultConfig()
	qcfg.Queue = a.cfg.TaskQueue
	qcfg.Retry = a.cfg.Retry
	qcfg.CacheTTL = a.cfg.Cache.TTL
	qcfg.TaskTimeout = a.cfg.Pipeline.StageTimeout
	a.queue = taskqueue.NewTaskQueue(store, seq, qcfg, a.logger.With("component", "taskqueue"))
	a.queue.Start()
	a.closers = append(a.closers, func() error {
		a.queue.Stop()
		return nil
	})
	return nil
}

// Close shuts components down in reverse dependency order
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
