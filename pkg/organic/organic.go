// Package organic wires the organic schema components into one System.
//
// A System owns a graph store and the three components built over it:
//   - Learner: learns attribute patterns from every write
//   - Validator: gives gentle, never-rejecting feedback on values
//   - Resolver: infers relationships from shared modules
//
// plus an optional cron scheduler that keeps their in-memory state bounded.
//
// Example:
//
//	sys, err := organic.Open(ctx, config.LoadFromEnv(), logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sys.Close()
//
//	sys.Learner.Learn("Lead", "email", "a@b.com", nil)
//	res := sys.Validator.Validate("Lead", "email", "A@B.com", nil)
//
// Thread Safety:
//
//	All components are safe for concurrent use.
package organic

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/orneryd/organicdb/pkg/config"
	"github.com/orneryd/organicdb/pkg/errors"
	"github.com/orneryd/organicdb/pkg/graph"
	"github.com/orneryd/organicdb/pkg/implicit"
	"github.com/orneryd/organicdb/pkg/logging"
	"github.com/orneryd/organicdb/pkg/pattern"
	"github.com/orneryd/organicdb/pkg/scheduler"
	"github.com/orneryd/organicdb/pkg/storage"
	"github.com/orneryd/organicdb/pkg/validation"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendArango = "arango"
)

// Scheduled task names.
const (
	TaskPatternCleanup  = "pattern_cleanup"
	TaskResolverCleanup = "resolver_cleanup"
)

// System is an assembled organic schema subsystem.
type System struct {
	Store     graph.Store
	Learner   *pattern.Learner
	Validator *validation.Validator
	Resolver  *implicit.Resolver
	Scheduler *scheduler.Scheduler

	config *config.Config
	logger *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
}

// Open builds a System from cfg: it opens the configured store, restores
// persisted pattern summaries and, when enabled, starts the cleanup
// scheduler. A nil cfg uses config.Default().
func Open(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.Mark(err, errors.ErrInvalidInput), "invalid configuration")
	}
	logger = logging.OrNop(logger)

	store, err := OpenStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	sys, err := NewSystem(store, cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if n, err := sys.Learner.Warm(ctx); err != nil {
		logger.Warnw("could not restore pattern summaries", logging.FieldError, err)
	} else if n > 0 {
		logger.Infow("pattern summaries restored", logging.FieldCount, n)
	}

	if cfg.Scheduler.Enabled {
		if err := sys.startScheduler(); err != nil {
			_ = sys.Close()
			return nil, err
		}
	}
	return sys, nil
}

// NewSystem assembles the components over an already open store. The
// scheduler is created but not started. The storage section of cfg is not
// checked; every other section is.
func NewSystem(store graph.Store, cfg *config.Config, logger *zap.SugaredLogger) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.ValidateComponents(); err != nil {
		return nil, errors.Wrap(errors.Mark(err, errors.ErrInvalidInput), "invalid configuration")
	}
	logger = logging.OrNop(logger)

	learner := pattern.New(store, cfg.Learner, logger, pattern.WithPropagation(cfg.Propagation))
	return &System{
		Store:     store,
		Learner:   learner,
		Validator: validation.New(learner, store, cfg.Validator, logger),
		Resolver:  implicit.New(store, learner, cfg.Resolver, logger),
		Scheduler: scheduler.New(cfg.Scheduler, logger),
		config:    cfg,
		logger:    logger,
	}, nil
}

// OpenStore opens the graph store selected by cfg.Backend.
func OpenStore(ctx context.Context, cfg config.StorageConfig, logger *zap.SugaredLogger) (graph.Store, error) {
	logger = logging.OrNop(logger)

	switch cfg.Backend {
	case "", BackendMemory:
		logger.Infow("using in-memory graph store (data will not persist)")
		return graph.NewEngineStore(storage.NewMemoryEngine(graph.ModuleIDAttribute)), nil

	case BackendBadger:
		engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
			DataDir:           cfg.DataDir,
			InMemory:          cfg.InMemory,
			SyncWrites:        cfg.SyncWrites,
			Logger:            logging.PrintfLogger{SugaredLogger: logger.With(logging.FieldComponent, "badger")},
			IndexedProperties: []string{graph.ModuleIDAttribute},
		})
		if err != nil {
			return nil, errors.Wrapf(err, "open badger store at %s", cfg.DataDir)
		}
		logger.Infow("using badger graph store", "data_dir", cfg.DataDir, "in_memory", cfg.InMemory)
		return graph.NewEngineStore(engine), nil

	case BackendArango:
		store, err := graph.NewArangoStore(ctx, graph.ArangoConfig{
			URL:      cfg.ArangoURL,
			Username: cfg.ArangoUsername,
			Password: cfg.ArangoPassword,
			Database: cfg.ArangoDatabase,
		}, logger)
		if err != nil {
			return nil, errors.Wrap(err, "open arango store")
		}
		return store, nil
	}

	return nil, errors.WithHintf(
		errors.Wrapf(errors.ErrInvalidInput, "unknown storage backend %q", cfg.Backend),
		"use %s, %s or %s", BackendMemory, BackendBadger, BackendArango)
}

func (s *System) startScheduler() error {
	if err := s.Scheduler.Register(TaskPatternCleanup, func() {
		r := s.Learner.Cleanup()
		s.logger.Infow("pattern cleanup finished", "patterns_removed", r.PatternsRemoved, "stats_pruned", r.StatsPruned)
	}); err != nil {
		return err
	}
	if err := s.Scheduler.Register(TaskResolverCleanup, func() { s.Resolver.Cleanup() }); err != nil {
		return err
	}
	s.Scheduler.Start()
	return nil
}

// CleanupResult combines the results of every cleanup pass.
type CleanupResult struct {
	Patterns pattern.CleanupResult  `json:"patterns"`
	Resolver implicit.CleanupResult `json:"resolver"`
}

// Cleanup runs the learner and resolver cleanup passes now.
func (s *System) Cleanup() CleanupResult {
	return CleanupResult{
		Patterns: s.Learner.Cleanup(),
		Resolver: s.Resolver.Cleanup(),
	}
}

// Config returns the configuration the System was built with.
func (s *System) Config() *config.Config {
	return s.config
}

// Close stops the scheduler, checkpoints every pattern summary and closes
// the store. Closing twice is a no-op.
func (s *System) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Learner.PersistTimeout)
	defer cancel()
	if err := s.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.Learner.Checkpoint(ctx); err != nil {
		errs = append(errs, errors.Wrap(err, "checkpoint patterns"))
	}
	if err := s.Learner.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "close learner"))
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close store"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
