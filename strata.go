// Package strata is a local, git-like versioned table store. Tabular data is
// persisted as immutable, content-addressed chunks; every table carries an
// append-only version chain; named branches hold independent head pointers;
// and all multi-table writes run inside snapshot-isolated transactions with
// write-ahead-log crash recovery. A garbage collector reclaims versions and
// chunks no longer reachable from any branch head.
package strata

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratadb/strata/internal/branch"
	"github.com/stratadb/strata/internal/catalog"
	"github.com/stratadb/strata/internal/chunkstore"
	"github.com/stratadb/strata/internal/gc"
	"github.com/stratadb/strata/internal/txn"
	"github.com/stratadb/strata/pkg/types"
	"github.com/stratadb/strata/pkg/workerpool"
)

// DB is the database handle. It owns the four stores, the shared worker
// pool and the AutoGC lifecycle. Open every DB with Open and release it with
// Close; a DB dropped without Close only triggers a logged warning from a
// last-resort finalizer, never cleanup.
type DB struct {
	Chunks       *chunkstore.Store
	Catalog      *catalog.Catalog
	Branches     *branch.Manager
	Transactions *txn.Manager

	log    *logrus.Logger
	config Config
	pool   *workerpool.WorkerPool
	gc     *gc.Collector
	autoGC *gc.AutoGC

	closeOnce sync.Once
	closeErr  error
}

// Open opens (or initializes) a store rooted at config.Path and wires up all
// subsystems. On first open the default "main" branch is created.
func Open(config Config) (*DB, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("%w: store path is empty", types.ErrInvalidArgument)
	}
	if config.Logger == nil {
		config.Logger = defaultLogger()
	}
	log := config.Logger

	pool := workerpool.NewWorkerPool(workerpool.Config{})

	chunks, err := chunkstore.New(chunkstore.Config{
		Root:          config.Path,
		Compression:   config.Compression,
		MinimumFreeGB: config.MinimumFreeGB,
		Logger:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("opening chunk store: %w", err)
	}

	cat, err := catalog.Open(catalog.Config{Root: config.Path, Logger: log})
	if err != nil {
		chunks.Close()
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	branches, err := branch.Open(branch.Config{Root: config.Path, Logger: log})
	if err != nil {
		chunks.Close()
		cat.Close()
		return nil, fmt.Errorf("opening branches: %w", err)
	}

	transactions, err := txn.Open(txn.Config{
		Root:     config.Path,
		Chunks:   chunks,
		Catalog:  cat,
		Branches: branches,
		Pool:     pool,
		Logger:   log,
	})
	if err != nil {
		chunks.Close()
		cat.Close()
		branches.Close()
		return nil, fmt.Errorf("opening transaction manager: %w", err)
	}

	collector, err := gc.New(gc.Config{
		Catalog:  cat,
		Branches: branches,
		Chunks:   chunks,
		Pool:     pool,
		Logger:   log,
	})
	if err != nil {
		transactions.Close()
		chunks.Close()
		cat.Close()
		branches.Close()
		return nil, err
	}

	db := &DB{
		Chunks:       chunks,
		Catalog:      cat,
		Branches:     branches,
		Transactions: transactions,
		log:          log,
		config:       config,
		pool:         pool,
		gc:           collector,
		autoGC:       gc.NewAutoGC(collector, log),
	}

	runtime.SetFinalizer(db, func(leaked *DB) {
		leaked.log.WithField("path", leaked.config.Path).
			Warn("DB handle was garbage collected without Close; call Close explicitly")
	})

	log.WithField("path", config.Path).Info("store opened")
	return db, nil
}

// CollectGarbage runs one synchronous garbage collection pass.
func (db *DB) CollectGarbage(policy types.GCPolicy) (types.GCResult, error) {
	return db.gc.Collect(policy)
}

// StartAutoGC begins periodic collection with the given policy and interval.
func (db *DB) StartAutoGC(policy types.GCPolicy, interval time.Duration) error {
	return db.autoGC.Start(policy, interval)
}

// StopAutoGC stops periodic collection, waiting up to timeout for a run in
// progress.
func (db *DB) StopAutoGC(timeout time.Duration) error {
	return db.autoGC.Stop(timeout)
}

// AutoGCRunning reports whether the periodic collector is live.
func (db *DB) AutoGCRunning() bool {
	return db.autoGC.IsRunning()
}

// LastGCResult returns the most recent AutoGC run's result, if any.
func (db *DB) LastGCResult() (types.GCResult, bool) {
	return db.autoGC.LastResult()
}

// Recover reports what crash recovery would do, without changing anything.
func (db *DB) Recover() (types.RecoveryReport, error) {
	return db.Transactions.Recover()
}

// RecoverAndApply classifies every unfinished WAL entry and executes the
// replay or rollback it calls for.
func (db *DB) RecoverAndApply() (types.RecoveryReport, error) {
	return db.Transactions.RecoverAndApply()
}

// VerifyConsistency cross-checks branch heads, catalog versions and stored
// chunks against each other.
func (db *DB) VerifyConsistency() ([]string, error) {
	return db.Transactions.VerifyConsistency()
}

// Close stops AutoGC and releases every store. It is idempotent.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		runtime.SetFinalizer(db, nil)

		if err := db.autoGC.Stop(30 * time.Second); err != nil {
			db.log.WithField("err", err).Warn("auto gc did not stop cleanly")
		}

		var errs []error
		if err := db.Transactions.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing transaction manager: %w", err))
		}
		if err := db.Branches.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing branches: %w", err))
		}
		if err := db.Catalog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing catalog: %w", err))
		}
		if err := db.Chunks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing chunk store: %w", err))
		}
		db.pool.Close()

		if len(errs) > 0 {
			db.closeErr = errs[0]
		}
		db.log.WithField("path", db.config.Path).Info("store closed")
	})
	return db.closeErr
}
