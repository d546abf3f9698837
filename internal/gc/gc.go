// Package gc reclaims catalog versions and chunks that are no longer
// reachable from any branch head. Protection is recomputed from a fresh
// branch snapshot on every run, so a crash mid-sweep is self-healing: the
// next run simply starts over.
package gc

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratadb/strata/internal/branch"
	"github.com/stratadb/strata/internal/catalog"
	"github.com/stratadb/strata/internal/chunkstore"
	"github.com/stratadb/strata/pkg/types"
	"github.com/stratadb/strata/pkg/workerpool"
)

type Config struct {
	Catalog  *catalog.Catalog
	Branches *branch.Manager
	Chunks   *chunkstore.Store
	// Pool parallelizes the chunk sweep. Optional.
	Pool *workerpool.WorkerPool
	// Logger is optional; a default logrus logger is used when nil.
	Logger *logrus.Logger
}

// Collector computes reachability over branch heads and deletes everything
// outside the protected set.
type Collector struct {
	catalog  *catalog.Catalog
	branches *branch.Manager
	chunks   *chunkstore.Store
	pool     *workerpool.WorkerPool
	log      *logrus.Logger
}

func New(config Config) (*Collector, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.Catalog == nil || config.Branches == nil || config.Chunks == nil {
		return nil, fmt.Errorf("%w: collector needs catalog, branches and chunk store", types.ErrInvalidArgument)
	}
	return &Collector{
		catalog:  config.Catalog,
		branches: config.Branches,
		chunks:   config.Chunks,
		pool:     config.Pool,
		log:      config.Logger,
	}, nil
}

// Collect runs one garbage collection pass. For every branch and table it
// protects the head and its ancestors down to max(1, head-MaxVersionsPerTable+1);
// a version referenced by any branch head is never deleted, regardless of
// age. A chunk is deleted only once no remaining version of any table
// references it. Deletion order per version is chunks first, then the
// version record, so an interrupted sweep never leaves a version without its
// chunks accounted as live.
func (c *Collector) Collect(policy types.GCPolicy) (types.GCResult, error) {
	start := time.Now()

	if policy.MaxVersionsPerTable < 1 {
		return types.GCResult{}, fmt.Errorf("%w: MaxVersionsPerTable must be >= 1", types.ErrInvalidArgument)
	}

	branches, err := c.branches.Snapshot()
	if err != nil {
		return types.GCResult{}, err
	}

	protected := make(map[string]map[uint64]bool)
	maxHead := make(map[string]uint64)
	for _, b := range branches {
		for table, head := range b.Heads {
			if protected[table] == nil {
				protected[table] = make(map[uint64]bool)
			}
			floor := uint64(1)
			if head > policy.MaxVersionsPerTable {
				floor = head - policy.MaxVersionsPerTable + 1
			}
			for v := floor; v <= head; v++ {
				protected[table][v] = true
			}
			if head > maxHead[table] {
				maxHead[table] = head
			}
		}
	}

	tables, err := c.catalog.ListTables()
	if err != nil {
		return types.GCResult{}, err
	}
	sort.Strings(tables)

	// Phase 1: pick victims. Nothing above a head is ever touched, and a
	// table no branch references at all is left alone entirely.
	victims := make(map[string][]uint64)
	victimSet := make(map[string]map[uint64]bool)
	for _, table := range tables {
		top := maxHead[table]
		if top == 0 {
			continue
		}
		versions, err := c.catalog.ListVersions(table)
		if err != nil {
			return types.GCResult{}, err
		}
		for _, v := range versions {
			if v >= top || protected[table][v] {
				continue
			}
			victims[table] = append(victims[table], v)
			if victimSet[table] == nil {
				victimSet[table] = make(map[uint64]bool)
			}
			victimSet[table][v] = true
		}
	}

	// Phase 2: chunks referenced by any surviving version stay live,
	// counted across all tables, not per table.
	live := make(map[types.Hash]bool)
	for _, table := range tables {
		versions, err := c.catalog.ListVersions(table)
		if err != nil {
			return types.GCResult{}, err
		}
		for _, v := range versions {
			if victimSet[table][v] {
				continue
			}
			version, err := c.catalog.GetVersion(table, v)
			if err != nil {
				return types.GCResult{}, err
			}
			for _, h := range version.ChunkHashes {
				live[h] = true
			}
		}
	}

	// Phase 3: sweep. Per victim version delete its dead chunks, then its
	// record.
	result := types.GCResult{}
	deleted := make(map[types.Hash]bool)
	for _, table := range tables {
		for _, v := range victims[table] {
			version, err := c.catalog.GetVersion(table, v)
			if err != nil {
				if errors.Is(err, types.ErrNotFound) {
					continue // a previous interrupted run already got it
				}
				return result, err
			}

			freed, removed, err := c.sweepChunks(version.ChunkHashes, live, deleted)
			if err != nil {
				return result, err
			}
			result.BytesFreed += freed
			result.ChunksDeleted += removed

			if err := c.catalog.DeleteVersion(table, v); err != nil && !errors.Is(err, types.ErrNotFound) {
				return result, err
			}
			result.VersionsDeleted++
		}
	}

	result.ElapsedSeconds = time.Since(start).Seconds()

	c.log.WithFields(logrus.Fields{
		"versions_deleted": result.VersionsDeleted,
		"chunks_deleted":   result.ChunksDeleted,
		"bytes_freed":      result.BytesFreed,
		"elapsed_seconds":  fmt.Sprintf("%.3f", result.ElapsedSeconds),
	}).Info("garbage collection finished")

	return result, nil
}

// sweepChunks deletes every given chunk that is neither live nor already
// swept, returning freed bytes and the number of chunks removed.
func (c *Collector) sweepChunks(hashes []types.Hash, live, deleted map[types.Hash]bool) (int64, int, error) {
	type sweepResult struct {
		freed int64
		err   error
	}

	var targets []types.Hash
	for _, h := range hashes {
		if live[h] || deleted[h] {
			continue
		}
		deleted[h] = true
		targets = append(targets, h)
	}
	if len(targets) == 0 {
		return 0, 0, nil
	}

	sweepOne := func(h types.Hash) sweepResult {
		size, err := c.chunks.Size(h)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return sweepResult{}
			}
			return sweepResult{err: err}
		}
		if err := c.chunks.Delete(h); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return sweepResult{}
			}
			return sweepResult{err: err}
		}
		return sweepResult{freed: size}
	}

	var results []sweepResult
	if c.pool != nil {
		room := c.pool.CreateRoom(len(targets))
		for _, h := range targets {
			h := h
			room.Submit(func() interface{} { return sweepOne(h) })
		}
		for _, r := range room.Collect() {
			results = append(results, r.(sweepResult))
		}
	} else {
		for _, h := range targets {
			results = append(results, sweepOne(h))
		}
	}

	var freed int64
	removed := 0
	for _, r := range results {
		if r.err != nil {
			return freed, removed, r.err
		}
		if r.freed > 0 {
			freed += r.freed
			removed++
		}
	}
	return freed, removed, nil
}
