package txn

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratadb/strata/pkg/chunker"
	"github.com/stratadb/strata/pkg/types"
)

// stagedWrite is one table's draft version: the chunked payload held in
// memory until commit persists it.
type stagedWrite struct {
	draft  types.TableVersion
	chunks []types.Chunk
}

// Transaction is a snapshot-isolated unit of work. It is created by
// Manager.Begin and finished exactly once, by Commit or Abort. A Transaction
// may be used from one goroutine at a time.
type Transaction struct {
	id       string
	branch   string
	snapshot map[string]uint64

	mu     sync.Mutex
	writes map[string]*stagedWrite
	status types.TxStatus
}

func (tx *Transaction) ID() string { return tx.id }

func (tx *Transaction) Branch() string { return tx.branch }

func (tx *Transaction) Status() types.TxStatus {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

// SnapshotVersion returns the head version of a table as observed when the
// transaction began, or 0 if the table was not visible.
func (tx *Transaction) SnapshotVersion(table string) uint64 {
	return tx.snapshot[table]
}

// WriteTable stages a new version of a table carrying rows as its payload.
// The payload is chunked immediately; nothing touches the catalog or any
// branch until Commit. Writing the same table again replaces the draft.
func (m *Manager) WriteTable(tx *Transaction, table string, rows []byte) error {
	if err := m.guard(); err != nil {
		return err
	}
	if err := types.ValidateName("table", table); err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != types.TxActive {
		return fmt.Errorf("%w: transaction %s is %s, not Active", types.ErrInvalidArgument, tx.id, tx.status)
	}

	chunks, err := chunker.ChunkBytes(rows, m.pool)
	if err != nil {
		return fmt.Errorf("chunking rows for table %q: %w", table, err)
	}

	hashes := make([]types.Hash, len(chunks))
	for i, c := range chunks {
		hashes[i] = c.Hash
	}

	base := tx.snapshot[table]
	tx.writes[table] = &stagedWrite{
		draft: types.TableVersion{
			Table:         table,
			Version:       base + 1,
			ParentVersion: base,
			ChunkHashes:   hashes,
			CreatedAt:     time.Now().UTC(),
		},
		chunks: chunks,
	}
	return nil
}

// Commit runs the commit protocol: optimistic re-check, WAL intent, chunk
// persistence, catalog commits, atomic branch head advance, WAL commit
// record. On a version conflict the transaction aborts with no visible
// effect and the caller may retry from a fresh Begin.
func (m *Manager) Commit(tx *Transaction) error {
	if err := m.guard(); err != nil {
		return err
	}

	tx.mu.Lock()
	if tx.status != types.TxActive {
		status := tx.status
		tx.mu.Unlock()
		return fmt.Errorf("%w: transaction %s is %s, not Active", types.ErrInvalidArgument, tx.id, status)
	}
	tx.status = types.TxCommitting
	tx.mu.Unlock()

	// An empty write set commits trivially.
	if len(tx.writes) == 0 {
		tx.mu.Lock()
		tx.status = types.TxCommitted
		tx.mu.Unlock()
		m.unregister(tx)
		return nil
	}

	tables := make([]string, 0, len(tx.writes))
	for table := range tx.writes {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	// Step 1: optimistic re-check against the catalog's current heads. This
	// is where racing writers to the same table are ordered: the loser sees
	// a moved head and fails whole, with no partial effect.
	for _, table := range tables {
		latest, err := m.catalog.Latest(table)
		if err != nil {
			return m.failCommit(tx, fmt.Errorf("re-reading head of %q: %w", table, err))
		}
		if expected := tx.snapshot[table]; latest != expected {
			return m.failCommit(tx, fmt.Errorf(
				"%w: table %q moved from version %d to %d since transaction %s began",
				types.ErrVersionConflict, table, expected, latest, tx.id))
		}
	}

	// Step 2: durable intent record, before any visible effect.
	intents := make([]tableIntent, len(tables))
	for i, table := range tables {
		draft := tx.writes[table].draft
		intents[i] = tableIntent{Table: table, Version: draft.Version, ChunkHashes: draft.ChunkHashes}
	}
	if _, err := m.wal.append(walRecord{
		TxID:   tx.id,
		Kind:   recordIntent,
		Branch: tx.branch,
		Tables: intents,
	}); err != nil {
		return m.failCommit(tx, err)
	}

	// Step 3: persist chunks, then commit each table's new version.
	var committed []types.TableVersion
	for _, table := range tables {
		staged := tx.writes[table]
		if err := m.chunks.PutMany(staged.chunks); err != nil {
			return m.rollbackCommit(tx, committed, fmt.Errorf("persisting chunks of %q: %w", table, err))
		}
		if _, err := m.catalog.Commit(staged.draft); err != nil {
			return m.rollbackCommit(tx, committed, fmt.Errorf("committing %q: %w", table, err))
		}
		committed = append(committed, staged.draft)
	}

	// Step 4: advance all branch head pointers as one atomic group.
	moves := make(map[string]uint64, len(tables))
	for _, table := range tables {
		moves[table] = tx.writes[table].draft.Version
	}
	if err := m.branches.UpdateHeads(tx.branch, moves); err != nil {
		return m.rollbackCommit(tx, committed, fmt.Errorf("advancing heads on %q: %w", tx.branch, err))
	}

	// Step 5: terminal commit record. The commit is already durable and
	// visible; a failure here is resolved as a replay by recovery, so it is
	// logged but does not fail the transaction.
	epoch, err := m.wal.append(walRecord{
		TxID:   tx.id,
		Kind:   recordCommit,
		Branch: tx.branch,
		Tables: intents,
	})
	if err != nil {
		m.log.WithFields(logrus.Fields{"tx": tx.id, "err": err}).
			Warn("commit record append failed; recovery will close this transaction out")
	}

	tx.mu.Lock()
	tx.status = types.TxCommitted
	tx.mu.Unlock()
	m.unregister(tx)

	m.log.WithFields(logrus.Fields{
		"tx":     tx.id,
		"branch": tx.branch,
		"tables": len(tables),
		"epoch":  epoch,
	}).Debug("transaction committed")
	return nil
}

// failCommit aborts a transaction that has had no visible effect yet.
func (m *Manager) failCommit(tx *Transaction, cause error) error {
	if _, err := m.wal.append(walRecord{
		TxID:   tx.id,
		Kind:   recordAbort,
		Branch: tx.branch,
		Reason: cause.Error(),
	}); err != nil {
		m.log.WithFields(logrus.Fields{"tx": tx.id, "err": err}).Warn("abort record append failed")
	}

	tx.mu.Lock()
	tx.status = types.TxAborted
	tx.writes = make(map[string]*stagedWrite)
	tx.mu.Unlock()
	m.unregister(tx)
	return cause
}

// rollbackCommit undoes catalog commits already made by a failing
// transaction, restoring the pre-transaction state before aborting. Chunks
// already persisted are left for the garbage collector; unreferenced chunks
// are harmless.
func (m *Manager) rollbackCommit(tx *Transaction, committed []types.TableVersion, cause error) error {
	for i := len(committed) - 1; i >= 0; i-- {
		v := committed[i]
		if err := m.catalog.RemoveLatestVersion(v.Table, v.Version); err != nil {
			// Cannot restore the chain; surface loudly, recovery's
			// consistency check will report it too.
			m.log.WithFields(logrus.Fields{
				"tx":      tx.id,
				"table":   v.Table,
				"version": v.Version,
				"err":     err,
			}).Error("rollback of catalog commit failed")
		}
	}
	return m.failCommit(tx, cause)
}

// Abort discards the transaction's staged writes. It is always safe to call
// from the Active state and is the only way to cancel; nothing the
// transaction staged ever becomes visible.
func (m *Manager) Abort(tx *Transaction, reason string) error {
	if err := m.guard(); err != nil {
		return err
	}

	tx.mu.Lock()
	if tx.status != types.TxActive {
		status := tx.status
		tx.mu.Unlock()
		return fmt.Errorf("%w: transaction %s is %s, not Active", types.ErrInvalidArgument, tx.id, status)
	}
	tx.status = types.TxAborted
	tx.writes = make(map[string]*stagedWrite)
	tx.mu.Unlock()

	if _, err := m.wal.append(walRecord{
		TxID:   tx.id,
		Kind:   recordAbort,
		Branch: tx.branch,
		Reason: reason,
	}); err != nil {
		m.log.WithFields(logrus.Fields{"tx": tx.id, "err": err}).Warn("abort record append failed")
	}

	m.unregister(tx)
	m.log.WithFields(logrus.Fields{"tx": tx.id, "reason": reason}).Debug("transaction aborted")
	return nil
}
