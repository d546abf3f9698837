package txn

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/stratadb/strata/pkg/types"
)

// txTrace is everything the WAL recorded about one transaction.
type txTrace struct {
	id        string
	firstSeq  uint64
	intent    *walRecord
	committed bool
	aborted   bool
}

// classification of one non-terminal transaction.
type decision int

const (
	decideReplay decision = iota
	decideRollback
	decideError
)

// Recover scans the WAL against the current catalog and branch state and
// reports what a recovery would do, without changing anything.
func (m *Manager) Recover() (types.RecoveryReport, error) {
	return m.recover(false)
}

// RecoverAndApply performs the same classification as Recover and executes
// it: replayed transactions get their branch pointers finished, rolled-back
// transactions have their partial catalog versions and orphaned chunks
// removed. Terminal records are appended for every resolved transaction, so
// a second run finds nothing left to do.
func (m *Manager) RecoverAndApply() (types.RecoveryReport, error) {
	return m.recover(true)
}

func (m *Manager) recover(apply bool) (types.RecoveryReport, error) {
	if err := m.guard(); err != nil {
		return types.RecoveryReport{}, err
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	report := types.RecoveryReport{LastCommittedEpoch: m.wal.currentEpoch()}

	entries, err := m.wal.scan()
	if err != nil {
		return report, err
	}

	traces := make(map[string]*txTrace)
	var order []string
	for _, entry := range entries {
		if entry.err != nil {
			report.Errors = append(report.Errors, entry.err.Error())
			continue
		}
		r := entry.record
		trace, ok := traces[r.TxID]
		if !ok {
			trace = &txTrace{id: r.TxID, firstSeq: r.Seq}
			traces[r.TxID] = trace
			order = append(order, r.TxID)
		}
		switch r.Kind {
		case recordIntent:
			rec := r
			trace.intent = &rec
		case recordCommit:
			if trace.intent == nil {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("commit record for transaction %s has no intent record", r.TxID))
			}
			trace.committed = true
		case recordAbort:
			trace.aborted = true
		default:
			report.Errors = append(report.Errors,
				fmt.Sprintf("wal entry %d for transaction %s has unknown kind %d", r.Seq, r.TxID, r.Kind))
		}
	}

	sort.Slice(order, func(a, b int) bool { return traces[order[a]].firstSeq < traces[order[b]].firstSeq })

	for _, id := range order {
		trace := traces[id]
		switch {
		case trace.committed:
			report.AlreadyCommitted = append(report.AlreadyCommitted, id)
		case trace.aborted:
			report.AlreadyAborted = append(report.AlreadyAborted, id)
		case trace.intent == nil:
			// Only possible if the WAL carries a malformed group.
			report.Errors = append(report.Errors,
				fmt.Sprintf("transaction %s left records but neither intent nor terminal state", id))
		default:
			m.resolveOpen(trace, &report, apply)
		}
	}

	if apply {
		m.log.WithFields(logrus.Fields{
			"replayed":    len(report.Replayed),
			"rolled_back": len(report.RolledBack),
			"errors":      len(report.Errors),
		}).Info("recovery applied")
	}
	return report, nil
}

// resolveOpen classifies one transaction that has an intent record but no
// terminal record, and optionally executes the decision.
func (m *Manager) resolveOpen(trace *txTrace, report *types.RecoveryReport, apply bool) {
	intent := trace.intent

	decision, detail := m.classify(intent, report)
	switch decision {
	case decideError:
		report.Errors = append(report.Errors,
			fmt.Sprintf("transaction %s cannot be classified: %s", trace.id, detail))
		return

	case decideReplay:
		if apply {
			if err := m.applyReplay(intent); err != nil {
				report.Errors = append(report.Errors,
					fmt.Sprintf("replaying transaction %s: %v", trace.id, err))
				return
			}
		}
		report.Replayed = append(report.Replayed, trace.id)

	case decideRollback:
		if apply {
			if err := m.applyRollback(intent, report); err != nil {
				report.Errors = append(report.Errors,
					fmt.Sprintf("rolling back transaction %s: %v", trace.id, err))
				return
			}
		}
		report.RolledBack = append(report.RolledBack, trace.id)
	}
}

// classify decides replay or rollback for an intent: if every target
// TableVersion is present and consistent in the catalog, the commit had
// durably progressed and is finished; otherwise every partial effect is
// undone. Ambiguity resolves to rollback, never to fabricating a commit.
func (m *Manager) classify(intent *walRecord, report *types.RecoveryReport) (decision, string) {
	if _, err := m.branches.Get(intent.Branch); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return decideError, fmt.Sprintf("branch %q no longer exists", intent.Branch)
		}
		return decideError, err.Error()
	}

	allPresent := true
	for _, target := range intent.Tables {
		version, err := m.catalog.GetVersion(target.Table, target.Version)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				allPresent = false
				continue
			}
			return decideError, fmt.Sprintf("reading %q version %d: %v", target.Table, target.Version, err)
		}
		if !sameChunkList(version.ChunkHashes, target.ChunkHashes) {
			// A version with the right number but different content is a
			// contradiction, not a partial write.
			return decideError, fmt.Sprintf(
				"table %q version %d exists with a different chunk list than the intent", target.Table, target.Version)
		}
	}

	if allPresent {
		return decideReplay, ""
	}
	return decideRollback, ""
}

// applyReplay finishes a commit that durably reached the catalog: any branch
// pointer that did not move yet is advanced, and a terminal commit record is
// appended.
func (m *Manager) applyReplay(intent *walRecord) error {
	b, err := m.branches.Get(intent.Branch)
	if err != nil {
		return err
	}

	moves := make(map[string]uint64)
	for _, target := range intent.Tables {
		if b.Heads[target.Table] < target.Version {
			moves[target.Table] = target.Version
		}
	}
	if len(moves) > 0 {
		if err := m.branches.UpdateHeads(intent.Branch, moves); err != nil {
			return err
		}
	}

	_, err = m.wal.append(walRecord{
		TxID:   intent.TxID,
		Kind:   recordCommit,
		Branch: intent.Branch,
		Tables: intent.Tables,
		Reason: "finished by recovery",
	})
	return err
}

// applyRollback discards the partial effects of an unfinished commit: catalog
// versions that made it in are removed (newest first, so the chain stays
// contiguous), chunks referenced by nothing else are deleted, and a terminal
// abort record is appended. Branch pointers were never moved for a
// transaction without a commit record that fails classification as replay.
func (m *Manager) applyRollback(intent *walRecord, report *types.RecoveryReport) error {
	for _, target := range intent.Tables {
		_, err := m.catalog.GetVersion(target.Table, target.Version)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return err
		}
		if err := m.catalog.RemoveLatestVersion(target.Table, target.Version); err != nil {
			if errors.Is(err, types.ErrVersionConflict) {
				// Later versions built on the partial one; removing it would
				// tear the chain. Contradictory state, never silently fixed.
				report.Errors = append(report.Errors, fmt.Sprintf(
					"table %q version %d from unfinished transaction %s has newer versions on top",
					target.Table, target.Version, intent.TxID))
				continue
			}
			return err
		}
	}

	if err := m.deleteOrphanedChunks(intent, report); err != nil {
		return err
	}

	_, err := m.wal.append(walRecord{
		TxID:   intent.TxID,
		Kind:   recordAbort,
		Branch: intent.Branch,
		Reason: "rolled back by recovery",
	})
	return err
}

// deleteOrphanedChunks removes intent-listed chunks that no committed
// version references anymore.
func (m *Manager) deleteOrphanedChunks(intent *walRecord, report *types.RecoveryReport) error {
	live, err := m.liveChunkSet()
	if err != nil {
		return err
	}

	for _, target := range intent.Tables {
		for _, h := range target.ChunkHashes {
			if live[h] {
				continue
			}
			exists, err := m.chunks.Exists(h)
			if err != nil {
				return err
			}
			if !exists {
				continue
			}
			if err := m.chunks.Delete(h); err != nil && !errors.Is(err, types.ErrNotFound) {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("orphaned chunk %s could not be deleted: %v", h, err))
			}
		}
	}
	return nil
}

// liveChunkSet collects every chunk hash referenced by any committed version
// of any table.
func (m *Manager) liveChunkSet() (map[types.Hash]bool, error) {
	live := make(map[types.Hash]bool)

	tables, err := m.catalog.ListTables()
	if err != nil {
		return nil, err
	}
	for _, table := range tables {
		versions, err := m.catalog.ListVersions(table)
		if err != nil {
			return nil, err
		}
		for _, v := range versions {
			version, err := m.catalog.GetVersion(table, v)
			if err != nil {
				return nil, err
			}
			for _, h := range version.ChunkHashes {
				live[h] = true
			}
		}
	}
	return live, nil
}

func sameChunkList(a, b []types.Hash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
