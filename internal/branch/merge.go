package branch

import (
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/stratadb/strata/pkg/types"
)

// Merge fast-forwards the target branch's pointer for every table on which
// the source is strictly ahead and the target has not moved since the common
// ancestor. Tables that advanced on both branches since the ancestor are
// reported as conflicts and left untouched; nothing is ever overwritten
// silently. All fast-forwards apply atomically.
func (m *Manager) Merge(source, into string) (types.MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return types.MergeResult{}, err
	}
	if err := types.ValidateName("branch", source); err != nil {
		return types.MergeResult{}, err
	}
	if err := types.ValidateName("branch", into); err != nil {
		return types.MergeResult{}, err
	}
	if source == into {
		return types.MergeResult{}, fmt.Errorf("%w: cannot merge branch %q into itself", types.ErrInvalidArgument, source)
	}

	result := types.MergeResult{
		Source:        source,
		Into:          into,
		FastForwarded: map[string]uint64{},
	}

	err := m.db.Update(func(txn *badger.Txn) error {
		src, err := readBranch(txn, source)
		if err != nil {
			return err
		}
		dst, err := readBranch(txn, into)
		if err != nil {
			return err
		}

		tables := make([]string, 0, len(src.Heads))
		for t := range src.Heads {
			tables = append(tables, t)
		}
		sort.Strings(tables)

		srcChanged := false
		for _, table := range tables {
			srcV := src.Heads[table]
			dstV := dst.Heads[table]
			base := mergeBase(src, dst, table)

			switch {
			case srcV == dstV:
				result.Unchanged = append(result.Unchanged, table)
			case srcV < dstV:
				// Target is already ahead.
				result.Unchanged = append(result.Unchanged, table)
			case dstV <= base:
				// Target has not moved since the ancestor: fast-forward,
				// and advance the recorded ancestor to the merged version
				// so the next merge of the same pair starts from here.
				dst.Heads[table] = srcV
				result.FastForwarded[table] = srcV
				switch {
				case src.Parent == dst.Name:
					src.ForkHeads[table] = srcV
					srcChanged = true
				case dst.Parent == src.Name:
					dst.ForkHeads[table] = srcV
				}
			default:
				result.Conflicts = append(result.Conflicts, types.MergeConflict{
					Table:         table,
					SourceVersion: srcV,
					TargetVersion: dstV,
					BaseVersion:   base,
				})
			}
		}

		if len(result.FastForwarded) == 0 {
			return nil
		}
		encoded, err := encodeBranch(dst)
		if err != nil {
			return err
		}
		if err := txn.Set(branchKey(into), encoded); err != nil {
			return err
		}
		if srcChanged {
			encodedSrc, err := encodeBranch(src)
			if err != nil {
				return err
			}
			return txn.Set(branchKey(source), encodedSrc)
		}
		return nil
	})
	if err != nil {
		return types.MergeResult{}, err
	}

	m.log.WithFields(logrus.Fields{
		"source":         source,
		"into":           into,
		"fast_forwarded": len(result.FastForwarded),
		"conflicts":      len(result.Conflicts),
	}).Debug("branch merge")

	return result, nil
}

// mergeBase returns the common-ancestor head for one table. When one branch
// was forked from the other, the fork-point snapshot recorded at creation is
// the ancestor; for unrelated branches the smaller head is the conservative
// choice (per-table versions are globally linear, so the smaller head is
// always an ancestor of the larger).
func mergeBase(src, dst types.Branch, table string) uint64 {
	if src.Parent == dst.Name {
		return src.ForkHeads[table]
	}
	if dst.Parent == src.Name {
		return dst.ForkHeads[table]
	}
	srcV, dstV := src.Heads[table], dst.Heads[table]
	if srcV < dstV {
		return srcV
	}
	return dstV
}
