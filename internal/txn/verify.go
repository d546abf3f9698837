package txn

import (
	"fmt"
	"sort"
)

// VerifyConsistency cross-checks the stores against each other without
// consulting the WAL: every branch head must point at an existing catalog
// version, and every committed version's chunks must exist in the chunk
// store. It returns one human-readable issue per dangling reference.
func (m *Manager) VerifyConsistency() ([]string, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	var issues []string

	branches, err := m.branches.Snapshot()
	if err != nil {
		return nil, err
	}
	branchNames := make([]string, 0, len(branches))
	for name := range branches {
		branchNames = append(branchNames, name)
	}
	sort.Strings(branchNames)

	for _, name := range branchNames {
		b := branches[name]
		tables := make([]string, 0, len(b.Heads))
		for table := range b.Heads {
			tables = append(tables, table)
		}
		sort.Strings(tables)

		for _, table := range tables {
			head := b.Heads[table]
			if _, err := m.catalog.GetVersion(table, head); err != nil {
				issues = append(issues, fmt.Sprintf(
					"branch %q head %s@%d does not resolve: %v", name, table, head, err))
			}
		}
	}

	tables, err := m.catalog.ListTables()
	if err != nil {
		return nil, err
	}
	sort.Strings(tables)

	for _, table := range tables {
		versions, err := m.catalog.ListVersions(table)
		if err != nil {
			issues = append(issues, fmt.Sprintf("listing versions of %q: %v", table, err))
			continue
		}
		for _, v := range versions {
			version, err := m.catalog.GetVersion(table, v)
			if err != nil {
				issues = append(issues, fmt.Sprintf("reading %s@%d: %v", table, v, err))
				continue
			}
			for _, h := range version.ChunkHashes {
				exists, err := m.chunks.Exists(h)
				if err != nil {
					return nil, err
				}
				if !exists {
					issues = append(issues, fmt.Sprintf(
						"version %s@%d references missing chunk %s", table, v, h))
				}
			}
		}
	}

	return issues, nil
}
