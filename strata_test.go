package strata

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/internal/branch"
	"github.com/stratadb/strata/pkg/types"
)

func openDB(t *testing.T, path string) *DB {
	t.Helper()
	db, err := Open(Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// writeTable commits one payload to a table on a branch.
func writeTable(t *testing.T, db *DB, branchName, table string, rows []byte) {
	t.Helper()
	tx, err := db.Transactions.Begin(branchName)
	require.NoError(t, err)
	require.NoError(t, db.Transactions.WriteTable(tx, table, rows))
	require.NoError(t, db.Transactions.Commit(tx))
}

// readTable reassembles a table's payload at a branch head.
func readTable(t *testing.T, db *DB, branchName, table string) []byte {
	t.Helper()
	b, err := db.Branches.Get(branchName)
	require.NoError(t, err)
	head := b.HeadFor(table)
	require.NotZero(t, head)

	version, err := db.Catalog.GetVersion(table, head)
	require.NoError(t, err)

	var payload []byte
	for _, h := range version.ChunkHashes {
		data, err := db.Chunks.GetVerified(h)
		require.NoError(t, err)
		payload = append(payload, data...)
	}
	return payload
}

func TestOpen_BootstrapsMainBranch(t *testing.T) {
	db := openDB(t, t.TempDir())

	names, err := db.Branches.List()
	require.NoError(t, err)
	assert.Equal(t, []string{branch.DefaultBranch}, names)
}

func TestOpen_RejectsEmptyPath(t *testing.T) {
	_, err := Open(Config{})
	assert.True(t, errors.Is(err, types.ErrInvalidArgument), "got %v", err)
}

func TestWriteCommitRead(t *testing.T) {
	db := openDB(t, t.TempDir())

	rows := []byte("id,name\n1,ada\n2,grace\n")
	writeTable(t, db, branch.DefaultBranch, "users", rows)

	assert.Equal(t, rows, readTable(t, db, branch.DefaultBranch, "users"))

	latest, err := db.Catalog.Latest("users")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest)
}

func TestIdenticalPayloadDeduplicates(t *testing.T) {
	db := openDB(t, t.TempDir())

	rows := []byte("the same rows, twice over")
	writeTable(t, db, branch.DefaultBranch, "first", rows)
	writeTable(t, db, branch.DefaultBranch, "second", rows)

	v1, err := db.Catalog.GetVersion("first", 1)
	require.NoError(t, err)
	v2, err := db.Catalog.GetVersion("second", 1)
	require.NoError(t, err)

	// Same content, same chunks: storage holds one copy.
	assert.Equal(t, v1.ChunkHashes, v2.ChunkHashes)
}

func TestTimeTravelAcrossVersions(t *testing.T) {
	db := openDB(t, t.TempDir())

	writeTable(t, db, branch.DefaultBranch, "users", []byte("generation one"))
	writeTable(t, db, branch.DefaultBranch, "users", []byte("generation two"))

	old, err := db.Catalog.GetVersion("users", 1)
	require.NoError(t, err)
	data, err := db.Chunks.GetVerified(old.ChunkHashes[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("generation one"), data)

	assert.Equal(t, []byte("generation two"), readTable(t, db, branch.DefaultBranch, "users"))
}

func TestBranchForkDivergeAndMerge(t *testing.T) {
	db := openDB(t, t.TempDir())

	writeTable(t, db, branch.DefaultBranch, "users", []byte("shared base"))

	_, err := db.Branches.Create("dev", branch.DefaultBranch)
	require.NoError(t, err)

	// Work lands only on dev.
	writeTable(t, db, "dev", "users", []byte("dev edit"))
	writeTable(t, db, "dev", "orders", []byte("dev-only table"))

	assert.Equal(t, []byte("shared base"), readTable(t, db, branch.DefaultBranch, "users"))

	result, err := db.Branches.Merge("dev", branch.DefaultBranch)
	require.NoError(t, err)
	require.True(t, result.Clean(), "conflicts: %v", result.Conflicts)
	assert.Equal(t, uint64(2), result.FastForwarded["users"])
	assert.Equal(t, uint64(1), result.FastForwarded["orders"])

	assert.Equal(t, []byte("dev edit"), readTable(t, db, branch.DefaultBranch, "users"))
	assert.Equal(t, []byte("dev-only table"), readTable(t, db, branch.DefaultBranch, "orders"))
}

func TestBranchMergeReportsConflict(t *testing.T) {
	db := openDB(t, t.TempDir())

	writeTable(t, db, branch.DefaultBranch, "users", []byte("base"))
	_, err := db.Branches.Create("dev", branch.DefaultBranch)
	require.NoError(t, err)

	// dev moves the table twice past the fork point; main is then
	// repointed past the fork independently.
	writeTable(t, db, "dev", "users", []byte("dev v2"))
	writeTable(t, db, "dev", "users", []byte("dev v3"))
	require.NoError(t, db.Branches.UpdateHeads(branch.DefaultBranch, map[string]uint64{"users": 2}))

	result, err := db.Branches.Merge("dev", branch.DefaultBranch)
	require.NoError(t, err)
	require.False(t, result.Clean())
	require.Len(t, result.Conflicts, 1)
	conflict := result.Conflicts[0]
	assert.Equal(t, "users", conflict.Table)
	assert.Equal(t, uint64(1), conflict.BaseVersion)

	// A conflicted merge moves nothing.
	b, err := db.Branches.Get(branch.DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), b.HeadFor("users"))
}

func TestCommitOnStaleBranchConflicts(t *testing.T) {
	db := openDB(t, t.TempDir())

	writeTable(t, db, branch.DefaultBranch, "users", []byte("base"))
	_, err := db.Branches.Create("dev", branch.DefaultBranch)
	require.NoError(t, err)
	writeTable(t, db, "dev", "users", []byte("dev moved on"))

	// The table's chain moved past main's head; a commit from main loses
	// the optimistic re-check and must be retried from a fresh begin.
	tx, err := db.Transactions.Begin(branch.DefaultBranch)
	require.NoError(t, err)
	require.NoError(t, db.Transactions.WriteTable(tx, "users", []byte("stale")))
	err = db.Transactions.Commit(tx)
	assert.True(t, errors.Is(err, types.ErrVersionConflict), "got %v", err)

	assert.Equal(t, []byte("base"), readTable(t, db, branch.DefaultBranch, "users"))
}

func TestCollectGarbageKeepsReachableVersions(t *testing.T) {
	db := openDB(t, t.TempDir())

	for i := 0; i < 5; i++ {
		writeTable(t, db, branch.DefaultBranch, "users", []byte{byte(i)})
	}

	result, err := db.CollectGarbage(types.GCPolicy{MaxVersionsPerTable: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, result.VersionsDeleted)

	_, err = db.Catalog.GetVersion("users", 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, readTable(t, db, branch.DefaultBranch, "users"))

	problems, err := db.VerifyConsistency()
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestAutoGCLifecycle(t *testing.T) {
	db := openDB(t, t.TempDir())

	for i := 0; i < 4; i++ {
		writeTable(t, db, branch.DefaultBranch, "users", []byte{byte(i)})
	}

	require.NoError(t, db.StartAutoGC(types.GCPolicy{MaxVersionsPerTable: 1}, 10*time.Millisecond))
	assert.True(t, db.AutoGCRunning())

	require.Eventually(t, func() bool {
		_, ok := db.LastGCResult()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, db.StopAutoGC(5*time.Second))
	assert.False(t, db.AutoGCRunning())

	_, err := db.Catalog.GetVersion("users", 4)
	require.NoError(t, err)
}

func TestAbandonedTransactionLeavesStoreClean(t *testing.T) {
	db := openDB(t, t.TempDir())

	// A transaction stages writes and is dropped without commit, as when a
	// caller fails mid-scope. Nothing it staged exists anywhere durable.
	tx, err := db.Transactions.Begin(branch.DefaultBranch)
	require.NoError(t, err)
	require.NoError(t, db.Transactions.WriteTable(tx, "ghost", []byte("never committed")))

	tables, err := db.Catalog.ListTables()
	require.NoError(t, err)
	assert.NotContains(t, tables, "ghost")

	report, err := db.Recover()
	require.NoError(t, err)
	assert.True(t, report.IsClean())
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := t.TempDir()

	db, err := Open(Config{Path: path})
	require.NoError(t, err)
	writeTable(t, db, branch.DefaultBranch, "users", []byte("survives restart"))
	require.NoError(t, db.Close())

	db = openDB(t, path)
	report, err := db.Recover()
	require.NoError(t, err)
	assert.True(t, report.IsClean())
	assert.Equal(t, []byte("survives restart"), readTable(t, db, branch.DefaultBranch, "users"))
}

func TestCloseIsIdempotent(t *testing.T) {
	db, err := Open(Config{Path: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = db.Transactions.Begin(branch.DefaultBranch)
	assert.True(t, errors.Is(err, types.ErrClosed), "got %v", err)
}
