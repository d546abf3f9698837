package txn

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/internal/branch"
	"github.com/stratadb/strata/internal/catalog"
	"github.com/stratadb/strata/internal/chunkstore"
	"github.com/stratadb/strata/pkg/types"
)

type env struct {
	root     string
	chunks   *chunkstore.Store
	catalog  *catalog.Catalog
	branches *branch.Manager
	manager  *Manager
}

// openEnvAt assembles the full stack over an existing root, so tests can
// close and reopen the same store.
func openEnvAt(t *testing.T, root string) *env {
	t.Helper()

	chunks, err := chunkstore.New(chunkstore.Config{Root: root})
	require.NoError(t, err)
	cat, err := catalog.Open(catalog.Config{Root: root})
	require.NoError(t, err)
	branches, err := branch.Open(branch.Config{Root: root})
	require.NoError(t, err)
	manager, err := Open(Config{Root: root, Chunks: chunks, Catalog: cat, Branches: branches})
	require.NoError(t, err)

	return &env{root: root, chunks: chunks, catalog: cat, branches: branches, manager: manager}
}

func (e *env) close() {
	e.manager.Close()
	e.branches.Close()
	e.catalog.Close()
	e.chunks.Close()
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := openEnvAt(t, t.TempDir())
	t.Cleanup(e.close)
	return e
}

// readTable resolves a table on a branch and reassembles its payload.
func (e *env) readTable(t *testing.T, branchName, table string) []byte {
	t.Helper()
	b, err := e.branches.Get(branchName)
	require.NoError(t, err)
	head := b.HeadFor(table)
	require.NotZero(t, head, "table %q has no head on %q", table, branchName)

	version, err := e.catalog.GetVersion(table, head)
	require.NoError(t, err)

	var payload []byte
	for _, h := range version.ChunkHashes {
		data, err := e.chunks.GetVerified(h)
		require.NoError(t, err)
		payload = append(payload, data...)
	}
	return payload
}

func TestCommit_WriteReadBack(t *testing.T) {
	e := newEnv(t)

	tx, err := e.manager.Begin(branch.DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, 1, e.manager.ActiveCount())

	require.NoError(t, e.manager.WriteTable(tx, "users", []byte("id,name\n1,ada\n")))
	require.NoError(t, e.manager.Commit(tx))
	assert.Equal(t, types.TxCommitted, tx.Status())
	assert.Equal(t, 0, e.manager.ActiveCount())

	assert.Equal(t, []byte("id,name\n1,ada\n"), e.readTable(t, branch.DefaultBranch, "users"))
	assert.Equal(t, uint64(1), e.manager.LastCommittedEpoch())
}

func TestCommit_MultiTableIsAtomic(t *testing.T) {
	e := newEnv(t)

	tx, err := e.manager.Begin(branch.DefaultBranch)
	require.NoError(t, err)
	require.NoError(t, e.manager.WriteTable(tx, "users", []byte("users-v1")))
	require.NoError(t, e.manager.WriteTable(tx, "orders", []byte("orders-v1")))
	require.NoError(t, e.manager.Commit(tx))

	b, err := e.branches.Get(branch.DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.HeadFor("users"))
	assert.Equal(t, uint64(1), b.HeadFor("orders"))
}

func TestCommit_EmptyWriteSet(t *testing.T) {
	e := newEnv(t)

	tx, err := e.manager.Begin(branch.DefaultBranch)
	require.NoError(t, err)
	require.NoError(t, e.manager.Commit(tx))
	assert.Equal(t, types.TxCommitted, tx.Status())
	assert.Zero(t, e.manager.LastCommittedEpoch())
}

func TestCommit_ConflictExclusivity(t *testing.T) {
	e := newEnv(t)

	// Both transactions observe the same snapshot.
	t1, err := e.manager.Begin(branch.DefaultBranch)
	require.NoError(t, err)
	t2, err := e.manager.Begin(branch.DefaultBranch)
	require.NoError(t, err)

	require.NoError(t, e.manager.WriteTable(t1, "t", []byte("from t1")))
	require.NoError(t, e.manager.WriteTable(t2, "t", []byte("from t2")))

	require.NoError(t, e.manager.Commit(t1))

	err = e.manager.Commit(t2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrVersionConflict), "got %v", err)
	assert.Equal(t, types.TxAborted, t2.Status())

	// The loser had no partial effect.
	assert.Equal(t, []byte("from t1"), e.readTable(t, branch.DefaultBranch, "t"))
	latest, err := e.catalog.Latest("t")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest)

	// Retried from a fresh begin, the loser succeeds.
	t3, err := e.manager.Begin(branch.DefaultBranch)
	require.NoError(t, err)
	require.NoError(t, e.manager.WriteTable(t3, "t", []byte("from t2")))
	require.NoError(t, e.manager.Commit(t3))
	assert.Equal(t, []byte("from t2"), e.readTable(t, branch.DefaultBranch, "t"))
}

func TestCommit_ConcurrentWritersExactlyOneWins(t *testing.T) {
	e := newEnv(t)

	const writers = 8

	txs := make([]*Transaction, writers)
	for i := range txs {
		tx, err := e.manager.Begin(branch.DefaultBranch)
		require.NoError(t, err)
		require.NoError(t, e.manager.WriteTable(tx, "t", []byte{byte(i)}))
		txs[i] = tx
	}

	var wg sync.WaitGroup
	results := make([]error, writers)
	for i := range txs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.manager.Commit(txs[i])
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.True(t, errors.Is(err, types.ErrVersionConflict), "got %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one racing writer may commit")

	latest, err := e.catalog.Latest("t")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest)
}

func TestWritersToDifferentTablesNeverConflict(t *testing.T) {
	e := newEnv(t)

	t1, err := e.manager.Begin(branch.DefaultBranch)
	require.NoError(t, err)
	t2, err := e.manager.Begin(branch.DefaultBranch)
	require.NoError(t, err)

	require.NoError(t, e.manager.WriteTable(t1, "users", []byte("users")))
	require.NoError(t, e.manager.WriteTable(t2, "orders", []byte("orders")))

	require.NoError(t, e.manager.Commit(t1))
	require.NoError(t, e.manager.Commit(t2))
}

func TestAbort_LeavesNoTrace(t *testing.T) {
	e := newEnv(t)

	// Establish a baseline version.
	setup, err := e.manager.Begin(branch.DefaultBranch)
	require.NoError(t, err)
	require.NoError(t, e.manager.WriteTable(setup, "users", []byte("v1")))
	require.NoError(t, e.manager.Commit(setup))

	tablesBefore, err := e.catalog.ListTables()
	require.NoError(t, err)
	versionsBefore, err := e.catalog.ListVersions("users")
	require.NoError(t, err)

	tx, err := e.manager.Begin(branch.DefaultBranch)
	require.NoError(t, err)
	require.NoError(t, e.manager.WriteTable(tx, "users", []byte("v2 staged")))
	require.NoError(t, e.manager.WriteTable(tx, "ghost", []byte("never lands")))
	require.NoError(t, e.manager.Abort(tx, "test cancel"))
	assert.Equal(t, types.TxAborted, tx.Status())

	tablesAfter, err := e.catalog.ListTables()
	require.NoError(t, err)
	versionsAfter, err := e.catalog.ListVersions("users")
	require.NoError(t, err)

	assert.Equal(t, tablesBefore, tablesAfter)
	assert.Equal(t, versionsBefore, versionsAfter)
	assert.Equal(t, []byte("v1"), e.readTable(t, branch.DefaultBranch, "users"))
}

func TestAbort_OnlyFromActive(t *testing.T) {
	e := newEnv(t)

	tx, err := e.manager.Begin(branch.DefaultBranch)
	require.NoError(t, err)
	require.NoError(t, e.manager.Commit(tx))

	err = e.manager.Abort(tx, "too late")
	assert.True(t, errors.Is(err, types.ErrInvalidArgument), "got %v", err)
}

func TestWriteTable_RejectsFinishedTransaction(t *testing.T) {
	e := newEnv(t)

	tx, err := e.manager.Begin(branch.DefaultBranch)
	require.NoError(t, err)
	require.NoError(t, e.manager.Abort(tx, "done"))

	err = e.manager.WriteTable(tx, "users", []byte("rows"))
	assert.True(t, errors.Is(err, types.ErrInvalidArgument), "got %v", err)
}

func TestSnapshotIsolation_ReadsAreFixed(t *testing.T) {
	e := newEnv(t)

	setup, err := e.manager.Begin(branch.DefaultBranch)
	require.NoError(t, err)
	require.NoError(t, e.manager.WriteTable(setup, "users", []byte("v1")))
	require.NoError(t, e.manager.Commit(setup))

	tx, err := e.manager.Begin(branch.DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tx.SnapshotVersion("users"))

	// A later commit does not move the snapshot.
	later, err := e.manager.Begin(branch.DefaultBranch)
	require.NoError(t, err)
	require.NoError(t, e.manager.WriteTable(later, "users", []byte("v2")))
	require.NoError(t, e.manager.Commit(later))

	assert.Equal(t, uint64(1), tx.SnapshotVersion("users"))
}

func TestBegin_UnknownBranch(t *testing.T) {
	e := newEnv(t)

	_, err := e.manager.Begin("nope")
	assert.True(t, errors.Is(err, types.ErrNotFound), "got %v", err)
}

func TestEpoch_CountsFinishedCommits(t *testing.T) {
	e := newEnv(t)

	for i := 0; i < 3; i++ {
		tx, err := e.manager.Begin(branch.DefaultBranch)
		require.NoError(t, err)
		require.NoError(t, e.manager.WriteTable(tx, "users", []byte{byte(i)}))
		require.NoError(t, e.manager.Commit(tx))
	}
	assert.Equal(t, uint64(3), e.manager.LastCommittedEpoch())
}

func TestClose_RejectsOperations(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.manager.Close())

	_, err := e.manager.Begin(branch.DefaultBranch)
	assert.True(t, errors.Is(err, types.ErrClosed), "got %v", err)
}
