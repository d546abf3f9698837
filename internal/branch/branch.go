// Package branch manages named branches: movable sets of per-table head
// pointers into the catalog's version chains. Heads only ever advance;
// ResetHead is the single explicit exception. Branch heads are the roots of
// the garbage collector's reachability computation.
package branch

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/stratadb/strata/pkg/types"
)

// DefaultBranch is created on first open and serves as the fork source when
// no other branch is named.
const DefaultBranch = "main"

const prefixBranch = "b:"

type Config struct {
	// Root is the store root; branch records live under <Root>/branches.
	Root string
	// Logger is optional; a default logrus logger is used when nil.
	Logger *logrus.Logger
}

// Manager is the durable branch store. Safe for concurrent use; all
// mutations are serialized internally, which is what makes a commit's
// multi-table head advance atomic.
type Manager struct {
	db  *badger.DB
	log *logrus.Logger

	mu     sync.Mutex
	closed atomic.Bool
}

func Open(config Config) (*Manager, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.Root == "" {
		return nil, fmt.Errorf("%w: branch root is empty", types.ErrInvalidArgument)
	}

	opts := badger.DefaultOptions(filepath.Join(config.Root, "branches"))
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening branch db: %w", err)
	}

	m := &Manager{db: db, log: config.Logger}

	if err := m.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// bootstrap creates the default branch on a fresh store.
func (m *Manager) bootstrap() error {
	return m.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(branchKey(DefaultBranch))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("reading default branch: %w", err)
		}

		main := types.Branch{
			Name:      DefaultBranch,
			Heads:     map[string]uint64{},
			ForkHeads: map[string]uint64{},
			CreatedAt: time.Now().UTC(),
		}
		encoded, err := encodeBranch(main)
		if err != nil {
			return err
		}
		m.log.WithField("branch", DefaultBranch).Info("bootstrapping default branch")
		return txn.Set(branchKey(DefaultBranch), encoded)
	})
}

func branchKey(name string) []byte {
	return []byte(prefixBranch + name)
}

func (m *Manager) guard() error {
	if m.closed.Load() {
		return fmt.Errorf("%w: branch manager", types.ErrClosed)
	}
	return nil
}

// Create forks a new branch from an existing one, copying its head mapping.
// The copied heads also become the new branch's fork-point snapshot, which
// merge later uses as the common ancestor.
func (m *Manager) Create(name, from string) (types.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return types.Branch{}, err
	}
	if err := types.ValidateName("branch", name); err != nil {
		return types.Branch{}, err
	}
	if from == "" {
		from = DefaultBranch
	}

	var created types.Branch
	err := m.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(branchKey(name)); err == nil {
			return fmt.Errorf("%w: branch %q already exists", types.ErrInvalidArgument, name)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("reading branch %q: %w", name, err)
		}

		source, err := readBranch(txn, from)
		if err != nil {
			return err
		}

		created = types.Branch{
			Name:      name,
			Heads:     copyHeads(source.Heads),
			Parent:    from,
			ForkHeads: copyHeads(source.Heads),
			CreatedAt: time.Now().UTC(),
		}
		encoded, err := encodeBranch(created)
		if err != nil {
			return err
		}
		return txn.Set(branchKey(name), encoded)
	})
	if err != nil {
		return types.Branch{}, err
	}

	m.log.WithFields(logrus.Fields{"branch": name, "from": from}).Debug("branch created")
	return created, nil
}

// Get returns a copy of the named branch. Mutations go through the manager,
// never through the returned value.
func (m *Manager) Get(name string) (types.Branch, error) {
	if err := m.guard(); err != nil {
		return types.Branch{}, err
	}
	if err := types.ValidateName("branch", name); err != nil {
		return types.Branch{}, err
	}

	var out types.Branch
	err := m.db.View(func(txn *badger.Txn) error {
		b, err := readBranch(txn, name)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return types.Branch{}, err
	}
	return out, nil
}

// List returns the names of all branches.
func (m *Manager) List() ([]string, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	var names []string
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixBranch)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			names = append(names, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// Snapshot returns a consistent copy of every branch. The garbage collector
// computes its protected set from one snapshot per run.
func (m *Manager) Snapshot() (map[string]types.Branch, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	branches := make(map[string]types.Branch)
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixBranch)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				b, err := decodeBranch(val)
				if err != nil {
					return err
				}
				branches[b.Name] = b
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return branches, nil
}

// UpdateHead advances one table pointer of a branch. Moving a head backwards
// fails; ResetHead is the explicit way to do that.
func (m *Manager) UpdateHead(name, table string, version uint64) error {
	return m.UpdateHeads(name, map[string]uint64{table: version})
}

// UpdateHeads advances a group of table pointers atomically: either every
// pointer moves or none does. Commit's step of publishing a multi-table
// transaction goes through here.
func (m *Manager) UpdateHeads(name string, moves map[string]uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	if err := types.ValidateName("branch", name); err != nil {
		return err
	}
	if len(moves) == 0 {
		return nil
	}

	err := m.db.Update(func(txn *badger.Txn) error {
		b, err := readBranch(txn, name)
		if err != nil {
			return err
		}

		for table, version := range moves {
			if err := types.ValidateName("table", table); err != nil {
				return err
			}
			if version < 1 {
				return fmt.Errorf("%w: head version %d for table %q", types.ErrInvalidArgument, version, table)
			}
			if current := b.Heads[table]; version < current {
				return fmt.Errorf("%w: head of %q on branch %q is %d, refusing to move back to %d",
					types.ErrVersionConflict, table, name, current, version)
			}
		}
		for table, version := range moves {
			b.Heads[table] = version
		}

		encoded, err := encodeBranch(b)
		if err != nil {
			return err
		}
		return txn.Set(branchKey(name), encoded)
	})
	if err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{"branch": name, "tables": len(moves)}).Debug("branch heads advanced")
	return nil
}

// ResetHead force-sets one table pointer, the only operation allowed to move
// a head backwards. Version 0 removes the pointer entirely.
func (m *Manager) ResetHead(name, table string, version uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}
	if err := types.ValidateName("branch", name); err != nil {
		return err
	}
	if err := types.ValidateName("table", table); err != nil {
		return err
	}

	return m.db.Update(func(txn *badger.Txn) error {
		b, err := readBranch(txn, name)
		if err != nil {
			return err
		}
		if version == 0 {
			delete(b.Heads, table)
		} else {
			b.Heads[table] = version
		}
		encoded, err := encodeBranch(b)
		if err != nil {
			return err
		}
		return txn.Set(branchKey(name), encoded)
	})
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Swap(true) {
		return nil
	}
	return m.db.Close()
}

func readBranch(txn *badger.Txn, name string) (types.Branch, error) {
	item, err := txn.Get(branchKey(name))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return types.Branch{}, fmt.Errorf("%w: branch %q", types.ErrNotFound, name)
		}
		return types.Branch{}, fmt.Errorf("reading branch %q: %w", name, err)
	}

	var b types.Branch
	err = item.Value(func(val []byte) error {
		decoded, err := decodeBranch(val)
		if err != nil {
			return err
		}
		b = decoded
		return nil
	})
	if err != nil {
		return types.Branch{}, err
	}
	if b.Heads == nil {
		b.Heads = map[string]uint64{}
	}
	if b.ForkHeads == nil {
		b.ForkHeads = map[string]uint64{}
	}
	return b, nil
}

func copyHeads(heads map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(heads))
	for t, v := range heads {
		out[t] = v
	}
	return out
}

func encodeBranch(b types.Branch) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, fmt.Errorf("encoding branch record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeBranch(data []byte) (types.Branch, error) {
	var b types.Branch
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&b); err != nil {
		return types.Branch{}, fmt.Errorf("%w: decoding branch record: %v", types.ErrConsistency, err)
	}
	return b, nil
}
