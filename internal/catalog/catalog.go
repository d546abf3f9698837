// Package catalog stores each table's version chain durably in BadgerDB.
// Versions of a table are strictly sequential, 1, 2, 3, ... with no gaps;
// Commit is the single enforcement point of that invariant for the whole
// engine.
package catalog

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/stratadb/strata/pkg/types"
)

const (
	prefixVersion = "v:"
	prefixLatest  = "l:"
)

type Config struct {
	// Root is the store root; the catalog lives under <Root>/catalog.
	Root string
	// Logger is optional; a default logrus logger is used when nil.
	Logger *logrus.Logger
}

// Catalog is the durable per-table version chain store. Safe for concurrent
// use; commits to the same table are serialized internally.
type Catalog struct {
	db  *badger.DB
	log *logrus.Logger

	mu     sync.Mutex // serializes Commit and the GC/recovery mutations
	closed atomic.Bool
}

func Open(config Config) (*Catalog, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.Root == "" {
		return nil, fmt.Errorf("%w: catalog root is empty", types.ErrInvalidArgument)
	}

	opts := badger.DefaultOptions(filepath.Join(config.Root, "catalog"))
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening catalog db: %w", err)
	}

	return &Catalog{db: db, log: config.Logger}, nil
}

func versionKey(table string, version uint64) []byte {
	// Zero-padded so Badger iteration yields versions in order.
	return []byte(fmt.Sprintf("%s%s:%020d", prefixVersion, table, version))
}

func latestKey(table string) []byte {
	return []byte(prefixLatest + table)
}

func (c *Catalog) guard() error {
	if c.closed.Load() {
		return fmt.Errorf("%w: catalog", types.ErrClosed)
	}
	return nil
}

// Commit durably appends version to its table's chain. It fails with a
// version conflict unless version.Version is exactly latest+1 (or 1 for a
// table the catalog has never seen). The catalog does not validate chunk
// existence; the transaction manager persists chunks before committing.
func (c *Catalog) Commit(version types.TableVersion) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard(); err != nil {
		return 0, err
	}

	if err := types.ValidateName("table", version.Table); err != nil {
		return 0, err
	}
	if version.Version < 1 {
		return 0, fmt.Errorf("%w: version number %d, want >= 1", types.ErrInvalidArgument, version.Version)
	}
	if version.ParentVersion != version.Version-1 {
		return 0, fmt.Errorf("%w: version %d names parent %d, want %d",
			types.ErrInvalidArgument, version.Version, version.ParentVersion, version.Version-1)
	}
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	err := c.db.Update(func(txn *badger.Txn) error {
		latest, err := readLatest(txn, version.Table)
		if err != nil {
			return err
		}
		expected := latest + 1
		if version.Version != expected {
			return fmt.Errorf("%w: table %q is at version %d, expected commit of %d, got %d",
				types.ErrVersionConflict, version.Table, latest, expected, version.Version)
		}

		encoded, err := encodeVersion(version)
		if err != nil {
			return err
		}
		if err := txn.Set(versionKey(version.Table, version.Version), encoded); err != nil {
			return fmt.Errorf("writing version record: %w", err)
		}

		var latestBuf [8]byte
		binary.BigEndian.PutUint64(latestBuf[:], version.Version)
		if err := txn.Set(latestKey(version.Table), latestBuf[:]); err != nil {
			return fmt.Errorf("writing latest pointer: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	c.log.WithFields(logrus.Fields{
		"table":   version.Table,
		"version": version.Version,
		"chunks":  len(version.ChunkHashes),
	}).Debug("catalog commit")

	return version.Version, nil
}

// GetVersion returns one committed version of a table. Version 0 means the
// latest.
func (c *Catalog) GetVersion(table string, version uint64) (types.TableVersion, error) {
	if err := c.guard(); err != nil {
		return types.TableVersion{}, err
	}
	if err := types.ValidateName("table", table); err != nil {
		return types.TableVersion{}, err
	}

	var out types.TableVersion
	err := c.db.View(func(txn *badger.Txn) error {
		v := version
		if v == 0 {
			latest, err := readLatest(txn, table)
			if err != nil {
				return err
			}
			if latest == 0 {
				return fmt.Errorf("%w: table %q", types.ErrNotFound, table)
			}
			v = latest
		}

		item, err := txn.Get(versionKey(table, v))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: table %q version %d", types.ErrNotFound, table, v)
			}
			return fmt.Errorf("reading version record: %w", err)
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeVersion(val)
			if err != nil {
				return err
			}
			out = decoded
			return nil
		})
	})
	if err != nil {
		return types.TableVersion{}, err
	}
	return out, nil
}

// Latest returns the table's newest committed version number, or 0 if the
// table has none (including after every version was collected, which cannot
// happen for a live table since heads are protected).
func (c *Catalog) Latest(table string) (uint64, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}
	var latest uint64
	err := c.db.View(func(txn *badger.Txn) error {
		l, err := readLatest(txn, table)
		latest = l
		return err
	})
	return latest, err
}

// ListVersions returns the committed version numbers of a table in ascending
// order. Unknown tables fail with not-found.
func (c *Catalog) ListVersions(table string) ([]uint64, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	if err := types.ValidateName("table", table); err != nil {
		return nil, err
	}

	var versions []uint64
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixVersion + table + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			numPart := key[len(prefix):]
			v, err := strconv.ParseUint(strings.TrimLeft(numPart, "0"), 10, 64)
			if err != nil {
				return fmt.Errorf("%w: malformed version key %q: %v", types.ErrConsistency, key, err)
			}
			versions = append(versions, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: table %q", types.ErrNotFound, table)
	}
	return versions, nil
}

// ListTables returns the names of every table with at least one committed
// version.
func (c *Catalog) ListTables() ([]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	var tables []string
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixLatest)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			tables = append(tables, string(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tables, nil
}

// DeleteVersion removes one committed version's record. Only the garbage
// collector calls this, and only for versions that are not any branch's
// head; the latest version of a table can never be deleted.
func (c *Catalog) DeleteVersion(table string, version uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard(); err != nil {
		return err
	}
	if err := types.ValidateName("table", table); err != nil {
		return err
	}

	return c.db.Update(func(txn *badger.Txn) error {
		latest, err := readLatest(txn, table)
		if err != nil {
			return err
		}
		if version == latest {
			return fmt.Errorf("%w: refusing to delete latest version %d of table %q",
				types.ErrInvalidArgument, version, table)
		}
		if _, err := txn.Get(versionKey(table, version)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: table %q version %d", types.ErrNotFound, table, version)
			}
			return fmt.Errorf("reading version record: %w", err)
		}
		return txn.Delete(versionKey(table, version))
	})
}

// DropTable removes every record of a table, including its latest pointer.
// Recovery uses it to roll back a table whose only version came from an
// unfinished transaction.
func (c *Catalog) DropTable(table string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard(); err != nil {
		return err
	}
	if err := types.ValidateName("table", table); err != nil {
		return err
	}

	return c.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var keys [][]byte
		prefix := []byte(prefixVersion + table + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Delete(latestKey(table))
	})
}

// RemoveLatestVersion undoes the newest commit of a table, rolling the
// latest pointer back to version-1. Recovery's rollback path is the only
// caller.
func (c *Catalog) RemoveLatestVersion(table string, version uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guard(); err != nil {
		return err
	}

	return c.db.Update(func(txn *badger.Txn) error {
		latest, err := readLatest(txn, table)
		if err != nil {
			return err
		}
		if latest != version {
			return fmt.Errorf("%w: table %q is at version %d, cannot roll back version %d",
				types.ErrVersionConflict, table, latest, version)
		}
		if err := txn.Delete(versionKey(table, version)); err != nil {
			return err
		}
		if version == 1 {
			return txn.Delete(latestKey(table))
		}
		var latestBuf [8]byte
		binary.BigEndian.PutUint64(latestBuf[:], version-1)
		return txn.Set(latestKey(table), latestBuf[:])
	})
}

func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}
	return c.db.Close()
}

func readLatest(txn *badger.Txn, table string) (uint64, error) {
	item, err := txn.Get(latestKey(table))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading latest pointer: %w", err)
	}
	var latest uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("%w: latest pointer for %q has %d bytes", types.ErrConsistency, table, len(val))
		}
		latest = binary.BigEndian.Uint64(val)
		return nil
	})
	return latest, err
}

func encodeVersion(v types.TableVersion) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encoding version record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeVersion(data []byte) (types.TableVersion, error) {
	var v types.TableVersion
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return types.TableVersion{}, fmt.Errorf("%w: decoding version record: %v", types.ErrConsistency, err)
	}
	return v, nil
}
