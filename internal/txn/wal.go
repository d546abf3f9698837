package txn

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/stratadb/strata/pkg/types"
)

// recordKind tags the lifecycle stage a WAL record captures.
type recordKind int

const (
	recordIntent recordKind = iota + 1
	recordCommit
	recordAbort
)

func (k recordKind) String() string {
	switch k {
	case recordIntent:
		return "intent"
	case recordCommit:
		return "commit"
	case recordAbort:
		return "abort"
	}
	return "unknown"
}

// tableIntent names one table a transaction targets: the version it will
// commit and the chunk list that version carries. Enough to decide at
// recovery time whether the commit durably progressed.
type tableIntent struct {
	Table       string
	Version     uint64
	ChunkHashes []types.Hash
}

// walRecord is one append-only log entry. Intent records precede any visible
// effect of a commit; a terminal commit or abort record closes the
// transaction out.
type walRecord struct {
	Seq       uint64
	TxID      string
	Kind      recordKind
	Branch    string
	Tables    []tableIntent
	Epoch     uint64 // set on commit records
	Reason    string // set on abort and recovery records
	CreatedAt time.Time
}

const (
	walKeyPrefix = "w:"
	epochKey     = "epoch"
)

// wal is the durable write-ahead log, a BadgerDB instance under
// <root>/transactions opened with synchronous writes.
type wal struct {
	db  *badger.DB
	log *logrus.Logger

	mu      sync.Mutex
	nextSeq uint64
	epoch   uint64
}

func openWAL(root string, log *logrus.Logger) (*wal, error) {
	opts := badger.DefaultOptions(filepath.Join(root, "transactions"))
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening wal db: %w", err)
	}

	w := &wal{db: db, log: log, nextSeq: 1}
	if err := w.load(); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

// load restores the sequence counter and epoch from the existing log.
func (w *wal) load() error {
	return w.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(walKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var seq uint64
			key := string(it.Item().Key())
			if _, err := fmt.Sscanf(key, walKeyPrefix+"%d", &seq); err != nil {
				continue
			}
			if seq >= w.nextSeq {
				w.nextSeq = seq + 1
			}
		}

		item, err := txn.Get([]byte(epochKey))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return fmt.Errorf("reading epoch: %w", err)
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("%w: epoch value has %d bytes", types.ErrConsistency, len(val))
			}
			w.epoch = binary.BigEndian.Uint64(val)
			return nil
		})
	})
}

func walKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", walKeyPrefix, seq))
}

// append durably writes one record. Commit records advance the persisted
// epoch in the same transaction; the assigned epoch is returned.
func (w *wal) append(record walRecord) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	record.Seq = w.nextSeq
	record.CreatedAt = time.Now().UTC()
	if record.Kind == recordCommit {
		record.Epoch = w.epoch + 1
	}

	encoded, err := encodeRecord(record)
	if err != nil {
		return 0, err
	}

	err = w.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(walKey(record.Seq), encoded); err != nil {
			return err
		}
		if record.Kind == recordCommit {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], record.Epoch)
			return txn.Set([]byte(epochKey), buf[:])
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("appending wal record: %w", err)
	}

	w.nextSeq++
	if record.Kind == recordCommit {
		w.epoch = record.Epoch
	}
	return record.Epoch, nil
}

// scanEntry is one scanned record, or the reason it could not be decoded.
type scanEntry struct {
	record walRecord
	err    error
}

// scan returns every record in sequence order. Undecodable records are
// returned as entries with a non-nil err rather than aborting the scan, so
// recovery can surface them individually.
func (w *wal) scan() ([]scanEntry, error) {
	var entries []scanEntry
	err := w.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(walKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key())
			err := item.Value(func(val []byte) error {
				record, err := decodeRecord(val)
				if err != nil {
					entries = append(entries, scanEntry{
						err: fmt.Errorf("%w: wal entry %s: %v", types.ErrRecovery, key, err),
					})
					return nil
				}
				entries = append(entries, scanEntry{record: record})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scanning wal: %v", types.ErrRecovery, err)
	}
	return entries, nil
}

func (w *wal) currentEpoch() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.epoch
}

func (w *wal) close() error {
	return w.db.Close()
}

func encodeRecord(r walRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("encoding wal record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (walRecord, error) {
	var r walRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return walRecord{}, err
	}
	return r, nil
}
