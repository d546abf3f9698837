// Package chunkstore implements the content-addressed chunk store: immutable
// blobs keyed by their SHA-256 hash, laid out on disk in a sharded directory
// tree so no single directory accumulates unbounded entries.
package chunkstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"

	"github.com/stratadb/strata/pkg/types"
)

// Frame markers, first byte of every chunk file. Self-describing so stores
// written with and without compression read interchangeably.
const (
	frameRaw  byte = 0x00
	frameLzma byte = 0x01
)

type Config struct {
	// Root is the store root; chunks live under <Root>/chunks.
	Root string
	// Compression enables lzma compression of chunk payloads.
	Compression bool
	// MinimumFreeGB refuses to open the store when the filesystem has less
	// free space than this. 0 disables the check.
	MinimumFreeGB uint64
	// Logger is optional; a default logrus logger is used when nil.
	Logger *logrus.Logger
}

// Store is the content-addressed chunk store. All methods are safe for
// concurrent use.
type Store struct {
	config Config
	dir    string
	log    *logrus.Logger

	mu     sync.RWMutex
	closed bool
}

func New(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.Root == "" {
		return nil, fmt.Errorf("%w: chunk store root is empty", types.ErrInvalidArgument)
	}

	dir := filepath.Join(config.Root, "chunks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating chunk dir: %w", err)
	}

	if config.MinimumFreeGB > 0 {
		if err := checkFreeSpace(config.Root, config.MinimumFreeGB, config.Logger); err != nil {
			return nil, err
		}
	}

	return &Store{
		config: config,
		dir:    dir,
		log:    config.Logger,
	}, nil
}

// path returns the sharded location of a chunk: chunks/<h[0:2]>/<h[2:4]>/<hash>.
func (s *Store) path(h types.Hash) string {
	hex := h.String()
	return filepath.Join(s.dir, hex[0:2], hex[2:4], hex)
}

func (s *Store) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("%w: chunk store", types.ErrClosed)
	}
	return nil
}

// Put stores data and returns its content address. Storing identical bytes
// twice is a no-op that returns the same hash.
func (s *Store) Put(data []byte) (types.Hash, error) {
	if err := s.guard(); err != nil {
		return types.Hash{}, err
	}

	h := types.HashBytes(data)
	target := s.path(h)

	if _, err := os.Stat(target); err == nil {
		return h, nil // dedup hit, chunks are write-once
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return types.Hash{}, fmt.Errorf("creating shard dir: %w", err)
	}

	framed, err := s.encode(data)
	if err != nil {
		return types.Hash{}, err
	}

	// Temp file in the shard dir then rename, so a crash never leaves a
	// half-written chunk at its final path.
	tmp, err := os.CreateTemp(filepath.Dir(target), "put-*")
	if err != nil {
		return types.Hash{}, fmt.Errorf("creating temp chunk: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(framed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return types.Hash{}, fmt.Errorf("writing chunk %s: %w", h, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return types.Hash{}, fmt.Errorf("closing chunk %s: %w", h, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return types.Hash{}, fmt.Errorf("placing chunk %s: %w", h, err)
	}

	return h, nil
}

// PutMany stores every chunk that is not already present. Used by the
// transaction manager to persist a write set's staged chunks.
func (s *Store) PutMany(chunks []types.Chunk) error {
	for _, c := range chunks {
		h, err := s.Put(c.Data)
		if err != nil {
			return err
		}
		if !c.Hash.IsZero() && h != c.Hash {
			return fmt.Errorf("%w: chunk hashed to %s, staged as %s", types.ErrConsistency, h, c.Hash)
		}
	}
	return nil
}

// Get returns the bytes stored under h.
func (s *Store) Get(h types.Hash) ([]byte, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	framed, err := os.ReadFile(s.path(h))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: chunk %s", types.ErrNotFound, h)
		}
		return nil, fmt.Errorf("reading chunk %s: %w", h, err)
	}
	return s.decode(h, framed)
}

// GetVerified returns the bytes stored under h after recomputing their hash,
// failing with a consistency error if the on-disk content no longer matches
// its address.
func (s *Store) GetVerified(h types.Hash) ([]byte, error) {
	data, err := s.Get(h)
	if err != nil {
		return nil, err
	}
	if got := types.HashBytes(data); got != h {
		return nil, fmt.Errorf("%w: chunk %s hashes to %s on read", types.ErrConsistency, h, got)
	}
	return data, nil
}

// Exists reports whether a chunk is stored under h.
func (s *Store) Exists(h types.Hash) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(h))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat chunk %s: %w", h, err)
}

// Size returns the on-disk size of the chunk file, which is what garbage
// collection reports as freed bytes.
func (s *Store) Size(h types.Hash) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	info, err := os.Stat(s.path(h))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: chunk %s", types.ErrNotFound, h)
		}
		return 0, fmt.Errorf("stat chunk %s: %w", h, err)
	}
	return info.Size(), nil
}

// Delete removes the chunk stored under h. Only the garbage collector calls
// this; chunks referenced by any protected version must never be deleted.
func (s *Store) Delete(h types.Hash) error {
	if err := s.guard(); err != nil {
		return err
	}
	err := os.Remove(s.path(h))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: chunk %s", types.ErrNotFound, h)
		}
		return fmt.Errorf("deleting chunk %s: %w", h, err)
	}
	return nil
}

// GetHex, ExistsHex and DeleteHex accept the canonical hex rendering of a
// hash and reject malformed strings before touching the disk.

func (s *Store) GetHex(hexHash string) ([]byte, error) {
	h, err := types.ParseHash(hexHash)
	if err != nil {
		return nil, err
	}
	return s.Get(h)
}

func (s *Store) ExistsHex(hexHash string) (bool, error) {
	h, err := types.ParseHash(hexHash)
	if err != nil {
		return false, err
	}
	return s.Exists(h)
}

func (s *Store) DeleteHex(hexHash string) error {
	h, err := types.ParseHash(hexHash)
	if err != nil {
		return err
	}
	return s.Delete(h)
}

// Close marks the store closed; all further operations fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) encode(data []byte) ([]byte, error) {
	if !s.config.Compression {
		return append([]byte{frameRaw}, data...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(frameLzma)
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("creating lzma writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compressing chunk: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing lzma writer: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Store) decode(h types.Hash, framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, fmt.Errorf("%w: chunk %s has an empty file", types.ErrConsistency, h)
	}
	payload := framed[1:]
	switch framed[0] {
	case frameRaw:
		return payload, nil
	case frameLzma:
		r, err := lzma.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %s has a corrupt lzma frame: %v", types.ErrConsistency, h, err)
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %s failed to decompress: %v", types.ErrConsistency, h, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: chunk %s has unknown frame marker %#x", types.ErrConsistency, h, framed[0])
	}
}
