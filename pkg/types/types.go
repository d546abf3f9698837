// Package types holds the shared data model of the strata storage engine:
// content hashes, table versions, branches, and the result types exchanged
// between the catalog, the transaction manager and the garbage collector.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// HashSize is the byte length of a content hash (SHA-256).
const HashSize = 32

// HexHashLength is the length of the canonical string rendering of a Hash.
const HexHashLength = HashSize * 2

// Hash is the content address of a chunk: the SHA-256 digest of its bytes,
// rendered as 64 lowercase hex characters.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	return h[:]
}

// IsZero reports whether h is the all-zero hash, which never addresses a
// stored chunk.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashBytes computes the content address of data.
func HashBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

// ParseHash parses the canonical 64-hex-character rendering of a Hash.
// It fails with ErrInvalidArgument for any other input, including uppercase
// hex and wrong lengths.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HexHashLength {
		return h, fmt.Errorf("%w: hash %q has length %d, want %d", ErrInvalidArgument, s, len(s), HexHashLength)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return h, fmt.Errorf("%w: hash %q contains non-hex character %q", ErrInvalidArgument, s, c)
		}
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("%w: hash %q: %v", ErrInvalidArgument, s, err)
	}
	copy(h[:], raw)
	return h, nil
}

// Chunk is an immutable byte blob together with its content address.
type Chunk struct {
	Hash Hash
	Data []byte
}

// TableVersion is one immutable snapshot of a table's chunk list. Versions of
// a table form a contiguous chain 1, 2, 3, ... with no gaps; the catalog
// rejects any commit that would break the chain.
type TableVersion struct {
	Table         string
	Version       uint64 // >= 1
	ParentVersion uint64 // Version-1, or 0 for the first version
	ChunkHashes   []Hash // ordered; reconstructs the table payload
	CreatedAt     time.Time
	SchemaHash    string            // optional
	Metadata      map[string]string // optional
}

// Branch is a named, movable set of per-table head pointers into the catalog.
type Branch struct {
	Name      string
	Heads     map[string]uint64 // table -> head version
	Parent    string            // branch this one was forked from, "" for main
	ForkHeads map[string]uint64 // head snapshot taken at fork time
	CreatedAt time.Time
}

// HeadFor returns the branch's head for table, or 0 if the table is not
// visible on the branch.
func (b Branch) HeadFor(table string) uint64 {
	return b.Heads[table]
}

// MergeConflict reports a table that moved on both branches since their
// common ancestor and therefore cannot be fast-forwarded.
type MergeConflict struct {
	Table         string
	SourceVersion uint64
	TargetVersion uint64
	BaseVersion   uint64
}

// MergeResult summarizes a branch merge: which table pointers were
// fast-forwarded, which were already up to date, and which conflicted.
type MergeResult struct {
	Source        string
	Into          string
	FastForwarded map[string]uint64 // table -> new head on the target branch
	Unchanged     []string
	Conflicts     []MergeConflict
}

// Clean reports whether the merge completed without conflicts.
func (r MergeResult) Clean() bool {
	return len(r.Conflicts) == 0
}

// TxStatus is the lifecycle state of a transaction.
type TxStatus int

const (
	TxActive TxStatus = iota
	TxCommitting
	TxCommitted
	TxAborted
)

func (s TxStatus) String() string {
	switch s {
	case TxActive:
		return "Active"
	case TxCommitting:
		return "Committing"
	case TxCommitted:
		return "Committed"
	case TxAborted:
		return "Aborted"
	}
	return "Unknown"
}

// GCPolicy controls how many versions per table the garbage collector
// retains below each branch head.
type GCPolicy struct {
	MaxVersionsPerTable uint64
}

// GCResult reports what one garbage collection run reclaimed.
type GCResult struct {
	VersionsDeleted int
	ChunksDeleted   int
	BytesFreed      int64
	ElapsedSeconds  float64
}

// RecoveryReport classifies every non-terminal WAL entry found at startup.
type RecoveryReport struct {
	Replayed           []string // tx ids whose commits were finished
	RolledBack         []string // tx ids whose partial effects were undone
	AlreadyCommitted   []string
	AlreadyAborted     []string
	LastCommittedEpoch uint64
	Warnings           []string
	Errors             []string
}

// IsClean reports whether recovery found nothing to repair: no replays, no
// rollbacks and no errors.
func (r RecoveryReport) IsClean() bool {
	return len(r.Replayed) == 0 && len(r.RolledBack) == 0 && len(r.Errors) == 0
}
