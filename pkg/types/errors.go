package types

import "errors"

// Sentinel error kinds of the storage engine. Callers match them with
// errors.Is; call sites wrap them with fmt.Errorf("...: %w", ...) to attach
// context.
var (
	// ErrNotFound reports an unknown chunk hash, table, version or branch.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument reports a malformed hash string or an invalid
	// table/branch name.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrVersionConflict reports a non-sequential catalog commit or a
	// transaction losing its optimistic re-check. It is an expected,
	// retryable condition with no partial effect.
	ErrVersionConflict = errors.New("version conflict")

	// ErrConsistency reports a verified read whose recomputed hash does not
	// match, or a dangling reference found by consistency verification.
	ErrConsistency = errors.New("consistency error")

	// ErrClosed reports an operation attempted after explicit shutdown.
	ErrClosed = errors.New("resource closed")

	// ErrRecovery reports an unreadable or contradictory WAL entry.
	ErrRecovery = errors.New("recovery error")
)
