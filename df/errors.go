package df

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrTypeMismatch is returned when the value at a key can't be decoded as
	// a counter. The stored value is never modified in that case.
	ErrTypeMismatch = errors.New("type mismatch: value is not a counter")
	// ErrStorage marks every fault that originates in a storage backend.
	ErrStorage = errors.New("storage failure")
	// ErrContention is returned when an optimistic loop ran out of retries.
	ErrContention = errors.New("too much contention, retries exhausted")
	// ErrStopped is returned, marked as ErrStorage, for requests issued after
	// the engine was closed.
	ErrStopped = errors.New("DB stopped")
	// ErrChainTooDeep stops generators that keep emitting follow-ups.
	ErrChainTooDeep = errors.New("operation chain too deep")
	// ErrUnknownBackend is returned by engine.Open for unsupported backends.
	ErrUnknownBackend = errors.New("unknown storage backend")
	// ErrUnknownOperation is returned for operation kinds the executor does
	// not dispatch.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrConflict signals a lost optimistic race. It never leaves the
	// package that produced it: callers retry or turn it into ErrContention.
	ErrConflict = errors.New("version mismatch")
)

// StorageError wraps a raw backend error with context and marks it as
// ErrStorage. A nil err stays nil.
func StorageError(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, op), ErrStorage)
}

// IsStorage reports whether err came out of a storage backend.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}
