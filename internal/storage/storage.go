// Package storage defines the persistence backend contract the store
// server is written against, and provides the PostgreSQL and in-memory
// implementations. The server never touches storage except through the
// Backend interface.
package storage

import (
	"context"
	"errors"

	"ledgerstore/internal/models"
)

// ErrNotFound is returned when a record or lock does not exist.
var ErrNotFound = errors.New("not found")

// LockStatus is the outcome of an atomic lock acquisition.
type LockStatus int

const (
	// LockAcquired means the lock did not exist and now belongs to the caller.
	LockAcquired LockStatus = iota
	// LockAlreadyHeld means the caller already held the lock (idempotent re-lock).
	LockAlreadyHeld
	// LockDenied means another user holds the lock.
	LockDenied
)

// Backend is the contract a concrete storage engine must provide.
// Records are opaque JSON documents keyed by (typeName, id). Lock
// checks must be atomic with respect to concurrent Persist calls for
// the same key, and CreateLock must be an atomic check-and-create.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the record's JSON document, or ErrNotFound.
	Get(ctx context.Context, typeName, id string) ([]byte, error)
	// GetAll returns every record of the given type.
	GetAll(ctx context.Context, typeName string) ([][]byte, error)
	// GetWhere returns records matching the ad-hoc filter. keys, ops and
	// values are parallel; conjunctions ("AND"/"OR") join condition i to
	// condition i+1, evaluated left to right. Supported operators are
	// "=" (text equality) and ">=" (numeric).
	GetWhere(ctx context.Context, typeName string, keys, ops, values, conjunctions []string) ([][]byte, error)
	// Count returns the number of records of the given type.
	Count(ctx context.Context, typeName string) (int64, error)
	// Persist writes the record, re-checking the lock first: it returns
	// false without writing if the record is locked by a user other than
	// holder. The check and write form one critical section per key.
	Persist(ctx context.Context, holder, typeName, id string, data []byte) (bool, error)
	// Remove deletes the record if it exists.
	Remove(ctx context.Context, typeName, id string) error

	// CreateLock atomically acquires the (typeName, id) lock for holder.
	CreateLock(ctx context.Context, typeName, id, holder string) (LockStatus, error)
	// RemoveLock releases the lock regardless of holder. Releasing a
	// missing lock is not an error.
	RemoveLock(ctx context.Context, typeName, id string) error
	// HasLock reports whether any lock exists for the key.
	HasLock(ctx context.Context, typeName, id string) (bool, error)
	// IsLockedForUser reports whether the key is locked by someone other
	// than user.
	IsLockedForUser(ctx context.Context, user, typeName, id string) (bool, error)
	// LockHolder returns the lock holder, or ErrNotFound if unlocked.
	LockHolder(ctx context.Context, typeName, id string) (string, error)

	// User returns the stored credential for username, or ErrNotFound.
	User(ctx context.Context, username string) (*models.UserProfile, error)
	// SaveUser creates or replaces a credential.
	SaveUser(ctx context.Context, profile *models.UserProfile) error
}
