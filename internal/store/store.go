// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotTracked is returned by PutCRN when the record disappeared between
	// the scan and the flush (last tracking user removed mid-tick). The write
	// is skipped; nothing re-creates an untracked record.
	ErrNotTracked = errors.New("store: crn is not tracked")

	// ErrUserNotFound is returned by operations that require an existing user.
	ErrUserNotFound = errors.New("store: user not found")
)

// Key prefixes shared by the KV backends.
const (
	userKeyPrefix  = "user:"
	crnKeyPrefix   = "crn:"
	leaseKeyPrefix = "lease:"
)

// Store is the persistence gateway contract.
//
// Get* return (nil, nil) when the record is absent. All mutations are
// read-modify-write inside the backend's transactional primitive, so the
// scheduler's availability writes and the API's membership writes cannot lose
// each other's updates.
type Store interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	// PutUser performs a full-record user write.
	PutUser(ctx context.Context, u *User) error
	// UpdateUser applies fn to the stored record (or a fresh one keyed by
	// userID) and persists the result. fn returning an error aborts without
	// writing.
	UpdateUser(ctx context.Context, userID string, fn func(*User) error) (*User, error)
	DeleteUser(ctx context.Context, userID string) error

	GetCRN(ctx context.Context, crn string) (*CRNRecord, error)
	// PutCRN writes the availability fields of rec. The stored tracking-user
	// set is re-read inside the transaction and always wins over rec's copy;
	// a vanished record yields ErrNotTracked.
	PutCRN(ctx context.Context, rec *CRNRecord) error
	DeleteCRN(ctx context.Context, crn string) error
	// ScanActiveCRNs returns every CRN record whose tracking set is non-empty.
	ScanActiveCRNs(ctx context.Context) ([]*CRNRecord, error)

	// AddUserToCRN links both sides of the bidirectional index in one
	// transaction. seed provides the initial record when the CRN is new.
	AddUserToCRN(ctx context.Context, crn, userID string, seed *CRNRecord) error
	// RemoveUserFromCRN unlinks both sides and deletes the CRN record when its
	// tracking set empties.
	RemoveUserFromCRN(ctx context.Context, crn, userID string) error

	// TryAcquireLease takes the named TTL lease if free or already held by
	// owner. The scheduler uses it to enforce a single canonical writer.
	TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error

	Ping(ctx context.Context) error
	Close() error
}
