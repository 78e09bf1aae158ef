// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore is the default embedded backend:
// - users:  key = "user:<user_id>" (JSON)
// - crns:   key = "crn:<crn>" (JSON)
// - leases: key = "lease:<key>" (JSON) with TTL
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the database at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) Ping(ctx context.Context) error {
	return s.db.View(func(txn *badger.Txn) error { return nil })
}

func getJSON[T any](txn *badger.Txn, key []byte, out *T) (bool, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	}); err != nil {
		return false, err
	}
	return true, nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, buf)
}

func (s *BadgerStore) GetUser(ctx context.Context, userID string) (*User, error) {
	key := []byte(userKeyPrefix + userID)
	var out User
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, key, &out)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) PutUser(ctx context.Context, u *User) error {
	key := []byte(userKeyPrefix + u.UserID)
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, key, u)
	})
}

func (s *BadgerStore) UpdateUser(ctx context.Context, userID string, fn func(*User) error) (*User, error) {
	key := []byte(userKeyPrefix + userID)
	out := User{UserID: userID}
	err := s.db.Update(func(txn *badger.Txn) error {
		out = User{UserID: userID}
		if _, err := getJSON(txn, key, &out); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		return setJSON(txn, key, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) DeleteUser(ctx context.Context, userID string) error {
	key := []byte(userKeyPrefix + userID)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (s *BadgerStore) GetCRN(ctx context.Context, crn string) (*CRNRecord, error) {
	key := []byte(crnKeyPrefix + crn)
	var out CRNRecord
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, key, &out)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) PutCRN(ctx context.Context, rec *CRNRecord) error {
	key := []byte(crnKeyPrefix + rec.CRN)
	return s.db.Update(func(txn *badger.Txn) error {
		var current CRNRecord
		found, err := getJSON(txn, key, &current)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotTracked
		}
		next := rec.Clone()
		next.TrackingUsers = current.TrackingUsers
		return setJSON(txn, key, next)
	})
}

func (s *BadgerStore) DeleteCRN(ctx context.Context, crn string) error {
	key := []byte(crnKeyPrefix + crn)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (s *BadgerStore) ScanActiveCRNs(ctx context.Context) ([]*CRNRecord, error) {
	prefix := []byte(crnKeyPrefix)
	var out []*CRNRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var rec CRNRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			if len(rec.TrackingUsers) == 0 {
				continue
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) AddUserToCRN(ctx context.Context, crn, userID string, seed *CRNRecord) error {
	crnKey := []byte(crnKeyPrefix + crn)
	userKey := []byte(userKeyPrefix + userID)
	return s.db.Update(func(txn *badger.Txn) error {
		var rec CRNRecord
		found, err := getJSON(txn, crnKey, &rec)
		if err != nil {
			return err
		}
		if !found {
			if seed != nil {
				rec = *seed.Clone()
				rec.CRN = crn
			} else {
				rec = CRNRecord{CRN: crn, LastUpdated: time.Now().UTC()}
			}
			rec.TrackingUsers = nil
		}
		rec.AddUser(userID)
		if err := setJSON(txn, crnKey, &rec); err != nil {
			return err
		}

		u := User{UserID: userID}
		if _, err := getJSON(txn, userKey, &u); err != nil {
			return err
		}
		u.AddTracked(crn)
		return setJSON(txn, userKey, &u)
	})
}

func (s *BadgerStore) RemoveUserFromCRN(ctx context.Context, crn, userID string) error {
	crnKey := []byte(crnKeyPrefix + crn)
	userKey := []byte(userKeyPrefix + userID)
	return s.db.Update(func(txn *badger.Txn) error {
		var rec CRNRecord
		found, err := getJSON(txn, crnKey, &rec)
		if err != nil {
			return err
		}
		if found {
			rec.RemoveUser(userID)
			if len(rec.TrackingUsers) == 0 {
				if err := txn.Delete(crnKey); err != nil {
					return err
				}
			} else if err := setJSON(txn, crnKey, &rec); err != nil {
				return err
			}
		}

		var u User
		found, err = getJSON(txn, userKey, &u)
		if err != nil || !found {
			return err
		}
		u.RemoveTracked(crn)
		return setJSON(txn, userKey, &u)
	})
}

type leaseEnvelope struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *BadgerStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	k := []byte(leaseKeyPrefix + key)
	acquired := false
	err := s.db.Update(func(txn *badger.Txn) error {
		var current leaseEnvelope
		found, err := getJSON(txn, k, &current)
		if err != nil {
			return err
		}
		// Badger drops expired entries on read, so a found entry is live.
		if found && current.Owner != owner {
			return nil
		}
		env := leaseEnvelope{Owner: owner, ExpiresAt: time.Now().Add(ttl)}
		buf, err := json.Marshal(env)
		if err != nil {
			return err
		}
		entry := badger.NewEntry(k, buf).WithTTL(ttl)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (s *BadgerStore) ReleaseLease(ctx context.Context, key, owner string) error {
	k := []byte(leaseKeyPrefix + key)
	return s.db.Update(func(txn *badger.Txn) error {
		var current leaseEnvelope
		found, err := getJSON(txn, k, &current)
		if err != nil || !found {
			return err
		}
		if current.Owner == owner {
			return txn.Delete(k)
		}
		return nil
	})
}

var _ Store = (*BadgerStore)(nil)
