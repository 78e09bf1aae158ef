// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory Store, used in tests and for
// local development without a persistent backend.
type MemoryStore struct {
	mu     sync.Mutex
	users  map[string]*User
	crns   map[string]*CRNRecord
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]*User),
		crns:   make(map[string]*CRNRecord),
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

func (s *MemoryStore) GetUser(ctx context.Context, userID string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return u.Clone(), nil
}

func (s *MemoryStore) PutUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.UserID] = u.Clone()
	return nil
}

func (s *MemoryStore) UpdateUser(ctx context.Context, userID string, fn func(*User) error) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = &User{UserID: userID}
	} else {
		u = u.Clone()
	}
	if err := fn(u); err != nil {
		return nil, err
	}
	s.users[userID] = u
	return u.Clone(), nil
}

func (s *MemoryStore) DeleteUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	return nil
}

func (s *MemoryStore) GetCRN(ctx context.Context, crn string) (*CRNRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.crns[crn]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) PutCRN(ctx context.Context, rec *CRNRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.crns[rec.CRN]
	if !ok {
		return ErrNotTracked
	}
	next := rec.Clone()
	next.TrackingUsers = current.Clone().TrackingUsers
	s.crns[rec.CRN] = next
	return nil
}

func (s *MemoryStore) DeleteCRN(ctx context.Context, crn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.crns, crn)
	return nil
}

func (s *MemoryStore) ScanActiveCRNs(ctx context.Context) ([]*CRNRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*CRNRecord, 0, len(s.crns))
	for _, rec := range s.crns {
		if len(rec.TrackingUsers) == 0 {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *MemoryStore) AddUserToCRN(ctx context.Context, crn, userID string, seed *CRNRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.crns[crn]
	if !ok {
		if seed != nil {
			rec = seed.Clone()
			rec.CRN = crn
		} else {
			rec = &CRNRecord{CRN: crn, LastUpdated: s.now().UTC()}
		}
		rec.TrackingUsers = nil
	} else {
		rec = rec.Clone()
	}
	rec.AddUser(userID)
	s.crns[crn] = rec

	u, ok := s.users[userID]
	if !ok {
		u = &User{UserID: userID}
	} else {
		u = u.Clone()
	}
	u.AddTracked(crn)
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) RemoveUserFromCRN(ctx context.Context, crn, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.crns[crn]; ok {
		rec = rec.Clone()
		rec.RemoveUser(userID)
		if len(rec.TrackingUsers) == 0 {
			delete(s.crns, crn)
		} else {
			s.crns[crn] = rec
		}
	}

	if u, ok := s.users[userID]; ok {
		u = u.Clone()
		u.RemoveTracked(crn)
		s.users[userID] = u
	}
	return nil
}

func (s *MemoryStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	l, ok := s.leases[key]
	if ok && l.owner != owner && l.expiresAt.After(now) {
		return false, nil
	}
	s.leases[key] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[key]; ok && l.owner == owner {
		delete(s.leases, key)
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
