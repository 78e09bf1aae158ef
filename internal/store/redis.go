// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the shared-backend alternative for deployments where the
// poller and the API run on separate hosts. Records are JSON strings under
// the same key prefixes the Badger backend uses; read-modify-write sequences
// run under WATCH so concurrent writers retry instead of losing updates.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig holds the connection parameters.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// OpenRedisStore connects and verifies the connection with a ping.
func OpenRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client (used by tests).
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// maxTxRetries bounds optimistic-lock retries under WATCH contention.
const maxTxRetries = 8

func (s *RedisStore) getJSON(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}

// withWatch runs fn under WATCH on keys, retrying on optimistic-lock failure.
func (s *RedisStore) withWatch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis: transaction contention on %v", keys)
}

func txGetJSON(ctx context.Context, tx *redis.Tx, key string, out any) (bool, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}

func (s *RedisStore) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	found, err := s.getJSON(ctx, userKeyPrefix+userID, &u)
	if err != nil || !found {
		return nil, err
	}
	return &u, nil
}

func (s *RedisStore) PutUser(ctx context.Context, u *User) error {
	buf, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, userKeyPrefix+u.UserID, buf, 0).Err()
}

func (s *RedisStore) UpdateUser(ctx context.Context, userID string, fn func(*User) error) (*User, error) {
	key := userKeyPrefix + userID
	var out User
	err := s.withWatch(ctx, func(tx *redis.Tx) error {
		out = User{UserID: userID}
		if _, err := txGetJSON(ctx, tx, key, &out); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		buf, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *RedisStore) DeleteUser(ctx context.Context, userID string) error {
	return s.client.Del(ctx, userKeyPrefix+userID).Err()
}

func (s *RedisStore) GetCRN(ctx context.Context, crn string) (*CRNRecord, error) {
	var rec CRNRecord
	found, err := s.getJSON(ctx, crnKeyPrefix+crn, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) PutCRN(ctx context.Context, rec *CRNRecord) error {
	key := crnKeyPrefix + rec.CRN
	return s.withWatch(ctx, func(tx *redis.Tx) error {
		var current CRNRecord
		found, err := txGetJSON(ctx, tx, key, &current)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotTracked
		}
		next := rec.Clone()
		next.TrackingUsers = current.TrackingUsers
		buf, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, 0)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) DeleteCRN(ctx context.Context, crn string) error {
	return s.client.Del(ctx, crnKeyPrefix+crn).Err()
}

func (s *RedisStore) ScanActiveCRNs(ctx context.Context) ([]*CRNRecord, error) {
	var out []*CRNRecord
	iter := s.client.Scan(ctx, 0, crnKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		var rec CRNRecord
		found, err := s.getJSON(ctx, iter.Val(), &rec)
		if err != nil {
			return nil, err
		}
		if !found || len(rec.TrackingUsers) == 0 {
			continue
		}
		out = append(out, &rec)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) AddUserToCRN(ctx context.Context, crn, userID string, seed *CRNRecord) error {
	crnKey := crnKeyPrefix + crn
	userKey := userKeyPrefix + userID
	return s.withWatch(ctx, func(tx *redis.Tx) error {
		var rec CRNRecord
		found, err := txGetJSON(ctx, tx, crnKey, &rec)
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

		u := User{UserID: userID}
		if _, err := txGetJSON(ctx, tx, userKey, &u); err != nil {
			return err
		}
		u.AddTracked(crn)

		recBuf, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		userBuf, err := json.Marshal(&u)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, crnKey, recBuf, 0)
			pipe.Set(ctx, userKey, userBuf, 0)
			return nil
		})
		return err
	}, crnKey, userKey)
}

func (s *RedisStore) RemoveUserFromCRN(ctx context.Context, crn, userID string) error {
	crnKey := crnKeyPrefix + crn
	userKey := userKeyPrefix + userID
	return s.withWatch(ctx, func(tx *redis.Tx) error {
		var rec CRNRecord
		recFound, err := txGetJSON(ctx, tx, crnKey, &rec)
		if err != nil {
			return err
		}
		var u User
		userFound, err := txGetJSON(ctx, tx, userKey, &u)
		if err != nil {
			return err
		}

		var recBuf, userBuf []byte
		deleteCRN := false
		if recFound {
			rec.RemoveUser(userID)
			if len(rec.TrackingUsers) == 0 {
				deleteCRN = true
			} else if recBuf, err = json.Marshal(&rec); err != nil {
				return err
			}
		}
		if userFound {
			u.RemoveTracked(crn)
			if userBuf, err = json.Marshal(&u); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if deleteCRN {
				pipe.Del(ctx, crnKey)
			} else if recBuf != nil {
				pipe.Set(ctx, crnKey, recBuf, 0)
			}
			if userBuf != nil {
				pipe.Set(ctx, userKey, userBuf, 0)
			}
			return nil
		})
		return err
	}, crnKey, userKey)
}

func (s *RedisStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	k := leaseKeyPrefix + key
	ok, err := s.client.SetNX(ctx, k, owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	current, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; next attempt will take it.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current != owner {
		return false, nil
	}
	// Renew our own lease.
	if err := s.client.Set(ctx, k, owner, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, key, owner string) error {
	k := leaseKeyPrefix + key
	current, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if current == owner {
		return s.client.Del(ctx, k).Err()
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
