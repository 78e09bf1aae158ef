// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver
)

// SQLiteStore keeps records as JSON blobs in two tables plus a lease table.
// The blob layout keeps the three persistent backends symmetric; the `active`
// column is maintained on every write so the scan never has to parse inactive
// records.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	record  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS crns (
	crn    TEXT PRIMARY KEY,
	record TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS leases (
	key        TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// OpenSQLiteStore opens the database at path with WAL mode and busy timeout
// enforced through DSN pragmas, and creates the schema when missing.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// withTx runs fn in an immediate transaction, committing on nil error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryJSON[T any](ctx context.Context, q querier, query, key string, out *T) (bool, error) {
	var raw string
	err := q.QueryRowContext(ctx, query, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal([]byte(raw), out)
}

const (
	selectUserSQL = `SELECT record FROM users WHERE user_id = ?`
	selectCRNSQL  = `SELECT record FROM crns WHERE crn = ?`
)

func upsertUser(ctx context.Context, tx *sql.Tx, u *User) error {
	buf, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (user_id, record) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET record = excluded.record`,
		u.UserID, string(buf))
	return err
}

func upsertCRN(ctx context.Context, tx *sql.Tx, rec *CRNRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	active := 0
	if len(rec.TrackingUsers) > 0 {
		active = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO crns (crn, record, active) VALUES (?, ?, ?)
		 ON CONFLICT(crn) DO UPDATE SET record = excluded.record, active = excluded.active`,
		rec.CRN, string(buf), active)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	found, err := queryJSON(ctx, s.db, selectUserSQL, userID, &u)
	if err != nil || !found {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) PutUser(ctx context.Context, u *User) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertUser(ctx, tx, u)
	})
}

func (s *SQLiteStore) UpdateUser(ctx context.Context, userID string, fn func(*User) error) (*User, error) {
	var out User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = User{UserID: userID}
		if _, err := queryJSON(ctx, tx, selectUserSQL, userID, &out); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		return upsertUser(ctx, tx, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, userID)
	return err
}

func (s *SQLiteStore) GetCRN(ctx context.Context, crn string) (*CRNRecord, error) {
	var rec CRNRecord
	found, err := queryJSON(ctx, s.db, selectCRNSQL, crn, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) PutCRN(ctx context.Context, rec *CRNRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current CRNRecord
		found, err := queryJSON(ctx, tx, selectCRNSQL, rec.CRN, &current)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotTracked
		}
		next := rec.Clone()
		next.TrackingUsers = current.TrackingUsers
		return upsertCRN(ctx, tx, next)
	})
}

func (s *SQLiteStore) DeleteCRN(ctx context.Context, crn string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM crns WHERE crn = ?`, crn)
	return err
}

func (s *SQLiteStore) ScanActiveCRNs(ctx context.Context) ([]*CRNRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM crns WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CRNRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec CRNRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if len(rec.TrackingUsers) == 0 {
			continue
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddUserToCRN(ctx context.Context, crn, userID string, seed *CRNRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var rec CRNRecord
		found, err := queryJSON(ctx, tx, selectCRNSQL, crn, &rec)
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
		if err := upsertCRN(ctx, tx, &rec); err != nil {
			return err
		}

		u := User{UserID: userID}
		if _, err := queryJSON(ctx, tx, selectUserSQL, userID, &u); err != nil {
			return err
		}
		u.AddTracked(crn)
		return upsertUser(ctx, tx, &u)
	})
}

func (s *SQLiteStore) RemoveUserFromCRN(ctx context.Context, crn, userID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var rec CRNRecord
		found, err := queryJSON(ctx, tx, selectCRNSQL, crn, &rec)
		if err != nil {
			return err
		}
		if found {
			rec.RemoveUser(userID)
			if len(rec.TrackingUsers) == 0 {
				if _, err := tx.ExecContext(ctx, `DELETE FROM crns WHERE crn = ?`, crn); err != nil {
					return err
				}
			} else if err := upsertCRN(ctx, tx, &rec); err != nil {
				return err
			}
		}

		var u User
		found, err = queryJSON(ctx, tx, selectUserSQL, userID, &u)
		if err != nil || !found {
			return err
		}
		u.RemoveTracked(crn)
		return upsertUser(ctx, tx, &u)
	})
}

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		var currentOwner string
		var expiresAt int64
		err := tx.QueryRowContext(ctx, `SELECT owner, expires_at FROM leases WHERE key = ?`, key).
			Scan(&currentOwner, &expiresAt)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err == nil && currentOwner != owner && expiresAt > now {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO leases (key, owner, expires_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at`,
			key, owner, now+ttl.Milliseconds())
		if err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ? AND owner = ?`, key, owner)
	return err
}

var _ Store = (*SQLiteStore)(nil)
