// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openBackends returns one instance of every backend so the conformance suite
// runs against all of them.
func openBackends(t *testing.T) map[string]Store {
	t.Helper()

	badgerStore, err := OpenBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = badgerStore.Close() })

	sqliteStore, err := OpenSQLiteStore(t.TempDir() + "/reaper.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	mr := miniredis.RunT(t)
	redisStore := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = redisStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
		"sqlite": sqliteStore,
		"redis":  redisStore,
	}
}

func TestStoreConformance(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			testUserRoundTrip(t, s)
			testBidirectionalIndex(t, s)
			testPutCRNPreservesTrackingUsers(t, s)
			testPutCRNOnUntrackedRecord(t, s)
			testScanActiveCRNs(t, s)
			testUpdateUserRMW(t, s)
			testLease(t, s)
		})
	}
}

func testUserRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()

	got, err := s.GetUser(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	u := &User{UserID: "u-round", PhoneNumber: "+14045550199"}
	u.AddTracked("11111")
	require.NoError(t, s.PutUser(ctx, u))

	got, err = s.GetUser(ctx, "u-round")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "+14045550199", got.PhoneNumber)
	assert.True(t, got.Tracks("11111"))

	require.NoError(t, s.DeleteUser(ctx, "u-round"))
	got, err = s.GetUser(ctx, "u-round")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testBidirectionalIndex(t *testing.T, s Store) {
	ctx := context.Background()
	seed := &CRNRecord{
		CRN:        "20001",
		CourseName: "Intro To Testing",
		TotalSeats: 30,
	}

	require.NoError(t, s.AddUserToCRN(ctx, "20001", "u-bidir-1", seed))
	require.NoError(t, s.AddUserToCRN(ctx, "20001", "u-bidir-2", seed))

	rec, err := s.GetCRN(ctx, "20001")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.ElementsMatch(t, []string{"u-bidir-1", "u-bidir-2"}, rec.TrackingUsers)

	for _, uid := range []string{"u-bidir-1", "u-bidir-2"} {
		u, err := s.GetUser(ctx, uid)
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.True(t, u.Tracks("20001"))
	}

	// Removing one user keeps the record; removing the last deletes it.
	require.NoError(t, s.RemoveUserFromCRN(ctx, "20001", "u-bidir-1"))
	rec, err = s.GetCRN(ctx, "20001")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{"u-bidir-2"}, rec.TrackingUsers)

	u, err := s.GetUser(ctx, "u-bidir-1")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.False(t, u.Tracks("20001"))

	require.NoError(t, s.RemoveUserFromCRN(ctx, "20001", "u-bidir-2"))
	rec, err = s.GetCRN(ctx, "20001")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func testPutCRNPreservesTrackingUsers(t *testing.T, s Store) {
	ctx := context.Background()
	seed := &CRNRecord{CRN: "20002", CourseName: "Systems"}
	require.NoError(t, s.AddUserToCRN(ctx, "20002", "u-keep", seed))

	// A detector flush carries a stale (empty) tracking set; the stored one
	// must win.
	flush := &CRNRecord{
		CRN:            "20002",
		CourseName:     "Systems",
		IsOpen:         true,
		SeatsRemaining: 3,
		TotalSeats:     30,
		LastUpdated:    time.Now().UTC(),
	}
	require.NoError(t, s.PutCRN(ctx, flush))

	rec, err := s.GetCRN(ctx, "20002")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{"u-keep"}, rec.TrackingUsers)
	assert.True(t, rec.IsOpen)
	assert.Equal(t, 3, rec.SeatsRemaining)

	require.NoError(t, s.RemoveUserFromCRN(ctx, "20002", "u-keep"))
}

func testPutCRNOnUntrackedRecord(t *testing.T, s Store) {
	ctx := context.Background()
	err := s.PutCRN(ctx, &CRNRecord{CRN: "99999", IsOpen: true})
	assert.True(t, errors.Is(err, ErrNotTracked))
}

func testScanActiveCRNs(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.AddUserToCRN(ctx, "20003", "u-scan", &CRNRecord{CRN: "20003"}))
	require.NoError(t, s.AddUserToCRN(ctx, "20004", "u-scan", &CRNRecord{CRN: "20004"}))

	recs, err := s.ScanActiveCRNs(ctx)
	require.NoError(t, err)
	var crns []string
	for _, r := range recs {
		crns = append(crns, r.CRN)
	}
	assert.Contains(t, crns, "20003")
	assert.Contains(t, crns, "20004")

	require.NoError(t, s.RemoveUserFromCRN(ctx, "20003", "u-scan"))
	recs, err = s.ScanActiveCRNs(ctx)
	require.NoError(t, err)
	crns = crns[:0]
	for _, r := range recs {
		crns = append(crns, r.CRN)
	}
	assert.NotContains(t, crns, "20003")

	require.NoError(t, s.RemoveUserFromCRN(ctx, "20004", "u-scan"))
}

func testUpdateUserRMW(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.PutUser(ctx, &User{UserID: "u-rmw", PhoneNumber: "+14045550100"}))

	got, err := s.UpdateUser(ctx, "u-rmw", func(u *User) error {
		u.MarkNotified("30001")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, got.Notified("30001"))

	// fn error aborts the write.
	boom := errors.New("boom")
	_, err = s.UpdateUser(ctx, "u-rmw", func(u *User) error {
		u.PhoneNumber = ""
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	got2, err := s.GetUser(ctx, "u-rmw")
	require.NoError(t, err)
	assert.Equal(t, "+14045550100", got2.PhoneNumber)

	require.NoError(t, s.DeleteUser(ctx, "u-rmw"))
}

func testLease(t *testing.T, s Store) {
	ctx := context.Background()

	ok, err := s.TryAcquireLease(ctx, "poller", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second owner cannot take a live lease.
	ok, err = s.TryAcquireLease(ctx, "poller", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// The holder can renew.
	ok, err = s.TryAcquireLease(ctx, "poller", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Releasing by a non-holder is a no-op.
	require.NoError(t, s.ReleaseLease(ctx, "poller", "owner-b"))
	ok, err = s.TryAcquireLease(ctx, "poller", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "poller", "owner-a"))
	ok, err = s.TryAcquireLease(ctx, "poller", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.ReleaseLease(ctx, "poller", "owner-b"))
}

func TestAddUserToCRNSeedsRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	seed := &CRNRecord{
		CRN:            "40001",
		CourseName:     "Operating Systems",
		CourseID:       "CS 3210",
		CourseSection:  "A",
		IsOpen:         true,
		SeatsRemaining: 5,
		TotalSeats:     40,
		LastUpdated:    time.Now().UTC(),
	}
	require.NoError(t, s.AddUserToCRN(ctx, "40001", "u1", seed))

	rec, err := s.GetCRN(ctx, "40001")
	require.NoError(t, err)
	assert.Equal(t, "CS 3210", rec.CourseID)
	assert.True(t, rec.IsOpen)
	assert.Equal(t, []string{"u1"}, rec.TrackingUsers)

	// A second user joining an existing record must not reapply the seed.
	stale := seed.Clone()
	stale.IsOpen = false
	require.NoError(t, s.AddUserToCRN(ctx, "40001", "u2", stale))
	rec, err = s.GetCRN(ctx, "40001")
	require.NoError(t, err)
	assert.True(t, rec.IsOpen)
	assert.ElementsMatch(t, []string{"u1", "u2"}, rec.TrackingUsers)
}

func TestSetHelpersKeepSortedUnique(t *testing.T) {
	u := &User{UserID: "u"}
	u.AddTracked("30000")
	u.AddTracked("10000")
	u.AddTracked("20000")
	u.AddTracked("10000")
	assert.Equal(t, []string{"10000", "20000", "30000"}, u.TrackedCRNs)

	u.RemoveTracked("20000")
	assert.Equal(t, []string{"10000", "30000"}, u.TrackedCRNs)

	u.MarkNotified("10000")
	u.MarkNotified("10000")
	assert.Equal(t, []string{"10000"}, u.NotifiedCRNs)
	u.ClearNotified("10000")
	assert.Empty(t, u.NotifiedCRNs)
}
