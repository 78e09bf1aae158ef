// SPDX-License-Identifier: MIT

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R0M-GH/reapergt-app/internal/store"
)

type fakeSMS struct {
	mu    sync.Mutex
	sent  []string // phone numbers in send order
	bodys []string
	fail  map[string]error // per-phone failure injection
}

func (f *fakeSMS) Send(ctx context.Context, phone, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[phone]; err != nil {
		return err
	}
	f.sent = append(f.sent, phone)
	f.bodys = append(f.bodys, message)
	return nil
}

func (f *fakeSMS) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func openedRecord(crn string, users ...string) *store.CRNRecord {
	return &store.CRNRecord{
		CRN:            crn,
		CourseName:     "Operating Systems",
		IsOpen:         true,
		SeatsRemaining: 3,
		TotalSeats:     40,
		TrackingUsers:  users,
		LastUpdated:    time.Now().UTC(),
	}
}

func seedUser(t *testing.T, s store.Store, userID, phone string, crns ...string) {
	t.Helper()
	u := &store.User{UserID: userID, PhoneNumber: phone}
	for _, c := range crns {
		u.AddTracked(c)
	}
	require.NoError(t, s.PutUser(context.Background(), u))
}

func TestOnOpenedFansOutAndDedups(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedUser(t, s, "u1", "+14045550101", "88888")
	seedUser(t, s, "u2", "+14045550102", "88888")

	sms := &fakeSMS{}
	d := NewDispatcher(s, sms, nil)

	rec := openedRecord("88888", "u1", "u2")
	d.OnOpened(ctx, rec)
	assert.ElementsMatch(t, []string{"+14045550101", "+14045550102"}, sms.sentTo())

	for _, b := range sms.bodys {
		assert.Equal(t, "⚠️ COURSE OPEN ⚠️\nOperating Systems - (CRN 88888)\nSeats open: 3\nRegister in OSCAR and update your courses in the Reaper app", b)
	}

	// Same episode: nobody is notified twice.
	d.OnOpened(ctx, rec)
	assert.Len(t, sms.sentTo(), 2)

	for _, uid := range []string{"u1", "u2"} {
		u, err := s.GetUser(ctx, uid)
		require.NoError(t, err)
		assert.True(t, u.Notified("88888"))
	}
}

func TestOnOpenedSkipsUntrackedAndPhoneless(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedUser(t, s, "u-tracks", "+14045550101", "88888")
	seedUser(t, s, "u-stale", "+14045550102") // in tracking_users but index lagged
	seedUser(t, s, "u-nophone", "", "88888")

	sms := &fakeSMS{}
	d := NewDispatcher(s, sms, nil)

	d.OnOpened(ctx, openedRecord("88888", "u-tracks", "u-stale", "u-nophone", "u-gone"))
	assert.Equal(t, []string{"+14045550101"}, sms.sentTo())

	// Skipped users must not be marked notified.
	u, err := s.GetUser(ctx, "u-nophone")
	require.NoError(t, err)
	assert.False(t, u.Notified("88888"))

	// The missing user must not have been created as a side effect.
	u, err = s.GetUser(ctx, "u-gone")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestOnOpenedFailureLeavesDedupUntouched(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedUser(t, s, "u1", "+14045550101", "88888")
	seedUser(t, s, "u2", "+14045550102", "88888")

	sms := &fakeSMS{fail: map[string]error{"+14045550101": errors.New("gateway timeout")}}
	d := NewDispatcher(s, sms, nil)

	rec := openedRecord("88888", "u1", "u2")
	d.OnOpened(ctx, rec)

	// u2 went through, u1 did not and stays eligible for a retry.
	assert.Equal(t, []string{"+14045550102"}, sms.sentTo())
	u1, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, u1.Notified("88888"))

	sms.fail = nil
	d.OnOpened(ctx, rec)
	assert.ElementsMatch(t, []string{"+14045550102", "+14045550101"}, sms.sentTo())
}

func TestOnClosedResetsEpisode(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedUser(t, s, "u1", "+14045550101", "88888")

	sms := &fakeSMS{}
	d := NewDispatcher(s, sms, nil)

	rec := openedRecord("88888", "u1")
	d.OnOpened(ctx, rec)
	require.Len(t, sms.sentTo(), 1)

	d.OnClosed(ctx, rec)
	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, u.Notified("88888"))

	// New episode notifies again.
	d.OnOpened(ctx, rec)
	assert.Len(t, sms.sentTo(), 2)
}

func TestOnClosedSkipsDeletedUsers(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	d := NewDispatcher(s, &fakeSMS{}, nil)

	d.OnClosed(ctx, openedRecord("88888", "u-deleted"))
	u, err := s.GetUser(ctx, "u-deleted")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestOnOpenedPushChannel(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedUser(t, s, "u1", "+14045550101", "88888")
	_, err := s.UpdateUser(ctx, "u1", func(u *store.User) error {
		u.PushSubscription = `{"endpoint":"https://push.example/abc"}`
		return nil
	})
	require.NoError(t, err)

	var got pushRequest
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer relay.Close()

	sms := &fakeSMS{}
	d := NewDispatcher(s, sms, NewHTTPPushGateway(relay.URL, 0))

	d.OnOpened(ctx, openedRecord("88888", "u1"))
	require.Len(t, sms.sentTo(), 1)
	assert.JSONEq(t, `{"endpoint":"https://push.example/abc"}`, string(got.Subscription))

	var payload pushPayload
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, "88888", payload.CRN)
	assert.Equal(t, 3, payload.SeatsRemaining)
}

func TestHTTPSMSGateway(t *testing.T) {
	var auth, contentType string
	var req smsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	}))
	defer srv.Close()

	g := NewHTTPSMSGateway(srv.URL, "sekrit", 0)
	require.NoError(t, g.Send(context.Background(), "+14045550101", "hello"))
	assert.Equal(t, "Bearer sekrit", auth)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "+14045550101", req.To)
	assert.Equal(t, "hello", req.Message)
}

func TestHTTPSMSGatewayErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid destination", http.StatusBadRequest)
	}))
	defer srv.Close()

	g := NewHTTPSMSGateway(srv.URL, "sekrit", 0)
	err := g.Send(context.Background(), "+14045550101", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
}
