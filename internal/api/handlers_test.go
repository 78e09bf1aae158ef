// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R0M-GH/reapergt-app/internal/config"
	"github.com/R0M-GH/reapergt-app/internal/health"
	"github.com/R0M-GH/reapergt-app/internal/oscar"
	"github.com/R0M-GH/reapergt-app/internal/store"
)

// fakeRegistrar serves canned observations and 404s for everything else.
type fakeRegistrar struct {
	known map[string]*oscar.Observation
	err   error
}

func (f *fakeRegistrar) Fetch(ctx context.Context, crn string) (*oscar.Observation, error) {
	if f.err != nil {
		return nil, f.err
	}
	obs, ok := f.known[crn]
	if !ok {
		return nil, &oscar.FetchError{Sentinel: oscar.ErrCourseNotFound, CRN: crn}
	}
	return obs, nil
}

func testObservation(crn string, remaining int) *oscar.Observation {
	return &oscar.Observation{
		CRN:            crn,
		CourseName:     "Operating Systems",
		CourseID:       "CS 3210",
		CourseSection:  "A",
		IsOpen:         remaining > 0,
		SeatsRemaining: remaining,
		TotalSeats:     40,
		ObservedAt:     time.Now().UTC(),
	}
}

func newTestServer(t *testing.T, s store.Store, reg RegistrarProbe) http.Handler {
	t.Helper()
	cfg := config.Default()
	cfg.APIRateLimit = 0 // no rate limiting in tests
	srv := NewServer(cfg, s, reg, health.NewManager("test"), HeaderSubjectExtractor{Header: "X-User-ID"})
	return srv.Router()
}

func doReq(t *testing.T, h http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		r.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestTrackAndList(t *testing.T) {
	s := store.NewMemoryStore()
	reg := &fakeRegistrar{known: map[string]*oscar.Observation{"88888": testObservation("88888", 0)}}
	h := newTestServer(t, s, reg)

	rec := doReq(t, h, "POST", "/api/crns", "u1", `{"crn":"88888"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// The observation seeded the record and the bidirectional index holds.
	crnRec, err := s.GetCRN(context.Background(), "88888")
	require.NoError(t, err)
	require.NotNil(t, crnRec)
	assert.Equal(t, "Operating Systems", crnRec.CourseName)
	assert.Equal(t, 1, crnRec.ConsecutiveClosedChecks)
	assert.Equal(t, []string{"u1"}, crnRec.TrackingUsers)

	rec = doReq(t, h, "GET", "/api/crns", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		CRNs []courseInfo `json:"crns"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.CRNs, 1)
	assert.Equal(t, "88888", resp.CRNs[0].CRN)
	assert.False(t, resp.CRNs[0].IsOpen)
}

func TestTrackValidation(t *testing.T) {
	s := store.NewMemoryStore()
	reg := &fakeRegistrar{known: map[string]*oscar.Observation{
		"10001": testObservation("10001", 1),
		"10002": testObservation("10002", 1),
		"10003": testObservation("10003", 1),
		"10004": testObservation("10004", 1),
		"10005": testObservation("10005", 1),
		"10006": testObservation("10006", 1),
	}}
	h := newTestServer(t, s, reg)

	// Format violations.
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, "POST", "/api/crns", "u1", `{"crn":"123"}`).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, "POST", "/api/crns", "u1", `{"crn":"1234a"}`).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, "POST", "/api/crns", "u1", `not json`).Code)

	// Unknown CRN on the registrar.
	assert.Equal(t, http.StatusNotFound, doReq(t, h, "POST", "/api/crns", "u1", `{"crn":"99999"}`).Code)

	// Duplicate.
	require.Equal(t, http.StatusCreated, doReq(t, h, "POST", "/api/crns", "u1", `{"crn":"10001"}`).Code)
	assert.Equal(t, http.StatusConflict, doReq(t, h, "POST", "/api/crns", "u1", `{"crn":"10001"}`).Code)

	// Cap of five tracked CRNs.
	for _, crn := range []string{"10002", "10003", "10004", "10005"} {
		require.Equal(t, http.StatusCreated, doReq(t, h, "POST", "/api/crns", "u1", `{"crn":"`+crn+`"}`).Code)
	}
	assert.Equal(t, http.StatusUnprocessableEntity, doReq(t, h, "POST", "/api/crns", "u1", `{"crn":"10006"}`).Code)

	// No identity at all.
	assert.Equal(t, http.StatusUnauthorized, doReq(t, h, "POST", "/api/crns", "", `{"crn":"10006"}`).Code)
}

func TestTrackRegistrarDown(t *testing.T) {
	s := store.NewMemoryStore()
	reg := &fakeRegistrar{err: &oscar.FetchError{Sentinel: oscar.ErrUpstreamUnavailable, CRN: "88888"}}
	h := newTestServer(t, s, reg)

	rec := doReq(t, h, "POST", "/api/crns", "u1", `{"crn":"88888"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestUntrack(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	reg := &fakeRegistrar{known: map[string]*oscar.Observation{"88888": testObservation("88888", 2)}}
	h := newTestServer(t, s, reg)

	require.Equal(t, http.StatusCreated, doReq(t, h, "POST", "/api/crns", "u1", `{"crn":"88888"}`).Code)

	rec := doReq(t, h, "DELETE", "/api/crns/88888", "u1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Last tracker gone: record deleted, contactless user garbage collected.
	crnRec, err := s.GetCRN(ctx, "88888")
	require.NoError(t, err)
	assert.Nil(t, crnRec)
	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, u)

	assert.Equal(t, http.StatusNotFound, doReq(t, h, "DELETE", "/api/crns/88888", "u1", "").Code)
}

func TestUntrackKeepsUserWithPhone(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	reg := &fakeRegistrar{known: map[string]*oscar.Observation{"88888": testObservation("88888", 2)}}
	h := newTestServer(t, s, reg)

	require.Equal(t, http.StatusNoContent, doReq(t, h, "POST", "/api/register-phone", "u1", `{"phone_number":"+14045550101"}`).Code)
	require.Equal(t, http.StatusCreated, doReq(t, h, "POST", "/api/crns", "u1", `{"crn":"88888"}`).Code)
	require.Equal(t, http.StatusNoContent, doReq(t, h, "DELETE", "/api/crns/88888", "u1", "").Code)

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "+14045550101", u.PhoneNumber)
	assert.Empty(t, u.TrackedCRNs)
}

func TestCourseInfoPublic(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.AddUserToCRN(ctx, "77777", "u1", &store.CRNRecord{
		CRN: "77777", CourseName: "Compilers", IsOpen: true, SeatsRemaining: 4, TotalSeats: 30,
	}))
	reg := &fakeRegistrar{known: map[string]*oscar.Observation{"66666": testObservation("66666", 0)}}
	h := newTestServer(t, s, reg)

	// Tracked CRN: served from the store, no auth required.
	rec := doReq(t, h, "GET", "/api/crn/77777", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info courseInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "Compilers", info.CourseName)
	assert.Equal(t, 1, info.TrackedBy)

	// Unknown CRN: live lookup, not persisted.
	rec = doReq(t, h, "GET", "/api/crn/66666", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stored, err := s.GetCRN(ctx, "66666")
	require.NoError(t, err)
	assert.Nil(t, stored)

	assert.Equal(t, http.StatusNotFound, doReq(t, h, "GET", "/api/crn/55555", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, "GET", "/api/crn/abcde", "", "").Code)
}

func TestRegisterPhoneValidation(t *testing.T) {
	s := store.NewMemoryStore()
	h := newTestServer(t, s, &fakeRegistrar{})

	assert.Equal(t, http.StatusBadRequest, doReq(t, h, "POST", "/api/register-phone", "u1", `{"phone_number":"4045550101"}`).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, "POST", "/api/register-phone", "u1", `{"phone_number":"+0123"}`).Code)
	assert.Equal(t, http.StatusNoContent, doReq(t, h, "POST", "/api/register-phone", "u1", `{"phone_number":"+14045550101"}`).Code)
}

func TestRegisterPush(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	h := newTestServer(t, s, &fakeRegistrar{})

	sub := `{"endpoint":"https://push.example/abc","keys":{"p256dh":"x","auth":"y"}}`
	rec := doReq(t, h, "POST", "/api/register-push", "u1", `{"subscription":`+sub+`}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.JSONEq(t, sub, u.PushSubscription)

	assert.Equal(t, http.StatusBadRequest, doReq(t, h, "POST", "/api/register-push", "u1", `{}`).Code)
}

func TestCORSAndRequestID(t *testing.T) {
	s := store.NewMemoryStore()
	h := newTestServer(t, s, &fakeRegistrar{})

	rec := doReq(t, h, "OPTIONS", "/api/crns", "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = doReq(t, h, "GET", "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestClaimsSubjectExtractor(t *testing.T) {
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"user-42"}`))
	token := "eyJhbGciOiJub25lIn0." + payload + ".sig"

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	sub, err := ClaimsSubjectExtractor{}.Subject(r)
	require.NoError(t, err)
	assert.Equal(t, "user-42", sub)

	r.Header.Set("Authorization", "Bearer not-a-jwt")
	_, err = ClaimsSubjectExtractor{}.Subject(r)
	assert.ErrorIs(t, err, ErrBadToken)

	r.Header.Del("Authorization")
	_, err = ClaimsSubjectExtractor{}.Subject(r)
	assert.ErrorIs(t, err, ErrNoToken)
}
