// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/R0M-GH/reapergt-app/internal/oscar"
	"github.com/R0M-GH/reapergt-app/internal/store"
)

var (
	crnRe   = regexp.MustCompile(`^\d{5}$`)
	phoneRe = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
)

// courseInfo is the wire shape for one CRN record.
type courseInfo struct {
	CRN            string     `json:"crn"`
	CourseName     string     `json:"course_name"`
	CourseID       string     `json:"course_id"`
	CourseSection  string     `json:"course_section"`
	IsOpen         bool       `json:"is_open"`
	SeatsRemaining int        `json:"seats_remaining"`
	TotalSeats     int        `json:"total_seats"`
	LastUpdated    *time.Time `json:"last_updated,omitempty"`
	TrackedBy      int        `json:"tracked_by,omitempty"`
}

func recordInfo(rec *store.CRNRecord) courseInfo {
	info := courseInfo{
		CRN:            rec.CRN,
		CourseName:     rec.CourseName,
		CourseID:       rec.CourseID,
		CourseSection:  rec.CourseSection,
		IsOpen:         rec.IsOpen,
		SeatsRemaining: rec.SeatsRemaining,
		TotalSeats:     rec.TotalSeats,
		TrackedBy:      len(rec.TrackingUsers),
	}
	if !rec.LastUpdated.IsZero() {
		t := rec.LastUpdated
		info.LastUpdated = &t
	}
	return info
}

func observationInfo(obs *oscar.Observation) courseInfo {
	return courseInfo{
		CRN:            obs.CRN,
		CourseName:     obs.CourseName,
		CourseID:       obs.CourseID,
		CourseSection:  obs.CourseSection,
		IsOpen:         obs.IsOpen,
		SeatsRemaining: obs.SeatsRemaining,
		TotalSeats:     obs.TotalSeats,
	}
}

// seedFromObservation builds the initial CRN record for a first tracker.
func seedFromObservation(obs *oscar.Observation) *store.CRNRecord {
	rec := &store.CRNRecord{
		CRN:            obs.CRN,
		CourseName:     obs.CourseName,
		CourseID:       obs.CourseID,
		CourseSection:  obs.CourseSection,
		IsOpen:         obs.IsOpen,
		SeatsRemaining: obs.SeatsRemaining,
		TotalSeats:     obs.TotalSeats,
		LastUpdated:    obs.ObservedAt,
	}
	if !obs.IsOpen {
		rec.ConsecutiveClosedChecks = 1
	}
	return rec
}

// handleListTracked returns the caller's tracked CRNs joined with their
// current records.
func (s *Server) handleListTracked(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, err := s.store.GetUser(ctx, subjectFrom(r))
	if err != nil {
		s.log.Error().Err(err).Str("event", "api.user_load_failed").Msg("cannot load user")
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	out := []courseInfo{}
	if u != nil {
		for _, crn := range u.TrackedCRNs {
			rec, err := s.store.GetCRN(ctx, crn)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "store unavailable")
				return
			}
			if rec == nil {
				// Index lag: the record vanished but the user entry still
				// names it. Surface the bare CRN.
				out = append(out, courseInfo{CRN: crn})
				continue
			}
			out = append(out, recordInfo(rec))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"crns": out})
}

type trackRequest struct {
	CRN string `json:"crn"`
}

// handleTrack adds a CRN to the caller's tracked set, verifying it against
// the registrar first so typos never enter the poll universe.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := subjectFrom(r)

	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !crnRe.MatchString(req.CRN) {
		writeError(w, http.StatusBadRequest, "crn must be a five-digit number")
		return
	}

	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if u != nil {
		if u.Tracks(req.CRN) {
			writeError(w, http.StatusConflict, "crn already tracked")
			return
		}
		if len(u.TrackedCRNs) >= s.cfg.MaxTrackedPerUser {
			writeError(w, http.StatusUnprocessableEntity, "tracked crn limit reached")
			return
		}
	}

	obs, err := s.registrar.Fetch(ctx, req.CRN)
	if err != nil {
		if oscar.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "crn not found for the configured term")
			return
		}
		s.log.Warn().Err(err).Str("crn", req.CRN).Str("event", "api.verify_fetch_failed").Msg("registrar lookup failed")
		writeError(w, http.StatusBadGateway, "registrar unavailable, try again")
		return
	}

	if err := s.store.AddUserToCRN(ctx, req.CRN, userID, seedFromObservation(obs)); err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	s.log.Info().Str("crn", req.CRN).Str("user_id", userID).Str("event", "api.crn_tracked").Msg("crn tracked")
	writeJSON(w, http.StatusCreated, observationInfo(obs))
}

// handleUntrack removes a CRN from the caller's tracked set and garbage
// collects an empty user record.
func (s *Server) handleUntrack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := subjectFrom(r)
	crn := chi.URLParam(r, "crn")

	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if u == nil || !u.Tracks(crn) {
		writeError(w, http.StatusNotFound, "crn not tracked")
		return
	}

	if err := s.store.RemoveUserFromCRN(ctx, crn, userID); err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	// A user with no tracked CRNs and no contact details carries no state
	// worth keeping.
	if u, err := s.store.GetUser(ctx, userID); err == nil && u != nil {
		if len(u.TrackedCRNs) == 0 && u.PhoneNumber == "" && u.PushSubscription == "" {
			_ = s.store.DeleteUser(ctx, userID)
		}
	}

	s.log.Info().Str("crn", crn).Str("user_id", userID).Str("event", "api.crn_untracked").Msg("crn untracked")
	w.WriteHeader(http.StatusNoContent)
}

// handleCourseInfo is the public course lookup: stored record if tracked by
// anyone, otherwise a live registrar fetch that is not persisted.
func (s *Server) handleCourseInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	crn := chi.URLParam(r, "crn")
	if !crnRe.MatchString(crn) {
		writeError(w, http.StatusBadRequest, "crn must be a five-digit number")
		return
	}

	rec, err := s.store.GetCRN(ctx, crn)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if rec != nil {
		writeJSON(w, http.StatusOK, recordInfo(rec))
		return
	}

	obs, err := s.registrar.Fetch(ctx, crn)
	if err != nil {
		if oscar.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "crn not found for the configured term")
			return
		}
		writeError(w, http.StatusBadGateway, "registrar unavailable, try again")
		return
	}
	writeJSON(w, http.StatusOK, observationInfo(obs))
}

type registerPhoneRequest struct {
	PhoneNumber string `json:"phone_number"`
}

func (s *Server) handleRegisterPhone(w http.ResponseWriter, r *http.Request) {
	var req registerPhoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !phoneRe.MatchString(req.PhoneNumber) {
		writeError(w, http.StatusBadRequest, "phone_number must be E.164")
		return
	}

	userID := subjectFrom(r)
	if _, err := s.store.UpdateUser(r.Context(), userID, func(u *store.User) error {
		u.PhoneNumber = req.PhoneNumber
		return nil
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	s.log.Info().Str("user_id", userID).Str("event", "api.phone_registered").Msg("phone number registered")
	w.WriteHeader(http.StatusNoContent)
}

type registerPushRequest struct {
	Subscription json.RawMessage `json:"subscription"`
}

func (s *Server) handleRegisterPush(w http.ResponseWriter, r *http.Request) {
	var req registerPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Subscription) == 0 || !json.Valid(req.Subscription) {
		writeError(w, http.StatusBadRequest, "subscription must be a JSON object")
		return
	}

	userID := subjectFrom(r)
	if _, err := s.store.UpdateUser(r.Context(), userID, func(u *store.User) error {
		u.PushSubscription = string(req.Subscription)
		return nil
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	s.log.Info().Str("user_id", userID).Str("event", "api.push_registered").Msg("push subscription registered")
	w.WriteHeader(http.StatusNoContent)
}
