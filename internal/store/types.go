// SPDX-License-Identifier: MIT

// Package store is the persistence gateway. It owns the user and CRN tables
// and is the only component allowed to write them; everything else works on
// short-lived copies.
package store

import (
	"slices"
	"time"
)

// User is one tracked-user record, keyed by the identity token's subject.
// PushSubscription holds the browser push subscription descriptor verbatim as
// delivered by the frontend service worker; the push relay interprets it.
type User struct {
	UserID           string   `json:"user_id"`
	PhoneNumber      string   `json:"phone_number,omitempty"`
	PushSubscription string   `json:"push_subscription,omitempty"`
	TrackedCRNs      []string `json:"crns"`
	NotifiedCRNs     []string `json:"notified_crns,omitempty"`
}

// Tracks reports whether the user tracks the given CRN.
func (u *User) Tracks(crn string) bool {
	return slices.Contains(u.TrackedCRNs, crn)
}

// AddTracked inserts the CRN into the tracked set.
func (u *User) AddTracked(crn string) {
	u.TrackedCRNs = addToSet(u.TrackedCRNs, crn)
}

// RemoveTracked drops the CRN from both the tracked and notified sets.
func (u *User) RemoveTracked(crn string) {
	u.TrackedCRNs = removeFromSet(u.TrackedCRNs, crn)
	u.NotifiedCRNs = removeFromSet(u.NotifiedCRNs, crn)
}

// Notified reports whether the user was already notified for this CRN during
// the current open episode.
func (u *User) Notified(crn string) bool {
	return slices.Contains(u.NotifiedCRNs, crn)
}

// MarkNotified records the per-episode notification dedup entry.
func (u *User) MarkNotified(crn string) {
	u.NotifiedCRNs = addToSet(u.NotifiedCRNs, crn)
}

// ClearNotified resets the dedup entry so the next opening re-notifies.
func (u *User) ClearNotified(crn string) {
	u.NotifiedCRNs = removeFromSet(u.NotifiedCRNs, crn)
}

// CRNRecord is the per-course record, keyed by the five-digit CRN.
type CRNRecord struct {
	CRN                     string    `json:"crn"`
	CourseName              string    `json:"course_name"`
	CourseID                string    `json:"course_id"`
	CourseSection           string    `json:"course_section"`
	IsOpen                  bool      `json:"isOpen"`
	SeatsRemaining          int       `json:"seats_remaining"`
	TotalSeats              int       `json:"total_seats"`
	TrackingUsers           []string  `json:"users"`
	LastUpdated             time.Time `json:"last_updated"`
	LastStatusChange        time.Time `json:"last_status_change,omitzero"`
	ConsecutiveClosedChecks int       `json:"consecutive_closed_checks"`
}

// HasUser reports whether the user tracks this CRN.
func (r *CRNRecord) HasUser(userID string) bool {
	return slices.Contains(r.TrackingUsers, userID)
}

// AddUser inserts the user into the tracking set.
func (r *CRNRecord) AddUser(userID string) {
	r.TrackingUsers = addToSet(r.TrackingUsers, userID)
}

// RemoveUser drops the user from the tracking set.
func (r *CRNRecord) RemoveUser(userID string) {
	r.TrackingUsers = removeFromSet(r.TrackingUsers, userID)
}

// Clone returns a deep copy so callers can mutate without aliasing the
// gateway's buffers.
func (r *CRNRecord) Clone() *CRNRecord {
	cp := *r
	cp.TrackingUsers = slices.Clone(r.TrackingUsers)
	return &cp
}

// Clone returns a deep copy of the user record.
func (u *User) Clone() *User {
	cp := *u
	cp.TrackedCRNs = slices.Clone(u.TrackedCRNs)
	cp.NotifiedCRNs = slices.Clone(u.NotifiedCRNs)
	return &cp
}

// addToSet keeps the slice sorted and duplicate-free so records marshal
// deterministically.
func addToSet(set []string, v string) []string {
	i, found := slices.BinarySearch(set, v)
	if found {
		return set
	}
	return slices.Insert(set, i, v)
}

func removeFromSet(set []string, v string) []string {
	i, found := slices.BinarySearch(set, v)
	if !found {
		return set
	}
	return slices.Delete(set, i, i+1)
}
