// SPDX-License-Identifier: MIT

// Package detect diffs a fresh registrar observation against the stored
// record for the same CRN and classifies what happened.
package detect

import (
	"time"

	"github.com/R0M-GH/reapergt-app/internal/oscar"
	"github.com/R0M-GH/reapergt-app/internal/store"
)

// Kind classifies one poll of one CRN.
type Kind string

const (
	KindUnchanged Kind = "unchanged"
	KindOpened    Kind = "opened"
	KindClosed    Kind = "closed"
	KindMetadata  Kind = "metadata"
	KindFailed    Kind = "failed"
)

// Result is the classification plus the record to persist.
type Result struct {
	Kind   Kind
	Record *store.CRNRecord
}

// Evaluate applies the transition rules, in order:
//
//  1. A fetch error is KindFailed: consecutive_closed_checks increments and
//     every other field, last_updated included, is preserved. is_open never
//     flips on a failure.
//  2. Same open state as before is KindUnchanged, or KindMetadata when any
//     descriptive field or seat count moved (or the seats row was missing).
//  3. closed -> open is KindOpened: stamp last_status_change, zero the
//     closed-check counter.
//  4. open -> closed is KindClosed: stamp last_status_change, counter
//     restarts at 1 since this observation is itself a closed check.
//
// A nil prev (CRN newly tracked, first ever poll) is treated as a previously
// closed record.
func Evaluate(crn string, prev *store.CRNRecord, obs *oscar.Observation, fetchErr error, now time.Time) Result {
	if fetchErr != nil {
		rec := cloneOrNew(crn, prev)
		rec.ConsecutiveClosedChecks++
		return Result{Kind: KindFailed, Record: rec}
	}

	rec := cloneOrNew(crn, prev)
	prevOpen := prev != nil && prev.IsOpen
	changed := applyObservation(rec, prev, obs, now)

	switch {
	case obs.IsOpen == prevOpen:
		if obs.IsOpen {
			rec.ConsecutiveClosedChecks = 0
		} else {
			rec.ConsecutiveClosedChecks++
		}
		if changed || obs.MissingSeats {
			return Result{Kind: KindMetadata, Record: rec}
		}
		return Result{Kind: KindUnchanged, Record: rec}

	case obs.IsOpen:
		rec.LastStatusChange = now
		rec.ConsecutiveClosedChecks = 0
		return Result{Kind: KindOpened, Record: rec}

	default:
		rec.LastStatusChange = now
		rec.ConsecutiveClosedChecks = 1
		return Result{Kind: KindClosed, Record: rec}
	}
}

func cloneOrNew(crn string, prev *store.CRNRecord) *store.CRNRecord {
	if prev != nil {
		return prev.Clone()
	}
	return &store.CRNRecord{CRN: crn}
}

// applyObservation copies the observation into rec and reports whether any
// descriptive field or seat count differs from prev. A page with a missing
// seats row keeps the previously known capacity but always reads as closed.
func applyObservation(rec, prev *store.CRNRecord, obs *oscar.Observation, now time.Time) bool {
	rec.CourseName = obs.CourseName
	rec.CourseID = obs.CourseID
	rec.CourseSection = obs.CourseSection
	if obs.MissingSeats {
		rec.SeatsRemaining = 0
		rec.IsOpen = false
	} else {
		rec.TotalSeats = obs.TotalSeats
		rec.SeatsRemaining = obs.SeatsRemaining
		rec.IsOpen = obs.IsOpen
	}
	rec.LastUpdated = now

	if prev == nil {
		return true
	}
	return rec.CourseName != prev.CourseName ||
		rec.CourseID != prev.CourseID ||
		rec.CourseSection != prev.CourseSection ||
		rec.TotalSeats != prev.TotalSeats ||
		rec.SeatsRemaining != prev.SeatsRemaining
}
