// SPDX-License-Identifier: MIT

package oscar

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// The registrar detail page is hand-authored HTML, not well-formed XML, so
// the parser is two regexes with a narrow contract: extract the course
// identity and the seats row, or declare not-found / missing-seats.
var (
	// identityRowRe matches the first <th class="ddlabel"> cell, which holds
	// "Name - CRN - CourseID - Section" separated by " - ".
	identityRowRe = regexp.MustCompile(`(?is)<th[^>]*class=["']ddlabel["'][^>]*>(.*?)</th>`)

	// seatsRowRe matches the seats row: a <SPAN>Seats</SPAN> label followed by
	// exactly three <td> cells holding Capacity, Actual, Remaining.
	seatsRowRe = regexp.MustCompile(`(?is)<SPAN[^>]*>Seats</SPAN></th>\s*<td[^>]*>(\d+)</td>\s*<td[^>]*>(\d+)</td>\s*<td[^>]*>(\d+)</td>`)

	brTagRe = regexp.MustCompile(`(?i)<br\s*/?>`)
)

// Observation is one successful parse of the detail page for one CRN.
type Observation struct {
	CRN            string
	CourseName     string
	CourseID       string
	CourseSection  string
	IsOpen         bool
	SeatsRemaining int
	TotalSeats     int
	// MissingSeats marks pages whose identity row parsed but whose seats row
	// did not; the observation reads as closed and callers record a
	// metadata-only refresh.
	MissingSeats bool
	ObservedAt   time.Time
}

// parsePage extracts an Observation from the detail page HTML.
// A page without an identity row yields ErrCourseNotFound.
func parsePage(html, crn string, now time.Time) (*Observation, error) {
	m := identityRowRe.FindStringSubmatch(html)
	if m == nil {
		return nil, &FetchError{Sentinel: ErrCourseNotFound, CRN: crn}
	}

	obs := &Observation{CRN: crn, ObservedAt: now}
	obs.CourseName, obs.CourseID, obs.CourseSection = splitIdentity(m[1])

	seats := seatsRowRe.FindStringSubmatch(html)
	if seats == nil {
		// Never treat an unparseable seats row as "open".
		obs.MissingSeats = true
		return obs, nil
	}
	obs.TotalSeats, _ = strconv.Atoi(seats[1])
	obs.SeatsRemaining, _ = strconv.Atoi(seats[3])
	obs.IsOpen = obs.SeatsRemaining > 0
	return obs, nil
}

// splitIdentity splits the identity cell on " - ": index 0 is the course
// name, 2 the course id, 3 the section. Fewer than four parts falls back to
// the whole cell text.
func splitIdentity(inner string) (name, id, section string) {
	parts := strings.Split(inner, " - ")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(brTagRe.ReplaceAllString(p, ""))
	}
	if len(parts) >= 4 {
		return parts[0], parts[2], parts[3]
	}
	return strings.TrimSpace(brTagRe.ReplaceAllString(inner, "")), "N/A", "N/A"
}
