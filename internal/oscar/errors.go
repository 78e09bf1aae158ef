// SPDX-License-Identifier: MIT

package oscar

import (
	"errors"
	"fmt"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrCourseNotFound      = errors.New("registrar: course not found")
	ErrUpstreamUnavailable = errors.New("registrar: host unreachable or transport failure")
	ErrUpstreamStatus      = errors.New("registrar: unexpected HTTP status")
	ErrTimeout             = errors.New("registrar: request timed out")
)

// FetchError wraps the sentinel errors with context about the failed fetch.
type FetchError struct {
	Sentinel error
	CRN      string
	Status   int
	Err      error // nested lower-level error (e.g. net.Error)
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("oscar: crn %s: %v", e.CRN, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Sentinel
}

// IsNotFound reports whether err means the CRN has no detail page on the
// registrar site (distinct from transport failures).
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCourseNotFound)
}
