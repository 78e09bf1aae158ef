// SPDX-License-Identifier: MIT

package scheduler

import (
	"time"

	"github.com/R0M-GH/reapergt-app/internal/store"
)

// Tier names the adaptive polling tiers, slowest-changing input first.
type Tier string

const (
	TierFast Tier = "fast"
	TierOpen Tier = "open"
	TierBase Tier = "base"
	TierSlow Tier = "slow"
)

// Intervals holds the adaptive interval table and its thresholds.
type Intervals struct {
	Base time.Duration
	Fast time.Duration
	Slow time.Duration
	Open time.Duration

	// RecentlyChangedThreshold is the consecutive-closed-check ceiling under
	// which a record counts as recently flipped.
	RecentlyChangedThreshold int
	// HighDemandMinUsers is the tracking-user count that makes a closed
	// record high-demand.
	HighDemandMinUsers int
	// ColdClosedChecks is the consecutive-closed-check floor above which a
	// closed record counts as long cold.
	ColdClosedChecks int
}

// NextInterval picks the sleep before the next tick from the post-tick
// records. Clauses are evaluated in priority order and the first match wins:
// react fastest when the world just changed, poll open courses moderately to
// track seat drain, and prioritize high-demand closed courses over long-cold
// ones. An empty set polls at the base rate.
func NextInterval(records []*store.CRNRecord, iv Intervals) (Tier, time.Duration) {
	if len(records) == 0 {
		return TierBase, iv.Base
	}

	var highDemand, longCold int
	anyOpen := false
	for _, rec := range records {
		if rec.ConsecutiveClosedChecks <= iv.RecentlyChangedThreshold {
			return TierFast, iv.Fast
		}
		if rec.IsOpen {
			anyOpen = true
			continue
		}
		if len(rec.TrackingUsers) >= iv.HighDemandMinUsers {
			highDemand++
		}
		if rec.ConsecutiveClosedChecks >= iv.ColdClosedChecks {
			longCold++
		}
	}

	if anyOpen {
		return TierOpen, iv.Open
	}
	if highDemand > longCold {
		return TierBase, iv.Base
	}
	return TierSlow, iv.Slow
}
