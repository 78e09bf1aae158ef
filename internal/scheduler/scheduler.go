// SPDX-License-Identifier: MIT

// Package scheduler runs the adaptive poll loop: scan tracked CRNs, fetch
// them concurrently, diff against stored state, dispatch alerts, sleep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/R0M-GH/reapergt-app/internal/detect"
	"github.com/R0M-GH/reapergt-app/internal/log"
	"github.com/R0M-GH/reapergt-app/internal/metrics"
	"github.com/R0M-GH/reapergt-app/internal/oscar"
	"github.com/R0M-GH/reapergt-app/internal/store"
)

// leaseKey names the single-writer lease all scheduler instances compete for.
const leaseKey = "scheduler"

// Fetcher is the registrar batch-fetch seam, satisfied by *oscar.Client.
type Fetcher interface {
	FetchAll(ctx context.Context, crns []string, concurrency int) map[string]oscar.Result
}

// Dispatcher receives open/close transitions, satisfied by *notify.Dispatcher.
type Dispatcher interface {
	OnOpened(ctx context.Context, rec *store.CRNRecord)
	OnClosed(ctx context.Context, rec *store.CRNRecord)
}

// Options wires a Scheduler.
type Options struct {
	Store      store.Store
	Fetcher    Fetcher
	Dispatcher Dispatcher

	Intervals        Intervals
	MaxRuntime       time.Duration
	ErrorSleep       time.Duration
	FetchConcurrency int

	// LeaseTTL > 0 enables the single-writer lease; an instance that cannot
	// acquire it idles at the base interval instead of polling.
	LeaseTTL   time.Duration
	InstanceID string

	// Test seams.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Summary reports what one run accomplished.
type Summary struct {
	RuntimeSeconds float64 `json:"runtime_seconds"`
	TicksCompleted int     `json:"ticks_completed"`
}

// Scheduler owns the poll loop. One instance holds the writer lease at a
// time; the rest stand by.
type Scheduler struct {
	store      store.Store
	fetcher    Fetcher
	dispatcher Dispatcher

	intervals   Intervals
	maxRuntime  time.Duration
	errorSleep  time.Duration
	concurrency int
	leaseTTL    time.Duration
	instanceID  string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	dispatchWG sync.WaitGroup
	log        zerolog.Logger
}

// New creates a Scheduler from opts, filling defaults for the test seams.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		store:       opts.Store,
		fetcher:     opts.Fetcher,
		dispatcher:  opts.Dispatcher,
		intervals:   opts.Intervals,
		maxRuntime:  opts.MaxRuntime,
		errorSleep:  opts.ErrorSleep,
		concurrency: opts.FetchConcurrency,
		leaseTTL:    opts.LeaseTTL,
		instanceID:  opts.InstanceID,
		now:         opts.Now,
		sleep:       opts.Sleep,
		log:         log.WithComponent("scheduler"),
	}
	if s.errorSleep <= 0 {
		s.errorSleep = 5 * time.Second
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	if s.instanceID == "" {
		s.instanceID = uuid.NewString()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sleep == nil {
		s.sleep = sleepCtx
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes ticks until the runtime budget cannot fit the next interval
// or ctx is cancelled, then waits for in-flight dispatch fanout to finish.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	start := s.now()
	deadline := start.Add(s.maxRuntime)

	s.log.Info().
		Str("event", "run.start").
		Str("instance_id", s.instanceID).
		Dur("max_runtime", s.maxRuntime).
		Msg("poll loop starting")

	summary := Summary{}
	for ctx.Err() == nil {
		tickStart := s.now()
		tier, interval := s.safeTick(ctx)
		summary.TicksCompleted++
		metrics.RecordTick(s.now().Sub(tickStart))

		remaining := deadline.Sub(s.now())
		if remaining < interval {
			s.log.Info().
				Str("event", "run.budget_exhausted").
				Dur("remaining", remaining).
				Dur("next_interval", interval).
				Msg("runtime budget spent, exiting loop")
			break
		}

		s.log.Debug().
			Str("event", "run.sleep").
			Str("tier", string(tier)).
			Dur("interval", interval).
			Msg("sleeping until next tick")
		if err := s.sleep(ctx, interval); err != nil {
			break
		}
	}

	// Let in-flight notification fanout finish before reporting.
	s.dispatchWG.Wait()
	if s.leaseTTL > 0 {
		if err := s.store.ReleaseLease(context.WithoutCancel(ctx), leaseKey, s.instanceID); err != nil {
			s.log.Warn().Err(err).Str("event", "run.lease_release_failed").Msg("could not release writer lease")
		}
	}

	summary.RuntimeSeconds = s.now().Sub(start).Seconds()
	s.log.Info().
		Str("event", "run.done").
		Int("ticks_completed", summary.TicksCompleted).
		Float64("runtime_seconds", summary.RuntimeSeconds).
		Msg("poll loop finished")
	return summary, nil
}

// safeTick runs one tick and absorbs anything it throws; the loop must not
// die to a single bad tick.
func (s *Scheduler) safeTick(ctx context.Context) (tier Tier, interval time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncTickError()
			s.log.Error().
				Str("event", "tick.panic").
				Interface("panic", r).
				Msg("tick panicked, backing off")
			tier, interval = TierBase, s.errorSleep
		}
	}()

	tier, interval, err := s.tick(ctx)
	if err != nil {
		metrics.IncTickError()
		s.log.Error().Err(err).Str("event", "tick.error").Msg("tick failed, backing off")
		return TierBase, s.errorSleep
	}
	return tier, interval
}

func (s *Scheduler) tick(ctx context.Context) (Tier, time.Duration, error) {
	// The tick id flows through dispatch handoff so fanout logs correlate.
	ctx = log.ContextWithTickID(ctx, uuid.NewString())
	logger := log.WithContext(ctx, s.log)

	if s.leaseTTL > 0 {
		held, err := s.store.TryAcquireLease(ctx, leaseKey, s.instanceID, s.leaseTTL)
		if err != nil {
			return TierBase, 0, fmt.Errorf("acquire lease: %w", err)
		}
		if !held {
			logger.Debug().Str("event", "tick.standby").Msg("another instance holds the writer lease")
			return TierBase, s.intervals.Base, nil
		}
	}

	records, err := s.store.ScanActiveCRNs(ctx)
	if err != nil {
		metrics.IncStoreError("scan_active_crns")
		return TierBase, 0, fmt.Errorf("scan active crns: %w", err)
	}
	metrics.RecordActiveCRNs(len(records))

	if len(records) == 0 {
		metrics.RecordNextInterval(string(TierBase), s.intervals.Base)
		return TierBase, s.intervals.Base, nil
	}

	prev := make(map[string]*store.CRNRecord, len(records))
	crns := make([]string, 0, len(records))
	for _, rec := range records {
		prev[rec.CRN] = rec
		crns = append(crns, rec.CRN)
	}

	results := s.fetcher.FetchAll(ctx, crns, s.concurrency)

	after := make([]*store.CRNRecord, 0, len(records))
	now := s.now().UTC()
	for _, crn := range crns {
		res := results[crn]
		outcome := detect.Evaluate(crn, prev[crn], res.Observation, res.Err, now)
		metrics.IncTransition(string(outcome.Kind))

		if res.Err != nil {
			logger.Warn().
				Err(res.Err).
				Str("crn", crn).
				Str("event", "tick.fetch_failed").
				Msg("fetch failed, counting as closed check")
		}

		if err := s.store.PutCRN(ctx, outcome.Record); err != nil {
			if errors.Is(err, store.ErrNotTracked) {
				// Last tracking user left mid-tick; nothing to advance.
				logger.Debug().Str("crn", crn).Str("event", "tick.untracked").Msg("crn no longer tracked, dropping result")
				continue
			}
			// No state advance this tick: the next tick re-observes and
			// re-diffs, so the transition is not lost.
			metrics.IncStoreError("put_crn")
			logger.Error().Err(err).Str("crn", crn).Str("event", "tick.flush_failed").Msg("could not persist record")
			continue
		}

		// Dispatch reads the just-written record so tracking_users is the
		// stored truth, not our pre-fetch copy.
		switch outcome.Kind {
		case detect.KindOpened:
			logger.Info().
				Str("crn", crn).
				Str("event", "tick.opened").
				Int("seats_remaining", outcome.Record.SeatsRemaining).
				Msg("course opened")
			s.handoff(ctx, crn, s.dispatcher.OnOpened)
		case detect.KindClosed:
			logger.Info().Str("crn", crn).Str("event", "tick.closed").Msg("course closed")
			s.handoff(ctx, crn, s.dispatcher.OnClosed)
		}

		after = append(after, outcome.Record)
	}

	tier, interval := NextInterval(after, s.intervals)
	metrics.RecordNextInterval(string(tier), interval)
	return tier, interval, nil
}

// handoff re-reads the record and runs fn asynchronously. The waitgroup lets
// Run drain fanout before returning.
func (s *Scheduler) handoff(ctx context.Context, crn string, fn func(context.Context, *store.CRNRecord)) {
	rec, err := s.store.GetCRN(ctx, crn)
	if err != nil {
		metrics.IncStoreError("get_crn")
		logger := log.WithContext(ctx, s.log)
		logger.Error().Err(err).Str("crn", crn).Str("event", "tick.handoff_failed").Msg("could not reload record for dispatch")
		return
	}
	if rec == nil {
		return
	}

	s.dispatchWG.Add(1)
	go func() {
		defer s.dispatchWG.Done()
		fn(context.WithoutCancel(ctx), rec)
	}()
}
