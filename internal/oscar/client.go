// SPDX-License-Identifier: MIT

// Package oscar fetches and parses registrar course detail pages.
package oscar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/R0M-GH/reapergt-app/internal/metrics"
	"github.com/R0M-GH/reapergt-app/internal/resilience"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Client fetches the detail page for one CRN at a time, rate-limited and
// guarded by a circuit breaker so a rate-limiting or failing registrar does
// not get hammered.
type Client struct {
	base    string
	term    string
	http    *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// Options configures the client; zero values fall back to sane defaults.
type Options struct {
	Term      string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables limiting
	RateBurst int
	Transport http.RoundTripper
	Breaker   *resilience.CircuitBreaker
}

// New creates a registrar client for the given base URL (the detail-page
// endpoint without query parameters).
func New(base string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Client{
		base:    base,
		term:    opts.Term,
		http:    &http.Client{Timeout: timeout, Transport: opts.Transport},
		limiter: limiter,
		breaker: opts.Breaker,
	}
}

// detailURL builds the deterministic per-CRN GET target.
func (c *Client) detailURL(crn string) string {
	q := url.Values{}
	q.Set("term_in", c.term)
	q.Set("crn_in", crn)
	return c.base + "?" + q.Encode()
}

// Fetch retrieves and parses the detail page for one CRN.
func (c *Client) Fetch(ctx context.Context, crn string) (*Observation, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{Sentinel: ErrUpstreamUnavailable, CRN: crn, Err: err}
		}
	}

	start := time.Now()
	var obs *Observation
	do := func() error {
		var err error
		obs, err = c.fetchOnce(ctx, crn)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(do)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			err = &FetchError{Sentinel: ErrUpstreamUnavailable, CRN: crn, Err: err}
		}
	} else {
		err = do()
	}

	metrics.RecordFetch(fetchOutcome(obs, err), time.Since(start))
	if err != nil {
		return nil, err
	}
	return obs, nil
}

func (c *Client) fetchOnce(ctx context.Context, crn string) (*Observation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.detailURL(crn), nil)
	if err != nil {
		return nil, fmt.Errorf("oscar: build request: %w", err)
	}

	res, err := c.http.Do(req)
	if err != nil {
		sentinel := ErrUpstreamUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			sentinel = ErrTimeout
		}
		return nil, &FetchError{Sentinel: sentinel, CRN: crn, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, &FetchError{Sentinel: ErrUpstreamStatus, CRN: crn, Status: res.StatusCode}
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &FetchError{Sentinel: ErrUpstreamUnavailable, CRN: crn, Err: err}
	}

	return parsePage(string(body), crn, time.Now().UTC())
}

func fetchOutcome(obs *Observation, err error) string {
	switch {
	case err == nil && obs != nil && obs.MissingSeats:
		return "missing_seats"
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCourseNotFound):
		return "not_found"
	case errors.Is(err, ErrUpstreamStatus):
		return "http_error"
	default:
		return "transport"
	}
}

// Result pairs an observation with its fetch error; exactly one is set.
type Result struct {
	Observation *Observation
	Err         error
}

// FetchAll fetches every CRN concurrently with at most concurrency in-flight
// requests and returns one Result per CRN. Individual failures never abort
// the batch.
func (c *Client) FetchAll(ctx context.Context, crns []string, concurrency int) map[string]Result {
	if concurrency < 1 {
		concurrency = 1
	}

	var mu sync.Mutex
	results := make(map[string]Result, len(crns))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, crn := range crns {
		g.Go(func() error {
			obs, err := c.Fetch(gctx, crn)
			mu.Lock()
			results[crn] = Result{Observation: obs, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
