// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R0M-GH/reapergt-app/internal/config"
	"github.com/R0M-GH/reapergt-app/internal/secrets"
	"github.com/R0M-GH/reapergt-app/internal/store"
)

type staticChecker struct {
	name   string
	result CheckResult
}

func (c staticChecker) Name() string                          { return c.name }
func (c staticChecker) Check(ctx context.Context) CheckResult { return c.result }

func TestServeHealthAlways200(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(staticChecker{"broken", CheckResult{Status: StatusUnhealthy, Error: "down"}})

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest("GET", "/healthz?verbose=true", nil))
	assert.Equal(t, 200, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Contains(t, resp.Checks, "broken")
}

func TestServeReady503WhenUnhealthy(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(staticChecker{"store", CheckResult{Status: StatusHealthy}})

	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, 200, rec.Code)

	m.RegisterChecker(staticChecker{"breaker", CheckResult{Status: StatusDegraded}})
	rec = httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest("GET", "/readyz", nil))
	// Degraded stays in rotation.
	assert.Equal(t, 200, rec.Code)

	m.RegisterChecker(staticChecker{"loop", CheckResult{Status: StatusUnhealthy}})
	rec = httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest("GET", "/readyz", nil))
	assert.Equal(t, 503, rec.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestStoreChecker(t *testing.T) {
	c := NewStoreChecker(store.NewMemoryStore())
	res := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
}

func TestBreakerChecker(t *testing.T) {
	state := "closed"
	c := NewBreakerChecker("registrar_breaker", func() string { return state })

	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)
	state = "open"
	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)
	state = "half-open"
	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)
}

func TestLastTickChecker(t *testing.T) {
	var last time.Time
	c := NewLastTickChecker(func() time.Time { return last }, time.Minute)

	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)

	last = time.Now()
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	last = time.Now().Add(-2 * time.Minute)
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
}

func TestPerformStartupChecks(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	sec := secrets.Static{secrets.KeySMSAPIKey: "key"}
	require.NoError(t, PerformStartupChecks(context.Background(), cfg, sec))

	// Missing SMS key is fatal.
	err := PerformStartupChecks(context.Background(), cfg, secrets.Static{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), secrets.KeySMSAPIKey)

	// Bad registrar URL is fatal.
	cfg.OscarBaseURL = "ftp://oscar.gatech.edu/detail"
	err = PerformStartupChecks(context.Background(), cfg, sec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registrar URL")
}
