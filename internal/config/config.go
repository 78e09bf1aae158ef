// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration with precedence
// ENV > file > defaults and validates it before startup.
package config

import (
	"fmt"
	"regexp"
	"time"
)

// Backend names accepted for REAPER_STORE_BACKEND.
const (
	BackendBadger = "badger"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

var termRe = regexp.MustCompile(`^\d{6}$`)

// Config is the resolved daemon configuration.
type Config struct {
	LogLevel   string
	LogService string

	DataDir string

	// Store gateway
	StoreBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Registrar client
	OscarBaseURL     string
	Term             string
	FetchTimeout     time.Duration
	FetchConcurrency int
	FetchRateLimit   float64 // requests per second against the registrar
	FetchRateBurst   int

	// Adaptive scheduler
	MaxRuntime               time.Duration
	BaseInterval             time.Duration
	FastInterval             time.Duration
	SlowInterval             time.Duration
	OpenCourseInterval       time.Duration
	ErrorSleep               time.Duration
	RecentlyChangedThreshold int
	HighDemandMinUsers       int
	ColdClosedChecks         int
	LeaseEnabled             bool
	LeaseTTL                 time.Duration

	// Notification dispatch
	SMSGatewayURL     string
	PushGatewayURL    string
	SMSTimeout        time.Duration
	MaxTrackedPerUser int

	// Secrets
	SecretsFile string

	// API surface
	APIListenAddr   string
	APIRateLimit    int // requests per minute per client IP
	CORSAllowOrigin string

	// Telemetry
	OTELEnabled    bool
	OTELExporter   string
	OTELEndpoint   string
	OTELSampleRate float64
	Environment    string
}

// Default returns the built-in defaults, matching the legacy deployment's
// constants where one existed.
func Default() Config {
	return Config{
		LogLevel:   "info",
		LogService: "reaper",

		DataDir: "/var/lib/reaper",

		StoreBackend: BackendBadger,
		RedisAddr:    "localhost:6379",

		OscarBaseURL:     "https://oscar.gatech.edu/pls/bprod/bwckschd.p_disp_detail_sched",
		Term:             "202508",
		FetchTimeout:     10 * time.Second,
		FetchConcurrency: 50,
		FetchRateLimit:   25,
		FetchRateBurst:   50,

		MaxRuntime:               780 * time.Second,
		BaseInterval:             15 * time.Second,
		FastInterval:             5 * time.Second,
		SlowInterval:             20 * time.Second,
		OpenCourseInterval:       30 * time.Second,
		ErrorSleep:               5 * time.Second,
		RecentlyChangedThreshold: 5,
		HighDemandMinUsers:       3,
		ColdClosedChecks:         15,
		LeaseEnabled:             true,
		LeaseTTL:                 60 * time.Second,

		SMSTimeout:        10 * time.Second,
		MaxTrackedPerUser: 5,

		APIListenAddr:   ":8080",
		APIRateLimit:    120,
		CORSAllowOrigin: "*",

		OTELExporter:   "http",
		OTELSampleRate: 0.1,
		Environment:    "production",
	}
}

// Validate checks the configuration for startup-blocking problems.
func (c Config) Validate() error {
	if !termRe.MatchString(c.Term) {
		return fmt.Errorf("term code %q is not a six-digit term", c.Term)
	}
	if c.OscarBaseURL == "" {
		return fmt.Errorf("registrar base URL is empty")
	}
	switch c.StoreBackend {
	case BackendBadger, BackendRedis, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.StoreBackend == BackendRedis && c.RedisAddr == "" {
		return fmt.Errorf("redis backend selected but no address configured")
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("fetch concurrency must be at least 1, got %d", c.FetchConcurrency)
	}
	for name, d := range map[string]time.Duration{
		"base interval":        c.BaseInterval,
		"fast interval":        c.FastInterval,
		"slow interval":        c.SlowInterval,
		"open course interval": c.OpenCourseInterval,
		"max runtime":          c.MaxRuntime,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.RecentlyChangedThreshold < 0 {
		return fmt.Errorf("recently-changed threshold must be non-negative")
	}
	if c.APIListenAddr == "" {
		return fmt.Errorf("API listen address is empty")
	}
	return nil
}
