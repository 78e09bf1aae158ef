// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional YAML overlay. Every field is a pointer so that
// absent keys leave the defaults untouched.
type fileConfig struct {
	LogLevel *string `yaml:"logLevel"`
	DataDir  *string `yaml:"dataDir"`

	Store *struct {
		Backend       *string `yaml:"backend"`
		RedisAddr     *string `yaml:"redisAddr"`
		RedisPassword *string `yaml:"redisPassword"`
		RedisDB       *int    `yaml:"redisDB"`
	} `yaml:"store"`

	Oscar *struct {
		BaseURL     *string  `yaml:"baseURL"`
		Term        *string  `yaml:"term"`
		Timeout     *string  `yaml:"timeout"`
		Concurrency *int     `yaml:"concurrency"`
		RateLimit   *float64 `yaml:"rateLimit"`
	} `yaml:"oscar"`

	Scheduler *struct {
		MaxRuntime               *string `yaml:"maxRuntime"`
		BaseInterval             *string `yaml:"baseInterval"`
		FastInterval             *string `yaml:"fastInterval"`
		SlowInterval             *string `yaml:"slowInterval"`
		OpenCourseInterval       *string `yaml:"openCourseInterval"`
		RecentlyChangedThreshold *int    `yaml:"recentlyChangedThreshold"`
	} `yaml:"scheduler"`

	SMS *struct {
		GatewayURL     *string `yaml:"gatewayURL"`
		PushGatewayURL *string `yaml:"pushGatewayURL"`
	} `yaml:"sms"`

	API *struct {
		ListenAddr *string `yaml:"listenAddr"`
		RateLimit  *int    `yaml:"rateLimit"`
	} `yaml:"api"`
}

// Load resolves the configuration: built-in defaults, then the optional YAML
// file at path (skipped when path is empty or missing), then environment
// variables, which always win.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.DataDir, fc.DataDir)
	if fc.Store != nil {
		setString(&cfg.StoreBackend, fc.Store.Backend)
		setString(&cfg.RedisAddr, fc.Store.RedisAddr)
		setString(&cfg.RedisPassword, fc.Store.RedisPassword)
		setInt(&cfg.RedisDB, fc.Store.RedisDB)
	}
	if fc.Oscar != nil {
		setString(&cfg.OscarBaseURL, fc.Oscar.BaseURL)
		setString(&cfg.Term, fc.Oscar.Term)
		setDuration(&cfg.FetchTimeout, fc.Oscar.Timeout)
		setInt(&cfg.FetchConcurrency, fc.Oscar.Concurrency)
		if fc.Oscar.RateLimit != nil {
			cfg.FetchRateLimit = *fc.Oscar.RateLimit
		}
	}
	if fc.Scheduler != nil {
		setDuration(&cfg.MaxRuntime, fc.Scheduler.MaxRuntime)
		setDuration(&cfg.BaseInterval, fc.Scheduler.BaseInterval)
		setDuration(&cfg.FastInterval, fc.Scheduler.FastInterval)
		setDuration(&cfg.SlowInterval, fc.Scheduler.SlowInterval)
		setDuration(&cfg.OpenCourseInterval, fc.Scheduler.OpenCourseInterval)
		setInt(&cfg.RecentlyChangedThreshold, fc.Scheduler.RecentlyChangedThreshold)
	}
	if fc.SMS != nil {
		setString(&cfg.SMSGatewayURL, fc.SMS.GatewayURL)
		setString(&cfg.PushGatewayURL, fc.SMS.PushGatewayURL)
	}
	if fc.API != nil {
		setString(&cfg.APIListenAddr, fc.API.ListenAddr)
		setInt(&cfg.APIRateLimit, fc.API.RateLimit)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = ParseString("REAPER_LOG_LEVEL", cfg.LogLevel)
	cfg.DataDir = ParseString("REAPER_DATA", cfg.DataDir)

	cfg.StoreBackend = ParseString("REAPER_STORE_BACKEND", cfg.StoreBackend)
	cfg.RedisAddr = ParseString("REAPER_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = ParseString("REAPER_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = ParseInt("REAPER_REDIS_DB", cfg.RedisDB)

	cfg.OscarBaseURL = ParseString("REAPER_OSCAR_URL", cfg.OscarBaseURL)
	cfg.Term = ParseString("REAPER_TERM", cfg.Term)
	cfg.FetchTimeout = ParseDuration("REAPER_FETCH_TIMEOUT", cfg.FetchTimeout)
	cfg.FetchConcurrency = ParseInt("REAPER_FETCH_CONCURRENCY", cfg.FetchConcurrency)
	cfg.FetchRateLimit = ParseFloat("REAPER_FETCH_RATE_LIMIT", cfg.FetchRateLimit)
	cfg.FetchRateBurst = ParseInt("REAPER_FETCH_RATE_BURST", cfg.FetchRateBurst)

	cfg.MaxRuntime = ParseDuration("REAPER_MAX_RUNTIME", cfg.MaxRuntime)
	cfg.BaseInterval = ParseDuration("REAPER_BASE_INTERVAL", cfg.BaseInterval)
	cfg.FastInterval = ParseDuration("REAPER_FAST_INTERVAL", cfg.FastInterval)
	cfg.SlowInterval = ParseDuration("REAPER_SLOW_INTERVAL", cfg.SlowInterval)
	cfg.OpenCourseInterval = ParseDuration("REAPER_OPEN_COURSE_INTERVAL", cfg.OpenCourseInterval)
	cfg.ErrorSleep = ParseDuration("REAPER_ERROR_SLEEP", cfg.ErrorSleep)
	cfg.RecentlyChangedThreshold = ParseInt("REAPER_RECENTLY_CHANGED_THRESHOLD", cfg.RecentlyChangedThreshold)
	cfg.HighDemandMinUsers = ParseInt("REAPER_HIGH_DEMAND_MIN_USERS", cfg.HighDemandMinUsers)
	cfg.ColdClosedChecks = ParseInt("REAPER_COLD_CLOSED_CHECKS", cfg.ColdClosedChecks)
	cfg.LeaseEnabled = ParseBool("REAPER_LEASE_ENABLED", cfg.LeaseEnabled)
	cfg.LeaseTTL = ParseDuration("REAPER_LEASE_TTL", cfg.LeaseTTL)

	cfg.SMSGatewayURL = ParseString("REAPER_SMS_GATEWAY_URL", cfg.SMSGatewayURL)
	cfg.PushGatewayURL = ParseString("REAPER_PUSH_GATEWAY_URL", cfg.PushGatewayURL)
	cfg.SMSTimeout = ParseDuration("REAPER_SMS_TIMEOUT", cfg.SMSTimeout)
	cfg.MaxTrackedPerUser = ParseInt("REAPER_MAX_TRACKED_PER_USER", cfg.MaxTrackedPerUser)

	cfg.SecretsFile = ParseString("REAPER_SECRETS_FILE", cfg.SecretsFile)

	cfg.APIListenAddr = ParseString("REAPER_LISTEN", cfg.APIListenAddr)
	cfg.APIRateLimit = ParseInt("REAPER_API_RATE_LIMIT", cfg.APIRateLimit)
	cfg.CORSAllowOrigin = ParseString("REAPER_CORS_ALLOW_ORIGIN", cfg.CORSAllowOrigin)

	cfg.OTELEnabled = ParseBool("REAPER_OTEL_ENABLED", cfg.OTELEnabled)
	cfg.OTELExporter = ParseString("REAPER_OTEL_EXPORTER", cfg.OTELExporter)
	cfg.OTELEndpoint = ParseString("REAPER_OTEL_ENDPOINT", cfg.OTELEndpoint)
	cfg.OTELSampleRate = ParseFloat("REAPER_OTEL_SAMPLE_RATE", cfg.OTELSampleRate)
	cfg.Environment = ParseString("REAPER_ENVIRONMENT", cfg.Environment)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string) {
	if src == nil || *src == "" {
		return
	}
	if d, err := time.ParseDuration(*src); err == nil {
		*dst = d
	}
}
