// SPDX-License-Identifier: MIT

// Package api is the request-handling surface: tracked-CRN CRUD, contact
// registration, and the operational probes.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/R0M-GH/reapergt-app/internal/config"
	"github.com/R0M-GH/reapergt-app/internal/health"
	"github.com/R0M-GH/reapergt-app/internal/log"
	"github.com/R0M-GH/reapergt-app/internal/oscar"
	"github.com/R0M-GH/reapergt-app/internal/store"
)

// RegistrarProbe is the single-CRN fetch seam, satisfied by *oscar.Client.
type RegistrarProbe interface {
	Fetch(ctx context.Context, crn string) (*oscar.Observation, error)
}

// Server holds the API dependencies.
type Server struct {
	cfg       config.Config
	store     store.Store
	registrar RegistrarProbe
	health    *health.Manager
	subjects  SubjectExtractor
	log       zerolog.Logger
}

// NewServer wires the API server. A nil subjects falls back to unverified
// JWT-claims extraction.
func NewServer(cfg config.Config, s store.Store, registrar RegistrarProbe, hm *health.Manager, subjects SubjectExtractor) *Server {
	if subjects == nil {
		subjects = ClaimsSubjectExtractor{}
	}
	return &Server{
		cfg:       cfg,
		store:     s,
		registrar: registrar,
		health:    hm,
		subjects:  subjects,
		log:       log.WithComponent("api"),
	}
}

// Router builds the chi router with the canonical middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(requestID)
	r.Use(s.cors)
	r.Use(s.requestLogger)
	if s.cfg.APIRateLimit > 0 {
		r.Use(httprate.LimitByIP(s.cfg.APIRateLimit, time.Minute))
	}

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/crn/{crn}", s.handleCourseInfo)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSubject)
			r.Get("/crns", s.handleListTracked)
			r.Post("/crns", s.handleTrack)
			r.Delete("/crns/{crn}", s.handleUntrack)
			r.Post("/register-phone", s.handleRegisterPhone)
			r.Post("/register-push", s.handleRegisterPush)
		})
	})

	return r
}

// requestID stamps every request with a correlation id, honoring one sent by
// the caller.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Info().
			Str("event", "http.request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

type ctxKey int

const subjectKey ctxKey = iota

// requireSubject rejects requests without a resolvable user identity.
func (s *Server) requireSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, err := s.subjects.Subject(r)
		if err != nil {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey, sub)))
	})
}

func subjectFrom(r *http.Request) string {
	sub, _ := r.Context().Value(subjectKey).(string)
	return sub
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeUnauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "unauthorized")
}
