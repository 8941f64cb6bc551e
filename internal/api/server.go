// SPDX-License-Identifier: MIT

// Package api exposes the broker's HTTP surface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/robofleet/broker/internal/auth"
	"github.com/robofleet/broker/internal/broker"
	"github.com/robofleet/broker/internal/log"
	"github.com/robofleet/broker/internal/metrics"
)

// ReadyCheck verifies one downstream dependency for the readiness probe.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config holds the API server's own knobs.
type Config struct {
	RateLimitRPS   int
	RateLimitBurst int
}

// Server routes HTTP requests to the session lifecycle controller.
type Server struct {
	cfg      Config
	broker   *broker.Broker
	verifier auth.Verifier
	checks   []ReadyCheck
	logger   zerolog.Logger
}

// New creates an API server.
func New(cfg Config, b *broker.Broker, verifier auth.Verifier, checks []ReadyCheck) *Server {
	return &Server{
		cfg:      cfg,
		broker:   b,
		verifier: verifier,
		checks:   checks,
		logger:   log.WithComponent("api"),
	}
}

// Router assembles the canonical middleware stack and the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(recoverer)
	r.Use(requestID)
	r.Use(securityHeaders)
	r.Use(metrics.Middleware())
	r.Use(log.Middleware())
	if s.cfg.RateLimitRPS > 0 {
		burst := s.cfg.RateLimitBurst
		if burst < s.cfg.RateLimitRPS {
			burst = s.cfg.RateLimitRPS
		}
		r.Use(httprate.LimitByIP(burst, time.Second))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Route("/connections", func(r chi.Router) {
			r.Post("/", s.handleCreate)
			r.Get("/", s.handleListMine)
			r.Get("/{connectionID}", s.handleGet)
			r.Post("/{connectionID}/join", s.handleJoin)
			r.Post("/{connectionID}/close", s.handleClose)
		})
		r.Get("/robots/{robotID}/connections", s.handleGetByRobot)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, check := range s.checks {
		if err := check.Check(ctx); err != nil {
			s.logger.Warn().Err(err).Str("check", check.Name).Msg("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"check":  check.Name,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
