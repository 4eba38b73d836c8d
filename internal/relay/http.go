package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"proctord/internal/health"
	"proctord/internal/metrics"
	"proctord/internal/store"
)

// RegisterHealth adds the relay's checks to hc.
func (s *Server) RegisterHealth(hc *health.Checker) {
	hc.RegisterFunc("store", true, health.PingCheck("store", s.store.DB().PingContext))
	hc.RegisterFunc("schema", false, health.FuncCheck(func() error {
		return store.ValidateSchema(s.store.DB())
	}))
	hc.RegisterFunc("listener", true, func(ctx context.Context) health.CheckResult {
		addr := s.Addr()
		if addr == nil || !s.running.Load() {
			return health.CheckResult{Status: health.StatusUnhealthy, Message: "not listening"}
		}
		s.mu.RLock()
		online, teachers := len(s.students), len(s.teachers)
		s.mu.RUnlock()
		return health.CheckResult{
			Status:  health.StatusHealthy,
			Message: "listening",
			Details: map[string]any{"address": addr.String(), "students": online, "teachers": teachers},
		}
	})
}

// HTTPHandler serves operator endpoints: Prometheus metrics, health, and
// read-only JSON views of open sessions and of one session's history.
func (s *Server) HTTPHandler(reg *metrics.Registry, hc *health.Checker) http.Handler {
	mux := http.NewServeMux()
	if reg != nil {
		mux.Handle("GET /metrics", reg.HTTPHandler())
	}
	if hc != nil {
		mux.Handle("GET /healthz", hc.Handler())
		mux.Handle("GET /livez", hc.LivenessHandler())
		mux.Handle("GET /readyz", hc.ReadinessHandler())
	}
	mux.HandleFunc("GET /students", func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.snapshot()
		if err != nil {
			s.logger.Error("students endpoint", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	})
	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		d, err := s.SessionDetail(r.PathValue("id"))
		if err != nil {
			s.logger.Error("session endpoint", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if d == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(d)
	})
	return mux
}

// ServeHTTP runs srv until it is shut down.
func ServeHTTP(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
