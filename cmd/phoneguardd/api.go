package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"phoneguard/internal/logging"
	"phoneguard/internal/violation"
)

// violationsResponse is the body of GET /v1/violations.
type violationsResponse struct {
	SessionID  string            `json:"sessionId,omitempty"`
	Violations []violation.Event `json:"violations"`
}

// Router builds the daemon's HTTP surface.
func (d *Daemon) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(d.requestLogger)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", d.health.HealthHandler().ServeHTTP)
	r.Get("/readyz", d.health.ReadinessHandler().ServeHTTP)
	r.Get("/livez", d.health.LivenessHandler().ServeHTTP)

	if d.cfg.Metrics.Enabled {
		r.Handle(d.cfg.Metrics.Path, d.registry.HTTPHandler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", d.handleStatus)
		r.Get("/violations", d.handleViolations)
	})

	if d.websocket != nil {
		r.Get(d.cfg.Capture.WebSocket.Path, d.websocket.ServeHTTP)
	}
	return r
}

func (d *Daemon) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.monitor.Status())
}

func (d *Daemon) handleViolations(w http.ResponseWriter, _ *http.Request) {
	sessionID, violations := d.monitor.SessionViolations()
	writeJSON(w, http.StatusOK, violationsResponse{
		SessionID:  sessionID,
		Violations: violations,
	})
}

// requestLogger carries chi's request id into the request context and logs
// each request at debug.
func (d *Daemon) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.ContextWithRequestID(r.Context(), chiMiddleware.GetReqID(r.Context()))
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		d.log.WithContext(ctx).Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
