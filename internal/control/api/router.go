package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/oig-proxy/internal/logger"
)

// HealthProvider reports whether the proxy is ready to serve control
// requests. Implemented by *orchestrator.Orchestrator (wired later).
type HealthProvider interface {
	Healthy() (ok bool, detail string)
}

// NewRouter builds the chi router for the control HTTP wrapper: a health
// probe and the setting-write endpoint, both delegating to pipeline.
func NewRouter(pipeline Submitter, health HealthProvider) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	h := &handler{pipeline: pipeline, health: health}

	r.Get("/api/health", h.healthCheck)
	r.Post("/api/setting", h.postSetting)

	return r
}

// requestLogger logs every request at INFO, demoted to DEBUG for the
// health probe so supervisor polling doesn't flood the log.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		args := []any{
			logger.RequestID(requestID),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", duration.String(),
		}
		if r.URL.Path == "/api/health" {
			logger.Debug("control api request", args...)
		} else {
			logger.Info("control api request", args...)
		}
	})
}
