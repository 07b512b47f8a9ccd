// Package api exposes the converter over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical/pdf-ocr/internal/config"
	"github.com/spherical/pdf-ocr/internal/domain"
	"github.com/spherical/pdf-ocr/internal/observability"
	"github.com/spherical/pdf-ocr/internal/storage"
)

// Service is what the HTTP layer needs from the converter.
type Service interface {
	Convert(ctx context.Context, name string, data []byte, eventCh chan<- domain.StreamEvent) (*domain.Document, error)
	Run(ctx context.Context, id string) (*storage.Run, error)
}

// NewRouter creates the API router with all routes configured.
func NewRouter(logger *observability.Logger, svc Service, cfg config.ServerConfig) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"pdf-ocr"}`))
	})

	h := NewHandler(logger, svc, cfg.MaxUploadMB<<20)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/convert", h.Convert)
		r.With(chimiddleware.Timeout(30*time.Second)).Get("/runs/{id}", h.GetRun)
	})

	return r
}

// requestLogger logs one line per request and tags the request context with
// its request id so pipeline logs can be correlated.
func requestLogger(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			ctx := r.Context()
			if id := chimiddleware.GetReqID(ctx); id != "" {
				ctx = observability.ContextWithTraceID(ctx, id)
			}

			next.ServeHTTP(ww, r.WithContext(ctx))

			logger.WithContext(ctx).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("Request handled")
		})
	}
}
