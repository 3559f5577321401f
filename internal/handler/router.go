package handler

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/scratcha/scratcha/internal/transport"
)

// NewRouter mounts the ingest routes.
func NewRouter(h *HTTPHandler, allowedOrigins []string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(CORSMiddleware(allowedOrigins))

	r.Get("/health", HealthCheck)
	r.Post(transport.ChunkPath, h.HandleChunk)
	return r
}
