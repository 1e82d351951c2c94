// Package httpapi exposes the engine's outer-tool operations (execute,
// resume, list, validate, approvals, approve, deny, cancel) over HTTP, the
// optional surface a deployment can run instead of (or alongside) the
// cmd/recipectl CLI. Grounded on the teacher's internal/api/router.go: a
// chi router, the same global middleware stack, and a permissive CORS
// default — scoped down to only the eight operations this engine owns.
package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/recipeforge/recipeforge/internal/config"
)

// NewRouter builds the HTTP handler for h, configured from cfg.
func NewRouter(cfg *config.Config, h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(zerologMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   parseCORSOrigins(),
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/recipes", func(r chi.Router) {
			r.Post("/validate", h.Validate)
			r.Post("/execute", h.Execute)
			r.Get("/sessions", h.List)
			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Post("/resume", h.Resume)
				r.Post("/cancel", h.Cancel)
			})
		})
		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", h.Approvals)
			r.Post("/{sessionID}/{stageName}/approve", h.Approve)
			r.Post("/{sessionID}/{stageName}/deny", h.Deny)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "recipeforge"})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"version": cfg.Version, "service": "recipeforge"})
	}
}

// parseCORSOrigins reads allowed CORS origins from the environment,
// defaulting to wildcard read access (credentials are never allowed here).
func parseCORSOrigins() []string {
	raw := os.Getenv("RECIPES_CORS_ORIGINS")
	if raw == "" {
		return []string{"*"}
	}
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
