package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/sofer/internal/engine"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *engine.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Node tree.
	r.Get("/nodes", h.ListRoots)
	r.Post("/nodes", h.CreateNode)
	r.Get("/nodes/{id}", h.GetNode)
	r.Delete("/nodes/{id}", h.DeleteNode)
	r.Post("/nodes/{id}/move", h.MoveNode)
	r.Put("/nodes/{id}/text", h.SetText)
	r.Put("/nodes/{id}/fields/{key}", h.SetField)
	r.Delete("/nodes/{id}/fields/{key}", h.RemoveField)
	r.Get("/nodes/{id}/children", h.Children)

	// Dependency diagnostics.
	r.Get("/nodes/{id}/dependents", h.Dependents)
	r.Get("/nodes/{id}/reads", h.Reads)

	// Evaluation.
	r.Post("/evaluate", h.Evaluate)

	// Templates.
	r.Get("/templates", h.ListTemplates)
	r.Post("/templates", h.RegisterTemplate)
	r.Post("/templates/{id}/expand", h.ExpandTemplate)
	r.Post("/nodes/{id}/template/{template}", h.ApplyTemplate)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
