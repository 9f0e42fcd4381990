package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/okvist/zet/internal/sse"
	"github.com/okvist/zet/internal/zettel"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// events, if non-nil, is mounted at GET /events inside the auth group and
// receives index.synced events from the reindex endpoint.
func NewRouter(svc *zettel.Service, authEnabled bool, token string, events *sse.Broker) chi.Router {
	h := NewHandler(svc, events)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Read-only query surface.
	r.Get("/notes", h.ListNotes)
	r.Get("/notes/*", h.GetNote)
	r.Get("/backlinks/*", h.Backlinks)

	// Cache maintenance.
	r.Post("/reindex", h.Reindex)

	// SSE endpoint (protected by same auth middleware).
	if events != nil {
		r.Get("/events", events.ServeHTTP)
	}

	return r
}
