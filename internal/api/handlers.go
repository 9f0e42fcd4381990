package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/okvist/zet/internal/apperr"
	"github.com/okvist/zet/internal/index"
	"github.com/okvist/zet/internal/models"
	"github.com/okvist/zet/internal/sse"
	"github.com/okvist/zet/internal/zettel"
)

// Handler holds API route handlers.
type Handler struct {
	svc    *zettel.Service
	events *sse.Broker
}

// NewHandler creates a new Handler. events may be nil when no SSE stream is
// mounted.
func NewHandler(svc *zettel.Service, events *sse.Broker) *Handler {
	return &Handler{svc: svc, events: events}
}

// noteIdent extracts the note identifier from the URL (everything after the
// route prefix). Supports encoded slashes (e.g. topics%2Fnote.md).
func noteIdent(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// queryFromParams builds an index.Query from URL query parameters. tag may
// repeat; all predicates are ANDed.
func queryFromParams(v url.Values) (index.Query, error) {
	q := index.Query{
		Tags:          v["tag"],
		LinksTo:       v.Get("link"),
		TitleContains: v.Get("title"),
		WordContains:  v.Get("word"),
		DateField:     v.Get("field"),
	}
	parse := func(key string) (time.Time, error) {
		raw := v.Get(key)
		if raw == "" {
			return time.Time{}, nil
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, raw); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("invalid %s date: %q", key, raw)
	}
	var err error
	if q.From, err = parse("from"); err != nil {
		return q, err
	}
	if q.To, err = parse("to"); err != nil {
		return q, err
	}
	if (!q.From.IsZero() || !q.To.IsZero()) && q.DateField == "" {
		q.DateField = index.DateFieldModified
	}
	return q, nil
}

// ListNotes handles GET /api/notes. With no query parameters it lists the
// whole vault; tag, link, title, word, field, from and to narrow the result.
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	q, err := queryFromParams(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	notes, err := h.svc.Query(r.Context(), q)
	if err != nil {
		slog.Error("list notes failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if notes == nil {
		notes = []models.NoteSummary{}
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: notes, Total: len(notes)})
}

// GetNote handles GET /api/notes/*. The wildcard is a note identifier: id,
// path, stem or title.
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	ident := noteIdent(r)
	if ident == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("note identifier is required"))
		return
	}
	note, err := h.svc.GetNote(r.Context(), ident)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("get note failed", slog.String("ident", ident), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// Backlinks handles GET /api/backlinks/*. An unresolved identifier is not an
// error: dangling targets may still have inbound references.
func (h *Handler) Backlinks(w http.ResponseWriter, r *http.Request) {
	ident := noteIdent(r)
	if ident == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("note identifier is required"))
		return
	}
	bl, err := h.svc.Backlinks(r.Context(), ident)
	if err != nil {
		slog.Error("backlinks failed", slog.String("ident", ident), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if bl == nil {
		bl = []models.NoteSummary{}
	}
	writeJSON(w, http.StatusOK, BacklinksResponse{Target: ident, Backlinks: bl})
}

// Reindex handles POST /api/reindex. An empty body runs an incremental pass.
func (h *Handler) Reindex(w http.ResponseWriter, r *http.Request) {
	var req ReindexRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
			return
		}
	}
	report, err := h.svc.Reindex(r.Context(), req.Full)
	if err != nil {
		slog.Error("reindex failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, errorBody("reindex failed"))
		return
	}
	if h.events != nil {
		h.events.PublishSync(report.Scanned, report.Updated, report.Deleted, len(report.Failed))
	}
	writeJSON(w, http.StatusOK, ReindexResponse{Report: report})
}
