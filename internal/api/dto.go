package api

import (
	"github.com/okvist/zet/internal/index"
	"github.com/okvist/zet/internal/models"
	"github.com/okvist/zet/internal/zettel"
)

// NoteDetail is the full note response type (aliased from the domain layer).
type NoteDetail = zettel.NoteDetail

// NoteListResponse wraps note listings.
type NoteListResponse struct {
	Notes []models.NoteSummary `json:"notes"`
	Total int                  `json:"total"`
}

// BacklinksResponse wraps the inbound references of one note.
type BacklinksResponse struct {
	Target    string               `json:"target"`
	Backlinks []models.NoteSummary `json:"backlinks"`
}

// ReindexRequest is the request body for triggering a reindex pass.
type ReindexRequest struct {
	Full bool `json:"full"`
}

// ReindexResponse wraps the outcome of a reindex pass.
type ReindexResponse struct {
	Report index.Report `json:"report"`
}
