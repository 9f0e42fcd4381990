// Package zettel coordinates the vault storage, the cache store, and the
// query surface behind one service type that every front end (CLI, HTTP,
// MCP) talks to.
package zettel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/okvist/zet/internal/apperr"
	"github.com/okvist/zet/internal/index"
	"github.com/okvist/zet/internal/models"
	"github.com/okvist/zet/internal/storage"
)

// NoteDetail is the full representation of a note: the indexed record plus
// raw content and resolved backlinks.
type NoteDetail struct {
	models.Note
	Content   string               `json:"content,omitempty"`
	Backlinks []models.NoteSummary `json:"backlinks"`
}

// Service coordinates storage and cache operations.
type Service struct {
	store   storage.Provider
	db      *index.DB
	logger  *slog.Logger
	workers int
}

// NewService creates a new note service. workers bounds reindex parallelism;
// zero uses the runtime default.
func NewService(store storage.Provider, db *index.DB, logger *slog.Logger, workers int) *Service {
	return &Service{store: store, db: db, logger: logger, workers: workers}
}

// DB exposes the underlying cache store for watcher wiring.
func (s *Service) DB() *index.DB {
	return s.db
}

// Store exposes the underlying vault storage for watcher wiring.
func (s *Service) Store() storage.Provider {
	return s.store
}

// Reindex reconciles the cache with the vault. full bypasses the staleness
// checks and reparses every note.
func (s *Service) Reindex(ctx context.Context, full bool) (index.Report, error) {
	return index.Sync(ctx, s.db, s.store, s.logger, index.Options{Full: full, Workers: s.workers})
}

// Query returns the notes matching every predicate of q, ordered by path.
func (s *Service) Query(_ context.Context, q index.Query) ([]models.NoteSummary, error) {
	return s.db.Find(q)
}

// List returns every indexed note, ordered by path.
func (s *Service) List(ctx context.Context) ([]models.NoteSummary, error) {
	return s.Query(ctx, index.Query{})
}

// Backlinks returns the notes whose outgoing edges reference the note named
// by ident, in path order.
func (s *Service) Backlinks(_ context.Context, ident string) ([]models.NoteSummary, error) {
	return s.db.Backlinks(ident)
}

// GetNote resolves ident to an indexed note and enriches it with raw content
// and backlinks. A note whose backing file vanished since the last reindex
// still returns its indexed record, with empty content.
func (s *Service) GetNote(_ context.Context, ident string) (*NoteDetail, error) {
	n, err := s.db.Resolve(ident)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("note %q: %w", ident, apperr.ErrNotFound)
		}
		return nil, err
	}

	detail := &NoteDetail{Note: *n, Backlinks: []models.NoteSummary{}}

	data, err := s.store.Read(n.Path)
	if err == nil {
		detail.Content = string(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	bl, err := s.db.Backlinks(n.ID)
	if err != nil {
		return nil, err
	}
	if bl != nil {
		detail.Backlinks = bl
	}
	return detail, nil
}
