package index

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/okvist/zet/internal/apperr"
	"github.com/okvist/zet/internal/models"
)

// Date fields accepted by Query.DateField.
const (
	DateFieldCreated  = "created"
	DateFieldModified = "modified"
	DateFieldIndexed  = "indexed"
)

var dateColumns = map[string]string{
	DateFieldCreated:  "n.created_at",
	DateFieldModified: "n.modified_at",
	DateFieldIndexed:  "n.indexed_at",
}

// Query is a conjunction of structural predicates. The zero value matches
// every note. A predicate that matches nothing is not an error; the result
// set is simply empty.
type Query struct {
	Tags          []string  // every listed tag must be present (exact match)
	LinksTo       string    // note identifier or raw reference the note must link to
	TitleContains string    // case-insensitive substring of the title
	WordContains  string    // case-insensitive substring of body or title; O(n) scan
	DateField     string    // one of the DateField constants; required when From/To set
	From, To      time.Time // inclusive bounds; zero value leaves the bound open
}

// Find returns the notes matching every predicate of q, deduplicated and
// ordered by path ascending regardless of which predicate matched.
func (db *DB) Find(q Query) ([]models.NoteSummary, error) {
	var where []string
	var args []any

	for _, tag := range q.Tags {
		where = append(where, `EXISTS (SELECT 1 FROM tags t WHERE t.note_id = n.id AND t.tag = ?)`)
		args = append(args, strings.ToLower(strings.TrimSpace(tag)))
	}

	if q.LinksTo != "" {
		refs, err := db.targetRefs(q.LinksTo)
		if err != nil {
			return nil, err
		}
		where = append(where, `EXISTS (SELECT 1 FROM links l WHERE l.source = n.id AND l.target IN (`+placeholders(len(refs))+`))`)
		for _, r := range refs {
			args = append(args, r)
		}
	}

	if q.TitleContains != "" {
		where = append(where, `instr(lower(n.title), lower(?)) > 0`)
		args = append(args, q.TitleContains)
	}

	if q.WordContains != "" {
		// Unindexed scan over stored content; ranked search is out of scope.
		where = append(where, `(instr(lower(n.body), lower(?)) > 0 OR instr(lower(n.title), lower(?)) > 0)`)
		args = append(args, q.WordContains, q.WordContains)
	}

	if !q.From.IsZero() || !q.To.IsZero() {
		col, ok := dateColumns[q.DateField]
		if !ok {
			return nil, fmt.Errorf("index: unknown date field %q", q.DateField)
		}
		if !q.From.IsZero() {
			where = append(where, col+` >= ?`)
			args = append(args, q.From)
		}
		if !q.To.IsZero() {
			where = append(where, col+` <= ?`)
			args = append(args, q.To)
		}
	}

	query := `SELECT n.id, n.path, n.title, n.modified_at FROM notes n`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY n.path ASC`

	return db.summaries(query, args...)
}

// Backlinks returns every note whose stored outgoing edges reference the
// note named by ident, ordered by path. An identifier that resolves to no
// indexed note is matched as a raw reference, so backlinks of a note that
// does not exist yet (dangling targets) are still visible.
func (db *DB) Backlinks(ident string) ([]models.NoteSummary, error) {
	refs, err := db.targetRefs(ident)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT DISTINCT n.id, n.path, n.title, n.modified_at
		FROM notes n
		JOIN links l ON l.source = n.id
		WHERE l.target IN (` + placeholders(len(refs)) + `)
		ORDER BY n.path ASC`
	args := make([]any, len(refs))
	for i, r := range refs {
		args[i] = r
	}
	return db.summaries(query, args...)
}

// targetRefs expands a note identifier into the set of reference forms an
// edge pointing at that note may carry. Resolution happens at query time;
// nothing about edge liveness is persisted.
func (db *DB) targetRefs(ident string) ([]string, error) {
	n, err := db.Resolve(ident)
	if err == nil {
		return refsFor(n), nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	// Unresolved target: match the raw reference and its obvious variants.
	return dedup([]string{ident, trimMD(ident), ident + ".md"}), nil
}

func (db *DB) summaries(query string, args ...any) ([]models.NoteSummary, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: query notes: %w", translateErr(err))
	}
	defer rows.Close()

	var out []models.NoteSummary
	ids := make([]any, 0)
	for rows.Next() {
		var s models.NoteSummary
		if err := rows.Scan(&s.ID, &s.Path, &s.Title, &s.ModifiedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
		ids = append(ids, s.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	// Attach tags in one pass.
	tagRows, err := db.conn.Query(
		`SELECT note_id, tag FROM tags WHERE note_id IN (`+placeholders(len(ids))+`) ORDER BY rowid`, ids...)
	if err != nil {
		return nil, fmt.Errorf("index: query tags: %w", translateErr(err))
	}
	defer tagRows.Close()

	byID := make(map[string][]string)
	for tagRows.Next() {
		var id, tag string
		if err := tagRows.Scan(&id, &tag); err != nil {
			return nil, err
		}
		byID[id] = append(byID[id], tag)
	}
	if err := tagRows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Tags = byID[out[i].ID]
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
