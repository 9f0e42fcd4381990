package index

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/okvist/zet/internal/apperr"
	"github.com/okvist/zet/internal/models"
	"github.com/okvist/zet/internal/parser"
)

// NoteRow is the metadata half of a note record; body, tags and links travel
// alongside it through UpsertNote.
type NoteRow struct {
	ID         string
	Path       string
	Title      string
	Checksum   string
	Size       int64
	CreatedAt  time.Time
	ModifiedAt time.Time
	IndexedAt  time.Time
}

// Signature is the stored staleness signal for one path. The reindexer
// compares it against fresh stat metadata before deciding to read, and
// against a fresh content hash before deciding to parse.
type Signature struct {
	ID       string
	Checksum string
	Size     int64
	ModTime  time.Time
}

// UpsertNote inserts or replaces a note record together with its tag
// associations and outgoing link edges in one transaction. Concurrent
// readers never observe updated metadata with stale tags or edges. A known
// id arriving under a new path updates the path in place: path is mutable
// metadata, so backlinks referencing the id survive renames.
func (db *DB) UpsertNote(row NoteRow, body string, tags, links []string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", translateErr(err))
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, err = tx.Exec(`
		INSERT INTO notes (id, path, title, checksum, body, size, created_at, modified_at, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path        = excluded.path,
			title       = excluded.title,
			checksum    = excluded.checksum,
			body        = excluded.body,
			size        = excluded.size,
			created_at  = excluded.created_at,
			modified_at = excluded.modified_at,
			indexed_at  = excluded.indexed_at
	`, row.ID, row.Path, row.Title, row.Checksum, body, row.Size, row.CreatedAt, row.ModifiedAt, row.IndexedAt)
	if err != nil {
		return fmt.Errorf("index: upsert note %s: %w", row.Path, translateErr(err))
	}

	// Tag associations and edges are derived data: fully replaced on every
	// reindex of their source note.
	if _, err := tx.Exec(`DELETE FROM tags WHERE note_id = ?`, row.ID); err != nil {
		return fmt.Errorf("index: clear tags: %w", translateErr(err))
	}
	if len(tags) > 0 {
		stmt, err := tx.Prepare(`INSERT OR IGNORE INTO tags (note_id, tag) VALUES (?, ?)`)
		if err != nil {
			return fmt.Errorf("index: prepare tag insert: %w", translateErr(err))
		}
		defer stmt.Close()
		for _, tag := range tags {
			if _, err := stmt.Exec(row.ID, tag); err != nil {
				return fmt.Errorf("index: insert tag: %w", translateErr(err))
			}
		}
	}

	if _, err := tx.Exec(`DELETE FROM links WHERE source = ?`, row.ID); err != nil {
		return fmt.Errorf("index: clear links: %w", translateErr(err))
	}
	if len(links) > 0 {
		stmt, err := tx.Prepare(`INSERT OR IGNORE INTO links (source, target) VALUES (?, ?)`)
		if err != nil {
			return fmt.Errorf("index: prepare link insert: %w", translateErr(err))
		}
		defer stmt.Close()
		for _, target := range links {
			if _, err := stmt.Exec(row.ID, target); err != nil {
				return fmt.Errorf("index: insert link: %w", translateErr(err))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit upsert %s: %w", row.Path, translateErr(err))
	}
	return nil
}

// TouchNote refreshes the modified/indexed timestamps for a path whose
// content hash is unchanged. No parse, no tag or edge churn.
func (db *DB) TouchNote(path string, modified, indexed time.Time) error {
	res, err := db.conn.Exec(`UPDATE notes SET modified_at = ?, indexed_at = ? WHERE path = ?`, modified, indexed, path)
	if err != nil {
		return fmt.Errorf("index: touch %s: %w", path, translateErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("index: touch %s: %w", path, apperr.ErrNotFound)
	}
	return nil
}

// DeleteNote removes a note record, its tag associations and its outgoing
// edges in one transaction. Incoming edges from other notes are left in
// place and become dangling: the linking notes' own records stay intact.
func (db *DB) DeleteNote(id string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", translateErr(err))
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM tags WHERE note_id = ?`, id); err != nil {
		return fmt.Errorf("index: delete tags: %w", translateErr(err))
	}
	if _, err := tx.Exec(`DELETE FROM links WHERE source = ?`, id); err != nil {
		return fmt.Errorf("index: delete links: %w", translateErr(err))
	}
	if _, err := tx.Exec(`DELETE FROM notes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("index: delete note: %w", translateErr(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit delete %s: %w", id, translateErr(err))
	}
	return nil
}

// DeleteByPath removes the note stored at path, if any.
func (db *DB) DeleteByPath(path string) error {
	var id string
	err := db.conn.QueryRow(`SELECT id FROM notes WHERE path = ?`, path).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("index: lookup %s: %w", path, translateErr(err))
	}
	return db.DeleteNote(id)
}

// GetByID returns the full note record for id, without backlinks.
func (db *DB) GetByID(id string) (*models.Note, error) {
	return db.getNote(`id = ?`, id)
}

// GetByPath returns the full note record stored at path.
func (db *DB) GetByPath(path string) (*models.Note, error) {
	return db.getNote(`path = ?`, path)
}

// Resolve maps a note identifier to its record, trying id, exact path, path
// with an implied .md extension, path stem, and finally exact title.
func (db *DB) Resolve(ident string) (*models.Note, error) {
	for _, attempt := range []struct{ where string; arg any }{
		{`id = ?`, ident},
		{`path = ?`, ident},
		{`path = ?`, ident + ".md"},
		{`path LIKE '%' || ? || '.md'`, "/" + ident},
		{`title = ?`, ident},
	} {
		n, err := db.getNote(attempt.where, attempt.arg)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("index: resolve %q: %w", ident, apperr.ErrNotFound)
}

func (db *DB) getNote(where string, arg any) (*models.Note, error) {
	var n models.Note
	err := db.conn.QueryRow(`
		SELECT id, path, title, checksum, created_at, modified_at, indexed_at
		FROM notes WHERE `+where, arg).
		Scan(&n.ID, &n.Path, &n.Title, &n.Checksum, &n.CreatedAt, &n.ModifiedAt, &n.IndexedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("index: get note: %w", translateErr(err))
	}

	if n.Tags, err = db.stringColumn(`SELECT tag FROM tags WHERE note_id = ? ORDER BY rowid`, n.ID); err != nil {
		return nil, err
	}
	if n.Links, err = db.stringColumn(`SELECT target FROM links WHERE source = ? ORDER BY rowid`, n.ID); err != nil {
		return nil, err
	}
	return &n, nil
}

// AllSignatures returns the staleness signature for every stored path.
func (db *DB) AllSignatures() (map[string]Signature, error) {
	rows, err := db.conn.Query(`SELECT path, id, checksum, size, modified_at FROM notes`)
	if err != nil {
		return nil, fmt.Errorf("index: all signatures: %w", translateErr(err))
	}
	defer rows.Close()

	out := make(map[string]Signature)
	for rows.Next() {
		var path string
		var sig Signature
		if err := rows.Scan(&path, &sig.ID, &sig.Checksum, &sig.Size, &sig.ModTime); err != nil {
			return nil, err
		}
		out[path] = sig
	}
	return out, rows.Err()
}

// AllPaths returns every stored note path.
func (db *DB) AllPaths() (map[string]struct{}, error) {
	paths, err := db.stringColumn(`SELECT path FROM notes`)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		out[p] = struct{}{}
	}
	return out, nil
}

func (db *DB) stringColumn(query string, args ...any) ([]string, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: query: %w", translateErr(err))
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// refsFor returns every reference form under which edges may point at a
// note: its id, its path, the path with the extension stripped, the bare
// stem, and its title. Backlink and link-target queries resolve against
// this set at query time, which is what turns a dangling edge live the
// moment its target appears, with no stored resolution flag.
func refsFor(n *models.Note) []string {
	refs := []string{n.ID, n.Path}
	if trimmed := trimMD(n.Path); trimmed != n.Path {
		refs = append(refs, trimmed)
	}
	if stem := parser.Stem(n.Path); stem != n.ID {
		refs = append(refs, stem)
	}
	if n.Title != "" {
		refs = append(refs, n.Title)
	}
	return dedup(refs)
}

func trimMD(s string) string {
	if len(s) > 3 && s[len(s)-3:] == ".md" {
		return s[:len(s)-3]
	}
	return s
}

func dedup(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
