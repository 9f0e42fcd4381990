package index

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okvist/zet/internal/apperr"
	"github.com/okvist/zet/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testVault(t *testing.T) (*storage.FS, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return store, dir
}

func writeNote(t *testing.T, dir, rel, content string) {
	t.Helper()
	abs := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSyncInitialPass(t *testing.T) {
	db := testDB(t)
	store, dir := testVault(t)
	writeNote(t, dir, "a.md", "---\nid: alpha\ntags: [go]\n---\n# Alpha\nlinks [[beta]]")
	writeNote(t, dir, "sub/b.md", "# Beta\nplain note")

	rep, err := Sync(context.Background(), db, store, discardLogger(), Options{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if rep.Scanned != 2 || rep.Updated != 2 || rep.Deleted != 0 || len(rep.Failed) != 0 {
		t.Fatalf("report = %+v", rep)
	}

	n, err := db.GetByID("alpha")
	if err != nil {
		t.Fatalf("GetByID(alpha): %v", err)
	}
	if n.Path != "a.md" || len(n.Tags) != 1 || n.Tags[0] != "go" {
		t.Errorf("alpha = %+v", n)
	}
	// b.md has no embedded id; the stem becomes one.
	if _, err := db.GetByID("b"); err != nil {
		t.Errorf("GetByID(b): %v", err)
	}
}

func TestSyncIdempotent(t *testing.T) {
	db := testDB(t)
	store, dir := testVault(t)
	writeNote(t, dir, "a.md", "# One")
	writeNote(t, dir, "b.md", "# Two")

	if _, err := Sync(context.Background(), db, store, discardLogger(), Options{}); err != nil {
		t.Fatal(err)
	}

	var parses atomic.Int64
	rep, err := Sync(context.Background(), db, store, discardLogger(), Options{
		OnParse: func(string) { parses.Add(1) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Updated != 0 || rep.Deleted != 0 || len(rep.Failed) != 0 {
		t.Errorf("second pass report = %+v, want all zero", rep)
	}
	if n := parses.Load(); n != 0 {
		t.Errorf("second pass parsed %d files, want 0", n)
	}
}

func TestSyncDetectsContentChange(t *testing.T) {
	db := testDB(t)
	store, dir := testVault(t)
	writeNote(t, dir, "a.md", "# Old Title")
	if _, err := Sync(context.Background(), db, store, discardLogger(), Options{}); err != nil {
		t.Fatal(err)
	}

	// Backdate-proof: rewrite with different content and a bumped mtime.
	writeNote(t, dir, "a.md", "# New Title with more words")
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(filepath.Join(dir, "a.md"), future, future); err != nil {
		t.Fatal(err)
	}

	rep, err := Sync(context.Background(), db, store, discardLogger(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Updated != 1 {
		t.Fatalf("report = %+v, want 1 update", rep)
	}
	n, _ := db.GetByID("a")
	if n.Title != "New Title with more words" {
		t.Errorf("title = %q", n.Title)
	}
}

func TestSyncTouchWithoutParse(t *testing.T) {
	db := testDB(t)
	store, dir := testVault(t)
	writeNote(t, dir, "a.md", "# Same Content")
	if _, err := Sync(context.Background(), db, store, discardLogger(), Options{}); err != nil {
		t.Fatal(err)
	}

	// mtime changes, bytes do not: the file is read and hashed but never
	// parsed, and the pass still counts it updated.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(filepath.Join(dir, "a.md"), future, future); err != nil {
		t.Fatal(err)
	}

	var parses atomic.Int64
	rep, err := Sync(context.Background(), db, store, discardLogger(), Options{
		OnParse: func(string) { parses.Add(1) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Updated != 1 {
		t.Errorf("report = %+v, want 1 update", rep)
	}
	if n := parses.Load(); n != 0 {
		t.Errorf("touch pass parsed %d files, want 0", n)
	}
}

func TestSyncFullReparsesEverything(t *testing.T) {
	db := testDB(t)
	store, dir := testVault(t)
	writeNote(t, dir, "a.md", "# One")
	writeNote(t, dir, "b.md", "# Two")
	if _, err := Sync(context.Background(), db, store, discardLogger(), Options{}); err != nil {
		t.Fatal(err)
	}

	var parses atomic.Int64
	rep, err := Sync(context.Background(), db, store, discardLogger(), Options{
		Full:    true,
		OnParse: func(string) { parses.Add(1) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Updated != 2 {
		t.Errorf("full report = %+v, want 2 updates", rep)
	}
	if n := parses.Load(); n != 2 {
		t.Errorf("full pass parsed %d files, want 2", n)
	}
}

func TestSyncPartialFailure(t *testing.T) {
	db := testDB(t)
	store, dir := testVault(t)
	for _, name := range []string{"a.md", "b.md", "c.md", "d.md"} {
		writeNote(t, dir, name, "# "+name)
	}
	// Invalid UTF-8 fails the parse for this one file only.
	writeNote(t, dir, "bad.md", "broken \xff\xfe bytes")

	rep, err := Sync(context.Background(), db, store, discardLogger(), Options{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if rep.Scanned != 5 || rep.Updated != 4 {
		t.Errorf("report = %+v, want scanned 5 updated 4", rep)
	}
	if len(rep.Failed) != 1 || rep.Failed[0].Path != "bad.md" {
		t.Fatalf("failed = %+v, want bad.md", rep.Failed)
	}
	if !strings.Contains(rep.Failed[0].Reason, "UTF-8") {
		t.Errorf("reason = %q", rep.Failed[0].Reason)
	}
}

func TestSyncDeletionPass(t *testing.T) {
	db := testDB(t)
	store, dir := testVault(t)
	writeNote(t, dir, "keep.md", "# Keep")
	writeNote(t, dir, "drop.md", "# Drop")
	if _, err := Sync(context.Background(), db, store, discardLogger(), Options{}); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(dir, "drop.md")); err != nil {
		t.Fatal(err)
	}
	rep, err := Sync(context.Background(), db, store, discardLogger(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Deleted != 1 {
		t.Fatalf("report = %+v, want 1 deletion", rep)
	}
	if _, err := db.GetByPath("drop.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("drop.md survived: %v", err)
	}
	if _, err := db.GetByPath("keep.md"); err != nil {
		t.Errorf("keep.md lost: %v", err)
	}
}

func TestSyncRenameKeepsBacklinks(t *testing.T) {
	db := testDB(t)
	store, dir := testVault(t)
	writeNote(t, dir, "target.md", "---\nid: t1\n---\n# Target")
	writeNote(t, dir, "fan.md", "see [[t1]]")
	if _, err := Sync(context.Background(), db, store, discardLogger(), Options{}); err != nil {
		t.Fatal(err)
	}

	// Move the file; the embedded id stays.
	if err := os.Rename(filepath.Join(dir, "target.md"), filepath.Join(dir, "renamed.md")); err != nil {
		t.Fatal(err)
	}
	rep, err := Sync(context.Background(), db, store, discardLogger(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	// The record moved in place, nothing was deleted.
	if rep.Deleted != 0 {
		t.Errorf("report = %+v, want no deletions on rename", rep)
	}

	n, err := db.GetByID("t1")
	if err != nil {
		t.Fatal(err)
	}
	if n.Path != "renamed.md" {
		t.Errorf("path = %q, want renamed.md", n.Path)
	}
	bl, err := db.Backlinks("t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(bl) != 1 || bl[0].Path != "fan.md" {
		t.Errorf("backlinks after rename = %+v", bl)
	}
}

func TestSyncDuplicateIDFailsSecondNote(t *testing.T) {
	db := testDB(t)
	store, dir := testVault(t)
	writeNote(t, dir, "one.md", "---\nid: dup\n---\n# One")
	writeNote(t, dir, "two.md", "---\nid: dup\n---\n# Two")

	rep, err := Sync(context.Background(), db, store, discardLogger(), Options{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if rep.Updated != 1 || len(rep.Failed) != 1 {
		t.Fatalf("report = %+v, want 1 updated 1 failed", rep)
	}
	if !strings.Contains(rep.Failed[0].Reason, "dup") {
		t.Errorf("reason = %q", rep.Failed[0].Reason)
	}
	// Exactly one record exists under the contested id.
	if _, err := db.GetByID("dup"); err != nil {
		t.Errorf("GetByID(dup): %v", err)
	}
}

func TestSyncIDEditedInPlace(t *testing.T) {
	db := testDB(t)
	store, dir := testVault(t)
	writeNote(t, dir, "a.md", "---\nid: before\n---\n# A")
	if _, err := Sync(context.Background(), db, store, discardLogger(), Options{}); err != nil {
		t.Fatal(err)
	}

	writeNote(t, dir, "a.md", "---\nid: after\n---\n# A changed")
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(filepath.Join(dir, "a.md"), future, future); err != nil {
		t.Fatal(err)
	}

	rep, err := Sync(context.Background(), db, store, discardLogger(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Updated != 1 || len(rep.Failed) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if _, err := db.GetByID("before"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("old id survived: %v", err)
	}
	n, err := db.GetByID("after")
	if err != nil {
		t.Fatal(err)
	}
	if n.Path != "a.md" {
		t.Errorf("path = %q", n.Path)
	}
}

func TestSyncStoreBusyAbortsWithoutLeak(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store, dir := testVault(t)
	for _, name := range []string{"a.md", "b.md", "c.md", "d.md"} {
		writeNote(t, dir, name, "# "+name)
	}

	// A second connection holds the write lock so every cache write in the
	// pass times out with ErrStoreUnavailable.
	blocker, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { blocker.Close() })
	conn, err := blocker.Conn(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.ExecContext(context.Background(), "BEGIN IMMEDIATE"); err != nil {
		t.Fatal(err)
	}

	before := runtime.NumGoroutine()
	_, syncErr := Sync(context.Background(), db, store, discardLogger(), Options{Workers: 2})
	if !errors.Is(syncErr, apperr.ErrStoreUnavailable) {
		t.Fatalf("Sync with locked store = %v, want ErrStoreUnavailable", syncErr)
	}

	// The aborted pass must wind down its scan workers, not strand them on
	// channel sends.
	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := runtime.NumGoroutine(); n > before {
		t.Errorf("goroutines after aborted pass = %d, want at most %d", n, before)
	}

	// Releasing the lock makes the store usable again.
	if _, err := conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
		t.Fatal(err)
	}
	conn.Close()
	rep, err := Sync(context.Background(), db, store, discardLogger(), Options{})
	if err != nil {
		t.Fatalf("Sync after unlock: %v", err)
	}
	if rep.Updated != 4 {
		t.Errorf("report = %+v, want 4 updates", rep)
	}
}

func TestSyncCancelledContext(t *testing.T) {
	db := testDB(t)
	store, dir := testVault(t)
	writeNote(t, dir, "a.md", "# A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Sync(ctx, db, store, discardLogger(), Options{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Sync on cancelled ctx = %v, want context.Canceled", err)
	}
}
