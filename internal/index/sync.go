package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okvist/zet/internal/apperr"
	"github.com/okvist/zet/internal/checksum"
	"github.com/okvist/zet/internal/models"
	"github.com/okvist/zet/internal/parser"
	"github.com/okvist/zet/internal/storage"
)

// Options controls a reindex pass.
type Options struct {
	// Full treats every file as changed: no mtime or checksum
	// short-circuits. Used for initial indexing and cache recovery.
	Full bool
	// Workers bounds the parallel read/hash/parse stage. Zero means
	// GOMAXPROCS-sized. Cache writes are always applied serially.
	Workers int
	// OnParse, when set, is invoked before each content parse. Exists for
	// instrumentation: a staleness-detection test counts parse calls.
	OnParse func(path string)
}

// Failure records one note that could not be indexed during a pass.
type Failure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Report summarises a reindex pass.
type Report struct {
	Scanned int       `json:"scanned"`
	Updated int       `json:"updated"`
	Deleted int       `json:"deleted"`
	Failed  []Failure `json:"failed,omitempty"`
}

// result is what the parallel stage hands to the serial write stage for a
// single candidate file.
type result struct {
	path  string
	err   error
	touch bool // content hash unchanged; refresh timestamps only
	mod   time.Time
	row   NoteRow
	body  string
	tags  []string
	links []string
}

// Sync reconciles the cache store with the current vault state, touching as
// few notes as possible:
//
//  1. enumerate candidate files (stat metadata only)
//  2. skip files whose size+mtime signature is unchanged
//  3. read and hash the rest; an unchanged hash refreshes timestamps without
//     a parse, otherwise parse and upsert
//  4. delete stored notes whose backing file vanished
//
// Per-file failures are collected into the report and never abort the pass;
// store-level failures abort immediately. Reads, hashing and parsing run on
// a bounded worker pool; every cache write is applied serially, one
// transaction per note, so an interrupt between notes leaves the cache
// consistent for everything already committed.
func Sync(ctx context.Context, db *DB, store storage.Provider, logger *slog.Logger, opts Options) (Report, error) {
	var report Report

	infos, err := store.List("")
	if err != nil {
		return report, fmt.Errorf("sync: enumerate vault: %w", err)
	}
	sigs, err := db.AllSignatures()
	if err != nil {
		return report, fmt.Errorf("sync: load signatures: %w", err)
	}

	report.Scanned = len(infos)

	disk := make(map[string]struct{}, len(infos))
	var candidates []models.FileInfo
	for _, fi := range infos {
		disk[fi.Path] = struct{}{}
		sig, known := sigs[fi.Path]
		if !opts.Full && known && sig.Size == fi.Size && sig.ModTime.Equal(fi.ModTime) {
			continue
		}
		candidates = append(candidates, fi)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	results := make(chan result, workers)
	scanCtx, cancelScan := context.WithCancel(ctx)
	defer cancelScan()
	g, gctx := errgroup.WithContext(scanCtx)
	g.SetLimit(workers)

	go func() {
		for _, fi := range candidates {
			fi := fi
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				select {
				case results <- scanFile(store, fi, sigs, opts):
				case <-gctx.Done():
				}
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	// Serial write stage. storedIDPath and claimed enforce the one-record-
	// per-id invariant across the pass: a known id at a new path is a
	// rename when the old file is gone, a constraint violation when both
	// files are live.
	storedIDPath := make(map[string]string, len(sigs))
	for p, sig := range sigs {
		storedIDPath[sig.ID] = p
	}
	claimed := make(map[string]string)

	// A store-level failure stops the pass, but the results channel must be
	// drained to completion or the scan workers leak blocked on their sends.
	// cancelScan stops workers that have not sent yet.
	var fatal error
	abort := func(err error) {
		fatal = err
		cancelScan()
	}

	for r := range results {
		if fatal == nil && ctx.Err() != nil {
			abort(ctx.Err())
		}
		if fatal != nil {
			continue
		}
		if r.err != nil {
			logger.Warn("sync: skipped", slog.String("path", r.path), slog.String("error", r.err.Error()))
			report.Failed = append(report.Failed, Failure{Path: r.path, Reason: r.err.Error()})
			continue
		}
		if r.touch {
			if err := db.TouchNote(r.path, r.mod, time.Now()); err != nil {
				if errors.Is(err, apperr.ErrStoreUnavailable) {
					abort(err)
					continue
				}
				report.Failed = append(report.Failed, Failure{Path: r.path, Reason: err.Error()})
				continue
			}
			report.Updated++
			logger.Debug("sync: touched", slog.String("path", r.path))
			continue
		}

		if prev, dup := claimed[r.row.ID]; dup {
			reason := fmt.Errorf("%w: id %q already used by %s", apperr.ErrConstraint, r.row.ID, prev)
			report.Failed = append(report.Failed, Failure{Path: r.path, Reason: reason.Error()})
			continue
		}
		if old, known := storedIDPath[r.row.ID]; known && old != r.row.Path {
			if _, live := disk[old]; live {
				reason := fmt.Errorf("%w: id %q already used by %s", apperr.ErrConstraint, r.row.ID, old)
				report.Failed = append(report.Failed, Failure{Path: r.path, Reason: reason.Error()})
				continue
			}
			logger.Debug("sync: rename detected", slog.String("id", r.row.ID), slog.String("from", old), slog.String("to", r.row.Path))
		}
		claimed[r.row.ID] = r.row.Path

		// An id edited in place leaves the old record owning the path.
		// Retire it so the path-uniqueness constraint holds for the upsert.
		if sig, known := sigs[r.row.Path]; known && sig.ID != r.row.ID {
			if err := db.DeleteNote(sig.ID); err != nil {
				if errors.Is(err, apperr.ErrStoreUnavailable) {
					abort(err)
					continue
				}
				report.Failed = append(report.Failed, Failure{Path: r.path, Reason: err.Error()})
				continue
			}
			delete(storedIDPath, sig.ID)
		}

		if err := db.UpsertNote(r.row, r.body, r.tags, r.links); err != nil {
			if errors.Is(err, apperr.ErrStoreUnavailable) {
				abort(err)
				continue
			}
			report.Failed = append(report.Failed, Failure{Path: r.path, Reason: err.Error()})
			continue
		}
		report.Updated++
		logger.Debug("sync: indexed", slog.String("path", r.path))
	}

	if fatal != nil {
		return report, fatal
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	// Deletion pass: stored paths with no backing file. Sorted for a
	// deterministic report and log order.
	stored, err := db.AllPaths()
	if err != nil {
		return report, fmt.Errorf("sync: load stored paths: %w", err)
	}
	var stale []string
	for p := range stored {
		if _, ok := disk[p]; !ok {
			stale = append(stale, p)
		}
	}
	sort.Strings(stale)
	for _, p := range stale {
		if err := db.DeleteByPath(p); err != nil {
			if errors.Is(err, apperr.ErrStoreUnavailable) {
				return report, err
			}
			report.Failed = append(report.Failed, Failure{Path: p, Reason: err.Error()})
			continue
		}
		report.Deleted++
		logger.Debug("sync: removed stale", slog.String("path", p))
	}

	logger.Info("sync: pass complete",
		slog.Int("scanned", report.Scanned),
		slog.Int("updated", report.Updated),
		slog.Int("deleted", report.Deleted),
		slog.Int("failed", len(report.Failed)),
		slog.Bool("full", opts.Full))

	return report, nil
}

// scanFile performs the read/hash/parse work for one candidate. It never
// touches the cache store.
func scanFile(store storage.Provider, fi models.FileInfo, sigs map[string]Signature, opts Options) result {
	data, err := store.Read(fi.Path)
	if err != nil {
		return result{path: fi.Path, err: err}
	}

	cs := checksum.Sum(data)
	if sig, known := sigs[fi.Path]; !opts.Full && known && sig.Checksum == cs {
		// mtime changed but content did not (touch, checkout): timestamp
		// refresh only, no parse.
		return result{path: fi.Path, touch: true, mod: fi.ModTime}
	}

	if opts.OnParse != nil {
		opts.OnParse(fi.Path)
	}
	res, err := parser.Parse(fi.Path, data)
	if err != nil {
		return result{path: fi.Path, err: err}
	}

	created := res.Created
	if created.IsZero() {
		created = fi.ModTime
	}

	return result{
		path: fi.Path,
		row: NoteRow{
			ID:         res.ID,
			Path:       fi.Path,
			Title:      res.Title,
			Checksum:   cs,
			Size:       fi.Size,
			CreatedAt:  created,
			ModifiedAt: fi.ModTime,
			IndexedAt:  time.Now(),
		},
		body:  res.Body,
		tags:  res.Tags,
		links: res.Links,
	}
}

// indexNote parses data and upserts it, bypassing the staleness checks.
// Used by the watcher, which already knows the file changed.
func indexNote(db *DB, path string, data []byte, fi models.FileInfo) error {
	res, err := parser.Parse(path, data)
	if err != nil {
		return err
	}
	if existing, getErr := db.GetByPath(path); getErr == nil && existing.ID != res.ID {
		if delErr := db.DeleteNote(existing.ID); delErr != nil {
			return delErr
		}
	}
	created := res.Created
	if created.IsZero() {
		created = fi.ModTime
	}
	row := NoteRow{
		ID:         res.ID,
		Path:       path,
		Title:      res.Title,
		Checksum:   checksum.Sum(data),
		Size:       fi.Size,
		CreatedAt:  created,
		ModifiedAt: fi.ModTime,
		IndexedAt:  time.Now(),
	}
	return db.UpsertNote(row, res.Body, res.Tags, res.Links)
}
