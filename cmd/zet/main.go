package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/okvist/zet/internal"
	"github.com/okvist/zet/internal/apperr"
	"github.com/okvist/zet/internal/index"
	"github.com/okvist/zet/internal/mcpserver"
	"github.com/okvist/zet/internal/storage"
	"github.com/okvist/zet/internal/zettel"
	pkgconfig "github.com/okvist/zet/pkg/config"
)

func main() {
	cmd := &cli.Command{
		Name:  "zet",
		Usage: "Plain-text Zettelkasten manager with an SQLite-backed index",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "zet.yaml",
				Sources: cli.EnvVars("ZET_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "vault",
				Usage:   "Vault directory (overrides config)",
				Sources: cli.EnvVars("ZET_VAULT"),
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			initCmd(),
			indexCmd(),
			listCmd(),
			backlinksCmd(),
			showCmd(),
			watchCmd(),
			serveCmd(),
			mcpCmd(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "zet: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig merges defaults, an optional config file, and flag overrides.
func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, err
	}
	if vault := cmd.String("vault"); vault != "" {
		cfg.Vault.Path = vault
	}
	if cmd.Bool("verbose") {
		cfg.App.LogLevel = slog.LevelDebug
	}
	return cfg, nil
}

// cliLogger returns the text logger used by the one-shot commands. Serve
// mode uses JSON instead.
func cliLogger(cfg *internal.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
}

// env bundles everything a one-shot command needs.
type env struct {
	cfg    *internal.Config
	store  *storage.FS
	db     *index.DB
	svc    *zettel.Service
	logger *slog.Logger
}

func (e *env) Close() {
	if e.db != nil {
		e.db.Close()
	}
}

// openEnv opens the vault and the cache for a one-shot command. rebuild
// controls recovery from a schema mismatch: true discards and recreates the
// cache, false surfaces the mismatch with a hint.
func openEnv(cmd *cli.Command, rebuild bool) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := cliLogger(cfg)

	store, err := storage.NewFS(cfg.Vault.Path, cfg.Vault.Ignore...)
	if err != nil {
		return nil, err
	}

	cachePath := cfg.CachePath()
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := index.Open(cachePath)
	if errors.Is(err, apperr.ErrSchemaMismatch) {
		if !rebuild {
			return nil, fmt.Errorf("%w (run 'zet index --full' to rebuild the cache)", err)
		}
		logger.Warn("cache schema mismatch, rebuilding", slog.String("path", cachePath))
		db, err = index.Rebuild(cachePath)
	}
	if err != nil {
		return nil, err
	}

	return &env{
		cfg:    cfg,
		store:  store,
		db:     db,
		svc:    zettel.NewService(store, db, logger, cfg.Cache.Workers),
		logger: logger,
	}, nil
}

func initCmd() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Initialise a vault: create the directory and an empty cache",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
				return fmt.Errorf("create vault dir: %w", err)
			}
			cachePath := cfg.CachePath()
			if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
				return fmt.Errorf("create cache dir: %w", err)
			}
			db, err := index.Rebuild(cachePath)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Printf("initialised vault at %s (cache: %s)\n", cfg.Vault.Path, cachePath)
			return nil
		},
	}
}

func indexCmd() *cli.Command {
	return &cli.Command{
		Name:  "index",
		Usage: "Reconcile the cache with the vault",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "full",
				Usage: "Reparse every note and rebuild an incompatible cache",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			full := cmd.Bool("full")
			e, err := openEnv(cmd, full)
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.svc.Reindex(ctx, full)
			if err != nil {
				return err
			}
			printReport(report)
			return nil
		},
	}
}

// printReport writes the pass summary in a stable order. Per-note failures
// are listed but do not fail the command; the cache stayed consistent.
func printReport(report index.Report) {
	fmt.Printf("scanned %d, updated %d, deleted %d, failed %d\n",
		report.Scanned, report.Updated, report.Deleted, len(report.Failed))
	for _, f := range report.Failed {
		fmt.Printf("  failed %s: %s\n", f.Path, f.Reason)
	}
}

func queryFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{Name: "tag", Usage: "Require a tag (repeatable, ANDed)"},
		&cli.StringFlag{Name: "link", Usage: "Require a link to this note"},
		&cli.StringFlag{Name: "title", Usage: "Require this substring in the title"},
		&cli.StringFlag{Name: "word", Usage: "Require this substring in title or body"},
		&cli.StringFlag{Name: "field", Usage: "Date field for --from/--to: created, modified or indexed", Value: index.DateFieldModified},
		&cli.StringFlag{Name: "from", Usage: "Lower date bound (YYYY-MM-DD or RFC 3339)"},
		&cli.StringFlag{Name: "to", Usage: "Upper date bound (YYYY-MM-DD or RFC 3339)"},
	}
}

func parseDateFlag(cmd *cli.Command, name string) (time.Time, error) {
	raw := cmd.String(name)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --%s date: %q", name, raw)
}

func listCmd() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List indexed notes, optionally filtered",
		Flags: queryFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEnv(cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()

			q := index.Query{
				Tags:          cmd.StringSlice("tag"),
				LinksTo:       cmd.String("link"),
				TitleContains: cmd.String("title"),
				WordContains:  cmd.String("word"),
				DateField:     cmd.String("field"),
			}
			if q.From, err = parseDateFlag(cmd, "from"); err != nil {
				return err
			}
			if q.To, err = parseDateFlag(cmd, "to"); err != nil {
				return err
			}

			notes, err := e.svc.Query(ctx, q)
			if err != nil {
				return err
			}
			for _, n := range notes {
				fmt.Printf("%s\t%s\n", n.Path, n.Title)
			}
			return nil
		},
	}
}

func backlinksCmd() *cli.Command {
	return &cli.Command{
		Name:      "backlinks",
		Usage:     "List notes linking to the given note",
		ArgsUsage: "<note>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ident := cmd.Args().First()
			if ident == "" {
				return fmt.Errorf("a note identifier is required")
			}
			e, err := openEnv(cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()

			bl, err := e.svc.Backlinks(ctx, ident)
			if err != nil {
				return err
			}
			for _, n := range bl {
				fmt.Printf("%s\t%s\n", n.Path, n.Title)
			}
			return nil
		},
	}
}

func showCmd() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Print a note's content",
		ArgsUsage: "<note>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ident := cmd.Args().First()
			if ident == "" {
				return fmt.Errorf("a note identifier is required")
			}
			e, err := openEnv(cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()

			detail, err := e.svc.GetNote(ctx, ident)
			if err != nil {
				return err
			}
			fmt.Print(detail.Content)
			return nil
		},
	}
}

func watchCmd() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Keep the cache current while files change",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEnv(cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.svc.Reindex(ctx, false)
			if err != nil {
				return err
			}
			printReport(report)

			return index.Watch(ctx, e.db, e.store, e.store.Root(), e.logger, func(kind, path string) {
				fmt.Printf("%s\t%s\n", kind, path)
			})
		},
	}
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API with a file watcher and SSE events",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return internal.Run(ctx, internal.WithConfig(cfg))
		},
	}
}

func mcpCmd() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Run the MCP server on stdin/stdout",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := openEnv(cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()

			if _, err := e.svc.Reindex(ctx, false); err != nil {
				e.logger.Warn("initial reindex failed", slog.String("error", err.Error()))
			}
			return mcpserver.New(e.svc).ServeStdio()
		},
	}
}
