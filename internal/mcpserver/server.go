// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the zet query surface for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/okvist/zet/internal/apperr"
	"github.com/okvist/zet/internal/index"
	"github.com/okvist/zet/internal/zettel"
)

// Server wraps the MCP server with zet tools. All tools are read-only apart
// from reindex_vault, which only rewrites the cache, never the vault.
type Server struct {
	mcp *server.MCPServer
	svc *zettel.Service
}

// New creates a new MCP server with all zet tools registered.
func New(svc *zettel.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"zet",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("query_notes",
		mcp.WithDescription("Query indexed notes by tag, link target, title or word. All given filters must match."),
		mcp.WithString("tag", mcp.Description("Tag the notes must carry")),
		mcp.WithString("link", mcp.Description("Note the results must link to (id, path or title)")),
		mcp.WithString("title", mcp.Description("Case-insensitive substring of the title")),
		mcp.WithString("word", mcp.Description("Case-insensitive substring of title or body")),
	), s.queryNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read the full content of a note by id, path or title."),
		mcp.WithString("note", mcp.Required(), mcp.Description("Note identifier (e.g. 20260115, folder/note.md, or a title)")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List every indexed note with its path, title and tags."),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("get_backlinks",
		mcp.WithDescription("Find all notes that link to the specified note."),
		mcp.WithString("note", mcp.Required(), mcp.Description("Identifier of the note to find backlinks for")),
	), s.getBacklinks)

	s.mcp.AddTool(mcp.NewTool("reindex_vault",
		mcp.WithDescription("Reconcile the cache with the vault. Set full to reparse every note."),
		mcp.WithBoolean("full", mcp.Description("Reparse everything instead of only changed files")),
	), s.reindexVault)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) queryNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := index.Query{
		LinksTo:       req.GetString("link", ""),
		TitleContains: req.GetString("title", ""),
		WordContains:  req.GetString("word", ""),
	}
	if tag := req.GetString("tag", ""); tag != "" {
		q.Tags = []string{tag}
	}

	notes, err := s.svc.Query(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(notes) == 0 {
		return mcp.NewToolResultText("no notes matched"), nil
	}
	out, _ := json.MarshalIndent(notes, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, err := req.RequireString("note")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	detail, err := s.svc.GetNote(ctx, ident)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("not found: %s", ident)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(detail.Content), nil
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	notes, err := s.svc.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var lines []string
	for _, n := range notes {
		line := n.Path
		if n.Title != "" {
			line += "\t" + n.Title
		}
		if len(n.Tags) > 0 {
			line += "\t#" + strings.Join(n.Tags, " #")
		}
		lines = append(lines, line)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) getBacklinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, err := req.RequireString("note")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	bl, err := s.svc.Backlinks(ctx, ident)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(bl) == 0 {
		return mcp.NewToolResultText("no backlinks found"), nil
	}
	var paths []string
	for _, n := range bl {
		paths = append(paths, n.Path)
	}
	return mcp.NewToolResultText(strings.Join(paths, "\n")), nil
}

func (s *Server) reindexVault(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	full := req.GetBool("full", false)
	report, err := s.svc.Reindex(ctx, full)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(report, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}
