// Package parser extracts structural facts from raw note content: title,
// stable id, tags, outgoing wikilinks, and creation date. It is deliberately
// lenient: malformed markup is skipped token-wise, and the only fatal input
// is content that is not valid UTF-8.
package parser

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/okvist/zet/internal/apperr"
)

var (
	wikilinkRe = regexp.MustCompile(`\[\[(.*?)\]\]`)
	tagRe      = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)
)

// createdLayouts are the accepted frontmatter date formats, tried in order.
var createdLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Result holds the output of parsing a single note. Parsing the same bytes
// twice yields an identical Result: tags and links keep first-seen order.
type Result struct {
	ID          string
	Title       string
	Tags        []string
	Links       []string
	Body        string
	Created     time.Time // zero when the note carries no creation date
	Frontmatter map[string]any
}

// Parse extracts structure from raw note bytes. path is the note's
// vault-relative path; it supplies the fallback title and fallback id when
// the frontmatter carries neither.
func Parse(path string, data []byte) (*Result, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("parse %s: %w", path, apperr.ErrNotUTF8)
	}

	fm, body := splitFrontmatter(data)

	return &Result{
		ID:          deriveID(fm, path),
		Title:       deriveTitle(fm, body, path),
		Tags:        extractTags(body, fm),
		Links:       extractLinks(body),
		Body:        body,
		Created:     deriveCreated(fm),
		Frontmatter: fm,
	}, nil
}

// Stem returns the path without directory and extension; it is the fallback
// note id and the short form a wikilink may use to reference the note.
func Stem(path string) string {
	base := filepath.Base(filepath.ToSlash(path))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// splitFrontmatter separates YAML frontmatter (between leading --- delimiters)
// from the note body. Missing or invalid frontmatter is not an error: the
// whole content becomes the body.
func splitFrontmatter(data []byte) (map[string]any, string) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data)
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		// No closing delimiter; treat everything as body.
		return nil, string(data)
	}

	yamlBlock := rest[:idx]
	afterDelim := rest[idx+1+len(delim):]
	body := strings.TrimLeft(string(afterDelim), "\n\r")

	var fm map[string]any
	if err := yaml.Unmarshal(yamlBlock, &fm); err != nil {
		return nil, string(data)
	}

	return fm, body
}

// deriveID returns the embedded stable identifier from the frontmatter "id"
// field, falling back to the path stem. An embedded id survives renames;
// a path-derived one does not.
func deriveID(fm map[string]any, path string) string {
	if fm != nil {
		switch v := fm["id"].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case int:
			return fmt.Sprintf("%d", v)
		case int64:
			return fmt.Sprintf("%d", v)
		}
	}
	return Stem(path)
}

// deriveTitle returns the frontmatter "title" if present, otherwise the first
// H1 heading, otherwise the filename stem.
func deriveTitle(fm map[string]any, body, path string) string {
	if fm != nil {
		if t, ok := fm["title"].(string); ok && t != "" {
			return t
		}
	}
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return Stem(path)
}

// extractLinks returns deduplicated wikilink targets in first-seen order,
// normalising [[target|alias]] to its target. Empty targets are skipped.
func extractLinks(body string) []string {
	matches := wikilinkRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		target := m[1]
		if i := strings.Index(target, "|"); i >= 0 {
			target = target[:i]
		}
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}

// extractTags collects tags from the frontmatter "tags" field (a YAML list or
// a space-separated string of #tags) and inline #tags from the body, in
// first-seen order. Tags are normalised: leading '#' stripped, trimmed,
// lowercased. Malformed entries are skipped, not fatal.
func extractTags(body string, fm map[string]any) []string {
	seen := make(map[string]struct{})
	var out []string

	add := func(raw string) {
		tag := normalizeTag(raw)
		if tag == "" {
			return
		}
		if _, dup := seen[tag]; dup {
			return
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}

	if fm != nil {
		switch v := fm["tags"].(type) {
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		case string:
			for _, field := range strings.Fields(v) {
				add(field)
			}
		}
	}

	for _, m := range tagRe.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}

	return out
}

func normalizeTag(raw string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "#")))
}

// deriveCreated reads the frontmatter "created" (or legacy "date") field.
func deriveCreated(fm map[string]any) time.Time {
	if fm == nil {
		return time.Time{}
	}
	for _, key := range []string{"created", "date"} {
		switch v := fm[key].(type) {
		case time.Time:
			return v
		case string:
			for _, layout := range createdLayouts {
				if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
					return t
				}
			}
		}
	}
	return time.Time{}
}
