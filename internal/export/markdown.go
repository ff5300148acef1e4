package export

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"mnemo/internal/types"
)

// sentinelKeys are lifted out of a parsed front-matter block; everything else
// in the block is record payload.
var sentinelKeys = map[string]bool{
	"id": true, "version": true, "entryType": true,
	"scopeType": true, "scopeId": true, "exportedAt": true,
}

// renderMarkdown writes one heading plus YAML front matter per record. The
// full payload, content included, lives in the front matter; the prose body
// is a convenience rendering and is ignored on import.
func renderMarkdown(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# mnemo export: %s (%s", doc.EntryType, doc.Scope.Type)
	if doc.Scope.ID != "" {
		fmt.Fprintf(&buf, " %s", doc.Scope.ID)
	}
	fmt.Fprintf(&buf, ")\n\n")

	for _, rec := range doc.Records {
		front := map[string]interface{}{
			"id":         rec.Sentinel.ID,
			"version":    rec.Sentinel.Version,
			"entryType":  string(rec.Sentinel.EntryType),
			"scopeType":  string(rec.Sentinel.ScopeType),
			"exportedAt": rec.Sentinel.ExportedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if rec.Sentinel.ScopeID != "" {
			front["scopeId"] = rec.Sentinel.ScopeID
		}
		for k, v := range rec.Fields {
			front[k] = v
		}

		encoded, err := yaml.Marshal(front)
		if err != nil {
			return nil, fmt.Errorf("failed to render front matter: %w", err)
		}

		fmt.Fprintf(&buf, "## %s\n\n", recordName(rec))
		buf.WriteString("---\n")
		buf.Write(encoded)
		buf.WriteString("---\n\n")
		if content, ok := rec.Fields["content"].(string); ok && content != "" {
			buf.WriteString(strings.TrimSpace(content))
			buf.WriteString("\n\n")
		}
	}
	return buf.Bytes(), nil
}

func recordName(rec Record) string {
	if name, ok := rec.Fields["name"].(string); ok && name != "" {
		return name
	}
	if title, ok := rec.Fields["title"].(string); ok && title != "" {
		return title
	}
	return rec.Sentinel.ID
}

// parseMarkdown recovers a document from the front-matter blocks. Prose
// between blocks, including the rendered content bodies, is skipped; a block
// only counts when it parses as YAML and names an entryType.
func parseMarkdown(data []byte) (*Document, error) {
	doc := &Document{}
	lines := strings.Split(string(data), "\n")

	for i := 0; i < len(lines); i++ {
		if strings.TrimRight(lines[i], " \t") != "---" {
			continue
		}
		end := -1
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimRight(lines[j], " \t") == "---" {
				end = j
				break
			}
		}
		if end < 0 {
			break
		}

		block := strings.Join(lines[i+1:end], "\n")
		raw := map[string]interface{}{}
		if err := yaml.Unmarshal([]byte(block), &raw); err != nil || raw["entryType"] == nil {
			// Not a front-matter block; keep scanning after the opener.
			continue
		}
		rec, err := recordFromFrontMatter(raw)
		if err != nil {
			return nil, err
		}
		doc.Records = append(doc.Records, rec)
		if doc.EntryType == "" {
			doc.EntryType = rec.Sentinel.EntryType
		}
		i = end
	}

	if len(doc.Records) == 0 {
		return nil, fmt.Errorf("no front-matter records found")
	}
	return doc, nil
}

func recordFromFrontMatter(raw map[string]interface{}) (Record, error) {
	rec := Record{Fields: map[string]interface{}{}}
	for k, v := range raw {
		if !sentinelKeys[k] {
			rec.Fields[k] = normalize(v)
		}
	}

	if id, ok := raw["id"].(string); ok {
		rec.Sentinel.ID = id
	}
	if v, ok := raw["version"].(int); ok {
		rec.Sentinel.Version = v
	}
	if t, ok := raw["entryType"].(string); ok {
		rec.Sentinel.EntryType = types.EntryType(t)
	}
	if t, ok := raw["scopeType"].(string); ok {
		rec.Sentinel.ScopeType = types.ScopeType(t)
	}
	if id, ok := raw["scopeId"].(string); ok {
		rec.Sentinel.ScopeID = id
	}
	return rec, nil
}
