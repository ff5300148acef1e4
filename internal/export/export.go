// Package export transcodes stored artifacts to portable documents and back.
// Every exported record carries a sentinel (id, version, scope, exportedAt);
// re-import uses the sentinel and the name to decide create vs update, so
// importing an unchanged export is a no-op.
package export

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Format names a supported transcoding.
type Format string

const (
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "markdown"
	FormatOpenAPI  Format = "openapi" // tools only, export only
)

// ValidFormat reports whether f is supported.
func ValidFormat(f Format) bool {
	switch f {
	case FormatJSON, FormatYAML, FormatMarkdown, FormatOpenAPI:
		return true
	}
	return false
}

// Sentinel identifies an exported record for re-import.
type Sentinel struct {
	ID         string          `json:"id" yaml:"id"`
	Version    int             `json:"version" yaml:"version"`
	EntryType  types.EntryType `json:"entryType" yaml:"entryType"`
	ScopeType  types.ScopeType `json:"scopeType" yaml:"scopeType"`
	ScopeID    string          `json:"scopeId,omitempty" yaml:"scopeId,omitempty"`
	ExportedAt time.Time       `json:"exportedAt" yaml:"exportedAt"`
}

func (s Sentinel) scope() types.ScopeRef {
	return types.ScopeRef{Type: s.ScopeType, ID: s.ScopeID}
}

// Record is one exported artifact: its sentinel plus the kind payload fields
// (name/title, category, content, tags and so on; no envelope bookkeeping).
type Record struct {
	Sentinel Sentinel               `json:"sentinel" yaml:"sentinel"`
	Fields   map[string]interface{} `json:"fields" yaml:"fields"`
}

// Document is one export file.
type Document struct {
	ExportedAt time.Time       `json:"exportedAt" yaml:"exportedAt"`
	EntryType  types.EntryType `json:"entryType" yaml:"entryType"`
	Scope      types.ScopeRef  `json:"scope" yaml:"scope"`
	Records    []Record        `json:"records" yaml:"records"`
}

// ImportOptions tune re-import behavior.
type ImportOptions struct {
	// Scope, when set, overrides every record's sentinel scope.
	Scope *types.ScopeRef
}

// ImportResult reports what the import changed.
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// envelopeKeys are stripped from the serialized entry; they are bookkeeping,
// not payload, and the sentinel carries what re-import needs.
var envelopeKeys = []string{
	"id", "scope", "currentVersionId", "versionNum", "isActive",
	"accessCount", "lastAccessedAt", "createdAt", "updatedAt",
	"invalidatedBy", "trajectory",
}

// Service exports and imports artifacts for every kind.
type Service struct {
	guidelines  *store.GuidelineRepo
	tools       *store.ToolRepo
	knowledge   *store.KnowledgeRepo
	experiences *store.ExperienceRepo

	now func() time.Time
}

func NewService(
	guidelines *store.GuidelineRepo,
	tools *store.ToolRepo,
	knowledge *store.KnowledgeRepo,
	experiences *store.ExperienceRepo,
) *Service {
	return &Service{
		guidelines:  guidelines,
		tools:       tools,
		knowledge:   knowledge,
		experiences: experiences,
		now:         time.Now,
	}
}

// Export serializes every active entry of one kind in one scope.
func (s *Service) Export(kind types.EntryType, scope types.ScopeRef, format Format) ([]byte, error) {
	if !types.ValidEntryType(kind) {
		return nil, types.NewValidationError("entryType", fmt.Sprintf("unknown entry type %q", kind))
	}
	if !ValidFormat(format) {
		return nil, types.NewValidationError("format", fmt.Sprintf("unknown format %q", format))
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if format == FormatOpenAPI && kind != types.EntryTool {
		return nil, types.NewValidationError("format", "openapi export covers tools only")
	}

	doc, err := s.buildDocument(kind, scope)
	if err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryHandler).Info("Exporting %d %s records from %s scope as %s",
		len(doc.Records), kind, scope.Type, format)

	switch format {
	case FormatJSON:
		return json.MarshalIndent(doc, "", "  ")
	case FormatYAML:
		return yaml.Marshal(doc)
	case FormatMarkdown:
		return renderMarkdown(doc)
	case FormatOpenAPI:
		return renderOpenAPI(doc)
	}
	return nil, types.NewValidationError("format", fmt.Sprintf("unknown format %q", format))
}

func (s *Service) buildDocument(kind types.EntryType, scope types.ScopeRef) (*Document, error) {
	now := s.now().UTC()
	doc := &Document{ExportedAt: now, EntryType: kind, Scope: scope}

	items, err := s.collect(kind, scope)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		rec, err := toRecord(kind, item, now)
		if err != nil {
			return nil, err
		}
		doc.Records = append(doc.Records, rec)
	}
	return doc, nil
}

// collect pages through the full scope listing.
func (s *Service) collect(kind types.EntryType, scope types.ScopeRef) ([]interface{}, error) {
	var out []interface{}
	filter := types.ListFilter{Scope: scope, Limit: types.MaxListLimit}
	for {
		items, hasMore, next, err := s.list(kind, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
		if !hasMore || next == "" {
			return out, nil
		}
		filter.Cursor = next
	}
}

func (s *Service) list(kind types.EntryType, filter types.ListFilter) ([]interface{}, bool, string, error) {
	switch kind {
	case types.EntryGuideline:
		page, err := s.guidelines.List(filter)
		if err != nil {
			return nil, false, "", err
		}
		return anySlice(page.Items), page.HasMore, page.NextCursor, nil
	case types.EntryTool:
		page, err := s.tools.List(filter)
		if err != nil {
			return nil, false, "", err
		}
		return anySlice(page.Items), page.HasMore, page.NextCursor, nil
	case types.EntryKnowledge:
		page, err := s.knowledge.List(filter)
		if err != nil {
			return nil, false, "", err
		}
		return anySlice(page.Items), page.HasMore, page.NextCursor, nil
	case types.EntryExperience:
		page, err := s.experiences.List(filter)
		if err != nil {
			return nil, false, "", err
		}
		return anySlice(page.Items), page.HasMore, page.NextCursor, nil
	}
	return nil, false, "", types.NewValidationError("entryType", fmt.Sprintf("unknown entry type %q", kind))
}

// toRecord serializes one entry and splits envelope bookkeeping from payload.
func toRecord(kind types.EntryType, item interface{}, exportedAt time.Time) (Record, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return Record{}, fmt.Errorf("failed to serialize %s for export: %w", kind, err)
	}
	fields := map[string]interface{}{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Record{}, fmt.Errorf("failed to decode %s for export: %w", kind, err)
	}

	id, scope, version := identify(fields)
	for _, key := range envelopeKeys {
		delete(fields, key)
	}
	return Record{
		Sentinel: Sentinel{
			ID: id, Version: version, EntryType: kind,
			ScopeType: scope.Type, ScopeID: scope.ID,
			ExportedAt: exportedAt,
		},
		Fields: fields,
	}, nil
}

func identify(fields map[string]interface{}) (string, types.ScopeRef, int) {
	id, _ := fields["id"].(string)
	version := 0
	if v, ok := fields["versionNum"].(float64); ok {
		version = int(v)
	}
	var scope types.ScopeRef
	if raw, ok := fields["scope"].(map[string]interface{}); ok {
		if t, ok := raw["scopeType"].(string); ok {
			scope.Type = types.ScopeType(t)
		}
		if id, ok := raw["scopeId"].(string); ok {
			scope.ID = id
		}
	}
	return id, scope, version
}

// Import applies a JSON, YAML, or Markdown export. Records are matched by
// sentinel id first, then by name within the target scope; unchanged matches
// are skipped, so importing the same document twice changes nothing.
func (s *Service) Import(data []byte, format Format, opts ImportOptions) (*ImportResult, error) {
	var doc *Document
	var err error
	switch format {
	case FormatJSON:
		doc = &Document{}
		err = json.Unmarshal(data, doc)
	case FormatYAML:
		doc = &Document{}
		err = yaml.Unmarshal(data, doc)
	case FormatMarkdown:
		doc, err = parseMarkdown(data)
	case FormatOpenAPI:
		return nil, types.NewValidationError("format", "openapi documents cannot be imported")
	default:
		return nil, types.NewValidationError("format", fmt.Sprintf("unknown format %q", format))
	}
	if err != nil {
		return nil, types.NewValidationError("data", fmt.Sprintf("malformed %s document: %v", format, err))
	}

	result := &ImportResult{}
	for i, rec := range doc.Records {
		kind := rec.Sentinel.EntryType
		if kind == "" {
			kind = doc.EntryType
		}
		if !types.ValidEntryType(kind) {
			return nil, types.NewValidationError(
				fmt.Sprintf("records[%d].sentinel.entryType", i), "unknown entry type")
		}

		scope := rec.Sentinel.scope()
		if opts.Scope != nil {
			scope = *opts.Scope
		}
		if err := scope.Validate(); err != nil {
			return nil, err
		}

		outcome, err := s.importRecord(kind, scope, rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		switch outcome {
		case "created":
			result.Created++
		case "updated":
			result.Updated++
		default:
			result.Skipped++
		}
	}
	logging.Get(logging.CategoryHandler).Info("Import done: %d created, %d updated, %d skipped",
		result.Created, result.Updated, result.Skipped)
	return result, nil
}

func (s *Service) importRecord(kind types.EntryType, scope types.ScopeRef, rec Record) (string, error) {
	switch kind {
	case types.EntryGuideline:
		incoming := &types.Guideline{}
		if err := decodeFields(rec.Fields, incoming); err != nil {
			return "", err
		}
		return applyImport(repoOps[*types.Guideline]{
			create: s.guidelines.Create,
			update: s.guidelines.Update,
			byID: func(id string) (*types.Guideline, error) {
				return s.guidelines.GetByID(id, store.GetOpts{IncludeInactive: true, SkipAccessTrack: true})
			},
			byName: func(name string, scope types.ScopeRef) (*types.Guideline, error) {
				return s.guidelines.GetByName(name, scope, false, nil)
			},
			id: func(g *types.Guideline) string { return g.ID },
		}, rec.Sentinel.ID, incoming.Name, scope, incoming,
			func(existing, in *types.Guideline) bool {
				return existing.Category == in.Category && existing.Priority == in.Priority &&
					existing.Content == in.Content && existing.Rationale == in.Rationale
			})
	case types.EntryTool:
		incoming := &types.Tool{}
		if err := decodeFields(rec.Fields, incoming); err != nil {
			return "", err
		}
		return applyImport(repoOps[*types.Tool]{
			create: s.tools.Create,
			update: s.tools.Update,
			byID: func(id string) (*types.Tool, error) {
				return s.tools.GetByID(id, store.GetOpts{IncludeInactive: true, SkipAccessTrack: true})
			},
			byName: func(name string, scope types.ScopeRef) (*types.Tool, error) {
				return s.tools.GetByName(name, scope, false, nil)
			},
			id: func(t *types.Tool) string { return t.ID },
		}, rec.Sentinel.ID, incoming.Name, scope, incoming,
			func(existing, in *types.Tool) bool {
				return existing.Category == in.Category && existing.Description == in.Description &&
					existing.Parameters == in.Parameters && existing.Constraints == in.Constraints
			})
	case types.EntryKnowledge:
		incoming := &types.Knowledge{}
		if err := decodeFields(rec.Fields, incoming); err != nil {
			return "", err
		}
		return applyImport(repoOps[*types.Knowledge]{
			create: s.knowledge.Create,
			update: s.knowledge.Update,
			byID: func(id string) (*types.Knowledge, error) {
				return s.knowledge.GetByID(id, store.GetOpts{IncludeInactive: true, SkipAccessTrack: true})
			},
			byName: func(title string, scope types.ScopeRef) (*types.Knowledge, error) {
				return s.knowledge.GetByTitle(title, scope, false, nil)
			},
			id: func(k *types.Knowledge) string { return k.ID },
		}, rec.Sentinel.ID, incoming.Title, scope, incoming,
			func(existing, in *types.Knowledge) bool {
				return existing.Category == in.Category && existing.Content == in.Content &&
					existing.Source == in.Source && existing.Confidence == in.Confidence
			})
	case types.EntryExperience:
		incoming := &types.Experience{}
		if err := decodeFields(rec.Fields, incoming); err != nil {
			return "", err
		}
		return applyImport(repoOps[*types.Experience]{
			create: s.experiences.Create,
			update: s.experiences.Update,
			byID: func(id string) (*types.Experience, error) {
				return s.experiences.GetByID(id, store.GetOpts{IncludeInactive: true, SkipAccessTrack: true})
			},
			byName: func(title string, scope types.ScopeRef) (*types.Experience, error) {
				return s.experiences.GetByTitle(title, scope, false, nil)
			},
			id: func(e *types.Experience) string { return e.ID },
		}, rec.Sentinel.ID, incoming.Title, scope, incoming,
			func(existing, in *types.Experience) bool {
				return existing.Category == in.Category && existing.Content == in.Content &&
					existing.Scenario == in.Scenario && existing.Outcome == in.Outcome &&
					existing.Level == in.Level
			})
	}
	return "", types.NewValidationError("entryType", fmt.Sprintf("unknown entry type %q", kind))
}

// repoOps is the slice of a repository the import path needs. Closures paper
// over the GetByName/GetByTitle split between kinds.
type repoOps[T any] struct {
	create func(types.ScopeRef, T) (string, error)
	update func(string, T) error
	byID   func(string) (T, error)
	byName func(string, types.ScopeRef) (T, error)
	id     func(T) string
}

// applyImport finds the existing counterpart and creates, updates, or skips.
func applyImport[T any](ops repoOps[T], sentinelID, name string, scope types.ScopeRef, incoming T, same func(existing, incoming T) bool) (string, error) {
	if name == "" {
		return "", types.NewValidationError("fields", "record has no name")
	}

	existing, id, err := findExisting(ops, sentinelID, name, scope)
	if err != nil {
		return "", err
	}
	if id == "" {
		if _, err := ops.create(scope, incoming); err != nil {
			return "", err
		}
		return "created", nil
	}
	if same(existing, incoming) {
		return "skipped", nil
	}
	if err := ops.update(id, incoming); err != nil {
		return "", err
	}
	return "updated", nil
}

func findExisting[T any](ops repoOps[T], sentinelID, name string, scope types.ScopeRef) (T, string, error) {
	var zero T
	if sentinelID != "" {
		item, err := ops.byID(sentinelID)
		if err == nil {
			return item, sentinelID, nil
		}
		if !types.IsNotFound(err) {
			return zero, "", err
		}
	}
	item, err := ops.byName(name, scope)
	if err == nil {
		return item, ops.id(item), nil
	}
	if !types.IsNotFound(err) {
		return zero, "", err
	}
	return zero, "", nil
}

func decodeFields(fields map[string]interface{}, into interface{}) error {
	raw, err := json.Marshal(normalize(fields))
	if err != nil {
		return types.NewValidationError("fields", fmt.Sprintf("malformed record fields: %v", err))
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return types.NewValidationError("fields", fmt.Sprintf("malformed record fields: %v", err))
	}
	return nil
}

// normalize converts YAML's map[interface{}]interface{} shapes into JSON-safe
// maps so the round trip through encoding/json works for every input format.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[k] = normalize(inner)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[fmt.Sprintf("%v", k)] = normalize(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = normalize(inner)
		}
		return out
	default:
		return v
	}
}

func anySlice[T any](items []T) []interface{} {
	out := make([]interface{}, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
