package handler

import (
	"time"

	"mnemo/internal/store"
	"mnemo/internal/types"
)

// GuidelineDescriptor wires the guideline repository into the dispatcher.
func GuidelineDescriptor(repo *store.GuidelineRepo) Descriptor {
	return Descriptor{
		Kind:      types.EntryGuideline,
		NameField: "name",
		Singular:  "guideline",
		Plural:    "guidelines",

		Create: func(scope types.ScopeRef, p Params) (string, error) {
			return repo.Create(scope, guidelineFromParams(&types.Guideline{}, p))
		},
		Update: func(id string, p Params) error {
			current, err := repo.GetByID(id, store.GetOpts{IncludeInactive: true, SkipAccessTrack: true})
			if err != nil {
				return err
			}
			return repo.Update(id, guidelineFromParams(current, p))
		},
		GetByID: func(id string) (interface{}, error) {
			return repo.GetByID(id, store.GetOpts{})
		},
		Peek: func(id string) (interface{}, error) {
			return repo.GetByID(id, store.GetOpts{IncludeInactive: true, SkipAccessTrack: true})
		},
		GetByName: func(name string, scope types.ScopeRef, inherit bool, scopeIDs map[types.ScopeType]string) (interface{}, error) {
			return repo.GetByName(name, scope, inherit, scopeIDs)
		},
		List: func(filter types.ListFilter) ([]interface{}, bool, string, error) {
			page, err := repo.List(filter)
			if err != nil {
				return nil, false, "", err
			}
			return anySlice(page.Items), page.HasMore, page.NextCursor, nil
		},
		History:    repo.GetHistory,
		Deactivate: repo.Deactivate,
		Delete:     repo.Delete,
		Ident: func(item interface{}) (string, types.ScopeRef) {
			g := item.(*types.Guideline)
			return g.ID, g.Scope
		},
	}
}

// ToolDescriptor wires the tool repository into the dispatcher.
func ToolDescriptor(repo *store.ToolRepo) Descriptor {
	return Descriptor{
		Kind:      types.EntryTool,
		NameField: "name",
		Singular:  "tool",
		Plural:    "tools",

		Create: func(scope types.ScopeRef, p Params) (string, error) {
			return repo.Create(scope, toolFromParams(&types.Tool{}, p))
		},
		Update: func(id string, p Params) error {
			current, err := repo.GetByID(id, store.GetOpts{IncludeInactive: true, SkipAccessTrack: true})
			if err != nil {
				return err
			}
			return repo.Update(id, toolFromParams(current, p))
		},
		GetByID: func(id string) (interface{}, error) {
			return repo.GetByID(id, store.GetOpts{})
		},
		Peek: func(id string) (interface{}, error) {
			return repo.GetByID(id, store.GetOpts{IncludeInactive: true, SkipAccessTrack: true})
		},
		GetByName: func(name string, scope types.ScopeRef, inherit bool, scopeIDs map[types.ScopeType]string) (interface{}, error) {
			return repo.GetByName(name, scope, inherit, scopeIDs)
		},
		List: func(filter types.ListFilter) ([]interface{}, bool, string, error) {
			page, err := repo.List(filter)
			if err != nil {
				return nil, false, "", err
			}
			return anySlice(page.Items), page.HasMore, page.NextCursor, nil
		},
		History:    repo.GetHistory,
		Deactivate: repo.Deactivate,
		Delete:     repo.Delete,
		Ident: func(item interface{}) (string, types.ScopeRef) {
			t := item.(*types.Tool)
			return t.ID, t.Scope
		},
	}
}

// KnowledgeDescriptor wires the knowledge repository into the dispatcher.
func KnowledgeDescriptor(repo *store.KnowledgeRepo) Descriptor {
	return Descriptor{
		Kind:      types.EntryKnowledge,
		NameField: "title",
		Singular:  "knowledge",
		Plural:    "knowledge",

		Create: func(scope types.ScopeRef, p Params) (string, error) {
			k, err := knowledgeFromParams(&types.Knowledge{}, p)
			if err != nil {
				return "", err
			}
			return repo.Create(scope, k)
		},
		Update: func(id string, p Params) error {
			current, err := repo.GetByID(id, store.GetOpts{IncludeInactive: true, SkipAccessTrack: true})
			if err != nil {
				return err
			}
			k, err := knowledgeFromParams(current, p)
			if err != nil {
				return err
			}
			return repo.Update(id, k)
		},
		GetByID: func(id string) (interface{}, error) {
			return repo.GetByID(id, store.GetOpts{})
		},
		Peek: func(id string) (interface{}, error) {
			return repo.GetByID(id, store.GetOpts{IncludeInactive: true, SkipAccessTrack: true})
		},
		GetByName: func(title string, scope types.ScopeRef, inherit bool, scopeIDs map[types.ScopeType]string) (interface{}, error) {
			return repo.GetByTitle(title, scope, inherit, scopeIDs)
		},
		List: func(filter types.ListFilter) ([]interface{}, bool, string, error) {
			page, err := repo.List(filter)
			if err != nil {
				return nil, false, "", err
			}
			return anySlice(page.Items), page.HasMore, page.NextCursor, nil
		},
		History:    repo.GetHistory,
		Deactivate: repo.Deactivate,
		Delete:     repo.Delete,
		Ident: func(item interface{}) (string, types.ScopeRef) {
			k := item.(*types.Knowledge)
			return k.ID, k.Scope
		},
	}
}

// ExperienceDescriptor wires the experience repository into the dispatcher.
func ExperienceDescriptor(repo *store.ExperienceRepo) Descriptor {
	return Descriptor{
		Kind:      types.EntryExperience,
		NameField: "title",
		Singular:  "experience",
		Plural:    "experiences",

		Create: func(scope types.ScopeRef, p Params) (string, error) {
			return repo.Create(scope, experienceFromParams(&types.Experience{}, p))
		},
		Update: func(id string, p Params) error {
			current, err := repo.GetByID(id, store.GetOpts{IncludeInactive: true, SkipAccessTrack: true})
			if err != nil {
				return err
			}
			return repo.Update(id, experienceFromParams(current, p))
		},
		GetByID: func(id string) (interface{}, error) {
			return repo.GetByID(id, store.GetOpts{})
		},
		Peek: func(id string) (interface{}, error) {
			return repo.GetByID(id, store.GetOpts{IncludeInactive: true, SkipAccessTrack: true})
		},
		GetByName: func(title string, scope types.ScopeRef, inherit bool, scopeIDs map[types.ScopeType]string) (interface{}, error) {
			return repo.GetByTitle(title, scope, inherit, scopeIDs)
		},
		List: func(filter types.ListFilter) ([]interface{}, bool, string, error) {
			page, err := repo.List(filter)
			if err != nil {
				return nil, false, "", err
			}
			return anySlice(page.Items), page.HasMore, page.NextCursor, nil
		},
		History:    repo.GetHistory,
		Deactivate: repo.Deactivate,
		Delete:     repo.Delete,
		Ident: func(item interface{}) (string, types.ScopeRef) {
			e := item.(*types.Experience)
			return e.ID, e.Scope
		},
	}
}

// guidelineFromParams applies the supplied fields onto base. Absent keys
// leave the current value alone, so updates are partial.
func guidelineFromParams(base *types.Guideline, p Params) *types.Guideline {
	if p.Has("name") {
		base.Name = p.Str("name")
	}
	if p.Has("category") {
		base.Category = p.Str("category")
	}
	if p.Has("priority") {
		base.Priority = p.Int("priority")
	}
	if p.Has("content") {
		base.Content = p.Str("content")
	}
	if p.Has("rationale") {
		base.Rationale = p.Str("rationale")
	}
	if p.Has("examples") {
		base.Examples = p.StrSlice("examples")
	}
	if p.Has("tags") {
		base.Tags = p.StrSlice("tags")
	}
	return base
}

func toolFromParams(base *types.Tool, p Params) *types.Tool {
	if p.Has("name") {
		base.Name = p.Str("name")
	}
	if p.Has("category") {
		base.Category = p.Str("category")
	}
	if p.Has("description") {
		base.Description = p.Str("description")
	}
	if p.Has("parameters") {
		base.Parameters = p.Str("parameters")
	}
	if p.Has("constraints") {
		base.Constraints = p.Str("constraints")
	}
	if p.Has("tags") {
		base.Tags = p.StrSlice("tags")
	}
	return base
}

func knowledgeFromParams(base *types.Knowledge, p Params) (*types.Knowledge, error) {
	if p.Has("title") {
		base.Title = p.Str("title")
	}
	if p.Has("category") {
		base.Category = p.Str("category")
	}
	if p.Has("content") {
		base.Content = p.Str("content")
	}
	if p.Has("source") {
		base.Source = p.Str("source")
	}
	if p.Has("confidence") {
		base.Confidence = p.Float("confidence")
	}
	if p.Has("validFrom") {
		t, err := parseTimeParam("validFrom", p.Str("validFrom"))
		if err != nil {
			return nil, err
		}
		base.ValidFrom = t
	}
	if p.Has("validUntil") {
		t, err := parseTimeParam("validUntil", p.Str("validUntil"))
		if err != nil {
			return nil, err
		}
		base.ValidUntil = t
	}
	if p.Has("tags") {
		base.Tags = p.StrSlice("tags")
	}
	return base, nil
}

func experienceFromParams(base *types.Experience, p Params) *types.Experience {
	if p.Has("title") {
		base.Title = p.Str("title")
	}
	if p.Has("level") {
		base.Level = types.ExperienceLevel(p.Str("level"))
	}
	if p.Has("category") {
		base.Category = p.Str("category")
	}
	if p.Has("scenario") {
		base.Scenario = p.Str("scenario")
	}
	if p.Has("outcome") {
		base.Outcome = p.Str("outcome")
	}
	if p.Has("content") {
		base.Content = p.Str("content")
	}
	if p.Has("confidence") {
		base.Confidence = p.Float("confidence")
	}
	if p.Has("tags") {
		base.Tags = p.StrSlice("tags")
	}
	return base
}

func parseTimeParam(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, types.NewValidationError(field, "must be an ISO-8601 timestamp")
	}
	return &t, nil
}

func anySlice[T any](items []T) []interface{} {
	out := make([]interface{}, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
