package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"mnemo/internal/cursor"
	"mnemo/internal/types"
)

// guidelinePayload is the immutable versioned part of a guideline.
type guidelinePayload struct {
	Content   string   `json:"content"`
	Rationale string   `json:"rationale,omitempty"`
	Examples  []string `json:"examples,omitempty"`
}

// GuidelineRepo provides versioned CRUD for guidelines.
type GuidelineRepo struct {
	es *entryStore
}

// NewGuidelineRepo builds the guideline repository on a borrowed adapter.
func NewGuidelineRepo(a *Adapter, codec *cursor.Codec) *GuidelineRepo {
	return &GuidelineRepo{es: newEntryStore(a, types.EntryGuideline, codec)}
}

func (r *GuidelineRepo) fields(g *types.Guideline) (entryFields, error) {
	payload, err := json.Marshal(guidelinePayload{
		Content:   g.Content,
		Rationale: g.Rationale,
		Examples:  g.Examples,
	})
	if err != nil {
		return entryFields{}, fmt.Errorf("failed to serialize guideline payload: %w", err)
	}
	content := strings.Join([]string{g.Content, g.Rationale}, "\n")
	return entryFields{
		Name:     g.Name,
		Category: g.Category,
		Priority: g.Priority,
		Payload:  string(payload),
		Content:  content,
		Tags:     g.Tags,
	}, nil
}

func (r *GuidelineRepo) fromRow(row *entryRow) (*types.Guideline, error) {
	var payload guidelinePayload
	if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
		return nil, fmt.Errorf("corrupt guideline payload for %s: %w", row.ID, err)
	}
	g := &types.Guideline{
		Envelope:  row.Envelope,
		Name:      row.Name,
		Priority:  row.Priority,
		Category:  row.Category,
		Content:   payload.Content,
		Rationale: payload.Rationale,
		Examples:  payload.Examples,
	}
	return g, nil
}

// Create stores a new guideline and returns its id.
func (r *GuidelineRepo) Create(scope types.ScopeRef, g *types.Guideline) (string, error) {
	f, err := r.fields(g)
	if err != nil {
		return "", err
	}
	return r.es.create(scope, f)
}

// Update appends a new version and swaps the head.
func (r *GuidelineRepo) Update(id string, g *types.Guideline) error {
	f, err := r.fields(g)
	if err != nil {
		return err
	}
	return r.es.update(id, f)
}

// GetByID fetches one guideline.
func (r *GuidelineRepo) GetByID(id string, opts GetOpts) (*types.Guideline, error) {
	row, err := r.es.getByID(id, opts)
	if err != nil {
		return nil, err
	}
	return r.fromRow(row)
}

// GetByName resolves a guideline by name, optionally walking the scope chain.
func (r *GuidelineRepo) GetByName(name string, scope types.ScopeRef, inherit bool, scopeIDs map[types.ScopeType]string) (*types.Guideline, error) {
	row, err := r.es.getByName(name, scope, inherit, scopeIDs)
	if err != nil {
		return nil, err
	}
	return r.fromRow(row)
}

// List pages through guidelines.
func (r *GuidelineRepo) List(filter types.ListFilter) (*types.Page[*types.Guideline], error) {
	rows, err := r.es.list(filter)
	if err != nil {
		return nil, err
	}
	page := &types.Page[*types.Guideline]{HasMore: rows.HasMore, NextCursor: rows.NextCursor}
	for _, row := range rows.Items {
		g, convErr := r.fromRow(row)
		if convErr != nil {
			return nil, convErr
		}
		page.Items = append(page.Items, g)
	}
	return page, nil
}

// GetHistory returns the full version chain, oldest first.
func (r *GuidelineRepo) GetHistory(id string) ([]types.Version, error) {
	return r.es.history(id)
}

// Deactivate hides the guideline from default queries, preserving history.
func (r *GuidelineRepo) Deactivate(id string) error {
	return r.es.setActive(id, false)
}

// Reactivate makes a deactivated guideline visible again.
func (r *GuidelineRepo) Reactivate(id string) error {
	return r.es.setActive(id, true)
}

// Delete permanently removes the guideline. Admin path only.
func (r *GuidelineRepo) Delete(id string) error {
	return r.es.delete(id)
}
