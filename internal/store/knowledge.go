package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"mnemo/internal/cursor"
	"mnemo/internal/types"
)

// knowledgePayload is the immutable versioned part of a knowledge entry.
type knowledgePayload struct {
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
}

// KnowledgeRepo provides versioned CRUD for knowledge artifacts.
type KnowledgeRepo struct {
	es *entryStore
}

// NewKnowledgeRepo builds the knowledge repository on a borrowed adapter.
func NewKnowledgeRepo(a *Adapter, codec *cursor.Codec) *KnowledgeRepo {
	return &KnowledgeRepo{es: newEntryStore(a, types.EntryKnowledge, codec)}
}

func (r *KnowledgeRepo) fields(k *types.Knowledge) (entryFields, error) {
	payload, err := json.Marshal(knowledgePayload{Content: k.Content, Source: k.Source})
	if err != nil {
		return entryFields{}, fmt.Errorf("failed to serialize knowledge payload: %w", err)
	}
	return entryFields{
		Name:          k.Title,
		Category:      k.Category,
		Confidence:    k.Confidence,
		ValidFrom:     k.ValidFrom,
		ValidUntil:    k.ValidUntil,
		InvalidatedBy: k.InvalidatedBy,
		Payload:       string(payload),
		Content:       strings.Join([]string{k.Content, k.Source}, "\n"),
		Tags:          k.Tags,
	}, nil
}

func (r *KnowledgeRepo) fromRow(row *entryRow) (*types.Knowledge, error) {
	var payload knowledgePayload
	if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
		return nil, fmt.Errorf("corrupt knowledge payload for %s: %w", row.ID, err)
	}
	return &types.Knowledge{
		Envelope:      row.Envelope,
		Title:         row.Name,
		Category:      row.Category,
		Content:       payload.Content,
		Source:        payload.Source,
		Confidence:    row.Confidence,
		ValidFrom:     row.ValidFrom,
		ValidUntil:    row.ValidUntil,
		InvalidatedBy: row.InvalidatedBy,
	}, nil
}

// Create stores a new knowledge entry and returns its id.
func (r *KnowledgeRepo) Create(scope types.ScopeRef, k *types.Knowledge) (string, error) {
	f, err := r.fields(k)
	if err != nil {
		return "", err
	}
	return r.es.create(scope, f)
}

// Update appends a new version and swaps the head.
func (r *KnowledgeRepo) Update(id string, k *types.Knowledge) error {
	f, err := r.fields(k)
	if err != nil {
		return err
	}
	return r.es.update(id, f)
}

// Invalidate supersedes a knowledge entry: the superseded record gains a new
// version whose invalidated_by points at the newer record. Versions are never
// rewritten.
func (r *KnowledgeRepo) Invalidate(id, supersededByID string) error {
	current, err := r.GetByID(id, GetOpts{IncludeInactive: true, SkipAccessTrack: true})
	if err != nil {
		return err
	}
	current.InvalidatedBy = supersededByID
	return r.Update(id, current)
}

// GetByID fetches one knowledge entry.
func (r *KnowledgeRepo) GetByID(id string, opts GetOpts) (*types.Knowledge, error) {
	row, err := r.es.getByID(id, opts)
	if err != nil {
		return nil, err
	}
	return r.fromRow(row)
}

// GetByTitle resolves a knowledge entry by title, optionally walking the scope chain.
func (r *KnowledgeRepo) GetByTitle(title string, scope types.ScopeRef, inherit bool, scopeIDs map[types.ScopeType]string) (*types.Knowledge, error) {
	row, err := r.es.getByName(title, scope, inherit, scopeIDs)
	if err != nil {
		return nil, err
	}
	return r.fromRow(row)
}

// List pages through knowledge entries.
func (r *KnowledgeRepo) List(filter types.ListFilter) (*types.Page[*types.Knowledge], error) {
	rows, err := r.es.list(filter)
	if err != nil {
		return nil, err
	}
	page := &types.Page[*types.Knowledge]{HasMore: rows.HasMore, NextCursor: rows.NextCursor}
	for _, row := range rows.Items {
		item, convErr := r.fromRow(row)
		if convErr != nil {
			return nil, convErr
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

// GetHistory returns the full version chain, oldest first.
func (r *KnowledgeRepo) GetHistory(id string) ([]types.Version, error) {
	return r.es.history(id)
}

// Deactivate hides the entry from default queries, preserving history.
func (r *KnowledgeRepo) Deactivate(id string) error {
	return r.es.setActive(id, false)
}

// Reactivate makes a deactivated entry visible again.
func (r *KnowledgeRepo) Reactivate(id string) error {
	return r.es.setActive(id, true)
}

// Delete permanently removes the entry. Admin path only.
func (r *KnowledgeRepo) Delete(id string) error {
	return r.es.delete(id)
}
