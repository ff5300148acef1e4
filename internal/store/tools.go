package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"mnemo/internal/cursor"
	"mnemo/internal/types"
)

// toolPayload is the immutable versioned part of a tool entry.
type toolPayload struct {
	Description string `json:"description"`
	Parameters  string `json:"parameters,omitempty"`
	Constraints string `json:"constraints,omitempty"`
}

// ToolRepo provides versioned CRUD for tool artifacts.
type ToolRepo struct {
	es *entryStore
}

// NewToolRepo builds the tool repository on a borrowed adapter.
func NewToolRepo(a *Adapter, codec *cursor.Codec) *ToolRepo {
	return &ToolRepo{es: newEntryStore(a, types.EntryTool, codec)}
}

func (r *ToolRepo) fields(t *types.Tool) (entryFields, error) {
	payload, err := json.Marshal(toolPayload{
		Description: t.Description,
		Parameters:  t.Parameters,
		Constraints: t.Constraints,
	})
	if err != nil {
		return entryFields{}, fmt.Errorf("failed to serialize tool payload: %w", err)
	}
	return entryFields{
		Name:     t.Name,
		Category: t.Category,
		Payload:  string(payload),
		Content:  strings.Join([]string{t.Description, t.Constraints}, "\n"),
		Tags:     t.Tags,
	}, nil
}

func (r *ToolRepo) fromRow(row *entryRow) (*types.Tool, error) {
	var payload toolPayload
	if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
		return nil, fmt.Errorf("corrupt tool payload for %s: %w", row.ID, err)
	}
	return &types.Tool{
		Envelope:    row.Envelope,
		Name:        row.Name,
		Category:    row.Category,
		Description: payload.Description,
		Parameters:  payload.Parameters,
		Constraints: payload.Constraints,
	}, nil
}

// Create stores a new tool and returns its id.
func (r *ToolRepo) Create(scope types.ScopeRef, t *types.Tool) (string, error) {
	f, err := r.fields(t)
	if err != nil {
		return "", err
	}
	return r.es.create(scope, f)
}

// Update appends a new version and swaps the head.
func (r *ToolRepo) Update(id string, t *types.Tool) error {
	f, err := r.fields(t)
	if err != nil {
		return err
	}
	return r.es.update(id, f)
}

// GetByID fetches one tool.
func (r *ToolRepo) GetByID(id string, opts GetOpts) (*types.Tool, error) {
	row, err := r.es.getByID(id, opts)
	if err != nil {
		return nil, err
	}
	return r.fromRow(row)
}

// GetByName resolves a tool by name, optionally walking the scope chain.
func (r *ToolRepo) GetByName(name string, scope types.ScopeRef, inherit bool, scopeIDs map[types.ScopeType]string) (*types.Tool, error) {
	row, err := r.es.getByName(name, scope, inherit, scopeIDs)
	if err != nil {
		return nil, err
	}
	return r.fromRow(row)
}

// List pages through tools.
func (r *ToolRepo) List(filter types.ListFilter) (*types.Page[*types.Tool], error) {
	rows, err := r.es.list(filter)
	if err != nil {
		return nil, err
	}
	page := &types.Page[*types.Tool]{HasMore: rows.HasMore, NextCursor: rows.NextCursor}
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
func (r *ToolRepo) GetHistory(id string) ([]types.Version, error) {
	return r.es.history(id)
}

// Deactivate hides the tool from default queries, preserving history.
func (r *ToolRepo) Deactivate(id string) error {
	return r.es.setActive(id, false)
}

// Reactivate makes a deactivated tool visible again.
func (r *ToolRepo) Reactivate(id string) error {
	return r.es.setActive(id, true)
}

// Delete permanently removes the tool. Admin path only.
func (r *ToolRepo) Delete(id string) error {
	return r.es.delete(id)
}
