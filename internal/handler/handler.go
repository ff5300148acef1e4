// Package handler generates the action dispatchers behind the memory_* tools.
// Every artifact kind supplies a small Descriptor value (name field, repo
// closures, response keys); the dispatcher itself owns the cross-cutting
// rules: scope validation, permission checks, rate limiting, duplicate
// guarding, validation rules, and audit.
package handler

import (
	"fmt"
	"strings"

	"mnemo/internal/duplicate"
	"mnemo/internal/logging"
	"mnemo/internal/metrics"
	"mnemo/internal/permissions"
	"mnemo/internal/store"
	"mnemo/internal/types"
	"mnemo/internal/validation"
)

// Request is one decoded tool call.
type Request struct {
	Action  string
	AgentID string
	Params  Params
}

// Response is the tool result object.
type Response map[string]interface{}

// Descriptor is the per-kind strategy the dispatcher is parameterized by.
// All closures wrap one repository; Ident recovers id and scope from a
// loaded item for permission resources.
type Descriptor struct {
	Kind      types.EntryType
	NameField string
	Singular  string
	Plural    string

	Create     func(scope types.ScopeRef, p Params) (string, error)
	Update     func(id string, p Params) error
	GetByID    func(id string) (interface{}, error)
	Peek       func(id string) (interface{}, error) // like GetByID, no access tracking
	GetByName  func(name string, scope types.ScopeRef, inherit bool, scopeIDs map[types.ScopeType]string) (interface{}, error)
	List       func(filter types.ListFilter) ([]interface{}, bool, string, error)
	History    func(id string) ([]types.Version, error)
	Deactivate func(id string) error
	Delete     func(id string) error
	Ident      func(item interface{}) (string, types.ScopeRef)
}

// RateLimiter is the slice of the composite limiter the dispatcher needs.
type RateLimiter interface {
	Allow(agentID string) error
}

// Deps are the shared services every generated handler uses. Any field may
// be nil; a missing service disables that concern.
type Deps struct {
	Perms   *permissions.Checker
	Limiter RateLimiter
	Audit   *store.AuditStore
	Dups    *duplicate.Detector
	Rules   *validation.Service
	Metrics *metrics.Metrics
}

// Handler dispatches the fixed action set for one artifact kind.
type Handler struct {
	desc Descriptor
	deps Deps
}

func New(desc Descriptor, deps Deps) *Handler {
	return &Handler{desc: desc, deps: deps}
}

var mutations = map[string]bool{
	"add": true, "update": true, "deactivate": true, "delete": true,
	"bulk_add": true, "bulk_update": true, "bulk_delete": true,
}

// Dispatch routes one request. Mutations pass the rate limiter first and are
// audited regardless of outcome.
func (h *Handler) Dispatch(req Request) (Response, error) {
	if req.AgentID == "" {
		return nil, types.NewValidationError("agentId", "is required")
	}

	if mutations[req.Action] {
		if h.deps.Limiter != nil {
			if err := h.deps.Limiter.Allow(req.AgentID); err != nil {
				return nil, err
			}
		}
		resp, err := h.mutate(req)
		h.recordAudit(req, resp, err)
		return resp, err
	}

	switch req.Action {
	case "get":
		return h.get(req)
	case "list":
		return h.list(req)
	case "history":
		return h.history(req)
	}
	return nil, types.NewValidationError("action", fmt.Sprintf("unknown action %q", req.Action))
}

func (h *Handler) mutate(req Request) (Response, error) {
	switch req.Action {
	case "add":
		return h.add(req)
	case "update":
		return h.update(req)
	case "deactivate":
		return h.deactivate(req)
	case "delete":
		return h.delete(req)
	case "bulk_add":
		return h.bulkAdd(req)
	case "bulk_update":
		return h.bulkUpdate(req)
	case "bulk_delete":
		return h.bulkDelete(req)
	}
	return nil, types.NewValidationError("action", fmt.Sprintf("unknown action %q", req.Action))
}

// recordAudit persists the audit row for a mutation. Audit trouble never
// fails the request.
func (h *Handler) recordAudit(req Request, resp Response, opErr error) {
	if h.deps.Audit == nil {
		return
	}
	outcome := "ok"
	errMsg := ""
	if opErr != nil {
		outcome = "error"
		errMsg = opErr.Error()
	}
	resource := req.Params.Str("id")
	if resource == "" {
		resource = req.Params.Str(h.desc.NameField)
	}
	if resource == "" && resp != nil {
		if id, ok := resp["id"].(string); ok {
			resource = id
		}
	}
	action := string(h.desc.Kind) + "." + req.Action
	if err := h.deps.Audit.Record(req.AgentID, action, resource, outcome, errMsg); err != nil {
		logging.Get(logging.CategoryHandler).Warn("Audit write failed for %s: %v", action, err)
	}
}

func (h *Handler) countWrites(n int) {
	if h.deps.Metrics != nil && n > 0 {
		h.deps.Metrics.WritesTotal.WithLabelValues(string(h.desc.Kind)).Add(float64(n))
	}
}

func (h *Handler) countDuplicate() {
	if h.deps.Metrics != nil {
		h.deps.Metrics.DuplicatesKept.Inc()
	}
}

func (h *Handler) add(req Request) (Response, error) {
	scope, err := req.Params.Scope()
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Params.Str(h.desc.NameField))
	if name == "" {
		return nil, types.NewValidationError(h.desc.NameField, "is required")
	}
	if err := h.require(req.AgentID, permissions.ActionWrite, permissions.Resource{
		Scope: scope, EntryType: h.desc.Kind,
	}); err != nil {
		return nil, err
	}
	if err := h.applyRules(req.Params); err != nil {
		return nil, err
	}
	if h.deps.Dups != nil {
		if err := h.deps.Dups.Guard(h.desc.Kind, name, scope); err != nil {
			h.countDuplicate()
			return nil, err
		}
	}

	id, err := h.desc.Create(scope, req.Params)
	if err != nil {
		return nil, err
	}
	h.countWrites(1)
	return Response{"id": id}, nil
}

func (h *Handler) update(req Request) (Response, error) {
	id := req.Params.Str("id")
	if id == "" {
		return nil, types.NewValidationError("id", "is required")
	}
	item, err := h.desc.Peek(id)
	if err != nil {
		return nil, err
	}
	entryID, scope := h.desc.Ident(item)
	if err := h.require(req.AgentID, permissions.ActionWrite, permissions.Resource{
		Scope: scope, EntryType: h.desc.Kind, EntryID: entryID,
	}); err != nil {
		return nil, err
	}
	if err := h.applyRules(req.Params); err != nil {
		return nil, err
	}
	if err := h.desc.Update(id, req.Params); err != nil {
		return nil, err
	}
	return Response{"id": id, "updated": true}, nil
}

func (h *Handler) get(req Request) (Response, error) {
	var item interface{}
	var err error

	switch {
	case req.Params.Str("id") != "":
		item, err = h.desc.GetByID(req.Params.Str("id"))
	case req.Params.Str(h.desc.NameField) != "":
		var scope types.ScopeRef
		scope, err = req.Params.Scope()
		if err != nil {
			return nil, err
		}
		// Name lookups walk the scope chain upward by default; inherit=false
		// pins the lookup to the exact scope.
		inherit := true
		if req.Params.Has("inherit") {
			inherit = req.Params.Bool("inherit")
		}
		item, err = h.desc.GetByName(req.Params.Str(h.desc.NameField), scope, inherit, scopeAncestors(req.Params))
	default:
		return nil, types.NewValidationError("id", fmt.Sprintf("either id or %s with a scope is required", h.desc.NameField))
	}
	if err != nil {
		return nil, err
	}

	entryID, scope := h.desc.Ident(item)
	if err := h.require(req.AgentID, permissions.ActionRead, permissions.Resource{
		Scope: scope, EntryType: h.desc.Kind, EntryID: entryID,
	}); err != nil {
		return nil, err
	}
	return Response{h.desc.Singular: item}, nil
}

func (h *Handler) list(req Request) (Response, error) {
	scope, err := req.Params.Scope()
	if err != nil {
		return nil, err
	}
	filter := types.ListFilter{
		Scope:    scope,
		Category: req.Params.Str("category"),
		Level:    types.ExperienceLevel(req.Params.Str("level")),
		Limit:    req.Params.Int("limit"),
		Cursor:   req.Params.Str("cursor"),
		Inactive: req.Params.Bool("includeInactive"),
	}

	items, hasMore, next, err := h.desc.List(filter)
	if err != nil {
		return nil, err
	}

	// Permission post-filter: drop items the agent may not read.
	visible := items
	if h.deps.Perms != nil {
		resources := make([]permissions.Resource, 0, len(items))
		for _, item := range items {
			id, itemScope := h.desc.Ident(item)
			resources = append(resources, permissions.Resource{
				Scope: itemScope, EntryType: h.desc.Kind, EntryID: id,
			})
		}
		decisions := h.deps.Perms.CheckBatch(req.AgentID, permissions.ActionRead, resources)
		visible = make([]interface{}, 0, len(items))
		for i, item := range items {
			if decisions[resources[i].Key()] {
				visible = append(visible, item)
			}
		}
	}

	meta := Response{"returnedCount": len(visible), "hasMore": hasMore}
	if next != "" {
		meta["nextCursor"] = next
	}
	return Response{"items": visible, "meta": meta}, nil
}

func (h *Handler) history(req Request) (Response, error) {
	id := req.Params.Str("id")
	if id == "" {
		return nil, types.NewValidationError("id", "is required")
	}
	item, err := h.desc.Peek(id)
	if err != nil {
		return nil, err
	}
	entryID, scope := h.desc.Ident(item)
	if err := h.require(req.AgentID, permissions.ActionRead, permissions.Resource{
		Scope: scope, EntryType: h.desc.Kind, EntryID: entryID,
	}); err != nil {
		return nil, err
	}
	versions, err := h.desc.History(id)
	if err != nil {
		return nil, err
	}
	return Response{"versions": versions}, nil
}

func (h *Handler) deactivate(req Request) (Response, error) {
	id := req.Params.Str("id")
	if id == "" {
		return nil, types.NewValidationError("id", "is required")
	}
	if err := h.requireOnEntry(req.AgentID, permissions.ActionWrite, id); err != nil {
		return nil, err
	}
	if err := h.desc.Deactivate(id); err != nil {
		return nil, err
	}
	return Response{"id": id, "deactivated": true}, nil
}

func (h *Handler) delete(req Request) (Response, error) {
	id := req.Params.Str("id")
	if id == "" {
		return nil, types.NewValidationError("id", "is required")
	}
	if err := h.requireOnEntry(req.AgentID, permissions.ActionAdmin, id); err != nil {
		return nil, err
	}
	if err := h.desc.Delete(id); err != nil {
		return nil, err
	}
	return Response{"id": id, "deleted": true}, nil
}

// bulkAdd validates and permission-checks the whole batch before creating
// anything: one denied synthetic id aborts the batch.
func (h *Handler) bulkAdd(req Request) (Response, error) {
	scope, err := req.Params.Scope()
	if err != nil {
		return nil, err
	}
	items := req.Params.Items("items")
	if len(items) == 0 {
		return nil, types.NewValidationError("items", "must not be empty")
	}

	resources := make([]permissions.Resource, 0, len(items))
	for i, item := range items {
		name := strings.TrimSpace(item.Str(h.desc.NameField))
		if name == "" {
			return nil, types.NewValidationError(
				fmt.Sprintf("items[%d].%s", i, h.desc.NameField), "is required")
		}
		if err := h.applyRules(item); err != nil {
			return nil, err
		}
		resources = append(resources, permissions.Resource{
			Scope: scope, EntryType: h.desc.Kind, EntryID: "new:" + name,
		})
	}
	if err := h.requireBatch(req.AgentID, permissions.ActionWrite, resources); err != nil {
		return nil, err
	}
	if h.deps.Dups != nil {
		for _, item := range items {
			if err := h.deps.Dups.Guard(h.desc.Kind, item.Str(h.desc.NameField), scope); err != nil {
				h.countDuplicate()
				return nil, err
			}
		}
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, err := h.desc.Create(scope, item)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	h.countWrites(len(ids))
	return Response{"ids": ids, "count": len(ids)}, nil
}

func (h *Handler) bulkUpdate(req Request) (Response, error) {
	items := req.Params.Items("items")
	if len(items) == 0 {
		return nil, types.NewValidationError("items", "must not be empty")
	}

	resources := make([]permissions.Resource, 0, len(items))
	for i, item := range items {
		id := item.Str("id")
		if id == "" {
			return nil, types.NewValidationError(fmt.Sprintf("items[%d].id", i), "is required")
		}
		loaded, err := h.desc.Peek(id)
		if err != nil {
			return nil, err
		}
		entryID, scope := h.desc.Ident(loaded)
		if err := h.applyRules(item); err != nil {
			return nil, err
		}
		resources = append(resources, permissions.Resource{
			Scope: scope, EntryType: h.desc.Kind, EntryID: entryID,
		})
	}
	if err := h.requireBatch(req.AgentID, permissions.ActionWrite, resources); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		id := item.Str("id")
		if err := h.desc.Update(id, item); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return Response{"ids": ids, "count": len(ids)}, nil
}

func (h *Handler) bulkDelete(req Request) (Response, error) {
	ids := req.Params.StrSlice("ids")
	if len(ids) == 0 {
		return nil, types.NewValidationError("ids", "must not be empty")
	}

	resources := make([]permissions.Resource, 0, len(ids))
	for _, id := range ids {
		loaded, err := h.desc.Peek(id)
		if err != nil {
			return nil, err
		}
		entryID, scope := h.desc.Ident(loaded)
		resources = append(resources, permissions.Resource{
			Scope: scope, EntryType: h.desc.Kind, EntryID: entryID,
		})
	}
	if err := h.requireBatch(req.AgentID, permissions.ActionAdmin, resources); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := h.desc.Delete(id); err != nil {
			return nil, err
		}
	}
	return Response{"ids": ids, "count": len(ids)}, nil
}

func (h *Handler) require(agentID string, action permissions.Action, res permissions.Resource) error {
	if h.deps.Perms == nil {
		return nil
	}
	return h.deps.Perms.Require(agentID, action, res)
}

// requireOnEntry loads the entry to learn its scope before checking.
func (h *Handler) requireOnEntry(agentID string, action permissions.Action, id string) error {
	item, err := h.desc.Peek(id)
	if err != nil {
		return err
	}
	entryID, scope := h.desc.Ident(item)
	return h.require(agentID, action, permissions.Resource{
		Scope: scope, EntryType: h.desc.Kind, EntryID: entryID,
	})
}

// requireBatch fails fast: one denial rejects the whole batch.
func (h *Handler) requireBatch(agentID string, action permissions.Action, resources []permissions.Resource) error {
	if h.deps.Perms == nil {
		return nil
	}
	decisions := h.deps.Perms.CheckBatch(agentID, action, resources)
	for _, res := range resources {
		if !decisions[res.Key()] {
			return &types.PermissionDeniedError{
				AgentID:  agentID,
				Action:   string(action),
				Resource: res.Key(),
			}
		}
	}
	return nil
}

func (h *Handler) applyRules(p Params) error {
	if h.deps.Rules == nil {
		return nil
	}
	return h.deps.Rules.Apply(p.StringFields())
}
