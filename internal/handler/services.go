package handler

import (
	"context"
	"fmt"
	"time"

	"mnemo/internal/analytics"
	"mnemo/internal/backup"
	"mnemo/internal/learning"
	"mnemo/internal/librarian"
	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// LibrarianHandler exposes the librarian over the tool protocol.
type LibrarianHandler struct {
	svc   *librarian.Service
	audit *store.AuditStore
}

func NewLibrarianHandler(svc *librarian.Service, audit *store.AuditStore) *LibrarianHandler {
	return &LibrarianHandler{svc: svc, audit: audit}
}

func (h *LibrarianHandler) Dispatch(req Request) (Response, error) {
	if req.AgentID == "" {
		return nil, types.NewValidationError("agentId", "is required")
	}

	switch req.Action {
	case "status":
		scope, err := req.Params.Scope()
		if err != nil {
			return nil, err
		}
		st, err := h.svc.Status(scope)
		if err != nil {
			return nil, err
		}
		return Response{"status": st}, nil

	case "analyze":
		scope, err := req.Params.Scope()
		if err != nil {
			return nil, err
		}
		job, err := h.svc.Analyze(scope)
		h.record(req, jobID(job), err)
		if err != nil {
			return nil, err
		}
		return Response{"job": job}, nil

	case "list_recommendations":
		scope, err := req.Params.Scope()
		if err != nil {
			return nil, err
		}
		recs, err := h.svc.Recommendations(scope, req.Params.Str("state"), req.Params.Int("limit"))
		if err != nil {
			return nil, err
		}
		return Response{"recommendations": recs, "meta": Response{"returnedCount": len(recs)}}, nil

	case "show_recommendation":
		id := req.Params.Str("id")
		if id == "" {
			return nil, types.NewValidationError("id", "is required")
		}
		rec, err := h.svc.Recommendation(id)
		if err != nil {
			return nil, err
		}
		return Response{"recommendation": rec}, nil

	case "approve", "reject", "skip":
		id := req.Params.Str("id")
		if id == "" {
			return nil, types.NewValidationError("id", "is required")
		}
		var err error
		switch req.Action {
		case "approve":
			err = h.svc.Approve(id)
		case "reject":
			err = h.svc.Reject(id)
		case "skip":
			err = h.svc.Skip(id)
		}
		h.record(req, id, err)
		if err != nil {
			return nil, err
		}
		return Response{"id": id, "state": resolvedState(req.Action)}, nil
	}
	return nil, types.NewValidationError("action", fmt.Sprintf("unknown action %q", req.Action))
}

func (h *LibrarianHandler) record(req Request, resource string, opErr error) {
	if h.audit == nil {
		return
	}
	outcome, errMsg := "ok", ""
	if opErr != nil {
		outcome, errMsg = "error", opErr.Error()
	}
	if err := h.audit.Record(req.AgentID, "librarian."+req.Action, resource, outcome, errMsg); err != nil {
		logging.Get(logging.CategoryHandler).Warn("Audit write failed for librarian.%s: %v", req.Action, err)
	}
}

func jobID(job *store.LibrarianJob) string {
	if job == nil {
		return ""
	}
	return job.ID
}

func resolvedState(action string) string {
	switch action {
	case "approve":
		return "approved"
	case "reject":
		return "rejected"
	}
	return "skipped"
}

// BackupHandler exposes backup maintenance over the tool protocol. Every
// action carries the admin key; the service does the comparison.
type BackupHandler struct {
	svc   *backup.Service
	audit *store.AuditStore
}

func NewBackupHandler(svc *backup.Service, audit *store.AuditStore) *BackupHandler {
	return &BackupHandler{svc: svc, audit: audit}
}

func (h *BackupHandler) Dispatch(req Request) (Response, error) {
	if req.AgentID == "" {
		return nil, types.NewValidationError("agentId", "is required")
	}
	adminKey := req.Params.Str("adminKey")

	switch req.Action {
	case "create":
		info, err := h.svc.Create(adminKey)
		h.record(req, fileOf(info), err)
		if err != nil {
			return nil, err
		}
		return Response{"backup": info}, nil

	case "list":
		backups, err := h.svc.List(adminKey)
		if err != nil {
			return nil, err
		}
		return Response{"backups": backups, "meta": Response{"returnedCount": len(backups)}}, nil

	case "cleanup":
		removed, err := h.svc.Cleanup(adminKey, req.Params.Int("keepCount"))
		h.record(req, "", err)
		if err != nil {
			return nil, err
		}
		return Response{"removedCount": removed}, nil

	case "restore":
		filename := req.Params.Str("filename")
		err := h.svc.Restore(adminKey, filename)
		h.record(req, filename, err)
		if err != nil {
			return nil, err
		}
		return Response{"restored": filename}, nil
	}
	return nil, types.NewValidationError("action", fmt.Sprintf("unknown action %q", req.Action))
}

func (h *BackupHandler) record(req Request, resource string, opErr error) {
	if h.audit == nil {
		return
	}
	outcome, errMsg := "ok", ""
	if opErr != nil {
		outcome, errMsg = "error", opErr.Error()
	}
	if err := h.audit.Record(req.AgentID, "backup."+req.Action, resource, outcome, errMsg); err != nil {
		logging.Get(logging.CategoryHandler).Warn("Audit write failed for backup.%s: %v", req.Action, err)
	}
}

func fileOf(info *backup.Info) string {
	if info == nil {
		return ""
	}
	return info.Filename
}

// AnalyticsHandler exposes the read-only analytics surface. The scope is
// optional: omitted, reports cover the whole database.
type AnalyticsHandler struct {
	svc *analytics.Service
}

func NewAnalyticsHandler(svc *analytics.Service) *AnalyticsHandler {
	return &AnalyticsHandler{svc: svc}
}

func (h *AnalyticsHandler) Dispatch(req Request) (Response, error) {
	if req.AgentID == "" {
		return nil, types.NewValidationError("agentId", "is required")
	}

	var scope *types.ScopeRef
	if req.Params.Has("scopeType") {
		s, err := req.Params.Scope()
		if err != nil {
			return nil, err
		}
		scope = &s
	}

	switch req.Action {
	case "usage":
		report, err := h.svc.Usage(scope)
		if err != nil {
			return nil, err
		}
		return Response{"usage": report}, nil

	case "trends":
		report, err := h.svc.Trends(scope, req.Params.Int("days"))
		if err != nil {
			return nil, err
		}
		return Response{"trends": report}, nil

	case "subtask_stats":
		report, err := h.svc.SubtaskStats(scope)
		if err != nil {
			return nil, err
		}
		return Response{"subtasks": report}, nil

	case "error_correlation":
		report, err := h.svc.ErrorCorrelation(scope)
		if err != nil {
			return nil, err
		}
		return Response{"correlation": report}, nil

	case "low_diversity":
		flags, err := h.svc.LowDiversity(scope)
		if err != nil {
			return nil, err
		}
		return Response{"flags": flags, "meta": Response{"returnedCount": len(flags)}}, nil
	}
	return nil, types.NewValidationError("action", fmt.Sprintf("unknown action %q", req.Action))
}

// ObserveHandler exposes batch observation commits.
type ObserveHandler struct {
	observer *Observer
}

func NewObserveHandler(observer *Observer) *ObserveHandler {
	return &ObserveHandler{observer: observer}
}

func (h *ObserveHandler) Dispatch(ctx context.Context, req Request) (Response, error) {
	if req.AgentID == "" {
		return nil, types.NewValidationError("agentId", "is required")
	}

	switch req.Action {
	case "commit":
		items, err := observeItems(req.Params.Items("items"))
		if err != nil {
			return nil, err
		}
		result, err := h.observer.Commit(ctx, CommitRequest{
			AgentID:   req.AgentID,
			ProjectID: req.Params.Str("projectId"),
			SessionID: req.Params.Str("sessionId"),
			Items:     items,
		})
		if err != nil {
			return nil, err
		}
		return Response{"result": result}, nil

	case "mark_reviewed":
		sessionID := req.Params.Str("sessionId")
		if sessionID == "" {
			return nil, types.NewValidationError("sessionId", "is required")
		}
		if err := h.observer.MarkReviewed(sessionID); err != nil {
			return nil, err
		}
		return Response{"sessionId": sessionID, "reviewed": true}, nil
	}
	return nil, types.NewValidationError("action", fmt.Sprintf("unknown action %q", req.Action))
}

// HookHandler feeds agent lifecycle notifications into the learning service.
// Events are fire-and-forget from the caller's perspective; artifact creation
// happens when thresholds trip, not per event.
type HookHandler struct {
	svc *learning.Service
}

func NewHookHandler(svc *learning.Service) *HookHandler {
	return &HookHandler{svc: svc}
}

func (h *HookHandler) Dispatch(req Request) (Response, error) {
	if req.AgentID == "" {
		return nil, types.NewValidationError("agentId", "is required")
	}
	sessionID := req.Params.Str("sessionId")
	if sessionID == "" && req.Action != "stats" {
		return nil, types.NewValidationError("sessionId", "is required")
	}

	switch req.Action {
	case "tool_failure":
		err := h.svc.OnToolFailure(learning.ToolFailure{
			SessionID:    sessionID,
			ProjectID:    req.Params.Str("projectId"),
			ToolName:     req.Params.Str("toolName"),
			ErrorType:    req.Params.Str("errorType"),
			ErrorMessage: req.Params.Str("errorMessage"),
			Timestamp:    time.Now(),
		})
		if err != nil {
			return nil, err
		}
		return Response{"recorded": true}, nil

	case "subagent_completion":
		err := h.svc.OnSubagentCompletion(learning.SubagentCompletion{
			SessionID:     sessionID,
			ProjectID:     req.Params.Str("projectId"),
			AgentType:     req.Params.Str("agentType"),
			Success:       req.Params.Bool("success"),
			ResultSummary: req.Params.Str("resultSummary"),
			ResultSize:    req.Params.Int("resultSize"),
			DurationMs:    int64(req.Params.Int("durationMs")),
		})
		if err != nil {
			return nil, err
		}
		return Response{"recorded": true}, nil

	case "error_notification":
		err := h.svc.OnErrorNotification(learning.ErrorNotification{
			SessionID: sessionID,
			ProjectID: req.Params.Str("projectId"),
			ErrorType: req.Params.Str("errorType"),
			Message:   req.Params.Str("message"),
			Timestamp: time.Now(),
		})
		if err != nil {
			return nil, err
		}
		return Response{"recorded": true}, nil

	case "tool_success":
		err := h.svc.OnToolSuccess(learning.ToolSuccess{
			SessionID:  sessionID,
			ProjectID:  req.Params.Str("projectId"),
			ToolName:   req.Params.Str("toolName"),
			ToolOutput: req.Params.Str("toolOutput"),
		})
		if err != nil {
			return nil, err
		}
		return Response{"recorded": true}, nil

	case "session_cleanup":
		h.svc.CleanupSession(sessionID)
		return Response{"sessionId": sessionID, "cleaned": true}, nil

	case "stats":
		return Response{"stats": h.svc.Stats()}, nil
	}
	return nil, types.NewValidationError("action", fmt.Sprintf("unknown action %q", req.Action))
}

func observeItems(params []Params) ([]ObserveItem, error) {
	items := make([]ObserveItem, 0, len(params))
	for i, p := range params {
		if p.Str("content") == "" {
			return nil, types.NewValidationError(fmt.Sprintf("items[%d].content", i), "is required")
		}
		items = append(items, ObserveItem{
			Name:       p.Str("name"),
			Content:    p.Str("content"),
			EntryType:  types.EntryType(p.Str("entryType")),
			Category:   p.Str("category"),
			Confidence: p.Float("confidence"),
		})
	}
	return items, nil
}
