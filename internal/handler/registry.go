package handler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mnemo/internal/logging"
	"mnemo/internal/metrics"
	"mnemo/internal/types"
)

// Tool names exposed over the protocol.
const (
	ToolGuideline  = "memory_guideline"
	ToolTool       = "memory_tool"
	ToolKnowledge  = "memory_knowledge"
	ToolExperience = "memory_experience"
	ToolObserve    = "memory_observe"
	ToolHook       = "memory_hook"
	ToolLibrarian  = "memory_librarian"
	ToolBackup     = "memory_backup"
	ToolAnalytics  = "memory_analytics"
)

// DispatchFunc handles one tool call.
type DispatchFunc func(ctx context.Context, req Request) (Response, error)

// Registry maps tool names to dispatchers. Registration happens at startup;
// dispatch is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]DispatchFunc
	metrics *metrics.Metrics
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]DispatchFunc)}
}

// Instrument attaches the collectors dispatch reports into. Call before the
// first Dispatch; a nil value keeps dispatch uninstrumented.
func (r *Registry) Instrument(m *metrics.Metrics) {
	r.metrics = m
}

func (r *Registry) Register(name string, fn DispatchFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = fn
}

// RegisterHandler adapts a per-kind CRUD handler, which needs no context.
func (r *Registry) RegisterHandler(name string, h *Handler) {
	r.Register(name, func(_ context.Context, req Request) (Response, error) {
		return h.Dispatch(req)
	})
}

// RegisterSimple adapts a dispatcher that never consults the context.
func (r *Registry) RegisterSimple(name string, fn func(Request) (Response, error)) {
	r.Register(name, func(_ context.Context, req Request) (Response, error) {
		return fn(req)
	})
}

// Tools returns the registered tool names, sorted.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch routes one call to its tool.
func (r *Registry) Dispatch(ctx context.Context, tool string, req Request) (Response, error) {
	r.mu.RLock()
	fn, ok := r.tools[tool]
	r.mu.RUnlock()
	if !ok {
		return nil, types.NewValidationError("tool", fmt.Sprintf("unknown tool %q", tool))
	}

	timer := logging.StartTimer(logging.CategoryHandler, tool+"."+req.Action)
	defer timer.Stop()

	start := time.Now()
	resp, err := fn(ctx, req)
	if r.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		r.metrics.RequestsTotal.WithLabelValues(tool, req.Action, outcome).Inc()
		r.metrics.HandlerLatency.WithLabelValues(tool).Observe(time.Since(start).Seconds())
	}
	return resp, err
}
