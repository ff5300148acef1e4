// Package types provides shared type definitions used across mnemo packages.
// This package exists to break import cycles between store, handler, and the
// background learning services. Types here are foundational data structures
// with no complex dependencies.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// SCOPE HIERARCHY
// =============================================================================

// ScopeType is a level in the ownership hierarchy. Lookups walk from the most
// specific scope upward; writes are pinned to a single scope.
type ScopeType string

const (
	ScopeGlobal  ScopeType = "global"
	ScopeOrg     ScopeType = "org"
	ScopeProject ScopeType = "project"
	ScopeAgent   ScopeType = "agent"
	ScopeSession ScopeType = "session"
)

// scopeOrder maps each scope to its position in the hierarchy, most general
// first. Used to build inheritance chains.
var scopeOrder = map[ScopeType]int{
	ScopeGlobal:  0,
	ScopeOrg:     1,
	ScopeProject: 2,
	ScopeAgent:   3,
	ScopeSession: 4,
}

// ValidScope reports whether s names a member of the closed scope set.
func ValidScope(s ScopeType) bool {
	_, ok := scopeOrder[s]
	return ok
}

// MoreSpecific reports whether a is more specific than b in the hierarchy.
func MoreSpecific(a, b ScopeType) bool {
	return scopeOrder[a] > scopeOrder[b]
}

// ScopeChain returns the inheritance chain starting at the given scope and
// walking upward to global. Example: session -> agent -> project -> org -> global.
func ScopeChain(from ScopeType) []ScopeType {
	all := []ScopeType{ScopeSession, ScopeAgent, ScopeProject, ScopeOrg, ScopeGlobal}
	chain := make([]ScopeType, 0, len(all))
	for _, s := range all {
		if scopeOrder[s] <= scopeOrder[from] {
			chain = append(chain, s)
		}
	}
	return chain
}

// ScopeRef identifies a concrete scope. ScopeID is empty iff Type is global.
type ScopeRef struct {
	Type ScopeType `json:"scopeType"`
	ID   string    `json:"scopeId,omitempty"`
}

// Validate enforces the NULL-for-global invariant.
func (s ScopeRef) Validate() error {
	if !ValidScope(s.Type) {
		return NewValidationError("scopeType", fmt.Sprintf("unknown scope type %q", s.Type))
	}
	if s.Type == ScopeGlobal && s.ID != "" {
		return NewValidationError("scopeId", "global scope must not carry a scopeId")
	}
	if s.Type != ScopeGlobal && s.ID == "" {
		return NewValidationError("scopeId", fmt.Sprintf("%s scope requires a scopeId", s.Type))
	}
	return nil
}

// =============================================================================
// ARTIFACT KINDS
// =============================================================================

// EntryType names an artifact kind. The set is closed; new kinds require a
// schema migration and a handler descriptor.
type EntryType string

const (
	EntryGuideline  EntryType = "guideline"
	EntryTool       EntryType = "tool"
	EntryKnowledge  EntryType = "knowledge"
	EntryExperience EntryType = "experience"
)

// ValidEntryType reports whether t is a known artifact kind.
func ValidEntryType(t EntryType) bool {
	switch t {
	case EntryGuideline, EntryTool, EntryKnowledge, EntryExperience:
		return true
	}
	return false
}

// EntryTypes returns all artifact kinds in a stable order.
func EntryTypes() []EntryType {
	return []EntryType{EntryGuideline, EntryTool, EntryKnowledge, EntryExperience}
}

// Envelope carries the fields shared by every artifact kind. Payloads differ
// per kind and live on the concrete structs below.
type Envelope struct {
	ID               string     `json:"id"`
	Scope            ScopeRef   `json:"scope"`
	CurrentVersionID string     `json:"currentVersionId"`
	VersionNum       int        `json:"versionNum"`
	IsActive         bool       `json:"isActive"`
	AccessCount      int64      `json:"accessCount"`
	LastAccessedAt   *time.Time `json:"lastAccessedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	Tags             []string   `json:"tags,omitempty"`
}

// Guideline is a prescriptive rule an agent should follow.
type Guideline struct {
	Envelope
	Name      string   `json:"name"`
	Priority  int      `json:"priority"`
	Category  string   `json:"category"`
	Content   string   `json:"content"`
	Rationale string   `json:"rationale,omitempty"`
	Examples  []string `json:"examples,omitempty"`
}

// Tool describes an external capability and its usage constraints.
type Tool struct {
	Envelope
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Parameters  string `json:"parameters,omitempty"`  // JSON schema text
	Constraints string `json:"constraints,omitempty"` // free-form usage constraints
}

// Knowledge is a durable fact with an optional validity window. Invalidation
// is modelled by superseding: InvalidatedBy points at the newer record.
type Knowledge struct {
	Envelope
	Title         string     `json:"title"`
	Category      string     `json:"category"`
	Content       string     `json:"content"`
	Source        string     `json:"source,omitempty"`
	Confidence    float64    `json:"confidence"`
	ValidFrom     *time.Time `json:"validFrom,omitempty"`
	ValidUntil    *time.Time `json:"validUntil,omitempty"`
	InvalidatedBy string     `json:"invalidatedBy,omitempty"`
}

// ExperienceLevel distinguishes a single observed case from a distilled
// strategy promoted by the librarian.
type ExperienceLevel string

const (
	LevelCase     ExperienceLevel = "case"
	LevelStrategy ExperienceLevel = "strategy"
)

// Experience records what an agent tried and what happened, with an ordered
// trajectory. Trajectory steps are append-only.
type Experience struct {
	Envelope
	Title      string           `json:"title"`
	Level      ExperienceLevel  `json:"level"`
	Category   string           `json:"category"`
	Scenario   string           `json:"scenario"`
	Outcome    string           `json:"outcome,omitempty"`
	Content    string           `json:"content"`
	Confidence float64          `json:"confidence"`
	Trajectory []TrajectoryStep `json:"trajectory,omitempty"`
}

// TrajectoryStep is one ordered action/observation/reasoning triple attached
// to an experience.
type TrajectoryStep struct {
	StepNum     int    `json:"stepNum"`
	Action      string `json:"action"`
	Observation string `json:"observation,omitempty"`
	Reasoning   string `json:"reasoning,omitempty"`
}

// Version is one immutable entry of an artifact's version chain.
type Version struct {
	VersionID  string    `json:"versionId"`
	EntryID    string    `json:"entryId"`
	VersionNum int       `json:"versionNum"`
	Payload    string    `json:"payload"` // canonical JSON of the kind payload
	CreatedAt  time.Time `json:"createdAt"`
}

// =============================================================================
// EVENTS
// =============================================================================

// InvalidationAction names the mutation that produced an invalidation event.
type InvalidationAction string

const (
	ActionCreate     InvalidationAction = "create"
	ActionUpdate     InvalidationAction = "update"
	ActionDeactivate InvalidationAction = "deactivate"
	ActionDelete     InvalidationAction = "delete"
)

// InvalidationEvent is emitted through the adapter bus after a write commits.
// Consumers (caches, dashboards) subscribe; a missing subscriber never fails
// the write.
type InvalidationEvent struct {
	EntryType EntryType          `json:"entryType"`
	EntryID   string             `json:"entryId"`
	Scope     ScopeRef           `json:"scope"`
	Action    InvalidationAction `json:"action"`
}

// =============================================================================
// PAGINATION
// =============================================================================

// Page describes one page of list results.
type Page[T any] struct {
	Items      []T    `json:"items"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ListFilter is the common list contract shared by all repositories.
type ListFilter struct {
	Scope     ScopeRef
	Category  string
	Level     ExperienceLevel // experiences only
	TagFilter []string
	TextQuery string
	Limit     int // clamped to [1,100]
	Cursor    string
	Inactive  bool // include deactivated entries
}

// MaxListLimit caps the page size for every list endpoint.
const MaxListLimit = 100

// ClampLimit applies the default and maximum page size.
func (f *ListFilter) ClampLimit() {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
}
