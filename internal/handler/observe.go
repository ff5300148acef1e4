package handler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"mnemo/internal/classify"
	"mnemo/internal/contextdetect"
	"mnemo/internal/duplicate"
	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// ObserveItem is one observation in a commit batch. Items without an entry
// type or confidence are classified; pre-classified items pass through.
type ObserveItem struct {
	Name       string          `json:"name"`
	Content    string          `json:"content"`
	EntryType  types.EntryType `json:"entryType,omitempty"`
	Category   string          `json:"category,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
}

// CommitRequest is one observe.commit call. Explicit project/session ids
// win; otherwise the context detector resolves them.
type CommitRequest struct {
	AgentID   string
	ProjectID string
	SessionID string
	Items     []ObserveItem
}

// CommitResult reports where the batch landed.
type CommitResult struct {
	StoredCount       int      `json:"storedCount"`
	StoredToProject   int      `json:"storedToProject"`
	StoredToSession   int      `json:"storedToSession"`
	SkippedDuplicates int      `json:"skippedDuplicates"`
	NeedsReviewCount  int      `json:"needsReviewCount"`
	StoredIDs         []string `json:"storedIds,omitempty"`
}

// Observer persists classified observation batches. High-confidence items go
// to the project scope; everything else lands at session scope for review.
type Observer struct {
	classifier *classify.Classifier
	detector   *contextdetect.Detector
	scopes     *store.ScopeStore
	dups       *duplicate.Detector

	guidelines  *store.GuidelineRepo
	tools       *store.ToolRepo
	knowledge   *store.KnowledgeRepo
	experiences *store.ExperienceRepo

	highConfidence float64
	now            func() time.Time
}

func NewObserver(
	classifier *classify.Classifier,
	detector *contextdetect.Detector,
	scopes *store.ScopeStore,
	dups *duplicate.Detector,
	guidelines *store.GuidelineRepo,
	tools *store.ToolRepo,
	knowledge *store.KnowledgeRepo,
	experiences *store.ExperienceRepo,
	highConfidence float64,
) *Observer {
	if highConfidence <= 0 {
		highConfidence = 0.8
	}
	return &Observer{
		classifier:     classifier,
		detector:       detector,
		scopes:         scopes,
		dups:           dups,
		guidelines:     guidelines,
		tools:          tools,
		knowledge:      knowledge,
		experiences:    experiences,
		highConfidence: highConfidence,
		now:            time.Now,
	}
}

// Commit classifies, routes, and stores a batch. Duplicates at the target
// scope are skipped, never errors. The session's observe metadata is updated
// after a successful pass.
func (o *Observer) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	if len(req.Items) == 0 {
		return nil, types.NewValidationError("items", "must not be empty")
	}

	res := contextdetect.ScopeResolution{
		ProjectID: req.ProjectID,
		SessionID: req.SessionID,
		Source:    "explicit",
	}
	if req.ProjectID == "" && req.SessionID == "" {
		res = o.detector.ResolveProjectScope(req.AgentID, "")
	}
	if res.ProjectID == "" && res.SessionID == "" {
		return nil, types.NewValidationError("scope", "no project or session scope available")
	}

	result := &CommitResult{}
	for i, item := range req.Items {
		kind, confidence := o.classifyItem(ctx, item)
		if !types.ValidEntryType(kind) {
			return nil, types.NewValidationError("items", "item "+strconv.Itoa(i)+" has an unknown entry type")
		}

		confident := confidence >= o.highConfidence
		scope, ok := o.detector.ScopeForConfidence(res, confident)
		if !ok {
			return nil, types.NewValidationError("scope", "no scope to store item "+strconv.Itoa(i))
		}

		name := itemName(item)
		if o.dups != nil && o.dups.Check(kind, name, scope).IsDuplicate {
			result.SkippedDuplicates++
			logging.Get(logging.CategoryHandler).Info("Observe: skipped duplicate %s %q at %s scope", kind, name, scope.Type)
			continue
		}

		id, err := o.storeItem(scope, kind, name, item, confidence)
		if err != nil {
			return nil, err
		}
		result.StoredCount++
		result.StoredIDs = append(result.StoredIDs, id)
		if scope.Type == types.ScopeSession {
			result.StoredToSession++
			result.NeedsReviewCount++
		} else {
			result.StoredToProject++
		}
	}

	if res.SessionID != "" {
		patch := map[string]string{
			"observe.committedAt":      o.now().UTC().Format(time.RFC3339),
			"observe.needsReviewCount": strconv.Itoa(result.NeedsReviewCount),
		}
		if err := o.scopes.UpdateSessionMetadata(res.SessionID, patch); err != nil {
			logging.Get(logging.CategoryHandler).Warn("Observe: session metadata update failed: %v", err)
		}
	}
	return result, nil
}

// MarkReviewed stamps the session after a human has gone through the
// needs-review items.
func (o *Observer) MarkReviewed(sessionID string) error {
	return o.scopes.UpdateSessionMetadata(sessionID, map[string]string{
		"observe.reviewedAt": o.now().UTC().Format(time.RFC3339),
	})
}

// classifyItem fills in the missing type or confidence via the classifier.
func (o *Observer) classifyItem(ctx context.Context, item ObserveItem) (types.EntryType, float64) {
	kind := item.EntryType
	confidence := item.Confidence
	if (kind == "" || confidence == 0) && o.classifier != nil {
		r := o.classifier.Classify(ctx, item.Content)
		if kind == "" {
			kind = r.Type
		}
		if confidence == 0 {
			confidence = r.Confidence
		}
	}
	return kind, confidence
}

func (o *Observer) storeItem(scope types.ScopeRef, kind types.EntryType, name string, item ObserveItem, confidence float64) (string, error) {
	switch kind {
	case types.EntryGuideline:
		return o.guidelines.Create(scope, &types.Guideline{
			Name: name, Category: item.Category, Content: item.Content,
		})
	case types.EntryTool:
		return o.tools.Create(scope, &types.Tool{
			Name: name, Category: item.Category, Description: item.Content,
		})
	case types.EntryKnowledge:
		return o.knowledge.Create(scope, &types.Knowledge{
			Title: name, Category: item.Category, Content: item.Content,
			Source: "observe", Confidence: confidence,
		})
	case types.EntryExperience:
		return o.experiences.Create(scope, &types.Experience{
			Title: name, Category: item.Category, Content: item.Content,
			Level: types.LevelCase, Confidence: confidence,
		})
	}
	return "", types.NewValidationError("entryType", "unknown entry type")
}

// itemName prefers the explicit name and falls back to a content prefix.
func itemName(item ObserveItem) string {
	if item.Name != "" {
		return item.Name
	}
	name := strings.TrimSpace(item.Content)
	if len(name) > 60 {
		name = strings.TrimSpace(name[:60])
	}
	return name
}
