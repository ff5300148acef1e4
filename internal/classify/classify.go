// Package classify turns free-form text into an artifact kind with a
// confidence score. An ordered rule table does the work; per-pattern
// multipliers learned from corrections tune it over time, and an optional
// LLM fallback handles inputs the rules are unsure about.
package classify

import (
	"context"
	"fmt"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Method records how a classification was produced.
const (
	MethodRegex = "regex"
	MethodLLM   = "llm"
	MethodCache = "cache"
)

// defaultConfidence is reported when no rule matches. Empty input gets even
// less.
const (
	defaultConfidence = 0.5
	emptyConfidence   = 0.3
)

// Result is one classification outcome.
type Result struct {
	Type       types.EntryType `json:"type"`
	Confidence float64         `json:"confidence"`
	Method     string          `json:"method"`
	PatternIDs []string        `json:"patternIds,omitempty"`
}

// FeedbackSource persists corrections and pattern multipliers. Satisfied by
// *store.FeedbackStore.
type FeedbackSource interface {
	GetPattern(patternID string) (*store.PatternStats, error)
	UpsertPattern(p store.PatternStats) error
	RecordFeedback(text string, predicted, actual types.EntryType) error
	PruneFeedback(cutoff time.Time) (int64, error)
}

// Classifier is safe for concurrent use.
type Classifier struct {
	cfg      config.ClassificationConfig
	feedback FeedbackSource
	cache    *lruCache
	llm      Fallback // nil disables the fallback
	onResult func(method string)
}

// New creates a classifier. Pass a nil fallback to run rules-only.
func New(cfg config.ClassificationConfig, feedback FeedbackSource, llm Fallback) *Classifier {
	return &Classifier{
		cfg:      cfg,
		feedback: feedback,
		cache:    newLRUCache(cfg.CacheSize, time.Duration(cfg.CacheTTLMs)*time.Millisecond),
		llm:      llm,
	}
}

// OnResult registers a hook observing how each classification was produced.
// Register before serving traffic; the hook runs on the caller's goroutine.
func (c *Classifier) OnResult(fn func(method string)) {
	c.onResult = fn
}

func (c *Classifier) observe(res Result) Result {
	if c.onResult != nil {
		c.onResult(res.Method)
	}
	return res
}

// Classify evaluates the rule table against the text. Results are cached by
// input hash; corrections invalidate the cached entry.
func (c *Classifier) Classify(ctx context.Context, text string) Result {
	if normalize(text) == "" {
		return c.observe(Result{Type: types.EntryKnowledge, Confidence: emptyConfidence, Method: MethodRegex})
	}

	hash := store.HashInput(text)
	if res, ok := c.cache.get(hash); ok {
		res.Method = MethodCache
		return c.observe(res)
	}

	res := c.classifyRules(text)

	if res.Confidence < c.cfg.LowConfidenceThreshold && c.cfg.EnableLLMFallback && c.llm != nil {
		if kind, err := c.llm.ClassifyText(ctx, text); err == nil {
			res = Result{Type: kind, Confidence: llmConfidence, Method: MethodLLM, PatternIDs: res.PatternIDs}
		} else {
			// The regex answer stands; fallback trouble is never surfaced.
			logging.ClassifyDebug("LLM fallback unavailable, keeping regex result: %v", err)
		}
	}

	c.cache.put(hash, res)
	return c.observe(res)
}

// classifyRules scores every matched rule by baseWeight times its live
// multiplier. Maximum wins; iteration order breaks ties toward the earlier
// rule.
func (c *Classifier) classifyRules(text string) Result {
	matched := matchRules(text)
	if len(matched) == 0 {
		return Result{Type: types.EntryKnowledge, Confidence: defaultConfidence, Method: MethodRegex}
	}

	patternIDs := make([]string, 0, len(matched))
	best := Result{Method: MethodRegex}
	for _, rule := range matched {
		patternIDs = append(patternIDs, rule.PatternID)
		score := rule.BaseWeight * c.multiplier(rule.PatternID)
		if score > 1 {
			score = 1
		}
		if score > best.Confidence {
			best.Type = rule.Type
			best.Confidence = score
		}
	}
	best.PatternIDs = patternIDs
	return best
}

// multiplier loads a pattern's live multiplier, bounded to
// [1-maxPenalty, 1+maxBoost]. Store trouble degrades to neutral.
func (c *Classifier) multiplier(patternID string) float64 {
	p, err := c.feedback.GetPattern(patternID)
	if err != nil {
		logging.ClassifyDebug("Pattern %s multiplier unavailable, using neutral: %v", patternID, err)
		return 1.0
	}
	return c.clampMultiplier(p.Multiplier)
}

func (c *Classifier) clampMultiplier(m float64) float64 {
	lo := 1 - c.cfg.MaxPatternPenalty
	hi := 1 + c.cfg.MaxPatternBoost
	if m < lo {
		return lo
	}
	if m > hi {
		return hi
	}
	return m
}

// RecordCorrection stores one correction and nudges every matched pattern.
// Patterns whose target kind agrees with the correction move up, the rest
// move down. The cached result for the text is invalidated.
func (c *Classifier) RecordCorrection(text string, predicted, actual types.EntryType) error {
	if !types.ValidEntryType(actual) || actual == types.EntryExperience {
		return fmt.Errorf("cannot correct toward kind %q", actual)
	}
	if err := c.feedback.RecordFeedback(text, predicted, actual); err != nil {
		return err
	}

	for _, rule := range matchRules(text) {
		p, err := c.feedback.GetPattern(rule.PatternID)
		if err != nil {
			logging.Classify("Skipping confidence update for %s: %v", rule.PatternID, err)
			continue
		}
		mult := c.clampMultiplier(p.Multiplier)

		if rule.Type == actual {
			currentBoost := mult - 1
			mult += c.cfg.LearningRate * (c.cfg.MaxPatternBoost - currentBoost)
			p.CorrectMatches++
		} else {
			penaltyRemaining := mult - (1 - c.cfg.MaxPatternPenalty)
			mult -= c.cfg.LearningRate * penaltyRemaining
			p.IncorrectMatches++
		}
		p.Multiplier = c.clampMultiplier(mult)

		if err := c.feedback.UpsertPattern(*p); err != nil {
			logging.Classify("Failed to persist confidence for %s: %v", rule.PatternID, err)
		}
	}

	c.cache.remove(store.HashInput(text))
	logging.ClassifyDebug("Recorded correction %s -> %s", predicted, actual)
	return nil
}

// DecayFeedback drops corrections older than the configured horizon so the
// aggregates track recent behavior.
func (c *Classifier) DecayFeedback() (int64, error) {
	days := c.cfg.FeedbackDecayDays
	if days <= 0 {
		days = 30
	}
	return c.feedback.PruneFeedback(time.Now().AddDate(0, 0, -days))
}

// CacheStats exposes the cache counters for the stats surface.
func (c *Classifier) CacheStats() CacheStats {
	return c.cache.stats()
}

// InvalidateCache drops every cached classification.
func (c *Classifier) InvalidateCache() {
	c.cache.purge()
}
