package classify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/config"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

func testConfig() config.ClassificationConfig {
	return config.ClassificationConfig{
		HighConfidenceThreshold: 0.8,
		LowConfidenceThreshold:  0.6,
		EnableLLMFallback:       false,
		FeedbackDecayDays:       30,
		MaxPatternBoost:         0.2,
		MaxPatternPenalty:       0.3,
		CacheSize:               100,
		CacheTTLMs:              300000,
		LearningRate:            0.1,
	}
}

func newTestClassifier(t *testing.T) (*Classifier, *store.FeedbackStore) {
	t.Helper()
	a, err := store.Open(":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	fb := store.NewFeedbackStore(a)
	return New(testConfig(), fb, nil), fb
}

type labeledSample struct {
	text  string
	want  types.EntryType
	clear bool // expects confidence >= 0.6 via regex
}

var samples = []labeledSample{
	{"Rule: always use strict mode", types.EntryGuideline, true},
	{"Guideline: prefer composition over inheritance", types.EntryGuideline, true},
	{"Policy: all public functions need doc comments", types.EntryGuideline, true},
	{"Never commit secrets to the repository", types.EntryGuideline, true},
	{"Always run the linter before pushing", types.EntryGuideline, true},
	{"You must not log user passwords", types.EntryGuideline, true},
	{"Avoid global mutable state in services", types.EntryGuideline, true},

	{"npm run build", types.EntryTool, true},
	{"git rebase HEAD~3 --autosquash", types.EntryTool, true},
	{"docker compose up -d", types.EntryTool, true},
	{"Command: kubectl get pods -n staging", types.EntryTool, true},
	{"Use `make test` to run the suite", types.EntryTool, true},
	{"curl -X POST http://localhost:8080/health", types.EntryTool, true},
	{"cargo build --release", types.EntryTool, true},

	{"We decided to use React", types.EntryKnowledge, true},
	{"We chose Postgres because of jsonb support", types.EntryKnowledge, true},
	{"Note: the staging cluster lives in us-east-1", types.EntryKnowledge, true},
	{"FYI: deploys are frozen on Fridays", types.EntryKnowledge, true},
	{"TIL: sqlite vacuum rewrites the whole file", types.EntryKnowledge, true},
	{"The payment service uses Redis for session storage", types.EntryKnowledge, false},
	{"The API gateway is throttled upstream", types.EntryKnowledge, false},
}

func TestAccuracyOnLabeledSet(t *testing.T) {
	c, _ := newTestClassifier(t)
	ctx := context.Background()

	require.GreaterOrEqual(t, len(samples), 20)

	correct := 0
	for _, s := range samples {
		res := c.Classify(ctx, s.text)
		if res.Type == s.want {
			correct++
		} else {
			t.Logf("misclassified %q: got %s want %s (confidence %.2f)", s.text, res.Type, s.want, res.Confidence)
		}
		if s.clear {
			assert.GreaterOrEqual(t, res.Confidence, 0.6, "clear sample %q", s.text)
			assert.Equal(t, MethodRegex, res.Method, "clear sample %q", s.text)
		}
	}

	accuracy := float64(correct) / float64(len(samples))
	assert.GreaterOrEqual(t, accuracy, 0.9, "accuracy %.2f over %d samples", accuracy, len(samples))
}

func TestScenarioRouting(t *testing.T) {
	c, _ := newTestClassifier(t)
	ctx := context.Background()

	assert.Equal(t, types.EntryGuideline, c.Classify(ctx, "Rule: always use strict mode").Type)
	assert.Equal(t, types.EntryKnowledge, c.Classify(ctx, "We decided to use React").Type)
	assert.Equal(t, types.EntryTool, c.Classify(ctx, "npm run build").Type)
}

func TestEmptyInputDefaultsToKnowledge(t *testing.T) {
	c, _ := newTestClassifier(t)

	res := c.Classify(context.Background(), "   \n\t ")
	assert.Equal(t, types.EntryKnowledge, res.Type)
	assert.Equal(t, MethodRegex, res.Method)
	assert.Less(t, res.Confidence, 0.5)
}

func TestOverlongInputIsAccepted(t *testing.T) {
	c, _ := newTestClassifier(t)

	long := "Rule: always validate input. "
	for len(long) < 64*1024 {
		long += long
	}
	res := c.Classify(context.Background(), long)
	assert.Equal(t, types.EntryGuideline, res.Type)
}

func TestSecondClassificationHitsCache(t *testing.T) {
	c, _ := newTestClassifier(t)
	ctx := context.Background()

	first := c.Classify(ctx, "npm run build")
	require.Equal(t, MethodRegex, first.Method)

	second := c.Classify(ctx, "npm run build")
	assert.Equal(t, MethodCache, second.Method)
	assert.Equal(t, first.Type, second.Type)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, int64(1), c.CacheStats().Hits)
}

func TestCorrectionsLowerPatternConfidence(t *testing.T) {
	c, fb := newTestClassifier(t)
	ctx := context.Background()

	// The rules call this a guideline; the corrections insist on knowledge.
	text := "Always deploy on Tuesdays"
	predicted := c.Classify(ctx, text)
	require.Equal(t, types.EntryGuideline, predicted.Type)

	var multipliers []float64
	for i := 0; i < 5; i++ {
		require.NoError(t, c.RecordCorrection(text, predicted.Type, types.EntryKnowledge))
		p, err := fb.GetPattern("imperative")
		require.NoError(t, err)
		multipliers = append(multipliers, p.Multiplier)
	}

	p, err := fb.GetPattern("imperative")
	require.NoError(t, err)
	assert.Positive(t, p.IncorrectMatches)

	for i := 1; i < len(multipliers); i++ {
		assert.Less(t, multipliers[i], multipliers[i-1], "multiplier must strictly decrease (step %d)", i)
	}
	assert.GreaterOrEqual(t, multipliers[len(multipliers)-1], 1-testConfig().MaxPatternPenalty)
}

func TestCorrectionConfirmationBoosts(t *testing.T) {
	c, fb := newTestClassifier(t)

	text := "Always deploy on Tuesdays"
	require.NoError(t, c.RecordCorrection(text, types.EntryGuideline, types.EntryGuideline))

	p, err := fb.GetPattern("imperative")
	require.NoError(t, err)
	assert.Positive(t, p.CorrectMatches)
	assert.Greater(t, p.Multiplier, 1.0)
	assert.LessOrEqual(t, p.Multiplier, 1+testConfig().MaxPatternBoost)
}

func TestCorrectionInvalidatesCache(t *testing.T) {
	c, _ := newTestClassifier(t)
	ctx := context.Background()

	text := "Always deploy on Tuesdays"
	c.Classify(ctx, text)
	require.Equal(t, MethodCache, c.Classify(ctx, text).Method)

	require.NoError(t, c.RecordCorrection(text, types.EntryGuideline, types.EntryKnowledge))
	res := c.Classify(ctx, text)
	assert.Equal(t, MethodRegex, res.Method, "correction drops the cached result")
}

func TestCorrectionRejectsExperienceKind(t *testing.T) {
	c, _ := newTestClassifier(t)

	err := c.RecordCorrection("some text", types.EntryKnowledge, types.EntryExperience)
	assert.Error(t, err)
	err = c.RecordCorrection("some text", types.EntryKnowledge, types.EntryType("bogus"))
	assert.Error(t, err)
}

func TestCorrectionsShiftClassification(t *testing.T) {
	c, _ := newTestClassifier(t)
	ctx := context.Background()

	// Text matched by both a guideline rule and a knowledge rule. Repeated
	// corrections toward knowledge must eventually flip the winner.
	text := "We agreed to never deploy on Fridays"
	require.Equal(t, types.EntryKnowledge, c.Classify(ctx, text).Type,
		"team-decision already outweighs imperative here")

	flipped := "Never deploy services that are unhealthy"
	require.Equal(t, types.EntryGuideline, c.Classify(ctx, flipped).Type)
	for i := 0; i < 20; i++ {
		require.NoError(t, c.RecordCorrection(flipped, types.EntryGuideline, types.EntryKnowledge))
	}
	res := c.Classify(ctx, flipped)
	assert.Equal(t, types.EntryKnowledge, res.Type,
		"imperative sinks to its floor while statement-of-fact rises")
}

type fakeFallback struct {
	answer types.EntryType
	err    error
	calls  int
}

func (f *fakeFallback) ClassifyText(ctx context.Context, text string) (types.EntryType, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func TestLLMFallbackOnLowConfidence(t *testing.T) {
	a, err := store.Open(":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	cfg := testConfig()
	cfg.EnableLLMFallback = true
	llm := &fakeFallback{answer: types.EntryTool}
	c := New(cfg, store.NewFeedbackStore(a), llm)

	// statement-of-fact alone scores 0.55, under the 0.6 threshold.
	res := c.Classify(context.Background(), "The payment service uses Redis for session storage")
	assert.Equal(t, types.EntryTool, res.Type)
	assert.Equal(t, MethodLLM, res.Method)
	assert.Equal(t, llmConfidence, res.Confidence)
	assert.Equal(t, 1, llm.calls)

	// Confident regex results never consult the model.
	c.Classify(context.Background(), "npm run build")
	assert.Equal(t, 1, llm.calls)
}

func TestLLMFallbackFailureKeepsRegexResult(t *testing.T) {
	a, err := store.Open(":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	cfg := testConfig()
	cfg.EnableLLMFallback = true
	llm := &fakeFallback{err: errors.New("provider down")}
	c := New(cfg, store.NewFeedbackStore(a), llm)

	res := c.Classify(context.Background(), "The payment service uses Redis for session storage")
	assert.Equal(t, types.EntryKnowledge, res.Type)
	assert.Equal(t, MethodRegex, res.Method)
}

func TestDecayFeedback(t *testing.T) {
	c, fb := newTestClassifier(t)

	require.NoError(t, fb.RecordFeedback("old text", types.EntryKnowledge, types.EntryGuideline))
	removed, err := c.DecayFeedback()
	require.NoError(t, err)
	assert.Zero(t, removed, "fresh feedback survives the horizon")
}

func TestCacheLRUEvictionAndTTL(t *testing.T) {
	cache := newLRUCache(2, 50*time.Millisecond)
	now := time.Now()
	cache.now = func() time.Time { return now }

	cache.put("a", Result{Type: types.EntryTool})
	cache.put("b", Result{Type: types.EntryKnowledge})
	cache.put("c", Result{Type: types.EntryGuideline})

	_, ok := cache.get("a")
	assert.False(t, ok, "oldest entry evicted at capacity")
	_, ok = cache.get("b")
	assert.True(t, ok)

	now = now.Add(51 * time.Millisecond)
	_, ok = cache.get("b")
	assert.False(t, ok, "expired entry is dropped on access")
	assert.Equal(t, int64(1), cache.stats().Evictions)
}

func TestOnResultHookSeesEveryMethod(t *testing.T) {
	c, _ := newTestClassifier(t)
	counts := map[string]int{}
	c.OnResult(func(method string) { counts[method]++ })
	ctx := context.Background()

	c.Classify(ctx, "npm run build")
	c.Classify(ctx, "npm run build")

	assert.Equal(t, 1, counts[MethodRegex])
	assert.Equal(t, 1, counts[MethodCache])
}
