package learning

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mnemo/internal/config"
	"mnemo/internal/cursor"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLearningConfig() config.LearningConfig {
	return config.LearningConfig{
		Enabled:                      true,
		MinFailuresForExperience:     2,
		ErrorPatternThreshold:        3,
		ErrorPatternWindowMs:         300000,
		AnalysisThreshold:            10,
		DefaultConfidence:            0.7,
		EnableKnowledgeExtraction:    true,
		KnowledgeConfidenceThreshold: 0.6,
		KnowledgeExtractionTools:     []string{"Bash"},
		MinOutputLengthForKnowledge:  20,
		SignificantSummaryLength:     50,
	}
}

type testHarness struct {
	svc         *Service
	experiences *store.ExperienceRepo
	knowledge   *store.KnowledgeRepo

	triggerMu sync.Mutex
	triggered []types.ScopeRef
}

func newHarness(t *testing.T, cfg config.LearningConfig) *testHarness {
	t.Helper()
	a, err := store.Open(":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	codec := cursor.NewCodec("learning-test-secret-0123456789abcdef0", 10*time.Minute)
	h := &testHarness{
		experiences: store.NewExperienceRepo(a, codec),
		knowledge:   store.NewKnowledgeRepo(a, codec),
	}
	h.svc = NewService(cfg, h.experiences, h.knowledge, func(scope types.ScopeRef) {
		h.triggerMu.Lock()
		h.triggered = append(h.triggered, scope)
		h.triggerMu.Unlock()
	})
	t.Cleanup(h.svc.Wait)
	return h
}

func (h *testHarness) experienceCount(t *testing.T, scope types.ScopeRef) int {
	t.Helper()
	page, err := h.experiences.List(types.ListFilter{Scope: scope, Limit: 100})
	require.NoError(t, err)
	return len(page.Items)
}

func bashFailure(session, errType string) ToolFailure {
	return ToolFailure{
		SessionID:    session,
		ProjectID:    "proj-1",
		ToolName:     "Bash",
		ErrorType:    errType,
		ErrorMessage: "exit status 1",
		Timestamp:    time.Now(),
	}
}

func projScope() types.ScopeRef {
	return types.ScopeRef{Type: types.ScopeProject, ID: "proj-1"}
}

func TestToolFailureLearning(t *testing.T) {
	h := newHarness(t, testLearningConfig())

	// Two consecutive identical failures produce exactly one experience.
	require.NoError(t, h.svc.OnToolFailure(bashFailure("sess-1", "non_zero_exit")))
	assert.Equal(t, 0, h.experienceCount(t, projScope()), "first failure is below the threshold")

	require.NoError(t, h.svc.OnToolFailure(bashFailure("sess-1", "non_zero_exit")))
	require.Equal(t, 1, h.experienceCount(t, projScope()))

	// Two more identical failures in the same session are absorbed.
	require.NoError(t, h.svc.OnToolFailure(bashFailure("sess-1", "non_zero_exit")))
	require.NoError(t, h.svc.OnToolFailure(bashFailure("sess-1", "non_zero_exit")))
	assert.Equal(t, 1, h.experienceCount(t, projScope()))

	// A different error type starts its own counter and experience.
	require.NoError(t, h.svc.OnToolFailure(bashFailure("sess-1", "timeout")))
	require.NoError(t, h.svc.OnToolFailure(bashFailure("sess-1", "timeout")))
	assert.Equal(t, 2, h.experienceCount(t, projScope()))

	page, err := h.experiences.List(types.ListFilter{Scope: projScope(), Limit: 10})
	require.NoError(t, err)
	for _, exp := range page.Items {
		assert.Equal(t, "tool-failure", exp.Category)
		assert.Equal(t, types.LevelCase, exp.Level)
	}
}

func TestToolFailureCountersArePerSession(t *testing.T) {
	h := newHarness(t, testLearningConfig())

	require.NoError(t, h.svc.OnToolFailure(bashFailure("sess-1", "non_zero_exit")))
	require.NoError(t, h.svc.OnToolFailure(bashFailure("sess-2", "non_zero_exit")))
	assert.Equal(t, 0, h.experienceCount(t, projScope()), "failures in different sessions do not combine")
}

func TestSessionCleanupResetsState(t *testing.T) {
	h := newHarness(t, testLearningConfig())

	require.NoError(t, h.svc.OnToolFailure(bashFailure("sess-1", "non_zero_exit")))
	require.NoError(t, h.svc.OnToolFailure(bashFailure("sess-1", "non_zero_exit")))
	require.Equal(t, 1, h.experienceCount(t, projScope()))

	h.svc.CleanupSession("sess-1")

	// After cleanup the same pattern can produce a new experience.
	require.NoError(t, h.svc.OnToolFailure(bashFailure("sess-1", "non_zero_exit")))
	require.NoError(t, h.svc.OnToolFailure(bashFailure("sess-1", "non_zero_exit")))
	assert.Equal(t, 2, h.experienceCount(t, projScope()))
	assert.Zero(t, h.svc.Stats().ActiveSessions-1)
}

func TestSubagentCompletion(t *testing.T) {
	h := newHarness(t, testLearningConfig())

	require.NoError(t, h.svc.OnSubagentCompletion(SubagentCompletion{
		SessionID: "sess-1", ProjectID: "proj-1", AgentType: "researcher",
		Success: false, ResultSummary: "crashed", ResultSize: 7, DurationMs: 1200,
	}))
	require.Equal(t, 1, h.experienceCount(t, projScope()), "failures always produce an experience")

	require.NoError(t, h.svc.OnSubagentCompletion(SubagentCompletion{
		SessionID: "sess-1", ProjectID: "proj-1", AgentType: "researcher",
		Success: true, ResultSummary: "ok", ResultSize: 2, DurationMs: 300,
	}))
	assert.Equal(t, 1, h.experienceCount(t, projScope()), "insignificant successes are dropped")

	long := "the subagent surveyed all twelve services and produced a full dependency report"
	require.NoError(t, h.svc.OnSubagentCompletion(SubagentCompletion{
		SessionID: "sess-1", ProjectID: "proj-1", AgentType: "researcher",
		Success: true, ResultSummary: long, ResultSize: len(long), DurationMs: 900,
	}))
	assert.Equal(t, 2, h.experienceCount(t, projScope()), "significant successes are recorded")
}

func TestErrorPatternWindow(t *testing.T) {
	cfg := testLearningConfig()
	h := newHarness(t, cfg)

	base := time.Now()
	ev := func(offset time.Duration) ErrorNotification {
		return ErrorNotification{
			SessionID: "sess-1", ProjectID: "proj-1",
			ErrorType: "oom", Message: "out of memory", Timestamp: base.Add(offset),
		}
	}

	require.NoError(t, h.svc.OnErrorNotification(ev(0)))
	require.NoError(t, h.svc.OnErrorNotification(ev(time.Second)))
	assert.Equal(t, 0, h.experienceCount(t, projScope()))

	require.NoError(t, h.svc.OnErrorNotification(ev(2*time.Second)))
	assert.Equal(t, 1, h.experienceCount(t, projScope()), "third error inside the window emits the pattern")

	// Once emitted, further errors of the type are absorbed for the session.
	require.NoError(t, h.svc.OnErrorNotification(ev(3*time.Second)))
	assert.Equal(t, 1, h.experienceCount(t, projScope()))
}

func TestErrorsOutsideWindowDoNotAccumulate(t *testing.T) {
	h := newHarness(t, testLearningConfig())

	base := time.Now()
	window := time.Duration(testLearningConfig().ErrorPatternWindowMs) * time.Millisecond
	ev := func(ts time.Time) ErrorNotification {
		return ErrorNotification{SessionID: "sess-1", ProjectID: "proj-1", ErrorType: "oom", Message: "oom", Timestamp: ts}
	}

	require.NoError(t, h.svc.OnErrorNotification(ev(base)))
	require.NoError(t, h.svc.OnErrorNotification(ev(base.Add(window+time.Second))))
	require.NoError(t, h.svc.OnErrorNotification(ev(base.Add(window+2*time.Second))))
	assert.Equal(t, 0, h.experienceCount(t, projScope()), "stale entries fall out of the window")
}

func TestKnowledgeExtraction(t *testing.T) {
	h := newHarness(t, testLearningConfig())

	output := "installing dependencies...\nnode version: v20.11.1\nserver listening on :8080\n"
	require.NoError(t, h.svc.OnToolSuccess(ToolSuccess{
		SessionID: "sess-1", ProjectID: "proj-1", ToolName: "Bash", ToolOutput: output,
	}))

	page, err := h.knowledge.List(types.ListFilter{Scope: projScope(), Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 2, "version line and endpoint line are extracted")
	for _, k := range page.Items {
		assert.Equal(t, "tool:Bash", k.Source)
	}

	// The same output again is fully deduplicated within the session.
	require.NoError(t, h.svc.OnToolSuccess(ToolSuccess{
		SessionID: "sess-1", ProjectID: "proj-1", ToolName: "Bash", ToolOutput: output,
	}))
	page, err = h.knowledge.List(types.ListFilter{Scope: projScope(), Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
}

func TestKnowledgeExtractionGuards(t *testing.T) {
	h := newHarness(t, testLearningConfig())

	// Tool not on the allow list.
	require.NoError(t, h.svc.OnToolSuccess(ToolSuccess{
		SessionID: "sess-1", ProjectID: "proj-1", ToolName: "WebFetch",
		ToolOutput: "node version: v20.11.1 and more text here",
	}))
	// Output too short.
	require.NoError(t, h.svc.OnToolSuccess(ToolSuccess{
		SessionID: "sess-1", ProjectID: "proj-1", ToolName: "Bash", ToolOutput: "v1.2.3",
	}))

	page, err := h.knowledge.List(types.ListFilter{Scope: projScope(), Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestDisabledServiceIsInert(t *testing.T) {
	cfg := testLearningConfig()
	cfg.Enabled = false
	h := newHarness(t, cfg)

	require.NoError(t, h.svc.OnToolFailure(bashFailure("sess-1", "non_zero_exit")))
	require.NoError(t, h.svc.OnToolFailure(bashFailure("sess-1", "non_zero_exit")))
	assert.Equal(t, 0, h.experienceCount(t, projScope()))
}

func TestAnalysisAutoTrigger(t *testing.T) {
	cfg := testLearningConfig()
	cfg.AnalysisThreshold = 2
	h := newHarness(t, cfg)

	// Each distinct error type yields one experience after two failures.
	for _, errType := range []string{"e1", "e2"} {
		require.NoError(t, h.svc.OnToolFailure(bashFailure("sess-1", errType)))
		require.NoError(t, h.svc.OnToolFailure(bashFailure("sess-1", errType)))
	}
	h.svc.Wait()

	h.triggerMu.Lock()
	defer h.triggerMu.Unlock()
	require.Len(t, h.triggered, 1, "threshold of 2 experiences fires one analysis")
	assert.Equal(t, projScope(), h.triggered[0])
	assert.Equal(t, int64(1), h.svc.Stats().AnalysisTriggers)
}
