// Package learning turns hook notifications into memory artifacts. Repeated
// tool failures, failing subagents, and recurring error notifications become
// experiences; interesting tool output can become knowledge. All state is
// per session and wiped on session cleanup.
package learning

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// ToolFailure reports one failed tool invocation.
type ToolFailure struct {
	SessionID    string
	ProjectID    string
	ToolName     string
	ErrorType    string
	ErrorMessage string
	Timestamp    time.Time
}

// SubagentCompletion reports a finished subagent run.
type SubagentCompletion struct {
	SessionID     string
	ProjectID     string
	AgentType     string
	Success       bool
	ResultSummary string
	ResultSize    int
	DurationMs    int64
}

// ErrorNotification reports one error event outside a tool call.
type ErrorNotification struct {
	SessionID string
	ProjectID string
	ErrorType string
	Message   string
	Timestamp time.Time
}

// ToolSuccess reports tool output eligible for knowledge extraction.
type ToolSuccess struct {
	SessionID  string
	ProjectID  string
	ToolName   string
	ToolOutput string
}

// LibrarianTrigger is invoked asynchronously when enough experiences have
// accumulated for a scope.
type LibrarianTrigger func(scope types.ScopeRef)

// Stats is a counter snapshot for the stats surface.
type Stats struct {
	ExperiencesCreated int64 `json:"experiencesCreated"`
	KnowledgeExtracted int64 `json:"knowledgeExtracted"`
	EventsSeen         int64 `json:"eventsSeen"`
	AnalysisTriggers   int64 `json:"analysisTriggers"`
	ActiveSessions     int   `json:"activeSessions"`
}

// sessionState is the per-session working memory.
type sessionState struct {
	failureCounts map[string]int         // toolName|errorType -> consecutive failures
	failureDone   map[string]bool        // patterns already turned into an experience
	errorWindow   map[string][]time.Time // errorType -> recent timestamps
	errorDone     map[string]bool
	seenKnowledge map[string]bool // content hash dedup
	analysisCount int
}

func newSessionState() *sessionState {
	return &sessionState{
		failureCounts: make(map[string]int),
		failureDone:   make(map[string]bool),
		errorWindow:   make(map[string][]time.Time),
		errorDone:     make(map[string]bool),
		seenKnowledge: make(map[string]bool),
	}
}

// extractionPattern triggers knowledge extraction from tool output. The
// matched line becomes the knowledge content.
type extractionPattern struct {
	name     string
	category string
	re       *regexp.Regexp
}

var extractionPatterns = []extractionPattern{
	{"version-info", "environment", regexp.MustCompile(`(?im)^.*\bversion[: ]+v?\d+\.\d+[^\s]*.*$`)},
	{"service-endpoint", "environment", regexp.MustCompile(`(?im)^.*\blistening on \S+.*$`)},
	{"deprecation", "tooling", regexp.MustCompile(`(?im)^.*\bdeprecat(ed|ion)\b.*$`)},
	{"config-path", "environment", regexp.MustCompile(`(?im)^.*\b(config|configuration) (file|loaded from) \S+.*$`)},
}

// Service consumes hook events. Safe for concurrent use; artifact writes go
// through the repositories.
type Service struct {
	cfg         config.LearningConfig
	experiences *store.ExperienceRepo
	knowledge   *store.KnowledgeRepo
	trigger     LibrarianTrigger // nil disables auto-analysis

	mu       sync.Mutex
	sessions map[string]*sessionState
	stats    Stats

	wg  sync.WaitGroup
	now func() time.Time // injectable for tests
}

func NewService(cfg config.LearningConfig, experiences *store.ExperienceRepo, knowledge *store.KnowledgeRepo, trigger LibrarianTrigger) *Service {
	if cfg.MinFailuresForExperience <= 0 {
		cfg.MinFailuresForExperience = 2
	}
	if cfg.ErrorPatternThreshold <= 0 {
		cfg.ErrorPatternThreshold = 3
	}
	if cfg.ErrorPatternWindowMs <= 0 {
		cfg.ErrorPatternWindowMs = 300000
	}
	if cfg.AnalysisThreshold <= 0 {
		cfg.AnalysisThreshold = 10
	}
	if cfg.DefaultConfidence <= 0 {
		cfg.DefaultConfidence = 0.7
	}
	return &Service{
		cfg:         cfg,
		experiences: experiences,
		knowledge:   knowledge,
		trigger:     trigger,
		sessions:    make(map[string]*sessionState),
		now:         time.Now,
	}
}

// OnToolFailure counts failures per (session, tool, errorType) and creates a
// single case experience when the threshold is reached. Later identical
// failures in the session are absorbed by the dedup set.
func (s *Service) OnToolFailure(ev ToolFailure) error {
	if !s.cfg.Enabled || ev.SessionID == "" {
		return nil
	}
	key := ev.ToolName + "|" + ev.ErrorType

	s.mu.Lock()
	s.stats.EventsSeen++
	state := s.sessionLocked(ev.SessionID)
	if state.failureDone[key] {
		s.mu.Unlock()
		return nil
	}
	state.failureCounts[key]++
	count := state.failureCounts[key]
	reached := count >= s.cfg.MinFailuresForExperience
	if reached {
		state.failureDone[key] = true
	}
	s.mu.Unlock()

	if !reached {
		return nil
	}

	exp := &types.Experience{
		Title:      fmt.Sprintf("%s keeps failing with %s (%s)", ev.ToolName, ev.ErrorType, shortID(ev.SessionID)),
		Level:      types.LevelCase,
		Category:   "tool-failure",
		Scenario:   fmt.Sprintf("%s failed %d times with %s in one session", ev.ToolName, count, ev.ErrorType),
		Content:    ev.ErrorMessage,
		Outcome:    "unresolved",
		Confidence: s.cfg.DefaultConfidence,
	}
	return s.createExperience(ev.SessionID, ev.ProjectID, exp)
}

// OnSubagentCompletion records failing subagents always and succeeding ones
// only when the result looks significant.
func (s *Service) OnSubagentCompletion(ev SubagentCompletion) error {
	if !s.cfg.Enabled || ev.SessionID == "" {
		return nil
	}
	s.mu.Lock()
	s.stats.EventsSeen++
	s.sessionLocked(ev.SessionID)
	s.mu.Unlock()

	category := "subagent-failure"
	outcome := "failure"
	if ev.Success {
		if len(ev.ResultSummary) < s.cfg.SignificantSummaryLength {
			return nil
		}
		category = "subagent-success"
		outcome = "success"
	}

	exp := &types.Experience{
		Title:      fmt.Sprintf("%s subagent %s (%s)", ev.AgentType, outcome, shortID(ev.SessionID)),
		Level:      types.LevelCase,
		Category:   category,
		Scenario:   fmt.Sprintf("%s subagent ran for %dms and produced %d bytes", ev.AgentType, ev.DurationMs, ev.ResultSize),
		Content:    ev.ResultSummary,
		Outcome:    outcome,
		Confidence: s.cfg.DefaultConfidence,
	}
	return s.createExperience(ev.SessionID, ev.ProjectID, exp)
}

// OnErrorNotification keeps a sliding window per (session, errorType) and
// emits one error-pattern experience when the threshold is hit inside the
// window.
func (s *Service) OnErrorNotification(ev ErrorNotification) error {
	if !s.cfg.Enabled || ev.SessionID == "" {
		return nil
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	window := time.Duration(s.cfg.ErrorPatternWindowMs) * time.Millisecond

	s.mu.Lock()
	s.stats.EventsSeen++
	state := s.sessionLocked(ev.SessionID)
	if state.errorDone[ev.ErrorType] {
		s.mu.Unlock()
		return nil
	}

	recent := state.errorWindow[ev.ErrorType][:0]
	for _, t := range state.errorWindow[ev.ErrorType] {
		if ts.Sub(t) < window {
			recent = append(recent, t)
		}
	}
	recent = append(recent, ts)
	state.errorWindow[ev.ErrorType] = recent

	reached := len(recent) >= s.cfg.ErrorPatternThreshold
	if reached {
		state.errorDone[ev.ErrorType] = true
		delete(state.errorWindow, ev.ErrorType)
	}
	count := len(recent)
	s.mu.Unlock()

	if !reached {
		return nil
	}

	exp := &types.Experience{
		Title:      fmt.Sprintf("recurring %s errors (%s)", ev.ErrorType, shortID(ev.SessionID)),
		Level:      types.LevelCase,
		Category:   "error-pattern",
		Scenario:   fmt.Sprintf("%d %s errors within %s", count, ev.ErrorType, window),
		Content:    ev.Message,
		Outcome:    "unresolved",
		Confidence: s.cfg.DefaultConfidence,
	}
	return s.createExperience(ev.SessionID, ev.ProjectID, exp)
}

// OnToolSuccess extracts knowledge from allowed tools' output. Dedup is per
// session by extracted content.
func (s *Service) OnToolSuccess(ev ToolSuccess) error {
	if !s.cfg.Enabled || !s.cfg.EnableKnowledgeExtraction || ev.SessionID == "" {
		return nil
	}
	if !s.toolAllowed(ev.ToolName) {
		return nil
	}
	if len(ev.ToolOutput) < s.cfg.MinOutputLengthForKnowledge {
		return nil
	}

	s.mu.Lock()
	s.stats.EventsSeen++
	s.mu.Unlock()

	scope, ok := s.scopeFor(ev.SessionID, ev.ProjectID)
	if !ok {
		return nil
	}

	var firstErr error
	for _, p := range extractionPatterns {
		for _, line := range p.re.FindAllString(ev.ToolOutput, 3) {
			content := strings.TrimSpace(line)
			if content == "" {
				continue
			}
			hash := contentHash(content)

			s.mu.Lock()
			state := s.sessionLocked(ev.SessionID)
			dup := state.seenKnowledge[hash]
			if !dup {
				state.seenKnowledge[hash] = true
			}
			s.mu.Unlock()
			if dup {
				continue
			}

			k := &types.Knowledge{
				Title:      fmt.Sprintf("%s output: %s %s", ev.ToolName, p.name, hash[:8]),
				Category:   p.category,
				Content:    content,
				Source:     "tool:" + ev.ToolName,
				Confidence: s.cfg.KnowledgeConfidenceThreshold,
			}
			if _, err := s.knowledge.Create(scope, k); err != nil {
				logging.Get(logging.CategoryLearning).Warn("Knowledge extraction write failed: %v", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			s.mu.Lock()
			s.stats.KnowledgeExtracted++
			s.mu.Unlock()
			logging.LearningDebug("Extracted %s knowledge from %s output", p.name, ev.ToolName)
		}
	}
	return firstErr
}

// CleanupSession wipes all per-session counters and dedup sets.
func (s *Service) CleanupSession(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	logging.LearningDebug("Cleared learning state for session %s", sessionID)
}

// Stats snapshots the service counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.ActiveSessions = len(s.sessions)
	return out
}

// Wait blocks until in-flight librarian triggers finish. Tests and shutdown
// use it.
func (s *Service) Wait() {
	s.wg.Wait()
}

// createExperience writes the artifact and advances the analysis counter.
func (s *Service) createExperience(sessionID, projectID string, exp *types.Experience) error {
	scope, ok := s.scopeFor(sessionID, projectID)
	if !ok {
		return nil
	}

	if _, err := s.experiences.Create(scope, exp); err != nil {
		return fmt.Errorf("failed to store %s experience: %w", exp.Category, err)
	}
	logging.Learning("Created %s experience %q at %s scope", exp.Category, exp.Title, scope.Type)

	s.mu.Lock()
	s.stats.ExperiencesCreated++
	state := s.sessionLocked(sessionID)
	state.analysisCount++
	fire := state.analysisCount >= s.cfg.AnalysisThreshold
	if fire {
		state.analysisCount = 0
		s.stats.AnalysisTriggers++
	}
	trigger := s.trigger
	s.mu.Unlock()

	if fire && trigger != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			trigger(scope)
		}()
	}
	return nil
}

// scopeFor picks where artifacts land: project when known, else session.
func (s *Service) scopeFor(sessionID, projectID string) (types.ScopeRef, bool) {
	if projectID != "" {
		return types.ScopeRef{Type: types.ScopeProject, ID: projectID}, true
	}
	if sessionID != "" {
		return types.ScopeRef{Type: types.ScopeSession, ID: sessionID}, true
	}
	return types.ScopeRef{}, false
}

func (s *Service) toolAllowed(tool string) bool {
	for _, allowed := range s.cfg.KnowledgeExtractionTools {
		if strings.EqualFold(allowed, tool) {
			return true
		}
	}
	return false
}

// sessionLocked returns the state for a session, creating it on first use.
// Caller holds s.mu.
func (s *Service) sessionLocked(sessionID string) *sessionState {
	state, ok := s.sessions[sessionID]
	if !ok {
		state = newSessionState()
		s.sessions[sessionID] = state
	}
	return state
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
