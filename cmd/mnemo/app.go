package main

import (
	"fmt"
	"time"

	"mnemo/internal/analytics"
	"mnemo/internal/backup"
	"mnemo/internal/breaker"
	"mnemo/internal/classify"
	"mnemo/internal/config"
	"mnemo/internal/contextdetect"
	"mnemo/internal/cursor"
	"mnemo/internal/duplicate"
	"mnemo/internal/export"
	"mnemo/internal/handler"
	"mnemo/internal/learning"
	"mnemo/internal/librarian"
	"mnemo/internal/logging"
	"mnemo/internal/metrics"
	"mnemo/internal/permissions"
	"mnemo/internal/ratelimit"
	"mnemo/internal/store"
	"mnemo/internal/types"
	"mnemo/internal/validation"
)

// App is the application context every command runs against. Construction
// wires the full service graph; Close tears it down in reverse.
type App struct {
	Cfg     *config.Config
	Adapter *store.Adapter
	Codec   *cursor.Codec

	Guidelines  *store.GuidelineRepo
	Tools       *store.ToolRepo
	Knowledge   *store.KnowledgeRepo
	Experiences *store.ExperienceRepo
	Scopes      *store.ScopeStore
	Audit       *store.AuditStore
	Maintenance *store.MaintenanceStore

	Breakers   *breaker.Registry
	Perms      *permissions.Checker
	Limiter    *ratelimit.Composite
	Dups       *duplicate.Detector
	Rules      *validation.Service
	Classifier *classify.Classifier
	Detector   *contextdetect.Detector
	Learning   *learning.Service
	Librarian  *librarian.Service
	Backup     *backup.Service
	Analytics  *analytics.Service
	Exporter   *export.Service
	Observer   *handler.Observer

	Registry *handler.Registry
	Metrics  *metrics.Metrics
}

func newApp(cfg *config.Config) (*App, error) {
	adapter, err := store.Open(cfg.Storage.DatabasePath, store.Options{
		RequireVec:  cfg.Storage.RequireVec,
		BusyTimeout: int(cfg.GetBusyTimeout().Milliseconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	codec := cursor.NewCodec(cfg.Cursor.Secret, time.Duration(cfg.Cursor.TTLMs)*time.Millisecond)

	app := &App{
		Cfg:     cfg,
		Adapter: adapter,
		Codec:   codec,

		Guidelines:  store.NewGuidelineRepo(adapter, codec),
		Tools:       store.NewToolRepo(adapter, codec),
		Knowledge:   store.NewKnowledgeRepo(adapter, codec),
		Experiences: store.NewExperienceRepo(adapter, codec),
		Scopes:      store.NewScopeStore(adapter),
		Audit:       store.NewAuditStore(adapter),
		Maintenance: store.NewMaintenanceStore(adapter),
		Rules:       validation.NewService(),
		Metrics:     metrics.New(),
	}

	app.Breakers = breaker.NewRegistry(breaker.Options{
		OnStateChange: func(service string, to breaker.State) {
			app.Metrics.BreakerState.WithLabelValues(service).Set(metrics.BreakerStateValue(string(to)))
		},
	})
	app.Perms = permissions.NewChecker(store.NewPermissionStore(adapter))
	app.Limiter = ratelimit.NewComposite(cfg.RateLimit)
	app.Dups = duplicate.NewDetector(store.NewSearchStore(adapter))
	app.Detector = contextdetect.NewDetector(cfg.AutoContext, app.Scopes)

	var fallback classify.Fallback
	if cfg.Classification.EnableLLMFallback {
		llm, err := classify.NewAnthropicFallback(
			cfg.Classification.LLMAPIKey, cfg.Classification.LLMModel, app.Breakers)
		if err != nil {
			logging.Get(logging.CategoryBoot).Warn("LLM fallback disabled: %v", err)
		} else {
			fallback = llm
		}
	}
	app.Classifier = classify.New(cfg.Classification, store.NewFeedbackStore(adapter), fallback)
	app.Classifier.OnResult(func(method string) {
		app.Metrics.ClassifierTotal.WithLabelValues(method).Inc()
	})
	app.Librarian = librarian.NewService(cfg.Librarian, app.Experiences, store.NewLibrarianStore(adapter))
	app.Learning = learning.NewService(cfg.Learning, app.Experiences, app.Knowledge,
		func(scope types.ScopeRef) {
			if _, err := app.Librarian.Analyze(scope); err != nil {
				logging.Get(logging.CategoryLearning).Warn("Auto-analysis failed for %s:%s: %v",
					scope.Type, scope.ID, err)
			}
		})
	app.Backup = backup.NewService(cfg.Backup, adapter)
	app.Analytics = analytics.NewService(store.NewAnalyticsStore(adapter))
	app.Exporter = export.NewService(app.Guidelines, app.Tools, app.Knowledge, app.Experiences)
	app.Observer = handler.NewObserver(
		app.Classifier, app.Detector, app.Scopes, app.Dups,
		app.Guidelines, app.Tools, app.Knowledge, app.Experiences,
		cfg.Classification.HighConfidenceThreshold,
	)

	app.Registry = buildRegistry(app)
	return app, nil
}

// buildRegistry wires every memory_* tool.
func buildRegistry(app *App) *handler.Registry {
	deps := handler.Deps{
		Perms:   app.Perms,
		Limiter: app.Limiter,
		Audit:   app.Audit,
		Dups:    app.Dups,
		Rules:   app.Rules,
		Metrics: app.Metrics,
	}

	reg := handler.NewRegistry()
	reg.Instrument(app.Metrics)
	reg.RegisterHandler(handler.ToolGuideline, handler.New(handler.GuidelineDescriptor(app.Guidelines), deps))
	reg.RegisterHandler(handler.ToolTool, handler.New(handler.ToolDescriptor(app.Tools), deps))
	reg.RegisterHandler(handler.ToolKnowledge, handler.New(handler.KnowledgeDescriptor(app.Knowledge), deps))
	reg.RegisterHandler(handler.ToolExperience, handler.New(handler.ExperienceDescriptor(app.Experiences), deps))
	reg.Register(handler.ToolObserve, handler.NewObserveHandler(app.Observer).Dispatch)
	reg.RegisterSimple(handler.ToolHook, handler.NewHookHandler(app.Learning).Dispatch)

	librarianTool := handler.NewLibrarianHandler(app.Librarian, app.Audit)
	reg.RegisterSimple(handler.ToolLibrarian, librarianTool.Dispatch)
	backupTool := handler.NewBackupHandler(app.Backup, app.Audit)
	reg.RegisterSimple(handler.ToolBackup, backupTool.Dispatch)
	analyticsTool := handler.NewAnalyticsHandler(app.Analytics)
	reg.RegisterSimple(handler.ToolAnalytics, analyticsTool.Dispatch)
	return reg
}

func (a *App) Close() error {
	a.Learning.Wait()
	return a.Adapter.Close()
}
