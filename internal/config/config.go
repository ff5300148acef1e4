// Package config loads the mnemo configuration snapshot.
// Configuration is read once at boot from .mnemo/config.yaml plus environment
// overrides and is immutable afterwards; hot paths never touch process.env.
// ReloadForTests exists only for tests.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all mnemo configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// SQLite storage
	Storage StorageConfig `yaml:"storage"`

	// Vector embedding engine
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Classification pipeline
	Classification ClassificationConfig `yaml:"classification"`

	// Rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Hook learning service
	Learning LearningConfig `yaml:"learning"`

	// Context auto-detection
	AutoContext AutoContextConfig `yaml:"auto_context"`

	// Librarian analysis
	Librarian LibrarianConfig `yaml:"librarian"`

	// Pagination cursors
	Cursor CursorConfig `yaml:"cursor"`

	// Timestamp rendering
	Timestamps TimestampsConfig `yaml:"timestamps"`

	// Backups
	Backup BackupConfig `yaml:"backup"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig configures the SQLite storage adapter.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	BusyTimeout  string `yaml:"busy_timeout"` // duration string, default 5s
	RequireVec   bool   `yaml:"require_vec"`  // fail fast when sqlite-vec is missing
}

// EmbeddingConfig configures the vector embedding engine.
// Supports Ollama (local) and GenAI (cloud) backends.
type EmbeddingConfig struct {
	// Provider: "ollama" or "genai"
	Provider string `yaml:"provider" json:"provider"`

	// Ollama Configuration (local embedding server)
	OllamaEndpoint string `yaml:"ollama_endpoint" json:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `yaml:"ollama_model" json:"ollama_model"`       // Default: "embeddinggemma"

	// GenAI Configuration (Google cloud embedding)
	GenAIAPIKey string `yaml:"genai_api_key" json:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model" json:"genai_model"` // Default: "gemini-embedding-001"

	// Queue tuning
	MaxConcurrency int    `yaml:"max_concurrency"` // worker bound, default 4
	MaxAttempts    int    `yaml:"max_attempts"`    // retry limit, default 3
	RetryBaseDelay string `yaml:"retry_base_delay"`

	// Re-embed service
	ReembedBatchSize    int    `yaml:"reembed_batch_size"`
	ReembedBatchDelayMs int    `yaml:"reembed_batch_delay_ms"`
	ReembedOnStartup    bool   `yaml:"reembed_on_startup"`
	TaskType            string `yaml:"task_type"`
}

// ClassificationConfig configures the rule classifier.
type ClassificationConfig struct {
	HighConfidenceThreshold float64 `yaml:"high_confidence_threshold"`
	LowConfidenceThreshold  float64 `yaml:"low_confidence_threshold"`
	EnableLLMFallback       bool    `yaml:"enable_llm_fallback"`
	LLMAPIKey               string  `yaml:"llm_api_key"`
	LLMModel                string  `yaml:"llm_model"`
	FeedbackDecayDays       int     `yaml:"feedback_decay_days"`
	MaxPatternBoost         float64 `yaml:"max_pattern_boost"`
	MaxPatternPenalty       float64 `yaml:"max_pattern_penalty"`
	CacheSize               int     `yaml:"cache_size"`
	CacheTTLMs              int     `yaml:"cache_ttl_ms"`
	LearningRate            float64 `yaml:"learning_rate"`
}

// RateLimitWindow configures one token bucket tier.
type RateLimitWindow struct {
	MaxRequests        int  `yaml:"max_requests"`
	WindowMs           int  `yaml:"window_ms"`
	Enabled            bool `yaml:"enabled"`
	MinBurstProtection int  `yaml:"min_burst_protection"` // tokens/sec floor
}

// RateLimitConfig configures the composite limiter.
type RateLimitConfig struct {
	PerAgent RateLimitWindow `yaml:"per_agent"`
	Global   RateLimitWindow `yaml:"global"`
	Burst    RateLimitWindow `yaml:"burst"`

	// FailMode: open | closed | local-fallback (default)
	FailMode string `yaml:"fail_mode"`

	// Remote backend (Redis). Empty address selects the local backend.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// LearningConfig configures the hook learning service.
type LearningConfig struct {
	Enabled                      bool     `yaml:"enabled"`
	MinFailuresForExperience     int      `yaml:"min_failures_for_experience"`
	ErrorPatternThreshold        int      `yaml:"error_pattern_threshold"`
	ErrorPatternWindowMs         int      `yaml:"error_pattern_window_ms"`
	AnalysisThreshold            int      `yaml:"analysis_threshold"`
	DefaultConfidence            float64  `yaml:"default_confidence"`
	IncludeToolInput             bool     `yaml:"include_tool_input"`
	EnableKnowledgeExtraction    bool     `yaml:"enable_knowledge_extraction"`
	KnowledgeConfidenceThreshold float64  `yaml:"knowledge_confidence_threshold"`
	KnowledgeExtractionTools     []string `yaml:"knowledge_extraction_tools"`
	MinOutputLengthForKnowledge  int      `yaml:"min_output_length_for_knowledge"`
	SignificantSummaryLength     int      `yaml:"significant_summary_length"`
}

// LibrarianConfig configures batch analysis over accumulated experiences.
type LibrarianConfig struct {
	ScanLimit              int     `yaml:"scan_limit"`              // experiences examined per analysis
	MinPatternCount        int     `yaml:"min_pattern_count"`       // cluster size needed for a promotion
	SimilarityThreshold    float64 `yaml:"similarity_threshold"`    // joins an experience to a cluster
	ConsolidationThreshold float64 `yaml:"consolidation_threshold"` // near-duplicate cutoff
	StaleAfterDays         int     `yaml:"stale_after_days"`        // unaccessed age before deprecation
}

// AutoContextConfig configures context detection.
type AutoContextConfig struct {
	Enabled        bool   `yaml:"enabled"`
	CacheTTLMs     int    `yaml:"cache_ttl_ms"`
	DefaultAgentID string `yaml:"default_agent_id"`
	AutoSession    bool   `yaml:"auto_session"`
}

// CursorConfig configures pagination cursor signing.
type CursorConfig struct {
	Secret string `yaml:"secret"` // >= 32 bytes recommended; env MNEMO_CURSOR_SECRET wins
	TTLMs  int    `yaml:"ttl_ms"`
}

// TimestampsConfig configures timestamp rendering in responses.
type TimestampsConfig struct {
	DisplayTimezone string `yaml:"display_timezone"`
}

// BackupConfig configures database backups.
type BackupConfig struct {
	Directory string `yaml:"directory"`
	AdminKey  string `yaml:"admin_key"`
	KeepCount int    `yaml:"keep_count"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the boot defaults before file and env overrides.
func DefaultConfig() *Config {
	return &Config{
		Name:    "mnemo",
		Version: "0.4.0",

		Storage: StorageConfig{
			DatabasePath: filepath.Join(".mnemo", "memory.db"),
			BusyTimeout:  "5s",
			RequireVec:   false,
		},

		Embedding: EmbeddingConfig{
			Provider:            "ollama",
			OllamaEndpoint:      "http://localhost:11434",
			OllamaModel:         "embeddinggemma",
			GenAIModel:          "gemini-embedding-001",
			MaxConcurrency:      4,
			MaxAttempts:         3,
			RetryBaseDelay:      "500ms",
			ReembedBatchSize:    50,
			ReembedBatchDelayMs: 100,
			ReembedOnStartup:    true,
			TaskType:            "SEMANTIC_SIMILARITY",
		},

		Classification: ClassificationConfig{
			HighConfidenceThreshold: 0.8,
			LowConfidenceThreshold:  0.6,
			EnableLLMFallback:       false,
			LLMModel:                "claude-3-5-haiku-latest",
			FeedbackDecayDays:       30,
			MaxPatternBoost:         0.2,
			MaxPatternPenalty:       0.3,
			CacheSize:               500,
			CacheTTLMs:              300000,
			LearningRate:            0.1,
		},

		RateLimit: RateLimitConfig{
			PerAgent: RateLimitWindow{MaxRequests: 60, WindowMs: 60000, Enabled: true, MinBurstProtection: 10},
			Global:   RateLimitWindow{MaxRequests: 600, WindowMs: 60000, Enabled: true, MinBurstProtection: 50},
			Burst:    RateLimitWindow{MaxRequests: 20, WindowMs: 1000, Enabled: true, MinBurstProtection: 20},
			FailMode: "local-fallback",
		},

		Learning: LearningConfig{
			Enabled:                      true,
			MinFailuresForExperience:     2,
			ErrorPatternThreshold:        3,
			ErrorPatternWindowMs:         300000,
			AnalysisThreshold:            10,
			DefaultConfidence:            0.7,
			IncludeToolInput:             false,
			EnableKnowledgeExtraction:    false,
			KnowledgeConfidenceThreshold: 0.6,
			KnowledgeExtractionTools:     []string{"WebFetch", "Read", "Bash"},
			MinOutputLengthForKnowledge:  200,
			SignificantSummaryLength:     150,
		},

		Librarian: LibrarianConfig{
			ScanLimit:              100,
			MinPatternCount:        3,
			SimilarityThreshold:    0.6,
			ConsolidationThreshold: 0.85,
			StaleAfterDays:         30,
		},

		AutoContext: AutoContextConfig{
			Enabled:     true,
			CacheTTLMs:  60000,
			AutoSession: true,
		},

		Cursor: CursorConfig{
			TTLMs: 600000,
		},

		Timestamps: TimestampsConfig{
			DisplayTimezone: "UTC",
		},

		Backup: BackupConfig{
			Directory: filepath.Join(".mnemo", "backups"),
			KeepCount: 5,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, then applies env overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// ReloadForTests re-reads the file and environment into c, replacing the
// snapshot in place so components holding the pointer observe the new values.
// The read-once contract holds everywhere else; only tests call this.
func (c *Config) ReloadForTests(path string) error {
	fresh, err := Load(path)
	if err != nil {
		return err
	}
	*c = *fresh
	return nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides. Called exactly
// once from Load; nothing else reads process env after boot.
func (c *Config) applyEnvOverrides() {
	if secret := os.Getenv("MNEMO_CURSOR_SECRET"); secret != "" {
		c.Cursor.Secret = secret
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Classification.LLMAPIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
	}
	if agent := os.Getenv("MNEMO_AGENT_ID"); agent != "" {
		c.AutoContext.DefaultAgentID = agent
	}
	if path := os.Getenv("MNEMO_DB"); path != "" {
		c.Storage.DatabasePath = path
	}

	// RATE_LIMIT=0 disables all limiter tiers
	if v := os.Getenv("RATE_LIMIT"); v == "0" {
		c.RateLimit.PerAgent.Enabled = false
		c.RateLimit.Global.Enabled = false
		c.RateLimit.Burst.Enabled = false
	}
	if mode := os.Getenv("RATE_LIMIT_FAIL_MODE"); mode != "" {
		c.RateLimit.FailMode = mode
	}
	if addr := os.Getenv("MNEMO_REDIS_ADDR"); addr != "" {
		c.RateLimit.RedisAddr = addr
	}
}

// GetBusyTimeout returns the SQLite busy timeout as a duration.
func (c *Config) GetBusyTimeout() time.Duration {
	d, err := time.ParseDuration(c.Storage.BusyTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetRetryBaseDelay returns the embedding queue retry base delay.
func (c *Config) GetRetryBaseDelay() time.Duration {
	d, err := time.ParseDuration(c.Embedding.RetryBaseDelay)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// ValidateFailMode checks the rate limiter fail mode value.
func (c *Config) ValidateFailMode() error {
	switch c.RateLimit.FailMode {
	case "open", "closed", "local-fallback":
		return nil
	}
	return fmt.Errorf("invalid rate_limit.fail_mode %q (use open, closed, or local-fallback)", c.RateLimit.FailMode)
}

// FindWorkspaceRoot walks upward from cwd looking for a .mnemo directory.
// Falls back to the current directory when none is found.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".mnemo")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return os.Getwd()
}
