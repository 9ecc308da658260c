package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dotsetgreg/tripmind/pkg/memory"
)

// DefaultPath is where the CLI looks for its config when --config is unset.
const DefaultPath = "~/.tripmind/config.json"

type Config struct {
	Workspace string          `json:"workspace" env:"TRIPMIND_WORKSPACE"`
	Storage   StorageConfig   `json:"storage"`
	Memory    MemoryConfig    `json:"memory"`
	Providers ProvidersConfig `json:"providers"`
	Log       LogConfig       `json:"log"`
	mu        sync.RWMutex
}

type StorageConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string `json:"driver" env:"TRIPMIND_STORAGE_DRIVER"`
	DatabaseURL string `json:"database_url,omitempty" env:"TRIPMIND_STORAGE_DATABASE_URL"`
}

type MemoryConfig struct {
	EpisodicRetentionDays int     `json:"episodic_retention_days" env:"TRIPMIND_MEMORY_EPISODIC_RETENTION_DAYS"`
	MaxSuggestions        int     `json:"max_suggestions" env:"TRIPMIND_MEMORY_MAX_SUGGESTIONS"`
	MinSuggestSalience    float64 `json:"min_suggest_salience" env:"TRIPMIND_MEMORY_MIN_SUGGEST_SALIENCE"`
	CompactionThreshold   int     `json:"compaction_threshold" env:"TRIPMIND_MEMORY_COMPACTION_THRESHOLD"`
	ConflictK             int     `json:"conflict_k" env:"TRIPMIND_MEMORY_CONFLICT_K"`
	RecallLimit           int     `json:"recall_limit" env:"TRIPMIND_MEMORY_RECALL_LIMIT"`
	InitialSalience       float64 `json:"initial_salience" env:"TRIPMIND_MEMORY_INITIAL_SALIENCE"`
	ReinforceStep         float64 `json:"reinforce_step" env:"TRIPMIND_MEMORY_REINFORCE_STEP"`
	AcceptBoost           float64 `json:"accept_boost" env:"TRIPMIND_MEMORY_ACCEPT_BOOST"`
	DeclineFactor         float64 `json:"decline_factor" env:"TRIPMIND_MEMORY_DECLINE_FACTOR"`
	ReinforceThreshold    float64 `json:"reinforce_threshold" env:"TRIPMIND_MEMORY_REINFORCE_THRESHOLD"`
	ContradictThreshold   float64 `json:"contradict_threshold" env:"TRIPMIND_MEMORY_CONTRADICT_THRESHOLD"`
	FuzzyDestination      bool    `json:"fuzzy_destination" env:"TRIPMIND_MEMORY_FUZZY_DESTINATION"`
	SweepSchedule         string  `json:"sweep_schedule" env:"TRIPMIND_MEMORY_SWEEP_SCHEDULE"`
	EmbedTimeoutMS        int     `json:"embed_timeout_ms" env:"TRIPMIND_MEMORY_EMBED_TIMEOUT_MS"`
	ClassifyTimeoutMS     int     `json:"classify_timeout_ms" env:"TRIPMIND_MEMORY_CLASSIFY_TIMEOUT_MS"`
	EmbeddingCacheEntries int64   `json:"embedding_cache_entries" env:"TRIPMIND_MEMORY_EMBEDDING_CACHE_ENTRIES"`
}

type ProvidersConfig struct {
	Embedding  EmbeddingConfig  `json:"embedding"`
	Classifier ClassifierConfig `json:"classifier"`
}

type EmbeddingConfig struct {
	// Provider is "chargram" (local), "hash" (local) or "openai".
	Provider   string `json:"provider" env:"TRIPMIND_PROVIDERS_EMBEDDING_PROVIDER"`
	Model      string `json:"model" env:"TRIPMIND_PROVIDERS_EMBEDDING_MODEL"`
	Dimensions int    `json:"dimensions,omitempty" env:"TRIPMIND_PROVIDERS_EMBEDDING_DIMENSIONS"`
	APIKey     string `json:"api_key,omitempty" env:"TRIPMIND_PROVIDERS_EMBEDDING_API_KEY"`
	APIBase    string `json:"api_base,omitempty" env:"TRIPMIND_PROVIDERS_EMBEDDING_API_BASE"`
}

type ClassifierConfig struct {
	// Provider is "lexical" (local), "openai" or "anthropic".
	Provider string `json:"provider" env:"TRIPMIND_PROVIDERS_CLASSIFIER_PROVIDER"`
	Model    string `json:"model" env:"TRIPMIND_PROVIDERS_CLASSIFIER_MODEL"`
	APIKey   string `json:"api_key,omitempty" env:"TRIPMIND_PROVIDERS_CLASSIFIER_API_KEY"`
	APIBase  string `json:"api_base,omitempty" env:"TRIPMIND_PROVIDERS_CLASSIFIER_API_BASE"`
}

type LogConfig struct {
	Level string `json:"level" env:"TRIPMIND_LOG_LEVEL"`
	JSON  bool   `json:"json" env:"TRIPMIND_LOG_JSON"`
}

func DefaultConfig() *Config {
	return &Config{
		Workspace: "~/.tripmind/workspace",
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Memory: MemoryConfig{
			EpisodicRetentionDays: 90,
			MaxSuggestions:        3,
			MinSuggestSalience:    0,
			CompactionThreshold:   10,
			ConflictK:             5,
			RecallLimit:           20,
			InitialSalience:       0.6,
			ReinforceStep:         0.1,
			AcceptBoost:           0.1,
			DeclineFactor:         0.2,
			ReinforceThreshold:    0.8,
			ContradictThreshold:   0.45,
			FuzzyDestination:      false,
			SweepSchedule:         "*/15 * * * *",
			EmbedTimeoutMS:        10000,
			ClassifyTimeoutMS:     15000,
			EmbeddingCacheEntries: 4096,
		},
		Providers: ProvidersConfig{
			Embedding: EmbeddingConfig{
				Provider: "chargram",
			},
			Classifier: ClassifierConfig{
				Provider: "lexical",
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads path over the defaults and then applies TRIPMIND_*
// environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(expandHome(path))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	path = expandHome(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate checks the settings the service cannot default on its own.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Storage.DatabaseURL) == "" {
			return fmt.Errorf("storage.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q: use sqlite or postgres", c.Storage.Driver)
	}
	if c.Memory.EpisodicRetentionDays < 0 {
		return fmt.Errorf("memory.episodic_retention_days must not be negative")
	}
	if c.Memory.DeclineFactor < 0 || c.Memory.DeclineFactor >= 1 {
		return fmt.Errorf("memory.decline_factor must be within [0,1)")
	}
	return nil
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Workspace)
}

// MemoryPolicy maps the memory section onto the service policy. Zero values
// fall back to the service defaults.
func (c *Config) MemoryPolicy() memory.Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.Memory
	return memory.NewPolicy(memory.Policy{
		EpisodicRetention:   time.Duration(m.EpisodicRetentionDays) * 24 * time.Hour,
		InitialSalience:     m.InitialSalience,
		ReinforceStep:       m.ReinforceStep,
		AcceptBoost:         m.AcceptBoost,
		DeclineFactor:       m.DeclineFactor,
		MinSuggestSalience:  m.MinSuggestSalience,
		MaxSuggestions:      m.MaxSuggestions,
		CompactionThreshold: m.CompactionThreshold,
		ConflictK:           m.ConflictK,
		RecallLimit:         m.RecallLimit,
		ReinforceThreshold:  m.ReinforceThreshold,
		ContradictThreshold: m.ContradictThreshold,
		FuzzyDestination:    m.FuzzyDestination,
	})
}

// ServiceConfig builds the memory service configuration.
func (c *Config) ServiceConfig() memory.Config {
	policy := c.MemoryPolicy()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return memory.Config{
		Workspace:       expandHome(c.Workspace),
		Policy:          policy,
		EmbedTimeout:    time.Duration(c.Memory.EmbedTimeoutMS) * time.Millisecond,
		ClassifyTimeout: time.Duration(c.Memory.ClassifyTimeoutMS) * time.Millisecond,
		SweepSchedule:   c.Memory.SweepSchedule,
	}
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
