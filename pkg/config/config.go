package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// RouterConfig is the top-level configuration for the branch router.
type RouterConfig struct {
	// Routing thresholds. Validation enforces
	// 0 <= rag_threshold < domain_threshold <= 1.
	DomainThreshold float64 `yaml:"domain_threshold"`
	RAGThreshold    float64 `yaml:"rag_threshold"`

	// Adapter cache sizing and lifecycle windows.
	MaxAdaptersInMemory       int     `yaml:"max_adapters_in_memory"`
	EvictionFraction          float64 `yaml:"eviction_fraction"`
	MemoryThreshold           float64 `yaml:"memory_threshold"`
	CompressionIdleSeconds    int     `yaml:"compression_idle_seconds"`
	ObsolescenceWindowSeconds int     `yaml:"obsolescence_window_seconds"`

	// Adapter refresh gating.
	PerformanceThreshold   float64 `yaml:"performance_threshold"`
	UpdateFrequencySeconds int     `yaml:"update_frequency_seconds"`

	// Response cache.
	ResponseCacheTTLSeconds int  `yaml:"response_cache_ttl_seconds"`
	NormalizeQueries        bool `yaml:"normalize_queries"`

	// Background sweep cadence for cache maintenance.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	// Lifecycle step flags.
	Lifecycle LifecycleConfig `yaml:"lifecycle"`

	// Per-domain routing setup. Key is the domain name.
	Domains []DomainConfig `yaml:"domains"`

	// Keyword rules for the built-in classifier.
	KeywordRules []KeywordRule `yaml:"keyword_rules"`

	// External collaborators.
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Generation GenerationConfig `yaml:"generation"`

	// Serving ports.
	APIPort     int `yaml:"api_port"`
	MetricsPort int `yaml:"metrics_port"`
}

// LifecycleConfig toggles the individual steps of the adapter lifecycle policy.
type LifecycleConfig struct {
	EnableRefresh     bool   `yaml:"enable_refresh"`
	EnableBackup      bool   `yaml:"enable_backup"`
	EnableEviction    bool   `yaml:"enable_eviction"`
	EnableCompression bool   `yaml:"enable_compression"`
	BackupDir         string `yaml:"backup_dir"`
}

// DomainConfig declares a routable domain and its ordered sub-branches.
// Sub-branch adapters are tried before the domain's general adapter.
type DomainConfig struct {
	Name        string   `yaml:"name"`
	SubBranches []string `yaml:"sub_branches"`
}

// KeywordRule is a classification rule for the built-in keyword classifier.
type KeywordRule struct {
	Domain        string   `yaml:"domain"`
	Operator      string   `yaml:"operator"` // AND or OR
	Keywords      []string `yaml:"keywords"`
	CaseSensitive bool     `yaml:"case_sensitive"`
}

// RetrievalConfig configures the external retrieval backend.
type RetrievalConfig struct {
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	TopK           int    `yaml:"top_k"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// GenerationConfig configures the OpenAI-compatible generation backend.
type GenerationConfig struct {
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	FallbackModel  string `yaml:"fallback_model"`
	MaxTokens      int    `yaml:"max_tokens"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Default returns a RouterConfig populated with the documented defaults.
func Default() *RouterConfig {
	return &RouterConfig{
		DomainThreshold:           0.6,
		RAGThreshold:              0.2,
		MaxAdaptersInMemory:       8,
		EvictionFraction:          0.2,
		MemoryThreshold:           0.8,
		CompressionIdleSeconds:    1800,
		ObsolescenceWindowSeconds: 7200,
		PerformanceThreshold:      0.7,
		UpdateFrequencySeconds:    300,
		ResponseCacheTTLSeconds:   3600,
		NormalizeQueries:          true,
		SweepIntervalSeconds:      60,
		Lifecycle: LifecycleConfig{
			EnableRefresh:     true,
			EnableBackup:      true,
			EnableEviction:    true,
			EnableCompression: true,
			BackupDir:         "backups",
		},
		Retrieval: RetrievalConfig{
			TopK:           5,
			TimeoutSeconds: 10,
		},
		Generation: GenerationConfig{
			FallbackModel:  "base",
			MaxTokens:      512,
			TimeoutSeconds: 30,
		},
		APIPort:     8080,
		MetricsPort: 9190,
	}
}

// Load reads, parses and validates the configuration file at path.
// Missing fields keep their defaults.
func Load(path string) (*RouterConfig, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses the YAML config file without validating it.
func Parse(path string) (*RouterConfig, error) {
	// Resolve symlinks to handle Kubernetes ConfigMap mounts.
	resolved, _ := filepath.EvalSymlinks(path)
	if resolved == "" {
		resolved = path
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks threshold ordering and value ranges.
func (c *RouterConfig) Validate() error {
	if c.RAGThreshold < 0 {
		return fmt.Errorf("rag_threshold must be >= 0, got %v", c.RAGThreshold)
	}
	if c.DomainThreshold > 1 {
		return fmt.Errorf("domain_threshold must be <= 1, got %v", c.DomainThreshold)
	}
	if c.RAGThreshold >= c.DomainThreshold {
		return fmt.Errorf("rag_threshold (%v) must be strictly below domain_threshold (%v)",
			c.RAGThreshold, c.DomainThreshold)
	}
	if c.MaxAdaptersInMemory <= 0 {
		return fmt.Errorf("max_adapters_in_memory must be positive, got %d", c.MaxAdaptersInMemory)
	}
	if c.EvictionFraction <= 0 || c.EvictionFraction >= 1 {
		return fmt.Errorf("eviction_fraction must be in (0, 1), got %v", c.EvictionFraction)
	}
	if c.MemoryThreshold <= 0 || c.MemoryThreshold > 1 {
		return fmt.Errorf("memory_threshold must be in (0, 1], got %v", c.MemoryThreshold)
	}
	if c.PerformanceThreshold < 0 || c.PerformanceThreshold > 1 {
		return fmt.Errorf("performance_threshold must be in [0, 1], got %v", c.PerformanceThreshold)
	}
	if c.ResponseCacheTTLSeconds <= 0 {
		return fmt.Errorf("response_cache_ttl_seconds must be positive, got %d", c.ResponseCacheTTLSeconds)
	}
	if c.CompressionIdleSeconds <= 0 {
		return fmt.Errorf("compression_idle_seconds must be positive, got %d", c.CompressionIdleSeconds)
	}
	if c.ObsolescenceWindowSeconds <= c.CompressionIdleSeconds {
		return fmt.Errorf("obsolescence_window_seconds (%d) must exceed compression_idle_seconds (%d)",
			c.ObsolescenceWindowSeconds, c.CompressionIdleSeconds)
	}
	for _, rule := range c.KeywordRules {
		switch rule.Operator {
		case "AND", "OR":
		default:
			return fmt.Errorf("unsupported keyword rule operator %q for domain %q", rule.Operator, rule.Domain)
		}
		if rule.Domain == "" {
			return fmt.Errorf("keyword rule missing domain")
		}
	}
	for _, d := range c.Domains {
		if d.Name == "" {
			return fmt.Errorf("domain entry missing name")
		}
	}
	return nil
}

// SubBranchesFor returns the configured sub-branches for a domain, in order.
func (c *RouterConfig) SubBranchesFor(domain string) []string {
	for _, d := range c.Domains {
		if d.Name == domain {
			return d.SubBranches
		}
	}
	return nil
}
