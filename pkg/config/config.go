// Package config provides configuration types and loading for quiver.
// This file contains the main unified configuration entry point.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration. It is built once at startup
// and passed by reference; it is never mutated afterward.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Worker    WorkerConfig    `yaml:"worker"`
	Sync      SyncConfig      `yaml:"sync"`
	Auth      AuthConfig      `yaml:"auth"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	OCR       OCRConfig       `yaml:"ocr"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Agent     AgentConfig     `yaml:"agent"`
	Analytics AnalyticsConfig `yaml:"analytics"`
}

// Validate validates the complete configuration.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database config validation failed: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config validation failed: %w", err)
	}
	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker config validation failed: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth config validation failed: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm config validation failed: %w", err)
	}
	if err := c.Embedder.Validate(); err != nil {
		return fmt.Errorf("embedder config validation failed: %w", err)
	}
	if err := c.Retrieval.Validate(); err != nil {
		return fmt.Errorf("retrieval config validation failed: %w", err)
	}
	if err := c.Chunking.Validate(); err != nil {
		return fmt.Errorf("chunking config validation failed: %w", err)
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent config validation failed: %w", err)
	}
	return nil
}

// SetDefaults applies defaults to all sections.
func (c *Config) SetDefaults() {
	c.Database.SetDefaults()
	c.Server.SetDefaults()
	c.Worker.SetDefaults()
	c.Sync.SetDefaults()
	c.LLM.SetDefaults()
	c.Embedder.SetDefaults()
	c.OCR.SetDefaults()
	c.Retrieval.SetDefaults()
	c.Chunking.SetDefaults()
	c.Agent.SetDefaults()
	c.Analytics.SetDefaults()
}

// DatabaseConfig configures the Postgres connection pool.
type DatabaseConfig struct {
	URL                string        `yaml:"url"`
	PoolSize           int           `yaml:"pool_size"`
	MaxOverflow        int           `yaml:"max_overflow"`
	PoolRecycle        time.Duration `yaml:"pool_recycle"`
	PoolTimeout        time.Duration `yaml:"pool_timeout"`
	StatementTimeoutMS int           `yaml:"statement_timeout_ms"`
	LockTimeoutMS      int           `yaml:"lock_timeout_ms"`
}

func (c *DatabaseConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("database url is required")
	}
	return nil
}

func (c *DatabaseConfig) SetDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = 20
	}
	if c.MaxOverflow == 0 {
		c.MaxOverflow = 10
	}
	if c.PoolRecycle == 0 {
		c.PoolRecycle = 30 * time.Minute
	}
	if c.PoolTimeout == 0 {
		c.PoolTimeout = 30 * time.Second
	}
	if c.StatementTimeoutMS == 0 {
		c.StatementTimeoutMS = 30000
	}
	if c.LockTimeoutMS == 0 {
		c.LockTimeoutMS = 5000
	}
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host                       string `yaml:"host"`
	Port                       int    `yaml:"port"`
	MaxRequestSizeBytes        int64  `yaml:"max_request_size_bytes"`
	MaxChatMessageLength       int    `yaml:"max_chat_message_length"`
	MaxConversationTitleLength int    `yaml:"max_conversation_title_length"`
	SessionExpireHours         int    `yaml:"session_expire_hours"`
}

func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MaxRequestSizeBytes == 0 {
		c.MaxRequestSizeBytes = 1 << 20 // 1 MiB
	}
	if c.MaxChatMessageLength == 0 {
		c.MaxChatMessageLength = 32000
	}
	if c.MaxConversationTitleLength == 0 {
		c.MaxConversationTitleLength = 255
	}
	if c.SessionExpireHours == 0 {
		c.SessionExpireHours = 168
	}
}

// WorkerConfig configures the indexing worker pool.
type WorkerConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBase    time.Duration `yaml:"retry_base"`
	RetryCap     time.Duration `yaml:"retry_cap"`
	SoftDeadline time.Duration `yaml:"soft_deadline"`
	HardDeadline time.Duration `yaml:"hard_deadline"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

func (c *WorkerConfig) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be non-negative")
	}
	if c.SoftDeadline > c.HardDeadline {
		return fmt.Errorf("soft_deadline must not exceed hard_deadline")
	}
	return nil
}

func (c *WorkerConfig) SetDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 20
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase == 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryCap == 0 {
		c.RetryCap = 10 * time.Minute
	}
	if c.SoftDeadline == 0 {
		c.SoftDeadline = 14 * time.Minute
	}
	if c.HardDeadline == 0 {
		c.HardDeadline = 15 * time.Minute
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
}

// SyncConfig configures the folder synchronizer.
type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
}

func (c *SyncConfig) SetDefaults() {
	if c.Interval == 0 {
		c.Interval = time.Hour
	}
}

// AuthConfig holds the OAuth client credentials used for token refresh and
// the master secret for at-rest token encryption.
type AuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	SecretKey    string `yaml:"secret_key"`
}

func (c *AuthConfig) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("secret_key is required")
	}
	return nil
}

// LLMConfig configures the chat model provider.
type LLMConfig struct {
	APIKey     string        `yaml:"api_key"`
	Host       string        `yaml:"host"`
	Model      string        `yaml:"model"`
	FastModel  string        `yaml:"fast_model"`
	MaxTokens  int           `yaml:"max_tokens"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

func (c *LLMConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	return nil
}

func (c *LLMConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "https://api.anthropic.com"
	}
	if c.Model == "" {
		c.Model = "claude-sonnet-4-20250514"
	}
	if c.FastModel == "" {
		c.FastModel = "claude-3-5-haiku-20241022"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
}

// EmbedderConfig configures the embedding and rerank provider.
type EmbedderConfig struct {
	APIKey      string        `yaml:"api_key"`
	Host        string        `yaml:"host"`
	Model       string        `yaml:"model"`
	RerankModel string        `yaml:"rerank_model"`
	Dimension   int           `yaml:"dimension"`
	BatchSize   int           `yaml:"batch_size"`
	Timeout     time.Duration `yaml:"timeout"`
}

func (c *EmbedderConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if c.Dimension < 0 {
		return fmt.Errorf("dimension must be non-negative")
	}
	return nil
}

func (c *EmbedderConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "https://api.cohere.com"
	}
	if c.Model == "" {
		c.Model = "embed-english-v3.0"
	}
	if c.RerankModel == "" {
		c.RerankModel = "rerank-v3.5"
	}
	if c.Dimension == 0 {
		c.Dimension = 768
	}
	if c.BatchSize == 0 {
		c.BatchSize = 96
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// OCRConfig configures the PDF OCR provider. An empty APIKey disables OCR;
// PDFs then fall back to native text extraction.
type OCRConfig struct {
	APIKey  string        `yaml:"api_key"`
	Host    string        `yaml:"host"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

func (c *OCRConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "https://api.mistral.ai"
	}
	if c.Model == "" {
		c.Model = "mistral-ocr-latest"
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
}

// RetrievalConfig configures hybrid retrieval fusion.
type RetrievalConfig struct {
	// Fusion selects the score combination strategy: "weighted" or "rrf".
	Fusion              string  `yaml:"fusion"`
	VectorWeight        float64 `yaml:"vector_weight"`
	KeywordWeight       float64 `yaml:"keyword_weight"`
	RecencyWeight       float64 `yaml:"recency_weight"`
	RecencyHalfLifeDays float64 `yaml:"recency_half_life_days"`
	InitialTopK         int     `yaml:"initial_top_k"`
	FinalTopK           int     `yaml:"final_top_k"`
}

func (c *RetrievalConfig) Validate() error {
	switch c.Fusion {
	case "weighted", "rrf":
	default:
		return fmt.Errorf("unknown fusion strategy: %q (supported: weighted, rrf)", c.Fusion)
	}
	sum := c.VectorWeight + c.KeywordWeight + c.RecencyWeight
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("fusion weights must sum to 1, got %.3f", sum)
	}
	return nil
}

func (c *RetrievalConfig) SetDefaults() {
	if c.Fusion == "" {
		c.Fusion = "weighted"
	}
	if c.VectorWeight == 0 && c.KeywordWeight == 0 && c.RecencyWeight == 0 {
		c.VectorWeight = 0.6
		c.KeywordWeight = 0.2
		c.RecencyWeight = 0.2
	}
	if c.RecencyHalfLifeDays == 0 {
		c.RecencyHalfLifeDays = 30
	}
	if c.InitialTopK == 0 {
		c.InitialTopK = 30
	}
	if c.FinalTopK == 0 {
		c.FinalTopK = 10
	}
}

// ChunkingConfig configures block chunking and contextual enrichment.
type ChunkingConfig struct {
	Target                int  `yaml:"target"`
	Max                   int  `yaml:"max"`
	Min                   int  `yaml:"min"`
	Overlap               int  `yaml:"overlap"`
	ContextualEnabled     bool `yaml:"contextual_enabled"`
	ContextualConcurrency int  `yaml:"contextual_concurrency"`
}

func (c *ChunkingConfig) Validate() error {
	if c.Min > c.Target || c.Target > c.Max {
		return fmt.Errorf("chunk sizes must satisfy min <= target <= max")
	}
	return nil
}

func (c *ChunkingConfig) SetDefaults() {
	if c.Target == 0 {
		c.Target = 1500
	}
	if c.Max == 0 {
		c.Max = 2000
	}
	if c.Min == 0 {
		c.Min = 100
	}
	if c.Overlap == 0 {
		c.Overlap = 150
	}
	if c.ContextualConcurrency == 0 {
		c.ContextualConcurrency = 3
	}
}

// AgentConfig configures the tool-calling agent loop.
type AgentConfig struct {
	MaxIterations int `yaml:"max_iterations"`
	ContextTopK   int `yaml:"context_top_k"`
}

func (c *AgentConfig) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1")
	}
	return nil
}

func (c *AgentConfig) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 10
	}
	if c.ContextTopK == 0 {
		c.ContextTopK = 8
	}
}

// AnalyticsConfig configures the optional PostHog sink.
type AnalyticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	Host    string `yaml:"host"`
}

func (c *AnalyticsConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "https://app.posthog.com"
	}
}

// Load reads a YAML config file, expands environment variables, applies
// defaults, and validates. This is the main entry point for configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return LoadFromString(string(data))
}

// LoadFromString loads configuration from a YAML string.
func LoadFromString(yamlContent string) (*Config, error) {
	expanded := expandEnvVars(yamlContent)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
