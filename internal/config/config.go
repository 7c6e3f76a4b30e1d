package config

import (
	"time"
)

// Config is the root configuration for keel.
type Config struct {
	Agent        AgentConfig     `json:"agent"`
	Tools        ToolsConfig     `json:"tools"`
	Selector     SelectorConfig  `json:"tool_selector"`
	SchemaOpt    SchemaOptConfig `json:"schema_optimization"`
	Stream       StreamConfig    `json:"stream"`
	Sessions     SessionsConfig  `json:"sessions"`
	Database     DatabaseConfig  `json:"database,omitempty"`
	Gateway      GatewayConfig   `json:"gateway"`
	Telemetry    TelemetryConfig `json:"telemetry,omitempty"`
	GeminiAPIKey string          `json:"-"` // env KEEL_GEMINI_API_KEY only
}

// AgentConfig tunes the turn engine.
type AgentConfig struct {
	Model              string `json:"model,omitempty"`
	SystemPrompt       string `json:"system_prompt,omitempty"`
	MaxHistoryMessages int    `json:"max_history_messages,omitempty"`
	MaxToolCycles      int    `json:"max_tool_cycles,omitempty"`
	LLMRequestsPerMin  int    `json:"llm_requests_per_min,omitempty"` // 0 = unlimited
}

// ToolsConfig tunes the tool pipeline.
type ToolsConfig struct {
	MaxExecutionRetries  int     `json:"max_execution_retries,omitempty"`
	RetryInitialDelay    float64 `json:"retry_initial_delay_seconds,omitempty"`
	MaxRetryDelay        float64 `json:"max_retry_delay_seconds,omitempty"`
	MaxSimilarCalls      int     `json:"max_similar_tool_calls,omitempty"`
	SimilarityThreshold  float64 `json:"similarity_threshold,omitempty"`
	BreakOnCriticalError bool    `json:"break_on_critical_tool_error,omitempty"`
}

// RetryInitialDelayDuration returns the configured initial backoff delay.
func (t ToolsConfig) RetryInitialDelayDuration() time.Duration {
	return time.Duration(t.RetryInitialDelay * float64(time.Second))
}

// MaxRetryDelayDuration returns the configured backoff cap.
func (t ToolsConfig) MaxRetryDelayDuration() time.Duration {
	return time.Duration(t.MaxRetryDelay * float64(time.Second))
}

// SelectorConfig tunes the tool selector.
type SelectorConfig struct {
	Enabled             *bool    `json:"enabled,omitempty"`
	SimilarityThreshold float64  `json:"similarity_threshold,omitempty"`
	MaxTools            int      `json:"max_tools,omitempty"`
	AlwaysInclude       []string `json:"always_include_tools,omitempty"`
	EmbeddingModel      string   `json:"embedding_model,omitempty"`
	CachePath           string   `json:"cache_path,omitempty"`
	AutoSaveInterval    int      `json:"auto_save_interval_seconds,omitempty"`
	FallbackToCatalog   bool     `json:"fallback_to_catalog,omitempty"`
	WebDamping          float64  `json:"web_damping,omitempty"`
	WebDampingBelow     float64  `json:"web_damping_below,omitempty"`
}

// IsEnabled defaults to true when unset.
func (s SelectorConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// SchemaOptConfig tunes tool-schema optimization at indexing time.
type SchemaOptConfig struct {
	Enabled              *bool `json:"enabled,omitempty"`
	MaxDescriptionLength int   `json:"max_description_length,omitempty"`
	MaxEnumValues        int   `json:"max_enum_values,omitempty"`
	FlattenNestedObjects *bool `json:"flatten_nested_objects,omitempty"`
	SimplifyComplexTypes *bool `json:"simplify_complex_types,omitempty"`
}

func (s SchemaOptConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// FlattenEnabled defaults to true when unset.
func (s SchemaOptConfig) FlattenEnabled() bool {
	return s.FlattenNestedObjects == nil || *s.FlattenNestedObjects
}

// SimplifyEnabled defaults to true when unset.
func (s SchemaOptConfig) SimplifyEnabled() bool {
	return s.SimplifyComplexTypes == nil || *s.SimplifyComplexTypes
}

// StreamConfig tunes the stream processor.
type StreamConfig struct {
	SynthesizeFromToolResults *bool `json:"synthesize_from_tool_results,omitempty"`
}

// SynthesisEnabled defaults to true when unset.
func (s StreamConfig) SynthesisEnabled() bool {
	return s.SynthesizeFromToolResults == nil || *s.SynthesizeFromToolResults
}

// SessionsConfig selects and tunes session persistence.
type SessionsConfig struct {
	Backend string `json:"backend,omitempty"` // "file" (default) or "postgres"
	Storage string `json:"storage,omitempty"` // file backend directory
}

// DatabaseConfig configures Postgres. The DSN is a secret and comes from env
// KEEL_POSTGRES_DSN only, never from the config file.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// GatewayConfig configures the WebSocket event gateway.
type GatewayConfig struct {
	Host           string   `json:"host,omitempty"`
	Port           int      `json:"port,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"` // also env KEEL_OTLP_ENDPOINT
}

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:              "gemini-2.5-flash",
			MaxHistoryMessages: 30,
			MaxToolCycles:      10,
		},
		Tools: ToolsConfig{
			MaxExecutionRetries: 3,
			RetryInitialDelay:   0.5,
			MaxRetryDelay:       5.0,
			MaxSimilarCalls:     3,
			SimilarityThreshold: 0.85,
		},
		Selector: SelectorConfig{
			SimilarityThreshold: 0.3,
			MaxTools:            6,
			EmbeddingModel:      "text-embedding-004",
			CachePath:           "data/tool_embeddings.json",
			AutoSaveInterval:    300,
			FallbackToCatalog:   true,
			WebDamping:          0.85,
			WebDampingBelow:     0.8,
		},
		SchemaOpt: SchemaOptConfig{
			MaxDescriptionLength: 150,
			MaxEnumValues:        7,
		},
		Sessions: SessionsConfig{
			Backend: "file",
			Storage: "~/.keel/sessions",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18930,
		},
	}
}
