// Package config provides the configuration schema, loader, and provider
// registry for the pipelined server.
//
// Configuration is environment-driven: every field in [Config] has a
// corresponding env var (see [Load]), mirroring how the service is actually
// deployed. An optional YAML file can still be layered on top for local
// development — see [LoadFile] — using the same field names under
// snake_case keys.
package config

import "time"

// Environment selects the deployment environment, which gates behavior such
// as the dev auth bypass.
type Environment string

const (
	EnvironmentDevelopment Environment = "development"
	EnvironmentStaging     Environment = "staging"
	EnvironmentProduction  Environment = "production"
)

// IsValid reports whether e is one of the closed set of known environments.
func (e Environment) IsValid() bool {
	switch e {
	case EnvironmentDevelopment, EnvironmentStaging, EnvironmentProduction:
		return true
	default:
		return false
	}
}

// ModelChoice selects which of the two configured LLM models a session
// should route to.
type ModelChoice string

const (
	ModelChoiceModel1 ModelChoice = "model1"
	ModelChoiceModel2 ModelChoice = "model2"
)

// IsValid reports whether m is one of the closed set of known model choices.
func (m ModelChoice) IsValid() bool {
	switch m {
	case ModelChoiceModel1, ModelChoiceModel2:
		return true
	default:
		return false
	}
}

// PipelineMode is the default server-wide pipeline topology selector, unless
// overridden per-connection (see internal/ws).
type PipelineMode string

const (
	PipelineModeFast           PipelineMode = "fast"
	PipelineModeAccurate       PipelineMode = "accurate"
	PipelineModeAccurateFiller PipelineMode = "accurate_filler"
)

// IsValid reports whether p is one of the closed set of known pipeline modes.
func (p PipelineMode) IsValid() bool {
	switch p {
	case PipelineModeFast, PipelineModeAccurate, PipelineModeAccurateFiller:
		return true
	default:
		return false
	}
}

// Config is the root configuration for the pipelined server. Zero values are
// meaningful for every optional field: an empty fallback provider disables
// fallback, an empty policy allowlist puts no intent restriction on its
// checkpoint, and so on.
type Config struct {
	Environment Environment `yaml:"environment"`

	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Identity IdentityConfig `yaml:"identity"`
	Provider ProviderConfig `yaml:"provider"`
	LLM      LLMConfig      `yaml:"llm"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Breaker  BreakerConfig  `yaml:"circuit_breaker"`
	Policy   PolicyConfig   `yaml:"policy"`
	Guard    GuardConfig    `yaml:"guardrails"`
	CORS     CORSConfig     `yaml:"cors"`
	WS       WSConfig       `yaml:"ws"`
	Summary  SummaryConfig  `yaml:"summary"`
	Pulse    PulseConfig    `yaml:"pulse"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// StoreConfig holds storage endpoint DSNs.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
}

// IdentityConfig holds WorkOS identity-provider settings.
type IdentityConfig struct {
	WorkOSClientID string `yaml:"workos_client_id"`
	WorkOSAPIKey   string `yaml:"workos_api_key"`
	WorkOSIssuer   string `yaml:"workos_issuer"`
	WorkOSAudience string `yaml:"workos_audience"`
}

// ProviderConfig holds API keys for the external providers the pipeline
// substrate calls out to.
type ProviderConfig struct {
	GroqAPIKey       string `yaml:"groq_api_key"`
	OpenRouterAPIKey string `yaml:"openrouter_api_key"`
	DeepgramAPIKey   string `yaml:"deepgram_api_key"`
	GoogleAPIKey     string `yaml:"google_api_key"`
	ElevenLabsAPIKey string `yaml:"elevenlabs_api_key"`
}

// LLMConfig configures LLM routing and fallback.
type LLMConfig struct {
	Provider      string      `yaml:"provider"`
	ModelChoice   ModelChoice `yaml:"model_choice"`
	Model1ID      string      `yaml:"model1_id"`
	Model2ID      string      `yaml:"model2_id"`
	TriageModelID string      `yaml:"triage_model_id"`

	// BackupProvider, if non-empty, is used for a single fallback attempt when
	// the primary LLM provider fails before the first streamed token.
	BackupProvider string `yaml:"backup_provider"`

	// AssessmentBackupProvider is the analogous fallback provider for the
	// assessment/triage model path.
	AssessmentBackupProvider string `yaml:"assessment_backup_provider"`

	// PipelineMode is the default pipeline topology when a session does not
	// override it.
	PipelineMode PipelineMode `yaml:"pipeline_mode"`
}

// TimeoutConfig holds per-operation provider call timeouts.
type TimeoutConfig struct {
	LLM time.Duration `yaml:"llm_seconds"`
	STT time.Duration `yaml:"stt_seconds"`
	TTS time.Duration `yaml:"tts_seconds"`
}

// BreakerConfig configures the circuit breaker keyed by (operation, provider,
// model).
type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	FailureWindow     time.Duration `yaml:"failure_window_seconds"`
	OpenDuration      time.Duration `yaml:"open_seconds"`
	HalfOpenProbes    int           `yaml:"half_open_probe_count"`
	ObserveOnly       bool          `yaml:"observe_only"`
}

// PolicyConfig configures the policy gateway.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// AllowlistPreLLM, AllowlistPreAction, AllowlistPrePersist hold
	// per-checkpoint rule allowlists; an empty list means "no restriction
	// beyond the default rule set" for that checkpoint.
	AllowlistPreLLM     []string `yaml:"allowlist_pre_llm"`
	AllowlistPreAction  []string `yaml:"allowlist_pre_action"`
	AllowlistPrePersist []string `yaml:"allowlist_pre_persist"`

	// IntentRulesJSON is a raw JSON-encoded rule list, parsed by the policy
	// package into its rule-evaluation structures.
	IntentRulesJSON string `yaml:"intent_rules_json"`

	MaxPromptTokens        int `yaml:"max_prompt_tokens"`
	MaxRunsPerMinute       int `yaml:"max_runs_per_minute"`
	LLMMaxTokens           int `yaml:"llm_max_tokens"`
	MaxArtifacts           int `yaml:"max_artifacts"`
	MaxArtifactPayloadBytes int `yaml:"max_artifact_payload_bytes"`
}

// GuardConfig configures the guardrails stage.
type GuardConfig struct {
	Enabled bool `yaml:"enabled"`

	// ForcedDecision, if non-empty, overrides the guardrails decision for
	// every turn. Test-only; valid values mirror guardrails.Decision.
	ForcedDecision string `yaml:"forced_decision"`
}

// CORSConfig configures cross-origin access for the HTTP and WebSocket
// surfaces.
type CORSConfig struct {
	AllowOrigins        []string `yaml:"allow_origins"`
	AllowOriginRegex    string   `yaml:"allow_origin_regex"`
	MobileEnterpriseOrigin string `yaml:"mobile_enterprise_origin"`
}

// WSConfig configures the WebSocket connection manager's keepalive behavior.
type WSConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
}

// SummaryConfig configures the rolling session-summary service.
type SummaryConfig struct {
	// ThresholdTurnPairs is how many user/assistant turn pairs accumulate
	// before a summary merge runs. Zero uses the service's own default.
	ThresholdTurnPairs int `yaml:"threshold_turn_pairs"`

	// Provider and BackupProvider name entries in the LLM provider registry;
	// BackupProvider empty disables fallback, mirroring LLMConfig.BackupProvider.
	Provider       string `yaml:"provider"`
	BackupProvider string `yaml:"backup_provider"`
}

// PulseConfig configures the read-only Pulse HTTP surface.
type PulseConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}
