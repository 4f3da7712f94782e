package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds a [Config] from environment variables, validates it, and
// returns it. Env vars are named after the spec's flat `section_field`
// convention, e.g. PIPELINED_LLM_PROVIDER, PIPELINED_CIRCUIT_BREAKER_OPEN_SECONDS.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: Environment(getenv("ENVIRONMENT", string(EnvironmentDevelopment))),
		Server: ServerConfig{
			ListenAddr: getenv("LISTEN_ADDR", ":8080"),
			LogLevel:   getenv("LOG_LEVEL", "info"),
		},
		Store: StoreConfig{
			DatabaseURL: getenv("DATABASE_URL", ""),
			RedisURL:    getenv("REDIS_URL", ""),
		},
		Identity: IdentityConfig{
			WorkOSClientID: getenv("WORKOS_CLIENT_ID", ""),
			WorkOSAPIKey:   getenv("WORKOS_API_KEY", ""),
			WorkOSIssuer:   getenv("WORKOS_ISSUER", ""),
			WorkOSAudience: getenv("WORKOS_AUDIENCE", ""),
		},
		Provider: ProviderConfig{
			GroqAPIKey:       getenv("GROQ_API_KEY", ""),
			OpenRouterAPIKey: getenv("OPENROUTER_API_KEY", ""),
			DeepgramAPIKey:   getenv("DEEPGRAM_API_KEY", ""),
			GoogleAPIKey:     getenv("GOOGLE_API_KEY", ""),
			ElevenLabsAPIKey: getenv("ELEVENLABS_API_KEY", ""),
		},
		LLM: LLMConfig{
			Provider:                 getenv("LLM_PROVIDER", ""),
			ModelChoice:              ModelChoice(getenv("LLM_MODEL_CHOICE", string(ModelChoiceModel1))),
			Model1ID:                 getenv("LLM_MODEL1_ID", ""),
			Model2ID:                 getenv("LLM_MODEL2_ID", ""),
			TriageModelID:            getenv("TRIAGE_MODEL_ID", ""),
			BackupProvider:           getenv("LLM_BACKUP_PROVIDER", ""),
			AssessmentBackupProvider: getenv("ASSESSMENT_BACKUP_PROVIDER", ""),
			PipelineMode:             PipelineMode(getenv("PIPELINE_MODE", string(PipelineModeFast))),
		},
		Timeouts: TimeoutConfig{
			LLM: getenvSeconds("PROVIDER_TIMEOUT_LLM_SECONDS", 30),
			STT: getenvSeconds("PROVIDER_TIMEOUT_STT_SECONDS", 10),
			TTS: getenvSeconds("PROVIDER_TIMEOUT_TTS_SECONDS", 10),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getenvInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
			FailureWindow:    getenvSeconds("CIRCUIT_BREAKER_FAILURE_WINDOW_SECONDS", 60),
			OpenDuration:     getenvSeconds("CIRCUIT_BREAKER_OPEN_SECONDS", 30),
			HalfOpenProbes:   getenvInt("CIRCUIT_BREAKER_HALF_OPEN_PROBE_COUNT", 1),
			ObserveOnly:      getenvBool("CIRCUIT_BREAKER_OBSERVE_ONLY", true),
		},
		Policy: PolicyConfig{
			Enabled:                 getenvBool("POLICY_ENABLED", false),
			AllowlistPreLLM:         getenvList("POLICY_ALLOWLIST_PRE_LLM"),
			AllowlistPreAction:      getenvList("POLICY_ALLOWLIST_PRE_ACTION"),
			AllowlistPrePersist:     getenvList("POLICY_ALLOWLIST_PRE_PERSIST"),
			IntentRulesJSON:         getenv("POLICY_INTENT_RULES_JSON", ""),
			MaxPromptTokens:         getenvInt("POLICY_MAX_PROMPT_TOKENS", 0),
			MaxRunsPerMinute:        getenvInt("POLICY_MAX_RUNS_PER_MINUTE", 0),
			LLMMaxTokens:            getenvInt("POLICY_LLM_MAX_TOKENS", 0),
			MaxArtifacts:            getenvInt("POLICY_MAX_ARTIFACTS", 0),
			MaxArtifactPayloadBytes: getenvInt("POLICY_MAX_ARTIFACT_PAYLOAD_BYTES", 0),
		},
		Guard: GuardConfig{
			Enabled:        getenvBool("GUARDRAILS_ENABLED", false),
			ForcedDecision: getenv("GUARDRAILS_FORCED_DECISION", ""),
		},
		CORS: CORSConfig{
			AllowOrigins:           getenvList("CORS_ALLOW_ORIGINS"),
			AllowOriginRegex:       getenv("CORS_ALLOW_ORIGIN_REGEX", ""),
			MobileEnterpriseOrigin: getenv("MOBILE_ENTERPRISE_ORIGIN", ""),
		},
		WS: WSConfig{
			PingInterval: getenvSeconds("WS_PING_INTERVAL", 20),
			PingTimeout:  getenvSeconds("WS_PING_TIMEOUT", 10),
		},
		Summary: SummaryConfig{
			ThresholdTurnPairs: getenvInt("SUMMARY_THRESHOLD_TURN_PAIRS", 0),
			Provider:           getenv("SUMMARY_PROVIDER", ""),
			BackupProvider:     getenv("SUMMARY_BACKUP_PROVIDER", ""),
		},
		Pulse: PulseConfig{
			ListenAddr: getenv("PULSE_LISTEN_ADDR", ":8081"),
		},
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile layers a YAML file on top of env-derived defaults, for local
// development. Fields present in the file win over env vars; fields absent
// from the file keep whatever [Load] already populated.
func LoadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()
	return decodeOverride(f, cfg)
}

func decodeOverride(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("config: decode yaml override: %w", err)
	}
	return Validate(cfg)
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv("PIPELINED_" + key); ok {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(getenvInt(key, defSeconds)) * time.Second
}

func getenvList(key string) []string {
	v := getenv(key, "")
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every validation failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Environment != "" && !cfg.Environment.IsValid() {
		errs = append(errs, fmt.Errorf("environment %q is invalid; valid values: development, staging, production", cfg.Environment))
	}
	if cfg.LLM.ModelChoice != "" && !cfg.LLM.ModelChoice.IsValid() {
		errs = append(errs, fmt.Errorf("llm.model_choice %q is invalid; valid values: model1, model2", cfg.LLM.ModelChoice))
	}
	if cfg.LLM.PipelineMode != "" && !cfg.LLM.PipelineMode.IsValid() {
		errs = append(errs, fmt.Errorf("llm.pipeline_mode %q is invalid; valid values: fast, accurate, accurate_filler", cfg.LLM.PipelineMode))
	}
	if cfg.LLM.ModelChoice == ModelChoiceModel1 && cfg.LLM.Model1ID == "" {
		errs = append(errs, errors.New("llm.model_choice is model1 but llm.model1_id is empty"))
	}
	if cfg.LLM.ModelChoice == ModelChoiceModel2 && cfg.LLM.Model2ID == "" {
		errs = append(errs, errors.New("llm.model_choice is model2 but llm.model2_id is empty"))
	}
	if cfg.Store.DatabaseURL == "" {
		errs = append(errs, errors.New("store.database_url is required"))
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		errs = append(errs, errors.New("circuit_breaker.failure_threshold must be positive"))
	}
	if cfg.Breaker.HalfOpenProbes <= 0 {
		errs = append(errs, errors.New("circuit_breaker.half_open_probe_count must be positive"))
	}
	if cfg.Policy.Enabled && cfg.Policy.IntentRulesJSON == "" {
		errs = append(errs, errors.New("policy.enabled is true but policy.intent_rules_json is empty"))
	}
	if cfg.WS.PingTimeout > cfg.WS.PingInterval {
		errs = append(errs, errors.New("ws.ping_timeout must not exceed ws.ping_interval"))
	}

	return errors.Join(errs...)
}
