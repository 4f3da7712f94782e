package config_test

import (
	"strings"
	"testing"

	"github.com/pipelined/pipelined/internal/config"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("PIPELINED_DATABASE_URL", "postgres://localhost/pipelined")
	t.Setenv("PIPELINED_LLM_MODEL1_ID", "gpt-test")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Environment != config.EnvironmentDevelopment {
		t.Errorf("environment = %q, want development", cfg.Environment)
	}
	if cfg.LLM.PipelineMode != config.PipelineModeFast {
		t.Errorf("pipeline_mode = %q, want fast", cfg.LLM.PipelineMode)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("failure_threshold = %d, want 5", cfg.Breaker.FailureThreshold)
	}
	if !cfg.Breaker.ObserveOnly {
		t.Error("observe_only should default to true")
	}
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("PIPELINED_LLM_MODEL1_ID", "gpt-test")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected error for missing database_url, got nil")
	}
	if !strings.Contains(err.Error(), "database_url") {
		t.Errorf("error should mention database_url, got: %v", err)
	}
}

func TestLoad_InvalidEnvironment(t *testing.T) {
	setRequired(t)
	t.Setenv("PIPELINED_ENVIRONMENT", "sandbox")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected error for invalid environment, got nil")
	}
	if !strings.Contains(err.Error(), "environment") {
		t.Errorf("error should mention environment, got: %v", err)
	}
}

func TestLoad_ModelChoiceRequiresMatchingModelID(t *testing.T) {
	t.Setenv("PIPELINED_DATABASE_URL", "postgres://localhost/pipelined")
	t.Setenv("PIPELINED_LLM_MODEL_CHOICE", "model2")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected error for model2 choice without model2_id, got nil")
	}
	if !strings.Contains(err.Error(), "model2_id") {
		t.Errorf("error should mention model2_id, got: %v", err)
	}
}

func TestLoad_WSPingTimeoutExceedsInterval(t *testing.T) {
	setRequired(t)
	t.Setenv("PIPELINED_WS_PING_INTERVAL", "5")
	t.Setenv("PIPELINED_WS_PING_TIMEOUT", "10")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected error for ping_timeout > ping_interval, got nil")
	}
	if !strings.Contains(err.Error(), "ping_timeout") {
		t.Errorf("error should mention ping_timeout, got: %v", err)
	}
}

func TestLoad_CORSAllowOriginsList(t *testing.T) {
	setRequired(t)
	t.Setenv("PIPELINED_CORS_ALLOW_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"https://a.example.com", "https://b.example.com"}
	if len(cfg.CORS.AllowOrigins) != len(want) {
		t.Fatalf("allow_origins = %v, want %v", cfg.CORS.AllowOrigins, want)
	}
	for i, v := range want {
		if cfg.CORS.AllowOrigins[i] != v {
			t.Errorf("allow_origins[%d] = %q, want %q", i, cfg.CORS.AllowOrigins[i], v)
		}
	}
}

func TestLoad_PolicyEnabledRequiresIntentRules(t *testing.T) {
	setRequired(t)
	t.Setenv("PIPELINED_POLICY_ENABLED", "true")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected error for policy enabled without intent rules, got nil")
	}
	if !strings.Contains(err.Error(), "intent_rules_json") {
		t.Errorf("error should mention intent_rules_json, got: %v", err)
	}
}
