// Command pipelined is the main entry point for the pipelined conversational
// pipeline server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/pipelined/pipelined/internal/config"
	"github.com/pipelined/pipelined/internal/guardrails"
	"github.com/pipelined/pipelined/internal/handler"
	"github.com/pipelined/pipelined/internal/httpapi"
	"github.com/pipelined/pipelined/internal/identity"
	"github.com/pipelined/pipelined/internal/pipeline"
	"github.com/pipelined/pipelined/internal/policy"
	"github.com/pipelined/pipelined/internal/resilience"
	"github.com/pipelined/pipelined/internal/store/postgres"
	"github.com/pipelined/pipelined/internal/summary"
	"github.com/pipelined/pipelined/internal/ws"
	"github.com/pipelined/pipelined/pkg/provider/llm"
	"github.com/pipelined/pipelined/pkg/provider/llm/anyllm"
	"github.com/pipelined/pipelined/pkg/provider/llm/openai"
	"github.com/pipelined/pipelined/pkg/provider/stt"
	"github.com/pipelined/pipelined/pkg/provider/stt/deepgram"
	"github.com/pipelined/pipelined/pkg/provider/tts"
	"github.com/pipelined/pipelined/pkg/provider/tts/elevenlabs"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "optional path to a YAML configuration override file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipelined: %v\n", err)
		return 1
	}
	if *configPath != "" {
		if err := config.LoadFile(*configPath, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "pipelined: %v\n", err)
			return 1
		}
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "pipelined: invalid configuration: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("pipelined starting",
		"environment", cfg.Environment,
		"listen_addr", cfg.Server.ListenAddr,
		"pipeline_mode", cfg.LLM.PipelineMode,
	)

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.NewStore(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to store", "err", err)
		return 1
	}
	defer db.Close()

	primaryLLM, backupLLM, err := buildLLMProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build llm providers", "err", err)
		return 1
	}
	sttProvider, err := buildSTTProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to build stt provider", "err", err)
		return 1
	}
	ttsProvider, err := buildTTSProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to build tts provider", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	breakerRegistry := resilience.NewRegistry(cfg.Breaker)
	callLogger := resilience.NewProviderCallLogger(breakerRegistry, resilience.WithCallRecorder(db.Runs()))

	gateway, err := policy.New(cfg.Policy, policy.WithRunRateSource(db.Runs()))
	if err != nil {
		slog.Error("failed to build policy gateway", "err", err)
		return 1
	}
	guard := guardrails.New(cfg.Guard)

	chatDeps := pipeline.Deps{
		FastModelID:           cfg.LLM.Model1ID,
		AccurateModelID:       cfg.LLM.Model2ID,
		MaxTokens:             cfg.Policy.LLMMaxTokens,
		SystemPrompt:          "",
		LLMProviderName:       cfg.LLM.Provider,
		LLMProvider:           primaryLLM,
		LLMBackupProviderName: cfg.LLM.BackupProvider,
		LLMBackupProvider:     backupLLM,
		Interactions:          db.Interactions(),
		Sessions:              db.Interactions(),
		CallLogger:            callLogger,
		Gateway:               gateway,
		Guard:                 guard,
	}

	voiceDeps := chatDeps
	voiceDeps.STTProviderName = "deepgram"
	voiceDeps.STTProvider = sttProvider
	voiceDeps.TTSProvider = ttsProvider

	orchestrator := pipeline.New(
		pipeline.WithRunStore(db.Runs()),
		pipeline.WithDeadLetterStore(db.Runs()),
	)

	manager := ws.NewManager()

	summarizer := summary.NewService(
		db.Summaries(),
		db.Interactions(),
		firstNonEmpty(cfg.Summary.Provider, cfg.LLM.Provider),
		primaryLLM,
		callLogger,
		summaryOptions(cfg, backupLLM)...,
	)

	auth := buildAuthenticator(cfg)

	h, err := handler.New(
		manager, orchestrator, db.SessionState(), db.Interactions(), auth, cfg.LLM,
		chatDeps, voiceDeps,
		handler.WithSummarizer(summarizer),
	)
	if err != nil {
		slog.Error("failed to build handler", "err", err)
		return 1
	}

	wsServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: wsMux(manager, h, cfg.CORS),
	}
	pulseServer := &http.Server{
		Addr: cfg.Pulse.ListenAddr,
		Handler: httpapi.New(db.Runs(),
			httpapi.WithPinger(db),
			httpapi.WithConnectionCounter(manager),
		),
	}

	var wg sync.WaitGroup
	serveErrs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		slog.Info("websocket server listening", "addr", cfg.Server.ListenAddr)
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrs <- fmt.Errorf("websocket server: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		slog.Info("pulse server listening", "addr", cfg.Pulse.ListenAddr)
		if err := pulseServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrs <- fmt.Errorf("pulse server: %w", err)
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serveErrs:
		slog.Error("server error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	_ = wsServer.Shutdown(shutdownCtx)
	_ = pulseServer.Shutdown(shutdownCtx)
	wg.Wait()

	slog.Info("goodbye")
	return 0
}

// wsMux serves the WebSocket upgrade endpoint: one handler accepts the
// socket, then owns a read loop dispatching every inbound frame into h until
// the client disconnects or the frame stream errors.
func wsMux(manager *ws.Manager, h *handler.Handler, cors config.CORSConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, manager, cors)
		if err != nil {
			slog.Error("websocket accept failed", "err", err)
			return
		}
		defer manager.Disconnect(conn.ID)

		ctx := r.Context()
		for {
			raw, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if err := h.Handle(ctx, conn.ID, raw); err != nil {
				slog.Warn("message handling error", "connection_id", conn.ID, "err", err)
			}
		}
	})
	return mux
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func summaryOptions(cfg *config.Config, backup llm.Provider) []summary.Option {
	var opts []summary.Option
	if cfg.Summary.ThresholdTurnPairs > 0 {
		opts = append(opts, summary.WithThreshold(cfg.Summary.ThresholdTurnPairs))
	}
	if cfg.Summary.BackupProvider != "" && backup != nil {
		opts = append(opts, summary.WithBackupProvider(cfg.Summary.BackupProvider, backup))
	}
	return opts
}

func buildAuthenticator(cfg *config.Config) handler.Authenticator {
	if cfg.Environment == config.EnvironmentDevelopment && cfg.Identity.WorkOSAPIKey == "" {
		slog.Warn("identity: no WorkOS API key configured, using development auth bypass")
		return identity.DevBypass{}
	}
	return identity.NewWorkOS(cfg.Identity)
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider kind names to the implementations that ship
// with pipelined. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs"},
}

// registerBuiltinProviders wires every factory pipelined ships against the
// registry so buildLLMProviders/buildSTTProvider/buildTTSProvider can
// instantiate providers purely by name from configuration.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, name := range []string{"anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"} {
		name := name
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		return deepgram.New(entry.APIKey)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		return elevenlabs.New(entry.APIKey)
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("provider registered", "kind", kind, "name", name)
		}
	}
}

func apiKeyFor(cfg *config.Config, provider string) string {
	switch provider {
	case "openai":
		return cfg.Provider.OpenRouterAPIKey
	case "gemini":
		return cfg.Provider.GoogleAPIKey
	case "groq":
		return cfg.Provider.GroqAPIKey
	default:
		return ""
	}
}

func buildLLMProviders(cfg *config.Config, reg *config.Registry) (llm.Provider, llm.Provider, error) {
	if cfg.LLM.Provider == "" {
		return nil, nil, fmt.Errorf("llm.provider must be configured")
	}
	primary, err := reg.CreateLLM(config.ProviderEntry{
		Name:   cfg.LLM.Provider,
		APIKey: apiKeyFor(cfg, cfg.LLM.Provider),
		Model:  cfg.LLM.Model1ID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create primary llm provider %q: %w", cfg.LLM.Provider, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.LLM.Provider)

	if cfg.LLM.BackupProvider == "" {
		return primary, nil, nil
	}
	backup, err := reg.CreateLLM(config.ProviderEntry{
		Name:   cfg.LLM.BackupProvider,
		APIKey: apiKeyFor(cfg, cfg.LLM.BackupProvider),
		Model:  cfg.LLM.Model1ID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create backup llm provider %q: %w", cfg.LLM.BackupProvider, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.LLM.BackupProvider)
	return primary, backup, nil
}

func buildSTTProvider(cfg *config.Config, reg *config.Registry) (stt.Provider, error) {
	if cfg.Provider.DeepgramAPIKey == "" {
		slog.Debug("stt provider not configured — voice topology will fail at stage execution")
		return nil, nil
	}
	p, err := reg.CreateSTT(config.ProviderEntry{Name: "deepgram", APIKey: cfg.Provider.DeepgramAPIKey})
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", "deepgram", err)
	}
	slog.Info("provider created", "kind", "stt", "name", "deepgram")
	return p, nil
}

func buildTTSProvider(cfg *config.Config, reg *config.Registry) (tts.Provider, error) {
	if cfg.Provider.ElevenLabsAPIKey == "" {
		slog.Debug("tts provider not configured — voice topology will skip audio synthesis")
		return nil, nil
	}
	p, err := reg.CreateTTS(config.ProviderEntry{Name: "elevenlabs", APIKey: cfg.Provider.ElevenLabsAPIKey})
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", "elevenlabs", err)
	}
	slog.Info("provider created", "kind", "tts", "name", "elevenlabs")
	return p, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         pipelined — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Environment", string(cfg.Environment))
	printField("Pipeline mode", string(cfg.LLM.PipelineMode))
	printField("LLM provider", cfg.LLM.Provider)
	printField("LLM backup", cfg.LLM.BackupProvider)
	if cfg.Server.ListenAddr != "" {
		printField("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Printf("║  Policy gateway  : %-19t ║\n", cfg.Policy.Enabled)
	fmt.Printf("║  Guardrails      : %-19t ║\n", cfg.Guard.Enabled)
	fmt.Printf("║  Breaker observe : %-19t ║\n", cfg.Breaker.ObserveOnly)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
