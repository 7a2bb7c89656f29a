// Command parley is the voice session orchestrator: it captures microphone
// audio, transcribes it, streams an LLM reply and speaks it back, while a
// small HTTP/WebSocket bridge exposes the session state to local UIs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley/internal/archive"
	"github.com/parley-ai/parley/internal/bridge"
	"github.com/parley-ai/parley/internal/capture"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/history"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/playback"
	"github.com/parley-ai/parley/internal/resilience"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/voicecmd"
	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/provider/llm/anyllm"
	"github.com/parley-ai/parley/pkg/provider/stt"
	sttopenai "github.com/parley-ai/parley/pkg/provider/stt/openai"
	"github.com/parley-ai/parley/pkg/provider/stt/whisper"
	"github.com/parley-ai/parley/pkg/provider/tts"
	"github.com/parley-ai/parley/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/parley-ai/parley/pkg/provider/tts/openai"
)

const version = "0.1.0"

// speakerSampleRate is the output rate the system speaker is opened at.
// Clips at other rates are resampled on the fly.
const speakerSampleRate = 44100

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can adjust it without
	// rebuilding the handler.
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Microphone ────────────────────────────────────────────────────────────
	opener, err := capture.NewMalgoOpener()
	if err != nil {
		slog.Error("failed to initialise audio backend", "err", err)
		return 1
	}
	defer opener.Close()
	mic := capture.NewSession(opener, cfg.CaptureOptions()...)

	// ── Playback ──────────────────────────────────────────────────────────────
	var queue *playback.Queue
	if cfg.Reply.Speak {
		player, err := playback.NewBeepPlayer(speakerSampleRate)
		if err != nil {
			slog.Error("failed to initialise speaker", "err", err)
			return 1
		}
		queue = playback.NewQueue(player)
		defer queue.Close()
	}

	// ── Session orchestrator ──────────────────────────────────────────────────
	hist := history.NewLog(cfg.History.MaxTurns)

	params := session.Params{
		Capture:  mic,
		STT:      providers.STT,
		LLM:      providers.LLM,
		TTS:      providers.TTS,
		History:  hist,
		Commands: voicecmd.New(),
		Metrics:  metrics,
		Logger:   logger,
	}
	if queue != nil {
		params.Playback = queue
	}

	orch, err := session.New(cfg.SessionConfig(), params)
	if err != nil {
		slog.Error("failed to create session", "err", err)
		return 1
	}
	defer orch.Close()

	// ── Transcript archive (optional) ─────────────────────────────────────────
	var store *archive.Archive
	if dsn := cfg.Archive.PostgresDSN; dsn != "" {
		store, err = archive.Open(ctx, dsn)
		if err != nil {
			slog.Error("failed to open transcript archive", "err", err)
			return 1
		}
		defer store.Close()
		slog.Info("transcript archive connected")
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(orch, logLevel, old, new)
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── Run ───────────────────────────────────────────────────────────────────
	sessionID := uuid.NewString()
	srv := bridge.New(cfg.Server.ListenAddr, orch, metrics, bridge.WithLogger(logger))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gctx)
	})

	if store != nil {
		rec := archive.NewRecorder(store, sessionID, logger)
		g.Go(func() error {
			recordTurns(gctx, rec, orch)
			return nil
		})
	}

	g.Go(func() error {
		repl := newREPL(orch, cfg.Hotkey, logger)
		repl.run(gctx)
		stop() // stdin closed or /quit: shut the rest down too
		return nil
	})

	slog.Info("session ready — press Ctrl+C to shut down", "session_id", sessionID)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// recordTurns mirrors every committed turn into the archive. It resnapshots
// the history on each orchestrator update; the recorder deduplicates.
func recordTurns(ctx context.Context, rec *archive.Recorder, orch *session.Orchestrator) {
	updates, cancel := orch.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-updates:
			if !ok {
				return
			}
			rec.Observe(ctx, orch.History())
		}
	}
}

// applyConfigChange pushes a hot-applicable config edit into the running
// process. Changes that need a restart are only logged.
func applyConfigChange(orch *session.Orchestrator, logLevel *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)

	if d.RequiresRestart {
		slog.Warn("config change requires a restart to take effect")
	}
	if !d.HotApplicable() {
		return
	}

	if d.LogLevelChanged {
		logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.HotkeyChanged {
		slog.Info("push-to-talk binding changed", "hotkey", new.Hotkey.DisplayLabel())
	}
	if d.ReplyChanged || d.HistoryChanged || d.CaptureChanged {
		if err := orch.ReloadConfig(new.SessionConfig()); err != nil {
			// Busy mid-turn; the watcher will not re-fire, so tell the user.
			slog.Warn("could not apply config change", "err", err)
		} else {
			slog.Info("session config reloaded")
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider kinds to the implementations that ship with
// parley. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"openai", "whisper-native"},
	"tts": {"openai", "elevenlabs"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the client from
// the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai, anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile
	// all share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Client, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Client, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Client, error) {
		var opts []sttopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, sttopenai.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, sttopenai.WithLanguage(lang))
		}
		return sttopenai.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Client, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Client, error) {
		var opts []ttsopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, ttsopenai.WithModel(entry.Model))
		}
		return ttsopenai.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Client, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// providerSet holds the instantiated pipeline providers.
type providerSet struct {
	LLM llm.Client
	STT stt.Client
	TTS tts.Client
}

// buildProviders instantiates the providers named in cfg using the registry.
// Entries with a fallback chain are wrapped in a failover group so the
// session transparently retries against healthy backends.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providerSet, error) {
	ps := &providerSet{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "llm", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		} else {
			ps.LLM = p
			slog.Info("provider created", "kind", "llm", "name", name)
		}
		if ps.LLM != nil && cfg.Providers.LLM.Fallback != nil {
			group := resilience.NewLLMFailover(ps.LLM, name, resilience.FailoverConfig{})
			for e := cfg.Providers.LLM.Fallback; e != nil; e = e.Fallback {
				fb, err := reg.CreateLLM(*e)
				if err != nil {
					return nil, fmt.Errorf("create llm fallback %q: %w", e.Name, err)
				}
				group.AddFallback(e.Name, fb)
				slog.Info("fallback registered", "kind", "llm", "name", e.Name)
			}
			ps.LLM = group
		}
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "stt", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		} else {
			ps.STT = p
			slog.Info("provider created", "kind", "stt", "name", name)
		}
		if ps.STT != nil && cfg.Providers.STT.Fallback != nil {
			group := resilience.NewSTTFailover(ps.STT, name, resilience.FailoverConfig{})
			for e := cfg.Providers.STT.Fallback; e != nil; e = e.Fallback {
				fb, err := reg.CreateSTT(*e)
				if err != nil {
					return nil, fmt.Errorf("create stt fallback %q: %w", e.Name, err)
				}
				group.AddFallback(e.Name, fb)
				slog.Info("fallback registered", "kind", "stt", "name", e.Name)
			}
			ps.STT = group
		}
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "tts", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else {
			ps.TTS = p
			slog.Info("provider created", "kind", "tts", "name", name)
		}
		if ps.TTS != nil && cfg.Providers.TTS.Fallback != nil {
			group := resilience.NewTTSFailover(ps.TTS, name, resilience.FailoverConfig{})
			for e := cfg.Providers.TTS.Fallback; e != nil; e = e.Fallback {
				fb, err := reg.CreateTTS(*e)
				if err != nil {
					return nil, fmt.Errorf("create tts fallback %q: %w", e.Name, err)
				}
				group.AddFallback(e.Name, fb)
				slog.Info("fallback registered", "kind", "tts", "name", e.Name)
			}
			ps.TTS = group
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Parley — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	speak := "text only"
	if cfg.Reply.Speak {
		speak = "spoken"
	}
	fmt.Printf("║  Replies         : %-19s ║\n", speak)
	fmt.Printf("║  History turns   : %-19d ║\n", cfg.History.MaxTurns)
	if cfg.Hotkey.Key != "" {
		fmt.Printf("║  Push-to-talk    : %-19s ║\n", cfg.Hotkey.DisplayLabel())
	}
	if cfg.Archive.PostgresDSN != "" {
		fmt.Printf("║  Archive         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Archive         : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(lvl *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
