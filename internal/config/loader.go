package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"openai", "whisper-native"},
	"tts": {"openai", "elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	for e := &cfg.Providers.LLM; e != nil; e = e.Fallback {
		validateProviderName("llm", e.Name)
	}
	for e := &cfg.Providers.STT; e != nil; e = e.Fallback {
		validateProviderName("stt", e.Name)
	}
	for e := &cfg.Providers.TTS; e != nil; e = e.Fallback {
		validateProviderName("tts", e.Name)
	}

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Reply.Speak && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("reply.speak is enabled but providers.tts is not configured"))
	}
	for kind, entry := range map[string]ProviderEntry{"llm": cfg.Providers.LLM, "stt": cfg.Providers.STT, "tts": cfg.Providers.TTS} {
		for e := entry.Fallback; e != nil; e = e.Fallback {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallback.name is required when a fallback is configured", kind))
			}
		}
	}

	// Capture
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", cfg.Capture.SampleRate))
	}
	if cfg.Capture.MaxDurationMS < 0 {
		errs = append(errs, fmt.Errorf("capture.max_duration_ms %d must be positive", cfg.Capture.MaxDurationMS))
	}
	if cfg.Capture.SilenceWindowMS < 0 {
		errs = append(errs, fmt.Errorf("capture.silence_window_ms %d must be positive", cfg.Capture.SilenceWindowMS))
	}
	if cfg.Capture.VoiceThreshold < 0 || cfg.Capture.VoiceThreshold > 1 {
		errs = append(errs, fmt.Errorf("capture.voice_threshold %.3f is out of range [0, 1]", cfg.Capture.VoiceThreshold))
	}

	// Reply
	if cfg.Reply.SpeechSpeed != 0 {
		if cfg.Reply.SpeechSpeed < 0.25 || cfg.Reply.SpeechSpeed > 4.0 {
			errs = append(errs, fmt.Errorf("reply.speech_speed %.2f is out of range [0.25, 4.0]", cfg.Reply.SpeechSpeed))
		}
	}
	if cfg.Reply.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("reply.max_tokens %d must not be negative", cfg.Reply.MaxTokens))
	}
	if cfg.Reply.ChunkTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("reply.chunk_timeout_ms %d must be positive", cfg.Reply.ChunkTimeoutMS))
	}

	// History
	if cfg.History.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("history.max_turns %d must not be negative", cfg.History.MaxTurns))
	}

	// Hotkey — only validated when configured at all.
	if cfg.Hotkey.Key != "" || len(cfg.Hotkey.Modifiers) > 0 {
		if err := cfg.Hotkey.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("hotkey: %w", err))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
