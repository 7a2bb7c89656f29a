package config

import "maps"

// ConfigDiff describes what changed between two configs, split into changes
// that can be hot-applied while the session is Idle and changes that need a
// restart (provider stack and listen address).
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// HotkeyChanged means the push-to-talk binding must be re-interpreted.
	HotkeyChanged bool

	// ReplyChanged covers prompt, sampling, language and voice settings:
	// the orchestrator snapshot should be replaced.
	ReplyChanged bool

	// CaptureChanged covers microphone tunables. Applied on the next
	// capture session.
	CaptureChanged bool

	// HistoryChanged means the history bound moved.
	HistoryChanged bool

	// RequiresRestart is set when the provider stack, archive DSN or listen
	// address changed; these are wired at startup and are not hot-swapped.
	RequiresRestart bool
}

// HotApplicable reports whether the diff contains any change that can be
// applied without a restart.
func (d ConfigDiff) HotApplicable() bool {
	return d.LogLevelChanged || d.HotkeyChanged || d.ReplyChanged || d.CaptureChanged || d.HistoryChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Hotkey.Chord() != new.Hotkey.Chord() {
		d.HotkeyChanged = true
	}

	if !replyEqual(old.Reply, new.Reply) {
		d.ReplyChanged = true
	}

	if old.Capture != new.Capture {
		d.CaptureChanged = true
	}

	if old.History != new.History {
		d.HistoryChanged = true
	}

	if !providersEqual(old.Providers, new.Providers) ||
		old.Archive != new.Archive ||
		old.Server.ListenAddr != new.Server.ListenAddr {
		d.RequiresRestart = true
	}

	return d
}

// replyEqual compares reply sections including the per-language voice map.
func replyEqual(a, b ReplyConfig) bool {
	if a.SystemPrompt != b.SystemPrompt ||
		a.Temperature != b.Temperature ||
		a.MaxTokens != b.MaxTokens ||
		a.Language != b.Language ||
		a.Speak != b.Speak ||
		a.Voice != b.Voice ||
		a.SpeechSpeed != b.SpeechSpeed ||
		a.ChunkTimeoutMS != b.ChunkTimeoutMS {
		return false
	}
	return maps.Equal(a.VoiceForLanguage, b.VoiceForLanguage)
}

// providersEqual compares provider stacks ignoring map identity in Options.
func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.LLM, b.LLM) && entryEqual(a.STT, b.STT) && entryEqual(a.TTS, b.TTS)
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		if bv, ok := b.Options[k]; !ok || bv != v {
			return false
		}
	}
	if (a.Fallback == nil) != (b.Fallback == nil) {
		return false
	}
	if a.Fallback != nil && !entryEqual(*a.Fallback, *b.Fallback) {
		return false
	}
	return true
}
