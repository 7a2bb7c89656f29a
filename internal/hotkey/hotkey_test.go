package hotkey_test

import (
	"strings"
	"testing"

	"github.com/parley-ai/parley/internal/hotkey"
)

// ── Validate ──────────────────────────────────────────────────────────────────

func TestValidate_EmptyKey_Invalid(t *testing.T) {
	t.Parallel()
	cfg := hotkey.Config{Modifiers: []string{"Shift"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for config without primary key, got nil")
	}
}

func TestValidate_KeyOnly_Valid(t *testing.T) {
	t.Parallel()
	cfg := hotkey.Config{Key: "Digit3"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_UnknownModifier_Invalid(t *testing.T) {
	t.Parallel()
	cfg := hotkey.Config{Modifiers: []string{"Hyper"}, Key: "KeyA"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown modifier, got nil")
	}
}

func TestValidate_TooManyModifiers_Invalid(t *testing.T) {
	t.Parallel()
	cfg := hotkey.Config{Modifiers: []string{"CmdOrCtrl", "Shift", "Alt"}, Key: "KeyA"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for 3 modifiers, got nil")
	}
}

func TestValidate_ModifierAliases_Valid(t *testing.T) {
	t.Parallel()
	for _, m := range []string{"CmdOrCtrl", "CommandOrControl", "Shift", "Alt", "Option", "Ctrl", "Control"} {
		cfg := hotkey.Config{Modifiers: []string{m}, Key: "Space"}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate with modifier %q: %v", m, err)
		}
	}
}

// ── Chord ─────────────────────────────────────────────────────────────────────

func TestChord_CanonicalForm(t *testing.T) {
	t.Parallel()
	cfg := hotkey.Config{Modifiers: []string{"CmdOrCtrl"}, Key: "Digit3"}
	if got, want := cfg.Chord(), "CommandOrControl+3"; got != want {
		t.Errorf("Chord() = %q; want %q", got, want)
	}
}

func TestChord_ModifierOrderInsensitive(t *testing.T) {
	t.Parallel()
	a := hotkey.Config{Modifiers: []string{"Shift", "CmdOrCtrl"}, Key: "KeyA"}
	b := hotkey.Config{Modifiers: []string{"CmdOrCtrl", "Shift"}, Key: "KeyA"}
	if a.Chord() != b.Chord() {
		t.Errorf("chords differ for same combination: %q vs %q", a.Chord(), b.Chord())
	}
}

func TestChord_AliasInsensitive(t *testing.T) {
	t.Parallel()
	a := hotkey.Config{Modifiers: []string{"Option"}, Key: "KeyQ"}
	b := hotkey.Config{Modifiers: []string{"Alt"}, Key: "KeyQ"}
	if a.Chord() != b.Chord() {
		t.Errorf("chords differ for aliased modifiers: %q vs %q", a.Chord(), b.Chord())
	}
}

func TestChord_SpecialKeys(t *testing.T) {
	t.Parallel()
	cases := []struct {
		key  string
		want string
	}{
		{"Space", "Space"},
		{"ArrowUp", "Up"},
		{"Minus", "-"},
		{"Period", "."},
		{"F5", "F5"},
	}
	for _, tc := range cases {
		cfg := hotkey.Config{Key: tc.key}
		if got := cfg.Chord(); got != tc.want {
			t.Errorf("Chord(%q) = %q; want %q", tc.key, got, tc.want)
		}
	}
}

// ── DisplaySymbols ────────────────────────────────────────────────────────────

func TestDisplaySymbols_FixedModifierOrder(t *testing.T) {
	t.Parallel()
	cfg := hotkey.Config{Modifiers: []string{"Alt", "CmdOrCtrl"}, Key: "Digit1"}
	got := cfg.DisplaySymbols()
	want := []string{"⌘", "⌥", "1"}
	if len(got) != len(want) {
		t.Fatalf("DisplaySymbols() = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("symbol[%d] = %q; want %q", i, got[i], want[i])
		}
	}
}

func TestDisplaySymbols_DigitSlot_BareDigit(t *testing.T) {
	t.Parallel()
	cfg := hotkey.Config{Key: "Digit7"}
	got := cfg.DisplaySymbols()
	if len(got) != 1 || got[0] != "7" {
		t.Errorf("DisplaySymbols() = %v; want [7]", got)
	}
}

func TestDisplaySymbols_LetterSlot_Uppercase(t *testing.T) {
	t.Parallel()
	cfg := hotkey.Config{Modifiers: []string{"Shift"}, Key: "KeyA"}
	got := cfg.DisplaySymbols()
	if len(got) != 2 || got[0] != "⇧" || got[1] != "A" {
		t.Errorf("DisplaySymbols() = %v; want [⇧ A]", got)
	}
}

func TestDisplaySymbols_OtherKey_Verbatim(t *testing.T) {
	t.Parallel()
	cfg := hotkey.Config{Key: "Space"}
	got := cfg.DisplaySymbols()
	if len(got) != 1 || got[0] != "Space" {
		t.Errorf("DisplaySymbols() = %v; want [Space]", got)
	}
}

func TestDisplaySymbols_NoPrimaryKey_FallbackSymbol(t *testing.T) {
	t.Parallel()
	cfg := hotkey.Config{Modifiers: []string{"CmdOrCtrl"}}
	got := cfg.DisplaySymbols()
	if len(got) == 0 {
		t.Fatal("DisplaySymbols() must never be empty")
	}
	last := got[len(got)-1]
	if last == "" {
		t.Error("fallback primary symbol must not be empty")
	}
}

func TestDisplaySymbols_AlwaysNonEmpty(t *testing.T) {
	t.Parallel()
	// Totality: even the zero Config yields at least one symbol.
	var cfg hotkey.Config
	if got := cfg.DisplaySymbols(); len(got) == 0 {
		t.Fatal("DisplaySymbols() on zero Config must not be empty")
	}
}

func TestDisplayLabel_JoinsSymbols(t *testing.T) {
	t.Parallel()
	cfg := hotkey.Config{Modifiers: []string{"CmdOrCtrl", "Shift"}, Key: "Digit3"}
	if got, want := cfg.DisplayLabel(), "⌘⇧3"; got != want {
		t.Errorf("DisplayLabel() = %q; want %q", got, want)
	}
}

// ── EventKind ─────────────────────────────────────────────────────────────────

func TestEventKind_String(t *testing.T) {
	t.Parallel()
	if hotkey.Pressed.String() != "pressed" || hotkey.Released.String() != "released" {
		t.Error("unexpected EventKind string values")
	}
	if !strings.Contains(hotkey.EventKind(99).String(), "unknown") {
		t.Error("out-of-range EventKind should stringify as unknown")
	}
}
