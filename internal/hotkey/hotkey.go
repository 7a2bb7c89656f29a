// Package hotkey interprets raw key-combination descriptors into canonical,
// comparable chord identities and human-readable display labels.
//
// OS-level registration is an external collaborator: it watches a registered
// chord and delivers abstract pressed/released events through a Source. This
// package itself holds no state.
package hotkey

import (
	"fmt"
	"strings"
)

// Modifier names accepted in a Config, including platform aliases.
const (
	ModCmdOrCtrl = "CmdOrCtrl"
	ModShift     = "Shift"
	ModAlt       = "Alt"
	ModCtrl      = "Ctrl"
)

// fallbackSymbol is displayed in place of the primary key when a Config has
// none. A valid, fully-recorded Config never produces it.
const fallbackSymbol = "?"

// Config describes a key combination: a modifier set plus one primary key
// code in the W3C code format (e.g., "Digit3", "KeyA", "Space").
type Config struct {
	Modifiers []string `yaml:"modifiers"`
	Key       string   `yaml:"key"`
}

// Validate reports whether the Config can be registered and displayed. A
// Config without a primary key is invalid and must never be persisted or
// matched. At most two modifiers are allowed.
func (c Config) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("hotkey: primary key must not be empty")
	}
	if len(c.Modifiers) > 2 {
		return fmt.Errorf("hotkey: at most 2 modifiers allowed, got %d", len(c.Modifiers))
	}
	for _, m := range c.Modifiers {
		if normalizeModifier(m) == "" {
			return fmt.Errorf("hotkey: unknown modifier %q", m)
		}
	}
	return nil
}

// Chord returns the canonical identity of the combination, e.g.
// "CommandOrControl+Shift+3". Modifier order and aliases do not affect the
// result, so two configs describing the same combination compare equal.
func (c Config) Chord() string {
	parts := make([]string, 0, len(c.Modifiers)+1)
	for _, canonical := range modifierOrder {
		for _, m := range c.Modifiers {
			if normalizeModifier(m) == canonical {
				parts = append(parts, canonical)
				break
			}
		}
	}
	parts = append(parts, normalizeKey(c.Key))
	return strings.Join(parts, "+")
}

// DisplaySymbols returns the ordered list of display symbols for the
// combination: present modifiers in the fixed order Cmd → Shift → Alt,
// followed by exactly one primary-key symbol. Total: always returns a
// non-empty list, substituting a fallback symbol when no primary key exists.
func (c Config) DisplaySymbols() []string {
	var symbols []string
	for _, canonical := range modifierOrder {
		for _, m := range c.Modifiers {
			if normalizeModifier(m) == canonical {
				symbols = append(symbols, modifierSymbols[canonical])
				break
			}
		}
	}
	return append(symbols, primarySymbol(c.Key))
}

// DisplayLabel returns the display symbols joined into a single label.
func (c Config) DisplayLabel() string {
	return strings.Join(c.DisplaySymbols(), "")
}

// modifierOrder fixes the canonical and display ordering of modifiers.
var modifierOrder = []string{"CommandOrControl", "Control", "Shift", "Alt"}

var modifierSymbols = map[string]string{
	"CommandOrControl": "⌘",
	"Control":          "⌃",
	"Shift":            "⇧",
	"Alt":              "⌥",
}

// normalizeModifier maps a modifier name or alias to its canonical form, or
// "" if unknown.
func normalizeModifier(m string) string {
	switch m {
	case ModCmdOrCtrl, "CommandOrControl":
		return "CommandOrControl"
	case ModShift:
		return "Shift"
	case ModAlt, "Option":
		return "Alt"
	case ModCtrl, "Control":
		return "Control"
	default:
		return ""
	}
}

// primarySymbol decodes a primary key code into its display symbol: a digit
// slot yields the bare digit, a letter slot its uppercase letter, anything
// else passes through verbatim. An empty key yields the fallback symbol.
func primarySymbol(key string) string {
	switch {
	case key == "":
		return fallbackSymbol
	case strings.HasPrefix(key, "Digit") && len(key) == 6:
		return key[5:]
	case strings.HasPrefix(key, "Key") && len(key) == 4:
		return strings.ToUpper(key[3:])
	default:
		return key
	}
}

// normalizeKey maps a primary key code to its registration form.
func normalizeKey(key string) string {
	switch {
	case strings.HasPrefix(key, "Digit") && len(key) == 6:
		return key[5:]
	case strings.HasPrefix(key, "Key") && len(key) == 4:
		return strings.ToUpper(key[3:])
	}
	switch key {
	case "ArrowUp":
		return "Up"
	case "ArrowDown":
		return "Down"
	case "ArrowLeft":
		return "Left"
	case "ArrowRight":
		return "Right"
	case "Minus":
		return "-"
	case "Equal":
		return "="
	case "BracketLeft":
		return "["
	case "BracketRight":
		return "]"
	case "Backslash":
		return `\`
	case "Semicolon":
		return ";"
	case "Quote":
		return "'"
	case "Comma":
		return ","
	case "Period":
		return "."
	case "Slash":
		return "/"
	case "Backquote":
		return "`"
	default:
		return key
	}
}
