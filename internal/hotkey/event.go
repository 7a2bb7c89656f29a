package hotkey

// EventKind distinguishes press from release.
type EventKind int

const (
	// Pressed fires once when the chord goes down. Key-repeat presses are
	// filtered by the Source, never delivered twice without a release.
	Pressed EventKind = iota
	// Released fires when any key of the chord goes up.
	Released
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case Pressed:
		return "pressed"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// Event is an abstract push-to-talk event produced by OS-level hotkey
// registration for a registered chord.
type Event struct {
	Kind EventKind
	// Chord is the canonical identity (Config.Chord) of the combination
	// that fired.
	Chord string
}

// Source delivers hotkey events. Implementations own the events channel and
// close it when the source shuts down.
type Source interface {
	Events() <-chan Event
}
