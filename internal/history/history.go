// Package history maintains the bounded conversation transcript shared
// between the orchestrator, the reply context builder, and the UI.
package history

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxTurns is the retention bound applied when no explicit limit is
// configured.
const DefaultMaxTurns = 10

// Role identifies the author of a Turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one completed conversation entry. Turns are only appended once
// their stage of the pipeline has fully succeeded; failed or abandoned
// pipeline runs never produce a Turn.
type Turn struct {
	// ID uniquely identifies the turn.
	ID string

	// Role is the author of the turn.
	Role Role

	// Content is the finalised text: a transcript for user turns, the full
	// reply for assistant turns.
	Content string

	// Language is the BCP-47 code detected or configured for the turn, when
	// known.
	Language string

	// Timestamp records when the turn was committed.
	Timestamp time.Time
}

// NewTurn builds a Turn with a fresh ID and the current time.
func NewTurn(role Role, content, language string) Turn {
	return Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Language:  language,
		Timestamp: time.Now(),
	}
}

// Log is a bounded conversation history. When an append exceeds the retention
// bound the oldest turns are evicted, so the log always holds the most recent
// turns in chronological order.
//
// All methods are safe for concurrent use.
type Log struct {
	mu       sync.RWMutex
	turns    []Turn
	maxTurns int
}

// NewLog creates a Log that retains at most maxTurns turns. A non-positive
// maxTurns falls back to DefaultMaxTurns.
func NewLog(maxTurns int) *Log {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Log{
		turns:    make([]Turn, 0, maxTurns),
		maxTurns: maxTurns,
	}
}

// Append adds a turn and evicts the oldest entries beyond the retention
// bound.
func (l *Log) Append(t Turn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.turns = append(l.turns, t)
	if len(l.turns) > l.maxTurns {
		keep := l.turns[len(l.turns)-l.maxTurns:]
		// Copy to a fresh slice so evicted turns can be garbage collected.
		fresh := make([]Turn, len(keep), l.maxTurns)
		copy(fresh, keep)
		l.turns = fresh
	}
}

// Snapshot returns a copy of all retained turns in chronological order
// (oldest first). The returned slice is owned by the caller.
func (l *Log) Snapshot() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Len returns the number of retained turns.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// Clear removes all turns.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = make([]Turn, 0, l.maxTurns)
}

// MaxTurns returns the retention bound.
func (l *Log) MaxTurns() int {
	return l.maxTurns
}
