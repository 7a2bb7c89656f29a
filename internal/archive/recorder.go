package archive

import (
	"context"
	"log/slog"

	"github.com/parley-ai/parley/internal/history"
)

// TurnWriter is the sink a Recorder feeds. *Archive implements it.
type TurnWriter interface {
	WriteTurn(ctx context.Context, sessionID string, t history.Turn) error
}

var _ TurnWriter = (*Archive)(nil)

// Recorder bridges in-memory history snapshots to a TurnWriter. Feed it the
// current history after each state change; it writes only turns it has not
// seen before, so replayed snapshots and the history's bounded eviction are
// both harmless.
//
// Recorder is not safe for concurrent use. Drive it from a single observer
// goroutine.
type Recorder struct {
	writer    TurnWriter
	sessionID string
	seen      map[string]struct{}
	log       *slog.Logger
}

// NewRecorder creates a Recorder that archives under sessionID.
func NewRecorder(writer TurnWriter, sessionID string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		writer:    writer,
		sessionID: sessionID,
		seen:      make(map[string]struct{}),
		log:       logger,
	}
}

// Observe writes every turn in the snapshot that has not been archived yet.
// Write failures are logged and retried on the next snapshot; a transcript
// gap is preferable to blocking the session pipeline.
func (r *Recorder) Observe(ctx context.Context, turns []history.Turn) {
	for _, t := range turns {
		if _, ok := r.seen[t.ID]; ok {
			continue
		}
		if err := r.writer.WriteTurn(ctx, r.sessionID, t); err != nil {
			r.log.Warn("archive write failed", "turn_id", t.ID, "error", err)
			continue
		}
		r.seen[t.ID] = struct{}{}
	}
}
