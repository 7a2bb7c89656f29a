// Package stt defines the Client interface for Speech-to-Text backends.
//
// A transcription client wraps a batch recognition engine (a local
// whisper.cpp model, the OpenAI transcription API, or a test mock) and
// exposes a single-shot contract: a finalized audio buffer goes in, the
// recognized text and detected language come out. Clients hold no per-call
// state; a capture session is finalized before transcription begins.
//
// Implementations must be safe for concurrent use, although the session
// orchestrator never issues more than one transcription at a time.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyUtterance is returned when the audio buffer contains no usable
// speech — either it is silence-only by energy measurement or the engine
// produced a blank transcript. Callers should skip the reply stage rather
// than forward empty input to the language model.
var ErrEmptyUtterance = errors.New("stt: empty utterance")

// Hint carries optional recognition hints for a single transcription call.
type Hint struct {
	// Language is a BCP-47 language tag (e.g., "en", "zh"). Empty lets the
	// backend use its configured default.
	Language string
}

// Result is a completed transcription.
type Result struct {
	// Text is the recognized speech content, whitespace-trimmed.
	Text string

	// Language is the language the transcript was decoded in. Backends that
	// cannot detect language report the effective recognition language.
	Language string
}

// Client is the abstraction over any batch transcription backend.
//
// Transcribe sends a finalized 16-bit signed little-endian PCM buffer to the
// engine and blocks until recognition completes or ctx is cancelled.
//
// Silence-only or blank results are reported as [ErrEmptyUtterance]; all
// other failures wrap the backend error.
type Client interface {
	Transcribe(ctx context.Context, pcm []byte, hint Hint) (Result, error)
}
