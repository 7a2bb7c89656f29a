// Package tts defines the speech synthesis contract used to voice completed
// assistant replies.
//
// Implementations are batch: one completed reply text in, one playable audio
// clip out. Implementations must be safe for concurrent use.
package tts

import "context"

// Voice describes the voice configuration for synthesis.
type Voice struct {
	// ID is the provider-specific voice identifier (e.g., "alloy",
	// an ElevenLabs voice UUID).
	ID string

	// Language is the BCP-47 language code the voice speaks, when known.
	Language string

	// Speed adjusts speaking rate (0.5–2.0, 0 = provider default).
	Speed float64
}

// Clip is a synthesised audio clip ready for playback.
type Clip struct {
	// Audio holds the encoded or raw audio bytes.
	Audio []byte

	// MIME identifies the audio format (e.g., "audio/mpeg", "audio/wav",
	// "audio/pcm").
	MIME string

	// SampleRate is the sample rate in Hz for raw PCM clips. Zero for
	// container formats that carry their own rate.
	SampleRate int
}

// Client is the abstraction over any speech synthesis backend.
type Client interface {
	// Synthesize converts text into a playable audio clip using the given
	// voice. Implementations should return an error for empty text and for
	// unavailable voices rather than producing an empty clip.
	Synthesize(ctx context.Context, text string, voice Voice) (Clip, error)
}
