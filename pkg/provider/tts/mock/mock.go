// Package mock provides a test double for the tts package interfaces.
//
// Use Client to return a controlled Clip and inspect the text and voice the
// caller submitted.
package mock

import (
	"context"
	"sync"

	"github.com/parley-ai/parley/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Client.Synthesize.
type SynthesizeCall struct {
	// Text is the reply text passed to Synthesize.
	Text string
	// Voice is the Voice passed to Synthesize.
	Voice tts.Voice
}

// Client is a mock implementation of tts.Client.
type Client struct {
	mu sync.Mutex

	// Clip is returned by Synthesize when Err is nil. If Clip is zero, a
	// small placeholder PCM clip is returned instead.
	Clip tts.Clip

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// SynthesizeFunc, if non-nil, overrides Clip and Err entirely.
	SynthesizeFunc func(ctx context.Context, text string, voice tts.Voice) (tts.Clip, error)

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns Clip, Err (or delegates to
// SynthesizeFunc when set).
func (c *Client) Synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Clip, error) {
	c.mu.Lock()
	c.SynthesizeCalls = append(c.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	fn := c.SynthesizeFunc
	clip, err := c.Clip, c.Err
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, voice)
	}
	if err != nil {
		return tts.Clip{}, err
	}
	if len(clip.Audio) == 0 && clip.MIME == "" {
		clip = tts.Clip{Audio: make([]byte, 320), MIME: "audio/pcm", SampleRate: 16000}
	}
	return clip, nil
}

// CallCount returns the number of Synthesize calls. Thread-safe.
func (c *Client) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.SynthesizeCalls)
}

// LastCall returns the most recent SynthesizeCall, or a zero value if
// Synthesize was never called. Thread-safe.
func (c *Client) LastCall() SynthesizeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.SynthesizeCalls) == 0 {
		return SynthesizeCall{}
	}
	return c.SynthesizeCalls[len(c.SynthesizeCalls)-1]
}

// ResetCalls clears all recorded calls. Thread-safe.
func (c *Client) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SynthesizeCalls = nil
}

// Ensure Client implements tts.Client at compile time.
var _ tts.Client = (*Client)(nil)
