// Package mock provides a test double for the stt package interfaces.
//
// Use Client to feed controlled transcription results and inspect the audio
// buffers the caller submitted.
//
// Example:
//
//	c := &mock.Client{Result: stt.Result{Text: "hello", Language: "en"}}
//	res, err := c.Transcribe(ctx, pcm, stt.Hint{})
package mock

import (
	"context"
	"sync"

	"github.com/parley-ai/parley/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Client.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio bytes passed to Transcribe.
	PCM []byte
	// Hint is the Hint passed to Transcribe.
	Hint stt.Hint
}

// Client is a mock implementation of stt.Client.
type Client struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Err is nil.
	Result stt.Result

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// TranscribeFunc, if non-nil, overrides Result and Err entirely.
	TranscribeFunc func(ctx context.Context, pcm []byte, hint stt.Hint) (stt.Result, error)

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns Result, Err (or delegates to
// TranscribeFunc when set).
func (c *Client) Transcribe(ctx context.Context, pcm []byte, hint stt.Hint) (stt.Result, error) {
	c.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	c.TranscribeCalls = append(c.TranscribeCalls, TranscribeCall{PCM: cp, Hint: hint})
	fn := c.TranscribeFunc
	res, err := c.Result, c.Err
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, pcm, hint)
	}
	return res, err
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (c *Client) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.TranscribeCalls)
}

// ResetCalls clears all recorded calls. Thread-safe.
func (c *Client) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TranscribeCalls = nil
}

// Ensure Client implements stt.Client at compile time.
var _ stt.Client = (*Client)(nil)
