// Package mock provides a test double for the llm package interfaces.
//
// Use Client to feed a scripted chunk sequence and inspect the requests the
// caller submitted.
//
// Example:
//
//	c := &mock.Client{Chunks: []llm.Chunk{
//	    {Kind: llm.KindPartial, Text: "Hel"},
//	    {Kind: llm.KindPartial, Text: "lo"},
//	    {Kind: llm.KindComplete, Text: "Hello"},
//	}}
//	ch, _ := c.Stream(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/provider/llm"
)

// StreamCall records a single invocation of Client.Stream.
type StreamCall struct {
	// Ctx is the context passed to Stream.
	Ctx context.Context
	// Req is the Request passed to Stream.
	Req llm.Request
}

// Client is a mock implementation of llm.Client.
type Client struct {
	mu sync.Mutex

	// Chunks is the scripted sequence emitted on the stream channel, in
	// order. The channel is closed after the last chunk. To simulate a
	// truncated stream, omit the terminal chunk.
	Chunks []llm.Chunk

	// ChunkDelay, if positive, is the pause before each chunk emission.
	ChunkDelay time.Duration

	// StreamErr, if non-nil, is returned as the error from Stream.
	StreamErr error

	// StreamFunc, if non-nil, overrides the scripted behaviour entirely.
	StreamFunc func(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error)

	// StreamCalls records every call to Stream in order.
	StreamCalls []StreamCall
}

// Stream records the call, then plays back Chunks on a new channel (or
// delegates to StreamFunc when set).
func (c *Client) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	c.mu.Lock()
	c.StreamCalls = append(c.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	chunks := make([]llm.Chunk, len(c.Chunks))
	copy(chunks, c.Chunks)
	delay := c.ChunkDelay
	fn := c.StreamFunc
	streamErr := c.StreamErr
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if streamErr != nil {
		return nil, streamErr
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, chunk := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// CallCount returns the number of Stream calls. Thread-safe.
func (c *Client) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.StreamCalls)
}

// LastRequest returns the Request of the most recent Stream call, or a zero
// Request if Stream was never called. Thread-safe.
func (c *Client) LastRequest() llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.StreamCalls) == 0 {
		return llm.Request{}
	}
	return c.StreamCalls[len(c.StreamCalls)-1].Req
}

// ResetCalls clears all recorded calls. Thread-safe.
func (c *Client) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StreamCalls = nil
}

// Ensure Client implements llm.Client at compile time.
var _ llm.Client = (*Client)(nil)
