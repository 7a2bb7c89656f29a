// Package llm defines the chat streaming contract used to generate assistant
// replies from conversation context.
//
// Implementations stream a reply as a sequence of Chunk values on a channel.
// Partial chunks are incremental: each carries only newly generated text, and
// concatenating them in emission order reconstructs the reply. A well-behaved
// stream ends with exactly one terminal chunk (KindComplete or KindError)
// before the channel closes; a channel that closes without a terminal chunk
// indicates a truncated stream, which the caller must treat as a failure.
package llm

import "context"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation message sent as reply context.
type Message struct {
	Role    Role
	Content string
}

// Kind classifies a streamed Chunk.
type Kind string

const (
	// KindPartial carries an increment of newly generated reply text.
	KindPartial Kind = "partial"
	// KindComplete is the terminal chunk of a successful stream. Its Text
	// holds the full final reply and is authoritative over concatenated
	// partials.
	KindComplete Kind = "complete"
	// KindError is the terminal chunk of a failed stream. Err is non-nil.
	KindError Kind = "error"
)

// Chunk is one unit of a streamed reply.
type Chunk struct {
	Kind Kind
	// Text is the incremental text for KindPartial and the full final reply
	// for KindComplete. Empty for KindError.
	Text string
	// Err is set only on KindError chunks.
	Err error
	// Audio optionally carries pre-synthesized speech for the final reply
	// on KindComplete chunks. Consumers that receive it may skip their own
	// synthesis stage. MIME describes the encoding (e.g. "audio/mpeg").
	Audio []byte
	MIME  string
}

// Request describes one reply generation.
type Request struct {
	// SystemPrompt, if non-empty, is prepended as a system message.
	SystemPrompt string
	// Messages is the conversation context, oldest first. The final message
	// is the user utterance being answered.
	Messages []Message
	// Temperature overrides the sampling temperature when non-zero.
	Temperature float64
	// MaxTokens caps the reply length when positive.
	MaxTokens int
}

// Client produces streamed assistant replies.
type Client interface {
	// Stream starts generating a reply for req. The returned channel is
	// closed by the implementation once the stream ends; consumption may be
	// abandoned early by cancelling ctx. A constructor-stage failure (bad
	// request, unreachable backend) is returned as the error instead.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
