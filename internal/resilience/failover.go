package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/provider/stt"
	"github.com/parley-ai/parley/pkg/provider/tts"
)

// ErrAllBackendsFailed is returned when every backend in a failover group
// fails or has an open breaker.
var ErrAllBackendsFailed = errors.New("resilience: all backends failed")

// FailoverConfig configures the per-backend breaker created for each entry
// in a failover group.
type FailoverConfig struct {
	Breaker BreakerConfig
}

// backend pairs a client value with its dedicated breaker.
type backend[T any] struct {
	name    string
	client  T
	breaker *Breaker
}

// group tries each backend in registration order until one succeeds.
type group[T any] struct {
	backends []backend[T]
	cfg      FailoverConfig
}

func newGroup[T any](primary T, name string, cfg FailoverConfig) *group[T] {
	g := &group[T]{cfg: cfg}
	g.add(name, primary)
	return g
}

func (g *group[T]) add(name string, client T) {
	bcfg := g.cfg.Breaker
	bcfg.Name = name
	g.backends = append(g.backends, backend[T]{
		name:    name,
		client:  client,
		breaker: NewBreaker(bcfg),
	})
}

// call tries fn against each backend until one succeeds. Errors for which
// authoritative returns true end the attempt immediately: they are outcomes
// of the request itself (cancellation, silence-only audio), not signs of an
// unhealthy backend, so retrying a different backend would only repeat them.
func call[T any, R any](g *group[T], authoritative func(error) bool, fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range g.backends {
		be := &g.backends[i]
		var result R
		err := be.breaker.Do(func() error {
			var innerErr error
			result, innerErr = fn(be.client)
			return innerErr
		}, authoritative)
		if err == nil {
			return result, nil
		}
		if authoritative != nil && authoritative(err) {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping backend, breaker open", "backend", be.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", be.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
}

// ctxDone reports errors caused by the caller's context rather than the
// backend.
func ctxDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ─── STT ──────────────────────────────────────────────────────────────────────

// STTFailover implements [stt.Client] with automatic failover across multiple
// transcription backends. [stt.ErrEmptyUtterance] never fails over: silence
// is a property of the audio, and a second backend would hear the same
// silence.
type STTFailover struct {
	group *group[stt.Client]
}

var _ stt.Client = (*STTFailover)(nil)

// NewSTTFailover creates an [STTFailover] with primary as the preferred
// backend.
func NewSTTFailover(primary stt.Client, name string, cfg FailoverConfig) *STTFailover {
	return &STTFailover{group: newGroup(primary, name, cfg)}
}

// AddFallback registers an additional backend, tried after the primary.
func (f *STTFailover) AddFallback(name string, client stt.Client) {
	f.group.add(name, client)
}

// Transcribe implements [stt.Client].
func (f *STTFailover) Transcribe(ctx context.Context, pcm []byte, hint stt.Hint) (stt.Result, error) {
	return call(f.group, sttAuthoritative, func(c stt.Client) (stt.Result, error) {
		return c.Transcribe(ctx, pcm, hint)
	})
}

func sttAuthoritative(err error) bool {
	return ctxDone(err) || errors.Is(err, stt.ErrEmptyUtterance)
}

// ─── LLM ──────────────────────────────────────────────────────────────────────

// LLMFailover implements [llm.Client] with automatic failover across multiple
// chat backends. Only the stream setup is covered; once a stream is
// established, mid-stream errors are the consumer's to handle.
type LLMFailover struct {
	group *group[llm.Client]
}

var _ llm.Client = (*LLMFailover)(nil)

// NewLLMFailover creates an [LLMFailover] with primary as the preferred
// backend.
func NewLLMFailover(primary llm.Client, name string, cfg FailoverConfig) *LLMFailover {
	return &LLMFailover{group: newGroup(primary, name, cfg)}
}

// AddFallback registers an additional backend, tried after the primary.
func (f *LLMFailover) AddFallback(name string, client llm.Client) {
	f.group.add(name, client)
}

// Stream implements [llm.Client].
func (f *LLMFailover) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	return call(f.group, ctxDone, func(c llm.Client) (<-chan llm.Chunk, error) {
		return c.Stream(ctx, req)
	})
}

// ─── TTS ──────────────────────────────────────────────────────────────────────

// TTSFailover implements [tts.Client] with automatic failover across multiple
// synthesis backends. Voice IDs are backend-specific, so fallbacks should be
// configured with voices they actually serve.
type TTSFailover struct {
	group *group[tts.Client]
}

var _ tts.Client = (*TTSFailover)(nil)

// NewTTSFailover creates a [TTSFailover] with primary as the preferred
// backend.
func NewTTSFailover(primary tts.Client, name string, cfg FailoverConfig) *TTSFailover {
	return &TTSFailover{group: newGroup(primary, name, cfg)}
}

// AddFallback registers an additional backend, tried after the primary.
func (f *TTSFailover) AddFallback(name string, client tts.Client) {
	f.group.add(name, client)
}

// Synthesize implements [tts.Client].
func (f *TTSFailover) Synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Clip, error) {
	return call(f.group, ctxDone, func(c tts.Client) (tts.Clip, error) {
		return c.Synthesize(ctx, text, voice)
	})
}
