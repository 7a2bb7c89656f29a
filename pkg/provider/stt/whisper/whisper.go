// Package whisper provides a local whisper.cpp-backed transcription client
// using the whisper.cpp CGO bindings. The whisper.cpp static library
// (libwhisper.a) and headers (whisper.h) must be available at link time via
// LIBRARY_PATH and C_INCLUDE_PATH environment variables.
//
// The model is loaded once at construction and shared across calls; each
// Transcribe call creates its own whisper context, so concurrent calls are
// safe even though an individual context is not.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/provider/stt"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit
	// PCM units) below which a buffer is considered silence-only. The
	// maximum possible value for 16-bit audio is 32 767; 300 corresponds to
	// near-silence.
	defaultRMSThreshold = 300.0
)

// Compile-time assertion that Client satisfies stt.Client.
var _ stt.Client = (*Client)(nil)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithLanguage sets the default BCP-47 language code for transcription
// (e.g., "en", "zh"). Used when the per-call hint is empty. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(c *Client) { c.language = lang }
}

// WithSampleRate sets the sample rate in Hz of the PCM buffers passed to
// Transcribe. whisper.cpp itself consumes 16 kHz audio; buffers at any other
// rate are resampled before inference. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(c *Client) { c.sampleRate = rate }
}

// WithSilenceThreshold overrides the RMS energy level below which a buffer
// is rejected as silence-only without running inference.
func WithSilenceThreshold(rms float64) Option {
	return func(c *Client) { c.rmsThreshold = rms }
}

// Client implements stt.Client backed by a whisper.cpp model loaded in
// process. Safe for concurrent use.
type Client struct {
	model        whisperlib.Model
	language     string
	sampleRate   int
	rmsThreshold float64
}

// New creates a Client that loads the whisper.cpp model from the given file
// path. The caller must call Close when the client is no longer needed.
func New(modelPath string, opts ...Option) (*Client, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	c := &Client{
		model:        model,
		language:     defaultLanguage,
		sampleRate:   defaultSampleRate,
		rmsThreshold: defaultRMSThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Close releases the whisper model. Must be called when the client is no
// longer needed.
func (c *Client) Close() error {
	if c.model != nil {
		return c.model.Close()
	}
	return nil
}

// Transcribe implements stt.Client. Silence-only buffers (by RMS energy) and
// blank inference results are reported as [stt.ErrEmptyUtterance].
func (c *Client) Transcribe(ctx context.Context, pcm []byte, hint stt.Hint) (stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: %w", err)
	}
	if audio.RMS(pcm) < c.rmsThreshold {
		return stt.Result{}, stt.ErrEmptyUtterance
	}

	lang := hint.Language
	if lang == "" {
		lang = c.language
	}

	// Each call gets a fresh whisper context. Contexts are NOT thread-safe,
	// but the model can be shared across goroutines.
	wctx, err := c.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: set language %q: %w", lang, err)
	}

	if c.sampleRate != defaultSampleRate {
		pcm = audio.ResampleMono(pcm, c.sampleRate, defaultSampleRate)
	}
	samples := audio.ToFloat32(pcm)
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	text := strings.Join(parts, " ")
	if text == "" {
		return stt.Result{}, stt.ErrEmptyUtterance
	}
	return stt.Result{Text: text, Language: lang}, nil
}
