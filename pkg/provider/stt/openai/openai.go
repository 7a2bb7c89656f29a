// Package openai provides a transcription client backed by the OpenAI
// audio transcription API.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/provider/stt"
)

const (
	defaultModel      = "whisper-1"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// defaultRMSThreshold matches the local whisper client: buffers below
	// this energy level are rejected without a network round trip.
	defaultRMSThreshold = 300.0
)

// Compile-time assertion that Client satisfies stt.Client.
var _ stt.Client = (*Client)(nil)

// config holds optional configuration for the client.
type config struct {
	baseURL  string
	timeout  time.Duration
	model    string
	language string
}

// Option is a functional option for Client.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// OpenAI-compatible transcription servers.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the transcription model (e.g., "whisper-1",
// "gpt-4o-mini-transcribe"). Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithLanguage sets the default recognition language used when the per-call
// hint is empty. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Client implements stt.Client using the OpenAI transcription endpoint.
type Client struct {
	client     oai.Client
	model      string
	language   string
	sampleRate int
}

// New constructs a new OpenAI transcription Client. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel, language: defaultLanguage}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Client{
		client:     oai.NewClient(reqOpts...),
		model:      cfg.model,
		language:   cfg.language,
		sampleRate: defaultSampleRate,
	}, nil
}

// Transcribe implements stt.Client. The PCM buffer is wrapped in a WAV
// container before upload. Silence-only buffers and blank transcripts are
// reported as [stt.ErrEmptyUtterance].
func (c *Client) Transcribe(ctx context.Context, pcm []byte, hint stt.Hint) (stt.Result, error) {
	if audio.RMS(pcm) < defaultRMSThreshold {
		return stt.Result{}, stt.ErrEmptyUtterance
	}

	lang := hint.Language
	if lang == "" {
		lang = c.language
	}

	wav := audio.EncodeWAV(pcm, c.sampleRate, 1)
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(c.model),
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}

	resp, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai stt: transcribe: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return stt.Result{}, stt.ErrEmptyUtterance
	}
	return stt.Result{Text: text, Language: lang}, nil
}
