// Package openai provides a speech synthesis client backed by the OpenAI
// audio speech API. It implements the tts.Client interface.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/parley-ai/parley/pkg/provider/tts"
)

const (
	defaultModel = "tts-1"
	defaultVoice = "alloy"
)

// Compile-time assertion that Client satisfies tts.Client.
var _ tts.Client = (*Client)(nil)

// config holds optional configuration for the client.
type config struct {
	baseURL string
	timeout time.Duration
	model   string
}

// Option is a functional option for Client.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// OpenAI-compatible speech servers.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the speech model (e.g., "tts-1", "tts-1-hd",
// "gpt-4o-mini-tts"). Defaults to "tts-1".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Client implements tts.Client using the OpenAI speech endpoint. Clips are
// returned MP3-encoded.
type Client struct {
	client oai.Client
	model  string
}

// New constructs a new OpenAI speech Client. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel}
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
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
	}, nil
}

// Synthesize implements tts.Client.
func (c *Client) Synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Clip, error) {
	if text == "" {
		return tts.Clip{}, fmt.Errorf("openai tts: text must not be empty")
	}

	voiceID := voice.ID
	if voiceID == "" {
		voiceID = defaultVoice
	}

	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(c.model),
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(voiceID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
	}
	if voice.Speed > 0 {
		params.Speed = oai.Float(voice.Speed)
	}

	resp, err := c.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return tts.Clip{}, fmt.Errorf("openai tts: synthesize: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Clip{}, fmt.Errorf("openai tts: read audio body: %w", err)
	}
	if len(data) == 0 {
		return tts.Clip{}, fmt.Errorf("openai tts: empty audio response")
	}

	return tts.Clip{Audio: data, MIME: "audio/mpeg"}, nil
}
