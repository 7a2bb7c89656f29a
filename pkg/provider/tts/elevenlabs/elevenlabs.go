// Package elevenlabs provides an ElevenLabs-backed speech synthesis client
// using the ElevenLabs stream-input WebSocket API. It implements the
// tts.Client interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"

	"github.com/parley-ai/parley/pkg/provider/tts"
)

const (
	defaultBaseURL   = "wss://api.elevenlabs.io"
	streamPathFmt    = "/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"

	// outputSampleRate must agree with defaultOutputFmt.
	outputSampleRate = 16000
)

// Compile-time assertion that Client satisfies tts.Client.
var _ tts.Client = (*Client)(nil)

// Option is a functional option for configuring the ElevenLabs Client.
type Option func(*Client)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the WebSocket base URL. Useful for tests and
// self-hosted proxies.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// Client implements tts.Client backed by the ElevenLabs streaming API. Each
// Synthesize call opens its own WebSocket, so concurrent calls are safe.
type Client struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new ElevenLabs Client. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ---- WebSocket message types ----

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// boiMessage is the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// textMessage is the JSON payload sent for the reply text.
type textMessage struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
}

// audioResponse is the JSON message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
	Error   string `json:"error,omitempty"`
}

// Synthesize implements tts.Client. It opens a stream-input WebSocket, sends
// the whole reply text followed by an end-of-stream marker, and assembles the
// returned PCM chunks into a single clip (16 kHz mono 16-bit).
func (c *Client) Synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Clip, error) {
	if text == "" {
		return tts.Clip{}, errors.New("elevenlabs: text must not be empty")
	}
	if voice.ID == "" {
		return tts.Clip{}, errors.New("elevenlabs: voice.ID must not be empty")
	}

	wsURL := c.baseURL + fmt.Sprintf(streamPathFmt, voice.ID, c.model, defaultOutputFmt)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return tts.Clip{}, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Audio clips can exceed the library's 32 KiB default read limit.
	conn.SetReadLimit(1 << 22)

	settings := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.Speed > 0 {
		settings.Speed = voice.Speed
	}
	// ElevenLabs requires a non-empty first text value.
	boi := boiMessage{Text: " ", VoiceSettings: settings, XiAPIKey: c.apiKey}
	if err := writeJSON(ctx, conn, boi); err != nil {
		return tts.Clip{}, fmt.Errorf("elevenlabs: send handshake: %w", err)
	}

	if err := writeJSON(ctx, conn, textMessage{Text: text + " ", TryTriggerGeneration: true}); err != nil {
		return tts.Clip{}, fmt.Errorf("elevenlabs: send text: %w", err)
	}
	// Empty text marks end of input and flushes synthesis.
	if err := writeJSON(ctx, conn, textMessage{Text: ""}); err != nil {
		return tts.Clip{}, fmt.Errorf("elevenlabs: send end of input: %w", err)
	}

	var pcm []byte
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			// A normal closure after audio arrived means the server finished
			// without an explicit isFinal marker.
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && len(pcm) > 0 {
				break
			}
			return tts.Clip{}, fmt.Errorf("elevenlabs: read: %w", err)
		}

		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			return tts.Clip{}, fmt.Errorf("elevenlabs: decode response: %w", err)
		}
		if resp.Error != "" {
			return tts.Clip{}, fmt.Errorf("elevenlabs: server error: %s", resp.Error)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return tts.Clip{}, fmt.Errorf("elevenlabs: decode audio chunk: %w", err)
			}
			pcm = append(pcm, chunk...)
		}
		if resp.IsFinal {
			break
		}
	}

	if len(pcm) == 0 {
		return tts.Clip{}, errors.New("elevenlabs: no audio produced")
	}
	return tts.Clip{Audio: pcm, MIME: "audio/pcm", SampleRate: outputSampleRate}, nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
