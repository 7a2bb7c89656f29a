package playback

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"

	"github.com/parley-ai/parley/pkg/provider/tts"
)

// speakerInit guards the process-wide speaker initialisation.
var speakerInit sync.Once

// BeepPlayer renders clips through the system speaker using faiface/beep.
// MP3, WAV, and raw 16-bit mono PCM clips are supported.
type BeepPlayer struct {
	sampleRate beep.SampleRate
	initErr    error
}

// NewBeepPlayer initialises the speaker at the given output sample rate (Hz)
// and returns a Player. The speaker is a process-wide singleton; the first
// call wins the rate.
func NewBeepPlayer(sampleRate int) (*BeepPlayer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("playback: sampleRate must be positive, got %d", sampleRate)
	}
	p := &BeepPlayer{sampleRate: beep.SampleRate(sampleRate)}
	speakerInit.Do(func() {
		p.initErr = speaker.Init(p.sampleRate, p.sampleRate.N(time.Second/10))
	})
	if p.initErr != nil {
		return nil, fmt.Errorf("playback: init speaker: %w", p.initErr)
	}
	return p, nil
}

// Play implements Player. It blocks until the clip finishes or ctx is
// cancelled.
func (p *BeepPlayer) Play(ctx context.Context, clip tts.Clip) error {
	streamer, format, err := decodeClip(clip)
	if err != nil {
		return err
	}
	if closer, ok := streamer.(io.Closer); ok {
		defer closer.Close()
	}

	var out beep.Streamer = streamer
	if format.SampleRate != p.sampleRate {
		out = beep.Resample(4, format.SampleRate, p.sampleRate, streamer)
	}

	done := make(chan struct{})
	ctrl := &beep.Ctrl{Streamer: beep.Seq(out, beep.Callback(func() {
		close(done)
	}))}
	speaker.Play(ctrl)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Lock()
		ctrl.Streamer = nil
		speaker.Unlock()
		return ctx.Err()
	}
}

// decodeClip turns a clip into a beep streamer based on its MIME type.
func decodeClip(clip tts.Clip) (beep.Streamer, beep.Format, error) {
	switch clip.MIME {
	case "audio/mpeg", "audio/mp3":
		s, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(clip.Audio)))
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("playback: decode mp3: %w", err)
		}
		return s, format, nil
	case "audio/wav", "audio/x-wav":
		s, format, err := wav.Decode(bytes.NewReader(clip.Audio))
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("playback: decode wav: %w", err)
		}
		return s, format, nil
	case "audio/pcm", "audio/l16":
		if clip.SampleRate <= 0 {
			return nil, beep.Format{}, fmt.Errorf("playback: pcm clip missing sample rate")
		}
		format := beep.Format{
			SampleRate:  beep.SampleRate(clip.SampleRate),
			NumChannels: 1,
			Precision:   2,
		}
		return &pcmStreamer{pcm: clip.Audio}, format, nil
	default:
		return nil, beep.Format{}, fmt.Errorf("playback: unsupported clip format %q", clip.MIME)
	}
}

// pcmStreamer streams raw 16-bit little-endian mono PCM, duplicating the
// mono signal onto both output channels.
type pcmStreamer struct {
	pcm []byte
	pos int
	err error
}

func (s *pcmStreamer) Stream(samples [][2]float64) (int, bool) {
	if s.err != nil || s.pos+1 >= len(s.pcm) {
		return 0, false
	}
	n := 0
	for n < len(samples) && s.pos+1 < len(s.pcm) {
		v := float64(int16(binary.LittleEndian.Uint16(s.pcm[s.pos:]))) / (1 << 15)
		samples[n][0] = v
		samples[n][1] = v
		s.pos += 2
		n++
	}
	return n, true
}

func (s *pcmStreamer) Err() error {
	return s.err
}
