// Package capture owns the microphone for the duration of one recording.
//
// A Session acquires the audio device on Start and is guaranteed to release
// it on Stop or Cancel, even when the device fails mid-capture, so the
// device handle is never held across failures. Push-to-talk captures end
// when the caller stops them (with a max-duration guard); continuous
// captures additionally signal auto-stop after a trailing-silence window.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/audio"
)

var (
	// ErrCaptureBusy is returned by Start while a capture is already active.
	ErrCaptureBusy = errors.New("capture: capture already active")

	// ErrNotCapturing is returned by Stop and Cancel when no capture is
	// active.
	ErrNotCapturing = errors.New("capture: no active capture")

	// ErrDeviceUnavailable wraps failures to acquire or start the audio
	// device.
	ErrDeviceUnavailable = errors.New("capture: audio device unavailable")
)

// Mode selects how a capture ends. Immutable for the duration of one
// capture.
type Mode int

const (
	// PushToTalk records until the caller stops it.
	PushToTalk Mode = iota
	// Continuous records until trailing silence or the max duration.
	Continuous
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case PushToTalk:
		return "push-to-talk"
	case Continuous:
		return "continuous"
	default:
		return "unknown"
	}
}

// StopReason says why a capture signalled auto-stop.
type StopReason int

const (
	// ReasonSilence fires after the trailing-silence window in continuous
	// mode.
	ReasonSilence StopReason = iota
	// ReasonMaxDuration fires when a capture reaches its duration cap.
	ReasonMaxDuration
)

// String implements fmt.Stringer.
func (r StopReason) String() string {
	switch r {
	case ReasonSilence:
		return "silence"
	case ReasonMaxDuration:
		return "max-duration"
	default:
		return "unknown"
	}
}

// Device is an acquired audio input. Start begins delivering PCM frames to
// the callback until Stop; Stop releases the device.
type Device interface {
	Start(onFrames func(pcm []byte)) error
	Stop() error
}

// Opener acquires audio devices. A Session holds at most one open Device at
// a time.
type Opener interface {
	Open(sampleRate, channels int) (Device, error)
}

const (
	defaultSampleRate     = 16000
	defaultChannels       = 1
	defaultMaxDuration    = 10 * time.Second
	defaultSilenceWindow  = 1500 * time.Millisecond
	defaultVoiceThreshold = 0.02 // normalized RMS (0..1)
)

// Option is a functional option for a Session.
type Option func(*Session)

// WithSampleRate sets the capture sample rate in Hz. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(s *Session) { s.sampleRate = rate }
}

// WithMaxDuration caps the length of a single capture. Defaults to 10s.
func WithMaxDuration(d time.Duration) Option {
	return func(s *Session) { s.maxDuration = d }
}

// WithSilenceWindow sets the trailing-silence length after which a
// continuous capture auto-stops. Defaults to 1.5s.
func WithSilenceWindow(d time.Duration) Option {
	return func(s *Session) { s.silenceWindow = d }
}

// WithVoiceThreshold sets the normalized RMS level (0..1) above which a
// frame counts as voice.
func WithVoiceThreshold(v float64) Option {
	return func(s *Session) { s.voiceThreshold = v }
}

// Session manages one microphone capture at a time.
//
// All methods are safe for concurrent use. The AutoStop channel is created
// once and shared across captures; the caller reacts to a signal by calling
// Stop.
type Session struct {
	opener         Opener
	sampleRate     int
	channels       int
	maxDuration    time.Duration
	silenceWindow  time.Duration
	voiceThreshold float64

	autoStop chan StopReason

	mu      sync.Mutex
	active  bool
	mode    Mode
	device  Device
	buf     []byte
	started time.Time
	// lastVoice is when a voiced frame was last heard; zero until the first
	// voiced frame.
	lastVoice time.Time
	// signalled suppresses duplicate auto-stop signals within one capture.
	signalled bool
}

// NewSession creates a Session that acquires devices through opener.
func NewSession(opener Opener, opts ...Option) *Session {
	s := &Session{
		opener:         opener,
		sampleRate:     defaultSampleRate,
		channels:       defaultChannels,
		maxDuration:    defaultMaxDuration,
		silenceWindow:  defaultSilenceWindow,
		voiceThreshold: defaultVoiceThreshold,
		autoStop:       make(chan StopReason, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AutoStop delivers at most one signal per capture when the capture decides
// it should end (trailing silence in continuous mode, or the max-duration
// guard in either mode). The caller still calls Stop to collect the buffer.
func (s *Session) AutoStop() <-chan StopReason {
	return s.autoStop
}

// Active reports whether a capture is in flight.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Start acquires the device and begins recording in the given mode. Returns
// ErrCaptureBusy if a capture is already active and ErrDeviceUnavailable if
// the device cannot be acquired or started.
func (s *Session) Start(mode Mode) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrCaptureBusy
	}
	// Mark active before releasing the lock so a concurrent Start fails
	// fast while the device opens.
	s.active = true
	s.mode = mode
	s.buf = nil
	s.started = time.Now()
	s.lastVoice = time.Time{}
	s.signalled = false
	s.mu.Unlock()

	dev, err := s.opener.Open(s.sampleRate, s.channels)
	if err != nil {
		s.reset()
		return fmt.Errorf("%w: open: %v", ErrDeviceUnavailable, err)
	}
	if err := dev.Start(s.onFrames); err != nil {
		_ = dev.Stop()
		s.reset()
		return fmt.Errorf("%w: start: %v", ErrDeviceUnavailable, err)
	}

	s.mu.Lock()
	s.device = dev
	s.started = time.Now()
	s.mu.Unlock()
	return nil
}

// Stop ends the active capture and returns the recorded PCM buffer. The
// device is released even if stopping it fails; in that case the buffer is
// still returned alongside the error.
func (s *Session) Stop() ([]byte, error) {
	dev, buf, err := s.finish()
	if err != nil {
		return nil, err
	}
	var stopErr error
	if dev != nil {
		stopErr = dev.Stop()
	}
	return buf, stopErr
}

// Cancel ends the active capture and discards the buffer. No side effects
// beyond releasing the device.
func (s *Session) Cancel() error {
	dev, _, err := s.finish()
	if err != nil {
		return err
	}
	if dev != nil {
		return dev.Stop()
	}
	return nil
}

// finish atomically deactivates the session and detaches the device and
// buffer. Returns ErrNotCapturing when idle.
func (s *Session) finish() (Device, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil, nil, ErrNotCapturing
	}
	dev := s.device
	buf := s.buf
	s.active = false
	s.device = nil
	s.buf = nil
	return dev, buf, nil
}

// reset clears the active flag after a failed Start.
func (s *Session) reset() {
	s.mu.Lock()
	s.active = false
	s.device = nil
	s.buf = nil
	s.mu.Unlock()
}

// onFrames is the device data callback. It appends frames and evaluates the
// auto-stop conditions. Runs on the audio thread, so it stays cheap.
func (s *Session) onFrames(pcm []byte) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.buf = append(s.buf, pcm...)

	if normalizedRMS(pcm) >= s.voiceThreshold {
		s.lastVoice = now
	}

	if s.signalled {
		return
	}
	if s.maxDuration > 0 && now.Sub(s.started) >= s.maxDuration {
		s.signal(ReasonMaxDuration)
		return
	}
	if s.mode == Continuous && !s.lastVoice.IsZero() && now.Sub(s.lastVoice) >= s.silenceWindow {
		s.signal(ReasonSilence)
	}
}

// signal emits an auto-stop reason without blocking. Must be called with
// s.mu held.
func (s *Session) signal(r StopReason) {
	s.signalled = true
	select {
	case s.autoStop <- r:
	default:
	}
}

// normalizedRMS maps 16-bit PCM energy onto 0..1.
func normalizedRMS(pcm []byte) float64 {
	return audio.RMS(pcm) / 32768.0
}
