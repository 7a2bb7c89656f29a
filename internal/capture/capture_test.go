package capture_test

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/capture"
)

// fakeDevice hands its frame callback to the test so frames can be injected
// manually.
type fakeDevice struct {
	mu       sync.Mutex
	onFrames func(pcm []byte)
	startErr error
	stopErr  error
	stopped  bool
}

func (d *fakeDevice) Start(onFrames func(pcm []byte)) error {
	if d.startErr != nil {
		return d.startErr
	}
	d.mu.Lock()
	d.onFrames = onFrames
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	return d.stopErr
}

func (d *fakeDevice) feed(pcm []byte) {
	d.mu.Lock()
	cb := d.onFrames
	d.mu.Unlock()
	if cb != nil {
		cb(pcm)
	}
}

func (d *fakeDevice) wasStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// fakeOpener returns a scripted device or error.
type fakeOpener struct {
	device  *fakeDevice
	openErr error
}

func (o *fakeOpener) Open(sampleRate, channels int) (capture.Device, error) {
	if o.openErr != nil {
		return nil, o.openErr
	}
	return o.device, nil
}

// speechFrame generates 16-bit sine PCM loud enough to count as voice.
func speechFrame(samples int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(10_000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func silenceFrame(samples int) []byte {
	return make([]byte, samples*2)
}

func TestStart_WhileActive_ReturnsCaptureBusy(t *testing.T) {
	t.Parallel()
	s := capture.NewSession(&fakeOpener{device: &fakeDevice{}})

	if err := s.Start(capture.PushToTalk); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := s.Start(capture.PushToTalk); !errors.Is(err, capture.ErrCaptureBusy) {
		t.Fatalf("second Start err = %v; want ErrCaptureBusy", err)
	}
}

func TestStop_WithoutStart_ReturnsNotCapturing(t *testing.T) {
	t.Parallel()
	s := capture.NewSession(&fakeOpener{device: &fakeDevice{}})
	if _, err := s.Stop(); !errors.Is(err, capture.ErrNotCapturing) {
		t.Fatalf("Stop err = %v; want ErrNotCapturing", err)
	}
}

func TestCancel_WithoutStart_ReturnsNotCapturing(t *testing.T) {
	t.Parallel()
	s := capture.NewSession(&fakeOpener{device: &fakeDevice{}})
	if err := s.Cancel(); !errors.Is(err, capture.ErrNotCapturing) {
		t.Fatalf("Cancel err = %v; want ErrNotCapturing", err)
	}
}

func TestStart_OpenFails_ReturnsDeviceUnavailable(t *testing.T) {
	t.Parallel()
	s := capture.NewSession(&fakeOpener{openErr: errors.New("no mic")})

	err := s.Start(capture.PushToTalk)
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("Start err = %v; want ErrDeviceUnavailable", err)
	}
	if s.Active() {
		t.Error("session must not be active after failed Start")
	}
	// The session is reusable after the failure.
	if _, err := s.Stop(); !errors.Is(err, capture.ErrNotCapturing) {
		t.Errorf("Stop after failed Start err = %v; want ErrNotCapturing", err)
	}
}

func TestStart_DeviceStartFails_ReleasesDevice(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{startErr: errors.New("busy")}
	s := capture.NewSession(&fakeOpener{device: dev})

	if err := s.Start(capture.PushToTalk); !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("Start err = %v; want ErrDeviceUnavailable", err)
	}
	if !dev.wasStopped() {
		t.Error("device must be released after a failed start")
	}
}

func TestStop_ReturnsAccumulatedBuffer(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{}
	s := capture.NewSession(&fakeOpener{device: dev})

	if err := s.Start(capture.PushToTalk); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dev.feed([]byte{1, 2})
	dev.feed([]byte{3, 4})

	buf, err := s.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	want := []byte{1, 2, 3, 4}
	if string(buf) != string(want) {
		t.Errorf("buffer = %v; want %v", buf, want)
	}
	if !dev.wasStopped() {
		t.Error("device must be released on Stop")
	}
}

func TestCancel_DiscardsBufferAndReleasesDevice(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{}
	s := capture.NewSession(&fakeOpener{device: dev})

	if err := s.Start(capture.PushToTalk); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dev.feed(speechFrame(160))

	if err := s.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !dev.wasStopped() {
		t.Error("device must be released on Cancel")
	}
	if s.Active() {
		t.Error("session must be idle after Cancel")
	}
}

func TestFramesAfterStop_Ignored(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{}
	s := capture.NewSession(&fakeOpener{device: dev})

	if err := s.Start(capture.PushToTalk); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Late frames from the audio thread must not panic or leak into the
	// next capture.
	dev.feed([]byte{9, 9})

	if err := s.Start(capture.PushToTalk); err != nil {
		t.Fatalf("restart: %v", err)
	}
	buf, err := s.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(buf) != 0 {
		t.Errorf("new capture buffer = %v; want empty", buf)
	}
}

func TestContinuous_TrailingSilence_SignalsAutoStop(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{}
	s := capture.NewSession(&fakeOpener{device: dev},
		capture.WithSilenceWindow(30*time.Millisecond),
	)

	if err := s.Start(capture.Continuous); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dev.feed(speechFrame(160))
	time.Sleep(50 * time.Millisecond)
	dev.feed(silenceFrame(160))

	select {
	case r := <-s.AutoStop():
		if r != capture.ReasonSilence {
			t.Errorf("reason = %v; want silence", r)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for silence auto-stop")
	}
}

func TestContinuous_NoVoiceYet_NoSilenceSignal(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{}
	s := capture.NewSession(&fakeOpener{device: dev},
		capture.WithSilenceWindow(10*time.Millisecond),
	)

	if err := s.Start(capture.Continuous); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Pure silence before any voice must not end the capture.
	time.Sleep(30 * time.Millisecond)
	dev.feed(silenceFrame(160))

	select {
	case r := <-s.AutoStop():
		t.Fatalf("unexpected auto-stop %v before any voice", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMaxDuration_SignalsAutoStop(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{}
	s := capture.NewSession(&fakeOpener{device: dev},
		capture.WithMaxDuration(20*time.Millisecond),
	)

	if err := s.Start(capture.PushToTalk); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	dev.feed(speechFrame(160))

	select {
	case r := <-s.AutoStop():
		if r != capture.ReasonMaxDuration {
			t.Errorf("reason = %v; want max-duration", r)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for max-duration auto-stop")
	}
}

func TestAutoStop_SignalsAtMostOncePerCapture(t *testing.T) {
	t.Parallel()
	dev := &fakeDevice{}
	s := capture.NewSession(&fakeOpener{device: dev},
		capture.WithMaxDuration(10*time.Millisecond),
	)

	if err := s.Start(capture.PushToTalk); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	dev.feed(speechFrame(160))
	dev.feed(speechFrame(160))
	dev.feed(speechFrame(160))

	<-s.AutoStop()
	select {
	case r := <-s.AutoStop():
		t.Fatalf("second auto-stop %v within one capture", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestModeAndReasonStrings(t *testing.T) {
	t.Parallel()
	if capture.PushToTalk.String() != "push-to-talk" || capture.Continuous.String() != "continuous" {
		t.Error("unexpected Mode strings")
	}
	if capture.ReasonSilence.String() != "silence" || capture.ReasonMaxDuration.String() != "max-duration" {
		t.Error("unexpected StopReason strings")
	}
}
