package capture

import (
	"fmt"

	"github.com/gen2brain/malgo"
)

// MalgoOpener acquires capture devices through the malgo (miniaudio)
// bindings. The underlying context is shared by all devices it opens and
// must be released with Close when the opener is no longer needed.
type MalgoOpener struct {
	ctx *malgo.AllocatedContext
}

// NewMalgoOpener initialises the miniaudio context.
func NewMalgoOpener() (*MalgoOpener, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init malgo context: %w", err)
	}
	return &MalgoOpener{ctx: ctx}, nil
}

// Open implements Opener. The returned device records 16-bit signed PCM.
func (o *MalgoOpener) Open(sampleRate, channels int) (Device, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = uint32(sampleRate)
	return &malgoDevice{opener: o, config: cfg}, nil
}

// Close releases the miniaudio context. All devices must be stopped first.
func (o *MalgoOpener) Close() error {
	if o.ctx == nil {
		return nil
	}
	err := o.ctx.Uninit()
	o.ctx.Free()
	o.ctx = nil
	return err
}

// malgoDevice wraps one malgo capture device. The device is initialised
// lazily in Start because malgo binds the data callback at init time.
type malgoDevice struct {
	opener *MalgoOpener
	config malgo.DeviceConfig
	device *malgo.Device
}

// Start implements Device.
func (d *malgoDevice) Start(onFrames func(pcm []byte)) error {
	callbacks := malgo.DeviceCallbacks{
		Data: func(outputSamples, inputSamples []byte, frameCount uint32) {
			if len(inputSamples) == 0 {
				return
			}
			// The callback buffer is reused by miniaudio; hand out a copy.
			frame := make([]byte, len(inputSamples))
			copy(frame, inputSamples)
			onFrames(frame)
		},
	}

	dev, err := malgo.InitDevice(d.opener.ctx.Context, d.config, callbacks)
	if err != nil {
		return fmt.Errorf("capture: init device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("capture: start device: %w", err)
	}
	d.device = dev
	return nil
}

// Stop implements Device.
func (d *malgoDevice) Stop() error {
	if d.device == nil {
		return nil
	}
	err := d.device.Stop()
	d.device.Uninit()
	d.device = nil
	return err
}

// Compile-time assertions.
var (
	_ Opener = (*MalgoOpener)(nil)
	_ Device = (*malgoDevice)(nil)
)
