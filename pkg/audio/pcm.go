// Package audio provides PCM helpers shared by the capture, transcription,
// and playback layers: energy measurement, format conversion, and WAV
// container encoding.
//
// All functions operate on 16-bit signed little-endian PCM unless stated
// otherwise.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// BitsPerSample is fixed at 16 for the signed little-endian PCM format used
// throughout the pipeline.
const BitsPerSample = 16

// RMS returns the root-mean-square energy of a 16-bit signed little-endian
// PCM buffer. Returns 0 for buffers shorter than one sample. The result is
// expressed in the same units as PCM sample values (0–32 767).
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2 // number of 16-bit samples
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Duration returns the playback duration of a PCM buffer at the given sample
// rate and channel count. Returns 0 for invalid inputs.
func Duration(pcm []byte, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	bytesPerSec := sampleRate * channels * (BitsPerSample / 8)
	return time.Duration(len(pcm)) * time.Second / time.Duration(bytesPerSec)
}

// ToFloat32 converts 16-bit signed little-endian PCM audio to float32 samples
// normalised to the range [-1.0, 1.0]. The input length must be even (two
// bytes per sample); any trailing odd byte is silently ignored.
func ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// ToFloat32Mono down-mixes multi-channel 16-bit PCM to mono float32 by
// averaging all channels per frame. If channels is 1 this is equivalent to
// ToFloat32.
func ToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels <= 1 {
		return ToFloat32(pcm)
	}
	samplesPerChannel := len(pcm) / (2 * channels)
	mono := make([]float32, samplesPerChannel)
	for i := range samplesPerChannel {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sample := int16(binary.LittleEndian.Uint16(pcm[idx : idx+2]))
			sum += float32(sample) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// EncodeWAV wraps raw 16-bit PCM in a minimal RIFF/WAVE container so it can
// be handed to batch inference APIs and audio decoders that expect a file
// header rather than a bare sample stream.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := BitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// FromFloat32 converts normalised float32 samples back to 16-bit signed
// little-endian PCM, clamping values outside [-1.0, 1.0].
func FromFloat32(samples []float32) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		v := int16(s * 32767.0)
		binary.LittleEndian.PutUint16(pcm[i*2:i*2+2], uint16(v))
	}
	return pcm
}

// ResampleMono converts 16-bit mono PCM from srcRate to dstRate by linear
// interpolation. Adequate for speech going into a recogniser; not intended
// for playback-quality resampling. Returns the input unchanged when the
// rates already match or either rate is non-positive.
func ResampleMono(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcN := len(pcm) / 2
	dstN := int(int64(srcN) * int64(dstRate) / int64(srcRate))
	if dstN == 0 {
		return nil
	}

	out := make([]byte, dstN*2)
	step := float64(srcRate) / float64(dstRate)
	for i := 0; i < dstN; i++ {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)

		s0 := int16(binary.LittleEndian.Uint16(pcm[j*2 : j*2+2]))
		s1 := s0
		if j+1 < srcN {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(j+1)*2 : (j+1)*2+2]))
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(v))
	}
	return out
}
