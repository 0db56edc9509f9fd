// Package audio holds the canonical audio deliverable of the synthesis layer:
// in-memory PCM buffers, a streaming WAV container writer and reader, the
// [Normalizer] that turns whatever a backend produced into a WAV file on disk,
// and the external [Transcoder] used for lossy-to-lossless conversion.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Encoding is the numeric sample type of a [PCM] buffer. All encodings are
// little-endian and interleaved.
type Encoding int

const (
	// EncodingInt16 is signed 16-bit integer PCM.
	EncodingInt16 Encoding = iota

	// EncodingFloat16 is IEEE 754 half-precision float PCM. The WAV writer
	// cannot consume it directly; see [PCM.Upcast].
	EncodingFloat16

	// EncodingFloat32 is IEEE 754 single-precision float PCM.
	EncodingFloat32
)

// String returns the dtype-style name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingInt16:
		return "int16"
	case EncodingFloat16:
		return "float16"
	case EncodingFloat32:
		return "float32"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// ParseEncoding maps a dtype name ("int16", "float16"/"half", "float32"/"float")
// to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "int16", "s16le", "pcm_s16le":
		return EncodingInt16, nil
	case "float16", "half", "fp16":
		return EncodingFloat16, nil
	case "float32", "float", "fp32", "f32le":
		return EncodingFloat32, nil
	}
	return 0, fmt.Errorf("audio: unknown sample encoding %q", s)
}

// BytesPerSample returns the width of one sample in bytes.
func (e Encoding) BytesPerSample() int {
	if e == EncodingFloat32 {
		return 4
	}
	return 2
}

// PCM is an in-memory buffer of interleaved samples with known layout.
type PCM struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
	Data       []byte
}

// Validate checks that the buffer layout is consistent.
func (p PCM) Validate() error {
	var errs []error
	if p.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", p.SampleRate))
	}
	if p.Channels <= 0 {
		errs = append(errs, fmt.Errorf("channel count must be positive, got %d", p.Channels))
	}
	if p.Channels > 0 {
		frame := p.Encoding.BytesPerSample() * p.Channels
		if len(p.Data)%frame != 0 {
			errs = append(errs, fmt.Errorf("data length %d is not a multiple of the %d-byte frame", len(p.Data), frame))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("audio: invalid PCM: %w", err)
	}
	return nil
}

// Frames returns the number of sample frames (samples per channel).
func (p PCM) Frames() int {
	if p.Channels <= 0 {
		return 0
	}
	return len(p.Data) / (p.Encoding.BytesPerSample() * p.Channels)
}

// Upcast returns p with half-precision samples widened to float32. Buffers in
// any other encoding are returned unchanged.
func (p PCM) Upcast() PCM {
	if p.Encoding != EncodingFloat16 {
		return p
	}
	n := len(p.Data) / 2
	out := make([]byte, n*4)
	for i := range n {
		h := float16.Frombits(binary.LittleEndian.Uint16(p.Data[i*2:]))
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(h.Float32()))
	}
	p.Encoding = EncodingFloat32
	p.Data = out
	return p
}

// ToInt16 returns p converted to 16-bit integer PCM. Float samples are
// clamped to [-1, 1] before scaling.
func (p PCM) ToInt16() PCM {
	switch p.Encoding {
	case EncodingInt16:
		return p
	case EncodingFloat16:
		p = p.Upcast()
	}
	n := len(p.Data) / 4
	out := make([]byte, n*2)
	for i := range n {
		f := math.Float32frombits(binary.LittleEndian.Uint32(p.Data[i*4:]))
		f = max(-1, min(1, f))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(f*math.MaxInt16)))
	}
	p.Encoding = EncodingInt16
	p.Data = out
	return p
}

// Float32Samples decodes a float32 buffer into samples. It panics if the
// encoding is not [EncodingFloat32].
func (p PCM) Float32Samples() []float32 {
	if p.Encoding != EncodingFloat32 {
		panic("audio: Float32Samples on " + p.Encoding.String() + " buffer")
	}
	out := make([]float32, len(p.Data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(p.Data[i*4:]))
	}
	return out
}

// FromFloat32 builds a float32 PCM buffer from samples.
func FromFloat32(samples []float32, sampleRate, channels int) PCM {
	data := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(s))
	}
	return PCM{SampleRate: sampleRate, Channels: channels, Encoding: EncodingFloat32, Data: data}
}

// FromFloat16 builds a half-precision PCM buffer by narrowing samples.
func FromFloat16(samples []float32, sampleRate, channels int) PCM {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], float16.Fromfloat32(s).Bits())
	}
	return PCM{SampleRate: sampleRate, Channels: channels, Encoding: EncodingFloat16, Data: data}
}

// FromInt16 builds a 16-bit PCM buffer from samples.
func FromInt16(samples []int16, sampleRate, channels int) PCM {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return PCM{SampleRate: sampleRate, Channels: channels, Encoding: EncodingInt16, Data: data}
}
