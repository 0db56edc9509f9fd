package audio_test

import (
	"encoding/binary"
	"slices"
	"testing"

	"github.com/MrWong99/polyvox/pkg/audio"
)

func samplesToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func int16Samples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func TestHarmonize(t *testing.T) {
	tests := []struct {
		name             string
		in               []int16
		rate, ch         int
		target           audio.Target
		want             []int16
		wantRate, wantCh int
	}{
		{
			name: "mono upsample holds last frame",
			in:   []int16{0, 100}, rate: 8000, ch: 1,
			target: audio.Target{SampleRate: 16000},
			want:   []int16{0, 50, 100, 100}, wantRate: 16000, wantCh: 1,
		},
		{
			name: "mono downsample",
			in:   []int16{0, 100, 200, 300}, rate: 16000, ch: 1,
			target: audio.Target{SampleRate: 8000},
			want:   []int16{0, 200}, wantRate: 8000, wantCh: 1,
		},
		{
			name: "stereo channels resampled independently",
			in:   []int16{0, 1000, 100, 2000}, rate: 8000, ch: 2,
			target: audio.Target{SampleRate: 16000},
			want:   []int16{0, 1000, 50, 1500, 100, 2000, 100, 2000}, wantRate: 16000, wantCh: 2,
		},
		{
			name: "mono to stereo",
			in:   []int16{100, 200, 300}, rate: 48000, ch: 1,
			target: audio.Target{Channels: 2},
			want:   []int16{100, 100, 200, 200, 300, 300}, wantRate: 48000, wantCh: 2,
		},
		{
			name: "mono to quad",
			in:   []int16{7}, rate: 48000, ch: 1,
			target: audio.Target{Channels: 4},
			want:   []int16{7, 7, 7, 7}, wantRate: 48000, wantCh: 4,
		},
		{
			name: "stereo downmix at the int16 limits",
			in:   []int16{100, 300, 32767, 32767, -32768, -32768}, rate: 22050, ch: 2,
			target: audio.Target{Channels: 1},
			want:   []int16{200, 32767, -32768}, wantRate: 22050, wantCh: 1,
		},
		{
			name: "six channels downmix",
			in:   []int16{6, 6, 6, 12, 12, 12}, rate: 48000, ch: 6,
			target: audio.Target{Channels: 1},
			want:   []int16{9}, wantRate: 48000, wantCh: 1,
		},
		{
			name: "resample then downmix",
			in:   []int16{0, 200, 100, 300}, rate: 8000, ch: 2,
			target: audio.Target{SampleRate: 16000, Channels: 1},
			want:   []int16{100, 150, 200, 200}, wantRate: 16000, wantCh: 1,
		},
		{
			name: "stereo to surround is left native",
			in:   []int16{1, 2}, rate: 48000, ch: 2,
			target: audio.Target{Channels: 6},
			want:   []int16{1, 2}, wantRate: 48000, wantCh: 2,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := audio.Harmonize(audio.FromInt16(tc.in, tc.rate, tc.ch), tc.target)
			if out.SampleRate != tc.wantRate || out.Channels != tc.wantCh {
				t.Errorf("layout = %dHz %dch, want %dHz %dch", out.SampleRate, out.Channels, tc.wantRate, tc.wantCh)
			}
			if got := int16Samples(out.Data); !slices.Equal(got, tc.want) {
				t.Errorf("samples = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHarmonize_MatchingLayoutIsUntouched(t *testing.T) {
	in := audio.FromFloat32([]float32{0.25, -0.25}, 24000, 1)
	for _, target := range []audio.Target{{}, {SampleRate: 24000}, {SampleRate: 24000, Channels: 1}} {
		out := audio.Harmonize(in, target)
		if out.Encoding != audio.EncodingFloat32 || &out.Data[0] != &in.Data[0] {
			t.Errorf("target %+v converted a matching buffer", target)
		}
	}
}

func TestHarmonize_NarrowsFloat(t *testing.T) {
	in := audio.FromFloat32([]float32{0.5, -0.5}, 24000, 1)
	out := audio.Harmonize(in, audio.Target{SampleRate: 48000})
	if out.Encoding != audio.EncodingInt16 {
		t.Errorf("encoding = %v, want int16", out.Encoding)
	}
	if out.Frames() != 4 {
		t.Errorf("frames = %d, want 4", out.Frames())
	}
	if got := int16Samples(out.Data); got[0] != 16383 {
		t.Errorf("first sample = %d, want 16383", got[0])
	}
}

func TestHarmonize_EmptyBuffer(t *testing.T) {
	out := audio.Harmonize(audio.FromInt16(nil, 22050, 1), audio.Target{SampleRate: 44100, Channels: 2})
	if len(out.Data) != 0 || out.SampleRate != 44100 || out.Channels != 2 {
		t.Errorf("out = %dHz %dch %d bytes", out.SampleRate, out.Channels, len(out.Data))
	}
}
