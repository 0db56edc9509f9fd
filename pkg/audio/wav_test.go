package audio_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/polyvox/pkg/audio"
)

func TestWriteWAV_Float16RoundTrip(t *testing.T) {
	samples := []float32{0, 0.25, -0.25, 0.5, -0.5, 1, -1, 0.125}
	in := audio.FromFloat16(samples, 24000, 1)

	path := filepath.Join(t.TempDir(), "half.wav")
	if err := audio.WriteWAV(path, in); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}

	got, err := audio.ReadWAV(path)
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if got.SampleRate != 24000 {
		t.Errorf("sample rate = %d, want 24000", got.SampleRate)
	}
	if got.Encoding != audio.EncodingFloat32 {
		t.Errorf("encoding = %v, want float32", got.Encoding)
	}
	if got.Frames() != len(samples) {
		t.Fatalf("frames = %d, want %d", got.Frames(), len(samples))
	}
	// All samples above are exactly representable in half precision.
	for i, s := range got.Float32Samples() {
		if s != samples[i] {
			t.Errorf("sample %d = %v, want %v", i, s, samples[i])
		}
	}
}

func TestWAVWriter_StreamingPatchesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.wav")
	w, err := audio.CreateWAV(path, audio.WAVFormat{SampleRate: 16000, Channels: 1, Encoding: audio.EncodingInt16})
	if err != nil {
		t.Fatalf("CreateWAV: %v", err)
	}
	chunk := samplesToBytes([]int16{1, 2, 3, 4})
	for range 3 {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	got, err := audio.ReadWAV(path)
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if got.Frames() != 12 {
		t.Errorf("frames = %d, want 12", got.Frames())
	}
	if got.SampleRate != 16000 || got.Channels != 1 {
		t.Errorf("format = %dHz %dch, want 16000Hz 1ch", got.SampleRate, got.Channels)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 44+24 {
		t.Errorf("file size = %d, want %d", info.Size(), 44+24)
	}
}

func TestWAVWriter_WriteAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed.wav")
	w, err := audio.CreateWAV(path, audio.WAVFormat{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("CreateWAV: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := w.Write([]byte{0, 0}); err == nil {
		t.Error("expected error writing to closed writer")
	}
}

func TestCreateWAV_RejectsFloat16(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.wav")
	_, err := audio.CreateWAV(path, audio.WAVFormat{SampleRate: 16000, Channels: 1, Encoding: audio.EncodingFloat16})
	if err == nil {
		t.Fatal("expected error for float16 format")
	}
}

func TestParseWAV_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte("RIFF")},
		{"no riff", append([]byte("XXXX\x00\x00\x00\x00WAVE"), make([]byte, 8)...)},
		{"no wave", append([]byte("RIFF\x00\x00\x00\x00XXXX"), make([]byte, 8)...)},
		{"no data chunk", []byte("RIFF\x04\x00\x00\x00WAVE")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := audio.ParseWAV(tc.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEnsureExt(t *testing.T) {
	tests := []struct {
		in, ext, want string
	}{
		{"out.wav", ".wav", "out.wav"},
		{"out.WAV", ".wav", "out.WAV"},
		{"out", ".wav", "out.wav"},
		{"out.mp3", ".wav", "out.wav"},
		{"dir/out.wav", ".mp3", "dir/out.mp3"},
		{"take.v1", ".wav", "take.v1.wav"},
	}
	for _, tc := range tests {
		if got := audio.EnsureExt(tc.in, tc.ext); got != tc.want {
			t.Errorf("EnsureExt(%q, %q) = %q, want %q", tc.in, tc.ext, got, tc.want)
		}
	}
}

func TestPCM_Validate(t *testing.T) {
	good := audio.FromInt16([]int16{1, 2}, 16000, 2)
	if err := good.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	bad := audio.PCM{SampleRate: 0, Channels: 2, Data: []byte{1, 2, 3}}
	if err := bad.Validate(); err == nil {
		t.Error("expected error")
	}
}

func TestParseEncoding(t *testing.T) {
	for in, want := range map[string]audio.Encoding{
		"int16":   audio.EncodingInt16,
		"half":    audio.EncodingFloat16,
		"float16": audio.EncodingFloat16,
		"float32": audio.EncodingFloat32,
	} {
		got, err := audio.ParseEncoding(in)
		if err != nil || got != want {
			t.Errorf("ParseEncoding(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := audio.ParseEncoding("bfloat16"); err == nil {
		t.Error("expected error for unknown dtype")
	}
}
