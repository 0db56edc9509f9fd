package audio_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/polyvox/pkg/audio"
)

// fakeTranscoder records calls and optionally copies src to dst.
type fakeTranscoder struct {
	availErr error
	err      error
	calls    int
}

func (f *fakeTranscoder) Available() error { return f.availErr }

func (f *fakeTranscoder) Transcode(_ context.Context, src, dst string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if err := audio.WriteWAV(dst, audio.FromInt16([]int16{1, 2, 3}, 22050, 1)); err != nil {
		return err
	}
	return nil
}

func TestNormalizer_WritePCM(t *testing.T) {
	n := audio.NewNormalizer(nil)
	dest := filepath.Join(t.TempDir(), "nested", "out")

	d, err := n.WritePCM(audio.FromFloat16([]float32{0.1, 0.2}, 24000, 1), dest)
	if err != nil {
		t.Fatalf("WritePCM: %v", err)
	}
	if !strings.HasSuffix(d.Path, "out.wav") {
		t.Errorf("path = %q, want .wav suffix", d.Path)
	}
	if d.Degraded {
		t.Error("in-memory write must not be degraded")
	}
	if d.Size <= 44 {
		t.Errorf("size = %d, want > 44", d.Size)
	}
}

func TestNormalizer_WritePCMWithTarget(t *testing.T) {
	n := audio.NewNormalizer(nil, audio.WithTarget(audio.Target{SampleRate: 48000, Channels: 2}))
	dest := filepath.Join(t.TempDir(), "out.wav")

	d, err := n.WritePCM(audio.FromInt16([]int16{100, 200}, 24000, 1), dest)
	if err != nil {
		t.Fatalf("WritePCM: %v", err)
	}
	got, err := audio.ReadWAV(d.Path)
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if got.SampleRate != 48000 || got.Channels != 2 {
		t.Errorf("format = %dHz %dch, want 48000Hz 2ch", got.SampleRate, got.Channels)
	}
}

func TestNormalizer_LossyTranscoderUnavailable(t *testing.T) {
	tc := &fakeTranscoder{availErr: audio.ErrTranscoderUnavailable}
	n := audio.NewNormalizer(tc)
	dest := filepath.Join(t.TempDir(), "speech.wav")

	d, err := n.Lossy(context.Background(), bytes.NewReader([]byte("ID3fake-mp3")), dest)
	if err != nil {
		t.Fatalf("Lossy: %v", err)
	}
	if !d.Degraded {
		t.Error("expected degraded delivery")
	}
	if !errors.Is(d.Reason, audio.ErrTranscoderUnavailable) {
		t.Errorf("reason = %v, want ErrTranscoderUnavailable", d.Reason)
	}
	if filepath.Base(d.Path) != "speech.mp3" {
		t.Errorf("path = %q, want speech.mp3", d.Path)
	}
	if _, err := os.Stat(d.Path); err != nil {
		t.Errorf("lossy file missing: %v", err)
	}
	if tc.calls != 0 {
		t.Errorf("Transcode called %d times, want 0", tc.calls)
	}
}

func TestNormalizer_LossyTranscodeFails(t *testing.T) {
	tc := &fakeTranscoder{err: errors.New("decoder exploded")}
	n := audio.NewNormalizer(tc)
	dest := filepath.Join(t.TempDir(), "speech")

	d, err := n.Lossy(context.Background(), strings.NewReader("mp3"), dest)
	if err != nil {
		t.Fatalf("Lossy: %v", err)
	}
	if !d.Degraded || filepath.Ext(d.Path) != ".mp3" {
		t.Errorf("delivery = %+v, want degraded mp3", d)
	}
}

func TestNormalizer_LossyTranscoded(t *testing.T) {
	tc := &fakeTranscoder{}
	n := audio.NewNormalizer(tc)
	dest := filepath.Join(t.TempDir(), "speech.wav")

	d, err := n.Lossy(context.Background(), strings.NewReader("mp3"), dest)
	if err != nil {
		t.Fatalf("Lossy: %v", err)
	}
	if d.Degraded {
		t.Errorf("unexpected degraded delivery: %v", d.Reason)
	}
	if d.Path != dest {
		t.Errorf("path = %q, want %q", d.Path, dest)
	}
}

func TestNormalizer_LossyEmptyStream(t *testing.T) {
	n := audio.NewNormalizer(&fakeTranscoder{})
	dest := filepath.Join(t.TempDir(), "speech.wav")
	if _, err := n.Lossy(context.Background(), strings.NewReader(""), dest); err == nil {
		t.Fatal("expected error for empty stream")
	}
}
