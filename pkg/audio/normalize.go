package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Delivery describes the file a [Normalizer] actually materialised.
type Delivery struct {
	// Path is the final file. For degraded deliveries it names the lossy
	// file instead of the requested WAV.
	Path string

	// Size is the byte size of Path.
	Size int64

	// Degraded is set when the lossy file could not be transcoded.
	Degraded bool

	// Reason explains a degraded delivery. It wraps
	// [ErrTranscoderUnavailable] when the transcoder is missing.
	Reason error
}

// Normalizer turns a backend's native output into the canonical WAV
// deliverable. It is safe for concurrent use.
type Normalizer struct {
	transcoder Transcoder
	target     Target
}

// NormalizerOption configures a [Normalizer].
type NormalizerOption func(*Normalizer)

// WithTarget harmonises every in-memory buffer to t before writing.
func WithTarget(t Target) NormalizerOption {
	return func(n *Normalizer) { n.target = t }
}

// NewNormalizer returns a Normalizer using t for lossy-to-WAV conversion. A
// nil t disables transcoding; lossy outputs are then always delivered
// degraded.
func NewNormalizer(t Transcoder, opts ...NormalizerOption) *Normalizer {
	if t == nil {
		t = NoTranscoder{}
	}
	n := &Normalizer{transcoder: t}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Transcoder returns the configured transcoder.
func (n *Normalizer) Transcoder() Transcoder { return n.transcoder }

// WritePCM writes an in-memory buffer to dest as WAV. The extension of dest
// is corrected to .wav and missing parent directories are created.
// Half-precision samples are upcast before writing.
func (n *Normalizer) WritePCM(pcm PCM, dest string) (Delivery, error) {
	path, err := PrepareOutput(dest, ExtWAV)
	if err != nil {
		return Delivery{}, err
	}
	pcm = pcm.Upcast()
	if !n.target.IsZero() {
		pcm = Harmonize(pcm, n.target)
	}
	if err := WriteWAV(path, pcm); err != nil {
		return Delivery{}, err
	}
	size, err := NonEmptyFile(path)
	if err != nil {
		return Delivery{}, fmt.Errorf("audio: verify %s: %w", path, err)
	}
	return Delivery{Path: path, Size: size}, nil
}

// LossyPath returns the path an encoded lossy stream for dest is persisted
// at: a trailing .wav becomes .mp3, otherwise .mp3 is appended.
func LossyPath(dest string) string {
	return EnsureExt(dest, ExtMP3)
}

// Lossy persists an already-encoded MP3 stream next to dest, then tries to
// transcode it into dest as WAV.
//
// Transcoding problems never fail the call: if the transcoder is missing or
// errors, the returned Delivery names the MP3 file and is marked Degraded.
// An error is returned only when the MP3 itself cannot be saved.
func (n *Normalizer) Lossy(ctx context.Context, encoded io.Reader, dest string) (Delivery, error) {
	wavPath, err := PrepareOutput(dest, ExtWAV)
	if err != nil {
		return Delivery{}, err
	}
	mp3Path := LossyPath(wavPath)

	f, err := os.Create(mp3Path)
	if err != nil {
		return Delivery{}, fmt.Errorf("audio: create %s: %w", mp3Path, err)
	}
	written, copyErr := io.Copy(f, encoded)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		return Delivery{}, fmt.Errorf("audio: save %s: %w", mp3Path, err)
	}
	if written == 0 {
		return Delivery{}, fmt.Errorf("audio: save %s: no audio data received", mp3Path)
	}
	slog.Info("lossy audio saved", "path", mp3Path, "bytes", written)

	degraded := func(reason error) Delivery {
		return Delivery{Path: mp3Path, Size: written, Degraded: true, Reason: reason}
	}

	if err := n.transcoder.Available(); err != nil {
		slog.Warn("transcoder unavailable, delivering lossy file", "path", mp3Path, "err", err)
		return degraded(err), nil
	}
	if err := n.transcoder.Transcode(ctx, mp3Path, wavPath); err != nil {
		slog.Error("transcoding to WAV failed, delivering lossy file", "path", mp3Path, "err", err)
		return degraded(err), nil
	}
	size, err := NonEmptyFile(wavPath)
	if err != nil {
		slog.Error("transcoded WAV missing, delivering lossy file", "path", wavPath, "err", err)
		return degraded(err), nil
	}
	return Delivery{Path: wavPath, Size: size}, nil
}
