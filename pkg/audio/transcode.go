package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrTranscoderUnavailable is returned when the external transcoding tool is
// not installed or not configured.
var ErrTranscoderUnavailable = errors.New("audio: transcoder unavailable")

// Transcoder converts an encoded audio file into another container. The
// target container is inferred from the destination extension.
type Transcoder interface {
	// Transcode converts src into dst. Implementations return an error
	// wrapping [ErrTranscoderUnavailable] when they cannot run at all.
	Transcode(ctx context.Context, src, dst string) error

	// Available reports whether Transcode can run.
	Available() error
}

// FFmpeg is a [Transcoder] backed by the ffmpeg executable.
type FFmpeg struct {
	// Binary is the executable name or path. Defaults to "ffmpeg".
	Binary string
}

// Compile-time interface assertion.
var _ Transcoder = (*FFmpeg)(nil)

func (f *FFmpeg) binary() string {
	if f == nil || f.Binary == "" {
		return "ffmpeg"
	}
	return f.Binary
}

// Available resolves the executable on PATH.
func (f *FFmpeg) Available() error {
	if _, err := exec.LookPath(f.binary()); err != nil {
		return fmt.Errorf("%w: %v", ErrTranscoderUnavailable, err)
	}
	return nil
}

// Transcode runs ffmpeg -i src dst, overwriting dst.
func (f *FFmpeg) Transcode(ctx context.Context, src, dst string) error {
	bin, err := exec.LookPath(f.binary())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTranscoderUnavailable, err)
	}

	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", src,
		dst,
	)
	cmd.Stdin = strings.NewReader("")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("audio: ffmpeg interrupted: %w", ctx.Err())
		}
		return fmt.Errorf("audio: ffmpeg failed: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}

	info, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("audio: ffmpeg produced no output: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("audio: ffmpeg produced an empty file")
	}
	return nil
}

// NoTranscoder is a [Transcoder] that is never available. It is used when
// transcoding is disabled in configuration.
type NoTranscoder struct{}

// Available always returns [ErrTranscoderUnavailable].
func (NoTranscoder) Available() error { return ErrTranscoderUnavailable }

// Transcode always returns [ErrTranscoderUnavailable].
func (NoTranscoder) Transcode(context.Context, string, string) error {
	return ErrTranscoderUnavailable
}
