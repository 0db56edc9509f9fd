// Package lightweight implements the offline file-based voice backend built
// on piper voices.
//
// Voice artifacts are checked on disk before anything is loaded. The runner's
// raw PCM output is streamed straight into a WAV writer whose layout comes
// from the voice configuration, so this backend bypasses the normaliser.
package lightweight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/polyvox/internal/config"
	"github.com/MrWong99/polyvox/internal/observe"
	"github.com/MrWong99/polyvox/internal/resource"
	"github.com/MrWong99/polyvox/pkg/audio"
	"github.com/MrWong99/polyvox/pkg/synth"
)

const failPrefix = "Piper synthesis failed"

// Option configures an [Adapter].
type Option func(*Adapter)

// WithRunner replaces the piper runner.
func WithRunner(r Runner) Option {
	return func(a *Adapter) { a.runner = r }
}

// Adapter is the lightweight backend's [synth.Adapter].
type Adapter struct {
	modelDir string
	cache    *resource.Cache
	runner   Runner
}

var _ synth.Adapter = (*Adapter)(nil)

// New creates a lightweight adapter.
func New(cfg *config.LightweightConfig, cache *resource.Cache, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.New("lightweight: config must not be nil")
	}
	if cache == nil {
		return nil, errors.New("lightweight: resource cache must not be nil")
	}
	a := &Adapter{modelDir: cfg.ModelDir, cache: cache}
	for _, o := range opts {
		o(a)
	}
	if a.runner == nil {
		a.runner = &PiperRunner{Binary: cfg.Binary, Args: cfg.Args}
	}
	return a, nil
}

// Backend implements [synth.Adapter].
func (a *Adapter) Backend() string { return synth.BackendLightweight }

// Runner returns the configured runner.
func (a *Adapter) Runner() Runner { return a.runner }

// Voices lists the voices installed in the configured model directory.
func (a *Adapter) Voices() ([]VoiceFile, error) { return ListVoices(a.modelDir) }

// resolve makes a relative artifact path relative to the model directory.
func (a *Adapter) resolve(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) || a.modelDir == "" {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return filepath.Join(a.modelDir, path)
}

// Reload forces the voice at modelPath to be loaded again.
func (a *Adapter) Reload(ctx context.Context, modelPath, configPath string) error {
	_, err := a.voice(ctx, a.resolve(modelPath), a.resolve(configPath), true)
	return err
}

func (a *Adapter) voice(ctx context.Context, modelPath, configPath string, force bool) (*Voice, error) {
	key := resource.Key{Backend: synth.BackendLightweight, ID: modelPath}
	v, err := resource.Get(ctx, a.cache, key, func(ctx context.Context, _ resource.Device) (*Voice, error) {
		return LoadVoice(modelPath, configPath)
	}, force)
	if err != nil {
		return nil, &synth.Error{Kind: synth.KindLoadFailure, Backend: synth.BackendLightweight, Err: err}
	}
	return v, nil
}

// Synthesize implements [synth.Adapter].
func (a *Adapter) Synthesize(ctx context.Context, req synth.Request) synth.Result {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "lightweight.synthesize")
	defer span.End()

	path, err := a.synthesize(ctx, req)
	if err != nil {
		observe.SpanError(span, err)
		return synth.Fail(ctx, start, synth.BackendLightweight, failPrefix, err)
	}
	slog.InfoContext(ctx, "piper synthesis completed", "path", path, "duration", time.Since(start))
	return synth.Succeed(start, path, "Audio successfully saved to "+path)
}

func (a *Adapter) synthesize(ctx context.Context, req synth.Request) (string, error) {
	var p synth.LightweightParams
	switch v := req.Params.(type) {
	case synth.LightweightParams:
		p = v
	case *synth.LightweightParams:
		if v != nil {
			p = *v
		}
	default:
		return "", synth.Errorf(synth.KindInvalidRequest, synth.BackendLightweight,
			"parameters of type %T do not belong to the lightweight backend", req.Params)
	}
	if strings.TrimSpace(req.Text) == "" {
		return "", synth.Errorf(synth.KindInvalidRequest, synth.BackendLightweight, "No text entered for synthesis.")
	}

	modelPath, configPath := a.resolve(p.ModelPath), a.resolve(p.ConfigPath)
	if modelPath == "" || configPath == "" {
		return "", synth.Errorf(synth.KindInvalidRequest, synth.BackendLightweight,
			"both a model file and its config file are required")
	}
	if err := artifactExists("ONNX", modelPath); err != nil {
		return "", err
	}
	if err := artifactExists("JSON", configPath); err != nil {
		return "", err
	}

	out, err := audio.PrepareOutput(req.OutputPath, audio.ExtWAV)
	if err != nil {
		return "", synth.Errorf(synth.KindInvalidRequest, synth.BackendLightweight, "invalid output path: %w", err)
	}

	v, err := a.voice(ctx, modelPath, configPath, false)
	if err != nil {
		return "", err
	}
	slog.InfoContext(ctx, "starting piper synthesis",
		"path", out, "sample_rate", v.Format.SampleRate, "channels", v.Format.Channels, "encoding", v.Format.Encoding)

	if err := a.render(ctx, v, req.Text, out); err != nil {
		_ = os.Remove(out)
		return "", err
	}
	if _, err := audio.NonEmptyFile(out); err != nil {
		_ = os.Remove(out)
		return "", &synth.Error{Kind: synth.KindEmptyOutput, Backend: synth.BackendLightweight, Err: err}
	}
	return out, nil
}

// render streams the runner's output into a WAV file at out. The file is
// closed on every path.
func (a *Adapter) render(ctx context.Context, v *Voice, text, out string) (err error) {
	w, err := audio.CreateWAV(out, v.Format)
	if err != nil {
		return &synth.Error{Kind: synth.KindSynthesis, Backend: synth.BackendLightweight, Err: err}
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = &synth.Error{Kind: synth.KindSynthesis, Backend: synth.BackendLightweight, Err: cerr}
		}
	}()
	if err := a.runner.Run(ctx, v, text, w); err != nil {
		return &synth.Error{Kind: synth.KindSynthesis, Backend: synth.BackendLightweight, Err: err}
	}
	if w.Written() == 0 {
		return &synth.Error{Kind: synth.KindEmptyOutput, Backend: synth.BackendLightweight,
			Err: errors.New("piper produced no audio")}
	}
	return nil
}

// artifactExists reports a missing model file as a resource failure before
// any load is attempted.
func artifactExists(kind, path string) error {
	info, err := os.Stat(path)
	if err == nil && info.Mode().IsRegular() {
		return nil
	}
	return &synth.Error{
		Kind:    synth.KindResourceUnavailable,
		Backend: synth.BackendLightweight,
		Msg:     fmt.Sprintf("Piper model %s file not found: %s", kind, path),
		Err:     err,
	}
}
