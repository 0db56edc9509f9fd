// Package generative implements the generative audio-token backend (Bark
// class models) served by an inference sidecar.
package generative

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/polyvox/internal/config"
	"github.com/MrWong99/polyvox/internal/observe"
	"github.com/MrWong99/polyvox/internal/resource"
	"github.com/MrWong99/polyvox/pkg/audio"
	"github.com/MrWong99/polyvox/pkg/synth"
)

const failPrefix = "Bark synthesis failed"

// Option configures an [Adapter].
type Option func(*Adapter)

// WithLoader replaces the sidecar loader.
func WithLoader(l Loader) Option {
	return func(a *Adapter) { a.loader = l }
}

// Adapter is the generative backend's [synth.Adapter].
type Adapter struct {
	cfg    config.GenerativeConfig
	cache  *resource.Cache
	norm   *audio.Normalizer
	loader Loader
}

var _ synth.Adapter = (*Adapter)(nil)

// New creates a generative adapter. cfg must have had defaults applied.
func New(cfg *config.GenerativeConfig, cache *resource.Cache, norm *audio.Normalizer, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.New("generative: config must not be nil")
	}
	if cache == nil {
		return nil, errors.New("generative: resource cache must not be nil")
	}
	if norm == nil {
		norm = audio.NewNormalizer(nil)
	}
	a := &Adapter{cfg: *cfg, cache: cache, norm: norm}
	for _, o := range opts {
		o(a)
	}
	if a.loader == nil {
		a.loader = ServerLoader(cfg.ServerURL, cfg.Timeout)
	}
	return a, nil
}

// Backend implements [synth.Adapter].
func (a *Adapter) Backend() string { return synth.BackendGenerative }

// Presets returns the advertised voice presets.
func (a *Adapter) Presets() []string {
	if len(a.cfg.Presets) > 0 {
		return append([]string(nil), a.cfg.Presets...)
	}
	return config.DefaultGenerativePresets()
}

// Reload forces model (or the default model) to be loaded again.
func (a *Adapter) Reload(ctx context.Context, model string) error {
	if model == "" {
		model = a.cfg.DefaultModel
	}
	_, release, err := a.model(ctx, model, true)
	if err != nil {
		return err
	}
	release()
	return nil
}

// precision picks half precision only on an accelerator whose compute
// capability reaches the configured major version. Any failure to query the
// capability selects full precision.
func (a *Adapter) precision(ctx context.Context, dev resource.Device) Precision {
	if !dev.Accelerated() {
		slog.WarnContext(ctx, "no accelerator available, generative synthesis will be very slow")
		return Full
	}
	rep, ok := a.cache.Selector().(resource.CapabilityReporter)
	if !ok {
		slog.WarnContext(ctx, "cannot query accelerator capability, using full precision", "device", dev)
		return Full
	}
	c, err := rep.Capability(ctx, dev)
	if err != nil {
		slog.WarnContext(ctx, "accelerator capability query failed, using full precision", "device", dev, "err", err)
		return Full
	}
	if c.Major >= a.cfg.HalfPrecisionMajor {
		slog.InfoContext(ctx, "using half precision", "device", dev, "capability", c.String())
		return Half
	}
	slog.InfoContext(ctx, "accelerator does not support half precision, using full precision",
		"device", dev, "capability", c.String())
	return Full
}

// model leases the named checkpoint from the cache. An eviction while the
// lease is held defers the model's Close until release.
func (a *Adapter) model(ctx context.Context, name string, force bool) (Model, func(), error) {
	key := resource.Key{Backend: synth.BackendGenerative, ID: name}
	m, release, err := resource.Acquire(ctx, a.cache, key, func(ctx context.Context, dev resource.Device) (Model, error) {
		return a.loader(ctx, name, dev, a.precision(ctx, dev))
	}, force)
	if err != nil {
		return nil, nil, &synth.Error{Kind: synth.KindLoadFailure, Backend: synth.BackendGenerative, Err: err}
	}
	return m, release, nil
}

// Synthesize implements [synth.Adapter].
func (a *Adapter) Synthesize(ctx context.Context, req synth.Request) synth.Result {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "generative.synthesize")
	defer span.End()

	path, err := a.synthesize(ctx, req)
	if err != nil {
		observe.SpanError(span, err)
		return synth.Fail(ctx, start, synth.BackendGenerative, failPrefix, err)
	}
	slog.InfoContext(ctx, "generative synthesis completed", "path", path, "duration", time.Since(start))
	return synth.Succeed(start, path, "Audio successfully saved to "+path)
}

func (a *Adapter) synthesize(ctx context.Context, req synth.Request) (string, error) {
	var p synth.GenerativeParams
	switch v := req.Params.(type) {
	case synth.GenerativeParams:
		p = v
	case *synth.GenerativeParams:
		if v != nil {
			p = *v
		}
	case nil:
	default:
		return "", synth.Errorf(synth.KindInvalidRequest, synth.BackendGenerative,
			"parameters of type %T do not belong to the generative backend", req.Params)
	}
	if strings.TrimSpace(req.Text) == "" {
		return "", synth.Errorf(synth.KindInvalidRequest, synth.BackendGenerative, "No text entered for synthesis.")
	}
	preset := p.VoicePreset
	if preset == "" {
		preset = a.cfg.DefaultPreset
	}
	name := p.Model
	if name == "" {
		name = a.cfg.DefaultModel
	}

	out, err := audio.PrepareOutput(req.OutputPath, audio.ExtWAV)
	if err != nil {
		return "", synth.Errorf(synth.KindInvalidRequest, synth.BackendGenerative, "invalid output path: %w", err)
	}

	m, release, err := a.model(ctx, name, false)
	if err != nil {
		return "", err
	}
	defer release()
	slog.InfoContext(ctx, "starting generative synthesis", "model", name, "preset", preset, "chars", len(req.Text))

	t, err := m.Generate(ctx, req.Text, preset)
	if err != nil {
		return "", &synth.Error{Kind: synth.KindSynthesis, Backend: synth.BackendGenerative, Err: err}
	}
	pcm := t.PCM(m.SampleRate())
	if pcm.Encoding == audio.EncodingFloat16 {
		slog.DebugContext(ctx, "upcasting half-precision waveform", "samples", pcm.Frames())
		pcm = pcm.Upcast()
	}
	if err := pcm.Validate(); err != nil {
		return "", &synth.Error{Kind: synth.KindSynthesis, Backend: synth.BackendGenerative, Err: err}
	}

	d, err := a.norm.WritePCM(pcm, out)
	if err != nil {
		return "", &synth.Error{Kind: synth.KindSynthesis, Backend: synth.BackendGenerative, Err: err}
	}
	return d.Path, nil
}
