// Package cloning implements the multilingual voice-cloning backend.
//
// The adapter resolves a model from the configured model table, loads it
// through the shared resource cache and runs an ordered fallback cascade of
// call shapes against it. The backend's native API is not stable across model
// versions, so a call shape that fails is followed by a simpler one until
// something produces audio.
package cloning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/polyvox/internal/config"
	"github.com/MrWong99/polyvox/internal/observe"
	"github.com/MrWong99/polyvox/internal/resilience"
	"github.com/MrWong99/polyvox/internal/resource"
	"github.com/MrWong99/polyvox/pkg/audio"
	"github.com/MrWong99/polyvox/pkg/synth"
)

const failPrefix = "TTS synthesis failed"

// Strategy names, in cascade order.
const (
	StrategyFull             = "full"
	StrategyWithoutReference = "without-reference"
	StrategyInMemory         = "in-memory"
	StrategyFallbackLanguage = "fallback-language"
	StrategyDirect           = "direct"
	StrategyMinimal          = "minimal"
)

// Option configures an [Adapter].
type Option func(*Adapter)

// WithLoader replaces the model loader. The default reaches models through
// a Coqui server.
func WithLoader(l Loader) Option {
	return func(a *Adapter) { a.loader = l }
}

// WithMetrics records cascade attempts to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// Adapter is the cloning backend's [synth.Adapter].
type Adapter struct {
	cfg     config.CloningConfig
	cache   *resource.Cache
	norm    *audio.Normalizer
	loader  Loader
	metrics *observe.Metrics
}

var _ synth.Adapter = (*Adapter)(nil)

// New creates a cloning adapter. cfg must have had defaults applied.
func New(cfg *config.CloningConfig, cache *resource.Cache, norm *audio.Normalizer, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.New("cloning: config must not be nil")
	}
	if cache == nil {
		return nil, errors.New("cloning: resource cache must not be nil")
	}
	if norm == nil {
		norm = audio.NewNormalizer(nil)
	}
	a := &Adapter{
		cfg:   *cfg,
		cache: cache,
		norm:  norm,
	}
	for _, o := range opts {
		o(a)
	}
	if a.loader == nil {
		a.loader = CoquiLoader(cfg.ServerURL, cfg.Timeout)
	}
	return a, nil
}

// Backend implements [synth.Adapter].
func (a *Adapter) Backend() string { return synth.BackendCloning }

// Models returns the enabled entries of the model table sorted by key.
func (a *Adapter) Models() []ModelInfo {
	keys := make([]string, 0, len(a.cfg.Models))
	for k, m := range a.cfg.Models {
		if m.IsEnabled() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]ModelInfo, len(keys))
	for i, k := range keys {
		out[i] = ModelInfo{Key: k, CloningModel: a.cfg.Models[k]}
	}
	return out
}

// Resolve returns the table entry for key, falling back to the configured
// default model with a warning when key is empty or unknown.
func (a *Adapter) Resolve(ctx context.Context, key string) (ModelInfo, error) {
	if m, ok := a.cfg.Models[key]; ok && m.IsEnabled() {
		return ModelInfo{Key: key, CloningModel: m}, nil
	}
	if key != "" {
		slog.WarnContext(ctx, "unknown cloning model, using default", "model", key, "default", a.cfg.DefaultModel)
	}
	if m, ok := a.cfg.Models[a.cfg.DefaultModel]; ok && m.IsEnabled() {
		return ModelInfo{Key: a.cfg.DefaultModel, CloningModel: m}, nil
	}
	return ModelInfo{}, synth.Errorf(synth.KindConfiguration, synth.BackendCloning,
		"unknown TTS model %q and default model %q is not available", key, a.cfg.DefaultModel)
}

// Reload forces the model stored under key to be loaded again.
func (a *Adapter) Reload(ctx context.Context, key string) error {
	info, err := a.Resolve(ctx, key)
	if err != nil {
		return err
	}
	_, release, err := a.model(ctx, info, true)
	if err != nil {
		return err
	}
	release()
	return nil
}

// Speakers lists the built-in voices of the model stored under key, when the
// model can enumerate them.
func (a *Adapter) Speakers(ctx context.Context, key string) ([]string, error) {
	info, err := a.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	m, release, err := a.model(ctx, info, false)
	if err != nil {
		return nil, err
	}
	defer release()
	sl, ok := m.(SpeakerLister)
	if !ok {
		return nil, nil
	}
	return sl.Speakers(ctx)
}

// model leases the model for info from the cache. The caller must call
// release once it no longer uses the model.
func (a *Adapter) model(ctx context.Context, info ModelInfo, force bool) (m Model, release func(), err error) {
	key := resource.Key{Backend: synth.BackendCloning, ID: info.Key}
	m, release, err = resource.Acquire(ctx, a.cache, key, func(ctx context.Context, dev resource.Device) (Model, error) {
		return a.loader(ctx, info, dev)
	}, force)
	if err != nil {
		return nil, nil, &synth.Error{
			Kind:    synth.KindLoadFailure,
			Backend: synth.BackendCloning,
			Msg:     fmt.Sprintf("TTS model '%s' could not be loaded", info.Key),
			Err:     err,
		}
	}
	return m, release, nil
}

// Synthesize implements [synth.Adapter].
func (a *Adapter) Synthesize(ctx context.Context, req synth.Request) synth.Result {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "cloning.synthesize")
	defer span.End()

	res, err := a.synthesize(ctx, span, req, start)
	if err != nil {
		observe.SpanError(span, err)
		return synth.Fail(ctx, start, synth.BackendCloning, failPrefix, err)
	}
	return res
}

func (a *Adapter) synthesize(ctx context.Context, span trace.Span, req synth.Request, start time.Time) (synth.Result, error) {
	var p synth.CloningParams
	switch v := req.Params.(type) {
	case synth.CloningParams:
		p = v
	case *synth.CloningParams:
		if v != nil {
			p = *v
		}
	case nil:
	default:
		return synth.Result{}, synth.Errorf(synth.KindInvalidRequest, synth.BackendCloning,
			"parameters of type %T do not belong to the cloning backend", req.Params)
	}
	if strings.TrimSpace(req.Text) == "" {
		return synth.Result{}, synth.Errorf(synth.KindInvalidRequest, synth.BackendCloning, "No text entered for synthesis.")
	}

	info, err := a.Resolve(ctx, p.Model)
	if err != nil {
		return synth.Result{}, err
	}
	lang := a.language(ctx, info, p.Language)
	ref := referenceAudio(ctx, p.ReferenceAudio)

	out, err := audio.PrepareOutput(req.OutputPath, audio.ExtWAV)
	if err != nil {
		return synth.Result{}, synth.Errorf(synth.KindInvalidRequest, synth.BackendCloning, "invalid output path: %w", err)
	}

	span.SetAttributes(
		attribute.String("model", info.Key),
		attribute.String("language", lang),
		attribute.Bool("cloning", ref != ""),
	)
	slog.InfoContext(ctx, "starting cloning synthesis",
		"model", info.Name, "language", lang, "type", info.Type, "voice_cloning", ref != "")

	m, release, err := a.model(ctx, info, false)
	if err != nil {
		return synth.Result{}, err
	}
	defer release()

	// A file left over from an earlier run must not pass the post-check.
	if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
		return synth.Result{}, synth.Errorf(synth.KindSynthesis, synth.BackendCloning,
			"cannot replace existing output %s: %w", out, err)
	}

	cascade := a.cascade(m, info, req.Text, lang, ref, out)
	_, used, err := cascade.Run(ctx)
	if err != nil {
		_ = os.Remove(out)
		if ctx.Err() != nil {
			return synth.Result{}, synth.Errorf(synth.KindSynthesis, synth.BackendCloning, "synthesis cancelled: %w", err)
		}
		return synth.Result{}, &synth.Error{
			Kind:    synth.KindCascadeExhausted,
			Backend: synth.BackendCloning,
			Msg:     "All synthesis methods failed",
			Err:     err,
		}
	}

	size, err := audio.NonEmptyFile(out)
	if err != nil {
		_ = os.Remove(out)
		return synth.Result{}, &synth.Error{
			Kind:    synth.KindEmptyOutput,
			Backend: synth.BackendCloning,
			Msg:     fmt.Sprintf("Synthesis completed but output file is missing or empty: %s", out),
			Err:     err,
		}
	}
	span.SetAttributes(attribute.String("strategy", used))
	slog.InfoContext(ctx, "cloning synthesis completed",
		"path", out, "bytes", size, "strategy", used, "duration", time.Since(start))

	return synth.Succeed(start, out,
		fmt.Sprintf("Audio successfully saved to %s (Model: %s, Size: %d bytes)", out, info.Name, size)), nil
}

// language picks the language to request. Cloning-capable models keep the
// caller's choice even when it is not declared; other models switch to the
// fallback language when they declare it.
func (a *Adapter) language(ctx context.Context, info ModelInfo, lang string) string {
	if lang == "" {
		return a.cfg.FallbackLanguage
	}
	if len(info.Languages) == 0 || info.Supports(lang) {
		return lang
	}
	slog.WarnContext(ctx, "language not officially supported by model",
		"language", lang, "model", info.Name, "supported", info.Languages)
	if !info.Type.Cloning() && slices.Contains(info.Languages, a.cfg.FallbackLanguage) {
		slog.WarnContext(ctx, "falling back to default language",
			"model", info.Name, "language", a.cfg.FallbackLanguage)
		return a.cfg.FallbackLanguage
	}
	return lang
}

// referenceAudio returns path if it names a regular file, "" otherwise.
func referenceAudio(ctx context.Context, path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		slog.WarnContext(ctx, "reference audio not found or invalid, using default voice", "path", path)
		return ""
	}
	return path
}

// cascade builds the ordered call shapes for one request. Every strategy
// writes to out.
func (a *Adapter) cascade(m Model, info ModelInfo, text, lang, ref, out string) *resilience.Cascade[struct{}] {
	opts := []resilience.CascadeOption{}
	if a.metrics != nil {
		opts = append(opts, resilience.WithObserver(func(ctx context.Context, at resilience.Attempt) {
			outcome := "ok"
			if at.Err != nil {
				outcome = "error"
			}
			a.metrics.RecordCascadeAttempt(ctx, at.Cascade, at.Strategy, outcome)
		}))
	}
	c := resilience.NewCascade[struct{}]("cloning/"+info.Key, opts...)

	toFile := func(inv Invocation) func(context.Context) (struct{}, error) {
		return func(ctx context.Context) (struct{}, error) {
			return struct{}{}, m.TTSToFile(ctx, inv, out)
		}
	}
	inMemory := func(inv Invocation) func(context.Context) (struct{}, error) {
		return func(ctx context.Context) (struct{}, error) {
			pcm, err := m.TTS(ctx, inv)
			if err != nil {
				return struct{}{}, err
			}
			_, err = a.norm.WritePCM(pcm, out)
			return struct{}{}, err
		}
	}

	if info.Type.Cloning() {
		c.Add(StrategyFull, toFile(Invocation{Text: text, Language: lang, SpeakerWav: ref}))
		c.AddIf(ref != "", StrategyWithoutReference, toFile(Invocation{Text: text, Language: lang}))
		// Without a reference the second shape is the in-memory call at the
		// requested language, so that language is tried twice before falling back.
		c.AddIf(ref == "", StrategyInMemory, inMemory(Invocation{Text: text, Language: lang}))
		c.AddIf(lang != a.cfg.FallbackLanguage, StrategyFallbackLanguage,
			inMemory(Invocation{Text: text, Language: a.cfg.FallbackLanguage, SpeakerWav: ref}))
		c.Add(StrategyMinimal, inMemory(Invocation{Text: text}))
		return c
	}

	direct := Invocation{Text: text}
	if len(info.Languages) > 1 {
		direct.Language = lang
	}
	if info.Type == config.ModelMultiSpeaker {
		direct.Speaker = a.cfg.DefaultSpeaker
	}
	c.Add(StrategyDirect, toFile(direct))
	c.Add(StrategyMinimal, inMemory(Invocation{Text: text}))
	return c
}
