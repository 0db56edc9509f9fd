// Package engine owns the per-process synthesis state and routes requests to
// backend adapters.
//
// An [Engine] holds the one resource cache, the one format normalizer and the
// adapter of every enabled backend. Front-ends talk to the engine only; they
// never construct adapters or caches themselves. Hot reloads swap individual
// adapters through [Engine.Apply] without disturbing the others.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/polyvox/internal/backend/cloning"
	"github.com/MrWong99/polyvox/internal/backend/generative"
	"github.com/MrWong99/polyvox/internal/backend/hosted"
	"github.com/MrWong99/polyvox/internal/backend/lightweight"
	"github.com/MrWong99/polyvox/internal/config"
	"github.com/MrWong99/polyvox/internal/observe"
	"github.com/MrWong99/polyvox/internal/resource"
	"github.com/MrWong99/polyvox/pkg/audio"
	"github.com/MrWong99/polyvox/pkg/synth"
)

// maxConcurrentValidations bounds parallel credential probes.
const maxConcurrentValidations = 4

// Option configures an [Engine].
type Option func(*Engine)

// WithRegistry replaces the backend factories.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithMetrics records synthesis outcomes, cache activity and remote calls to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSelector replaces the device selector derived from the config.
func WithSelector(s resource.Selector) Option {
	return func(e *Engine) { e.selector = s }
}

// WithTranscoder replaces the transcoder derived from the config.
func WithTranscoder(t audio.Transcoder) Option {
	return func(e *Engine) { e.transcoder = t }
}

// WithHTTPClient replaces the hosted backend's HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithEnv replaces the environment lookup used for provisioned credentials.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(e *Engine) { e.lookupEnv = lookup }
}

// Engine routes synthesis requests to backend adapters and owns the state
// they share. It is safe for concurrent use.
type Engine struct {
	registry   *Registry
	metrics    *observe.Metrics
	selector   resource.Selector
	transcoder audio.Transcoder
	httpClient *http.Client
	lookupEnv  func(string) (string, bool)

	cache *resource.Cache
	norm  *audio.Normalizer

	mu       sync.RWMutex
	cfg      *config.Config
	adapters map[string]synth.Adapter
}

// New creates an engine for cfg and builds the adapter of every enabled
// backend. cfg must have had defaults applied.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: config must not be nil")
	}
	e := &Engine{cfg: cfg, adapters: make(map[string]synth.Adapter)}
	for _, o := range opts {
		o(e)
	}
	if e.registry == nil {
		e.registry = DefaultRegistry()
	}
	if e.lookupEnv == nil {
		e.lookupEnv = os.LookupEnv
	}
	if e.selector == nil {
		sel, err := newSelector(cfg.Device)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		e.selector = sel
	}
	if e.transcoder == nil {
		e.transcoder = newTranscoder(cfg.Output)
	}
	e.cache = resource.New(e.selector,
		resource.WithCapacity(cfg.Cache.Capacity),
		resource.WithMetrics(e.metrics))
	e.norm = audio.NewNormalizer(e.transcoder, audio.WithTarget(audio.Target{
		SampleRate: cfg.Output.SampleRate,
		Channels:   cfg.Output.Channels,
	}))

	var errs []error
	for _, key := range e.registry.Keys() {
		a, err := e.registry.Create(key, e.deps(cfg))
		switch {
		case errors.Is(err, ErrBackendDisabled):
			continue
		case err != nil:
			errs = append(errs, err)
			continue
		}
		e.adapters[key] = a
		slog.Info("backend enabled", "backend", key)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return e, nil
}

func newSelector(c config.DeviceConfig) (resource.Selector, error) {
	opts := []resource.AutoOption{resource.WithRefresh(c.Refresh)}
	if c.NvidiaSMI != "" {
		opts = append(opts, resource.WithProbe(resource.NvidiaSMI(c.NvidiaSMI)))
	}
	return resource.NewAutoSelector(resource.Mode(c.Mode), opts...)
}

func newTranscoder(c config.OutputConfig) audio.Transcoder {
	if c.FFmpeg == "none" {
		return audio.NoTranscoder{}
	}
	return &audio.FFmpeg{Binary: c.FFmpeg}
}

func (e *Engine) deps(cfg *config.Config) Deps {
	return Deps{
		Config:     cfg,
		Cache:      e.cache,
		Normalizer: e.norm,
		Metrics:    e.metrics,
		HTTPClient: e.httpClient,
	}
}

// Config returns the configuration the engine currently runs with.
func (e *Engine) Config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Cache returns the shared resource cache.
func (e *Engine) Cache() *resource.Cache { return e.cache }

// Normalizer returns the shared format normalizer.
func (e *Engine) Normalizer() *audio.Normalizer { return e.norm }

// Backends returns the keys of the enabled backends, sorted.
func (e *Engine) Backends() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]string, 0, len(e.adapters))
	for k := range e.adapters {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// OutputPath returns a fresh "<backend>_<uuid>.wav" path in the configured
// output directory.
func (e *Engine) OutputPath(backend string) string {
	return filepath.Join(e.Config().Output.Dir, backend+"_"+uuid.NewString()+".wav")
}

// Catalog returns the static backend catalog of the current configuration.
func (e *Engine) Catalog() []config.BackendDescriptor {
	return config.Catalog(e.Config())
}

// Adapter returns the adapter serving key.
func (e *Engine) Adapter(key string) (synth.Adapter, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.adapters[key]
	return a, ok
}

func adapterAs[T synth.Adapter](e *Engine, key string) (T, error) {
	var zero T
	a, ok := e.Adapter(key)
	if !ok {
		return zero, synth.Errorf(synth.KindConfiguration, key, "The %s backend is not enabled.", key)
	}
	t, ok := a.(T)
	if !ok {
		return zero, synth.Errorf(synth.KindConfiguration, key, "The %s backend does not support this operation.", key)
	}
	return t, nil
}

// Cloning returns the cloning adapter.
func (e *Engine) Cloning() (*cloning.Adapter, error) {
	return adapterAs[*cloning.Adapter](e, synth.BackendCloning)
}

// Lightweight returns the lightweight adapter.
func (e *Engine) Lightweight() (*lightweight.Adapter, error) {
	return adapterAs[*lightweight.Adapter](e, synth.BackendLightweight)
}

// Generative returns the generative adapter.
func (e *Engine) Generative() (*generative.Adapter, error) {
	return adapterAs[*generative.Adapter](e, synth.BackendGenerative)
}

// Hosted returns the hosted adapter.
func (e *Engine) Hosted() (*hosted.Adapter, error) {
	return adapterAs[*hosted.Adapter](e, synth.BackendHosted)
}

// Synthesize routes req to its backend. The backend is req.Backend, or the
// one req.Params belongs to. Panics raised by backend code are recovered and
// reported as failed results.
func (e *Engine) Synthesize(ctx context.Context, req synth.Request) (res synth.Result) {
	start := time.Now()
	key := req.Backend
	if key == "" {
		key = synth.BackendOf(req.Params)
	}
	ctx, span := observe.StartSpan(ctx, "engine.synthesize",
		trace.WithAttributes(attribute.String("backend", key)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "backend panicked", "backend", key, "panic", r, "stack", string(debug.Stack()))
			res = synth.Fail(ctx, start, key, "", &synth.Error{
				Kind:    synth.KindUnknown,
				Backend: key,
				Msg:     fmt.Sprintf("Unexpected error in %s backend: %v", key, r),
			})
		}
		span.SetAttributes(
			attribute.Bool("ok", res.OK),
			attribute.String("kind", res.Kind.String()),
		)
		if e.metrics != nil {
			e.metrics.RecordSynthesis(ctx, key, res.OK, res.Degraded, res.Kind.String(), res.Elapsed)
		}
	}()

	if key == "" {
		return synth.Fail(ctx, start, key, "", synth.Errorf(synth.KindConfiguration, "", "No TTS engine selected."))
	}
	a, ok := e.Adapter(key)
	if !ok {
		return synth.Fail(ctx, start, key, "", synth.Errorf(synth.KindConfiguration, key, "Unknown TTS engine: %s", key))
	}
	if pk := synth.BackendOf(req.Params); pk != "" && pk != key {
		return synth.Fail(ctx, start, key, "", synth.Errorf(synth.KindInvalidRequest, key,
			"Parameters for the %s backend cannot be used with %s.", pk, key))
	}
	req.Backend = key
	return a.Synthesize(ctx, req)
}

// ValidateCredential probes candidate against the hosted service and returns
// it if accepted, "" otherwise.
func (e *Engine) ValidateCredential(ctx context.Context, candidate string) string {
	h, err := e.Hosted()
	if err != nil {
		slog.WarnContext(ctx, "credential validation requested without hosted backend")
		return ""
	}
	return h.ValidateCredential(ctx, candidate)
}

// FetchVoices lists the hosted voices visible to credential.
func (e *Engine) FetchVoices(ctx context.Context, credential string) ([]hosted.Voice, error) {
	h, err := e.Hosted()
	if err != nil {
		return nil, err
	}
	return h.FetchVoices(ctx, credential)
}

// FetchQuota returns the hosted character quota of credential.
func (e *Engine) FetchQuota(ctx context.Context, credential string) (hosted.Quota, error) {
	h, err := e.Hosted()
	if err != nil {
		return hosted.Quota{}, err
	}
	return h.FetchQuota(ctx, credential)
}

// ProvisionedCredential is the validation state of one labelled credential
// sourced from the environment.
type ProvisionedCredential struct {
	Label   string `json:"label"`
	Present bool   `json:"present"`
	Valid   bool   `json:"valid"`
}

// ProvisionedLabels returns the labels of configured credentials whose
// environment variable is set, in configuration order.
func (e *Engine) ProvisionedLabels() []string {
	h := e.Config().Backends.Hosted
	if h == nil {
		return nil
	}
	var labels []string
	for _, c := range h.Credentials {
		if v, ok := e.lookupEnv(c.Env); ok && strings.TrimSpace(v) != "" {
			labels = append(labels, c.Label)
		}
	}
	return labels
}

// Credential returns the provisioned credential stored under label.
func (e *Engine) Credential(label string) (string, bool) {
	h := e.Config().Backends.Hosted
	if h == nil {
		return "", false
	}
	for _, c := range h.Credentials {
		if c.Label != label {
			continue
		}
		v, ok := e.lookupEnv(c.Env)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	return "", false
}

// ValidateProvisioned probes every configured credential concurrently. The
// last one validated becomes the hosted backend's cached credential.
func (e *Engine) ValidateProvisioned(ctx context.Context) ([]ProvisionedCredential, error) {
	h, err := e.Hosted()
	if err != nil {
		return nil, err
	}
	sources := e.Config().Backends.Hosted.Credentials
	out := make([]ProvisionedCredential, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentValidations)
	for i, src := range sources {
		out[i].Label = src.Label
		v, ok := e.lookupEnv(src.Env)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		out[i].Present = true
		g.Go(func() error {
			out[i].Valid = h.ValidateCredential(gctx, v) != ""
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("engine: validate provisioned credentials: %w", err)
	}
	for _, c := range out {
		slog.InfoContext(ctx, "provisioned credential", "label", c.Label, "present", c.Present, "valid", c.Valid)
	}
	return out, nil
}

// ClearResources drops every cached resource, closing those that hold OS
// resources, and returns how many were dropped.
func (e *Engine) ClearResources() int {
	n := e.cache.Clear()
	slog.Info("cleared cached resources", "count", n)
	return n
}

// Reload forces the resource id of backend to be loaded again. An empty id
// selects the backend's default model. For the lightweight backend id is the
// voice model path; its config is expected next to it.
func (e *Engine) Reload(ctx context.Context, backend, id string) error {
	var err error
	switch backend {
	case synth.BackendCloning:
		var a *cloning.Adapter
		if a, err = e.Cloning(); err == nil {
			err = a.Reload(ctx, id)
		}
	case synth.BackendLightweight:
		if id == "" {
			return synth.Errorf(synth.KindInvalidRequest, backend, "A Piper model path is required to reload.")
		}
		var a *lightweight.Adapter
		if a, err = e.Lightweight(); err == nil {
			err = a.Reload(ctx, id, id+".json")
		}
	case synth.BackendGenerative:
		var a *generative.Adapter
		if a, err = e.Generative(); err == nil {
			err = a.Reload(ctx, id)
		}
	case synth.BackendHosted:
		return synth.Errorf(synth.KindInvalidRequest, backend, "The hosted backend has no local resources.")
	default:
		return synth.Errorf(synth.KindConfiguration, backend, "Unknown TTS engine: %s", backend)
	}
	return err
}

// Apply switches to cfg, rebuilding the adapters named in diff and dropping
// their cached resources. Adapters of unchanged backends keep running. On
// error the engine keeps every adapter it could not rebuild.
func (e *Engine) Apply(cfg *config.Config, diff config.ConfigDiff) error {
	if diff.RestartRequired {
		slog.Warn("configuration change requires a restart to take full effect")
	}
	var errs []error
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, bd := range diff.Backends {
		n := e.cache.InvalidateBackend(bd.Key)
		if bd.Removed {
			delete(e.adapters, bd.Key)
			slog.Info("backend disabled", "backend", bd.Key, "released", n)
			continue
		}
		a, err := e.registry.Create(bd.Key, e.deps(cfg))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		e.adapters[bd.Key] = a
		slog.Info("backend reloaded", "backend", bd.Key, "released", n, "models_changed", bd.ModelsChanged)
	}
	e.cfg = cfg
	return errors.Join(errs...)
}

// Close releases every cached resource.
func (e *Engine) Close() error {
	e.cache.Clear()
	return nil
}
