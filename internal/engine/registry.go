package engine

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"

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

// ErrBackendNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested backend key.
var ErrBackendNotRegistered = errors.New("engine: backend not registered")

// ErrBackendDisabled is returned by a factory whose configuration section is
// absent.
var ErrBackendDisabled = errors.New("engine: backend disabled")

// Deps is everything a backend factory may draw on. The cache and
// normalizer are shared by all adapters of one [Engine].
type Deps struct {
	Config     *config.Config
	Cache      *resource.Cache
	Normalizer *audio.Normalizer
	Metrics    *observe.Metrics

	// HTTPClient, when set, replaces the hosted backend's client.
	HTTPClient *http.Client
}

// Factory builds one backend adapter.
type Factory func(Deps) (synth.Adapter, error)

// Registry maps backend keys to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the four built-in backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(synth.BackendCloning, func(d Deps) (synth.Adapter, error) {
		c := d.Config.Backends.Cloning
		if c == nil {
			return nil, ErrBackendDisabled
		}
		return cloning.New(c, d.Cache, d.Normalizer,
			cloning.WithLoader(cloning.CoquiLoader(c.ServerURL, c.Timeout)),
			cloning.WithMetrics(d.Metrics))
	})
	r.Register(synth.BackendLightweight, func(d Deps) (synth.Adapter, error) {
		c := d.Config.Backends.Lightweight
		if c == nil {
			return nil, ErrBackendDisabled
		}
		return lightweight.New(c, d.Cache)
	})
	r.Register(synth.BackendGenerative, func(d Deps) (synth.Adapter, error) {
		c := d.Config.Backends.Generative
		if c == nil {
			return nil, ErrBackendDisabled
		}
		return generative.New(c, d.Cache, d.Normalizer)
	})
	r.Register(synth.BackendHosted, func(d Deps) (synth.Adapter, error) {
		c := d.Config.Backends.Hosted
		if c == nil {
			return nil, ErrBackendDisabled
		}
		opts := []hosted.Option{hosted.WithMetrics(d.Metrics)}
		if d.HTTPClient != nil {
			opts = append(opts, hosted.WithHTTPClient(d.HTTPClient))
		}
		return hosted.New(c, d.Normalizer, opts...)
	})
	return r
}

// Register registers a factory under key. Subsequent calls with the same
// key overwrite the previous registration.
func (r *Registry) Register(key string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = f
}

// Keys returns the registered backend keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Create builds the adapter registered under key.
func (r *Registry) Create(key string, d Deps) (synth.Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, key)
	}
	a, err := f(d)
	if err != nil {
		return nil, fmt.Errorf("engine: create %s: %w", key, err)
	}
	return a, nil
}
