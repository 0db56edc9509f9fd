package engine_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/polyvox/internal/backend/generative"
	"github.com/MrWong99/polyvox/internal/config"
	"github.com/MrWong99/polyvox/internal/engine"
	"github.com/MrWong99/polyvox/internal/engine/mock"
	"github.com/MrWong99/polyvox/internal/resource"
	"github.com/MrWong99/polyvox/pkg/audio"
	"github.com/MrWong99/polyvox/pkg/synth"
)

func testConfig(mut func(*config.Config)) *config.Config {
	cfg := &config.Config{}
	if mut != nil {
		mut(cfg)
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config, opts ...engine.Option) *engine.Engine {
	t.Helper()
	opts = append([]engine.Option{
		engine.WithSelector(resource.Static(resource.CPU)),
		engine.WithTranscoder(audio.NoTranscoder{}),
	}, opts...)
	e, err := engine.New(cfg, opts...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// mockRegistry serves the given mocks regardless of configuration.
func mockRegistry(adapters ...*mock.Adapter) *engine.Registry {
	r := engine.NewRegistry()
	for _, a := range adapters {
		r.Register(a.Key, func(engine.Deps) (synth.Adapter, error) { return a, nil })
	}
	return r
}

func TestSynthesize_Routes(t *testing.T) {
	light := &mock.Adapter{Key: synth.BackendLightweight, Result: synth.Result{OK: true, Message: "light"}}
	gen := &mock.Adapter{Key: synth.BackendGenerative, Result: synth.Result{OK: true, Message: "gen"}}
	e := newEngine(t, testConfig(nil), engine.WithRegistry(mockRegistry(light, gen)))
	ctx := context.Background()

	res := e.Synthesize(ctx, synth.Request{Backend: synth.BackendLightweight, Text: "a"})
	if res.Message != "light" {
		t.Errorf("by key: message = %q", res.Message)
	}
	res = e.Synthesize(ctx, synth.Request{Text: "b", Params: synth.GenerativeParams{VoicePreset: "v2/en_speaker_1"}})
	if res.Message != "gen" {
		t.Errorf("by params: message = %q", res.Message)
	}
	calls := gen.CallsSnapshot()
	if len(calls) != 1 || calls[0].Backend != synth.BackendGenerative {
		t.Errorf("generative calls = %+v", calls)
	}
}

func TestSynthesize_Errors(t *testing.T) {
	light := &mock.Adapter{Key: synth.BackendLightweight}
	e := newEngine(t, testConfig(nil), engine.WithRegistry(mockRegistry(light)))

	tests := []struct {
		name string
		req  synth.Request
		kind synth.Kind
		msg  string
	}{
		{"no backend", synth.Request{Text: "x"}, synth.KindConfiguration, "No TTS engine selected."},
		{"unknown backend", synth.Request{Backend: "festival", Text: "x"}, synth.KindConfiguration, "Unknown TTS engine: festival"},
		{"disabled backend", synth.Request{Backend: synth.BackendHosted, Text: "x"}, synth.KindConfiguration, "Unknown TTS engine: hosted"},
		{"mismatched params", synth.Request{Backend: synth.BackendLightweight, Params: synth.HostedParams{}}, synth.KindInvalidRequest,
			"Parameters for the hosted backend cannot be used with lightweight."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := e.Synthesize(context.Background(), tc.req)
			if res.OK || res.Kind != tc.kind || res.Message != tc.msg {
				t.Errorf("result = %v %s %q, want %s %q", res.OK, res.Kind, res.Message, tc.kind, tc.msg)
			}
		})
	}
	if len(light.CallsSnapshot()) != 0 {
		t.Error("no request should reach the adapter")
	}
}

func TestSynthesize_RecoversPanic(t *testing.T) {
	bad := &mock.Adapter{Key: synth.BackendGenerative, PanicWith: "index out of range"}
	e := newEngine(t, testConfig(nil), engine.WithRegistry(mockRegistry(bad)))

	res := e.Synthesize(context.Background(), synth.Request{Backend: synth.BackendGenerative, Text: "x"})
	if res.OK || res.Kind != synth.KindUnknown {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Message, "index out of range") {
		t.Errorf("message = %q", res.Message)
	}
}

func TestNew_EnablesConfiguredBackends(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Backends.Lightweight = &config.LightweightConfig{ModelDir: t.TempDir()}
		c.Backends.Hosted = &config.HostedConfig{}
	})
	e := newEngine(t, cfg)
	if got := e.Backends(); !slices.Equal(got, []string{synth.BackendHosted, synth.BackendLightweight}) {
		t.Errorf("Backends() = %v", got)
	}
	if _, err := e.Cloning(); synth.KindOf(err) != synth.KindConfiguration {
		t.Errorf("Cloning() err = %v, want configuration error", err)
	}
	if _, err := e.Lightweight(); err != nil {
		t.Errorf("Lightweight(): %v", err)
	}
	if len(e.Catalog()) != 2 {
		t.Errorf("catalog = %+v", e.Catalog())
	}
}

func TestNew_FactoryError(t *testing.T) {
	r := engine.NewRegistry()
	r.Register("broken", func(engine.Deps) (synth.Adapter, error) { return nil, errors.New("boom") })
	_, err := engine.New(testConfig(nil), engine.WithRegistry(r), engine.WithSelector(resource.Static(resource.CPU)))
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("err = %v", err)
	}
}

func TestRegistry_CreateUnknown(t *testing.T) {
	_, err := engine.NewRegistry().Create("nope", engine.Deps{})
	if !errors.Is(err, engine.ErrBackendNotRegistered) {
		t.Errorf("err = %v", err)
	}
}

// fakeModel is a generative model returning silence.
type fakeModel struct{}

func (fakeModel) Generate(context.Context, string, string) (generative.Tensor, error) {
	pcm := audio.FromFloat32([]float32{0, 0.1, 0.2}, 24000, 1)
	return generative.Tensor{Data: pcm.Data, Encoding: pcm.Encoding}, nil
}

func (fakeModel) SampleRate() int { return 24000 }

func TestClearResourcesAndReload(t *testing.T) {
	var loads atomic.Int32
	r := engine.NewRegistry()
	r.Register(synth.BackendGenerative, func(d engine.Deps) (synth.Adapter, error) {
		return generative.New(d.Config.Backends.Generative, d.Cache, d.Normalizer, generative.WithLoader(
			func(context.Context, string, resource.Device, generative.Precision) (generative.Model, error) {
				loads.Add(1)
				return fakeModel{}, nil
			}))
	})
	cfg := testConfig(func(c *config.Config) {
		c.Backends.Generative = &config.GenerativeConfig{ServerURL: "http://localhost:8003"}
	})
	e := newEngine(t, cfg, engine.WithRegistry(r))
	ctx := context.Background()

	req := synth.Request{Backend: synth.BackendGenerative, Text: "hi", OutputPath: t.TempDir() + "/out.wav"}
	for range 2 {
		if res := e.Synthesize(ctx, req); !res.OK {
			t.Fatalf("synthesize: %s", res.Message)
		}
	}
	if loads.Load() != 1 {
		t.Fatalf("loads = %d, want 1", loads.Load())
	}
	if err := e.Reload(ctx, synth.BackendGenerative, ""); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if loads.Load() != 2 {
		t.Errorf("loads after reload = %d, want 2", loads.Load())
	}
	if n := e.ClearResources(); n != 1 {
		t.Errorf("ClearResources() = %d, want 1", n)
	}
	e.Synthesize(ctx, req)
	if loads.Load() != 3 {
		t.Errorf("loads after clear = %d, want 3", loads.Load())
	}
	if err := e.Reload(ctx, synth.BackendHosted, ""); synth.KindOf(err) != synth.KindInvalidRequest {
		t.Errorf("hosted reload err = %v", err)
	}
}

func TestApply(t *testing.T) {
	var builds atomic.Int32
	r := engine.NewRegistry()
	r.Register(synth.BackendLightweight, func(d engine.Deps) (synth.Adapter, error) {
		builds.Add(1)
		return &mock.Adapter{Key: synth.BackendLightweight}, nil
	})
	r.Register(synth.BackendGenerative, func(engine.Deps) (synth.Adapter, error) {
		return &mock.Adapter{Key: synth.BackendGenerative}, nil
	})
	e := newEngine(t, testConfig(nil), engine.WithRegistry(r))

	next := testConfig(nil)
	err := e.Apply(next, config.ConfigDiff{Backends: []config.BackendDiff{
		{Key: synth.BackendLightweight},
		{Key: synth.BackendGenerative, Removed: true},
	}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if builds.Load() != 2 {
		t.Errorf("lightweight builds = %d, want 2", builds.Load())
	}
	if got := e.Backends(); !slices.Equal(got, []string{synth.BackendLightweight}) {
		t.Errorf("Backends() = %v", got)
	}
	if e.Config() != next {
		t.Error("Apply should switch the config")
	}
}

func TestValidateProvisioned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "sk_team" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `[{"model_id":"eleven_multilingual_v2"}]`)
	}))
	defer srv.Close()

	cfg := testConfig(func(c *config.Config) {
		c.Backends.Hosted = &config.HostedConfig{
			BaseURL: srv.URL,
			Credentials: []config.CredentialSource{
				{Label: "team", Env: "KEY_TEAM"},
				{Label: "old", Env: "KEY_OLD"},
				{Label: "unset", Env: "KEY_UNSET"},
			},
		}
	})
	env := map[string]string{"KEY_TEAM": "sk_team", "KEY_OLD": "sk_revoked"}
	e := newEngine(t, cfg, engine.WithEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	got, err := e.ValidateProvisioned(context.Background())
	if err != nil {
		t.Fatalf("ValidateProvisioned: %v", err)
	}
	want := []engine.ProvisionedCredential{
		{Label: "team", Present: true, Valid: true},
		{Label: "old", Present: true, Valid: false},
		{Label: "unset"},
	}
	if !slices.Equal(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if labels := e.ProvisionedLabels(); !slices.Equal(labels, []string{"team", "old"}) {
		t.Errorf("labels = %v", labels)
	}
	if v, ok := e.Credential("team"); !ok || v != "sk_team" {
		t.Errorf("Credential(team) = %q, %v", v, ok)
	}
	if _, ok := e.Credential("unset"); ok {
		t.Error("unset credential should not be found")
	}

	// The validated credential is now cached for calls that omit one.
	if _, err := e.FetchQuota(context.Background(), ""); synth.KindOf(err) == synth.KindResourceUnavailable {
		t.Errorf("FetchQuota should use the cached credential, got %v", err)
	}
}
