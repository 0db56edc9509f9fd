// Package hosted implements the hosted cloud backend (ElevenLabs). It owns
// the REST client, credential validation, voice lookup and the degraded MP3
// delivery path used when no transcoder is installed.
package hosted

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/polyvox/internal/config"
	"github.com/MrWong99/polyvox/internal/observe"
	"github.com/MrWong99/polyvox/internal/resilience"
	"github.com/MrWong99/polyvox/pkg/audio"
	"github.com/MrWong99/polyvox/pkg/synth"
)

const (
	remotePrefix = "ElevenLabs Error"
	localPrefix  = "ElevenLabs synthesis failed"
)

// Option configures an [Adapter].
type Option func(*Adapter)

// WithHTTPClient replaces the HTTP client used for every API call.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// WithMetrics records remote requests, credential checks and breaker
// transitions to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithResolver replaces the voice-name resolver.
func WithResolver(r *VoiceResolver) Option {
	return func(a *Adapter) { a.resolver = r }
}

// Adapter is the hosted backend's [synth.Adapter]. Besides synthesis it
// exposes the credential and catalog operations the front-ends need.
type Adapter struct {
	cfg        config.HostedConfig
	norm       *audio.Normalizer
	httpClient *http.Client
	metrics    *observe.Metrics
	resolver   *VoiceResolver

	client    *Client
	validator *CredentialValidator
	breaker   *resilience.CircuitBreaker

	mu     sync.Mutex
	voices map[string][]Voice // by credential
}

var _ synth.Adapter = (*Adapter)(nil)

// New creates a hosted adapter. cfg must have had defaults applied.
func New(cfg *config.HostedConfig, norm *audio.Normalizer, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.New("hosted: config must not be nil")
	}
	if norm == nil {
		norm = audio.NewNormalizer(nil)
	}
	a := &Adapter{cfg: *cfg, norm: norm, voices: make(map[string][]Voice)}
	for _, o := range opts {
		o(a)
	}
	if a.resolver == nil {
		a.resolver = NewVoiceResolver()
	}

	copts := []ClientOption{WithClientMetrics(a.metrics)}
	if a.httpClient != nil {
		copts = append(copts, WithClientHTTPClient(a.httpClient))
	}
	client, err := NewClient(cfg.BaseURL, cfg.Timeout, copts...)
	if err != nil {
		return nil, err
	}
	a.client = client
	a.validator = NewCredentialValidator(client, a.metrics)
	a.breaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:        "hosted",
		MaxFailures: cfg.Breaker.MaxFailures,
		Cooldown:    cfg.Breaker.ResetTimeout,
		Counts:      isServiceFault,
		OnTransition: func(name string, from, to resilience.State) {
			if a.metrics != nil {
				a.metrics.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
			}
		},
	})
	return a, nil
}

// Backend implements [synth.Adapter].
func (a *Adapter) Backend() string { return synth.BackendHosted }

// Models returns the advertised model ids.
func (a *Adapter) Models() []string {
	if len(a.cfg.Models) > 0 {
		return slices.Clone(a.cfg.Models)
	}
	return config.DefaultHostedModels()
}

// Credentials exposes the validator holding the cached credential.
func (a *Adapter) Credentials() *CredentialValidator { return a.validator }

// BreakerState reports the state of the breaker guarding synthesis calls.
func (a *Adapter) BreakerState() resilience.State { return a.breaker.State() }

// ValidateCredential probes candidate and returns it if accepted, "" if not.
func (a *Adapter) ValidateCredential(ctx context.Context, candidate string) string {
	ctx, span := observe.StartSpan(ctx, "hosted.validate_credential")
	defer span.End()
	return a.validator.Validate(ctx, candidate)
}

// FetchVoices returns the account's voices sorted by name. An empty key
// falls back to the cached credential; with none it fails without a
// request.
func (a *Adapter) FetchVoices(ctx context.Context, key string) ([]Voice, error) {
	ctx, span := observe.StartSpan(ctx, "hosted.fetch_voices")
	defer span.End()

	key, err := a.validator.Resolve(key)
	if err != nil {
		return nil, err
	}
	voices, err := a.client.Voices(ctx, key)
	if err != nil {
		observe.SpanError(span, err)
		return nil, err
	}
	slices.SortStableFunc(voices, func(x, y Voice) int {
		return strings.Compare(x.Name, y.Name)
	})
	a.mu.Lock()
	a.voices[key] = voices
	a.mu.Unlock()
	slog.InfoContext(ctx, "fetched hosted voices", "count", len(voices))
	return slices.Clone(voices), nil
}

// FetchQuota returns the account's character quota.
func (a *Adapter) FetchQuota(ctx context.Context, key string) (Quota, error) {
	ctx, span := observe.StartSpan(ctx, "hosted.fetch_quota")
	defer span.End()

	key, err := a.validator.Resolve(key)
	if err != nil {
		return Quota{}, err
	}
	q, err := a.client.Subscription(ctx, key)
	if err != nil {
		observe.SpanError(span, err)
		return Quota{}, err
	}
	return q, nil
}

// Synthesize implements [synth.Adapter].
func (a *Adapter) Synthesize(ctx context.Context, req synth.Request) synth.Result {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "hosted.synthesize")
	defer span.End()

	d, err := a.synthesize(ctx, req)
	if err != nil {
		observe.SpanError(span, err)
		return synth.Fail(ctx, start, synth.BackendHosted, failPrefix(err), err)
	}
	if !d.Degraded {
		return synth.Succeed(start, d.Path, "Audio successfully synthesized and saved as WAV in "+d.Path)
	}
	msg := "Audio successfully saved (as MP3!) in " + d.Path
	if !errors.Is(d.Reason, audio.ErrTranscoderUnavailable) {
		msg += ". Conversion to WAV failed."
	}
	res := synth.Succeed(start, d.Path, msg)
	res.Degraded = true
	return res
}

// failPrefix leaves local request checks unprefixed.
func failPrefix(err error) string {
	kind := synth.KindOf(err)
	switch {
	case kind.IsRemote():
		return remotePrefix
	case kind == synth.KindInvalidRequest, kind == synth.KindResourceUnavailable:
		return ""
	}
	return localPrefix
}

func (a *Adapter) synthesize(ctx context.Context, req synth.Request) (audio.Delivery, error) {
	var p synth.HostedParams
	switch v := req.Params.(type) {
	case synth.HostedParams:
		p = v
	case *synth.HostedParams:
		if v != nil {
			p = *v
		}
	case nil:
	default:
		return audio.Delivery{}, synth.Errorf(synth.KindInvalidRequest, synth.BackendHosted,
			"parameters of type %T do not belong to the hosted backend", req.Params)
	}

	key, err := a.validator.Resolve(p.Credential)
	if err != nil {
		return audio.Delivery{}, synth.Errorf(synth.KindResourceUnavailable, synth.BackendHosted,
			"API key is required for ElevenLabs synthesis.")
	}
	voice := strings.TrimSpace(p.Voice)
	if voice == "" {
		return audio.Delivery{}, synth.Errorf(synth.KindInvalidRequest, synth.BackendHosted, "No ElevenLabs voice ID selected.")
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		model = a.cfg.DefaultModel
	}
	if model == "" {
		return audio.Delivery{}, synth.Errorf(synth.KindInvalidRequest, synth.BackendHosted, "No ElevenLabs model ID selected.")
	}
	if strings.TrimSpace(req.Text) == "" {
		return audio.Delivery{}, synth.Errorf(synth.KindInvalidRequest, synth.BackendHosted, "No text entered for synthesis.")
	}
	out, err := audio.PrepareOutput(req.OutputPath, audio.ExtWAV)
	if err != nil {
		return audio.Delivery{}, synth.Errorf(synth.KindInvalidRequest, synth.BackendHosted, "invalid output path: %w", err)
	}

	voiceID := a.voiceID(ctx, key, voice)
	slog.InfoContext(ctx, "starting hosted synthesis", "voice", voiceID, "model", model, "chars", len(req.Text))

	var body io.ReadCloser
	err = a.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		body, err = a.client.TextToSpeech(ctx, key, voiceID, model, req.Text)
		return err
	})
	var open *resilience.OpenError
	if errors.As(err, &open) {
		detail := "service temporarily unavailable after repeated failures"
		if open.RetryAfter > 0 {
			detail += fmt.Sprintf(", retry in %s", open.RetryAfter.Round(time.Second))
		}
		return audio.Delivery{}, &synth.Error{
			Kind:    synth.KindRemoteGeneric,
			Backend: synth.BackendHosted,
			Detail:  detail,
			Err:     err,
		}
	}
	if err != nil {
		return audio.Delivery{}, err
	}
	defer body.Close()

	cr := &countingReader{r: body}
	d, err := a.norm.Lossy(ctx, cr, out)
	if err != nil {
		kind := synth.KindSynthesis
		if cr.n == 0 {
			kind = synth.KindEmptyOutput
		}
		return audio.Delivery{}, &synth.Error{Kind: kind, Backend: synth.BackendHosted, Err: err}
	}
	return d, nil
}

// voiceID maps a voice reference to an id using the catalog of key. The
// catalog is fetched once when ref does not look like an id. Unresolvable
// references are passed through unchanged for the service to judge.
func (a *Adapter) voiceID(ctx context.Context, key, ref string) string {
	a.mu.Lock()
	voices, ok := a.voices[key]
	a.mu.Unlock()
	if !ok {
		if looksLikeID(ref) {
			return ref
		}
		var err error
		if voices, err = a.FetchVoices(ctx, key); err != nil {
			slog.WarnContext(ctx, "cannot fetch voices to resolve name", "voice", ref, "err", err)
			return ref
		}
	}
	v, how := a.resolver.Resolve(ref, voices)
	if how == MatchNone {
		return ref
	}
	if how != MatchID {
		slog.InfoContext(ctx, "resolved voice by name", "ref", ref, "voice", v.Name, "id", v.ID, "match", how.String())
	}
	return v.ID
}

// looksLikeID reports whether ref has the shape of a voice id: one token of
// letters and digits, at least 16 long.
func looksLikeID(ref string) bool {
	if len(ref) < 16 {
		return false
	}
	for _, r := range ref {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
