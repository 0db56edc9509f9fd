package hosted

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/polyvox/internal/config"
	"github.com/MrWong99/polyvox/internal/resilience"
	"github.com/MrWong99/polyvox/pkg/audio"
	"github.com/MrWong99/polyvox/pkg/synth"
)

const goodKey = "sk_good"

// fakeAPI emulates the subset of the hosted REST API the adapter uses.
type fakeAPI struct {
	requests atomic.Int32
	ttsCode  int
	ttsBody  string
	mp3      []byte

	mu        sync.Mutex
	lastVoice string
	lastTTS   ttsRequest
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	if r.Header.Get("xi-api-key") != goodKey {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail":{"status":"invalid_api_key","message":"Invalid API key"}}`)
		return
	}
	switch {
	case r.URL.Path == modelsPath:
		_, _ = io.WriteString(w, `[{"model_id":"eleven_multilingual_v2"},{"model_id":"eleven_monolingual_v1"}]`)
	case r.URL.Path == voicesPath:
		_, _ = io.WriteString(w, `{"voices":[
			{"voice_id":"21m00Tcm4TlvDq8ikWAM","name":"Rachel","category":"premade"},
			{"voice_id":"AZnzlk1XvdvUeBnXmlld","name":"Domi"},
			{"voice_id":"","name":"Broken"},
			{"voice_id":"EXAVITQu4vr4xnSDxMaL","name":"Bella"}]}`)
	case r.URL.Path == subscriptionPath:
		_, _ = io.WriteString(w, `{"character_count":1200,"tier":"free"}`)
	case strings.HasPrefix(r.URL.Path, "/v1/text-to-speech/"):
		f.mu.Lock()
		f.lastVoice = strings.TrimPrefix(r.URL.Path, "/v1/text-to-speech/")
		_ = json.NewDecoder(r.Body).Decode(&f.lastTTS)
		f.mu.Unlock()
		if f.ttsCode != 0 {
			w.WriteHeader(f.ttsCode)
			_, _ = io.WriteString(w, f.ttsBody)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(f.mp3)
	default:
		http.NotFound(w, r)
	}
}

// fakeTranscoder writes a small WAV for every transcode.
type fakeTranscoder struct {
	availErr error
	err      error
}

func (f fakeTranscoder) Available() error { return f.availErr }

func (f fakeTranscoder) Transcode(_ context.Context, _, dst string) error {
	if f.err != nil {
		return f.err
	}
	return audio.WriteWAV(dst, audio.FromInt16([]int16{1, 2, 3, 4}, 44100, 1))
}

func newTestAdapter(t *testing.T, api *fakeAPI, tc audio.Transcoder, cfgMut ...func(*config.HostedConfig)) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cfg := &config.Config{Backends: config.BackendsConfig{Hosted: &config.HostedConfig{BaseURL: srv.URL}}}
	config.ApplyDefaults(cfg)
	for _, m := range cfgMut {
		m(cfg.Backends.Hosted)
	}
	a, err := New(cfg.Backends.Hosted, audio.NewNormalizer(tc), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestValidateCredential(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(t, api, nil)
	ctx := context.Background()

	if got := a.ValidateCredential(ctx, "sk_bad"); got != "" {
		t.Errorf("rejected key: got %q, want empty", got)
	}
	if got := a.ValidateCredential(ctx, ""); got != "" {
		t.Errorf("empty key: got %q", got)
	}
	if api.requests.Load() != 1 {
		t.Errorf("requests = %d, empty key should not hit the network", api.requests.Load())
	}
	if got := a.ValidateCredential(ctx, goodKey); got != goodKey {
		t.Errorf("valid key: got %q", got)
	}
	if last, at := a.Credentials().Last(); last != goodKey || at.IsZero() {
		t.Errorf("Last() = %q, %v", last, at)
	}
}

func TestValidateCredential_ReturnsCandidateUnchanged(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(t, api, nil)
	ctx := context.Background()

	// Header values are trimmed on the wire, so the padded key is accepted.
	padded := "  " + goodKey + " "
	if got := a.ValidateCredential(ctx, padded); got != padded {
		t.Errorf("got %q, want the candidate as given %q", got, padded)
	}
	if last, _ := a.Credentials().Last(); last != padded {
		t.Errorf("cached %q, want %q", last, padded)
	}
	if got := a.ValidateCredential(ctx, " \t "); got != "" {
		t.Errorf("blank key: got %q", got)
	}
	if api.requests.Load() != 1 {
		t.Errorf("requests = %d, a blank key should not hit the network", api.requests.Load())
	}
}

func TestValidateCredential_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := &config.Config{Backends: config.BackendsConfig{Hosted: &config.HostedConfig{BaseURL: url, Timeout: time.Second}}}
	config.ApplyDefaults(cfg)
	a, err := New(cfg.Backends.Hosted, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := a.ValidateCredential(context.Background(), goodKey); got != "" {
		t.Errorf("got %q, want empty on transport error", got)
	}
}

func TestFetchVoices(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(t, api, nil)

	voices, err := a.FetchVoices(context.Background(), goodKey)
	if err != nil {
		t.Fatalf("FetchVoices: %v", err)
	}
	var names []string
	for _, v := range voices {
		names = append(names, v.Name)
	}
	if got := strings.Join(names, ","); got != "Bella,Domi,Rachel" {
		t.Errorf("voices = %s", got)
	}
}

func TestFetchVoices_NoCredential(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(t, api, nil)

	_, err := a.FetchVoices(context.Background(), "")
	if synth.KindOf(err) != synth.KindResourceUnavailable {
		t.Fatalf("kind = %s, want resource_unavailable", synth.KindOf(err))
	}
	if !errors.Is(err, ErrCredentialMissing) {
		t.Error("error should wrap ErrCredentialMissing")
	}
	if api.requests.Load() != 0 {
		t.Errorf("requests = %d, want 0", api.requests.Load())
	}
}

func TestFetchVoices_UsesCachedCredential(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(t, api, nil)
	a.ValidateCredential(context.Background(), goodKey)

	if _, err := a.FetchVoices(context.Background(), ""); err != nil {
		t.Fatalf("FetchVoices: %v", err)
	}
}

func TestFetchQuota_Defaults(t *testing.T) {
	a := newTestAdapter(t, &fakeAPI{}, nil)
	q, err := a.FetchQuota(context.Background(), goodKey)
	if err != nil {
		t.Fatalf("FetchQuota: %v", err)
	}
	want := Quota{Used: 1200, Limit: 0, Tier: "free", Status: "unknown"}
	if q != want {
		t.Errorf("quota = %+v, want %+v", q, want)
	}
}

func TestSynthesize_Transcoded(t *testing.T) {
	api := &fakeAPI{mp3: []byte("ID3fake-mp3-frames")}
	a := newTestAdapter(t, api, fakeTranscoder{})
	out := filepath.Join(t.TempDir(), "speech")

	res := a.Synthesize(context.Background(), synth.Request{
		Text:       "Hello there",
		Params:     synth.HostedParams{Credential: goodKey, Voice: "21m00Tcm4TlvDq8ikWAM"},
		OutputPath: out,
	})
	if !res.OK || res.Degraded {
		t.Fatalf("result = %+v", res)
	}
	if res.Path != out+".wav" {
		t.Errorf("path = %q", res.Path)
	}
	if res.Message != "Audio successfully synthesized and saved as WAV in "+res.Path {
		t.Errorf("message = %q", res.Message)
	}
	if api.lastTTS.ModelID != config.DefaultHostedModel || api.lastTTS.Text != "Hello there" {
		t.Errorf("request = %+v", api.lastTTS)
	}
}

func TestSynthesize_DegradedDelivery(t *testing.T) {
	tests := []struct {
		name    string
		tc      audio.Transcoder
		message string
	}{
		{"no transcoder", audio.NoTranscoder{}, "Audio successfully saved (as MP3!) in %s"},
		{"transcode fails", fakeTranscoder{err: errors.New("exit status 1")}, "Audio successfully saved (as MP3!) in %s. Conversion to WAV failed."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAdapter(t, &fakeAPI{mp3: []byte("ID3mp3")}, tc.tc)
			res := a.Synthesize(context.Background(), synth.Request{
				Text:       "Hello",
				Params:     synth.HostedParams{Credential: goodKey, Voice: "21m00Tcm4TlvDq8ikWAM"},
				OutputPath: filepath.Join(t.TempDir(), "o.wav"),
			})
			if !res.OK || !res.Degraded {
				t.Fatalf("result = %+v", res)
			}
			if filepath.Ext(res.Path) != ".mp3" {
				t.Errorf("path = %q, want .mp3", res.Path)
			}
			if want := strings.Replace(tc.message, "%s", res.Path, 1); res.Message != want {
				t.Errorf("message = %q, want %q", res.Message, want)
			}
			data, err := os.ReadFile(res.Path)
			if err != nil || string(data) != "ID3mp3" {
				t.Errorf("mp3 content = %q, %v", data, err)
			}
		})
	}
}

func TestSynthesize_LocalChecks(t *testing.T) {
	tests := []struct {
		name   string
		params synth.HostedParams
		text   string
		want   string
	}{
		{"no key", synth.HostedParams{Voice: "v"}, "hi", "API key is required for ElevenLabs synthesis."},
		{"no voice", synth.HostedParams{Credential: goodKey}, "hi", "No ElevenLabs voice ID selected."},
		{"no text", synth.HostedParams{Credential: goodKey, Voice: "v"}, "  ", "No text entered for synthesis."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{}
			a := newTestAdapter(t, api, nil)
			res := a.Synthesize(context.Background(), synth.Request{
				Text: tc.text, Params: tc.params, OutputPath: filepath.Join(t.TempDir(), "o.wav"),
			})
			if res.OK || res.Message != tc.want {
				t.Errorf("result = %v %q, want failure %q", res.OK, res.Message, tc.want)
			}
			if api.requests.Load() != 0 {
				t.Errorf("requests = %d, want 0", api.requests.Load())
			}
		})
	}
}

func TestSynthesize_NoModel(t *testing.T) {
	a := newTestAdapter(t, &fakeAPI{}, nil, func(c *config.HostedConfig) { c.DefaultModel = "" })
	res := a.Synthesize(context.Background(), synth.Request{
		Text: "hi", Params: synth.HostedParams{Credential: goodKey, Voice: "v"},
		OutputPath: filepath.Join(t.TempDir(), "o.wav"),
	})
	if res.Message != "No ElevenLabs model ID selected." {
		t.Errorf("message = %q", res.Message)
	}
}

func TestSynthesize_RemoteErrors(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
		kind synth.Kind
		want string
	}{
		{"auth", 401, `{"detail":{"message":"bad key"}}`, synth.KindRemoteAuth,
			"ElevenLabs Error: Authentication Error (401): Check API Key."},
		{"quota", 402, `{"detail":{"message":"quota"}}`, synth.KindRemoteQuota,
			"ElevenLabs Error: Quota Error (402): Character limit likely reached."},
		{"validation", 422, `{"detail":[{"loc":["body","text"],"msg":"field required"}]}`, synth.KindRemoteValidation,
			"ElevenLabs Error: Validation Error (422): field required (Field: body -> text)"},
		{"server", 500, `upstream exploded`, synth.KindRemoteGeneric,
			"ElevenLabs Error: HTTP Error (500): upstream exploded"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAdapter(t, &fakeAPI{ttsCode: tc.code, ttsBody: tc.body}, nil)
			res := a.Synthesize(context.Background(), synth.Request{
				Text:       "hi",
				Params:     synth.HostedParams{Credential: goodKey, Voice: "21m00Tcm4TlvDq8ikWAM"},
				OutputPath: filepath.Join(t.TempDir(), "o.wav"),
			})
			if res.OK || res.Kind != tc.kind || res.Message != tc.want {
				t.Errorf("result = %s %q, want %s %q", res.Kind, res.Message, tc.kind, tc.want)
			}
		})
	}
}

func TestSynthesize_ResolvesVoiceName(t *testing.T) {
	api := &fakeAPI{mp3: []byte("ID3")}
	a := newTestAdapter(t, api, audio.NoTranscoder{})
	for _, ref := range []string{"Rachel", "rachel", "Rachael"} {
		res := a.Synthesize(context.Background(), synth.Request{
			Text:       "hi",
			Params:     synth.HostedParams{Credential: goodKey, Voice: ref},
			OutputPath: filepath.Join(t.TempDir(), "o.wav"),
		})
		if !res.OK {
			t.Fatalf("%s: %s", ref, res.Message)
		}
		if api.lastVoice != "21m00Tcm4TlvDq8ikWAM" {
			t.Errorf("%s resolved to %q", ref, api.lastVoice)
		}
	}
}

func TestSynthesize_BreakerOpens(t *testing.T) {
	api := &fakeAPI{ttsCode: 503, ttsBody: "overloaded"}
	a := newTestAdapter(t, api, nil, func(c *config.HostedConfig) {
		c.Breaker = config.BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}
	})
	req := synth.Request{
		Text:       "hi",
		Params:     synth.HostedParams{Credential: goodKey, Voice: "21m00Tcm4TlvDq8ikWAM"},
		OutputPath: filepath.Join(t.TempDir(), "o.wav"),
	}
	a.Synthesize(context.Background(), req)
	a.Synthesize(context.Background(), req)
	if a.BreakerState() != resilience.StateOpen {
		t.Fatalf("breaker = %s, want open", a.BreakerState())
	}
	before := api.requests.Load()
	res := a.Synthesize(context.Background(), req)
	if res.OK || res.Kind != synth.KindRemoteGeneric {
		t.Errorf("result = %+v", res)
	}
	if api.requests.Load() != before {
		t.Error("open breaker should not send requests")
	}
}

func TestSynthesize_AuthErrorsDoNotTripBreaker(t *testing.T) {
	a := newTestAdapter(t, &fakeAPI{}, nil, func(c *config.HostedConfig) {
		c.Breaker = config.BreakerConfig{MaxFailures: 1}
	})
	for range 3 {
		a.Synthesize(context.Background(), synth.Request{
			Text:       "hi",
			Params:     synth.HostedParams{Credential: "sk_bad", Voice: "21m00Tcm4TlvDq8ikWAM"},
			OutputPath: filepath.Join(t.TempDir(), "o.wav"),
		})
	}
	if a.BreakerState() != resilience.StateClosed {
		t.Errorf("breaker = %s, want closed", a.BreakerState())
	}
}

func TestSynthesize_EmptyAudio(t *testing.T) {
	a := newTestAdapter(t, &fakeAPI{}, nil)
	res := a.Synthesize(context.Background(), synth.Request{
		Text:       "hi",
		Params:     synth.HostedParams{Credential: goodKey, Voice: "21m00Tcm4TlvDq8ikWAM"},
		OutputPath: filepath.Join(t.TempDir(), "o.wav"),
	})
	if res.OK || res.Kind != synth.KindEmptyOutput {
		t.Errorf("result = %+v", res)
	}
}

func TestErrorDetail(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"detail":"plain"}`, "plain"},
		{`{"detail":{"status":"x","message":"from object"}}`, "from object"},
		{`{"detail":[{"loc":["body",0],"msg":"bad"}]}`, "bad (Field: body -> 0)"},
		{`{"detail":[{"msg":"no loc"}]}`, "no loc"},
		{`not json`, "not json"},
	}
	for _, tc := range tests {
		if got := ErrorDetail([]byte(tc.body)); got != tc.want {
			t.Errorf("ErrorDetail(%s) = %q, want %q", tc.body, got, tc.want)
		}
	}
}

func TestVoiceResolver(t *testing.T) {
	voices := []Voice{
		{ID: "id-rachel", Name: "Rachel"},
		{ID: "id-dom", Name: "Domi"},
		{ID: "id-arnold", Name: "Arnold"},
	}
	r := NewVoiceResolver()
	tests := []struct {
		ref    string
		wantID string
		how    Match
	}{
		{"id-dom", "id-dom", MatchID},
		{"Arnold", "id-arnold", MatchName},
		{"ARNOLD", "id-arnold", MatchFold},
		{"Rachael", "id-rachel", MatchPhonetic},
		{"Zebediah", "", MatchNone},
		{"", "", MatchNone},
	}
	for _, tc := range tests {
		v, how := r.Resolve(tc.ref, voices)
		if v.ID != tc.wantID || how != tc.how {
			t.Errorf("Resolve(%q) = %q/%s, want %q/%s", tc.ref, v.ID, how, tc.wantID, tc.how)
		}
	}
}
