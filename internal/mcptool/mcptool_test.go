package mcptool_test

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/polyvox/internal/backend/generative"
	"github.com/MrWong99/polyvox/internal/config"
	"github.com/MrWong99/polyvox/internal/engine"
	"github.com/MrWong99/polyvox/internal/engine/mock"
	"github.com/MrWong99/polyvox/internal/mcptool"
	"github.com/MrWong99/polyvox/internal/observe"
	"github.com/MrWong99/polyvox/internal/resource"
	"github.com/MrWong99/polyvox/pkg/audio"
	"github.com/MrWong99/polyvox/pkg/synth"
)

// silence is a generative model that returns a few samples of silence.
type silence struct{}

func (silence) Generate(context.Context, string, string) (generative.Tensor, error) {
	pcm := audio.FromFloat32([]float32{0, 0, 0}, 24000, 1)
	return generative.Tensor{Data: pcm.Data, Encoding: pcm.Encoding}, nil
}

func (silence) SampleRate() int { return 24000 }

type env struct {
	session *mcpsdk.ClientSession
	reader  *sdkmetric.ManualReader
	clone   *mock.Adapter
	cfg     *config.Config
}

func setup(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	clone := &mock.Adapter{
		Key: synth.BackendCloning,
		SynthesizeFunc: func(_ context.Context, req synth.Request) synth.Result {
			if strings.TrimSpace(req.Text) == "" {
				return synth.Result{Message: "No text entered for synthesis.", Kind: synth.KindInvalidRequest}
			}
			if err := os.WriteFile(req.OutputPath, []byte("RIFF"), 0o644); err != nil {
				return synth.Result{Message: err.Error(), Kind: synth.KindSynthesis}
			}
			return synth.Result{OK: true, Path: req.OutputPath, Message: "Audio successfully saved to " + req.OutputPath}
		},
	}
	reg := engine.NewRegistry()
	reg.Register(synth.BackendCloning, func(engine.Deps) (synth.Adapter, error) { return clone, nil })
	reg.Register(synth.BackendGenerative, func(d engine.Deps) (synth.Adapter, error) {
		return generative.New(d.Config.Backends.Generative, d.Cache, d.Normalizer, generative.WithLoader(
			func(context.Context, string, resource.Device, generative.Precision) (generative.Model, error) {
				return silence{}, nil
			}))
	})

	cfg := &config.Config{}
	cfg.Output.Dir = t.TempDir()
	cfg.Backends.Generative = &config.GenerativeConfig{ServerURL: "http://localhost:8003"}
	config.ApplyDefaults(cfg)

	eng, err := engine.New(cfg,
		engine.WithRegistry(reg),
		engine.WithSelector(resource.Static(resource.CPU)),
		engine.WithTranscoder(audio.NoTranscoder{}))
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	srv := mcptool.New(eng, mcptool.WithMetrics(metrics), mcptool.WithVersion("test"))
	ct, st := mcpsdk.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "polyvox-test", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	return &env{session: cs, reader: reader, clone: clone, cfg: cfg}
}

func text(res *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

func decode[T any](t *testing.T, res *mcpsdk.CallToolResult) T {
	t.Helper()
	var out T
	raw, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatalf("marshal structured content: %v", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode structured content %s: %v", raw, err)
	}
	return out
}

func TestListTools(t *testing.T) {
	e := setup(t)
	var names []string
	for tool, err := range e.session.Tools(context.Background(), nil) {
		if err != nil {
			t.Fatalf("list tools: %v", err)
		}
		names = append(names, tool.Name)
	}
	if strings.Join(names, ",") != "synthesize,voices" {
		t.Errorf("tools = %v", names)
	}
}

func TestSynthesize(t *testing.T) {
	e := setup(t)
	res, err := e.session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "synthesize",
		Arguments: map[string]any{"backend": "cloning", "text": "hello", "language": "de", "model": "xtts_v2"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", text(res))
	}
	out := decode[mcptool.SynthesizeOutput](t, res)
	if !strings.HasPrefix(out.Path, e.cfg.Output.Dir) || !strings.HasSuffix(out.Path, ".wav") {
		t.Errorf("path = %q", out.Path)
	}
	if _, err := os.Stat(out.Path); err != nil {
		t.Errorf("output missing: %v", err)
	}
	calls := e.clone.CallsSnapshot()
	if len(calls) != 1 || calls[0].Params != (synth.CloningParams{Language: "de", Model: "xtts_v2"}) {
		t.Errorf("calls = %+v", calls)
	}
}

func TestSynthesize_Errors(t *testing.T) {
	e := setup(t)
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"adapter failure", map[string]any{"backend": "cloning", "text": " "}, "No text entered for synthesis."},
		{"unknown backend", map[string]any{"backend": "festival", "text": "x"}, "Unknown TTS engine: festival"},
		{"disabled backend", map[string]any{"backend": "hosted", "text": "x", "key_name": "team"}, "Invalid or missing API key (team) provided."},
		{"lightweight path", map[string]any{"backend": "lightweight", "text": "x", "model_name": "../x"}, "A lightweight voice name"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := e.session.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: "synthesize", Arguments: tc.args})
			if err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			if !res.IsError || !strings.Contains(text(res), tc.want) {
				t.Errorf("result = %v %q, want error containing %q", res.IsError, text(res), tc.want)
			}
		})
	}
}

func TestVoices(t *testing.T) {
	e := setup(t)
	res, err := e.session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "voices",
		Arguments: map[string]any{"backend": "generative"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", text(res))
	}
	out := decode[mcptool.VoicesOutput](t, res)
	if len(out.Voices) != len(config.DefaultGenerativePresets()) || out.Voices[0].ID != "v2/en_speaker_0" {
		t.Errorf("voices = %+v", out.Voices)
	}

	res, err = e.session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "voices",
		Arguments: map[string]any{"backend": "lightweight"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError || !strings.Contains(text(res), "The lightweight backend is not enabled.") {
		t.Errorf("lightweight voices = %v %q", res.IsError, text(res))
	}
}

func TestToolCallsAreRecorded(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	_, _ = e.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: "voices", Arguments: map[string]any{"backend": "generative"}})
	_, _ = e.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: "voices", Arguments: map[string]any{"backend": "nope"}})

	var rm metricdata.ResourceMetrics
	if err := e.reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "polyvox.tool.calls" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				status, _ := dp.Attributes.Value("status")
				counts[status.AsString()] += dp.Value
			}
		}
	}
	if counts["ok"] != 1 || counts["error"] != 1 {
		t.Errorf("tool call counts = %v", counts)
	}
}
