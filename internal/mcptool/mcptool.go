// Package mcptool exposes the synthesis engine to agents as an MCP server.
//
// Two tools are registered:
//
//   - synthesize renders text with one backend and returns the output path.
//   - voices lists what a backend can speak with: cloning models,
//     lightweight voice files, generative presets or hosted voices.
//
// Hosted credentials are only accepted by label. Raw keys never pass
// through the tool surface.
package mcptool

import (
	"context"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/polyvox/internal/engine"
	"github.com/MrWong99/polyvox/internal/observe"
	"github.com/MrWong99/polyvox/pkg/synth"
)

// Option configures the server built by [New].
type Option func(*options)

type options struct {
	version string
	metrics *observe.Metrics
}

// WithVersion sets the implementation version reported to clients.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithMetrics records every tool call to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// SynthesizeInput is the argument object of the synthesize tool.
type SynthesizeInput struct {
	Backend     string `json:"backend" jsonschema:"backend key: cloning, lightweight, generative or hosted"`
	Text        string `json:"text" jsonschema:"the text to speak"`
	Model       string `json:"model,omitempty" jsonschema:"cloning model key, generative checkpoint or hosted model id"`
	Language    string `json:"language,omitempty" jsonschema:"language code for the cloning backend"`
	ModelName   string `json:"model_name,omitempty" jsonschema:"lightweight voice name as listed by the voices tool"`
	VoicePreset string `json:"voice_preset,omitempty" jsonschema:"generative speaker preset"`
	Voice       string `json:"voice,omitempty" jsonschema:"hosted voice id or display name"`
	KeyName     string `json:"key_name,omitempty" jsonschema:"label of a provisioned hosted credential"`
}

// SynthesizeOutput is the result of a successful synthesize call.
type SynthesizeOutput struct {
	Message  string  `json:"message"`
	Path     string  `json:"path"`
	Degraded bool    `json:"degraded"`
	Duration float64 `json:"duration_seconds"`
}

// VoicesInput is the argument object of the voices tool.
type VoicesInput struct {
	Backend string `json:"backend" jsonschema:"backend key to list voices for"`
	KeyName string `json:"key_name,omitempty" jsonschema:"label of a provisioned hosted credential"`
}

// Voice is one selectable voice.
type Voice struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// VoicesOutput is the result of the voices tool.
type VoicesOutput struct {
	Backend string  `json:"backend"`
	Voices  []Voice `json:"voices"`
}

type tools struct {
	eng     *engine.Engine
	metrics *observe.Metrics
}

// New returns an MCP server whose tools are served by eng.
func New(eng *engine.Engine, opts ...Option) *mcpsdk.Server {
	o := options{version: "dev"}
	for _, fn := range opts {
		fn(&o)
	}
	t := &tools{eng: eng, metrics: o.metrics}

	s := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "polyvox", Version: o.version}, nil)
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "synthesize",
		Description: "Render text to speech with one of the configured backends and save it as a WAV file.",
	}, t.synthesize)
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "voices",
		Description: "List the voices, presets or models a backend can speak with.",
	}, t.voices)
	return s
}

// Handler serves s over the streamable HTTP transport.
func Handler(s *mcpsdk.Server) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s }, nil)
}

func (t *tools) record(ctx context.Context, tool string, err error) {
	if t.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	t.metrics.RecordToolCall(ctx, tool, status)
}

func (t *tools) synthesize(ctx context.Context, _ *mcpsdk.CallToolRequest, in SynthesizeInput) (_ *mcpsdk.CallToolResult, out SynthesizeOutput, err error) {
	defer func() { t.record(ctx, "synthesize", err) }()

	backend := strings.TrimSpace(in.Backend)
	req := synth.Request{
		Text:       in.Text,
		Backend:    backend,
		OutputPath: t.eng.OutputPath(backend),
	}
	switch backend {
	case synth.BackendCloning:
		req.Params = synth.CloningParams{Language: in.Language, Model: in.Model}
	case synth.BackendLightweight:
		name := strings.TrimSuffix(strings.TrimSpace(in.ModelName), ".onnx")
		if name == "" || strings.ContainsAny(name, `/\`) {
			return nil, out, synth.Errorf(synth.KindInvalidRequest, backend, "A lightweight voice name from the voices tool is required.")
		}
		req.Params = synth.LightweightParams{ModelPath: name + ".onnx", ConfigPath: name + ".onnx.json"}
	case synth.BackendGenerative:
		req.Params = synth.GenerativeParams{VoicePreset: in.VoicePreset, Model: in.Model}
	case synth.BackendHosted:
		key, err := t.credential(ctx, in.KeyName)
		if err != nil {
			return nil, out, err
		}
		req.Params = synth.HostedParams{Credential: key, Voice: in.Voice, Model: in.Model}
	}

	res := t.eng.Synthesize(ctx, req)
	if !res.OK {
		return nil, out, &synth.Error{Kind: res.Kind, Backend: backend, Msg: res.Message}
	}
	return nil, SynthesizeOutput{
		Message:  res.Message,
		Path:     res.Path,
		Degraded: res.Degraded,
		Duration: res.Elapsed.Seconds(),
	}, nil
}

// credential resolves a provisioned label. An empty label defers to the
// hosted backend's cached credential.
func (t *tools) credential(ctx context.Context, label string) (string, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", nil
	}
	raw, ok := t.eng.Credential(label)
	if !ok {
		return "", synth.Errorf(synth.KindRemoteAuth, synth.BackendHosted, "Invalid or missing API key (%s) provided.", label)
	}
	if v := t.eng.ValidateCredential(ctx, raw); v != "" {
		return v, nil
	}
	return "", synth.Errorf(synth.KindRemoteAuth, synth.BackendHosted, "Invalid or missing API key (%s) provided.", label)
}

func (t *tools) voices(ctx context.Context, _ *mcpsdk.CallToolRequest, in VoicesInput) (_ *mcpsdk.CallToolResult, out VoicesOutput, err error) {
	defer func() { t.record(ctx, "voices", err) }()

	out.Backend = in.Backend
	out.Voices = []Voice{}
	switch in.Backend {
	case synth.BackendCloning:
		c, err := t.eng.Cloning()
		if err != nil {
			return nil, out, err
		}
		for _, m := range c.Models() {
			out.Voices = append(out.Voices, Voice{Name: m.Name, ID: m.Key})
		}
	case synth.BackendLightweight:
		lw, err := t.eng.Lightweight()
		if err != nil {
			return nil, out, err
		}
		files, err := lw.Voices()
		if err != nil {
			return nil, out, err
		}
		for _, f := range files {
			out.Voices = append(out.Voices, Voice{Name: f.Name, ID: f.Name})
		}
	case synth.BackendGenerative:
		g, err := t.eng.Generative()
		if err != nil {
			return nil, out, err
		}
		for _, p := range g.Presets() {
			out.Voices = append(out.Voices, Voice{Name: p, ID: p})
		}
	case synth.BackendHosted:
		key, err := t.credential(ctx, in.KeyName)
		if err != nil {
			return nil, out, err
		}
		voices, err := t.eng.FetchVoices(ctx, key)
		if err != nil {
			return nil, out, err
		}
		for _, v := range voices {
			out.Voices = append(out.Voices, Voice{Name: v.Name, ID: v.ID})
		}
	default:
		return nil, out, synth.Errorf(synth.KindConfiguration, in.Backend, "Unknown TTS engine: %s", in.Backend)
	}
	return nil, out, nil
}
