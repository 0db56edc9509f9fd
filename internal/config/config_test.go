package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/polyvox/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: info
  job_retention: 30m

device:
  mode: cuda
  refresh: 1m

cache:
  capacity: 4

output:
  dir: /var/lib/polyvox/out
  sample_rate: 24000
  channels: 1
  ffmpeg: /usr/bin/ffmpeg

backends:
  cloning:
    server_url: http://localhost:8002
    default_model: xtts_v2
    models:
      xtts_v2:
        name: XTTSv2 (Multilingual)
        model_path: tts_models/multilingual/multi-dataset/xtts_v2
        languages: [en, nl, de]
        type: xtts
      vctk_vits:
        name: VCTK-VITS (Multi-Speaker)
        model_path: tts_models/en/vctk/vits
        languages: [en]
        type: multispeaker
        server_url: http://localhost:5002
  lightweight:
    binary: /opt/piper/piper
    model_dir: /models/piper
  generative:
    server_url: http://localhost:8003
  hosted:
    credentials:
      - label: studio
        env: ELEVENLABS_API_KEY

mcp:
  enabled: true
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.JobRetention != 30*time.Minute {
		t.Errorf("server.job_retention: got %s, want 30m", cfg.Server.JobRetention)
	}
	if cfg.Device.Mode != "cuda" || cfg.Device.Refresh != time.Minute {
		t.Errorf("device: got %+v", cfg.Device)
	}
	if cfg.Cache.Capacity != 4 {
		t.Errorf("cache.capacity: got %d, want 4", cfg.Cache.Capacity)
	}

	c := cfg.Backends.Cloning
	if c == nil {
		t.Fatal("backends.cloning: got nil")
	}
	if len(c.Models) != 2 {
		t.Fatalf("cloning models: got %d, want 2", len(c.Models))
	}
	vctk := c.Models["vctk_vits"]
	if vctk.Type != config.ModelMultiSpeaker {
		t.Errorf("vctk_vits.type: got %q", vctk.Type)
	}
	if vctk.APIMode != "standard" {
		t.Errorf("vctk_vits.api_mode default: got %q, want standard", vctk.APIMode)
	}
	if c.Models["xtts_v2"].APIMode != "xtts" {
		t.Errorf("xtts_v2.api_mode default: got %q, want xtts", c.Models["xtts_v2"].APIMode)
	}
	if cfg.Backends.Hosted.Credentials[0].Env != "ELEVENLABS_API_KEY" {
		t.Errorf("hosted credential env: got %q", cfg.Backends.Hosted.Credentials[0].Env)
	}
	if !cfg.MCP.Enabled || cfg.MCP.Path != "/mcp" {
		t.Errorf("mcp: got %+v", cfg.MCP)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	// An empty config should succeed (no required top-level fields).
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr default: got %q", cfg.Server.ListenAddr)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen: \":80\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &config.Config{Backends: config.BackendsConfig{
		Cloning:    &config.CloningConfig{ServerURL: "http://x"},
		Generative: &config.GenerativeConfig{ServerURL: "http://y"},
		Hosted:     &config.HostedConfig{},
	}}
	config.ApplyDefaults(cfg)

	c := cfg.Backends.Cloning
	if c.DefaultModel != "xtts_v2" || c.FallbackLanguage != "en" || c.DefaultSpeaker != "p225" {
		t.Errorf("cloning defaults: got model=%q lang=%q speaker=%q", c.DefaultModel, c.FallbackLanguage, c.DefaultSpeaker)
	}
	if _, ok := c.Models["tacotron2_ddc"]; !ok {
		t.Error("default model table missing tacotron2_ddc")
	}
	g := cfg.Backends.Generative
	if g.DefaultModel != "suno/bark-small" || g.HalfPrecisionMajor != 7 {
		t.Errorf("generative defaults: got %+v", g)
	}
	if len(g.Presets) != 23 {
		t.Errorf("generative presets: got %d, want 23", len(g.Presets))
	}
	h := cfg.Backends.Hosted
	if h.DefaultModel != "eleven_multilingual_v2" || len(h.Models) != 3 {
		t.Errorf("hosted defaults: got model=%q models=%v", h.DefaultModel, h.Models)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_InvalidLogLevel(t *testing.T) {
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		mention string
	}{
		{
			name:    "device mode",
			yaml:    "device:\n  mode: tpu\n",
			mention: "device.mode",
		},
		{
			name:    "negative capacity",
			yaml:    "cache:\n  capacity: -1\n",
			mention: "cache.capacity",
		},
		{
			name:    "channels",
			yaml:    "output:\n  channels: 6\n",
			mention: "output.channels",
		},
		{
			name:    "tls half configured",
			yaml:    "server:\n  tls:\n    cert_file: a.pem\n",
			mention: "server.tls",
		},
		{
			name: "cloning model type",
			yaml: `
backends:
  cloning:
    server_url: http://localhost:8002
    models:
      odd:
        model_path: x
        type: robot
`,
			mention: "type",
		},
		{
			name: "cloning model without server",
			yaml: `
backends:
  cloning:
    models:
      xtts_v2:
        model_path: tts_models/multilingual/multi-dataset/xtts_v2
`,
			mention: "server_url",
		},
		{
			name:    "generative requires server",
			yaml:    "backends:\n  generative: {}\n",
			mention: "backends.generative.server_url",
		},
		{
			name:    "hosted bad url",
			yaml:    "backends:\n  hosted:\n    base_url: ftp://example.com\n",
			mention: "base_url",
		},
		{
			name: "hosted credential env",
			yaml: `
backends:
  hosted:
    credentials:
      - label: main
`,
			mention: "env is required",
		},
		{
			name:    "mcp path",
			yaml:    "mcp:\n  enabled: true\n  path: mcp\n",
			mention: "mcp.path",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.mention) {
				t.Errorf("error should mention %q, got: %v", tc.mention, err)
			}
		})
	}
}

func TestModelType(t *testing.T) {
	for _, mt := range []config.ModelType{config.ModelXTTS, config.ModelStandard, config.ModelMultiSpeaker, config.ModelFast} {
		if !mt.IsValid() {
			t.Errorf("%q should be valid", mt)
		}
	}
	if config.ModelType("robot").IsValid() {
		t.Error("robot should be invalid")
	}
	if !config.ModelXTTS.Cloning() || config.ModelStandard.Cloning() {
		t.Error("only xtts models clone")
	}
}

func TestCloningModel_Enabled(t *testing.T) {
	off := false
	if (config.CloningModel{Enabled: &off}).IsEnabled() {
		t.Error("explicitly disabled model reported enabled")
	}
	if !(config.CloningModel{}).IsEnabled() {
		t.Error("models are enabled by default")
	}
}
