package config

import (
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/MrWong99/polyvox/pkg/synth"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultOutputDir        = "audio_output"
	DefaultCloningModel     = "xtts_v2"
	DefaultFallbackLanguage = "en"
	DefaultSpeaker          = "p225"
	DefaultGenerativeModel  = "suno/bark-small"
	DefaultGenerativePreset = "v2/en_speaker_6"
	DefaultHostedBaseURL    = "https://api.elevenlabs.io"
	DefaultHostedModel      = "eleven_multilingual_v2"
	DefaultMCPPath          = "/mcp"
	DefaultServiceName      = "polyvox"
	DefaultMaxUploadBytes   = 20 << 20
)

// xttsLanguages is the declared language set of the XTTS v2 checkpoint.
var xttsLanguages = []string{
	"en", "es", "fr", "de", "it", "pt", "pl", "tr", "ru", "nl", "cs", "ar", "zh-cn", "ja", "hu", "ko", "hi",
}

// DefaultCloningModels is the model table served when none is configured.
func DefaultCloningModels() map[string]CloningModel {
	return map[string]CloningModel{
		"xtts_v2": {
			Name:        "XTTSv2 (Multilingual)",
			ModelPath:   "tts_models/multilingual/multi-dataset/xtts_v2",
			Description: "Latest XTTS model with best quality and multilingual support",
			Languages:   slices.Clone(xttsLanguages),
			Type:        ModelXTTS,
		},
		"tacotron2_ddc": {
			Name:        "Tacotron2-DDC (English)",
			ModelPath:   "tts_models/en/ljspeech/tacotron2-DDC",
			Description: "High quality English model",
			Languages:   []string{"en"},
			Type:        ModelStandard,
		},
	}
}

// DefaultHostedModels are the hosted model ids advertised when none are
// configured.
func DefaultHostedModels() []string {
	return []string{"eleven_multilingual_v2", "eleven_multilingual_v1", "eleven_monolingual_v1"}
}

// DefaultGenerativePresets lists the speaker presets advertised when none are
// configured.
func DefaultGenerativePresets() []string {
	presets := make([]string, 0, 24)
	for i := range 10 {
		presets = append(presets, "v2/en_speaker_"+strconv.Itoa(i))
	}
	for _, lang := range []string{"de", "es", "fr", "it", "ja", "ko", "pl", "pt", "ru", "tr", "zh"} {
		presets = append(presets, "v2/"+lang+"_speaker_1")
	}
	return append(presets, "v2/nl_speaker_0", "v2/nl_speaker_1")
}

// ApplyDefaults fills unset fields of cfg in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Device.Mode == "" {
		cfg.Device.Mode = "auto"
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = DefaultOutputDir
	}
	if cfg.MCP.Path == "" {
		cfg.MCP.Path = DefaultMCPPath
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}

	if c := cfg.Backends.Cloning; c != nil {
		if c.DefaultModel == "" {
			c.DefaultModel = DefaultCloningModel
		}
		if c.FallbackLanguage == "" {
			c.FallbackLanguage = DefaultFallbackLanguage
		}
		if c.DefaultSpeaker == "" {
			c.DefaultSpeaker = DefaultSpeaker
		}
		if c.Timeout == 0 {
			c.Timeout = 5 * time.Minute
		}
		if len(c.Models) == 0 {
			c.Models = DefaultCloningModels()
		}
		for key, m := range c.Models {
			if m.Type == "" {
				m.Type = ModelXTTS
			}
			if m.Name == "" {
				m.Name = key
			}
			if m.APIMode == "" {
				m.APIMode = "standard"
				if m.Type.Cloning() {
					m.APIMode = "xtts"
				}
			}
			c.Models[key] = m
		}
	}
	if l := cfg.Backends.Lightweight; l != nil && l.Binary == "" {
		l.Binary = "piper"
	}
	if g := cfg.Backends.Generative; g != nil {
		if g.DefaultModel == "" {
			g.DefaultModel = DefaultGenerativeModel
		}
		if g.DefaultPreset == "" {
			g.DefaultPreset = DefaultGenerativePreset
		}
		if len(g.Presets) == 0 {
			g.Presets = DefaultGenerativePresets()
		}
		if g.HalfPrecisionMajor == 0 {
			g.HalfPrecisionMajor = 7
		}
		if g.Timeout == 0 {
			g.Timeout = 10 * time.Minute
		}
	}
	if h := cfg.Backends.Hosted; h != nil {
		if h.BaseURL == "" {
			h.BaseURL = DefaultHostedBaseURL
		}
		if h.DefaultModel == "" {
			h.DefaultModel = DefaultHostedModel
		}
		if len(h.Models) == 0 {
			h.Models = DefaultHostedModels()
		}
		if h.Timeout == 0 {
			h.Timeout = 60 * time.Second
		}
	}
}

// BackendDescriptor identifies a synthesis backend in the static catalog.
// Descriptors are built once from configuration and never mutated.
type BackendDescriptor struct {
	Key                string            `json:"key"`
	DisplayName        string            `json:"display_name"`
	SupportsCloning    bool              `json:"supports_cloning"`
	SupportsMulti      bool              `json:"supports_multi_speaker"`
	RequiresCredential bool              `json:"requires_credential"`
	Languages          []string          `json:"languages,omitempty"`
	Locator            string            `json:"locator"`
	Models             []ModelDescriptor `json:"models,omitempty"`
}

// ModelDescriptor is one selectable model of a backend.
type ModelDescriptor struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Type        string   `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
	Languages   []string `json:"languages,omitempty"`
	Default     bool     `json:"default,omitempty"`
}

// Catalog derives the static backend catalog from cfg. cfg must have had
// [ApplyDefaults] applied. Backends appear in a fixed order.
func Catalog(cfg *Config) []BackendDescriptor {
	var out []BackendDescriptor

	if c := cfg.Backends.Cloning; c != nil {
		d := BackendDescriptor{
			Key:         synth.BackendCloning,
			DisplayName: "Multilingual voice cloning",
			Locator:     c.ServerURL,
		}
		for _, key := range slices.Sorted(maps.Keys(c.Models)) {
			m := c.Models[key]
			if !m.IsEnabled() {
				continue
			}
			d.SupportsCloning = d.SupportsCloning || m.Type.Cloning()
			d.SupportsMulti = d.SupportsMulti || m.Type == ModelMultiSpeaker
			for _, lang := range m.Languages {
				if !slices.Contains(d.Languages, lang) {
					d.Languages = append(d.Languages, lang)
				}
			}
			d.Models = append(d.Models, ModelDescriptor{
				Key:         key,
				Name:        m.Name,
				Type:        string(m.Type),
				Description: m.Description,
				Languages:   m.Languages,
				Default:     key == c.DefaultModel,
			})
		}
		out = append(out, d)
	}

	if l := cfg.Backends.Lightweight; l != nil {
		out = append(out, BackendDescriptor{
			Key:         synth.BackendLightweight,
			DisplayName: "Offline lightweight voices",
			Locator:     l.ModelDir,
		})
	}

	if g := cfg.Backends.Generative; g != nil {
		d := BackendDescriptor{
			Key:           synth.BackendGenerative,
			DisplayName:   "Generative audio",
			SupportsMulti: true,
			Locator:       g.DefaultModel,
			Models:        []ModelDescriptor{{Key: g.DefaultModel, Name: g.DefaultModel, Default: true}},
		}
		out = append(out, d)
	}

	if h := cfg.Backends.Hosted; h != nil {
		d := BackendDescriptor{
			Key:                synth.BackendHosted,
			DisplayName:        "Hosted cloud voices",
			SupportsMulti:      true,
			RequiresCredential: true,
			Locator:            h.BaseURL,
		}
		for _, m := range h.Models {
			d.Models = append(d.Models, ModelDescriptor{Key: m, Name: m, Default: m == h.DefaultModel})
		}
		out = append(out, d)
	}
	return out
}
