// Package config provides the configuration schema, loader, hot-reload watcher
// and static backend catalog for the polyvox synthesis service.
package config

import (
	"slices"
	"time"
)

// LogLevel controls log verbosity for the polyvox server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ModelType classifies an entry of the cloning model table.
type ModelType string

const (
	// ModelXTTS is a cloning-capable multilingual model. It keeps the
	// caller's language even when the model does not declare it.
	ModelXTTS ModelType = "xtts"

	// ModelStandard is a single-speaker model.
	ModelStandard ModelType = "standard"

	// ModelMultiSpeaker is a model with built-in speakers; the configured
	// default speaker is used.
	ModelMultiSpeaker ModelType = "multispeaker"

	// ModelFast is a single-speaker model tuned for latency.
	ModelFast ModelType = "fast"
)

// IsValid reports whether t is a recognised model type.
func (t ModelType) IsValid() bool {
	switch t {
	case ModelXTTS, ModelStandard, ModelMultiSpeaker, ModelFast:
		return true
	}
	return false
}

// Cloning reports whether t supports reference-audio voice cloning.
func (t ModelType) Cloning() bool { return t == ModelXTTS }

// Config is the root configuration structure for polyvox.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Device    DeviceConfig    `yaml:"device"`
	Cache     CacheConfig     `yaml:"cache"`
	Output    OutputConfig    `yaml:"output"`
	Backends  BackendsConfig  `yaml:"backends"`
	MCP       MCPConfig       `yaml:"mcp"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the polyvox server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// JobRetention is how long finished asynchronous jobs stay queryable.
	// Zero keeps them for the lifetime of the process.
	JobRetention time.Duration `yaml:"job_retention"`

	// MaxUploadBytes bounds base64 reference-audio uploads. Zero selects
	// 20 MiB.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// DeviceConfig selects the compute device policy.
type DeviceConfig struct {
	// Mode is one of "auto" (default), "cpu" or "cuda".
	Mode string `yaml:"mode"`

	// Refresh is how long an accelerator probe result is reused. Zero probes
	// once per process.
	Refresh time.Duration `yaml:"refresh"`

	// NvidiaSMI overrides the accelerator probe executable.
	NvidiaSMI string `yaml:"nvidia_smi"`
}

// CacheConfig bounds the loaded-resource cache.
type CacheConfig struct {
	// Capacity is the maximum number of loaded resources kept at once.
	// Zero selects the default of 8.
	Capacity int `yaml:"capacity"`
}

// OutputConfig controls where and how audio is written.
type OutputConfig struct {
	// Dir is where front-ends place generated files when the caller does not
	// name an output path. Defaults to "audio_output".
	Dir string `yaml:"dir"`

	// TempDir receives decoded reference-audio uploads. Defaults to the OS
	// temp directory.
	TempDir string `yaml:"temp_dir"`

	// SampleRate, when non-zero, resamples in-memory PCM before it is
	// written.
	SampleRate int `yaml:"sample_rate"`

	// Channels, when non-zero, converts in-memory PCM to mono or stereo
	// before it is written.
	Channels int `yaml:"channels"`

	// FFmpeg is the transcoder executable. Empty selects "ffmpeg" from PATH;
	// "none" disables transcoding, so lossy deliveries are always degraded.
	FFmpeg string `yaml:"ffmpeg"`
}

// BackendsConfig enables the synthesis backends. A nil entry disables the
// backend.
type BackendsConfig struct {
	Cloning     *CloningConfig     `yaml:"cloning"`
	Lightweight *LightweightConfig `yaml:"lightweight"`
	Generative  *GenerativeConfig  `yaml:"generative"`
	Hosted      *HostedConfig      `yaml:"hosted"`
}

// CloningConfig configures the multilingual voice-cloning backend, served by
// a Coqui TTS / XTTS HTTP server.
type CloningConfig struct {
	// ServerURL is the default model server address.
	ServerURL string `yaml:"server_url"`

	// DefaultModel names the model table entry used when a request names
	// none or an unknown one. Defaults to "xtts_v2".
	DefaultModel string `yaml:"default_model"`

	// FallbackLanguage replaces unsupported languages for non-cloning models
	// and is the forced language of the third cascade strategy. Defaults to
	// "en".
	FallbackLanguage string `yaml:"fallback_language"`

	// DefaultSpeaker is the built-in speaker used by multi-speaker models.
	// Defaults to "p225".
	DefaultSpeaker string `yaml:"default_speaker"`

	// Timeout bounds a single request to the model server. Defaults to 5m.
	Timeout time.Duration `yaml:"timeout"`

	// Models is the model table, keyed by selector. When empty, xtts_v2 and
	// tacotron2_ddc are served.
	Models map[string]CloningModel `yaml:"models"`
}

// CloningModel is one entry of the cloning model table.
type CloningModel struct {
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`

	// Name is the display name, e.g. "XTTSv2 (Multilingual)".
	Name string `yaml:"name"`

	// ModelPath is the native model locator, e.g.
	// "tts_models/multilingual/multi-dataset/xtts_v2".
	ModelPath string `yaml:"model_path"`

	// Description is free text shown in the catalog.
	Description string `yaml:"description"`

	// Languages is the declared set of language codes.
	Languages []string `yaml:"languages"`

	// Type is the model variant. Defaults to "xtts".
	Type ModelType `yaml:"type"`

	// ServerURL overrides CloningConfig.ServerURL for this model.
	ServerURL string `yaml:"server_url"`

	// APIMode is "xtts" (POST /tts_to_audio/) or "standard" (GET /api/tts).
	// Defaults to "xtts" for cloning models and "standard" otherwise.
	APIMode string `yaml:"api_mode"`
}

// IsEnabled reports whether the model is served.
func (m CloningModel) IsEnabled() bool { return m.Enabled == nil || *m.Enabled }

// Supports reports whether lang is one of the declared languages.
func (m CloningModel) Supports(lang string) bool { return slices.Contains(m.Languages, lang) }

// LightweightConfig configures the offline file-based voice backend, driven
// through the piper executable.
type LightweightConfig struct {
	// Binary is the piper executable. Defaults to "piper" from PATH.
	Binary string `yaml:"binary"`

	// ModelDir is where voice model pairs are discovered for the catalog.
	ModelDir string `yaml:"model_dir"`

	// Args are extra command line arguments passed to every invocation.
	Args []string `yaml:"args"`
}

// GenerativeConfig configures the generative audio-token backend, served by
// an inference sidecar.
type GenerativeConfig struct {
	// ServerURL is the sidecar address.
	ServerURL string `yaml:"server_url"`

	// DefaultModel is used when a request names none. Defaults to
	// "suno/bark-small".
	DefaultModel string `yaml:"default_model"`

	// DefaultPreset is used when a request names no voice preset. Defaults
	// to "v2/en_speaker_6".
	DefaultPreset string `yaml:"default_preset"`

	// Presets overrides the advertised voice preset list.
	Presets []string `yaml:"presets"`

	// HalfPrecisionMajor is the minimum accelerator compute capability major
	// version for half-precision weights. Defaults to 7.
	HalfPrecisionMajor int `yaml:"half_precision_major"`

	// Timeout bounds one generation. Defaults to 10m.
	Timeout time.Duration `yaml:"timeout"`
}

// HostedConfig configures the hosted cloud backend.
type HostedConfig struct {
	// BaseURL overrides the API endpoint. Defaults to
	// "https://api.elevenlabs.io".
	BaseURL string `yaml:"base_url"`

	// DefaultModel is used when a request names none. Defaults to
	// "eleven_multilingual_v2".
	DefaultModel string `yaml:"default_model"`

	// Models overrides the advertised model ids.
	Models []string `yaml:"models"`

	// Timeout bounds a single API request. Defaults to 60s.
	Timeout time.Duration `yaml:"timeout"`

	// Credentials lists labelled environment variables whose values are
	// pre-provisioned candidate credentials.
	Credentials []CredentialSource `yaml:"credentials"`

	// Breaker configures the circuit breaker around synthesis calls.
	Breaker BreakerConfig `yaml:"breaker"`
}

// CredentialSource names an environment variable holding a credential.
type CredentialSource struct {
	Label string `yaml:"label"`
	Env   string `yaml:"env"`
}

// BreakerConfig tunes a circuit breaker. Zero values select the breaker's
// defaults.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// MCPConfig controls the agent-tool front-end.
type MCPConfig struct {
	// Enabled mounts the MCP streamable HTTP endpoint.
	Enabled bool `yaml:"enabled"`

	// Path is where the endpoint is mounted. Defaults to "/mcp".
	Path string `yaml:"path"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// ServiceName is reported as the service.name resource attribute.
	// Defaults to "polyvox".
	ServiceName string `yaml:"service_name"`
}
