// Package synth defines the uniform synthesis contract shared by every speech
// backend and every front-end.
//
// A caller builds a [Request] (text, backend key, backend-specific [Params],
// destination path) and hands it to an [Adapter]. The adapter returns a
// [Result]: a success flag plus a human-readable message that, on success,
// names the file that was actually written. Backend-native failures never
// leave an adapter as anything other than a Result with OK set to false; the
// classification of the failure is available through Result.Kind.
package synth

import (
	"context"
	"time"
)

// Backend keys of the four built-in synthesis backends.
const (
	BackendCloning     = "cloning"
	BackendLightweight = "lightweight"
	BackendGenerative  = "generative"
	BackendHosted      = "hosted"
)

// Adapter translates the uniform contract into one backend's native protocol.
//
// Implementations must be safe for concurrent use. Synthesize blocks for the
// full duration of resource loading and inference.
type Adapter interface {
	// Backend returns the stable backend key this adapter serves.
	Backend() string

	// Synthesize renders req.Text and writes the result to (a path derived
	// from) req.OutputPath. It never returns backend-specific errors; every
	// failure is reported through the returned Result.
	Synthesize(ctx context.Context, req Request) Result
}

// Request is a single caller-supplied synthesis request.
type Request struct {
	// Text is the text to speak. Must be non-empty after trimming.
	Text string

	// Backend selects the adapter (one of the Backend* keys).
	Backend string

	// Params carries the backend-specific parameters. Its concrete type must
	// match Backend.
	Params Params

	// OutputPath is the requested destination. The canonical extension is
	// appended or corrected when missing.
	OutputPath string
}

// Params is the sealed set of backend-specific parameter variants.
type Params interface {
	backend() string
}

// CloningParams parameterises the multilingual voice-cloning backend.
type CloningParams struct {
	// Language is the requested language code (e.g. "en", "nl").
	Language string
	// ReferenceAudio is an optional path to a speaker sample to clone.
	ReferenceAudio string
	// Model selects an entry of the cloning model table. Empty selects the
	// configured default.
	Model string
}

// LightweightParams parameterises the offline file-based voice backend.
type LightweightParams struct {
	// ModelPath is the voice model artifact (e.g. "en_US-lessac-medium.onnx").
	ModelPath string
	// ConfigPath is the voice configuration file accompanying ModelPath.
	ConfigPath string
}

// GenerativeParams parameterises the generative audio-token backend.
type GenerativeParams struct {
	// VoicePreset is the speaker preset identifier (e.g. "v2/en_speaker_6").
	VoicePreset string
	// Model names the generative checkpoint. Empty selects the default.
	Model string
}

// HostedParams parameterises the hosted cloud backend.
type HostedParams struct {
	// Credential authorises the call. Empty falls back to the last validated
	// credential, if any.
	Credential string
	// Voice is the remote voice id, or a display name to resolve.
	Voice string
	// Model is the remote model id. Empty selects the configured default.
	Model string
}

func (CloningParams) backend() string     { return BackendCloning }
func (LightweightParams) backend() string { return BackendLightweight }
func (GenerativeParams) backend() string  { return BackendGenerative }
func (HostedParams) backend() string      { return BackendHosted }

// BackendOf reports the backend key a Params value belongs to, or "" for nil.
func BackendOf(p Params) string {
	if p == nil {
		return ""
	}
	return p.backend()
}

// Result is the uniform outcome of a synthesis call.
type Result struct {
	// OK reports whether audio was delivered.
	OK bool

	// Message is the human-readable outcome. On success it names Path.
	Message string

	// Path is the materialised output file. It differs from the requested
	// path when delivery was degraded to a fallback container. Empty on
	// failure.
	Path string

	// Degraded is set when the output was delivered in a fallback container.
	Degraded bool

	// Kind classifies a failure. KindNone on success.
	Kind Kind

	// Elapsed is the wall-clock time of the attempt, success or not.
	Elapsed time.Duration
}

// Unpack returns the (success, message) pair every front-end integrates
// against.
func (r Result) Unpack() (bool, string) {
	return r.OK, r.Message
}
