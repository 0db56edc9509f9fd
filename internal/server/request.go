package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/polyvox/pkg/synth"
)

// defaultMaxUpload bounds decoded reference-audio uploads when the
// configuration leaves it unset.
const defaultMaxUpload = 20 << 20

// synthesizeRequest is the JSON body shared by the sync and job endpoints.
// Fields that do not apply to the selected backend are ignored.
type synthesizeRequest struct {
	Text string `json:"text"`

	// Backend is only read by POST /v1/jobs; the sync route takes it from
	// the path.
	Backend string `json:"backend,omitempty"`

	// Model selects the cloning table entry, the generative checkpoint or
	// the hosted model id.
	Model string `json:"model,omitempty"`

	// Cloning.
	Language     string `json:"language,omitempty"`
	SpeakerAudio string `json:"speaker_audio,omitempty"`

	// Lightweight. ModelName resolves to <model_dir>/<name>.onnx.
	ModelName string `json:"model_name,omitempty"`

	// Generative.
	VoicePreset string `json:"voice_preset,omitempty"`

	// Hosted. APIKey takes precedence over KeyName, the label of a
	// provisioned credential.
	APIKey  string `json:"api_key,omitempty"`
	KeyName string `json:"key_name,omitempty"`
	Voice   string `json:"voice,omitempty"`
}

// synthesizeResponse is returned by the sync endpoint.
type synthesizeResponse struct {
	Success  bool    `json:"success"`
	Message  string  `json:"message"`
	FileURL  string  `json:"file_url,omitempty"`
	Degraded bool    `json:"degraded,omitempty"`
	Kind     string  `json:"kind,omitempty"`
	Duration float64 `json:"duration_seconds"`
}

func newSynthesizeResponse(res synth.Result) synthesizeResponse {
	out := synthesizeResponse{
		Success:  res.OK,
		Message:  res.Message,
		Degraded: res.Degraded,
		Duration: res.Elapsed.Seconds(),
	}
	if res.OK {
		out.FileURL = fileURL(res.Path)
	} else {
		out.Kind = res.Kind.String()
	}
	return out
}

// fileURL is the download route of a generated file.
func fileURL(path string) string {
	return "/v1/files/" + filepath.Base(path)
}

// build turns a decoded body into a synthesis request for backend. The
// returned cleanup removes any temporary upload and is never nil.
func (s *Server) build(ctx context.Context, backend string, body synthesizeRequest) (synth.Request, func(), error) {
	req := synth.Request{
		Text:       body.Text,
		Backend:    backend,
		OutputPath: s.eng.OutputPath(backend),
	}
	cleanup := func() {}

	switch backend {
	case synth.BackendCloning:
		ref, rm, err := s.decodeUpload(body.SpeakerAudio)
		if err != nil {
			return req, cleanup, err
		}
		cleanup = rm
		req.Params = synth.CloningParams{Language: body.Language, ReferenceAudio: ref, Model: body.Model}
	case synth.BackendLightweight:
		name := strings.TrimSpace(body.ModelName)
		if name == "" {
			return req, cleanup, synth.Errorf(synth.KindInvalidRequest, backend, "No voice model selected.")
		}
		if filepath.Base(name) != name || name == "." || name == ".." {
			return req, cleanup, synth.Errorf(synth.KindInvalidRequest, backend, "Invalid voice model name: %s", name)
		}
		name = strings.TrimSuffix(name, ".onnx")
		req.Params = synth.LightweightParams{ModelPath: name + ".onnx", ConfigPath: name + ".onnx.json"}
	case synth.BackendGenerative:
		req.Params = synth.GenerativeParams{VoicePreset: body.VoicePreset, Model: body.Model}
	case synth.BackendHosted:
		key, err := s.credential(ctx, body.APIKey, body.KeyName)
		if err != nil {
			return req, cleanup, err
		}
		req.Params = synth.HostedParams{Credential: key, Voice: body.Voice, Model: body.Model}
	}
	return req, cleanup, nil
}

// decodeUpload writes a base64 speaker sample to a temporary file. Data URLs
// ("data:audio/wav;base64,...") are accepted. An empty payload yields no
// file.
func (s *Server) decodeUpload(payload string) (string, func(), error) {
	noop := func() {}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", noop, nil
	}
	if strings.HasPrefix(payload, "data:") {
		if i := strings.IndexByte(payload, ','); i >= 0 {
			payload = payload[i+1:]
		}
	}

	limit := s.maxUpload()
	if int64(base64.StdEncoding.DecodedLen(len(payload))) > limit+2 {
		return "", noop, synth.Errorf(synth.KindInvalidRequest, synth.BackendCloning,
			"Speaker audio exceeds the upload limit of %d bytes.", limit)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", noop, synth.Errorf(synth.KindInvalidRequest, synth.BackendCloning,
			"Speaker audio is not valid base64: %w", err)
	}

	f, err := os.CreateTemp(s.eng.Config().Output.TempDir, "speaker_*.wav")
	if err != nil {
		return "", noop, fmt.Errorf("server: create upload: %w", err)
	}
	path := f.Name()
	rm := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove speaker upload", "path", path, "err", err)
		}
	}
	_, werr := f.Write(data)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		rm()
		return "", noop, fmt.Errorf("server: write upload: %w", werr)
	}
	return path, rm, nil
}

func (s *Server) maxUpload() int64 {
	if n := s.eng.Config().Server.MaxUploadBytes; n > 0 {
		return n
	}
	return defaultMaxUpload
}

// credential picks the hosted credential for a request: an explicit key
// wins, then a provisioned label. Both are validated. With neither, the
// adapter falls back to the last validated credential.
func (s *Server) credential(ctx context.Context, apiKey, label string) (string, error) {
	if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
		if v := s.eng.ValidateCredential(ctx, apiKey); v != "" {
			return v, nil
		}
		return "", synth.Errorf(synth.KindRemoteAuth, synth.BackendHosted, "Invalid API key (manual) provided.")
	}
	if label = strings.TrimSpace(label); label != "" {
		if raw, ok := s.eng.Credential(label); ok {
			if v := s.eng.ValidateCredential(ctx, raw); v != "" {
				return v, nil
			}
		}
		return "", synth.Errorf(synth.KindRemoteAuth, synth.BackendHosted, "Invalid or missing API key (%s) provided.", label)
	}
	return "", nil
}
