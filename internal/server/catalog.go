package server

import (
	"log/slog"
	"net/http"

	"github.com/MrWong99/polyvox/internal/backend/lightweight"
	"github.com/MrWong99/polyvox/internal/config"
	"github.com/MrWong99/polyvox/pkg/synth"
)

type catalogResponse struct {
	Backends          []config.BackendDescriptor `json:"backends"`
	LightweightVoices []lightweight.VoiceFile    `json:"lightweight_voices,omitempty"`
	GenerativePresets []string                   `json:"generative_presets,omitempty"`
	HostedModels      []string                   `json:"hosted_models,omitempty"`
	Credentials       []string                   `json:"credentials,omitempty"`
}

func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	resp := catalogResponse{Backends: s.eng.Catalog()}
	if lw, err := s.eng.Lightweight(); err == nil {
		voices, err := lw.Voices()
		if err != nil {
			slog.Warn("failed to list lightweight voices", "err", err)
		}
		resp.LightweightVoices = voices
	}
	if gen, err := s.eng.Generative(); err == nil {
		resp.GenerativePresets = gen.Presets()
	}
	if h, err := s.eng.Hosted(); err == nil {
		resp.HostedModels = h.Models()
		resp.Credentials = s.eng.ProvisionedLabels()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSpeakers(w http.ResponseWriter, r *http.Request) {
	c, err := s.eng.Cloning()
	if err != nil {
		writeError(w, err)
		return
	}
	speakers, err := c.Speakers(r.Context(), r.PathValue("model"))
	if err != nil {
		writeError(w, err)
		return
	}
	if speakers == nil {
		speakers = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"speakers": speakers})
}

type credentialRequest struct {
	APIKey  string `json:"api_key"`
	KeyName string `json:"key_name"`
}

type voiceEntry struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

func (s *Server) handleCredentialLabels(w http.ResponseWriter, _ *http.Request) {
	labels := s.eng.ProvisionedLabels()
	if labels == nil {
		labels = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": labels})
}

func (s *Server) handleValidateCredential(w http.ResponseWriter, r *http.Request) {
	var body credentialRequest
	if !s.decode(w, r, &body) {
		return
	}
	if body.APIKey == "" && body.KeyName == "" {
		writeError(w, synth.Errorf(synth.KindInvalidRequest, synth.BackendHosted, "No API key provided or found"))
		return
	}
	if _, err := s.credential(r.Context(), body.APIKey, body.KeyName); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "API key is valid.")
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	var body credentialRequest
	if !s.decode(w, r, &body) {
		return
	}
	key, err := s.credential(r.Context(), body.APIKey, body.KeyName)
	if err != nil {
		writeError(w, err)
		return
	}
	voices, err := s.eng.FetchVoices(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]voiceEntry, 0, len(voices))
	for _, v := range voices {
		out = append(out, voiceEntry{Name: v.Name, ID: v.ID})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	var body credentialRequest
	if !s.decode(w, r, &body) {
		return
	}
	key, err := s.credential(r.Context(), body.APIKey, body.KeyName)
	if err != nil {
		writeError(w, err)
		return
	}
	q, err := s.eng.FetchQuota(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}
