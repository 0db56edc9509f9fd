// Package server exposes the synthesis engine over HTTP.
//
// The handlers are thin: each one decodes a JSON body, builds a
// [synth.Request] and reports the engine's message unchanged together with
// the elapsed time. Routes:
//
//	POST   /v1/synthesize/{backend}       synchronous synthesis
//	POST   /v1/jobs                       asynchronous synthesis
//	GET    /v1/jobs                       list retained jobs
//	GET    /v1/jobs/{id}                  poll one job
//	GET    /v1/jobs/{id}/events           stream job updates over WebSocket
//	GET    /v1/files                      list generated audio
//	GET    /v1/files/{name}               download generated audio
//	DELETE /v1/files/{name}               delete generated audio
//	GET    /v1/backends                   backend catalog
//	GET    /v1/backends/cloning/models/{model}/speakers
//	GET    /v1/hosted/credentials         provisioned credential labels
//	POST   /v1/hosted/credentials/validate
//	POST   /v1/hosted/voices
//	POST   /v1/hosted/quota
//	POST   /v1/admin/resources/clear
//	POST   /v1/admin/resources/reload
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/polyvox/internal/engine"
	"github.com/MrWong99/polyvox/internal/observe"
	"github.com/MrWong99/polyvox/pkg/synth"
)

// Option configures a [Server].
type Option func(*Server)

// WithMetrics enables request and job metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server serves the REST and job front-ends of one [engine.Engine].
type Server struct {
	eng     *engine.Engine
	jobs    *JobStore
	metrics *observe.Metrics
}

// New creates a server for eng. Call [Server.Close] to stop running jobs.
func New(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{eng: eng}
	for _, o := range opts {
		o(s)
	}
	jobOpts := []JobOption{WithRetention(eng.Config().Server.JobRetention)}
	if s.metrics != nil {
		jobOpts = append(jobOpts, WithJobMetrics(s.metrics))
	}
	s.jobs = NewJobStore(eng, jobOpts...)
	return s
}

// Jobs returns the server's job store.
func (s *Server) Jobs() *JobStore { return s.jobs }

// Register adds every route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/synthesize/{backend}", s.handleSynthesize)
	mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /v1/jobs/{id}/events", s.handleJobEvents)

	mux.HandleFunc("GET /v1/files", s.handleListFiles)
	mux.HandleFunc("GET /v1/files/{name}", s.handleDownload)
	mux.HandleFunc("DELETE /v1/files/{name}", s.handleDeleteFile)

	mux.HandleFunc("GET /v1/backends", s.handleCatalog)
	mux.HandleFunc("GET /v1/backends/cloning/models/{model}/speakers", s.handleSpeakers)

	mux.HandleFunc("GET /v1/hosted/credentials", s.handleCredentialLabels)
	mux.HandleFunc("POST /v1/hosted/credentials/validate", s.handleValidateCredential)
	mux.HandleFunc("POST /v1/hosted/voices", s.handleVoices)
	mux.HandleFunc("POST /v1/hosted/quota", s.handleQuota)

	mux.HandleFunc("POST /v1/admin/resources/clear", s.handleClear)
	mux.HandleFunc("POST /v1/admin/resources/reload", s.handleReload)
}

// Handler returns a mux with every route registered, wrapped in the
// observability middleware when metrics are enabled.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	if s.metrics == nil {
		return mux
	}
	return observe.Middleware(s.metrics)(mux)
}

// Close cancels running jobs and waits for them until ctx expires.
func (s *Server) Close(ctx context.Context) error {
	return s.jobs.Close(ctx)
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var body synthesizeRequest
	if !s.decode(w, r, &body) {
		return
	}
	req, cleanup, err := s.build(r.Context(), r.PathValue("backend"), body)
	defer cleanup()
	if err != nil {
		writeError(w, err)
		return
	}

	res := s.eng.Synthesize(r.Context(), req)
	status := http.StatusOK
	if !res.OK {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, newSynthesizeResponse(res))
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var body synthesizeRequest
	if !s.decode(w, r, &body) {
		return
	}
	if body.Backend == "" {
		writeError(w, synth.Errorf(synth.KindConfiguration, "", "No TTS engine selected."))
		return
	}
	req, cleanup, err := s.build(r.Context(), body.Backend, body)
	if err != nil {
		cleanup()
		writeError(w, err)
		return
	}

	job, err := s.jobs.Submit(r.Context(), req, cleanup)
	if err != nil {
		cleanup()
		writeMessage(w, http.StatusServiceUnavailable, "Server is shutting down.")
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.List())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Get(r.PathValue("id"))
	if !ok {
		writeMessage(w, http.StatusNotFound, "Job not found.")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	n := s.eng.ClearResources()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Resource caches cleared.",
		"cleared": n,
	})
}

type reloadRequest struct {
	Backend string `json:"backend"`
	ID      string `json:"id"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	var body reloadRequest
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.eng.Reload(r.Context(), body.Backend, body.ID); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Resource reloaded.")
}

// decode reads a bounded JSON body into v. On failure it writes a 400 and
// returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	// Base64 inflates uploads by a third; leave room for the other fields.
	limit := s.maxUpload()*4/3 + 1<<20
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeMessage(w, http.StatusRequestEntityTooLarge, "Request body too large.")
			return false
		}
		writeMessage(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// statusOf maps an error kind to an HTTP status for the non-synthesis
// endpoints.
func statusOf(kind synth.Kind) int {
	switch kind {
	case synth.KindInvalidRequest, synth.KindConfiguration, synth.KindResourceUnavailable:
		return http.StatusBadRequest
	case synth.KindRemoteAuth:
		return http.StatusUnauthorized
	case synth.KindRemoteQuota:
		return http.StatusPaymentRequired
	case synth.KindRemoteValidation, synth.KindRemoteGeneric:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	var se *synth.Error
	if errors.As(err, &se) {
		writeJSON(w, statusOf(se.Kind), map[string]any{
			"success": false,
			"message": se.Message(),
			"kind":    se.Kind.String(),
		})
		return
	}
	slog.Error("request failed", "err", err)
	writeMessage(w, http.StatusInternalServerError, "Internal server error.")
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"success": status < http.StatusBadRequest,
		"message": msg,
	})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "err", err)
	}
}
