// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// registered [Checker] concurrently and reports one of three states:
//
//	ok        every check passed                          200
//	degraded  only optional checks failed                 200
//	fail      at least one required check failed          503
//
// Optional checks cover dependencies whose absence degrades output rather
// than breaking it. Without ffmpeg, hosted audio is still delivered as MP3.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

const defaultTimeout = 5 * time.Second

// Checker is one named readiness check.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error

	// Optional failures mark the service degraded instead of unready.
	Optional bool

	// Timeout bounds one run of Check. Zero means five seconds.
	Timeout time.Duration
}

// AsOptional returns a copy of c whose failure only degrades readiness.
func (c Checker) AsOptional() Checker {
	c.Optional = true
	return c
}

// Report is the JSON body of both probes.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes for a fixed set of checkers.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	status := http.StatusOK
	if rep.Status == "fail" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Evaluate runs every checker concurrently, each under its own timeout, and
// folds the outcomes into a [Report].
func (h *Handler) Evaluate(ctx context.Context) Report {
	errs := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() {
			timeout := c.Timeout
			if timeout <= 0 {
				timeout = defaultTimeout
			}
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			errs[i] = c.Check(cctx)
		})
	}
	wg.Wait()

	rep := Report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	for i, c := range h.checkers {
		switch {
		case errs[i] == nil:
			rep.Checks[c.Name] = "ok"
		case c.Optional:
			rep.Checks[c.Name] = "degraded: " + errs[i].Error()
			if rep.Status == "ok" {
				rep.Status = "degraded"
			}
		default:
			rep.Checks[c.Name] = "fail: " + errs[i].Error()
			rep.Status = "fail"
		}
	}
	return rep
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
