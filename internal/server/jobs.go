package server

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/polyvox/internal/observe"
	"github.com/MrWong99/polyvox/pkg/synth"
)

// ErrJobStoreClosed is returned by [JobStore.Submit] once Close was called.
var ErrJobStoreClosed = errors.New("server: job store closed")

// Status is the lifecycle state of an asynchronous [Job].
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions follow s.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Job is a snapshot of one asynchronous synthesis request.
type Job struct {
	ID             string    `json:"id"`
	Backend        string    `json:"backend"`
	Status         Status    `json:"status"`
	Success        bool      `json:"success"`
	Message        string    `json:"message,omitempty"`
	Kind           string    `json:"kind,omitempty"`
	OutputFilename string    `json:"output_filename,omitempty"`
	AudioURL       string    `json:"audio_url,omitempty"`
	Degraded       bool      `json:"degraded,omitempty"`
	Duration       float64   `json:"duration_seconds"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	FinishedAt     time.Time `json:"finished_at,omitzero"`
}

// Synthesizer is the part of the engine the job store drives.
type Synthesizer interface {
	Synthesize(ctx context.Context, req synth.Request) synth.Result
}

// JobOption configures a [JobStore].
type JobOption func(*JobStore)

// WithRetention sets how long finished jobs stay queryable. Zero keeps them
// for the lifetime of the store.
func WithRetention(d time.Duration) JobOption {
	return func(s *JobStore) { s.retention = d }
}

// WithJobMetrics records the number of running jobs to m.
func WithJobMetrics(m *observe.Metrics) JobOption {
	return func(s *JobStore) { s.metrics = m }
}

// WithClock replaces time.Now. Used by tests to age jobs.
func WithClock(now func() time.Time) JobOption {
	return func(s *JobStore) { s.now = now }
}

type jobEntry struct {
	job Job
	// changed is closed and replaced on every update.
	changed chan struct{}
}

// JobStore runs synthesis requests in the background, one goroutine per job,
// and keeps their outcome for polling and streaming. It is safe for
// concurrent use.
type JobStore struct {
	synth     Synthesizer
	retention time.Duration
	metrics   *observe.Metrics
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*jobEntry
}

// NewJobStore creates a store whose jobs are executed by s.
func NewJobStore(s Synthesizer, opts ...JobOption) *JobStore {
	ctx, cancel := context.WithCancel(context.Background())
	js := &JobStore{
		synth:  s,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*jobEntry),
	}
	for _, o := range opts {
		o(js)
	}
	return js
}

// Submit registers req as a queued job and starts it. cleanup, when non-nil,
// runs after the synthesis call returns, whatever its outcome. Only the trace
// of ctx is carried into the job: jobs outlive the request that created them
// and are cancelled by [JobStore.Close] alone. After Close, Submit returns
// [ErrJobStoreClosed] and does not call cleanup.
func (s *JobStore) Submit(ctx context.Context, req synth.Request, cleanup func()) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return Job{}, ErrJobStoreClosed
	}
	s.pruneLocked()
	e := &jobEntry{
		job: Job{
			ID:            uuid.NewString(),
			Backend:       req.Backend,
			Status:        StatusQueued,
			CorrelationID: observe.CorrelationID(ctx),
			CreatedAt:     s.now(),
		},
		changed: make(chan struct{}),
	}
	s.jobs[e.job.ID] = e

	// Added under mu so Close cannot start waiting in between.
	s.wg.Add(1)
	go s.run(trace.ContextWithSpanContext(s.ctx, trace.SpanContextFromContext(ctx)), e.job.ID, req, cleanup)
	return e.job, nil
}

func (s *JobStore) run(ctx context.Context, id string, req synth.Request, cleanup func()) {
	defer s.wg.Done()
	if s.metrics != nil {
		s.metrics.ActiveJobs.Add(ctx, 1)
		defer s.metrics.ActiveJobs.Add(ctx, -1)
	}

	s.update(id, func(j *Job) { j.Status = StatusProcessing })
	res := s.synth.Synthesize(ctx, req)
	if cleanup != nil {
		cleanup()
	}

	s.update(id, func(j *Job) {
		j.Success = res.OK
		j.Message = res.Message
		j.Duration = res.Elapsed.Seconds()
		j.FinishedAt = s.now()
		if res.OK {
			j.Status = StatusCompleted
			j.OutputFilename = filepath.Base(res.Path)
			j.AudioURL = fileURL(res.Path)
			j.Degraded = res.Degraded
			return
		}
		j.Status = StatusFailed
		j.Kind = res.Kind.String()
	})
	observe.Logger(ctx).Info("job finished", "job", id, "backend", req.Backend, "ok", res.OK, "duration", res.Elapsed)
}

func (s *JobStore) update(id string, fn func(*Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return
	}
	fn(&e.job)
	close(e.changed)
	e.changed = make(chan struct{})
}

// Get returns the current snapshot of the job with the given id.
func (s *JobStore) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	e, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Watch returns the current snapshot of a job together with a channel that
// is closed on its next update.
func (s *JobStore) Watch(id string) (Job, <-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return Job{}, nil, false
	}
	return e.job, e.changed, true
}

// List returns a snapshot of every retained job, newest first.
func (s *JobStore) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	out := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.job)
	}
	slices.SortFunc(out, func(a, b Job) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

// pruneLocked drops finished jobs older than the retention period.
func (s *JobStore) pruneLocked() {
	if s.retention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.retention)
	for id, e := range s.jobs {
		if e.job.Status.Terminal() && e.job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
}

// Close cancels every running job and waits for their goroutines to finish
// or for ctx to expire.
func (s *JobStore) Close(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
