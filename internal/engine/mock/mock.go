// Package mock provides an in-memory mock implementation of [synth.Adapter]
// for use in unit tests of the engine and its front-ends.
//
// The mock records every call and lets the test configure the result via
// exported fields. It is safe for concurrent use.
//
// Example:
//
//	a := &mock.Adapter{
//	    Key:    synth.BackendLightweight,
//	    Result: synth.Result{OK: true, Message: "Audio successfully saved to out.wav", Path: "out.wav"},
//	}
//	res := a.Synthesize(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/polyvox/pkg/synth"
)

// Compile-time interface assertion.
var _ synth.Adapter = (*Adapter)(nil)

// Adapter is a mock implementation of [synth.Adapter].
type Adapter struct {
	mu sync.Mutex

	// Key is returned by [Adapter.Backend].
	Key string

	// Result is returned by [Adapter.Synthesize] when SynthesizeFunc is nil.
	Result synth.Result

	// SynthesizeFunc, when set, computes the result instead of Result.
	SynthesizeFunc func(ctx context.Context, req synth.Request) synth.Result

	// Delay blocks every call for the given duration or until the context
	// is done.
	Delay time.Duration

	// PanicWith, when non-nil, makes Synthesize panic with this value.
	PanicWith any

	// Calls records the request of every Synthesize invocation.
	Calls []synth.Request
}

// Backend implements [synth.Adapter].
func (a *Adapter) Backend() string { return a.Key }

// Synthesize implements [synth.Adapter].
func (a *Adapter) Synthesize(ctx context.Context, req synth.Request) synth.Result {
	a.mu.Lock()
	a.Calls = append(a.Calls, req)
	fn, res, delay, p := a.SynthesizeFunc, a.Result, a.Delay, a.PanicWith
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return synth.Result{Message: ctx.Err().Error(), Kind: synth.KindSynthesis}
		}
	}
	if p != nil {
		panic(p)
	}
	if fn != nil {
		return fn(ctx, req)
	}
	return res
}

// CallsSnapshot returns a copy of the recorded requests.
func (a *Adapter) CallsSnapshot() []synth.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]synth.Request, len(a.Calls))
	copy(out, a.Calls)
	return out
}

// Reset clears all recorded calls.
func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = nil
}
