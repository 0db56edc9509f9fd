package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrCascadeExhausted is returned when every strategy of a [Cascade] failed.
var ErrCascadeExhausted = errors.New("all strategies failed")

// Attempt describes one strategy invocation. It is passed to the observer
// registered with [WithObserver].
type Attempt struct {
	Cascade  string
	Strategy string
	Index    int
	Err      error
	Duration time.Duration
}

// CascadeOption configures a [Cascade].
type CascadeOption func(*cascadeConfig)

type cascadeConfig struct {
	observe func(context.Context, Attempt)
}

// WithObserver registers fn to be called after every strategy attempt.
func WithObserver(fn func(context.Context, Attempt)) CascadeOption {
	return func(c *cascadeConfig) { c.observe = fn }
}

type strategy[T any] struct {
	name string
	run  func(context.Context) (T, error)
}

// Cascade is an ordered list of named strategies that produce the same kind
// of result. [Cascade.Run] tries them in order and accepts the first one that
// returns without error; a strategy is attempted only if every strategy
// before it failed. Any error, and any panic, counts as a failure.
//
// A Cascade is built once per call and must not be modified while running.
type Cascade[T any] struct {
	name       string
	strategies []strategy[T]
	cfg        cascadeConfig
}

// NewCascade creates an empty cascade. name labels log lines and errors.
func NewCascade[T any](name string, opts ...CascadeOption) *Cascade[T] {
	c := &Cascade[T]{name: name}
	for _, o := range opts {
		o(&c.cfg)
	}
	return c
}

// Add appends a strategy. Strategies run in the order they are added.
func (c *Cascade[T]) Add(name string, run func(context.Context) (T, error)) *Cascade[T] {
	c.strategies = append(c.strategies, strategy[T]{name: name, run: run})
	return c
}

// AddIf appends the strategy only when cond holds.
func (c *Cascade[T]) AddIf(cond bool, name string, run func(context.Context) (T, error)) *Cascade[T] {
	if cond {
		c.Add(name, run)
	}
	return c
}

// Len returns the number of registered strategies.
func (c *Cascade[T]) Len() int { return len(c.strategies) }

// Names returns the strategy names in execution order.
func (c *Cascade[T]) Names() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.name
	}
	return names
}

// Run executes the strategies in order. On success it returns the value and
// the name of the strategy that produced it. If every strategy fails the
// returned error wraps [ErrCascadeExhausted] and each individual failure.
// A cancelled context stops the cascade before the next strategy starts and
// returns the context error instead.
func (c *Cascade[T]) Run(ctx context.Context) (T, string, error) {
	var (
		zero T
		errs []error
	)
	if len(c.strategies) == 0 {
		return zero, "", fmt.Errorf("%w: %s: no strategies registered", ErrCascadeExhausted, c.name)
	}
	for i, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			return zero, "", fmt.Errorf("%s: cancelled before %q: %w", c.name, s.name, err)
		}
		start := time.Now()
		v, err := c.invoke(ctx, s)
		if c.cfg.observe != nil {
			c.cfg.observe(ctx, Attempt{
				Cascade:  c.name,
				Strategy: s.name,
				Index:    i,
				Err:      err,
				Duration: time.Since(start),
			})
		}
		if err == nil {
			if i > 0 {
				slog.InfoContext(ctx, "fallback strategy succeeded",
					"cascade", c.name, "strategy", s.name, "attempt", i+1)
			}
			return v, s.name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		if i+1 < len(c.strategies) {
			slog.WarnContext(ctx, "strategy failed, trying next",
				"cascade", c.name, "strategy", s.name, "next", c.strategies[i+1].name, "err", err)
		} else {
			slog.ErrorContext(ctx, "last strategy failed",
				"cascade", c.name, "strategy", s.name, "err", err)
		}
	}
	return zero, "", fmt.Errorf("%w: %s: %w", ErrCascadeExhausted, c.name, errors.Join(errs...))
}

func (c *Cascade[T]) invoke(ctx context.Context, s strategy[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.run(ctx)
}
