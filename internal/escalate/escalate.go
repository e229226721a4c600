// Package escalate runs an ordered list of strategies until one of them
// produces an observable effect. The locator, the interaction executor and the
// overlay dismisser are all built on it.
package escalate

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrExhausted is returned when every strategy ran without an effect.
var ErrExhausted = errors.New("all strategies exhausted")

// ErrNoEffect is recorded for an attempt that returned no error but whose
// effect check came back false.
var ErrNoEffect = errors.New("no observable effect")

// Strategy is one way of achieving a goal.
type Strategy[T any] struct {
	Name string
	Try  func(ctx context.Context) (T, error)
}

// Check reports whether a strategy's result is observable on the page.
// A nil Check treats any error-free attempt as effective.
type Check[T any] func(ctx context.Context, value T) (bool, error)

// Attempt records one strategy execution.
type Attempt struct {
	Strategy string
	Effect   bool
	Err      error
}

// Result is the outcome of a chain.
type Result[T any] struct {
	Value    T
	Strategy string
	Index    int
	Attempts []Attempt
}

// Succeeded reports whether a strategy produced an effect.
func (r Result[T]) Succeeded() bool {
	return r.Index >= 0 && r.Strategy != ""
}

// Summary joins the attempts into one line for step details and logs.
func (r Result[T]) Summary() string {
	parts := make([]string, 0, len(r.Attempts))
	for _, a := range r.Attempts {
		switch {
		case a.Effect:
			parts = append(parts, a.Strategy+": ok")
		case a.Err != nil:
			parts = append(parts, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
		default:
			parts = append(parts, a.Strategy+": no effect")
		}
	}
	return strings.Join(parts, "; ")
}

// Options tune a chain run.
type Options struct {
	// Abort returns true for errors that must stop the chain at once
	// (a lost session, for example). The error is returned unchanged.
	Abort func(error) bool
	// OnAttempt is called after every attempt.
	OnAttempt func(Attempt)
}

// Run tries strategies strictly in order and stops at the first one whose
// result passes check. It never skips ahead and never retries a strategy.
func Run[T any](ctx context.Context, strategies []Strategy[T], check Check[T], opts Options) (Result[T], error) {
	res := Result[T]{Index: -1}

	for i, s := range strategies {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		value, err := s.Try(ctx)
		attempt := Attempt{Strategy: s.Name, Err: err}

		if err == nil {
			effect := true
			if check != nil {
				effect, err = check(ctx, value)
				if err != nil {
					attempt.Err = err
					effect = false
				}
			}
			attempt.Effect = effect
			if effect {
				res.Attempts = append(res.Attempts, attempt)
				notify(opts, attempt)
				res.Value = value
				res.Strategy = s.Name
				res.Index = i
				return res, nil
			}
			if attempt.Err == nil {
				attempt.Err = ErrNoEffect
			}
		}

		res.Attempts = append(res.Attempts, attempt)
		notify(opts, attempt)

		if attempt.Err != nil && opts.Abort != nil && opts.Abort(attempt.Err) {
			return res, attempt.Err
		}
	}

	return res, ErrExhausted
}

func notify(opts Options, a Attempt) {
	if opts.OnAttempt != nil {
		opts.OnAttempt(a)
	}
}
