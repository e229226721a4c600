// Package waiter polls the page until a generation finishes, checking the
// browser session on a slower cadence and recovering it inline.
package waiter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/veo-automator/internal/browser"
	"github.com/jonathan/veo-automator/internal/clock"
	"github.com/jonathan/veo-automator/internal/locator"
)

// Status is the outcome of a wait.
type Status string

const (
	StatusCompleted Status = "completed"
	// StatusTimeout is an outcome, not an error; callers may still collect
	// whatever the page produced.
	StatusTimeout Status = "timeout"
)

// Session is the part of the session manager the waiter needs.
type Session interface {
	Alive(ctx context.Context) bool
	Recover(ctx context.Context) error
}

// Options bound the wait.
type Options struct {
	InitialDelay         time.Duration
	PollInterval         time.Duration
	SessionCheckInterval time.Duration
	Ceiling              time.Duration
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		InitialDelay:         5 * time.Second,
		PollInterval:         10 * time.Second,
		SessionCheckInterval: 60 * time.Second,
		Ceiling:              10 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.InitialDelay < 0 {
		o.InitialDelay = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.SessionCheckInterval <= 0 {
		o.SessionCheckInterval = d.SessionCheckInterval
	}
	if o.Ceiling <= 0 {
		o.Ceiling = d.Ceiling
	}
	return o
}

// Outcome reports how a wait ended.
type Outcome struct {
	Status     Status
	Elapsed    time.Duration
	Polls      int
	Recoveries int
	Detail     string
}

// Waiter polls for completion markers.
type Waiter struct {
	page    browser.Page
	session Session
	markers locator.Completion
	clock   clock.Clock
	opts    Options
	logger  *zap.Logger
}

// New creates a waiter.
func New(page browser.Page, session Session, markers locator.Completion, clk clock.Clock, opts Options, logger *zap.Logger) *Waiter {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Waiter{
		page:    page,
		session: session,
		markers: markers,
		clock:   clk,
		opts:    opts.withDefaults(),
		logger:  logger.Named("waiter"),
	}
}

// CountDone returns how many completion markers are visible now. Taken before
// submitting, it lets Wait ignore results left over from earlier prompts.
func (w *Waiter) CountDone(ctx context.Context) (int, error) {
	return w.count(ctx, w.markers.Done)
}

// Wait blocks until the page shows more completion markers than baseline with
// no generation in progress, or until the ceiling passes. A generation seen in
// progress and then finished also counts as completed.
func (w *Waiter) Wait(ctx context.Context, baseline int) (Outcome, error) {
	start := w.clock.Now()
	out := Outcome{}

	if err := w.clock.Sleep(ctx, w.opts.InitialDelay); err != nil {
		return out, err
	}

	lastCheck := w.clock.Now()
	sawProgress := false

	for {
		elapsed := w.clock.Now().Sub(start)
		out.Elapsed = elapsed
		if elapsed >= w.opts.Ceiling {
			out.Status = StatusTimeout
			out.Detail = fmt.Sprintf("no completion after %s", w.opts.Ceiling)
			w.logger.Warn("completion wait timed out", zap.Duration("ceiling", w.opts.Ceiling), zap.Int("polls", out.Polls))
			return out, nil
		}

		if w.session != nil && w.clock.Now().Sub(lastCheck) >= w.opts.SessionCheckInterval {
			lastCheck = w.clock.Now()
			if !w.session.Alive(ctx) {
				if err := w.recover(ctx, &out, nil); err != nil {
					return out, err
				}
			}
		}

		out.Polls++
		busy, done, err := w.poll(ctx)
		if err != nil {
			if !browser.IsSessionLost(err) {
				return out, err
			}
			if err := w.recover(ctx, &out, err); err != nil {
				return out, err
			}
		} else {
			if busy {
				sawProgress = true
			}
			if !busy && (done > baseline || (sawProgress && done > 0)) {
				out.Status = StatusCompleted
				out.Elapsed = w.clock.Now().Sub(start)
				out.Detail = fmt.Sprintf("%d result marker(s) after %d poll(s)", done, out.Polls)
				return out, nil
			}
		}

		if err := w.clock.Sleep(ctx, w.opts.PollInterval); err != nil {
			return out, err
		}
	}
}

func (w *Waiter) recover(ctx context.Context, out *Outcome, cause error) error {
	if w.session == nil {
		if cause != nil {
			return cause
		}
		return &browser.SessionLostError{Message: "no session to recover"}
	}
	w.logger.Warn("session lost while waiting, recovering", zap.Error(cause))
	if err := w.session.Recover(ctx); err != nil {
		return &browser.SessionLostError{Message: "recovery failed during completion wait", Cause: err}
	}
	out.Recoveries++
	return nil
}

// poll reports whether a generation is in progress and how many completion
// markers are visible.
func (w *Waiter) poll(ctx context.Context) (bool, int, error) {
	busy, err := w.count(ctx, w.markers.InProgress)
	if err != nil {
		return false, 0, err
	}
	if busy > 0 {
		return true, 0, nil
	}
	done, err := w.count(ctx, w.markers.Done)
	return false, done, err
}

// count sums visible matches over queries. Only a lost session is an error;
// a query that fails to evaluate counts as zero.
func (w *Waiter) count(ctx context.Context, queries []string) (int, error) {
	n := 0
	for _, q := range queries {
		els, err := w.page.Find(ctx, q)
		if err != nil {
			if browser.IsSessionLost(err) {
				return 0, err
			}
			continue
		}
		for _, el := range els {
			if el.Visible {
				n++
			}
		}
	}
	return n, nil
}
