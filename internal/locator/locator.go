// Package locator resolves logical target names ("send button", "model
// dropdown") to live page elements using ordered candidate queries from a
// data table.
package locator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/veo-automator/internal/browser"
	"github.com/jonathan/veo-automator/internal/clock"
	"github.com/jonathan/veo-automator/internal/escalate"
)

// Resolved is an element a step may act on. It must not outlive the step.
type Resolved struct {
	Target     string
	Query      string
	Candidate  int
	Score      int
	Element    browser.Element
	ResolvedAt time.Time
}

// Locator resolves targets against a page.
type Locator struct {
	page   browser.Page
	table  *Table
	clock  clock.Clock
	logger *zap.Logger
}

// New creates a locator. A nil clock uses the wall clock.
func New(page browser.Page, table *Table, clk clock.Clock, logger *zap.Logger) *Locator {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locator{page: page, table: table, clock: clk, logger: logger.Named("locator")}
}

// Table returns the locator table in use.
func (l *Locator) Table() *Table {
	return l.table
}

// Resolve looks up target in the table and resolves it.
func (l *Locator) Resolve(ctx context.Context, target string) (*Resolved, error) {
	spec, err := l.table.Spec(target)
	if err != nil {
		return nil, &LocateError{Target: target, Cause: err}
	}
	return l.ResolveSpec(ctx, spec)
}

// ResolveValue resolves a templated target with value substituted.
func (l *Locator) ResolveValue(ctx context.Context, target, value string) (*Resolved, error) {
	spec, err := l.table.Spec(target)
	if err != nil {
		return nil, &LocateError{Target: target, Cause: err}
	}
	return l.ResolveSpec(ctx, spec.WithValue(value))
}

// ResolveSpec tries spec's candidates strictly in order and returns the
// first accepted match.
func (l *Locator) ResolveSpec(ctx context.Context, spec Spec) (*Resolved, error) {
	anchor := &anchorCache{}
	strategies := make([]escalate.Strategy[*Resolved], 0, len(spec.Candidates))
	for i, query := range spec.Candidates {
		strategies = append(strategies, escalate.Strategy[*Resolved]{
			Name: query,
			Try: func(ctx context.Context) (*Resolved, error) {
				return l.tryCandidate(ctx, spec, i, query, anchor)
			},
		})
	}

	res, err := escalate.Run(ctx, strategies, nil, escalate.Options{Abort: browser.IsSessionLost})
	if err == nil {
		l.logger.Debug("target resolved",
			zap.String("target", spec.Name),
			zap.Int("candidate", res.Value.Candidate),
			zap.Int("score", res.Value.Score))
		return res.Value, nil
	}
	if browser.IsSessionLost(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	var last error
	if n := len(res.Attempts); n > 0 {
		last = res.Attempts[n-1].Err
	}
	l.logger.Debug("target not found", zap.String("target", spec.Name), zap.String("attempts", res.Summary()))
	return nil, &LocateError{Target: spec.Name, Tried: spec.Candidates, Cause: last}
}

func (l *Locator) tryCandidate(ctx context.Context, spec Spec, index int, query string, anchor *anchorCache) (*Resolved, error) {
	elements, err := l.page.Find(ctx, query)
	if err != nil {
		return nil, err
	}

	var usable []browser.Element
	for _, el := range elements {
		if el.Interactable() {
			usable = append(usable, el)
		}
	}
	if len(usable) == 0 {
		return nil, errNoMatch
	}

	if spec.Score == nil {
		return l.resolved(spec, index, query, usable[0], 0), nil
	}

	var anchorEl *browser.Element
	if spec.Score.Anchor != nil {
		anchorEl, err = anchor.get(ctx, l.page, spec.Score.Anchor.Query)
		if err != nil && browser.IsSessionLost(err) {
			return nil, err
		}
	}

	best, bestScore := -1, 0
	for i, el := range usable {
		s := Score(spec.Score, el, anchorEl)
		if s >= spec.Score.Threshold && (best < 0 || s > bestScore) {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return nil, errBelowThreshold
	}
	return l.resolved(spec, index, query, usable[best], bestScore), nil
}

func (l *Locator) resolved(spec Spec, index int, query string, el browser.Element, score int) *Resolved {
	return &Resolved{
		Target:     spec.Name,
		Query:      query,
		Candidate:  index,
		Score:      score,
		Element:    el,
		ResolvedAt: l.clock.Now(),
	}
}

// Visible reports whether any query currently matches a visible element.
func (l *Locator) Visible(ctx context.Context, queries []string) (bool, error) {
	for _, q := range queries {
		els, err := l.page.Find(ctx, q)
		if err != nil {
			if browser.IsSessionLost(err) {
				return false, err
			}
			continue
		}
		for _, el := range els {
			if el.Visible {
				return true, nil
			}
		}
	}
	return false, nil
}

// anchorCache resolves the anchor element at most once per lookup.
type anchorCache struct {
	done bool
	el   *browser.Element
}

func (a *anchorCache) get(ctx context.Context, page browser.Page, query string) (*browser.Element, error) {
	if a.done {
		return a.el, nil
	}
	els, err := page.Find(ctx, query)
	if err != nil {
		return nil, err
	}
	a.done = true
	for _, el := range els {
		if el.Visible {
			found := el
			a.el = &found
			break
		}
	}
	return a.el, nil
}
