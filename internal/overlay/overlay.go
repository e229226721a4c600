// Package overlay closes transient panels (menus, the settings popover) that
// the page refuses to close on its own.
package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/veo-automator/internal/browser"
	"github.com/jonathan/veo-automator/internal/clock"
	"github.com/jonathan/veo-automator/internal/escalate"
	"github.com/jonathan/veo-automator/internal/locator"
)

// Escalation steps, mildest first.
const (
	StepEscape        = "escape-keys"
	StepCloseControl  = "close-control"
	StepOutsideClick  = "outside-click"
	StepSuppressStyle = "suppress-style"
	StepRemove        = "remove-elements"
)

var errNoCloseControl = errors.New("panel has no close control")

// Result describes a dismissal. Dismissed=false is not an error: the next
// step fails on its own if the panel still blocks it.
type Result struct {
	Panel     string
	Dismissed bool
	Steps     int
	Strategy  string
	Attempts  []escalate.Attempt
}

// Dismisser closes panels described by the locator table.
type Dismisser struct {
	page    browser.Page
	locator *locator.Locator
	clock   clock.Clock
	settle  time.Duration
	logger  *zap.Logger
}

// New creates a dismisser.
func New(page browser.Page, loc *locator.Locator, clk clock.Clock, settle time.Duration, logger *zap.Logger) *Dismisser {
	if clk == nil {
		clk = clock.Real{}
	}
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dismisser{page: page, locator: loc, clock: clk, settle: settle, logger: logger.Named("overlay")}
}

// Open reports whether the named panel is visible.
func (d *Dismisser) Open(ctx context.Context, name string) (bool, error) {
	panel, err := d.locator.Table().Panel(name)
	if err != nil {
		return false, err
	}
	return d.locator.Visible(ctx, panel.Markers)
}

// Dismiss closes the named panel. Only a lost session or a cancelled context
// is returned as an error.
func (d *Dismisser) Dismiss(ctx context.Context, name string) (Result, error) {
	panel, err := d.locator.Table().Panel(name)
	if err != nil {
		return Result{Panel: name}, err
	}

	open, err := d.locator.Visible(ctx, panel.Markers)
	if err != nil {
		return Result{Panel: name}, err
	}
	if !open {
		return Result{Panel: name, Dismissed: true}, nil
	}

	check := func(ctx context.Context, _ struct{}) (bool, error) {
		if err := d.clock.Sleep(ctx, d.settle); err != nil {
			return false, err
		}
		visible, err := d.locator.Visible(ctx, panel.Markers)
		return !visible, err
	}

	res, err := escalate.Run(ctx, d.strategies(panel), check, escalate.Options{Abort: browser.IsSessionLost})
	out := Result{
		Panel:     name,
		Dismissed: res.Succeeded(),
		Steps:     len(res.Attempts),
		Strategy:  res.Strategy,
		Attempts:  res.Attempts,
	}
	if err != nil && (browser.IsSessionLost(err) || ctx.Err() != nil) {
		return out, err
	}
	if !out.Dismissed {
		d.logger.Warn("panel still visible after all dismissal steps",
			zap.String("panel", name), zap.String("attempts", res.Summary()))
	} else {
		d.logger.Debug("panel dismissed", zap.String("panel", name), zap.String("strategy", out.Strategy))
	}
	return out, nil
}

func (d *Dismisser) strategies(panel locator.Panel) []escalate.Strategy[struct{}] {
	step := func(name string, fn func(ctx context.Context) error) escalate.Strategy[struct{}] {
		return escalate.Strategy[struct{}]{Name: name, Try: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx)
		}}
	}
	return []escalate.Strategy[struct{}]{
		step(StepEscape, func(ctx context.Context) error { return d.pressEscape(ctx, panel.EscapePresses) }),
		step(StepCloseControl, func(ctx context.Context) error { return d.clickClose(ctx, panel.Close) }),
		step(StepOutsideClick, func(ctx context.Context) error {
			if err := d.page.ClickAt(ctx, 5, 5); err != nil && browser.IsSessionLost(err) {
				return err
			}
			return d.page.Evaluate(ctx, removeScript(panel.Backdrops, false), nil)
		}),
		step(StepSuppressStyle, func(ctx context.Context) error {
			return d.page.Evaluate(ctx, suppressScript(panel.Markers), nil)
		}),
		step(StepRemove, func(ctx context.Context) error {
			return d.page.Evaluate(ctx, removeScript(panel.Markers, true), nil)
		}),
	}
}

func (d *Dismisser) pressEscape(ctx context.Context, presses int) error {
	if presses <= 0 {
		presses = 1
	}
	for i := 0; i < presses; i++ {
		if err := d.page.PressKey(ctx, browser.KeyEscape); err != nil {
			return err
		}
		if i < presses-1 {
			if err := d.clock.Sleep(ctx, d.settle/2); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dismisser) clickClose(ctx context.Context, targets []string) error {
	if len(targets) == 0 {
		return errNoCloseControl
	}
	var last error = errNoCloseControl
	for _, target := range targets {
		res, err := d.locator.Resolve(ctx, target)
		if err != nil {
			if browser.IsSessionLost(err) {
				return err
			}
			last = err
			continue
		}
		if err := d.page.Click(ctx, res.Element); err != nil {
			if browser.IsSessionLost(err) {
				return err
			}
			if err := d.page.ScriptClick(ctx, res.Element); err != nil {
				last = err
				continue
			}
		}
		return nil
	}
	return last
}

// containerSelector matches the popover or dialog a marker lives in.
const containerSelector = `[role="dialog"], [role="listbox"], [role="menu"], [data-radix-popper-content-wrapper], .cdk-overlay-pane, [class*="popover"], [class*="overlay"]`

func queriesJSON(queries []string) string {
	b, err := json.Marshal(queries)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// removeScript removes every element matched by queries; with container set it
// removes the enclosing panel instead of the marker itself.
func removeScript(queries []string, container bool) string {
	return browser.ResolveFunction() + `
(function (queries, container, sel) {
  let n = 0;
  for (const q of queries) {
    let nodes = [];
    try { nodes = __veoResolve(q); } catch (e) { continue; }
    for (const el of nodes) {
      const target = (container && el.closest(sel)) || el;
      if (target && target !== document.body && target !== document.documentElement) { target.remove(); n++; }
    }
  }
  document.body.style.pointerEvents = '';
  document.body.style.overflow = '';
  return n;
})(` + queriesJSON(queries) + `, ` + boolJS(container) + `, ` + browser.JSString(containerSelector) + `)`
}

// suppressScript hides matched panels with forced inline styles.
func suppressScript(queries []string) string {
	return browser.ResolveFunction() + `
(function (queries, sel) {
  let n = 0;
  for (const q of queries) {
    let nodes = [];
    try { nodes = __veoResolve(q); } catch (e) { continue; }
    for (const el of nodes) {
      const target = el.closest(sel) || el;
      target.style.setProperty('display', 'none', 'important');
      target.style.setProperty('visibility', 'hidden', 'important');
      target.style.setProperty('pointer-events', 'none', 'important');
      n++;
    }
  }
  return n;
})(` + queriesJSON(queries) + `, ` + browser.JSString(containerSelector) + `)`
}

func boolJS(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
