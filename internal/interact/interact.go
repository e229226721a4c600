// Package interact performs one click, type or select action against a
// resolved element, escalating through interaction strategies until the page
// shows an observable effect.
package interact

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/veo-automator/internal/browser"
	"github.com/jonathan/veo-automator/internal/clock"
	"github.com/jonathan/veo-automator/internal/escalate"
	"github.com/jonathan/veo-automator/internal/locator"
)

// Kind is the type of an action.
type Kind string

const (
	KindClick  Kind = "click"
	KindType   Kind = "type"
	KindSelect Kind = "select"
)

// Strategy names, in escalation order.
const (
	StrategyNative   = "native"
	StrategyScript   = "script"
	StrategyDispatch = "dispatch"
	StrategyKeyboard = "keyboard"
	StrategyInsert   = "insert-text"
	StrategySetValue = "set-value"
	StrategyPaste    = "paste-event"
)

// DefaultSettle is the pause between a strategy and its effect check.
const DefaultSettle = 700 * time.Millisecond

// Effect reports whether the action visibly took hold.
type Effect func(ctx context.Context) (bool, error)

// Action describes what to do with a resolved element.
type Action struct {
	Kind Kind

	// Text is the text delivered by a type action.
	Text string

	// OptionTarget and OptionValue name the locator target of the option a
	// select action picks once the trigger is open.
	OptionTarget string
	OptionValue  string
	// KeySteps is the arrow-key distance from the first option used by the
	// keyboard path; negative values press ArrowUp. Keyboard disables the
	// path when false.
	KeySteps int
	Keyboard bool

	// Effect is checked after every strategy. A nil Effect on a type action
	// checks that the element's value holds the text.
	Effect Effect
}

// Outcome names the strategy that produced the effect.
type Outcome struct {
	Strategy string
	Attempts []escalate.Attempt
}

// Executor runs actions.
type Executor struct {
	page    browser.Page
	locator *locator.Locator
	clock   clock.Clock
	settle  time.Duration
	logger  *zap.Logger
}

// NewExecutor creates an executor. loc resolves select options.
func NewExecutor(page browser.Page, loc *locator.Locator, clk clock.Clock, settle time.Duration, logger *zap.Logger) *Executor {
	if clk == nil {
		clk = clock.Real{}
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{page: page, locator: loc, clock: clk, settle: settle, logger: logger.Named("interact")}
}

// Execute performs action on target.
func (x *Executor) Execute(ctx context.Context, target *locator.Resolved, action Action) (*Outcome, error) {
	if target == nil {
		return nil, fmt.Errorf("execute %s: no resolved element", action.Kind)
	}

	var strategies []escalate.Strategy[struct{}]
	effect := action.Effect
	switch action.Kind {
	case KindClick:
		strategies = x.clickStrategies(target.Element)
	case KindType:
		strategies = x.typeStrategies(target.Element, action.Text)
		if effect == nil {
			effect = ValueContains(x.page, target.Query, action.Text)
		}
	case KindSelect:
		if action.OptionTarget == "" {
			return nil, fmt.Errorf("execute select on %s: no option target", target.Target)
		}
		strategies = x.selectStrategies(target.Element, action)
	default:
		return nil, fmt.Errorf("unknown action kind %q", action.Kind)
	}

	check := func(ctx context.Context, _ struct{}) (bool, error) {
		if err := x.clock.Sleep(ctx, x.settle); err != nil {
			return false, err
		}
		if effect == nil {
			return true, nil
		}
		return effect(ctx)
	}

	res, err := escalate.Run(ctx, strategies, check, escalate.Options{
		Abort: browser.IsSessionLost,
		OnAttempt: func(a escalate.Attempt) {
			x.logger.Debug("interaction attempt",
				zap.String("target", target.Target),
				zap.String("action", string(action.Kind)),
				zap.String("strategy", a.Strategy),
				zap.Bool("effect", a.Effect),
				zap.Error(a.Err))
		},
	})
	if err == nil {
		return &Outcome{Strategy: res.Strategy, Attempts: res.Attempts}, nil
	}
	if browser.IsSessionLost(err) || ctx.Err() != nil {
		return nil, err
	}
	return nil, &BlockedError{
		Target:   target.Target,
		Action:   action.Kind,
		Attempts: res.Attempts,
		Summary:  res.Summary(),
	}
}

func step(name string, fn func(ctx context.Context) error) escalate.Strategy[struct{}] {
	return escalate.Strategy[struct{}]{
		Name: name,
		Try: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx)
		},
	}
}

func (x *Executor) clickStrategies(el browser.Element) []escalate.Strategy[struct{}] {
	return []escalate.Strategy[struct{}]{
		step(StrategyNative, func(ctx context.Context) error { return x.page.Click(ctx, el) }),
		step(StrategyScript, func(ctx context.Context) error { return x.page.ScriptClick(ctx, el) }),
		step(StrategyDispatch, func(ctx context.Context) error { return x.page.DispatchClick(ctx, el) }),
		step(StrategyKeyboard, func(ctx context.Context) error {
			if err := x.page.Focus(ctx, el); err != nil {
				return err
			}
			return x.page.PressKey(ctx, browser.KeyEnter)
		}),
	}
}

// typeStrategies never type character by character; every path delivers the
// whole text at once.
func (x *Executor) typeStrategies(el browser.Element, text string) []escalate.Strategy[struct{}] {
	return []escalate.Strategy[struct{}]{
		step(StrategyInsert, func(ctx context.Context) error {
			if err := x.page.SetValue(ctx, el, ""); err != nil {
				return err
			}
			if err := x.page.Focus(ctx, el); err != nil {
				return err
			}
			return x.page.InsertText(ctx, text)
		}),
		step(StrategySetValue, func(ctx context.Context) error { return x.page.SetValue(ctx, el, text) }),
		step(StrategyPaste, func(ctx context.Context) error {
			if err := x.page.SetValue(ctx, el, ""); err != nil {
				return err
			}
			return x.page.PasteText(ctx, el, text)
		}),
	}
}

func (x *Executor) selectStrategies(trigger browser.Element, action Action) []escalate.Strategy[struct{}] {
	pick := func(click func(context.Context, browser.Element) error) func(context.Context) error {
		return func(ctx context.Context) error {
			if err := click(ctx, trigger); err != nil {
				return err
			}
			if err := x.clock.Sleep(ctx, x.settle); err != nil {
				return err
			}
			opt, err := x.locator.ResolveValue(ctx, action.OptionTarget, action.OptionValue)
			if err != nil {
				return err
			}
			return click(ctx, opt.Element)
		}
	}

	strategies := []escalate.Strategy[struct{}]{
		step(StrategyNative, pick(x.page.Click)),
		step(StrategyScript, pick(x.page.ScriptClick)),
		step(StrategyDispatch, pick(x.page.DispatchClick)),
	}
	if action.Keyboard {
		strategies = append(strategies, step(StrategyKeyboard, func(ctx context.Context) error {
			return x.keyboardSelect(ctx, trigger, action.KeySteps)
		}))
	}
	return strategies
}

// keyboardSelect opens the trigger and walks the list with arrow keys, which
// needs no pointer targeting at all.
func (x *Executor) keyboardSelect(ctx context.Context, trigger browser.Element, steps int) error {
	if err := x.page.Focus(ctx, trigger); err != nil {
		return err
	}
	if err := x.page.PressKey(ctx, browser.KeyEnter); err != nil {
		return err
	}
	if err := x.clock.Sleep(ctx, x.settle); err != nil {
		return err
	}
	key := browser.KeyArrowDown
	if steps < 0 {
		key, steps = browser.KeyArrowUp, -steps
	}
	for i := 0; i < steps; i++ {
		if err := x.page.PressKey(ctx, key); err != nil {
			return err
		}
	}
	return x.page.PressKey(ctx, browser.KeyEnter)
}

// Appeared is an effect satisfied when any query matches a visible element.
func Appeared(page browser.Page, queries ...string) Effect {
	return func(ctx context.Context) (bool, error) {
		return anyVisible(ctx, page, queries)
	}
}

// Disappeared is an effect satisfied when no query matches a visible element.
func Disappeared(page browser.Page, queries ...string) Effect {
	return func(ctx context.Context) (bool, error) {
		ok, err := anyVisible(ctx, page, queries)
		return !ok && err == nil, err
	}
}

// TextContains is satisfied when a visible match of query has text or value
// containing want, ignoring case.
func TextContains(page browser.Page, query, want string) Effect {
	want = strings.ToLower(strings.TrimSpace(want))
	return func(ctx context.Context) (bool, error) {
		els, err := page.Find(ctx, query)
		if err != nil {
			return false, err
		}
		for _, el := range els {
			if !el.Visible {
				continue
			}
			if strings.Contains(strings.ToLower(el.Text), want) || strings.Contains(strings.ToLower(el.Value), want) {
				return true, nil
			}
		}
		return false, nil
	}
}

// ValueContains is satisfied when a match of query holds the start of text.
// Pages may reformat whitespace, so only a normalized prefix is compared.
func ValueContains(page browser.Page, query, text string) Effect {
	want := prefix(normalize(text), 40)
	return func(ctx context.Context) (bool, error) {
		els, err := page.Find(ctx, query)
		if err != nil {
			return false, err
		}
		for _, el := range els {
			got := normalize(el.Value)
			if got == "" {
				got = normalize(el.Text)
			}
			if want == "" && got == "" {
				return true, nil
			}
			if want != "" && strings.Contains(got, want) {
				return true, nil
			}
		}
		return false, nil
	}
}

// All combines effects; every one must hold.
func All(effects ...Effect) Effect {
	return func(ctx context.Context) (bool, error) {
		for _, e := range effects {
			ok, err := e(ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}

// AnyOf combines effects; one must hold.
func AnyOf(effects ...Effect) Effect {
	return func(ctx context.Context) (bool, error) {
		for _, e := range effects {
			ok, err := e(ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
}

func anyVisible(ctx context.Context, page browser.Page, queries []string) (bool, error) {
	for _, q := range queries {
		els, err := page.Find(ctx, q)
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

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}
