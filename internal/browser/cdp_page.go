package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// DefaultActionTimeout bounds a single page call.
const DefaultActionTimeout = 15 * time.Second

type keyInfo struct {
	code string
	vk   int64
	text string
}

var keyTable = map[Key]keyInfo{
	KeyEscape:    {code: "Escape", vk: 27},
	KeyEnter:     {code: "Enter", vk: 13, text: "\r"},
	KeyArrowDown: {code: "ArrowDown", vk: 40},
	KeyArrowUp:   {code: "ArrowUp", vk: 38},
	KeyTab:       {code: "Tab", vk: 9},
}

// CDPPage implements Page on a chromedp tab context.
type CDPPage struct {
	tab     context.Context
	timeout time.Duration
}

// NewCDPPage wraps a chromedp context created with chromedp.NewContext.
func NewCDPPage(tab context.Context, timeout time.Duration) *CDPPage {
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	return &CDPPage{tab: tab, timeout: timeout}
}

// run executes actions on the tab, bounded by the page timeout and by ctx.
func (p *CDPPage) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(p.tab, p.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return p.classify(err)
}

// classify turns transport failures into SessionLostError.
func (p *CDPPage) classify(err error) error {
	if p.tab.Err() != nil {
		return &SessionLostError{Message: "browser context closed", Cause: err}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"websocket", "target closed", "no target with given id", "session closed", "connection refused", "broken pipe", "invalid context"} {
		if strings.Contains(msg, marker) {
			return &SessionLostError{Message: "devtools connection failed", Cause: err}
		}
	}
	return err
}

type findResult struct {
	Error    string    `json:"error"`
	Elements []Element `json:"elements"`
}

// Find resolves query to element snapshots in document order.
func (p *CDPPage) Find(ctx context.Context, query string) ([]Element, error) {
	var res findResult
	if err := p.run(ctx, chromedp.Evaluate(FindScript(query), &res)); err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, fmt.Errorf("invalid query %q: %s", query, res.Error)
	}
	return res.Elements, nil
}

func (p *CDPPage) onElement(ctx context.Context, el Element, body string, args ...any) error {
	var out any
	if err := p.run(ctx, chromedp.Evaluate(elementJS(el.Handle, body, args...), &out)); err != nil {
		return err
	}
	if s, ok := out.(string); ok && s == "stale" {
		return ErrStaleElement
	}
	return nil
}

type pointInfo struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Covered bool    `json:"covered"`
}

// Click scrolls the element into view and clicks its center with the mouse.
func (p *CDPPage) Click(ctx context.Context, el Element) error {
	var raw any
	if err := p.run(ctx, chromedp.Evaluate(elementJS(el.Handle, scrollIntoViewBody), &raw)); err != nil {
		return err
	}
	if s, ok := raw.(string); ok && s == "stale" {
		return ErrStaleElement
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected scroll result %T", raw)
	}
	pt := pointInfo{}
	pt.X, _ = m["x"].(float64)
	pt.Y, _ = m["y"].(float64)
	pt.Covered, _ = m["covered"].(bool)
	if pt.Covered {
		return ErrIntercepted
	}
	return p.ClickAt(ctx, pt.X, pt.Y)
}

// ScriptClick calls element.click().
func (p *CDPPage) ScriptClick(ctx context.Context, el Element) error {
	return p.onElement(ctx, el, scriptClickBody)
}

// DispatchClick fires pointer and mouse events at the element.
func (p *CDPPage) DispatchClick(ctx context.Context, el Element) error {
	return p.onElement(ctx, el, dispatchClickBody)
}

// ClickAt clicks the viewport point.
func (p *CDPPage) ClickAt(ctx context.Context, x, y float64) error {
	return p.run(ctx, chromedp.MouseClickXY(x, y))
}

// Focus focuses the element.
func (p *CDPPage) Focus(ctx context.Context, el Element) error {
	return p.onElement(ctx, el, focusBody)
}

// PressKey sends a key down/up pair to the focused element.
func (p *CDPPage) PressKey(ctx context.Context, key Key) error {
	events, err := keyEvents(key)
	if err != nil {
		return err
	}
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, ev := range events {
			if err := ev.Do(ctx); err != nil {
				return err
			}
		}
		return nil
	}))
}

// keyEvents builds the down/up pair for key. Keys without text go down as
// rawKeyDown so the page sees no character.
func keyEvents(key Key) ([]*input.DispatchKeyEventParams, error) {
	info, ok := keyTable[key]
	if !ok {
		return nil, fmt.Errorf("unsupported key %q", key)
	}
	downType := input.KeyRawDown
	if info.text != "" {
		downType = input.KeyDown
	}
	down := input.DispatchKeyEvent(downType).
		WithKey(string(key)).
		WithCode(info.code).
		WithWindowsVirtualKeyCode(info.vk).
		WithNativeVirtualKeyCode(info.vk)
	if info.text != "" {
		down = down.WithText(info.text)
	}
	up := input.DispatchKeyEvent(input.KeyUp).
		WithKey(string(key)).
		WithCode(info.code).
		WithWindowsVirtualKeyCode(info.vk).
		WithNativeVirtualKeyCode(info.vk)
	return []*input.DispatchKeyEventParams{down, up}, nil
}

// InsertText inserts text at the caret in one input event, like a paste.
func (p *CDPPage) InsertText(ctx context.Context, text string) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.InsertText(text).Do(ctx)
	}))
}

// SetValue writes the value through the native setter.
func (p *CDPPage) SetValue(ctx context.Context, el Element, text string) error {
	return p.onElement(ctx, el, setValueBody, text)
}

// PasteText dispatches a synthetic paste event.
func (p *CDPPage) PasteText(ctx context.Context, el Element, text string) error {
	return p.onElement(ctx, el, pasteBody, text)
}

// Evaluate runs script; res may be nil.
func (p *CDPPage) Evaluate(ctx context.Context, script string, res any) error {
	return p.run(ctx, chromedp.Evaluate(script, res))
}

// HTML returns the outer HTML of the document.
func (p *CDPPage) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// Navigate loads url and waits for the body.
func (p *CDPPage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

// URL returns the current location.
func (p *CDPPage) URL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// Cookies returns the browser cookies that apply to url.
func (p *CDPPage) Cookies(ctx context.Context, url string) ([]*http.Cookie, error) {
	var cookies []*network.Cookie
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().WithURLs([]string{url}).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	return out, nil
}

// Ping checks that the tab still answers.
func (p *CDPPage) Ping(ctx context.Context) error {
	var state string
	err := p.run(ctx, chromedp.Evaluate(`document.readyState`, &state))
	if err != nil {
		return err
	}
	if state == "" {
		return errors.New("empty readyState")
	}
	return nil
}

var _ Page = (*CDPPage)(nil)
