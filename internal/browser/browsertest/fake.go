// Package browsertest provides an in-memory browser.Page for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/jonathan/veo-automator/internal/browser"
)

// Page is a scriptable fake. Queries map to fixed element lists; hooks let a
// test react to interactions by changing what later queries return.
type Page struct {
	mu       sync.Mutex
	elements map[string][]browser.Element
	findErr  map[string]error
	calls    []string
	inserted []string
	lost     bool

	Doc      string
	Location string
	Jar      []*http.Cookie

	// OnAction is called for every interaction; method is one of click,
	// script-click, dispatch-click, click-at, focus, key, insert-text,
	// set-value, paste. Returning an error fails the call.
	OnAction func(p *Page, method string, el browser.Element, arg string) error
	// OnEvaluate handles Evaluate; the result is JSON-decoded into res.
	OnEvaluate func(p *Page, script string) (any, error)
}

// New returns an empty fake page.
func New() *Page {
	return &Page{
		elements: make(map[string][]browser.Element),
		findErr:  make(map[string]error),
		Location: browser.DefaultTargetURL,
	}
}

// Visible builds an interactable element.
func Visible(handle, tag, text string) browser.Element {
	return browser.Element{
		Handle:  handle,
		Tag:     tag,
		Text:    text,
		Attrs:   map[string]string{},
		Visible: true,
		Enabled: true,
		Rect:    browser.Rect{X: 100, Y: 100, Width: 80, Height: 30},
	}
}

// Set makes query return els.
func (p *Page) Set(query string, els ...browser.Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[query] = els
}

// Clear makes query return nothing.
func (p *Page) Clear(query string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.elements, query)
}

// FailFind makes Find(query) return err.
func (p *Page) FailFind(query string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.findErr[query] = err
}

// Lose makes every later call fail with a SessionLostError.
func (p *Page) Lose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lost = true
}

// Restore undoes Lose.
func (p *Page) Restore() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lost = false
}

// Calls returns the recorded call log.
func (p *Page) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// CallsWithPrefix returns the recorded calls starting with prefix.
func (p *Page) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range p.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Inserted returns every text passed to InsertText, SetValue or PasteText.
func (p *Page) Inserted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.inserted...)
}

func (p *Page) record(call string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	if p.lost {
		return &browser.SessionLostError{Message: "fake session closed"}
	}
	return nil
}

func (p *Page) act(method string, el browser.Element, arg string) error {
	call := method
	if el.Handle != "" {
		call += ":" + el.Handle
	}
	if arg != "" {
		call += ":" + arg
	}
	if err := p.record(call); err != nil {
		return err
	}
	if p.OnAction != nil {
		return p.OnAction(p, method, el, arg)
	}
	return nil
}

func (p *Page) Find(_ context.Context, query string) ([]browser.Element, error) {
	if err := p.record("find:" + query); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.findErr[query]; err != nil {
		return nil, err
	}
	return append([]browser.Element(nil), p.elements[query]...), nil
}

func (p *Page) Click(_ context.Context, el browser.Element) error {
	return p.act("click", el, "")
}

func (p *Page) ScriptClick(_ context.Context, el browser.Element) error {
	return p.act("script-click", el, "")
}

func (p *Page) DispatchClick(_ context.Context, el browser.Element) error {
	return p.act("dispatch-click", el, "")
}

func (p *Page) ClickAt(_ context.Context, x, y float64) error {
	return p.act("click-at", browser.Element{}, fmt.Sprintf("%.0f,%.0f", x, y))
}

func (p *Page) Focus(_ context.Context, el browser.Element) error {
	return p.act("focus", el, "")
}

func (p *Page) PressKey(_ context.Context, key browser.Key) error {
	return p.act("key", browser.Element{}, string(key))
}

func (p *Page) InsertText(_ context.Context, text string) error {
	p.mu.Lock()
	p.inserted = append(p.inserted, text)
	p.mu.Unlock()
	return p.act("insert-text", browser.Element{}, "")
}

func (p *Page) SetValue(_ context.Context, el browser.Element, text string) error {
	p.mu.Lock()
	p.inserted = append(p.inserted, text)
	p.mu.Unlock()
	return p.act("set-value", el, "")
}

func (p *Page) PasteText(_ context.Context, el browser.Element, text string) error {
	p.mu.Lock()
	p.inserted = append(p.inserted, text)
	p.mu.Unlock()
	return p.act("paste", el, "")
}

func (p *Page) Evaluate(_ context.Context, script string, res any) error {
	if err := p.record("evaluate"); err != nil {
		return err
	}
	if p.OnEvaluate == nil {
		return nil
	}
	out, err := p.OnEvaluate(p, script)
	if err != nil || res == nil {
		return err
	}
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, res)
}

func (p *Page) HTML(_ context.Context) (string, error) {
	if err := p.record("html"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Doc, nil
}

// SetHTML replaces the document returned by HTML.
func (p *Page) SetHTML(doc string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Doc = doc
}

func (p *Page) Navigate(_ context.Context, url string) error {
	if err := p.record("navigate:" + url); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Location = url
	return nil
}

func (p *Page) URL(_ context.Context) (string, error) {
	if err := p.record("url"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Location, nil
}

func (p *Page) Cookies(_ context.Context, _ string) ([]*http.Cookie, error) {
	if err := p.record("cookies"); err != nil {
		return nil, err
	}
	return p.Jar, nil
}

var _ browser.Page = (*Page)(nil)

// Session is a fake session controller for the waiter and batch tests.
type Session struct {
	mu sync.Mutex

	// AliveSeq is consumed one value per Alive call; when empty, Default is used.
	AliveSeq []bool
	Default  bool
	// RecoverErrs is consumed one value per Recover call; when empty, nil.
	RecoverErrs []error

	AliveCalls   int
	RecoverCalls int
}

// NewSession returns a session that is always alive.
func NewSession() *Session {
	return &Session{Default: true}
}

func (s *Session) Alive(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AliveCalls++
	if len(s.AliveSeq) > 0 {
		v := s.AliveSeq[0]
		s.AliveSeq = s.AliveSeq[1:]
		return v
	}
	return s.Default
}

func (s *Session) Recover(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecoverCalls++
	if len(s.RecoverErrs) > 0 {
		err := s.RecoverErrs[0]
		s.RecoverErrs = s.RecoverErrs[1:]
		return err
	}
	return nil
}
