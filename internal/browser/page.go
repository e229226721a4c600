// Package browser owns the Chrome session the engine drives and exposes the
// page operations every other component is written against.
package browser

import (
	"context"
	"net/http"
	"strings"
)

// Key is a named keyboard key.
type Key string

// Keys used by the workflow.
const (
	KeyEscape    Key = "Escape"
	KeyEnter     Key = "Enter"
	KeyArrowDown Key = "ArrowDown"
	KeyArrowUp   Key = "ArrowUp"
	KeyTab       Key = "Tab"
)

// Rect is an element's bounding box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of the box.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Element is a snapshot of one page element taken when it was found.
// Handle addresses the live element for follow-up actions; it goes stale when
// the page replaces the node.
type Element struct {
	Handle  string            `json:"handle"`
	Tag     string            `json:"tag"`
	Text    string            `json:"text"`
	Value   string            `json:"value"`
	Attrs   map[string]string `json:"attrs"`
	Visible bool              `json:"visible"`
	Enabled bool              `json:"enabled"`
	Rect    Rect              `json:"rect"`
}

// Attr returns an attribute value or "".
func (e Element) Attr(name string) string {
	if e.Attrs == nil {
		return ""
	}
	return e.Attrs[name]
}

// Label is the lower-cased text plus aria-label, used for keyword matching.
func (e Element) Label() string {
	var sb strings.Builder
	sb.WriteString(e.Text)
	if aria := e.Attr("aria-label"); aria != "" {
		sb.WriteString(" ")
		sb.WriteString(aria)
	}
	if title := e.Attr("title"); title != "" {
		sb.WriteString(" ")
		sb.WriteString(title)
	}
	return strings.ToLower(sb.String())
}

// Interactable reports whether the element can receive input.
func (e Element) Interactable() bool {
	return e.Visible && e.Enabled
}

// Page is the set of page operations the engine needs. Queries are XPath
// expressions (leading "/" or "(") or CSS selectors.
type Page interface {
	Find(ctx context.Context, query string) ([]Element, error)

	// Click moves the pointer to the element's center and presses the left button.
	Click(ctx context.Context, el Element) error
	// ScriptClick calls element.click() from page script.
	ScriptClick(ctx context.Context, el Element) error
	// DispatchClick fires synthetic pointer and mouse events on the element.
	DispatchClick(ctx context.Context, el Element) error
	ClickAt(ctx context.Context, x, y float64) error
	Focus(ctx context.Context, el Element) error
	PressKey(ctx context.Context, key Key) error

	// InsertText inserts text at the focused element as a paste would.
	InsertText(ctx context.Context, text string) error
	// SetValue writes through the native value setter and fires input/change.
	SetValue(ctx context.Context, el Element, text string) error
	// PasteText dispatches a synthetic paste ClipboardEvent carrying text.
	PasteText(ctx context.Context, el Element, text string) error

	// Evaluate runs script and decodes its JSON result into res (may be nil).
	Evaluate(ctx context.Context, script string, res any) error
	HTML(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	Cookies(ctx context.Context, url string) ([]*http.Cookie, error)
}

// IsXPath reports whether query is an XPath expression.
func IsXPath(query string) bool {
	q := strings.TrimSpace(query)
	return strings.HasPrefix(q, "/") || strings.HasPrefix(q, "(") || strings.HasPrefix(q, "./")
}
