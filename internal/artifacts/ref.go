// Package artifacts finds generated videos on the page and filters out the
// ones the current batch already handled.
package artifacts

import (
	"net/url"
	"path"
	"strings"
	"time"
)

// Kind says how an artifact was found.
type Kind string

const (
	// KindDirect is a media element's source.
	KindDirect Kind = "direct"
	// KindLink is a link target.
	KindLink Kind = "link"
	// KindButton is a media source reached through a download control.
	KindButton Kind = "button"
)

// DefaultExt is used when an address declares no known media type.
const DefaultExt = "mp4"

// Ref is one generated video. Two refs are the same artifact when their
// addresses are equal.
type Ref struct {
	Address      string    `json:"address"`
	Kind         Kind      `json:"kind"`
	Ext          string    `json:"ext"`
	DiscoveredAt time.Time `json:"discovered_at"`
	// Trigger is an XPath to the download control shown with the artifact,
	// if any. The downloader clicks it when the address is not fetchable.
	Trigger string `json:"trigger,omitempty"`
}

// Ephemeral reports whether the address only exists inside the page.
func (r Ref) Ephemeral() bool {
	return strings.HasPrefix(r.Address, "blob:")
}

// Inline reports whether the address carries its own bytes.
func (r Ref) Inline() bool {
	return strings.HasPrefix(r.Address, "data:")
}

var mediaExts = map[string]string{
	".mp4":  "mp4",
	".webm": "webm",
	".mov":  "mov",
}

var mediaTypes = map[string]string{
	"video/mp4":       "mp4",
	"video/webm":      "webm",
	"video/quicktime": "mov",
}

// Classify validates address and returns its file extension. Accepted:
// blob: handles, data:video/ payloads, and absolute http(s) URLs whose path
// ends in a media extension or whose query declares a video type.
func Classify(address string) (string, bool) {
	a := strings.TrimSpace(address)
	lower := strings.ToLower(a)

	switch {
	case a == "":
		return "", false
	case strings.HasPrefix(lower, "blob:"):
		return DefaultExt, true
	case strings.HasPrefix(lower, "data:video/"):
		mime := lower[len("data:"):]
		if i := strings.IndexAny(mime, ";,"); i >= 0 {
			mime = mime[:i]
		}
		if ext, ok := mediaTypes[mime]; ok {
			return ext, true
		}
		return DefaultExt, true
	}

	u, err := url.Parse(a)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	if ext, ok := mediaExts[strings.ToLower(path.Ext(u.Path))]; ok {
		return ext, true
	}
	query := strings.ToLower(u.RawQuery)
	for _, mime := range []string{"video/mp4", "video/webm", "video/quicktime"} {
		if strings.Contains(query, mime) || strings.Contains(query, strings.ToLower(url.QueryEscape(mime))) {
			return mediaTypes[mime], true
		}
	}
	for _, suffix := range []string{".mp4", ".webm", ".mov"} {
		if strings.Contains(query, suffix) {
			return mediaExts[suffix], true
		}
	}
	return "", false
}
