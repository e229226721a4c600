package artifacts

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/jonathan/veo-automator/internal/browser"
	"github.com/jonathan/veo-automator/internal/clock"
)

// downloadWords are the control labels that mark a download control.
var downloadWords = []string{"download", "tải xuống"}

// containerDepth bounds how far up a download control looks for its video.
const containerDepth = 6

// Options tune Collect.
type Options struct {
	// Attempts is how many scans Collect makes while nothing new shows up.
	Attempts int
	// Delay separates those scans.
	Delay time.Duration
}

// Collector scans page snapshots for artifacts.
type Collector struct {
	page   browser.Page
	seen   *SeenSet
	clock  clock.Clock
	opts   Options
	logger *zap.Logger
}

// NewCollector creates a collector that claims addresses in seen.
func NewCollector(page browser.Page, seen *SeenSet, clk clock.Clock, opts Options, logger *zap.Logger) *Collector {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Delay <= 0 {
		opts.Delay = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{page: page, seen: seen, clock: clk, opts: opts, logger: logger.Named("artifacts")}
}

// Collect scans until something new appears or the attempts run out. An
// empty result is not an error.
func (c *Collector) Collect(ctx context.Context) ([]Ref, error) {
	for attempt := 1; ; attempt++ {
		refs, err := c.Scan(ctx)
		if err != nil {
			return nil, err
		}
		if len(refs) > 0 || attempt >= c.opts.Attempts {
			return refs, nil
		}
		c.logger.Debug("no new artifacts yet", zap.Int("attempt", attempt))
		if err := c.clock.Sleep(ctx, c.opts.Delay); err != nil {
			return nil, err
		}
	}
}

// Scan returns the artifacts on the page that the seen set did not hold yet,
// claiming each one before returning it.
func (c *Collector) Scan(ctx context.Context) ([]Ref, error) {
	found, err := c.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	var fresh []Ref
	for _, ref := range found {
		if c.seen.Claim(ref.Address) {
			fresh = append(fresh, ref)
		}
	}
	c.logger.Debug("artifact scan", zap.Int("found", len(found)), zap.Int("new", len(fresh)), zap.Int("seen", c.seen.Len()))
	return fresh, nil
}

// Candidates returns every valid artifact on the page in document order,
// without consulting the seen set.
func (c *Collector) Candidates(ctx context.Context) ([]Ref, error) {
	doc, err := c.page.HTML(ctx)
	if err != nil {
		return nil, err
	}
	base, err := c.page.URL(ctx)
	if err != nil {
		return nil, err
	}
	return Parse(doc, base, c.clock.Now())
}

// Parse extracts artifacts from an HTML snapshot. Relative addresses resolve
// against base.
func Parse(doc, base string, now time.Time) ([]Ref, error) {
	d, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page snapshot: %w", err)
	}
	baseURL, _ := url.Parse(base)

	var refs []Ref
	index := make(map[string]int)
	add := func(address string, kind Kind, trigger string) {
		address = resolve(baseURL, address)
		ext, ok := Classify(address)
		if !ok {
			return
		}
		if i, dup := index[address]; dup {
			if refs[i].Trigger == "" {
				refs[i].Trigger = trigger
			}
			return
		}
		index[address] = len(refs)
		refs = append(refs, Ref{Address: address, Kind: kind, Ext: ext, DiscoveredAt: now, Trigger: trigger})
	}

	d.Find("video").Each(func(_ int, v *goquery.Selection) {
		if hidden(v) {
			return
		}
		add(videoSource(v), KindDirect, triggerNear(v))
	})

	d.Find("a[href], a[download]").Each(func(_ int, a *goquery.Selection) {
		if hidden(a) {
			return
		}
		href, _ := a.Attr("href")
		if _, ok := Classify(resolve(baseURL, href)); !ok {
			if dl, ok := a.Attr("download"); ok && dl != "" {
				href = dl
			}
		}
		add(href, KindLink, XPath(a))
	})

	d.Find("button").Each(func(_ int, b *goquery.Selection) {
		if hidden(b) || !isDownloadControl(b) {
			return
		}
		for _, attr := range []string{"data-url", "data-href", "href"} {
			if v, ok := b.Attr(attr); ok && v != "" {
				add(v, KindButton, XPath(b))
				return
			}
		}
		if v := nearestVideo(b); v != nil {
			add(videoSource(v), KindButton, XPath(b))
		}
	})

	return refs, nil
}

func resolve(base *url.URL, address string) string {
	address = strings.TrimSpace(address)
	if address == "" || base == nil {
		return address
	}
	if strings.HasPrefix(address, "blob:") || strings.HasPrefix(address, "data:") {
		return address
	}
	ref, err := url.Parse(address)
	if err != nil || ref.IsAbs() {
		return address
	}
	return base.ResolveReference(ref).String()
}

func videoSource(v *goquery.Selection) string {
	if src, ok := v.Attr("src"); ok && src != "" {
		return src
	}
	if src, ok := v.Find("source[src]").First().Attr("src"); ok {
		return src
	}
	return ""
}

func hidden(s *goquery.Selection) bool {
	if _, ok := s.Attr("hidden"); ok {
		return true
	}
	if aria, _ := s.Attr("aria-hidden"); aria == "true" {
		return true
	}
	style, _ := s.Attr("style")
	style = strings.ReplaceAll(strings.ToLower(style), " ", "")
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

func isDownloadControl(b *goquery.Selection) bool {
	label := strings.ToLower(b.Text())
	if aria, ok := b.Attr("aria-label"); ok {
		label += " " + strings.ToLower(aria)
	}
	if title, ok := b.Attr("title"); ok {
		label += " " + strings.ToLower(title)
	}
	for _, w := range downloadWords {
		if strings.Contains(label, w) {
			return true
		}
	}
	return false
}

// nearestVideo walks up from a control to the closest ancestor holding a video.
func nearestVideo(s *goquery.Selection) *goquery.Selection {
	cur := s.Parent()
	for i := 0; i < containerDepth && cur.Length() > 0; i++ {
		if v := cur.Find("video").First(); v.Length() > 0 {
			return v
		}
		cur = cur.Parent()
	}
	return nil
}

// triggerNear finds the download control that belongs to a video.
func triggerNear(v *goquery.Selection) string {
	cur := v.Parent()
	for i := 0; i < containerDepth && cur.Length() > 0; i++ {
		if cur.Find("video").Length() > 1 {
			// shared container; a control here may belong to another video
			return ""
		}
		var found string
		cur.Find("button").EachWithBreak(func(_ int, b *goquery.Selection) bool {
			if isDownloadControl(b) {
				found = XPath(b)
				return false
			}
			return true
		})
		if found != "" {
			return found
		}
		cur = cur.Parent()
	}
	return ""
}

// XPath returns the absolute positional XPath of the first selected element.
func XPath(s *goquery.Selection) string {
	var parts []string
	for cur := s.First(); cur.Length() > 0; cur = cur.Parent() {
		name := goquery.NodeName(cur)
		if name == "" || strings.HasPrefix(name, "#") {
			break
		}
		pos := cur.PrevAllFiltered(name).Length() + 1
		parts = append(parts, fmt.Sprintf("%s[%d]", name, pos))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}
