// Package download retrieves artifacts into the destination directory as
// {sequence}.{ext} files.
package download

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/veo-automator/internal/artifacts"
	"github.com/jonathan/veo-automator/internal/browser"
	"github.com/jonathan/veo-automator/internal/locator"
)

const (
	// DefaultChunkSize is the streaming buffer size.
	DefaultChunkSize = 1 << 20
	// DefaultSyncEvery is how many chunks are written between fsyncs.
	DefaultSyncEvery = 8
	// DefaultUserAgent matches a desktop Chrome; some CDNs reject bare clients.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"
	// DownloadButtonTarget is the locator target clicked when an ephemeral
	// artifact carries no trigger of its own.
	DownloadButtonTarget = "download_button"
)

// Options configure a Downloader.
type Options struct {
	Dir        string
	ChunkSize  int
	SyncEvery  int
	Retries    int
	RetryDelay time.Duration
	Timeout    time.Duration
	UserAgent  string
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.SyncEvery <= 0 {
		o.SyncEvery = DefaultSyncEvery
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	return o
}

// Result describes one artifact's retrieval.
type Result struct {
	Address string `json:"address"`
	Path    string `json:"path,omitempty"`
	Bytes   int64  `json:"bytes"`
	Success bool   `json:"success"`
	// Triggered means the page's download control was activated; the file
	// itself was not verified.
	Triggered bool  `json:"triggered"`
	Attempts  int   `json:"attempts"`
	Err       error `json:"-"`
}

// Delivered reports whether the artifact was saved or handed to the browser.
func (r Result) Delivered() bool {
	return r.Success || r.Triggered
}

// Downloader retrieves artifacts.
type Downloader struct {
	page    browser.Page
	locator *locator.Locator
	seq     *Sequence
	client  *http.Client
	opts    Options
	logger  *zap.Logger
}

// New creates a downloader writing into opts.Dir and numbering files from seq.
func New(page browser.Page, loc *locator.Locator, seq *Sequence, opts Options, logger *zap.Logger) *Downloader {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		page:    page,
		locator: loc,
		seq:     seq,
		client:  &http.Client{Timeout: opts.Timeout},
		opts:    opts,
		logger:  logger.Named("download"),
	}
}

// DownloadAll retrieves refs in order. Failures are reported per result and
// never stop the loop; only a cancelled context does.
func (d *Downloader) DownloadAll(ctx context.Context, refs []artifacts.Ref) []Result {
	results := make([]Result, 0, len(refs))
	for _, ref := range refs {
		if ctx.Err() != nil {
			results = append(results, Result{Address: ref.Address, Err: ctx.Err()})
			continue
		}
		results = append(results, d.Download(ctx, ref))
	}
	return results
}

// Download retrieves one artifact with retries.
func (d *Downloader) Download(ctx context.Context, ref artifacts.Ref) Result {
	res := Result{Address: ref.Address}

	op := func() error {
		res.Attempts++
		var err error
		switch {
		case ref.Ephemeral():
			err = d.trigger(ctx, ref)
			if err == nil {
				res.Triggered = true
			}
		case ref.Inline():
			res.Path, res.Bytes, err = d.decode(ctx, ref)
		default:
			res.Path, res.Bytes, err = d.fetch(ctx, ref)
		}
		if err != nil && permanent(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Warn("download attempt failed, retrying",
			zap.String("address", shorten(ref.Address)),
			zap.Int("attempt", res.Attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.opts.RetryDelay), uint64(d.opts.Retries-1)),
		ctx,
	)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		res.Err = &DownloadError{Address: ref.Address, Attempts: res.Attempts, Cause: err}
		d.logger.Error("download failed", zap.String("address", shorten(ref.Address)), zap.Error(err))
		return res
	}

	res.Success = !res.Triggered
	if res.Triggered {
		d.logger.Info("download triggered through page control", zap.String("address", shorten(ref.Address)))
	} else {
		d.logger.Info("artifact saved", zap.String("path", res.Path), zap.Int64("bytes", res.Bytes))
	}
	return res
}

// permanent reports whether err is not worth another attempt. A deadline
// only ends the retries when it is the caller's; the client timeout of a
// single request is retried.
func permanent(ctx context.Context, err error) bool {
	if ctx.Err() != nil || browser.IsSessionLost(err) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusForbidden, http.StatusNotFound, http.StatusGone:
			return true
		}
	}
	return false
}

// fetch streams the address into a .part file and commits it under the next
// sequence number.
func (d *Downloader) fetch(ctx context.Context, ref artifacts.Ref) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.Address, nil)
	if err != nil {
		return "", 0, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", d.opts.UserAgent)
	if d.page != nil {
		cookies, err := d.page.Cookies(ctx, ref.Address)
		if err != nil && browser.IsSessionLost(err) {
			return "", 0, err
		}
		for _, c := range cookies {
			req.AddCookie(c)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, &StatusError{StatusCode: resp.StatusCode}
	}

	ext := ref.Ext
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "video/webm") {
		ext = "webm"
	}
	return d.write(ctx, ext, resp.Body)
}

// decode writes a data: address.
func (d *Downloader) decode(ctx context.Context, ref artifacts.Ref) (string, int64, error) {
	comma := strings.IndexByte(ref.Address, ',')
	if comma < 0 {
		return "", 0, backoff.Permanent(errors.New("malformed data address"))
	}
	meta, payload := ref.Address[:comma], ref.Address[comma+1:]

	var data []byte
	if strings.HasSuffix(meta, ";base64") {
		b, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", 0, backoff.Permanent(fmt.Errorf("failed to decode data address: %w", err))
		}
		data = b
	} else {
		s, err := url.PathUnescape(payload)
		if err != nil {
			return "", 0, backoff.Permanent(fmt.Errorf("failed to decode data address: %w", err))
		}
		data = []byte(s)
	}
	return d.write(ctx, ref.Ext, bytes.NewReader(data))
}

// write copies r into a temporary file in chunks, syncing periodically, and
// renames it to {seq}.{ext} only when everything was written.
func (d *Downloader) write(ctx context.Context, ext string, r io.Reader) (string, int64, error) {
	if err := os.MkdirAll(d.opts.Dir, 0o755); err != nil {
		return "", 0, backoff.Permanent(fmt.Errorf("failed to create output directory: %w", err))
	}
	part := filepath.Join(d.opts.Dir, "."+uuid.NewString()+".part")
	f, err := os.Create(part)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create %s: %w", part, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = f.Close()
			_ = os.Remove(part)
		}
	}()

	buf := make([]byte, d.opts.ChunkSize)
	var total int64
	chunks := 0
	for {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return "", 0, fmt.Errorf("failed to write %s: %w", part, err)
			}
			total += int64(n)
			chunks++
			if chunks%d.opts.SyncEvery == 0 {
				if err := f.Sync(); err != nil {
					return "", 0, fmt.Errorf("failed to sync %s: %w", part, err)
				}
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return "", 0, fmt.Errorf("failed to read body: %w", rerr)
		}
	}
	if total == 0 {
		return "", 0, errors.New("empty response body")
	}
	if err := f.Sync(); err != nil {
		return "", 0, fmt.Errorf("failed to sync %s: %w", part, err)
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close %s: %w", part, err)
	}

	var final string
	_, err = d.seq.Commit(func(seq int) error {
		final = filepath.Join(d.opts.Dir, fmt.Sprintf("%d.%s", seq, ext))
		return commitFile(part, final)
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to commit %s: %w", final, err)
	}
	committed = true
	return final, total, nil
}

// commitFile moves part to final and fails with fs.ErrExist instead of
// replacing a file that is already there.
func commitFile(part, final string) error {
	if err := os.Link(part, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		// No hard links on this filesystem.
		if _, statErr := os.Lstat(final); statErr == nil {
			return &os.LinkError{Op: "commit", Old: part, New: final, Err: fs.ErrExist}
		}
		return os.Rename(part, final)
	}
	_ = os.Remove(part)
	return nil
}

// trigger clicks the artifact's own download control, or the page-wide one.
func (d *Downloader) trigger(ctx context.Context, ref artifacts.Ref) error {
	if d.page == nil {
		return ErrNoTrigger
	}
	if ref.Trigger != "" {
		els, err := d.page.Find(ctx, ref.Trigger)
		if err != nil && browser.IsSessionLost(err) {
			return err
		}
		for _, el := range els {
			if el.Interactable() {
				return d.click(ctx, el)
			}
		}
	}
	if d.locator == nil {
		return ErrNoTrigger
	}
	resolved, err := d.locator.Resolve(ctx, DownloadButtonTarget)
	if err != nil {
		if browser.IsSessionLost(err) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrNoTrigger, err)
	}
	return d.click(ctx, resolved.Element)
}

func (d *Downloader) click(ctx context.Context, el browser.Element) error {
	err := d.page.Click(ctx, el)
	if err == nil || browser.IsSessionLost(err) {
		return err
	}
	return d.page.ScriptClick(ctx, el)
}
