package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTargetURL is the Flow tool page.
const DefaultTargetURL = "https://labs.google/fx/vi/tools/flow"

// BaseDebugPort is Chrome's conventional remote debugging port.
const BaseDebugPort = 9222

// State is the liveness of a session.
type State string

// Session states.
const (
	StateIdle       State = "idle"
	StateAlive      State = "alive"
	StateRecovering State = "recovering"
	StateLost       State = "lost"
)

// Options configures a Manager.
type Options struct {
	ProfileDir  string // Chrome user-data-dir holding the signed-in profile
	DebuggerURL string // attach to an already running Chrome instead of launching one
	DebugPort   int    // 0 picks a unique port above BaseDebugPort
	Headless    bool   // run Chrome without a window
	TargetURL   string // page to open after start and after recovery
	DownloadDir string // where browser-triggered downloads land

	ActionTimeout    time.Duration
	NavigateTimeout  time.Duration
	PingTimeout      time.Duration
	RecoveryAttempts int
	RecoveryDelay    time.Duration
}

// Info is a read-only snapshot of the session.
type Info struct {
	ID         uuid.UUID `json:"id"`
	State      State     `json:"state"`
	Profile    string    `json:"profile,omitempty"`
	Endpoint   string    `json:"endpoint,omitempty"`
	Recoveries int       `json:"recoveries"`
}

// Manager owns one browser session. Recovery replaces the underlying
// connection in place; callers keep using the Page returned by Page().
type Manager struct {
	opts   Options
	logger *zap.Logger

	// recoverMu serializes Recover; mu is only held for a single attempt.
	recoverMu sync.Mutex

	mu          sync.Mutex
	id          uuid.UUID
	state       State
	parent      context.Context
	allocCancel context.CancelFunc
	tabCancel   context.CancelFunc
	page        *CDPPage
	recoveries  int
	endpoint    string
}

// NewManager creates a manager; call Start before use.
func NewManager(opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TargetURL == "" {
		opts.TargetURL = DefaultTargetURL
	}
	if opts.NavigateTimeout <= 0 {
		opts.NavigateTimeout = 60 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}
	if opts.RecoveryAttempts <= 0 {
		opts.RecoveryAttempts = 3
	}
	if opts.RecoveryDelay <= 0 {
		opts.RecoveryDelay = 5 * time.Second
	}
	if opts.DebuggerURL == "" && opts.DebugPort == 0 {
		opts.DebugPort = UniqueDebugPort()
	}
	return &Manager{
		opts:   opts,
		logger: logger.Named("session"),
		id:     uuid.New(),
		state:  StateIdle,
	}
}

// UniqueDebugPort picks a port in [BaseDebugPort+100, BaseDebugPort+999] so
// parallel profiles do not collide.
func UniqueDebugPort() int {
	return BaseDebugPort + 100 + rand.IntN(900)
}

// ExecOptions builds the allocator options used to launch Chrome.
func ExecOptions(opts Options) []chromedp.ExecAllocatorOption {
	out := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.WindowSize(1440, 900),
	)
	if opts.ProfileDir != "" {
		out = append(out, chromedp.UserDataDir(opts.ProfileDir))
	}
	if opts.DebugPort > 0 {
		out = append(out, chromedp.Flag("remote-debugging-port", strconv.Itoa(opts.DebugPort)))
	}
	return out
}

// Start launches or attaches to Chrome and opens the target page. parent
// bounds the whole session lifetime.
func (m *Manager) Start(parent context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parent = parent
	return m.connectLocked()
}

func (m *Manager) connectLocked() error {
	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if m.opts.DebuggerURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(m.parent, m.opts.DebuggerURL)
		m.endpoint = m.opts.DebuggerURL
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(m.parent, ExecOptions(m.opts)...)
		m.endpoint = fmt.Sprintf("127.0.0.1:%d", m.opts.DebugPort)
	}

	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	page := NewCDPPage(tabCtx, m.opts.ActionTimeout)

	m.logger.Info("starting browser session",
		zap.String("session_id", m.id.String()),
		zap.String("endpoint", m.endpoint),
		zap.String("profile", m.opts.ProfileDir))

	// The first Run starts the browser; it must not carry a deadline or
	// chromedp would tie the browser lifetime to it.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		m.state = StateLost
		return &SessionLostError{Message: "failed to start browser", Cause: err}
	}

	if m.opts.DownloadDir != "" {
		err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			c := chromedp.FromContext(ctx)
			return cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllow).
				WithDownloadPath(m.opts.DownloadDir).
				Do(cdp.WithExecutor(ctx, c.Browser))
		}))
		if err != nil {
			m.logger.Warn("could not set download directory", zap.Error(err))
		}
	}

	navCtx, cancel := context.WithTimeout(m.parent, m.opts.NavigateTimeout)
	defer cancel()
	navPage := NewCDPPage(tabCtx, m.opts.NavigateTimeout)
	if err := navPage.Navigate(navCtx, m.opts.TargetURL); err != nil {
		tabCancel()
		allocCancel()
		m.state = StateLost
		return &SessionLostError{Message: "failed to open " + m.opts.TargetURL, Cause: err}
	}
	if loc, err := navPage.URL(navCtx); err == nil && IsSignInURL(loc) {
		tabCancel()
		allocCancel()
		m.state = StateLost
		return &SessionLostError{Message: "redirected to " + loc, Cause: ErrNotSignedIn}
	}

	m.allocCancel = allocCancel
	m.tabCancel = tabCancel
	m.page = page
	m.state = StateAlive
	return nil
}

// IsSignInURL reports whether loc is a Google sign-in page.
func IsSignInURL(loc string) bool {
	l := strings.ToLower(loc)
	return strings.Contains(l, "accounts.google.com") || strings.Contains(l, "/signin")
}

func (m *Manager) teardownLocked() {
	if m.tabCancel != nil {
		m.tabCancel()
		m.tabCancel = nil
	}
	if m.allocCancel != nil {
		m.allocCancel()
		m.allocCancel = nil
	}
	m.page = nil
}

// Alive pings the page. A failed ping marks the session lost.
func (m *Manager) Alive(ctx context.Context) bool {
	m.mu.Lock()
	page := m.page
	m.mu.Unlock()
	if page == nil {
		return false
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.opts.PingTimeout)
	defer cancel()
	if err := page.Ping(pingCtx); err != nil {
		if ctx.Err() != nil {
			return true
		}
		m.logger.Warn("session liveness check failed", zap.Error(err))
		m.mu.Lock()
		m.state = StateLost
		m.mu.Unlock()
		return false
	}
	return true
}

// Recover tears the session down, reconnects and re-opens the target page,
// retrying with a fixed delay. Info and Alive stay answerable between
// attempts; page calls fail as session lost until a connection succeeds.
func (m *Manager) Recover(ctx context.Context) error {
	m.recoverMu.Lock()
	defer m.recoverMu.Unlock()

	m.mu.Lock()
	started := m.parent != nil
	if started {
		m.state = StateRecovering
	}
	m.mu.Unlock()
	if !started {
		return errors.New("session was never started")
	}

	attempt := 0
	op := func() error {
		attempt++
		m.logger.Info("recovering browser session",
			zap.String("session_id", m.id.String()),
			zap.Int("attempt", attempt))

		m.mu.Lock()
		defer m.mu.Unlock()
		m.teardownLocked()
		err := m.connectLocked()
		if err == nil {
			return nil
		}
		m.state = StateRecovering
		if errors.Is(err, ErrNotSignedIn) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.RecoveryDelay), uint64(m.opts.RecoveryAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		m.mu.Lock()
		m.state = StateLost
		m.mu.Unlock()
		var lost *SessionLostError
		if errors.As(err, &lost) {
			return err
		}
		return &SessionLostError{Message: "recovery failed", Cause: err}
	}

	m.mu.Lock()
	m.recoveries++
	n := m.recoveries
	m.mu.Unlock()
	m.logger.Info("browser session recovered", zap.Int("recoveries", n))
	return nil
}

// Close shuts the browser down.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.state = StateIdle
}

// Info returns a snapshot of the session.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		ID:         m.id,
		State:      m.state,
		Profile:    m.opts.ProfileDir,
		Endpoint:   m.endpoint,
		Recoveries: m.recoveries,
	}
}

// Page returns a handle that always forwards to the current connection.
func (m *Manager) Page() Page {
	return &sessionPage{m: m}
}

func (m *Manager) current() (*CDPPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.page == nil || m.state != StateAlive {
		return nil, &SessionLostError{Message: "no live browser connection"}
	}
	return m.page, nil
}

// sessionPage forwards every call to the manager's current page.
type sessionPage struct {
	m *Manager
}

func (s *sessionPage) Find(ctx context.Context, query string) ([]Element, error) {
	p, err := s.m.current()
	if err != nil {
		return nil, err
	}
	return p.Find(ctx, query)
}

func (s *sessionPage) Click(ctx context.Context, el Element) error {
	p, err := s.m.current()
	if err != nil {
		return err
	}
	return p.Click(ctx, el)
}

func (s *sessionPage) ScriptClick(ctx context.Context, el Element) error {
	p, err := s.m.current()
	if err != nil {
		return err
	}
	return p.ScriptClick(ctx, el)
}

func (s *sessionPage) DispatchClick(ctx context.Context, el Element) error {
	p, err := s.m.current()
	if err != nil {
		return err
	}
	return p.DispatchClick(ctx, el)
}

func (s *sessionPage) ClickAt(ctx context.Context, x, y float64) error {
	p, err := s.m.current()
	if err != nil {
		return err
	}
	return p.ClickAt(ctx, x, y)
}

func (s *sessionPage) Focus(ctx context.Context, el Element) error {
	p, err := s.m.current()
	if err != nil {
		return err
	}
	return p.Focus(ctx, el)
}

func (s *sessionPage) PressKey(ctx context.Context, key Key) error {
	p, err := s.m.current()
	if err != nil {
		return err
	}
	return p.PressKey(ctx, key)
}

func (s *sessionPage) InsertText(ctx context.Context, text string) error {
	p, err := s.m.current()
	if err != nil {
		return err
	}
	return p.InsertText(ctx, text)
}

func (s *sessionPage) SetValue(ctx context.Context, el Element, text string) error {
	p, err := s.m.current()
	if err != nil {
		return err
	}
	return p.SetValue(ctx, el, text)
}

func (s *sessionPage) PasteText(ctx context.Context, el Element, text string) error {
	p, err := s.m.current()
	if err != nil {
		return err
	}
	return p.PasteText(ctx, el, text)
}

func (s *sessionPage) Evaluate(ctx context.Context, script string, res any) error {
	p, err := s.m.current()
	if err != nil {
		return err
	}
	return p.Evaluate(ctx, script, res)
}

func (s *sessionPage) HTML(ctx context.Context) (string, error) {
	p, err := s.m.current()
	if err != nil {
		return "", err
	}
	return p.HTML(ctx)
}

func (s *sessionPage) Navigate(ctx context.Context, url string) error {
	p, err := s.m.current()
	if err != nil {
		return err
	}
	return p.Navigate(ctx, url)
}

func (s *sessionPage) URL(ctx context.Context) (string, error) {
	p, err := s.m.current()
	if err != nil {
		return "", err
	}
	return p.URL(ctx)
}

func (s *sessionPage) Cookies(ctx context.Context, url string) ([]*http.Cookie, error) {
	p, err := s.m.current()
	if err != nil {
		return nil, err
	}
	return p.Cookies(ctx, url)
}

var _ Page = (*sessionPage)(nil)
