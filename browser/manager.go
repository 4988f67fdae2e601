// Package browser owns the shared headless-browser session. A worker
// process holds at most one live session at a time; the manager creates it
// lazily on first use, recycles it after idle expiry, and tears it down
// best-effort at the end of a job.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the session lifecycle state.
type State string

const (
	StateEmpty        State = "empty"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateStale        State = "stale"
	StateClosing      State = "closing"
)

// Config configures session creation and recycling.
type Config struct {
	Headless       bool
	IdleTimeout    time.Duration
	ActionTimeout  time.Duration
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
}

// DefaultConfig returns sensible session defaults.
func DefaultConfig() Config {
	return Config{
		Headless:       true,
		IdleTimeout:    10 * time.Minute,
		ActionTimeout:  30 * time.Second,
		ViewportWidth:  1920,
		ViewportHeight: 1080,
	}
}

// Driver abstracts the browser automation backend behind the operations the
// tool executors need.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Screenshot(ctx context.Context) ([]byte, error)
	ExtractText(ctx context.Context, selector string) (string, error)
	WaitVisible(ctx context.Context, selector string) error
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Close() error
}

// DriverFactory launches a fresh browser process and returns its driver.
type DriverFactory func(cfg Config) (Driver, error)

// Session is the live handle: one browser process, one context, one page,
// plus the activity timestamp the idle recycler keys off.
type Session struct {
	Driver       Driver
	startedAt    time.Time
	lastActivity time.Time
}

// Touch refreshes the session's activity time.
func (s *Session) Touch(now time.Time) { s.lastActivity = now }

// Manager owns the singleton session. Tool calls within one job are
// sequential by construction (the agent loop issues one call at a time), so
// the mutex only guards opportunistic reuse across jobs in the same
// process.
type Manager struct {
	cfg     Config
	factory DriverFactory
	logger  *zap.Logger
	now     func() time.Time

	onStarted  func()
	onRecycled func()

	mu      sync.Mutex
	state   State
	session *Session
}

// NewManager creates a session manager. The factory is invoked lazily on
// the first Session call.
func NewManager(cfg Config, factory DriverFactory, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	return &Manager{
		cfg:     cfg,
		factory: factory,
		logger:  logger.With(zap.String("component", "browser_session")),
		now:     time.Now,
		state:   StateEmpty,
	}
}

// OnLifecycle registers hooks invoked after a session launch and after an
// idle-expiry recycle. Either hook may be nil.
func (m *Manager) OnLifecycle(started, recycled func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStarted = started
	m.onRecycled = recycled
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the live session, creating or recycling it as needed.
// Every successful call refreshes the activity time.
func (m *Manager) Session(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if m.session != nil && now.Sub(m.session.lastActivity) > m.cfg.IdleTimeout {
		m.logger.Info("session idle past timeout, recycling",
			zap.Duration("idle", now.Sub(m.session.lastActivity)),
			zap.Duration("idle_timeout", m.cfg.IdleTimeout))
		m.state = StateStale
		m.closeLocked()
		if m.onRecycled != nil {
			m.onRecycled()
		}
	}

	if m.session == nil {
		m.state = StateInitializing
		driver, err := m.factory(m.cfg)
		if err != nil {
			m.state = StateEmpty
			return nil, fmt.Errorf("failed to launch browser session: %w", err)
		}
		m.session = &Session{
			Driver:       driver,
			startedAt:    now,
			lastActivity: now,
		}
		m.logger.Info("browser session launched", zap.Bool("headless", m.cfg.Headless))
		if m.onStarted != nil {
			m.onStarted()
		}
	}

	m.state = StateReady
	m.session.Touch(now)
	return m.session, nil
}

// Cleanup tears the session down, swallowing teardown errors so a failed
// close never blocks job completion.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		m.state = StateEmpty
		return
	}
	m.state = StateClosing
	m.closeLocked()
}

// closeLocked releases the driver best-effort. Caller holds the mutex.
func (m *Manager) closeLocked() {
	if m.session == nil {
		m.state = StateEmpty
		return
	}
	if err := m.session.Driver.Close(); err != nil {
		m.logger.Warn("browser close failed, continuing", zap.Error(err))
	}
	m.session = nil
	m.state = StateEmpty
	m.logger.Debug("browser session released")
}
