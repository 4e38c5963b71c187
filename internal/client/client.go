// Package client composes the realtime core: credential provider, push
// channel, pull channel, cache, session synchronizer and presence center,
// behind one lifecycle.
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/practice-dashboard/realtime/internal/api"
	"github.com/practice-dashboard/realtime/internal/bus"
	"github.com/practice-dashboard/realtime/internal/cache"
	"github.com/practice-dashboard/realtime/internal/config"
	"github.com/practice-dashboard/realtime/internal/model"
	"github.com/practice-dashboard/realtime/internal/presence"
	"github.com/practice-dashboard/realtime/internal/tracker"
	"github.com/practice-dashboard/realtime/internal/transport"
)

// Client is the top-level handle UI layers hold.
type Client struct {
	cfg   *config.Config
	log   *slog.Logger
	bus   *bus.Bus
	store *cache.Store

	conn     *transport.Conn
	tracker  *tracker.Tracker
	presence *presence.Center

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	done     chan struct{}
}

// New wires the core. creds may be nil, in which case the configured
// static token is used.
func New(cfg *config.Config, creds model.CredentialProvider, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if creds == nil {
		creds = model.StaticToken(cfg.AuthToken)
	}

	b := bus.New()
	store := cache.NewStore()
	conn := transport.NewConn(transport.Config{
		URL:           cfg.SocketURL,
		ReconnectBase: cfg.ReconnectBase,
		ReconnectMax:  cfg.ReconnectMax,
	}, creds, b, log)
	center := presence.NewCenter(b, cfg.NotificationTTL)
	apiClient := api.NewClient(cfg.APIBaseURL, creds, cfg.RequestTimeout)
	track := tracker.New(apiClient, store, conn, center, b, log)

	return &Client{
		cfg:      cfg,
		log:      log,
		bus:      b,
		store:    store,
		conn:     conn,
		tracker:  track,
		presence: center,
		done:     make(chan struct{}),
	}
}

// Start connects the push channel and begins background maintenance: the
// cache sweep and the pull fallback that only runs while the channel is
// down. The connect error is returned but the client keeps running;
// reconnection is the transport's job unless the failure was credential
// related.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.store.StartSweeper(c.cfg.CacheSweep)
	go c.fallbackLoop()

	err := c.conn.Connect(ctx)
	if err == nil {
		if syncErr := c.tracker.SyncClock(ctx); syncErr != nil {
			c.log.Debug("server clock sync failed", "error", syncErr)
		}
	}
	return err
}

// fallbackLoop periodically asks the tracker to refresh the current
// session from the pull channel; the tracker refuses while the push
// channel is connected and the cache throttles the rest.
func (c *Client) fallbackLoop() {
	ticker := time.NewTicker(c.cfg.FallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
			c.tracker.RefreshIfDisconnected(ctx)
			cancel()
		case <-c.done:
			return
		}
	}
}

// Close releases the push channel, background timers and subscriptions on
// every path.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		c.tracker.Close()
		c.presence.Close()
		c.store.Close()
	})
}

// RefreshToken re-authenticates after the credential changes.
func (c *Client) RefreshToken(ctx context.Context) error {
	return c.conn.RefreshToken(ctx)
}

// Subscribe attaches a handler to a bus topic and returns an
// unsubscribe function.
func (c *Client) Subscribe(topic bus.Topic, h bus.Handler) func() {
	return c.bus.Subscribe(topic, h)
}

// ConnectionStatus returns the push channel state.
func (c *Client) ConnectionStatus() transport.Status {
	return c.conn.Status()
}

// JoinSession makes sessionID the current session.
func (c *Client) JoinSession(ctx context.Context, sessionID string) error {
	return c.tracker.Join(ctx, sessionID)
}

// LeaveSession leaves the current session.
func (c *Client) LeaveSession(ctx context.Context, sessionID string) error {
	return c.tracker.Leave(ctx, sessionID)
}

// StartSession begins a session.
func (c *Client) StartSession(ctx context.Context, sessionID string) error {
	return c.tracker.Start(ctx, sessionID)
}

// PauseSession suspends a session.
func (c *Client) PauseSession(ctx context.Context, sessionID string) error {
	return c.tracker.Pause(ctx, sessionID)
}

// ResumeSession continues a paused session.
func (c *Client) ResumeSession(ctx context.Context, sessionID string) error {
	return c.tracker.Resume(ctx, sessionID)
}

// EndSession completes a session.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	return c.tracker.End(ctx, sessionID)
}

// CancelSession aborts a session.
func (c *Client) CancelSession(ctx context.Context, sessionID, reason string) error {
	return c.tracker.Cancel(ctx, sessionID, reason)
}

// ExtendSession adds minutes to a session's estimated duration.
func (c *Client) ExtendSession(ctx context.Context, sessionID string, minutes int) error {
	return c.tracker.Extend(ctx, sessionID, minutes)
}

// Session returns a copy of one session's live state.
func (c *Client) Session(sessionID string) (model.Session, bool) {
	return c.tracker.Session(sessionID)
}

// SessionDetails fetches a session snapshot through the cache layer.
func (c *Client) SessionDetails(ctx context.Context, sessionID string) (*model.Session, error) {
	return c.tracker.Details(ctx, sessionID)
}

// Sessions returns every known session ordered by scheduled time.
func (c *Client) Sessions() []model.Session {
	return c.tracker.Sessions()
}

// CurrentSession returns the joined session id, empty when none.
func (c *Client) CurrentSession() string {
	return c.tracker.Current()
}

// Remaining returns the remaining time for a session.
func (c *Client) Remaining(sessionID string) time.Duration {
	return c.tracker.Remaining(sessionID)
}

// AddNote records a clinical note against a session.
func (c *Client) AddNote(ctx context.Context, sessionID, note, noteType string) (*model.SessionNote, error) {
	return c.tracker.AddNote(ctx, sessionID, note, noteType)
}

// Notes lists a session's notes.
func (c *Client) Notes(ctx context.Context, sessionID string) ([]model.SessionNote, error) {
	return c.tracker.Notes(ctx, sessionID)
}

// ActiveSessions lists the provider's active sessions.
func (c *Client) ActiveSessions(ctx context.Context) ([]model.Session, error) {
	return c.tracker.ActiveSessions(ctx)
}

// TodaysSessions lists today's scheduled sessions.
func (c *Client) TodaysSessions(ctx context.Context) ([]model.Session, error) {
	return c.tracker.TodaysSessions(ctx)
}

// UpdateProviderStatus reports the provider's availability.
func (c *Client) UpdateProviderStatus(ctx context.Context, status model.ProviderStatus, availableUntil *time.Time) error {
	return c.tracker.UpdateProviderStatus(ctx, status, availableUntil)
}

// ProviderStatus returns the provider's last known availability.
func (c *Client) ProviderStatus() model.ProviderStatus {
	return c.tracker.ProviderStatus()
}

// Notifications returns the feed, newest first.
func (c *Client) Notifications() []model.Notification {
	return c.presence.Notifications()
}

// UnreadNotifications returns the unread count.
func (c *Client) UnreadNotifications() int {
	return c.presence.UnreadCount()
}

// MarkNotificationRead flags a notification as read.
func (c *Client) MarkNotificationRead(id string) {
	c.presence.MarkRead(id)
}

// DismissNotification removes a notification.
func (c *Client) DismissNotification(id string) {
	c.presence.Dismiss(id)
}

// ClearNotifications empties the feed.
func (c *Client) ClearNotifications() {
	c.presence.ClearAll()
}

// Participants returns the current session's roster.
func (c *Client) Participants() []model.Participant {
	return c.presence.Roster()
}
