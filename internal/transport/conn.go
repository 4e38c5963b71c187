// Package transport owns the push channel: one logical websocket
// connection per authenticated identity, with reconnect-and-backoff on
// transport failure. Authentication failures are terminal and never
// retried; retrying with an invalid token would loop forever.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/practice-dashboard/realtime/internal/bus"
	"github.com/practice-dashboard/realtime/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// DefaultReconnectBase is the first reconnect delay; each consecutive
	// failure doubles it up to DefaultReconnectMax.
	DefaultReconnectBase = time.Second
	DefaultReconnectMax  = 30 * time.Second
)

// Status is the connection state readable by every other component. It is
// mutated only on transport events.
type Status struct {
	Connected  bool   `json:"connected"`
	LastError  string `json:"lastError,omitempty"`
	RetryCount int    `json:"retryCount"`
}

// Config tunes a Conn. Zero durations fall back to the defaults.
type Config struct {
	URL           string
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Conn manages the push-channel connection lifecycle. Inbound events are
// published on the bus under bus.TopicTransportEvent; status changes under
// bus.TopicConnectionStatus.
type Conn struct {
	cfg   Config
	creds model.CredentialProvider
	bus   *bus.Bus
	log   *slog.Logger

	dialer *websocket.Dialer

	mu         sync.Mutex
	ws         *websocket.Conn
	status     Status
	closed     bool
	terminal   bool
	connecting bool
	retryTimer *time.Timer
}

// NewConn creates a Conn. It does not connect; call Connect.
func NewConn(cfg Config, creds model.CredentialProvider, b *bus.Bus, log *slog.Logger) *Conn {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = DefaultReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		cfg:    cfg,
		creds:  creds,
		bus:    b,
		log:    log,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Connect establishes the channel. It fails with model.ErrAuthRequired when
// the credential provider yields no token, and with model.ErrAuthExpired
// when the server rejects the handshake; the latter is terminal and is not
// retried. Any other dial failure schedules a reconnect with the usual
// backoff. On success the retry counter resets and a connection_status
// event is emitted.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return model.ErrClosed
	}
	if c.ws != nil || c.connecting {
		// Exactly one dial may be in flight for the identity; a second
		// caller yields to whichever attempt already started.
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	token, err := c.creds.Token(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return model.ErrAuthRequired
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.markTerminal("authentication rejected by server")
			return model.ErrAuthExpired
		}
		c.setStatus(func(s *Status) {
			s.Connected = false
			s.LastError = err.Error()
		})
		// A refused dial is a transport failure like any drop; retry it
		// with the same backoff instead of leaving the channel down. The
		// connecting flag must clear first so the retry's own Connect is
		// not mistaken for a concurrent caller.
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		c.scheduleReconnect()
		return err
	}

	ws.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return model.ErrClosed
	}
	c.ws = ws
	c.terminal = false
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.status = Status{Connected: true}
	c.mu.Unlock()

	c.publishStatus()
	c.log.Info("push channel connected", "url", c.cfg.URL)

	go c.readLoop(ws)
	go c.pingLoop(ws)

	if err := c.Send(model.EventSubscribeTracking, nil); err != nil {
		c.log.Warn("tracking subscribe failed", "error", err)
	}
	return nil
}

// Send writes an outbound event on the channel.
func (c *Conn) Send(name model.EventName, payload any) error {
	evt, err := model.NewEvent(name, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return model.ErrNotConnected
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(evt)
}

// RefreshToken re-authenticates after the identity's token changes. While
// connected the credential is refreshed in place; otherwise a normal
// connect is performed with the new token.
func (c *Conn) RefreshToken(ctx context.Context) error {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return model.ErrAuthRequired
	}

	c.mu.Lock()
	connected := c.ws != nil
	c.terminal = false
	c.mu.Unlock()

	if connected {
		return c.Send(model.EventAuthRefresh, model.AuthRefreshPayload{Token: token})
	}
	return c.Connect(ctx)
}

// Status returns a copy of the current connection state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Close tears the channel down and releases every retry timer. A closed
// Conn never reconnects.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	ws := c.ws
	c.ws = nil
	c.status.Connected = false
	c.mu.Unlock()

	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		ws.Close()
	}
	c.publishStatus()
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(ws, err)
			return
		}

		var evt model.Event
		if err := json.Unmarshal(message, &evt); err != nil {
			c.log.Warn("discarding malformed push event", "error", err)
			continue
		}

		if evt.Name == model.EventAuthError {
			c.handleAuthError(ws)
			return
		}
		c.bus.Publish(bus.TopicTransportEvent, evt)
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		current := c.ws == ws
		c.mu.Unlock()
		if !current {
			return
		}
		if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			return
		}
	}
}

// handleAuthError processes a server-sent auth_error event: terminal, the
// channel is torn down and no reconnect is scheduled.
func (c *Conn) handleAuthError(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()

	c.log.Warn("push channel auth rejected")
	evt, _ := model.NewEvent(model.EventAuthError, nil)
	c.bus.Publish(bus.TopicTransportEvent, evt)
	c.markTerminal("authentication expired")
}

// handleDisconnect records the drop and, unless Close or an auth failure
// got there first, schedules a reconnect with exponential backoff.
func (c *Conn) handleDisconnect(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.ws != ws {
		// A newer connection replaced this one; nothing to do.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.status.Connected = false
	c.status.LastError = cause.Error()
	closed, terminal := c.closed, c.terminal
	c.mu.Unlock()

	c.publishStatus()
	if closed || terminal {
		return
	}

	if websocket.IsUnexpectedCloseError(cause, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		c.log.Warn("push channel dropped", "error", cause)
	}
	c.scheduleReconnect()
}

func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.terminal || c.retryTimer != nil {
		c.mu.Unlock()
		return
	}
	delay := c.backoffDelay(c.status.RetryCount)
	c.status.RetryCount++
	attempt := c.status.RetryCount
	c.retryTimer = time.AfterFunc(delay, func() { c.reconnect(attempt) })
	c.mu.Unlock()

	c.log.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
}

func (c *Conn) reconnect(attempt int) {
	c.mu.Lock()
	c.retryTimer = nil
	c.mu.Unlock()

	// Connect schedules the next attempt itself when the dial fails with a
	// transport error; credential problems are escalated, never retried.
	if err := c.Connect(context.Background()); err != nil && !errors.Is(err, model.ErrClosed) {
		c.log.Warn("reconnect failed", "attempt", attempt, "error", err)
	}
}

// backoffDelay returns base*2^retry capped at the configured maximum.
func (c *Conn) backoffDelay(retry int) time.Duration {
	delay := c.cfg.ReconnectBase
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= c.cfg.ReconnectMax {
			return c.cfg.ReconnectMax
		}
	}
	if delay > c.cfg.ReconnectMax {
		delay = c.cfg.ReconnectMax
	}
	return delay
}

func (c *Conn) markTerminal(reason string) {
	c.mu.Lock()
	c.terminal = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.status.Connected = false
	c.status.LastError = reason
	c.mu.Unlock()
	c.publishStatus()
}

func (c *Conn) setStatus(mutate func(*Status)) {
	c.mu.Lock()
	mutate(&c.status)
	c.mu.Unlock()
	c.publishStatus()
}

func (c *Conn) publishStatus() {
	c.bus.Publish(bus.TopicConnectionStatus, c.Status())
}
