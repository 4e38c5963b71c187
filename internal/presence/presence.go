// Package presence tracks the connected-user roster for the current
// session and turns every inbound event into a transient, dismissible
// notification.
package presence

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/practice-dashboard/realtime/internal/buffer"
	"github.com/practice-dashboard/realtime/internal/bus"
	"github.com/practice-dashboard/realtime/internal/model"
	"github.com/practice-dashboard/realtime/internal/transport"
)

const (
	// RingCapacity bounds the notification feed; oldest entries drop
	// first.
	RingCapacity = 20

	// DefaultTTL is how long non-error notifications stay visible.
	DefaultTTL = 10 * time.Second
)

// Center owns the participant roster and the notification ring.
type Center struct {
	bus *bus.Bus
	ttl time.Duration

	mu            sync.RWMutex
	roster        map[string]model.Participant
	lastConnected bool

	ring   *buffer.Ring
	unsubs []func()

	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

// NewCenter creates a Center wired to the bus. ttl controls the auto-expiry
// of non-error notifications; zero uses the default.
func NewCenter(b *bus.Bus, ttl time.Duration) *Center {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Center{
		bus:    b,
		ttl:    ttl,
		roster: make(map[string]model.Participant),
		ring:   buffer.NewRing(RingCapacity),
		timers: make(map[string]*time.Timer),
	}
	c.unsubs = append(c.unsubs,
		b.Subscribe(bus.TopicTransportEvent, func(payload any) {
			if evt, ok := payload.(model.Event); ok {
				c.handleEvent(evt)
			}
		}),
		b.Subscribe(bus.TopicConnectionStatus, func(payload any) {
			if status, ok := payload.(transport.Status); ok {
				c.handleConnectionStatus(status)
			}
		}),
	)
	return c
}

// Close detaches the Center from the bus and stops every pending expiry
// timer.
func (c *Center) Close() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.timerMu.Lock()
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	c.timerMu.Unlock()
}

// Notify appends a notification to the feed. Non-error notifications
// self-expire after the configured TTL; errors persist until dismissed.
func (c *Center) Notify(message string, severity model.Severity) model.Notification {
	n := model.Notification{
		ID:        uuid.NewString(),
		Message:   message,
		Severity:  severity,
		Timestamp: time.Now(),
	}
	c.ring.Push(n)
	c.bus.Publish(bus.TopicNotificationNew, n)

	if severity != model.SeverityError {
		c.timerMu.Lock()
		c.timers[n.ID] = time.AfterFunc(c.ttl, func() {
			c.timerMu.Lock()
			delete(c.timers, n.ID)
			c.timerMu.Unlock()
			c.Dismiss(n.ID)
		})
		c.timerMu.Unlock()
	}
	return n
}

// Notifications returns the feed, newest first.
func (c *Center) Notifications() []model.Notification {
	return c.ring.Items()
}

// UnreadCount returns the number of unread notifications.
func (c *Center) UnreadCount() int {
	return c.ring.Unread()
}

// MarkRead flags a notification as read. Unknown ids are ignored.
func (c *Center) MarkRead(id string) {
	c.ring.MarkRead(id)
}

// Dismiss removes a notification and its expiry timer. Unknown ids are
// ignored.
func (c *Center) Dismiss(id string) {
	c.stopTimer(id)
	c.ring.Remove(id)
}

// ClearAll empties the notification feed.
func (c *Center) ClearAll() {
	c.timerMu.Lock()
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	c.timerMu.Unlock()
	c.ring.Clear()
}

func (c *Center) stopTimer(id string) {
	c.timerMu.Lock()
	if timer, ok := c.timers[id]; ok {
		timer.Stop()
		delete(c.timers, id)
	}
	c.timerMu.Unlock()
}

// Roster returns the current participants.
func (c *Center) Roster() []model.Participant {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.Participant, 0, len(c.roster))
	for _, p := range c.roster {
		out = append(out, p)
	}
	return out
}

// ResetRoster drops every participant, used on session leave and on
// connection teardown.
func (c *Center) ResetRoster() {
	c.mu.Lock()
	changed := len(c.roster) > 0
	c.roster = make(map[string]model.Participant)
	c.mu.Unlock()

	if changed {
		c.publishRoster()
	}
}

func (c *Center) handleEvent(evt model.Event) {
	switch evt.Name {
	case model.EventUserJoinedSession:
		var p model.MembershipPayload
		if evt.Decode(&p) != nil || p.UserID == "" {
			return
		}
		c.addParticipant(p)

	case model.EventUserLeftSession:
		var p model.MembershipPayload
		if evt.Decode(&p) != nil || p.UserID == "" {
			return
		}
		c.removeParticipant(p)

	case model.EventSessionStatusUpdate:
		var p model.SessionStatusPayload
		if evt.Decode(&p) != nil {
			return
		}
		c.Notify(fmt.Sprintf("Session %s is now %s", p.SessionID, p.Status), model.SeverityInfo)

	case model.EventProviderStatusUpdated:
		var p model.ProviderStatusPayload
		if evt.Decode(&p) != nil {
			return
		}
		c.Notify(fmt.Sprintf("Provider status updated to %s", p.Status), model.SeverityInfo)

	case model.EventProviderAvailability:
		c.Notify("Provider availability updated", model.SeverityInfo)

	case model.EventSystemAlert:
		var p model.SystemAlertPayload
		if evt.Decode(&p) != nil {
			return
		}
		c.Notify(p.Message, alertSeverity(p.Type))

	case model.EventAppointmentUpdate:
		c.Notify("Appointment updated", model.SeverityInfo)

	case model.EventFeedbackSubmitted:
		c.Notify("Patient feedback received", model.SeverityInfo)

	case model.EventCriticalFeedbackAlert:
		c.Notify("Critical patient feedback requires attention", model.SeverityError)

	case model.EventMilestoneAchieved:
		c.Notify("Treatment milestone achieved", model.SeveritySuccess)

	case model.EventAuthError:
		c.Notify("Session expired. Please login again.", model.SeverityError)
	}
}

func (c *Center) addParticipant(p model.MembershipPayload) {
	now := time.Now()

	c.mu.Lock()
	existing, present := c.roster[p.UserID]
	if present {
		// Duplicate join: roster unchanged, only freshness updates.
		existing.LastSeenAt = now
		c.roster[p.UserID] = existing
		c.mu.Unlock()
		return
	}
	c.roster[p.UserID] = model.Participant{
		UserID:     p.UserID,
		Email:      p.UserEmail,
		Role:       p.UserRole,
		JoinedAt:   now,
		LastSeenAt: now,
	}
	c.mu.Unlock()

	c.publishRoster()
	c.Notify(fmt.Sprintf("%s joined the session", displayName(p)), model.SeverityInfo)
}

func (c *Center) removeParticipant(p model.MembershipPayload) {
	c.mu.Lock()
	_, present := c.roster[p.UserID]
	delete(c.roster, p.UserID)
	c.mu.Unlock()

	if !present {
		return
	}
	c.publishRoster()
	c.Notify(fmt.Sprintf("%s left the session", displayName(p)), model.SeverityInfo)
}

func (c *Center) handleConnectionStatus(status transport.Status) {
	c.mu.Lock()
	was := c.lastConnected
	c.lastConnected = status.Connected
	c.mu.Unlock()

	switch {
	case status.Connected && !was:
		c.Notify("Connected to real-time services", model.SeveritySuccess)
	case !status.Connected && was:
		c.Notify("Disconnected from real-time services", model.SeverityWarning)
		// Presence only exists while the channel is up.
		c.ResetRoster()
	}
}

func (c *Center) publishRoster() {
	c.bus.Publish(bus.TopicPresenceChange, c.Roster())
}

func alertSeverity(alertType string) model.Severity {
	switch alertType {
	case "critical", "error":
		return model.SeverityError
	case "warning":
		return model.SeverityWarning
	case "success":
		return model.SeveritySuccess
	default:
		return model.SeverityInfo
	}
}

func displayName(p model.MembershipPayload) string {
	if p.UserEmail != "" {
		return p.UserEmail
	}
	return p.UserID
}
