// Package tracker is the single source of truth for the live state of
// clinical sessions. It reconciles push events with pull responses,
// guards the session status state machine, and exposes the command
// surface (join, leave, start, pause, resume, end, cancel, extend).
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/practice-dashboard/realtime/internal/api"
	"github.com/practice-dashboard/realtime/internal/bus"
	"github.com/practice-dashboard/realtime/internal/cache"
	"github.com/practice-dashboard/realtime/internal/model"
	"github.com/practice-dashboard/realtime/internal/transport"
)

// Cache keys for pull-channel resources.
const (
	keyActiveSessions = "provider_sessions_active"
	keyTodaysSessions = "provider_sessions_today"
	keyServerTime     = "server_time"
)

// SessionKey returns the cache key for one session's snapshot.
func SessionKey(sessionID string) string {
	return "session_" + sessionID
}

// NotesKey returns the cache key for one session's notes.
func NotesKey(sessionID string) string {
	return "session_notes_" + sessionID
}

// Pusher is the outbound half of the push channel the tracker needs.
// *transport.Conn implements it.
type Pusher interface {
	Send(name model.EventName, payload any) error
	Status() transport.Status
}

// Notifier surfaces user-facing messages. *presence.Center implements it.
type Notifier interface {
	Notify(message string, severity model.Severity) model.Notification
	ResetRoster()
}

// Countdown is the latest server countdown tick for the current session.
type Countdown struct {
	SessionID        string
	RemainingSeconds int
	UpdatedAt        time.Time
}

// Tracker merges push events and pull responses into a canonical
// per-session state map.
type Tracker struct {
	api    *api.Client
	cache  *cache.Store
	push   Pusher
	notify Notifier
	bus    *bus.Bus
	log    *slog.Logger

	mu             sync.RWMutex
	sessions       map[string]*model.Session
	current        string
	providerStatus model.ProviderStatus
	countdown      *Countdown
	countdownTS    int64
	timeEnded      map[string]bool
	drift          time.Duration

	unsub func()
}

// New creates a Tracker and subscribes it to the transport event stream.
func New(apiClient *api.Client, store *cache.Store, push Pusher, notify Notifier, b *bus.Bus, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	t := &Tracker{
		api:            apiClient,
		cache:          store,
		push:           push,
		notify:         notify,
		bus:            b,
		log:            log,
		sessions:       make(map[string]*model.Session),
		providerStatus: model.ProviderOffline,
		timeEnded:      make(map[string]bool),
	}
	t.unsub = b.Subscribe(bus.TopicTransportEvent, func(payload any) {
		if evt, ok := payload.(model.Event); ok {
			t.HandleEvent(evt)
		}
	})
	return t
}

// Close detaches the Tracker from the bus.
func (t *Tracker) Close() {
	if t.unsub != nil {
		t.unsub()
	}
}

// HandleEvent applies one inbound push event. Handlers run to completion
// against in-memory state and never block.
func (t *Tracker) HandleEvent(evt model.Event) {
	switch evt.Name {
	case model.EventSessionStatusUpdate:
		var p model.SessionStatusPayload
		if evt.Decode(&p) != nil || p.SessionID == "" {
			return
		}
		t.applyStatusEvent(p, evt.Logical())

	case model.EventUserJoinedSession:
		var p model.MembershipPayload
		if evt.Decode(&p) != nil {
			return
		}
		t.updateMembership(p.SessionID, p.UserID, true)

	case model.EventUserLeftSession:
		var p model.MembershipPayload
		if evt.Decode(&p) != nil {
			return
		}
		t.updateMembership(p.SessionID, p.UserID, false)

	case model.EventCountdownUpdate:
		var p model.CountdownPayload
		if evt.Decode(&p) != nil || p.SessionID == "" {
			return
		}
		t.applyCountdown(p, evt.Timestamp)

	case model.EventSessionTimeEnded:
		var p model.CountdownPayload
		if evt.Decode(&p) != nil || p.SessionID == "" {
			return
		}
		t.handleTimeEnded(p.SessionID)

	case model.EventProviderStatusUpdated:
		var p model.ProviderStatusPayload
		if evt.Decode(&p) != nil {
			return
		}
		t.mu.Lock()
		t.providerStatus = p.Status
		t.mu.Unlock()
	}
}

// applyStatusEvent merges a pushed status snapshot. Events whose logical
// timestamp is older than the session's recorded LastUpdate are discarded:
// on reconnect the channel may replay a backlog out of order. Events that
// survive the timestamp check are applied even when the direct state-machine
// edge is missing, because a replayed-then-gapped stream can legitimately
// skip intermediate statuses; the state machine guards local commands, the
// timestamp guards the wire.
func (t *Tracker) applyStatusEvent(p model.SessionStatusPayload, logical time.Time) {
	if !p.Status.Valid() {
		t.log.Warn("discarding unknown session status", "session", p.SessionID, "status", p.Status)
		return
	}

	t.mu.Lock()
	s, ok := t.sessions[p.SessionID]
	if !ok {
		s = &model.Session{ID: p.SessionID, Status: model.StatusScheduled}
		t.sessions[p.SessionID] = s
	}
	if ok && logical.Before(s.LastUpdate) {
		t.mu.Unlock()
		t.log.Debug("discarding stale push event",
			"session", p.SessionID, "event_ts", logical, "last_update", s.LastUpdate)
		return
	}

	s.Status = p.Status
	if p.StartedAt != nil {
		started := *p.StartedAt
		s.StartedAt = &started
	}
	if p.EstimatedDuration > 0 {
		s.EstimatedDuration = p.EstimatedDuration
	}
	if p.PatientName != "" {
		s.PatientName = p.PatientName
	}
	if p.ProviderName != "" {
		s.ProviderName = p.ProviderName
	}
	s.LastUpdate = logical
	clone := s.Clone()
	t.mu.Unlock()

	t.bus.Publish(bus.TopicSessionUpdate, clone)
}

func (t *Tracker) updateMembership(sessionID, userID string, joined bool) {
	if sessionID == "" || userID == "" {
		return
	}

	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if joined {
		s.AddParticipant(userID)
	} else {
		s.RemoveParticipant(userID)
	}
	clone := s.Clone()
	t.mu.Unlock()

	t.bus.Publish(bus.TopicSessionUpdate, clone)
}

// applyCountdown records a countdown tick. Ticks for the wrong session or
// with a stale logical timestamp are dropped, which keeps successive reads
// monotonically non-increasing between extends.
func (t *Tracker) applyCountdown(p model.CountdownPayload, ts int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != "" && t.current != p.SessionID {
		return
	}
	if t.countdown != nil && t.countdown.SessionID == p.SessionID && ts <= t.countdownTS {
		return
	}
	t.countdown = &Countdown{
		SessionID:        p.SessionID,
		RemainingSeconds: p.RemainingSeconds,
		UpdatedAt:        time.Now(),
	}
	t.countdownTS = ts
}

// handleTimeEnded raises the one-time "time ended" warning. Ending the
// session remains a clinician action; no status transition happens here.
func (t *Tracker) handleTimeEnded(sessionID string) {
	t.mu.Lock()
	if t.timeEnded[sessionID] {
		t.mu.Unlock()
		return
	}
	t.timeEnded[sessionID] = true
	if t.countdown != nil && t.countdown.SessionID == sessionID {
		t.countdown.RemainingSeconds = 0
	}
	t.mu.Unlock()

	t.notify.Notify(fmt.Sprintf("Session %s time has ended", sessionID), model.SeverityWarning)
}

// Join makes sessionID the current session. Joining the session that is
// already current is a no-op that still reports success. A push-channel
// failure does not block the join; it is surfaced as a non-fatal warning.
func (t *Tracker) Join(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return model.ErrSessionNotFound
	}

	t.mu.Lock()
	if t.current == sessionID {
		t.mu.Unlock()
		return nil
	}
	previous := t.current
	t.current = sessionID
	t.countdown = nil
	t.countdownTS = 0
	t.mu.Unlock()

	if previous != "" {
		t.sendMembership(model.EventLeaveSession, previous)
	}
	t.sendMembership(model.EventJoinSession, sessionID)

	if err := t.api.JoinSession(ctx, sessionID); err != nil {
		t.notify.Notify("Session join tracking failed; retrying on next refresh", model.SeverityWarning)
		t.log.Warn("join tracking call failed", "session", sessionID, "error", err)
	}
	return nil
}

// Leave clears the current-session pointer. Leaving a session that is not
// current succeeds silently.
func (t *Tracker) Leave(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	if t.current != sessionID {
		t.mu.Unlock()
		return nil
	}
	t.current = ""
	t.countdown = nil
	t.countdownTS = 0
	t.mu.Unlock()

	t.sendMembership(model.EventLeaveSession, sessionID)
	t.notify.ResetRoster()

	if err := t.api.LeaveSession(ctx, sessionID); err != nil {
		t.log.Warn("leave tracking call failed", "session", sessionID, "error", err)
	}
	return nil
}

func (t *Tracker) sendMembership(name model.EventName, sessionID string) {
	err := t.push.Send(name, model.MembershipPayload{SessionID: sessionID})
	if err != nil {
		t.notify.Notify("Live channel is unavailable; membership will sync on reconnect", model.SeverityWarning)
		t.log.Warn("membership message failed", "event", name, "session", sessionID, "error", err)
	}
}

// Start begins a session.
func (t *Tracker) Start(ctx context.Context, sessionID string) error {
	return t.transition(ctx, sessionID, model.StatusInProgress, "Session started by provider")
}

// Pause suspends an in-progress session.
func (t *Tracker) Pause(ctx context.Context, sessionID string) error {
	return t.transition(ctx, sessionID, model.StatusPaused, "Session paused by provider")
}

// Resume continues a paused session.
func (t *Tracker) Resume(ctx context.Context, sessionID string) error {
	return t.transition(ctx, sessionID, model.StatusInProgress, "Session resumed by provider")
}

// End completes a session.
func (t *Tracker) End(ctx context.Context, sessionID string) error {
	return t.transition(ctx, sessionID, model.StatusCompleted, "Session completed by provider")
}

// Cancel aborts a session with a reason.
func (t *Tracker) Cancel(ctx context.Context, sessionID, reason string) error {
	if reason == "" {
		reason = "Session cancelled by provider"
	}
	return t.transition(ctx, sessionID, model.StatusCancelled, reason)
}

// transition performs one state-machine move through the pull channel.
// Illegal moves are rejected locally before any network call. Local state
// changes only after the authoritative response; until then the session
// carries a pending flag.
func (t *Tracker) transition(ctx context.Context, sessionID string, target model.SessionStatus, reason string) error {
	current, err := t.currentStatus(ctx, sessionID)
	if err != nil {
		return err
	}
	if !current.CanTransitionTo(target) {
		return &model.InvalidTransitionError{SessionID: sessionID, From: current, To: target}
	}

	t.setPending(sessionID, true)
	defer t.setPending(sessionID, false)

	updated, err := t.api.UpdateSessionStatus(ctx, sessionID, target, reason)
	if err != nil {
		if errors.Is(err, model.ErrTimeout) {
			// Unknown outcome: the backend may have applied the change.
			// Cached state stays untouched.
			t.notify.Notify(fmt.Sprintf("Status change for session %s did not complete", sessionID), model.SeverityWarning)
		}
		return err
	}

	t.cache.Invalidate(SessionKey(sessionID))
	t.applySnapshot(updated)
	return nil
}

// Extend adds minutes to a session's estimated duration. It is legal in
// any non-terminal state and changes no status.
func (t *Tracker) Extend(ctx context.Context, sessionID string, additionalMinutes int) error {
	if additionalMinutes <= 0 {
		return fmt.Errorf("extend session %s: minutes must be positive", sessionID)
	}
	current, err := t.currentStatus(ctx, sessionID)
	if err != nil {
		return err
	}
	if current.Terminal() {
		return fmt.Errorf("extend session %s: %w", sessionID, model.ErrSessionEnded)
	}

	t.setPending(sessionID, true)
	defer t.setPending(sessionID, false)

	updated, err := t.api.ExtendSession(ctx, sessionID, additionalMinutes)
	if err != nil {
		if errors.Is(err, model.ErrTimeout) {
			t.notify.Notify(fmt.Sprintf("Extension of session %s did not complete", sessionID), model.SeverityWarning)
		}
		return err
	}

	t.cache.Invalidate(SessionKey(sessionID))
	t.mu.Lock()
	// An extend may legitimately raise the countdown again.
	if t.countdown != nil && t.countdown.SessionID == sessionID {
		t.countdown = nil
		t.countdownTS = 0
	}
	delete(t.timeEnded, sessionID)
	t.mu.Unlock()

	t.applySnapshot(updated)
	return nil
}

// currentStatus returns the session's known status, fetching a snapshot
// when the session has not been seen yet.
func (t *Tracker) currentStatus(ctx context.Context, sessionID string) (model.SessionStatus, error) {
	t.mu.RLock()
	s, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if ok {
		return s.Status, nil
	}

	snapshot, err := t.Details(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return snapshot.Status, nil
}

// Details returns the session snapshot, served from cache when fresh and
// throttled against repeat fetches.
func (t *Tracker) Details(ctx context.Context, sessionID string) (*model.Session, error) {
	v, err := t.cache.Fetch(ctx, SessionKey(sessionID), func(ctx context.Context) (any, error) {
		return t.api.SessionDetails(ctx, sessionID)
	}, cache.Options{})
	if err != nil {
		return nil, err
	}
	snapshot := v.(*model.Session)
	t.applySnapshot(snapshot)

	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.sessions[sessionID]; ok {
		clone := s.Clone()
		return &clone, nil
	}
	clone := snapshot.Clone()
	return &clone, nil
}

// applySnapshot merges an authoritative pull response into the session
// map, honoring the monotonic LastUpdate invariant.
func (t *Tracker) applySnapshot(snapshot *model.Session) {
	if snapshot == nil || snapshot.ID == "" {
		return
	}

	t.mu.Lock()
	s, ok := t.sessions[snapshot.ID]
	if ok && snapshot.LastUpdate.Before(s.LastUpdate) {
		t.mu.Unlock()
		return
	}
	merged := snapshot.Clone()
	if merged.LastUpdate.IsZero() {
		merged.LastUpdate = time.Now()
	}
	if ok && len(merged.Participants) == 0 {
		// Pull snapshots do not carry the live roster.
		merged.Participants = append(merged.Participants, s.Participants...)
	}
	merged.Pending = ok && s.Pending
	t.sessions[snapshot.ID] = &merged
	clone := merged.Clone()
	t.mu.Unlock()

	t.bus.Publish(bus.TopicSessionUpdate, clone)
}

func (t *Tracker) setPending(sessionID string, pending bool) {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if !ok || s.Pending == pending {
		t.mu.Unlock()
		return
	}
	s.Pending = pending
	clone := s.Clone()
	t.mu.Unlock()

	t.bus.Publish(bus.TopicSessionUpdate, clone)
}

// RefreshIfDisconnected pulls the current session's snapshot while the
// push channel is down. Push events update state immediately when the
// channel is up; this fallback is throttled by the shared cache layer.
func (t *Tracker) RefreshIfDisconnected(ctx context.Context) {
	if t.push.Status().Connected {
		return
	}

	t.mu.RLock()
	current := t.current
	t.mu.RUnlock()
	if current == "" {
		return
	}

	if _, err := t.Details(ctx, current); err != nil {
		t.log.Debug("fallback refresh failed", "session", current, "error", err)
	}
}

// Session returns a copy of one session's state.
func (t *Tracker) Session(sessionID string) (model.Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.sessions[sessionID]
	if !ok {
		return model.Session{}, false
	}
	return s.Clone(), true
}

// Sessions returns copies of every known session ordered by scheduled
// time.
func (t *Tracker) Sessions() []model.Session {
	t.mu.RLock()
	out := make([]model.Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.Clone())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}

// Current returns the current session id, or empty when none is joined.
func (t *Tracker) Current() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Countdown returns the latest countdown tick for the current session.
func (t *Tracker) Countdown() (Countdown, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.countdown == nil {
		return Countdown{}, false
	}
	return *t.countdown, true
}

// Remaining returns the remaining time for a session: the latest server
// tick when one is available, otherwise the drift-corrected local
// computation from startedAt and estimated duration.
func (t *Tracker) Remaining(sessionID string) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.countdown != nil && t.countdown.SessionID == sessionID {
		elapsed := time.Since(t.countdown.UpdatedAt)
		remaining := time.Duration(t.countdown.RemainingSeconds)*time.Second - elapsed
		if remaining < 0 {
			return 0
		}
		return remaining
	}
	if s, ok := t.sessions[sessionID]; ok {
		return s.Remaining(time.Now().Add(t.drift))
	}
	return 0
}

// SyncClock measures drift against the backend clock so countdown display
// does not depend on the local clock being right.
func (t *Tracker) SyncClock(ctx context.Context) error {
	v, err := t.cache.Fetch(ctx, keyServerTime, func(ctx context.Context) (any, error) {
		return t.api.ServerTime(ctx)
	}, cache.Options{TTL: time.Minute})
	if err != nil {
		return err
	}
	serverNow := v.(time.Time)

	t.mu.Lock()
	t.drift = time.Until(serverNow)
	t.mu.Unlock()
	return nil
}

// AddNote records a note against the session and invalidates the cached
// note list.
func (t *Tracker) AddNote(ctx context.Context, sessionID, note, noteType string) (*model.SessionNote, error) {
	if noteType == "" {
		noteType = "general"
	}
	created, err := t.api.AddSessionNote(ctx, sessionID, note, noteType)
	if err != nil {
		return nil, err
	}
	t.cache.Invalidate(NotesKey(sessionID))
	return created, nil
}

// Notes lists the session's notes, cached.
func (t *Tracker) Notes(ctx context.Context, sessionID string) ([]model.SessionNote, error) {
	v, err := t.cache.Fetch(ctx, NotesKey(sessionID), func(ctx context.Context) (any, error) {
		return t.api.SessionNotes(ctx, sessionID)
	}, cache.Options{})
	if err != nil {
		return nil, err
	}
	return v.([]model.SessionNote), nil
}

// ActiveSessions lists the provider's active sessions, cached, and merges
// them into the session map.
func (t *Tracker) ActiveSessions(ctx context.Context) ([]model.Session, error) {
	return t.fetchSessionList(ctx, keyActiveSessions, t.api.ActiveSessions)
}

// TodaysSessions lists today's scheduled sessions, cached, and merges them
// into the session map.
func (t *Tracker) TodaysSessions(ctx context.Context) ([]model.Session, error) {
	return t.fetchSessionList(ctx, keyTodaysSessions, t.api.TodaysSessions)
}

func (t *Tracker) fetchSessionList(ctx context.Context, key string, load func(context.Context) ([]model.Session, error)) ([]model.Session, error) {
	v, err := t.cache.Fetch(ctx, key, func(ctx context.Context) (any, error) {
		return load(ctx)
	}, cache.Options{})
	if err != nil {
		return nil, err
	}
	sessions := v.([]model.Session)
	for i := range sessions {
		s := sessions[i]
		t.applySnapshot(&s)
	}
	return sessions, nil
}

// UpdateProviderStatus reports availability over both channels and
// mirrors it locally.
func (t *Tracker) UpdateProviderStatus(ctx context.Context, status model.ProviderStatus, availableUntil *time.Time) error {
	payload := model.ProviderStatusPayload{Status: status, AvailableUntil: availableUntil}
	if err := t.push.Send(model.EventUpdateProviderStatus, payload); err != nil {
		t.log.Warn("provider status push failed", "error", err)
	}
	if err := t.api.UpdateProviderStatus(ctx, status, availableUntil); err != nil {
		return err
	}

	t.mu.Lock()
	t.providerStatus = status
	t.mu.Unlock()
	return nil
}

// ProviderStatus returns the provider's last known availability.
func (t *Tracker) ProviderStatus() model.ProviderStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.providerStatus
}
