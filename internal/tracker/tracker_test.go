package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/practice-dashboard/realtime/internal/api"
	"github.com/practice-dashboard/realtime/internal/bus"
	"github.com/practice-dashboard/realtime/internal/cache"
	"github.com/practice-dashboard/realtime/internal/model"
	"github.com/practice-dashboard/realtime/internal/transport"
)

// fakePush records outbound push messages.
type fakePush struct {
	mu        sync.Mutex
	sent      []model.EventName
	connected bool
	err       error
}

func (f *fakePush) Send(name model.EventName, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, name)
	return nil
}

func (f *fakePush) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return transport.Status{Connected: f.connected}
}

func (f *fakePush) sentEvents() []model.EventName {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.EventName, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeNotify records notifications and roster resets.
type fakeNotify struct {
	mu       sync.Mutex
	messages []string
	resets   int
}

func (f *fakeNotify) Notify(message string, severity model.Severity) model.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return model.Notification{ID: fmt.Sprintf("n%d", len(f.messages)), Message: message, Severity: severity}
}

func (f *fakeNotify) ResetRoster() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeNotify) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// backendStub serves the pull-channel endpoints from an in-memory session
// map and records every request.
type backendStub struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	requests []string
	delay    time.Duration
}

func (b *backendStub) record(r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, r.Method+" "+r.URL.Path)
}

func (b *backendStub) requestCount(prefix string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, req := range b.requests {
		if strings.HasPrefix(req, prefix) {
			n++
		}
	}
	return n
}

func (b *backendStub) put(s *model.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[s.ID] = s
}

func (b *backendStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.record(r)

	b.mu.Lock()
	delay := b.delay
	b.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	writeOK := func(data any) {
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "session":
		b.mu.Lock()
		s, ok := b.sessions[parts[1]]
		var clone model.Session
		if ok {
			clone = s.Clone()
		}
		b.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeOK(clone)

	case r.Method == http.MethodPut && len(parts) == 3 && parts[0] == "sessions" && parts[2] == "status":
		var body struct {
			Status model.SessionStatus `json:"status"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		b.mu.Lock()
		s, ok := b.sessions[parts[1]]
		if !ok {
			b.mu.Unlock()
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.Status = body.Status
		if body.Status == model.StatusInProgress && s.StartedAt == nil {
			now := time.Now()
			s.StartedAt = &now
		}
		s.LastUpdate = time.Now()
		clone := s.Clone()
		b.mu.Unlock()
		writeOK(clone)

	case r.Method == http.MethodPut && len(parts) == 3 && parts[0] == "sessions" && parts[2] == "extend":
		var body struct {
			AdditionalMinutes int `json:"additionalMinutes"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		b.mu.Lock()
		s, ok := b.sessions[parts[1]]
		if !ok {
			b.mu.Unlock()
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.EstimatedDuration += body.AdditionalMinutes
		s.LastUpdate = time.Now()
		clone := s.Clone()
		b.mu.Unlock()
		writeOK(clone)

	case r.Method == http.MethodPost && len(parts) == 3 && (parts[2] == "join" || parts[2] == "leave"):
		writeOK(map[string]any{"sessionId": parts[1]})

	case r.Method == http.MethodGet && r.URL.Path == "/time":
		writeOK(map[string]any{"now": time.Now()})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type harness struct {
	tracker *Tracker
	backend *backendStub
	push    *fakePush
	notify  *fakeNotify
	bus     *bus.Bus
	store   *cache.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	backend := &backendStub{sessions: make(map[string]*model.Session)}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	b := bus.New()
	store := cache.NewStore()
	t.Cleanup(store.Close)

	push := &fakePush{connected: true}
	notify := &fakeNotify{}
	apiClient := api.NewClient(srv.URL, model.StaticToken("t"), 2*time.Second)

	tr := New(apiClient, store, push, notify, b, nil)
	t.Cleanup(tr.Close)

	return &harness{tracker: tr, backend: backend, push: push, notify: notify, bus: b, store: store}
}

// seedEvent feeds a session into the tracker through the push channel.
func (h *harness) seedEvent(sessionID string, status model.SessionStatus, ts int64) {
	payload, _ := json.Marshal(model.SessionStatusPayload{SessionID: sessionID, Status: status})
	h.tracker.HandleEvent(model.Event{
		Name:      model.EventSessionStatusUpdate,
		Timestamp: ts,
		Payload:   payload,
	})
}

func TestTracker_StartFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.backend.put(&model.Session{ID: "s1", Status: model.StatusScheduled, EstimatedDuration: 60})

	var updates []model.Session
	h.bus.Subscribe(bus.TopicSessionUpdate, func(payload any) {
		updates = append(updates, payload.(model.Session))
	})

	require.NoError(t, h.tracker.Start(ctx, "s1"))

	s, ok := h.tracker.Session("s1")
	require.True(t, ok)
	assert.Equal(t, model.StatusInProgress, s.Status)
	assert.NotNil(t, s.StartedAt)
	assert.False(t, s.Pending, "pending must clear after the response")

	require.NotEmpty(t, updates)
	final := updates[len(updates)-1]
	assert.Equal(t, model.StatusInProgress, final.Status)
	assert.Equal(t, 1, h.backend.requestCount("PUT /sessions/s1/status"))
}

func TestTracker_IllegalTransitionRejectedLocally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedEvent("s1", model.StatusCompleted, 1000)

	err := h.tracker.Cancel(ctx, "s1", "")
	require.Error(t, err)
	assert.True(t, model.IsInvalidTransition(err))
	assert.Contains(t, err.Error(), "terminal")

	// The guard fires before any network call.
	assert.Equal(t, 0, h.backend.requestCount("PUT"))
}

func TestTracker_PauseRequiresInProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedEvent("s1", model.StatusScheduled, 1000)

	err := h.tracker.Pause(ctx, "s1")
	require.Error(t, err)
	assert.True(t, model.IsInvalidTransition(err))
	assert.Equal(t, 0, h.backend.requestCount("PUT"))
}

func TestTracker_StaleEventsDiscarded(t *testing.T) {
	h := newHarness(t)

	h.seedEvent("s1", model.StatusInProgress, 2000)
	h.seedEvent("s1", model.StatusPaused, 1000) // replayed backlog

	s, ok := h.tracker.Session("s1")
	require.True(t, ok)
	assert.Equal(t, model.StatusInProgress, s.Status, "older event must not overwrite newer state")
	assert.Equal(t, time.UnixMilli(2000), s.LastUpdate)
}

func TestTracker_EqualTimestampApplied(t *testing.T) {
	h := newHarness(t)

	h.seedEvent("s1", model.StatusInProgress, 2000)
	h.seedEvent("s1", model.StatusPaused, 2000)

	s, _ := h.tracker.Session("s1")
	assert.Equal(t, model.StatusPaused, s.Status, "only strictly older events are dropped")
}

func TestTracker_EventSkippingIntermediateStatusApplied(t *testing.T) {
	h := newHarness(t)

	// A reconnect gap can jump scheduled straight to completed even though
	// the machine has no such edge for local commands.
	h.seedEvent("s1", model.StatusScheduled, 1000)
	h.seedEvent("s1", model.StatusCompleted, 3000)

	s, _ := h.tracker.Session("s1")
	assert.Equal(t, model.StatusCompleted, s.Status)
}

func TestTracker_UnknownStatusDiscarded(t *testing.T) {
	h := newHarness(t)

	h.seedEvent("s1", model.StatusInProgress, 1000)
	h.seedEvent("s1", model.SessionStatus("archived"), 2000)

	s, _ := h.tracker.Session("s1")
	assert.Equal(t, model.StatusInProgress, s.Status)
}

func TestTracker_JoinIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.tracker.Join(ctx, "s1"))
	require.NoError(t, h.tracker.Join(ctx, "s1"))

	joins := 0
	for _, name := range h.push.sentEvents() {
		if name == model.EventJoinSession {
			joins++
		}
	}
	assert.Equal(t, 1, joins, "second join of the current session must be a no-op")
	assert.Equal(t, 1, h.backend.requestCount("POST /sessions/s1/join"))
	assert.Equal(t, "s1", h.tracker.Current())
}

func TestTracker_JoinSwitchesSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.tracker.Join(ctx, "s1"))
	require.NoError(t, h.tracker.Join(ctx, "s2"))

	events := h.push.sentEvents()
	require.Len(t, events, 3)
	assert.Equal(t, model.EventJoinSession, events[0])
	assert.Equal(t, model.EventLeaveSession, events[1])
	assert.Equal(t, model.EventJoinSession, events[2])
	assert.Equal(t, "s2", h.tracker.Current())
}

func TestTracker_JoinSurvivesPushFailure(t *testing.T) {
	h := newHarness(t)
	h.push.err = model.ErrNotConnected
	ctx := context.Background()

	require.NoError(t, h.tracker.Join(ctx, "s1"))
	assert.Equal(t, "s1", h.tracker.Current())
	assert.Greater(t, h.notify.messageCount(), 0, "push failure surfaces a warning")
}

func TestTracker_LeaveNonCurrentIsSilent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.tracker.Join(ctx, "s1"))
	sentBefore := len(h.push.sentEvents())

	require.NoError(t, h.tracker.Leave(ctx, "other"))
	assert.Equal(t, "s1", h.tracker.Current())
	assert.Len(t, h.push.sentEvents(), sentBefore)
	assert.Equal(t, 0, h.notify.resets)
}

func TestTracker_LeaveClearsState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.tracker.Join(ctx, "s1"))
	h.tracker.HandleEvent(mustEvent(t, model.EventCountdownUpdate, model.CountdownPayload{SessionID: "s1", RemainingSeconds: 600}))

	require.NoError(t, h.tracker.Leave(ctx, "s1"))
	assert.Empty(t, h.tracker.Current())
	_, ok := h.tracker.Countdown()
	assert.False(t, ok, "countdown must reset on leave")
	assert.Equal(t, 1, h.notify.resets)
}

func mustEvent(t *testing.T, name model.EventName, payload any) model.Event {
	t.Helper()
	evt, err := model.NewEvent(name, payload)
	require.NoError(t, err)
	return evt
}

func TestTracker_CountdownMonotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.tracker.Join(ctx, "s1"))

	tick := func(remaining int, ts int64) {
		payload, _ := json.Marshal(model.CountdownPayload{SessionID: "s1", RemainingSeconds: remaining})
		h.tracker.HandleEvent(model.Event{Name: model.EventCountdownUpdate, Timestamp: ts, Payload: payload})
	}

	tick(600, 1000)
	tick(599, 2000)
	tick(640, 1500) // stale replay, must not raise the countdown

	cd, ok := h.tracker.Countdown()
	require.True(t, ok)
	assert.Equal(t, 599, cd.RemainingSeconds)

	// Ticks for another session are ignored while s1 is current.
	payload, _ := json.Marshal(model.CountdownPayload{SessionID: "s2", RemainingSeconds: 100})
	h.tracker.HandleEvent(model.Event{Name: model.EventCountdownUpdate, Timestamp: 3000, Payload: payload})
	cd, _ = h.tracker.Countdown()
	assert.Equal(t, "s1", cd.SessionID)
}

func TestTracker_TimeEndedWarnsOnce(t *testing.T) {
	h := newHarness(t)

	ended := mustEvent(t, model.EventSessionTimeEnded, model.CountdownPayload{SessionID: "s1"})
	h.tracker.HandleEvent(ended)
	h.tracker.HandleEvent(ended)

	assert.Equal(t, 1, h.notify.messageCount(), "time-ended warning must fire once")

	s, ok := h.tracker.Session("s1")
	if ok {
		assert.NotEqual(t, model.StatusCompleted, s.Status, "time ended must not auto-complete")
	}
}

func TestTracker_ExtendResetsCountdownAndTimeEnded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.backend.put(&model.Session{ID: "s1", Status: model.StatusInProgress, EstimatedDuration: 60})
	h.seedEvent("s1", model.StatusInProgress, 1000)
	require.NoError(t, h.tracker.Join(ctx, "s1"))

	h.tracker.HandleEvent(mustEvent(t, model.EventCountdownUpdate, model.CountdownPayload{SessionID: "s1", RemainingSeconds: 5}))
	h.tracker.HandleEvent(mustEvent(t, model.EventSessionTimeEnded, model.CountdownPayload{SessionID: "s1"}))
	warningsBefore := h.notify.messageCount()

	require.NoError(t, h.tracker.Extend(ctx, "s1", 15))

	_, ok := h.tracker.Countdown()
	assert.False(t, ok, "extend must drop the countdown until the next tick")

	s, _ := h.tracker.Session("s1")
	assert.Equal(t, 75, s.EstimatedDuration)

	// A later time-ended may warn again.
	h.tracker.HandleEvent(mustEvent(t, model.EventSessionTimeEnded, model.CountdownPayload{SessionID: "s1"}))
	assert.Equal(t, warningsBefore+1, h.notify.messageCount())
}

func TestTracker_ExtendValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.tracker.Extend(ctx, "s1", 0)
	require.Error(t, err)

	h.seedEvent("s2", model.StatusCompleted, 1000)
	err = h.tracker.Extend(ctx, "s2", 15)
	assert.ErrorIs(t, err, model.ErrSessionEnded)
	assert.Equal(t, 0, h.backend.requestCount("PUT /sessions/s2/extend"))
}

func TestTracker_TimeoutLeavesCacheUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.backend.put(&model.Session{ID: "s1", Status: model.StatusScheduled})
	h.seedEvent("s1", model.StatusScheduled, 1000)

	h.backend.mu.Lock()
	h.backend.delay = 300 * time.Millisecond
	h.backend.mu.Unlock()

	// A client with a tighter deadline than the stub's delay.
	srv := httptest.NewServer(h.backend)
	defer srv.Close()
	slowAPI := api.NewClient(srv.URL, model.StaticToken("t"), 30*time.Millisecond)
	tr := New(slowAPI, h.store, h.push, h.notify, h.bus, nil)
	defer tr.Close()
	tr.HandleEvent(mustEvent(t, model.EventSessionStatusUpdate, model.SessionStatusPayload{SessionID: "s1", Status: model.StatusScheduled}))

	err := tr.Start(ctx, "s1")
	assert.ErrorIs(t, err, model.ErrTimeout)

	s, ok := tr.Session("s1")
	require.True(t, ok)
	assert.Equal(t, model.StatusScheduled, s.Status, "unknown outcome must not mutate local state")
	assert.False(t, s.Pending)
	assert.Greater(t, h.notify.messageCount(), 0, "timeout surfaces a warning")
}

func TestTracker_MembershipEventsUpdateParticipants(t *testing.T) {
	h := newHarness(t)

	h.seedEvent("s1", model.StatusInProgress, 1000)
	h.tracker.HandleEvent(mustEvent(t, model.EventUserJoinedSession, model.MembershipPayload{SessionID: "s1", UserID: "u1"}))
	h.tracker.HandleEvent(mustEvent(t, model.EventUserJoinedSession, model.MembershipPayload{SessionID: "s1", UserID: "u2"}))
	h.tracker.HandleEvent(mustEvent(t, model.EventUserLeftSession, model.MembershipPayload{SessionID: "s1", UserID: "u1"}))

	s, ok := h.tracker.Session("s1")
	require.True(t, ok)
	assert.Equal(t, []string{"u2"}, s.Participants)
}

func TestTracker_DetailsServedFromCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.backend.put(&model.Session{ID: "s1", Status: model.StatusScheduled, PatientName: "Jordan"})

	first, err := h.tracker.Details(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Jordan", first.PatientName)

	_, err = h.tracker.Details(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.backend.requestCount("GET /session/s1"), "second read must hit the cache")
}

func TestTracker_SnapshotPreservesParticipants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.backend.put(&model.Session{ID: "s1", Status: model.StatusInProgress, LastUpdate: time.Now().Add(time.Minute)})
	h.seedEvent("s1", model.StatusInProgress, 1000)
	h.tracker.HandleEvent(mustEvent(t, model.EventUserJoinedSession, model.MembershipPayload{SessionID: "s1", UserID: "u1"}))

	_, err := h.tracker.Details(ctx, "s1")
	require.NoError(t, err)

	s, _ := h.tracker.Session("s1")
	assert.Equal(t, []string{"u1"}, s.Participants, "pull snapshots do not carry the roster; keep the live one")
}

func TestTracker_RefreshIfDisconnected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.backend.put(&model.Session{ID: "s1", Status: model.StatusInProgress})
	require.NoError(t, h.tracker.Join(ctx, "s1"))
	joinRequests := h.backend.requestCount("GET /session/s1")

	// Connected: the fallback must stay quiet.
	h.tracker.RefreshIfDisconnected(ctx)
	assert.Equal(t, joinRequests, h.backend.requestCount("GET /session/s1"))

	h.push.mu.Lock()
	h.push.connected = false
	h.push.mu.Unlock()

	h.tracker.RefreshIfDisconnected(ctx)
	assert.Equal(t, joinRequests+1, h.backend.requestCount("GET /session/s1"))
}

func TestTracker_SessionsSortedBySchedule(t *testing.T) {
	h := newHarness(t)

	later := time.Now().Add(2 * time.Hour)
	sooner := time.Now().Add(time.Hour)
	h.tracker.applySnapshot(&model.Session{ID: "b", Status: model.StatusScheduled, ScheduledAt: later})
	h.tracker.applySnapshot(&model.Session{ID: "a", Status: model.StatusScheduled, ScheduledAt: sooner})

	sessions := h.tracker.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "a", sessions[0].ID)
	assert.Equal(t, "b", sessions[1].ID)
}

func TestTracker_ProviderStatusRoundTrip(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, model.ProviderOffline, h.tracker.ProviderStatus())

	h.tracker.HandleEvent(mustEvent(t, model.EventProviderStatusUpdated, model.ProviderStatusPayload{Status: model.ProviderBusy}))
	assert.Equal(t, model.ProviderBusy, h.tracker.ProviderStatus())
}

// LastUpdate never moves backwards, no matter the order events arrive in.
func TestTrackerMonotonicLastUpdateProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	statuses := []model.SessionStatus{
		model.StatusScheduled, model.StatusPatientArrived, model.StatusInProgress,
		model.StatusPaused, model.StatusCompleted, model.StatusCancelled,
	}

	properties.Property("applied events never lower LastUpdate", prop.ForAll(
		func(timestamps []int64, statusIdx []int) bool {
			h := newHarness(t)
			defer h.tracker.Close()

			var prev time.Time
			for i, ts := range timestamps {
				status := statuses[statusIdx[i%len(statusIdx)]%len(statuses)]
				h.seedEvent("p1", status, ts)

				s, ok := h.tracker.Session("p1")
				if !ok {
					return false
				}
				if s.LastUpdate.Before(prev) {
					return false
				}
				prev = s.LastUpdate
			}
			return true
		},
		gen.SliceOfN(8, gen.Int64Range(0, 10_000)),
		gen.SliceOfN(8, gen.IntRange(0, 5)),
	))

	properties.TestingRun(t)
}
