package simulator

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/practice-dashboard/realtime/internal/model"
)

// Server is the stub backend: a gin REST surface plus a websocket hub,
// sharing one sqlite store.
type Server struct {
	store  *Store
	hub    *Hub
	token  string
	log    *slog.Logger
	engine *gin.Engine

	mu        sync.Mutex
	provider  map[string]model.ProviderStatus
	timeEnded map[string]bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer wires the stub backend. token is the single bearer credential
// it accepts; requests carrying anything else get a 401.
func NewServer(store *Store, token string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		store:     store,
		hub:       NewHub(log),
		token:     token,
		log:       log,
		engine:    gin.New(),
		provider:  make(map[string]model.ProviderStatus),
		timeEnded: make(map[string]bool),
		done:      make(chan struct{}),
	}
	s.routes()
	return s
}

// Handler returns the http handler for the whole stub, REST and socket.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub exposes the push channel for direct event injection in tests.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close stops the countdown ticker and drops push clients.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.Close()
	})
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery())
	s.engine.GET("/realtime/socket", s.handleSocket)

	api := s.engine.Group("/api/realtime", s.requireAuth)
	api.GET("/session/:id", s.handleSessionDetails)
	api.POST("/sessions/:id/join", s.handleJoin)
	api.POST("/sessions/:id/leave", s.handleLeave)
	api.PUT("/sessions/:id/status", s.handleUpdateStatus)
	api.PUT("/sessions/:id/extend", s.handleExtend)
	api.POST("/sessions/:id/notes", s.handleAddNote)
	api.GET("/sessions/:id/notes", s.handleListNotes)
	api.PUT("/provider/status", s.handleProviderStatus)
	api.GET("/provider/sessions/active", s.handleActiveSessions)
	api.GET("/provider/sessions/today", s.handleTodaysSessions)
	api.GET("/connection/status", s.handleConnectionStatus)
	api.GET("/time", s.handleServerTime)
}

func (s *Server) requireAuth(c *gin.Context) {
	if s.bearerToken(c.Request) != s.token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   gin.H{"code": "auth_expired", "message": "invalid or expired credential"},
		})
		return
	}
	c.Next()
}

func (s *Server) bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}

func (s *Server) handleSocket(c *gin.Context) {
	// Auth happens before the upgrade so the client sees a plain 401
	// handshake failure it can treat as terminal.
	if s.bearerToken(c.Request) != s.token {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid or expired credential"})
		return
	}
	if err := s.hub.HandleConnection(c.Writer, c.Request); err != nil {
		s.log.Warn("socket upgrade failed", "error", err)
	}
}

func (s *Server) handleSessionDetails(c *gin.Context) {
	sess, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, sess)
}

func (s *Server) handleJoin(c *gin.Context) {
	sess, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, gin.H{"sessionId": sess.ID, "joined": true})
}

func (s *Server) handleLeave(c *gin.Context) {
	s.ok(c, gin.H{"sessionId": c.Param("id"), "left": true})
}

func (s *Server) handleUpdateStatus(c *gin.Context) {
	var body struct {
		Status model.SessionStatus `json:"status"`
		Reason string              `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || !body.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   gin.H{"code": "bad_request", "message": "unknown status"},
		})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !sess.Status.CanTransitionTo(body.Status) {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "invalid_transition",
				"message": "cannot move " + string(sess.Status) + " to " + string(body.Status),
			},
		})
		return
	}

	now := time.Now()
	var startedAt *time.Time
	if body.Status == model.StatusInProgress && sess.StartedAt == nil {
		startedAt = &now
	}
	if err := s.store.UpdateSessionStatus(ctx, id, body.Status, startedAt, now); err != nil {
		s.fail(c, err)
		return
	}
	sess, err = s.store.GetSession(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}

	s.mu.Lock()
	delete(s.timeEnded, id)
	s.mu.Unlock()

	s.hub.Broadcast(model.EventSessionStatusUpdate, model.SessionStatusPayload{
		SessionID:         sess.ID,
		Status:            sess.Status,
		StartedAt:         sess.StartedAt,
		EstimatedDuration: sess.EstimatedDuration,
		PatientName:       sess.PatientName,
		ProviderName:      sess.ProviderName,
		Reason:            body.Reason,
	})
	s.ok(c, sess)
}

func (s *Server) handleExtend(c *gin.Context) {
	var body struct {
		AdditionalMinutes int `json:"additionalMinutes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.AdditionalMinutes <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   gin.H{"code": "bad_request", "message": "additionalMinutes must be positive"},
		})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if sess.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"error":   gin.H{"code": "session_ended", "message": "session already ended"},
		})
		return
	}
	if err := s.store.ExtendSession(ctx, id, body.AdditionalMinutes, time.Now()); err != nil {
		s.fail(c, err)
		return
	}
	sess, err = s.store.GetSession(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}

	s.mu.Lock()
	delete(s.timeEnded, id)
	s.mu.Unlock()

	s.hub.Broadcast(model.EventSessionStatusUpdate, model.SessionStatusPayload{
		SessionID:         sess.ID,
		Status:            sess.Status,
		StartedAt:         sess.StartedAt,
		EstimatedDuration: sess.EstimatedDuration,
		PatientName:       sess.PatientName,
		ProviderName:      sess.ProviderName,
		Reason:            "Session extended",
	})
	s.ok(c, sess)
}

func (s *Server) handleAddNote(c *gin.Context) {
	var body struct {
		Note string `json:"note"`
		Type string `json:"type"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Note == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   gin.H{"code": "bad_request", "message": "note is required"},
		})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.store.GetSession(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	note, err := s.store.AddNote(ctx, id, body.Note, body.Type)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, note)
}

func (s *Server) handleListNotes(c *gin.Context) {
	notes, err := s.store.NotesBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, notes)
}

func (s *Server) handleProviderStatus(c *gin.Context) {
	var body model.ProviderStatusPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   gin.H{"code": "bad_request", "message": "invalid payload"},
		})
		return
	}
	providerID := body.ProviderID
	if providerID == "" {
		providerID = "provider"
	}

	s.mu.Lock()
	s.provider[providerID] = body.Status
	s.mu.Unlock()

	s.hub.Broadcast(model.EventProviderStatusUpdated, model.ProviderStatusPayload{
		ProviderID:     providerID,
		Status:         body.Status,
		AvailableUntil: body.AvailableUntil,
	})
	s.ok(c, gin.H{"providerId": providerID, "status": body.Status})
}

func (s *Server) handleActiveSessions(c *gin.Context) {
	sessions, err := s.store.ListSessions(c.Request.Context(), model.StatusInProgress, model.StatusPaused)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, sessions)
}

func (s *Server) handleTodaysSessions(c *gin.Context) {
	sessions, err := s.store.ListToday(c.Request.Context(), time.Now())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, sessions)
}

func (s *Server) handleConnectionStatus(c *gin.Context) {
	s.ok(c, gin.H{
		"connectedClients": s.hub.ClientCount(),
		"uptimeSeconds":    int(time.Since(startTime).Seconds()),
	})
}

func (s *Server) handleServerTime(c *gin.Context) {
	s.ok(c, gin.H{"now": time.Now()})
}

var startTime = time.Now()

func (s *Server) ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func (s *Server) fail(c *gin.Context, err error) {
	if err == model.ErrSessionNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   gin.H{"code": "session_not_found", "message": "session not found"},
		})
		return
	}
	s.log.Error("request failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"error":   gin.H{"code": "internal", "message": err.Error()},
	})
}

// StartCountdown begins broadcasting countdown_update ticks for every
// in-progress session at the given interval, and a one-time
// session_time_ended when a session runs out of estimated time.
func (s *Server) StartCountdown(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.tickCountdowns()
			}
		}
	}()
}

func (s *Server) tickCountdowns() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessions, err := s.store.ListSessions(ctx, model.StatusInProgress)
	if err != nil {
		s.log.Warn("countdown sweep failed", "error", err)
		return
	}
	for _, sess := range sessions {
		if sess.StartedAt == nil {
			continue
		}
		remaining := sess.EstimatedDuration*60 - int(time.Since(*sess.StartedAt).Seconds())
		if remaining < 0 {
			remaining = 0
		}
		s.hub.Broadcast(model.EventCountdownUpdate, model.CountdownPayload{
			SessionID:        sess.ID,
			RemainingSeconds: remaining,
		})
		if remaining == 0 {
			s.mu.Lock()
			ended := s.timeEnded[sess.ID]
			s.timeEnded[sess.ID] = true
			s.mu.Unlock()
			if !ended {
				s.hub.Broadcast(model.EventSessionTimeEnded, model.CountdownPayload{SessionID: sess.ID})
			}
		}
	}
}
