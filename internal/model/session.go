package model

import (
	"fmt"
	"sort"
	"time"
)

// SessionStatus represents the live status of a clinical session.
type SessionStatus string

const (
	StatusScheduled      SessionStatus = "scheduled"
	StatusPatientArrived SessionStatus = "patient_arrived"
	StatusInProgress     SessionStatus = "in_progress"
	StatusPaused         SessionStatus = "paused"
	StatusCompleted      SessionStatus = "completed"
	StatusCancelled      SessionStatus = "cancelled"
)

// transitions is the session status state machine. A status maps to the
// set of statuses it may move to; completed and cancelled map to nothing.
var transitions = map[SessionStatus][]SessionStatus{
	StatusScheduled:      {StatusPatientArrived, StatusInProgress, StatusCancelled},
	StatusPatientArrived: {StatusInProgress, StatusCancelled},
	StatusInProgress:     {StatusPaused, StatusCompleted, StatusCancelled},
	StatusPaused:         {StatusInProgress, StatusCompleted, StatusCancelled},
	StatusCompleted:      {},
	StatusCancelled:      {},
}

// Valid returns true if s is a known session status.
func (s SessionStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal returns true if no further transitions are allowed from s.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo reports whether the state machine allows moving from s
// to target.
func (s SessionStatus) CanTransitionTo(target SessionStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the statuses reachable from s, sorted for
// stable error messages.
func (s SessionStatus) AllowedTransitions() []SessionStatus {
	allowed := make([]SessionStatus, len(transitions[s]))
	copy(allowed, transitions[s])
	sort.Slice(allowed, func(i, j int) bool { return allowed[i] < allowed[j] })
	return allowed
}

// Session is the canonical client-side view of one clinical session.
// Participants is the set of user IDs currently joined; LastUpdate is the
// logical timestamp of the newest applied update and never moves backwards.
type Session struct {
	ID                string        `json:"id"`
	Status            SessionStatus `json:"status"`
	ScheduledAt       time.Time     `json:"scheduledAt"`
	EstimatedDuration int           `json:"estimatedDuration"` // minutes
	StartedAt         *time.Time    `json:"startedAt,omitempty"`
	PatientName       string        `json:"patientName,omitempty"`
	ProviderName      string        `json:"providerName,omitempty"`
	Participants      []string      `json:"participants,omitempty"`
	LastUpdate        time.Time     `json:"lastUpdate"`

	// Pending is true while a status command is awaiting its
	// authoritative response. It is presentation state only and never
	// influences the state machine.
	Pending bool `json:"pending,omitempty"`
}

// HasParticipant reports whether the user is joined to the session.
func (s *Session) HasParticipant(userID string) bool {
	for _, id := range s.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// AddParticipant records a joined user. Adding a user twice is a no-op.
func (s *Session) AddParticipant(userID string) {
	if !s.HasParticipant(userID) {
		s.Participants = append(s.Participants, userID)
	}
}

// RemoveParticipant removes a joined user. Removing an absent user is a
// no-op.
func (s *Session) RemoveParticipant(userID string) {
	for i, id := range s.Participants {
		if id == userID {
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			return
		}
	}
}

// Remaining returns the time left in an in-progress session computed from
// StartedAt and EstimatedDuration. It returns zero for sessions that have
// not started or have run over.
func (s *Session) Remaining(now time.Time) time.Duration {
	if s.Status != StatusInProgress || s.StartedAt == nil {
		return 0
	}
	end := s.StartedAt.Add(time.Duration(s.EstimatedDuration) * time.Minute)
	if remaining := end.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}

// Active returns true while the session is being conducted.
func (s *Session) Active() bool {
	return s.Status == StatusInProgress || s.Status == StatusPaused
}

// Controllable reports whether the provider can still issue commands
// against the session. Terminal sessions only accept reads.
func (s *Session) Controllable() bool {
	return !s.Status.Terminal()
}

// FormatClock renders a countdown duration as mm:ss for display. Negative
// durations render as 00:00.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// Clone returns a deep copy safe to hand to readers.
func (s *Session) Clone() Session {
	out := *s
	if s.Participants != nil {
		out.Participants = make([]string, len(s.Participants))
		copy(out.Participants, s.Participants)
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	return out
}

// Role identifies what a participant does in a session.
type Role string

const (
	RoleDoctor    Role = "doctor"
	RoleTherapist Role = "therapist"
	RoleNurse     Role = "nurse"
	RolePatient   Role = "patient"
	RoleAdmin     Role = "admin"
)

// Participant is a user currently watching or conducting a session.
// Participant records live only for the lifetime of the client process.
type Participant struct {
	UserID     string    `json:"userId"`
	Email      string    `json:"userEmail,omitempty"`
	Role       Role      `json:"role,omitempty"`
	JoinedAt   time.Time `json:"joinedAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// ProviderStatus is a provider's self-reported availability.
type ProviderStatus string

const (
	ProviderAvailable ProviderStatus = "available"
	ProviderBusy      ProviderStatus = "busy"
	ProviderOffline   ProviderStatus = "offline"
)

// SessionNote is a note recorded against a session during care.
type SessionNote struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Note      string    `json:"note"`
	Type      string    `json:"type"` // general, progress, instruction, alert
	CreatedAt time.Time `json:"createdAt"`
}
