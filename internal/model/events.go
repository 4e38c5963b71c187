package model

import (
	"encoding/json"
	"time"
)

// EventName identifies a push-channel message type.
type EventName string

// Client -> server message names.
const (
	EventSubscribeTracking    EventName = "subscribe_therapy_tracking"
	EventJoinSession          EventName = "join_session"
	EventLeaveSession         EventName = "leave_session"
	EventUpdateProviderStatus EventName = "update_provider_status"
	EventAuthRefresh          EventName = "auth_refresh"
)

// Server -> client event names.
const (
	EventAuthError              EventName = "auth_error"
	EventSessionStatusUpdate    EventName = "session_status_update"
	EventUserJoinedSession      EventName = "user_joined_session"
	EventUserLeftSession        EventName = "user_left_session"
	EventProviderStatusUpdated  EventName = "provider_status_updated"
	EventProviderAvailability   EventName = "provider_availability_update"
	EventSystemAlert            EventName = "system_alert"
	EventAppointmentUpdate      EventName = "appointment_update"
	EventFeedbackSubmitted      EventName = "feedback_submitted"
	EventCriticalFeedbackAlert  EventName = "critical_feedback_alert"
	EventMilestoneAchieved      EventName = "milestone_achieved"
	EventCountdownUpdate        EventName = "countdown_update"
	EventSessionTimeEnded       EventName = "session_time_ended"
)

// Event is the push-channel wire envelope. Timestamp is the server-assigned
// logical timestamp in milliseconds, used to discard out-of-order delivery.
type Event struct {
	Name      EventName       `json:"event"`
	Timestamp int64           `json:"ts,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Logical returns the event's logical timestamp as wall-clock time.
func (e Event) Logical() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Decode unmarshals the event payload into out.
func (e Event) Decode(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}

// NewEvent builds an outbound event with the given payload.
func NewEvent(name EventName, payload any) (Event, error) {
	evt := Event{Name: name, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		evt.Payload = data
	}
	return evt, nil
}

// SessionStatusPayload carries a session_status_update event.
type SessionStatusPayload struct {
	SessionID         string        `json:"sessionId"`
	Status            SessionStatus `json:"status"`
	StartedAt         *time.Time    `json:"startTime,omitempty"`
	EstimatedDuration int           `json:"estimatedDuration,omitempty"`
	PatientName       string        `json:"patientName,omitempty"`
	ProviderName      string        `json:"providerName,omitempty"`
	Reason            string        `json:"reason,omitempty"`
}

// MembershipPayload carries join_session, leave_session,
// user_joined_session and user_left_session events.
type MembershipPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
	UserEmail string `json:"userEmail,omitempty"`
	UserRole  Role   `json:"userRole,omitempty"`
}

// ProviderStatusPayload carries provider status messages in both
// directions.
type ProviderStatusPayload struct {
	ProviderID     string         `json:"providerId,omitempty"`
	Status         ProviderStatus `json:"status"`
	AvailableUntil *time.Time     `json:"availableUntil,omitempty"`
}

// SystemAlertPayload carries a system_alert event.
type SystemAlertPayload struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// CountdownPayload carries countdown_update and session_time_ended events.
type CountdownPayload struct {
	SessionID        string `json:"sessionId"`
	RemainingSeconds int    `json:"remainingSeconds"`
}

// AuthRefreshPayload carries an in-place credential refresh.
type AuthRefreshPayload struct {
	Token string `json:"token"`
}
