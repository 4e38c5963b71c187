// Package api implements the pull channel: conventional request/response
// calls against the practice-management backend. Every call carries a
// bearer credential from the injected provider; a 401 from any endpoint is
// treated the same as a push-channel auth failure.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/practice-dashboard/realtime/internal/model"
)

// DefaultTimeout is the fixed upper bound on every pull command. A request
// that exceeds it fails with model.ErrTimeout, an unknown outcome: the
// backend may still have applied the change.
const DefaultTimeout = 30 * time.Second

// Client is the typed pull-channel client.
type Client struct {
	baseURL string
	http    *http.Client
	creds   model.CredentialProvider
}

// NewClient creates a Client for the backend at baseURL (including any
// path prefix, e.g. "http://localhost:3003/api/realtime").
func NewClient(baseURL string, creds model.CredentialProvider, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		creds:   creds,
	}
}

// envelope is the backend's uniform response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolve credential: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return fmt.Errorf("%s %s: %w", method, path, model.ErrTimeout)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return model.ErrAuthExpired
	}
	if resp.StatusCode == http.StatusNotFound {
		return model.ErrSessionNotFound
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	if resp.StatusCode >= 400 || !env.Success {
		msg := env.Message
		if env.Error != nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}

// SessionDetails returns the authoritative snapshot of one session.
func (c *Client) SessionDetails(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, model.ErrSessionNotFound
	}
	var session model.Session
	if err := c.do(ctx, http.MethodGet, "/session/"+sessionID, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// JoinSession registers the caller as a participant for tracking.
func (c *Client) JoinSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/join", nil, nil)
}

// LeaveSession removes the caller from the session's tracking roster.
func (c *Client) LeaveSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/leave", nil, nil)
}

// UpdateSessionStatus is the single entry point used by start, pause,
// resume, end and cancel. It returns the authoritative session after the
// change.
func (c *Client) UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus, reason string) (*model.Session, error) {
	body := map[string]string{"status": string(status), "reason": reason}
	var session model.Session
	if err := c.do(ctx, http.MethodPut, "/sessions/"+sessionID+"/status", body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ExtendSession adds minutes to the session's estimated duration and
// returns the authoritative session.
func (c *Client) ExtendSession(ctx context.Context, sessionID string, additionalMinutes int) (*model.Session, error) {
	body := map[string]int{"additionalMinutes": additionalMinutes}
	var session model.Session
	if err := c.do(ctx, http.MethodPut, "/sessions/"+sessionID+"/extend", body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// AddSessionNote records a note against a session.
func (c *Client) AddSessionNote(ctx context.Context, sessionID, note, noteType string) (*model.SessionNote, error) {
	body := map[string]string{"note": note, "type": noteType}
	var created model.SessionNote
	if err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/notes", body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// SessionNotes lists the notes recorded against a session.
func (c *Client) SessionNotes(ctx context.Context, sessionID string) ([]model.SessionNote, error) {
	var notes []model.SessionNote
	if err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/notes", nil, &notes); err != nil {
		return nil, err
	}
	return notes, nil
}

// UpdateProviderStatus reports the provider's availability.
func (c *Client) UpdateProviderStatus(ctx context.Context, status model.ProviderStatus, availableUntil *time.Time) error {
	body := model.ProviderStatusPayload{Status: status, AvailableUntil: availableUntil}
	return c.do(ctx, http.MethodPut, "/provider/status", body, nil)
}

// ActiveSessions lists the provider's in-progress and paused sessions.
func (c *Client) ActiveSessions(ctx context.Context) ([]model.Session, error) {
	var sessions []model.Session
	if err := c.do(ctx, http.MethodGet, "/provider/sessions/active", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// TodaysSessions lists the provider's sessions scheduled for today.
func (c *Client) TodaysSessions(ctx context.Context) ([]model.Session, error) {
	var sessions []model.Session
	if err := c.do(ctx, http.MethodGet, "/provider/sessions/today", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// ConnectionStatus reports the backend's view of the push channel.
func (c *Client) ConnectionStatus(ctx context.Context) (map[string]any, error) {
	var status map[string]any
	if err := c.do(ctx, http.MethodGet, "/connection/status", nil, &status); err != nil {
		return nil, err
	}
	return status, nil
}

// ServerTime returns the backend clock, used for drift correction.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var payload struct {
		Now time.Time `json:"now"`
	}
	if err := c.do(ctx, http.MethodGet, "/time", nil, &payload); err != nil {
		return time.Time{}, err
	}
	return payload.Now, nil
}
