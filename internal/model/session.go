package model

import (
	"time"
)

// SessionState represents the protocol state of a client session.
type SessionState string

const (
	SessionStateIdle       SessionState = "idle"
	SessionStateConnecting SessionState = "connecting"
	SessionStateStreaming  SessionState = "streaming"
	SessionStateClosing    SessionState = "closing"
)

// SessionInfo is a point-in-time snapshot of a client session used for stats and introspection.
type SessionInfo struct {
	ID         string       `json:"id"`
	Instance   string       `json:"instance,omitempty"`
	RemoteAddr string       `json:"remoteAddr"`
	State      SessionState `json:"state"`
	Target     string       `json:"target,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// Duration returns how long the session has been alive.
func (s *SessionInfo) Duration() time.Duration {
	return time.Since(s.CreatedAt)
}

// IsStreaming reports whether the session currently forwards frames from an uplink.
func (s *SessionInfo) IsStreaming() bool {
	return s.State == SessionStateStreaming
}

// UplinkOutcome is the result of a connect attempt.
type UplinkOutcome string

const (
	UplinkOutcomeConnected UplinkOutcome = "connected"
	UplinkOutcomeTimeout   UplinkOutcome = "timeout"
	UplinkOutcomeRefused   UplinkOutcome = "refused"
	UplinkOutcomeError     UplinkOutcome = "error"
	UplinkOutcomeCancelled UplinkOutcome = "cancelled"
)

// CloseReason describes why an established uplink ended.
type CloseReason string

const (
	CloseReasonClientDisconnect CloseReason = "client_disconnect"
	CloseReasonReplaced         CloseReason = "replaced"
	CloseReasonUpstreamClosed   CloseReason = "upstream_closed"
	CloseReasonReadError        CloseReason = "read_error"
	CloseReasonSessionClosed    CloseReason = "session_closed"
)

// UplinkRecord is the persisted history of one connect attempt. Sentence content is never stored.
type UplinkRecord struct {
	ID        string        `json:"id"`
	SessionID string        `json:"sessionId"`
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Outcome   UplinkOutcome `json:"outcome"`
	Reason    CloseReason   `json:"reason,omitempty"`
	Frames    int64         `json:"frames"`
	OpenedAt  time.Time     `json:"openedAt"`
	ClosedAt  *time.Time    `json:"closedAt,omitempty"`
}
