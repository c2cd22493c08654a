package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	SubjectID string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_id_hash", hashForLogging(event.SubjectID),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when a token set is issued
func (a *Auditor) LogTokenIssued(subjectID, clientID, grantType, scope string) {
	a.LogEvent(Event{
		Type:      "token_issued",
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs when an access token is refreshed
func (a *Auditor) LogTokenRefreshed(subjectID, clientID string, rotated bool) {
	a.LogEvent(Event{
		Type:      "token_refreshed",
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogGrantConsumed logs when a single-use grant (code, device code) is redeemed
func (a *Auditor) LogGrantConsumed(subjectID, clientID, grantType string) {
	a.LogEvent(Event{
		Type:      "grant_consumed",
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"grant_type": grantType,
		},
	})
}

// LogValidationFailure logs a failed authorize/token/device validation
func (a *Auditor) LogValidationFailure(subjectID, clientID, endpoint, reason string) {
	a.LogEvent(Event{
		Type:      "validation_failure",
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"endpoint": endpoint,
			"reason":   reason,
		},
	})
}

// LogClientAuthFailure logs a failed client authentication
func (a *Auditor) LogClientAuthFailure(clientID, reason string) {
	a.LogEvent(Event{
		Type:     "client_auth_failure",
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogDeviceFlowThrottled logs when a device-code poll is told to slow down
func (a *Auditor) LogDeviceFlowThrottled(clientID string) {
	a.LogEvent(Event{
		Type:     "device_flow_throttled",
		ClientID: clientID,
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
