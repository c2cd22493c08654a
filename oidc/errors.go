package oidc

import (
	"fmt"
	"net/http"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInvalidTarget           = "invalid_target"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeServerError             = "server_error"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeLoginRequired           = "login_required"
	ErrorCodeConsentRequired         = "consent_required"
	ErrorCodeInteractionRequired     = "interaction_required"
	ErrorCodeAuthorizationPending    = "authorization_pending"
	ErrorCodeSlowDown                = "slow_down"
	ErrorCodeExpiredToken            = "expired_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
)

// ProtocolError represents an OAuth 2.0 protocol error response.
// It carries everything the hosting layer needs to render a compliant
// error: the wire-level error code, an optional description, and the
// HTTP status the code maps to.
type ProtocolError struct {
	Code        string // OAuth error code (e.g. "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewProtocolError creates a new protocol error with an explicit status.
func NewProtocolError(code, description string, status int) *ProtocolError {
	return &ProtocolError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common protocol errors as constructor helpers. Most OAuth errors map to
// HTTP 400; invalid_client maps to 401 per RFC 6749 section 5.2.
var (
	ErrInvalidRequest = func(desc string) *ProtocolError {
		return NewProtocolError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	ErrInvalidGrant = func(desc string) *ProtocolError {
		return NewProtocolError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	ErrInvalidClient = func(desc string) *ProtocolError {
		return NewProtocolError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	ErrInvalidScope = func(desc string) *ProtocolError {
		return NewProtocolError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	ErrUnauthorizedClient = func(desc string) *ProtocolError {
		return NewProtocolError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	ErrUnsupportedGrantType = func(desc string) *ProtocolError {
		return NewProtocolError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	ErrUnsupportedResponseType = func(desc string) *ProtocolError {
		return NewProtocolError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	ErrServerError = func(desc string) *ProtocolError {
		return NewProtocolError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	ErrAccessDenied = func(desc string) *ProtocolError {
		return NewProtocolError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	ErrInvalidRedirectURI = func(desc string) *ProtocolError {
		return NewProtocolError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
	}

	ErrAuthorizationPending = func(desc string) *ProtocolError {
		return NewProtocolError(ErrorCodeAuthorizationPending, desc, http.StatusBadRequest)
	}

	ErrSlowDown = func(desc string) *ProtocolError {
		return NewProtocolError(ErrorCodeSlowDown, desc, http.StatusBadRequest)
	}

	ErrExpiredToken = func(desc string) *ProtocolError {
		return NewProtocolError(ErrorCodeExpiredToken, desc, http.StatusBadRequest)
	}
)

// BearerChallenge is the content of a WWW-Authenticate: Bearer response for a
// protected-resource error, plus the HTTP status to use with it.
type BearerChallenge struct {
	Realm       string
	Code        string
	Description string
	Status      int
}

// NewBearerChallenge maps a protocol error onto the fixed protected-resource
// challenge taxonomy. expired_token is remapped to invalid_token with a fixed
// description so resource servers see a stable error surface.
func NewBearerChallenge(realm, code, description string) BearerChallenge {
	status := http.StatusBadRequest

	switch code {
	case ErrorCodeExpiredToken:
		code = ErrorCodeInvalidToken
		description = "The access token expired"
		status = http.StatusUnauthorized
	case ErrorCodeInvalidToken:
		status = http.StatusUnauthorized
	case ErrorCodeInsufficientScope:
		status = http.StatusForbidden
	case ErrorCodeInvalidRequest:
		status = http.StatusBadRequest
	}

	return BearerChallenge{
		Realm:       realm,
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// HeaderValue renders the challenge as a WWW-Authenticate header value.
func (c BearerChallenge) HeaderValue() string {
	v := fmt.Sprintf("Bearer realm=%q", c.Realm)
	if c.Code != "" {
		v += fmt.Sprintf(", error=%q", c.Code)
	}
	if c.Description != "" {
		v += fmt.Sprintf(", error_description=%q", c.Description)
	}
	return v
}
