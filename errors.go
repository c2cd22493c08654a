package idsvr

import "github.com/idsvr/idsvr/oidc"

// ProtocolError is re-exported so callers can handle endpoint errors without
// importing the oidc package.
type ProtocolError = oidc.ProtocolError

// BearerChallenge is re-exported for hosting layers that render
// WWW-Authenticate headers for protected-resource failures.
type BearerChallenge = oidc.BearerChallenge

// NewBearerChallenge maps a protocol error to its bearer challenge.
var NewBearerChallenge = oidc.NewBearerChallenge

// Error codes returned by the endpoint operations.
const (
	ErrorCodeInvalidRequest          = oidc.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = oidc.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = oidc.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = oidc.ErrorCodeInvalidScope
	ErrorCodeUnauthorizedClient      = oidc.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = oidc.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = oidc.ErrorCodeUnsupportedResponseType
	ErrorCodeAccessDenied            = oidc.ErrorCodeAccessDenied
	ErrorCodeServerError             = oidc.ErrorCodeServerError
	ErrorCodeAuthorizationPending    = oidc.ErrorCodeAuthorizationPending
	ErrorCodeSlowDown                = oidc.ErrorCodeSlowDown
	ErrorCodeExpiredToken            = oidc.ErrorCodeExpiredToken
	ErrorCodeInvalidToken            = oidc.ErrorCodeInvalidToken
	ErrorCodeInsufficientScope       = oidc.ErrorCodeInsufficientScope
)
