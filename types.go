package idsvr

import (
	"github.com/idsvr/idsvr/responses"
	"github.com/idsvr/idsvr/validation"
)

// Response DTOs re-exported from the responses package so hosting layers only
// need the root import.
type (
	// TokenResponse is the token endpoint success payload.
	TokenResponse = responses.TokenResponse

	// AuthorizeResponse is the authorize endpoint success payload.
	AuthorizeResponse = responses.AuthorizeResponse

	// DeviceAuthorizationResponse is the device authorization endpoint
	// payload (RFC 8628).
	DeviceAuthorizationResponse = responses.DeviceAuthorizationResponse

	// InteractionResponse signals that an authorize request needs user
	// interaction before a response can be produced.
	InteractionResponse = responses.InteractionResponse

	// DiscoveryDocument is the OpenID Connect discovery metadata.
	DiscoveryDocument = responses.DiscoveryDocument

	// ConsentMessage carries a returning consent decision into the
	// authorize pipeline.
	ConsentMessage = responses.ConsentMessage

	// ConsentDecision is the outcome of the consent UI.
	ConsentDecision = responses.ConsentDecision

	// AccessTokenValidationResult is the outcome of validating a presented
	// access token.
	AccessTokenValidationResult = validation.AccessTokenValidationResult

	// EndSessionRequest is a validated end-session (logout) request.
	EndSessionRequest = validation.ValidatedEndSessionRequest
)

// ClientCredentials are the client authentication parameters extracted by the
// hosting layer from the Authorization header or the request body.
type ClientCredentials struct {
	// ID is the client identifier.
	ID string

	// Secret is the presented shared secret. Empty for public clients.
	Secret string

	// Presentation records how the secret arrived (client_secret_basic or
	// client_secret_post). Used to enforce per-client method restrictions.
	Presentation string
}
