// Package validation implements the protocol state machines that decide
// whether an authorize, token, device-authorization or end-session request is
// valid. Validators accumulate state into a Validated*Request value and
// either return it or a protocol error; they never mutate client or resource
// configuration.
package validation

import (
	"net/url"
	"strings"

	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/storage"
)

// ValidatedResources is the outcome of scope validation: the matched resource
// definitions plus the parsed scope values that selected them.
type ValidatedResources struct {
	Resources *storage.Resources

	// ParsedScopes holds each granted scope, with parameterized scopes split
	// into base name and parameter.
	ParsedScopes []storage.ParsedScopeValue

	// OfflineAccess is set when offline_access was requested and allowed.
	OfflineAccess bool
}

// RawScopeValues returns the raw requested scope strings, in request order.
func (r *ValidatedResources) RawScopeValues() []string {
	out := make([]string, 0, len(r.ParsedScopes))
	for _, s := range r.ParsedScopes {
		out = append(out, s.RawValue)
	}
	if r.OfflineAccess {
		out = append(out, oidc.ScopeOfflineAccess)
	}
	return out
}

// ValidatedTokenRequest is the accumulated state of one token endpoint
// request. Immutable once returned by the validator.
type ValidatedTokenRequest struct {
	Raw url.Values

	Client    *storage.Client
	GrantType string

	// Subject is the resolved principal, nil for client-only grants.
	Subject *storage.Subject

	Resources *ValidatedResources

	// AuthorizationCode is set for the authorization_code grant, together with
	// the raw handle that was redeemed.
	AuthorizationCode       *storage.AuthorizationCode
	AuthorizationCodeHandle string

	// RefreshToken is set for the refresh_token grant.
	RefreshToken       *storage.RefreshToken
	RefreshTokenHandle string

	// DeviceCode is set for the device_code grant.
	DeviceCode *storage.DeviceCode

	UserName string

	// ExtensionClaims carries claims contributed by extension grant or custom
	// validators; they are added to issued access tokens.
	ExtensionClaims []storage.Claim
}

// ValidatedAuthorizeRequest is the accumulated state of one authorize
// endpoint request.
type ValidatedAuthorizeRequest struct {
	Raw url.Values

	Client  *storage.Client
	Subject *storage.Subject

	ResponseType string
	ResponseMode string

	// GrantType is the flow derived from the response type:
	// authorization_code, implicit or hybrid.
	GrantType string

	RedirectURI string
	State       string
	Nonce       string

	CodeChallenge       string
	CodeChallengeMethod string

	Resources *ValidatedResources

	// IsOpenIDRequest is set when the openid scope was requested.
	IsOpenIDRequest bool

	SessionID string

	PromptModes []string
	MaxAge      *int
	LoginHint   string
	UILocales   string
	AcrValues   []string

	// WasConsentShown records that this request already round-tripped through
	// the consent UI.
	WasConsentShown bool
}

// AccessTokenRequested reports whether the response type returns an access
// token directly in the front channel.
func (r *ValidatedAuthorizeRequest) AccessTokenRequested() bool {
	return containsResponseValue(r.ResponseType, "token")
}

// IDTokenRequested reports whether the response type returns an identity
// token directly.
func (r *ValidatedAuthorizeRequest) IDTokenRequested() bool {
	return containsResponseValue(r.ResponseType, "id_token")
}

// CodeRequested reports whether the response type returns an authorization
// code.
func (r *ValidatedAuthorizeRequest) CodeRequested() bool {
	return containsResponseValue(r.ResponseType, "code")
}

func containsResponseValue(responseType, value string) bool {
	for _, part := range strings.Fields(responseType) {
		if part == value {
			return true
		}
	}
	return false
}

// ValidatedDeviceAuthorizationRequest is the accumulated state of one device
// authorization request.
type ValidatedDeviceAuthorizationRequest struct {
	Raw url.Values

	Client    *storage.Client
	Resources *ValidatedResources

	IsOpenIDRequest bool
}

// ValidatedEndSessionRequest is the accumulated state of one end-session
// request.
type ValidatedEndSessionRequest struct {
	Raw url.Values

	// Client is resolved from the id_token_hint, nil when no hint was given.
	Client  *storage.Client
	Subject *storage.Subject

	SessionID             string
	PostLogoutRedirectURI string
	State                 string
}
