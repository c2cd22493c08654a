// Package responses turns validated requests into protocol response
// payloads: token sets, authorize redirect parameters, device authorization
// data, interaction decisions and the discovery document.
package responses

import "github.com/idsvr/idsvr/oidc"

// TokenResponse is the token endpoint success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`

	// Custom carries extension fields contributed by custom response hooks.
	Custom map[string]any `json:"-"`
}

// AuthorizeResponse is the authorize endpoint success payload. The hosting
// layer renders it as a redirect to RedirectURI with the set fields encoded
// per ResponseMode.
type AuthorizeResponse struct {
	RedirectURI  string
	ResponseMode string

	Code         string
	AccessToken  string
	ExpiresIn    int
	IDToken      string
	TokenType    string
	Scope        string
	State        string
	SessionState string
}

// DeviceAuthorizationResponse is the device authorization endpoint payload
// (RFC 8628 section 3.2).
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// InteractionResponse is the decision whether an authorize request may
// proceed or first needs user interaction.
type InteractionResponse struct {
	// IsLogin directs the user to the login UI.
	IsLogin bool

	// IsConsent directs the user to the consent UI.
	IsConsent bool

	// RedirectURL is a custom interaction redirect contributed by an
	// InteractionProvider.
	RedirectURL string

	// Error rejects the request (e.g. login_required under prompt=none).
	Error *oidc.ProtocolError
}

// IsInteractionRequired reports whether the request cannot proceed yet.
func (r *InteractionResponse) IsInteractionRequired() bool {
	return r.IsLogin || r.IsConsent || r.RedirectURL != "" || r.Error != nil
}

// DiscoveryDocument is the semantic content of the discovery endpoint.
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	DeviceAuthorizationEndpoint       string   `json:"device_authorization_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	JwksURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}
