// Package oidc defines the OAuth 2.0 / OpenID Connect wire-level constants and
// the protocol error type shared by the validation and response-generation
// packages. Keeping them in one leaf package avoids drift between the token and
// authorize paths.
package oidc

// Grant types (RFC 6749 section 1.3, RFC 8628).
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeImplicit          = "implicit"
	GrantTypeHybrid            = "hybrid"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// Response types (OIDC Core section 3).
const (
	ResponseTypeCode             = "code"
	ResponseTypeToken            = "token"
	ResponseTypeIDToken          = "id_token"
	ResponseTypeIDTokenToken     = "id_token token"
	ResponseTypeCodeIDToken      = "code id_token"
	ResponseTypeCodeToken        = "code token"
	ResponseTypeCodeIDTokenToken = "code id_token token"
)

// Response modes.
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
)

// Token endpoint request parameters.
const (
	ParamGrantType           = "grant_type"
	ParamClientID            = "client_id"
	ParamClientSecret        = "client_secret"
	ParamScope               = "scope"
	ParamCode                = "code"
	ParamRedirectURI         = "redirect_uri"
	ParamRefreshToken        = "refresh_token"
	ParamUserName            = "username"
	ParamPassword            = "password"
	ParamCodeVerifier        = "code_verifier"
	ParamDeviceCode          = "device_code"
	ParamResponseType        = "response_type"
	ParamResponseMode        = "response_mode"
	ParamState               = "state"
	ParamNonce               = "nonce"
	ParamCodeChallenge       = "code_challenge"
	ParamCodeChallengeMethod = "code_challenge_method"
	ParamAcrValues           = "acr_values"
	ParamPrompt              = "prompt"
	ParamMaxAge              = "max_age"
	ParamLoginHint           = "login_hint"
	ParamUILocales           = "ui_locales"
	ParamIDTokenHint         = "id_token_hint"
	ParamPostLogoutRedirect  = "post_logout_redirect_uri"
)

// Standard claim types (subset used by the issuance engine).
const (
	ClaimSubject               = "sub"
	ClaimAudience              = "aud"
	ClaimIssuer                = "iss"
	ClaimExpiration            = "exp"
	ClaimIssuedAt              = "iat"
	ClaimNotBefore             = "nbf"
	ClaimJWTID                 = "jti"
	ClaimClientID              = "client_id"
	ClaimScope                 = "scope"
	ClaimAuthenticationMethod  = "amr"
	ClaimAuthenticationTime    = "auth_time"
	ClaimIdentityProvider      = "idp"
	ClaimSessionID             = "sid"
	ClaimNonce                 = "nonce"
	ClaimAccessTokenHash       = "at_hash"
	ClaimAuthorizationCodeHash = "c_hash"
	ClaimStateHash             = "s_hash"
	ClaimConfirmation          = "cnf"
	ClaimName                  = "name"
	ClaimEmail                 = "email"
)

// ClaimValueTypeJSON marks a claim whose string value is pre-serialized JSON.
// Such claims are parsed and merged structurally during payload assembly.
const ClaimValueTypeJSON = "json"

// Well-known scopes.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeOfflineAccess = "offline_access"
)

// PKCE (RFC 7636).
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"

	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// Signing algorithms supported by the key material service.
const (
	AlgHS256 = "HS256"
	AlgHS384 = "HS384"
	AlgHS512 = "HS512"
	AlgRS256 = "RS256"
	AlgRS384 = "RS384"
	AlgRS512 = "RS512"
	AlgES256 = "ES256"
	AlgES384 = "ES384"
	AlgES512 = "ES512"
)

// TokenTypeBearer is the only token_type this server issues.
const TokenTypeBearer = "Bearer"

// Token usage discriminators for the abstract token model.
const (
	TokenTypeAccessToken   = "access_token"
	TokenTypeIdentityToken = "id_token"
)

// Access token representation styles.
const (
	AccessTokenStyleJWT       = "jwt"
	AccessTokenStyleReference = "reference"
)

// Refresh token usage policies.
const (
	RefreshTokenUsageOneTime = "one_time"
	RefreshTokenUsageReuse   = "reuse"
)

// Client secret presentation styles (how the credential arrives at the token
// endpoint; the HTTP layer maps Authorization headers / form fields to these).
const (
	SecretPresentationBasic    = "client_secret_basic"
	SecretPresentationPostBody = "client_secret_post"
)

// Secret storage types understood by the built-in secret validators.
const (
	SecretTypeSharedSha256 = "shared_secret_sha256"
	SecretTypeSharedBcrypt = "shared_secret_bcrypt"
)
