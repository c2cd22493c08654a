package storage

import (
	"time"

	"github.com/idsvr/idsvr/oidc"
)

// Secret is a stored client or API secret. The Value holds the hashed
// representation; Type selects which secret validator understands it.
type Secret struct {
	Value       string     `json:"value"`
	Type        string     `json:"type"`
	Description string     `json:"description,omitempty"`
	Expiration  *time.Time `json:"expiration,omitempty"`
}

// IsExpired reports whether the secret has expired at the given instant.
func (s Secret) IsExpired(now time.Time) bool {
	return s.Expiration != nil && s.Expiration.Before(now)
}

// Client models a registered OAuth2/OIDC client. Clients are loaded read-only
// per request from a ClientStore and never mutated by the validation engine.
type Client struct {
	ClientID   string
	ClientName string
	Enabled    bool

	// AllowedGrantTypes is the set of grant types the client may use.
	AllowedGrantTypes []string

	// AllowedScopes is the set of scope names the client may request. When a
	// request carries no scope parameter, this set doubles as the client's
	// default scopes.
	AllowedScopes []string

	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	AllowedCorsOrigins     []string

	// ClientSecrets holds the hashed, possibly expiring secret records.
	ClientSecrets []Secret

	// RequireClientSecret is false for public clients (native/SPA).
	RequireClientSecret bool

	// SecretPresentation selects basic vs post-body credential presentation.
	SecretPresentation string

	// Token lifetimes, in seconds.
	AccessTokenLifetime          int
	IdentityTokenLifetime        int
	AuthorizationCodeLifetime    int
	AbsoluteRefreshTokenLifetime int
	DeviceCodeLifetime           int

	// AccessTokenStyle selects self-contained JWTs or opaque reference tokens.
	AccessTokenStyle string

	// RefreshTokenUsage selects one-time-use rotation or reuse.
	RefreshTokenUsage string

	// UpdateAccessTokenClaimsOnRefresh re-resolves subject claims on refresh
	// instead of replaying the ones captured at issuance.
	UpdateAccessTokenClaimsOnRefresh bool

	// AllowedIdentityTokenSigningAlgorithms restricts the signing algorithms
	// for identity tokens. Empty means any configured credential is fine.
	AllowedIdentityTokenSigningAlgorithms []string

	RequireConsent     bool
	RequirePKCE        bool
	AllowPlainTextPKCE bool

	// AllowOfflineAccess permits requesting refresh tokens (offline_access).
	AllowOfflineAccess bool

	// AllowAccessTokensViaBrowser permits response types that return access
	// tokens in the front channel (implicit/hybrid "token" variants).
	AllowAccessTokensViaBrowser bool

	// UserSsoLifetime caps the age of the subject's session, in seconds.
	// Zero means no limit.
	UserSsoLifetime int

	// IdentityProviderRestrictions limits which upstream IdPs may have
	// authenticated the subject. Empty means no restriction.
	IdentityProviderRestrictions []string

	// Properties carries arbitrary per-client key/value configuration.
	Properties map[string]string
}

// AllowsGrantType reports whether the client is registered for the grant type.
func (c *Client) AllowsGrantType(grantType string) bool {
	for _, g := range c.AllowedGrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// AllowsScope reports whether the scope name is in the client's allowed set.
func (c *Client) AllowsScope(name string) bool {
	for _, s := range c.AllowedScopes {
		if s == name {
			return true
		}
	}
	return false
}

// IdentityResource models an OIDC identity scope (e.g. openid, profile) and
// the user claim types it releases.
type IdentityResource struct {
	Name        string
	DisplayName string
	Required    bool
	UserClaims  []string
}

// ApiScope models an API scope. Name may carry a parameterized pattern such
// as "transaction:*"; requested scopes following the "name:parameter" form
// are looked up by base name at validation time.
type ApiScope struct {
	Name        string
	DisplayName string
	Required    bool
	Emphasize   bool
	UserClaims  []string
}

// ApiResource models a protected API. It owns a set of scope names it exposes
// and becomes an audience of access tokens containing any of those scopes.
type ApiResource struct {
	Name        string
	DisplayName string
	Scopes      []string
	UserClaims  []string
	ApiSecrets  []Secret
}

// Resources aggregates the resource definitions matched during scope
// validation.
type Resources struct {
	IdentityResources []IdentityResource
	ApiResources      []ApiResource
	ApiScopes         []ApiScope
	OfflineAccess     bool
}

// FindApiScope returns the ApiScope with the given name, or nil.
func (r *Resources) FindApiScope(name string) *ApiScope {
	for i := range r.ApiScopes {
		if r.ApiScopes[i].Name == name {
			return &r.ApiScopes[i]
		}
	}
	return nil
}

// FindIdentityResource returns the IdentityResource with the given name, or nil.
func (r *Resources) FindIdentityResource(name string) *IdentityResource {
	for i := range r.IdentityResources {
		if r.IdentityResources[i].Name == name {
			return &r.IdentityResources[i]
		}
	}
	return nil
}

// ParsedScopeValue is a requested scope value after parameterized-scope
// parsing. For plain scopes ParsedName == RawValue and ParsedParameter is
// empty.
type ParsedScopeValue struct {
	RawValue        string `json:"raw_value"`
	ParsedName      string `json:"parsed_name"`
	ParsedParameter string `json:"parsed_parameter,omitempty"`
}

// Claim is one claim about a subject or client. ValueType distinguishes
// pre-serialized JSON values (oidc.ClaimValueTypeJSON) from plain strings.
type Claim struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	ValueType string `json:"value_type,omitempty"`
}

// NewClaim creates a plain string claim.
func NewClaim(claimType, value string) Claim {
	return Claim{Type: claimType, Value: value}
}

// NewJSONClaim creates a claim whose value is pre-serialized JSON.
func NewJSONClaim(claimType, jsonValue string) Claim {
	return Claim{Type: claimType, Value: jsonValue, ValueType: oidc.ClaimValueTypeJSON}
}

// DedupeClaims removes duplicates by (type, value, valuetype), preserving
// first-seen order.
func DedupeClaims(claims []Claim) []Claim {
	type key struct{ t, v, vt string }
	seen := make(map[key]struct{}, len(claims))
	out := make([]Claim, 0, len(claims))
	for _, c := range claims {
		k := key{c.Type, c.Value, c.ValueType}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Subject is the authenticated principal attached to a validated request.
// Nil means the request is anonymous (e.g. client_credentials).
type Subject struct {
	ID string `json:"id"`

	// AuthenticationTime is when the subject last actively authenticated.
	AuthenticationTime time.Time `json:"auth_time"`

	// IdentityProvider names how the subject was authenticated ("local" or an
	// external provider id).
	IdentityProvider string `json:"idp,omitempty"`

	// AuthenticationMethods holds the amr values for the session.
	AuthenticationMethods []string `json:"amr,omitempty"`

	// SessionID identifies the server-side session, if any.
	SessionID string `json:"sid,omitempty"`

	// Claims carries additional claims about the subject.
	Claims []Claim `json:"claims,omitempty"`
}

// Token is the abstract pre-serialization token model produced by the
// response generators and consumed by the token creation service.
type Token struct {
	// Type is oidc.TokenTypeAccessToken or oidc.TokenTypeIdentityToken.
	Type string `json:"type"`

	Issuer    string   `json:"issuer"`
	Audiences []string `json:"audiences,omitempty"`

	// Lifetime in seconds from CreationTime.
	Lifetime     int       `json:"lifetime"`
	CreationTime time.Time `json:"creation_time"`

	// Claims, deduplicated by (type, value, valuetype).
	Claims []Claim `json:"claims,omitempty"`

	// Confirmation is the cnf (proof-of-possession) value, pre-serialized
	// JSON, or empty.
	Confirmation string `json:"confirmation,omitempty"`

	ClientID string `json:"client_id,omitempty"`

	// AccessTokenStyle applies to access tokens only.
	AccessTokenStyle string `json:"access_token_style,omitempty"`

	// AllowedSigningAlgorithms restricts the signing credential choice.
	AllowedSigningAlgorithms []string `json:"allowed_signing_algorithms,omitempty"`
}

// SubjectID returns the sub claim value, or empty.
func (t *Token) SubjectID() string {
	for _, c := range t.Claims {
		if c.Type == oidc.ClaimSubject {
			return c.Value
		}
	}
	return ""
}

// Scopes returns all scope claim values.
func (t *Token) Scopes() []string {
	var scopes []string
	for _, c := range t.Claims {
		if c.Type == oidc.ClaimScope {
			scopes = append(scopes, c.Value)
		}
	}
	return scopes
}

// AuthorizationCode is the payload behind an authorization code handle.
// Codes are single use: redemption marks them consumed atomically.
type AuthorizationCode struct {
	CreationTime time.Time `json:"creation_time"`
	Lifetime     int       `json:"lifetime"`

	ClientID  string   `json:"client_id"`
	Subject   *Subject `json:"subject"`
	SessionID string   `json:"session_id,omitempty"`

	IsOpenID        bool     `json:"is_openid"`
	RequestedScopes []string `json:"requested_scopes"`
	RedirectURI     string   `json:"redirect_uri"`
	Nonce           string   `json:"nonce,omitempty"`
	StateHash       string   `json:"state_hash,omitempty"`

	// CodeChallenge stores the sha256 of the presented PKCE challenge, never
	// the raw challenge.
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	WasConsentShown bool   `json:"was_consent_shown"`
	Description     string `json:"description,omitempty"`
}

// RefreshToken is the payload behind a refresh token handle.
type RefreshToken struct {
	CreationTime time.Time `json:"creation_time"`
	Lifetime     int       `json:"lifetime"`

	ClientID  string   `json:"client_id"`
	Subject   *Subject `json:"subject"`
	SessionID string   `json:"session_id,omitempty"`

	Scopes []string `json:"scopes"`

	// AccessTokenClaims snapshots the claims of the access token issued with
	// this refresh token, so refresh can replay them when the client does not
	// want them re-resolved.
	AccessTokenClaims []Claim `json:"access_token_claims,omitempty"`

	Description string `json:"description,omitempty"`
}

// DeviceCode is the payload behind a device_code/user_code pair (RFC 8628).
type DeviceCode struct {
	CreationTime time.Time `json:"creation_time"`
	Lifetime     int       `json:"lifetime"`

	ClientID    string `json:"client_id"`
	Description string `json:"description,omitempty"`

	IsOpenID        bool     `json:"is_openid"`
	RequestedScopes []string `json:"requested_scopes"`

	// Authorization outcome, filled in once the user completes verification.
	IsAuthorized     bool     `json:"is_authorized"`
	AuthorizedScopes []string `json:"authorized_scopes,omitempty"`
	Subject          *Subject `json:"subject,omitempty"`
	SessionID        string   `json:"session_id,omitempty"`
}

// ReferenceToken is the payload behind an opaque access token handle.
type ReferenceToken struct {
	Token *Token `json:"token"`
}

// UserConsent records a subject's stored consent for a client's scope set.
type UserConsent struct {
	SubjectID    string     `json:"subject_id"`
	ClientID     string     `json:"client_id"`
	Scopes       []string   `json:"scopes"`
	CreationTime time.Time  `json:"creation_time"`
	Expiration   *time.Time `json:"expiration,omitempty"`
}

// ContainsScopes reports whether the consent covers every requested scope.
func (c *UserConsent) ContainsScopes(requested []string) bool {
	granted := make(map[string]struct{}, len(c.Scopes))
	for _, s := range c.Scopes {
		granted[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := granted[s]; !ok {
			return false
		}
	}
	return true
}
