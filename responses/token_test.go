package responses_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idsvr/idsvr/internal/testutil"
	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/responses"
	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/storage/memory"
	"github.com/idsvr/idsvr/tokens"
	"github.com/idsvr/idsvr/validation"
)

const testIssuer = "https://idsvr4"

type tokenFixture struct {
	clock     *testutil.Clock
	key       tokens.SigningKey
	validator *validation.TokenRequestValidator
	generator *responses.TokenResponseGenerator
	codes     *storage.AuthorizationCodeStore
	refresh   *storage.RefreshTokenStore
	reference *storage.ReferenceTokenStore
}

func newTokenFixture(t *testing.T) *tokenFixture {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	grants := memory.NewGrantStore(memory.WithClock(clock))
	t.Cleanup(grants.Close)

	handles := tokens.DefaultHandleGenerator{}
	codes := storage.NewAuthorizationCodeStore(grants, handles, nil)
	refresh := storage.NewRefreshTokenStore(grants, handles, nil)
	reference := storage.NewReferenceTokenStore(grants, handles, nil)

	key := testutil.HMACSigningKey()
	keys, err := tokens.NewKeyMaterialService(key)
	require.NoError(t, err)
	creation := tokens.NewCreationService(keys, reference)
	tokenService := responses.NewTokenService(creation, keys, clock, testIssuer, nil)

	identity, apis, apiScopes := testutil.TestResources()
	scopes := validation.NewScopeValidator(memory.NewResourceStore(identity, apis, apiScopes), nil)

	return &tokenFixture{
		clock: clock,
		key:   key,
		validator: validation.NewTokenRequestValidator(validation.TokenRequestValidatorConfig{
			AuthorizationCodes: codes,
			RefreshTokens:      refresh,
			Scopes:             scopes,
			Clock:              clock,
		}),
		generator: responses.NewTokenResponseGenerator(tokenService, refresh, clock, nil, nil),
		codes:     codes,
		refresh:   refresh,
		reference: reference,
	}
}

func (f *tokenFixture) issue(t *testing.T, params url.Values, client *storage.Client) *responses.TokenResponse {
	t.Helper()
	request, err := f.validator.ValidateRequest(context.Background(), params, client)
	require.NoError(t, err)
	response, err := f.generator.Process(context.Background(), request)
	require.NoError(t, err)
	return response
}

func (f *tokenFixture) parseJWT(t *testing.T, wire string) jwt.MapClaims {
	t.Helper()
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(wire, claims,
		func(*jwt.Token) (any, error) { return f.key.PrivateKey, nil },
		jwt.WithTimeFunc(f.clock.Now),
	)
	require.NoError(t, err)
	return claims
}

func TestClientCredentialsTokenResponse(t *testing.T) {
	f := newTokenFixture(t)

	params := url.Values{}
	params.Set(oidc.ParamGrantType, oidc.GrantTypeClientCredentials)
	params.Set(oidc.ParamScope, "api1")

	response := f.issue(t, params, testutil.ClientCredentialsClient())

	assert.Equal(t, oidc.TokenTypeBearer, response.TokenType)
	assert.Equal(t, 3600, response.ExpiresIn)
	assert.Equal(t, "api1", response.Scope)
	assert.Empty(t, response.IDToken)
	assert.Empty(t, response.RefreshToken)

	claims := f.parseJWT(t, response.AccessToken)
	assert.Equal(t, testIssuer, claims[oidc.ClaimIssuer])
	assert.Equal(t, "api", claims[oidc.ClaimAudience])
	assert.Equal(t, "client", claims[oidc.ClaimClientID])
	assert.Equal(t, []any{"api1"}, claims[oidc.ClaimScope])
	assert.NotEmpty(t, claims[oidc.ClaimJWTID])
	assert.NotContains(t, claims, oidc.ClaimSubject)
}

func TestAuthorizationCodeTokenResponse(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()
	client := testutil.CodeClient()
	client.RequirePKCE = false

	handle, err := f.codes.Store(ctx, &storage.AuthorizationCode{
		CreationTime:    f.clock.Now(),
		Lifetime:        300,
		ClientID:        client.ClientID,
		Subject:         testutil.Alice(f.clock.Now().Add(-time.Minute)),
		SessionID:       "session-1",
		IsOpenID:        true,
		RequestedScopes: []string{"openid", "api1", oidc.ScopeOfflineAccess},
		RedirectURI:     "https://client.example.com/callback",
		Nonce:           "n-abc",
	})
	require.NoError(t, err)

	params := url.Values{}
	params.Set(oidc.ParamGrantType, oidc.GrantTypeAuthorizationCode)
	params.Set(oidc.ParamCode, handle)
	params.Set(oidc.ParamRedirectURI, "https://client.example.com/callback")

	response := f.issue(t, params, client)

	assert.NotEmpty(t, response.RefreshToken)
	require.NotEmpty(t, response.IDToken)

	access := f.parseJWT(t, response.AccessToken)
	assert.Equal(t, "alice", access[oidc.ClaimSubject])
	assert.Equal(t, "session-1", access[oidc.ClaimSessionID])

	id := f.parseJWT(t, response.IDToken)
	assert.Equal(t, testIssuer, id[oidc.ClaimIssuer])
	assert.Equal(t, client.ClientID, id[oidc.ClaimAudience])
	assert.Equal(t, "alice", id[oidc.ClaimSubject])
	assert.Equal(t, "n-abc", id[oidc.ClaimNonce])

	atHash, err := tokens.HashClaimValue(response.AccessToken, f.key.Algorithm)
	require.NoError(t, err)
	assert.Equal(t, atHash, id[oidc.ClaimAccessTokenHash])

	// The refresh token is persisted with the granted resource scopes.
	stored, err := f.refresh.Get(ctx, response.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "api1"}, stored.Scopes)
	assert.Equal(t, "alice", stored.Subject.ID)
}

func mintRefreshToken(t *testing.T, f *tokenFixture, client *storage.Client, claims []storage.Claim) string {
	t.Helper()
	handle, err := f.refresh.Store(context.Background(), &storage.RefreshToken{
		CreationTime:      f.clock.Now(),
		Lifetime:          1200,
		ClientID:          client.ClientID,
		Subject:           testutil.Alice(f.clock.Now()),
		SessionID:         "session-1",
		Scopes:            []string{"openid", "api1"},
		AccessTokenClaims: claims,
	})
	require.NoError(t, err)
	return handle
}

func refreshParams(handle string) url.Values {
	params := url.Values{}
	params.Set(oidc.ParamGrantType, oidc.GrantTypeRefreshToken)
	params.Set(oidc.ParamRefreshToken, handle)
	return params
}

func TestRefreshTokenRotationPreservesClaims(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()
	client := testutil.CodeClient()

	captured := []storage.Claim{
		storage.NewClaim(oidc.ClaimSubject, "alice"),
		storage.NewClaim(oidc.ClaimClientID, client.ClientID),
		storage.NewClaim(oidc.ClaimScope, "openid"),
		storage.NewClaim(oidc.ClaimScope, "api1"),
		storage.NewClaim("tenant", "acme"),
	}
	old := mintRefreshToken(t, f, client, captured)

	response := f.issue(t, refreshParams(old), client)

	// One-time usage rotates the handle and invalidates the old one.
	require.NotEmpty(t, response.RefreshToken)
	assert.NotEqual(t, old, response.RefreshToken)
	_, err := f.refresh.Get(ctx, old)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The captured extension claim survives both in the new access token and
	// on the rotated grant.
	access := f.parseJWT(t, response.AccessToken)
	assert.Equal(t, "acme", access["tenant"])

	rotated, err := f.refresh.Get(ctx, response.RefreshToken)
	require.NoError(t, err)
	assert.Contains(t, rotated.AccessTokenClaims, storage.NewClaim("tenant", "acme"))
}

func TestRefreshTokenReuseKeepsHandle(t *testing.T) {
	f := newTokenFixture(t)
	client := testutil.CodeClient()
	client.RefreshTokenUsage = oidc.RefreshTokenUsageReuse

	old := mintRefreshToken(t, f, client, nil)
	response := f.issue(t, refreshParams(old), client)
	assert.Equal(t, old, response.RefreshToken)

	// And the handle keeps working.
	again := f.issue(t, refreshParams(old), client)
	assert.Equal(t, old, again.RefreshToken)
}

func TestRefreshTokenRotatedHandleIsSingleUse(t *testing.T) {
	f := newTokenFixture(t)
	client := testutil.CodeClient()

	old := mintRefreshToken(t, f, client, nil)
	f.issue(t, refreshParams(old), client)

	_, err := f.validator.ValidateRequest(context.Background(), refreshParams(old), client)
	require.Error(t, err)
	protocolErr, ok := err.(*oidc.ProtocolError)
	require.True(t, ok)
	assert.Equal(t, oidc.ErrorCodeInvalidGrant, protocolErr.Code)
}

func TestRefreshTokenClaimsReresolvedWhenConfigured(t *testing.T) {
	f := newTokenFixture(t)
	client := testutil.CodeClient()
	client.UpdateAccessTokenClaimsOnRefresh = true

	old := mintRefreshToken(t, f, client, []storage.Claim{
		storage.NewClaim(oidc.ClaimSubject, "alice"),
		storage.NewClaim("tenant", "acme"),
	})
	response := f.issue(t, refreshParams(old), client)

	access := f.parseJWT(t, response.AccessToken)
	assert.NotContains(t, access, "tenant")
	assert.Equal(t, "alice", access[oidc.ClaimSubject])
}

func TestReferenceAccessToken(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()
	client := testutil.ClientCredentialsClient()
	client.AccessTokenStyle = oidc.AccessTokenStyleReference

	params := url.Values{}
	params.Set(oidc.ParamGrantType, oidc.GrantTypeClientCredentials)
	params.Set(oidc.ParamScope, "api1")

	response := f.issue(t, params, client)

	// Opaque handle, not a JWT.
	assert.NotContains(t, response.AccessToken, ".")

	stored, err := f.reference.Get(ctx, response.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testIssuer, stored.Token.Issuer)
	assert.Equal(t, client.ClientID, stored.Token.ClientID)
}
