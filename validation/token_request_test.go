package validation_test

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idsvr/idsvr/internal/testutil"
	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/security"
	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/storage/memory"
	"github.com/idsvr/idsvr/tokens"
	"github.com/idsvr/idsvr/validation"
)

type tokenRequestFixture struct {
	clock     *testutil.Clock
	validator *validation.TokenRequestValidator
	codes     *storage.AuthorizationCodeStore
	refresh   *storage.RefreshTokenStore
	devices   *storage.DeviceCodeStore
}

func newTokenRequestFixture(t *testing.T) *tokenRequestFixture {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	grants := memory.NewGrantStore(memory.WithClock(clock))
	t.Cleanup(grants.Close)

	handles := tokens.DefaultHandleGenerator{}
	codes := storage.NewAuthorizationCodeStore(grants, handles, nil)
	refresh := storage.NewRefreshTokenStore(grants, handles, nil)
	devices := storage.NewDeviceCodeStore(grants, handles, nil)

	identity, apis, apiScopes := testutil.TestResources()
	scopes := validation.NewScopeValidator(memory.NewResourceStore(identity, apis, apiScopes), nil)
	throttler := security.NewDeviceFlowThrottler(memory.NewCache(clock), clock, 5*time.Second)

	return &tokenRequestFixture{
		clock: clock,
		validator: validation.NewTokenRequestValidator(validation.TokenRequestValidatorConfig{
			AuthorizationCodes: codes,
			RefreshTokens:      refresh,
			DeviceCodes:        devices,
			Scopes:             scopes,
			Throttler:          throttler,
			Clock:              clock,
		}),
		codes:   codes,
		refresh: refresh,
		devices: devices,
	}
}

func requireProtocolError(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	protocolErr, ok := err.(*oidc.ProtocolError)
	require.True(t, ok, "expected protocol error, got %v", err)
	assert.Equal(t, code, protocolErr.Code)
}

func TestTokenRequestGrantTypeDispatch(t *testing.T) {
	f := newTokenRequestFixture(t)
	client := testutil.ClientCredentialsClient()

	tests := []struct {
		name      string
		grantType string
		wantCode  string
	}{
		{"missing grant type", "", oidc.ErrorCodeUnsupportedGrantType},
		{"unknown grant type", "urn:example:nope", oidc.ErrorCodeUnsupportedGrantType},
		{"known but not allowed for client", oidc.GrantTypeAuthorizationCode, oidc.ErrorCodeInvalidClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := url.Values{}
			if tt.grantType != "" {
				params.Set(oidc.ParamGrantType, tt.grantType)
			}
			_, err := f.validator.ValidateRequest(context.Background(), params, client)
			requireProtocolError(t, err, tt.wantCode)
		})
	}
}

func TestTokenRequestClientCredentials(t *testing.T) {
	f := newTokenRequestFixture(t)
	client := testutil.ClientCredentialsClient()

	t.Run("valid scope", func(t *testing.T) {
		params := url.Values{}
		params.Set(oidc.ParamGrantType, oidc.GrantTypeClientCredentials)
		params.Set(oidc.ParamScope, "api1")

		request, err := f.validator.ValidateRequest(context.Background(), params, client)
		require.NoError(t, err)
		assert.Nil(t, request.Subject)
		assert.Equal(t, []string{"api1"}, request.Resources.RawScopeValues())
	})

	t.Run("empty scope falls back to allowed scopes", func(t *testing.T) {
		params := url.Values{}
		params.Set(oidc.ParamGrantType, oidc.GrantTypeClientCredentials)

		request, err := f.validator.ValidateRequest(context.Background(), params, client)
		require.NoError(t, err)
		assert.Equal(t, []string{"api1"}, request.Resources.RawScopeValues())
	})

	t.Run("unknown scope rejects whole request", func(t *testing.T) {
		params := url.Values{}
		params.Set(oidc.ParamGrantType, oidc.GrantTypeClientCredentials)
		params.Set(oidc.ParamScope, "api1 nope")

		_, err := f.validator.ValidateRequest(context.Background(), params, client)
		requireProtocolError(t, err, oidc.ErrorCodeInvalidScope)
	})

	t.Run("identity scope not allowed for client-only grant", func(t *testing.T) {
		wide := testutil.ClientCredentialsClient()
		wide.AllowedScopes = []string{"api1", oidc.ScopeOpenID}
		params := url.Values{}
		params.Set(oidc.ParamGrantType, oidc.GrantTypeClientCredentials)
		params.Set(oidc.ParamScope, "openid api1")

		_, err := f.validator.ValidateRequest(context.Background(), params, wide)
		requireProtocolError(t, err, oidc.ErrorCodeInvalidScope)
	})
}

func storeCode(t *testing.T, f *tokenRequestFixture, code *storage.AuthorizationCode) string {
	t.Helper()
	handle, err := f.codes.Store(context.Background(), code)
	require.NoError(t, err)
	return handle
}

func codeFor(f *tokenRequestFixture, client *storage.Client, verifier string) *storage.AuthorizationCode {
	code := &storage.AuthorizationCode{
		CreationTime:    f.clock.Now(),
		Lifetime:        300,
		ClientID:        client.ClientID,
		Subject:         testutil.Alice(f.clock.Now()),
		IsOpenID:        true,
		RequestedScopes: []string{"openid", "api1"},
		RedirectURI:     "https://client.example.com/callback",
	}
	if verifier != "" {
		challenge := tokens.Sha256Base64(verifier)
		code.CodeChallenge = tokens.Sha256Base64(challenge)
		code.CodeChallengeMethod = oidc.PKCEMethodS256
	}
	return code
}

func TestTokenRequestAuthorizationCode(t *testing.T) {
	verifier := strings.Repeat("v", 43)
	ctx := context.Background()

	codeParams := func(handle string) url.Values {
		params := url.Values{}
		params.Set(oidc.ParamGrantType, oidc.GrantTypeAuthorizationCode)
		params.Set(oidc.ParamCode, handle)
		params.Set(oidc.ParamRedirectURI, "https://client.example.com/callback")
		params.Set(oidc.ParamCodeVerifier, verifier)
		return params
	}

	t.Run("valid redemption", func(t *testing.T) {
		f := newTokenRequestFixture(t)
		client := testutil.CodeClient()
		handle := storeCode(t, f, codeFor(f, client, verifier))

		request, err := f.validator.ValidateRequest(ctx, codeParams(handle), client)
		require.NoError(t, err)
		require.NotNil(t, request.Subject)
		assert.Equal(t, "alice", request.Subject.ID)
		assert.Equal(t, []string{"openid", "api1"}, request.Resources.RawScopeValues())
		assert.Equal(t, handle, request.AuthorizationCodeHandle)
	})

	t.Run("second redemption fails", func(t *testing.T) {
		f := newTokenRequestFixture(t)
		client := testutil.CodeClient()
		handle := storeCode(t, f, codeFor(f, client, verifier))

		_, err := f.validator.ValidateRequest(ctx, codeParams(handle), client)
		require.NoError(t, err)

		_, err = f.validator.ValidateRequest(ctx, codeParams(handle), client)
		requireProtocolError(t, err, oidc.ErrorCodeInvalidGrant)
	})

	t.Run("expired code", func(t *testing.T) {
		f := newTokenRequestFixture(t)
		client := testutil.CodeClient()
		handle := storeCode(t, f, codeFor(f, client, verifier))

		f.clock.Advance(301 * time.Second)
		_, err := f.validator.ValidateRequest(ctx, codeParams(handle), client)
		requireProtocolError(t, err, oidc.ErrorCodeInvalidGrant)
	})

	t.Run("redirect uri mismatch", func(t *testing.T) {
		f := newTokenRequestFixture(t)
		client := testutil.CodeClient()
		handle := storeCode(t, f, codeFor(f, client, verifier))

		params := codeParams(handle)
		params.Set(oidc.ParamRedirectURI, "https://evil.example.com/callback")
		_, err := f.validator.ValidateRequest(ctx, params, client)
		requireProtocolError(t, err, oidc.ErrorCodeInvalidGrant)
	})

	t.Run("code issued to different client", func(t *testing.T) {
		f := newTokenRequestFixture(t)
		client := testutil.CodeClient()
		other := testutil.CodeClient()
		other.ClientID = "otherclient"
		handle := storeCode(t, f, codeFor(f, other, verifier))

		_, err := f.validator.ValidateRequest(ctx, codeParams(handle), client)
		requireProtocolError(t, err, oidc.ErrorCodeInvalidGrant)
	})

	t.Run("wrong verifier", func(t *testing.T) {
		f := newTokenRequestFixture(t)
		client := testutil.CodeClient()
		handle := storeCode(t, f, codeFor(f, client, verifier))

		params := codeParams(handle)
		params.Set(oidc.ParamCodeVerifier, strings.Repeat("w", 43))
		_, err := f.validator.ValidateRequest(ctx, params, client)
		requireProtocolError(t, err, oidc.ErrorCodeInvalidGrant)
	})

	t.Run("missing verifier when client requires pkce", func(t *testing.T) {
		f := newTokenRequestFixture(t)
		client := testutil.CodeClient()
		handle := storeCode(t, f, codeFor(f, client, verifier))

		params := codeParams(handle)
		params.Del(oidc.ParamCodeVerifier)
		_, err := f.validator.ValidateRequest(ctx, params, client)
		requireProtocolError(t, err, oidc.ErrorCodeInvalidGrant)
	})
}

func TestTokenRequestRefreshToken(t *testing.T) {
	ctx := context.Background()

	mint := func(t *testing.T, f *tokenRequestFixture, client *storage.Client) string {
		handle, err := f.refresh.Store(ctx, &storage.RefreshToken{
			CreationTime: f.clock.Now(),
			Lifetime:     1200,
			ClientID:     client.ClientID,
			Subject:      testutil.Alice(f.clock.Now()),
			Scopes:       []string{"openid", "api1"},
		})
		require.NoError(t, err)
		return handle
	}

	refreshParams := func(handle string) url.Values {
		params := url.Values{}
		params.Set(oidc.ParamGrantType, oidc.GrantTypeRefreshToken)
		params.Set(oidc.ParamRefreshToken, handle)
		return params
	}

	t.Run("valid refresh", func(t *testing.T) {
		f := newTokenRequestFixture(t)
		client := testutil.CodeClient()
		handle := mint(t, f, client)

		request, err := f.validator.ValidateRequest(ctx, refreshParams(handle), client)
		require.NoError(t, err)
		assert.Equal(t, handle, request.RefreshTokenHandle)
		require.NotNil(t, request.Subject)
		assert.Equal(t, "alice", request.Subject.ID)
	})

	t.Run("missing handle is invalid_request", func(t *testing.T) {
		f := newTokenRequestFixture(t)
		params := url.Values{}
		params.Set(oidc.ParamGrantType, oidc.GrantTypeRefreshToken)

		_, err := f.validator.ValidateRequest(ctx, params, testutil.CodeClient())
		requireProtocolError(t, err, oidc.ErrorCodeInvalidRequest)
	})

	t.Run("expired refresh token", func(t *testing.T) {
		f := newTokenRequestFixture(t)
		client := testutil.CodeClient()
		handle := mint(t, f, client)

		f.clock.Advance(21 * time.Minute)
		_, err := f.validator.ValidateRequest(ctx, refreshParams(handle), client)
		requireProtocolError(t, err, oidc.ErrorCodeInvalidGrant)
	})

	t.Run("client without offline access", func(t *testing.T) {
		f := newTokenRequestFixture(t)
		client := testutil.CodeClient()
		handle := mint(t, f, client)

		client.AllowOfflineAccess = false
		_, err := f.validator.ValidateRequest(ctx, refreshParams(handle), client)
		requireProtocolError(t, err, oidc.ErrorCodeInvalidGrant)
	})
}

func TestTokenRequestDeviceCode(t *testing.T) {
	ctx := context.Background()

	deviceParams := func(code string) url.Values {
		params := url.Values{}
		params.Set(oidc.ParamGrantType, oidc.GrantTypeDeviceCode)
		params.Set(oidc.ParamDeviceCode, code)
		return params
	}

	store := func(t *testing.T, f *tokenRequestFixture, data *storage.DeviceCode) {
		t.Helper()
		require.NoError(t, f.devices.Store(ctx, "device-abc", "123456789", data))
	}

	pending := func(f *tokenRequestFixture, client *storage.Client) *storage.DeviceCode {
		return &storage.DeviceCode{
			CreationTime:    f.clock.Now(),
			Lifetime:        300,
			ClientID:        client.ClientID,
			RequestedScopes: []string{"openid", "api1"},
			IsOpenID:        true,
		}
	}

	t.Run("pending authorization", func(t *testing.T) {
		f := newTokenRequestFixture(t)
		client := testutil.DeviceClient()
		store(t, f, pending(f, client))

		_, err := f.validator.ValidateRequest(ctx, deviceParams("device-abc"), client)
		requireProtocolError(t, err, oidc.ErrorCodeAuthorizationPending)
	})

	t.Run("denied authorization", func(t *testing.T) {
		f := newTokenRequestFixture(t)
		client := testutil.DeviceClient()
		data := pending(f, client)
		data.IsAuthorized = true // completed, but no subject: user denied
		store(t, f, data)

		f.clock.Advance(10 * time.Second)
		_, err := f.validator.ValidateRequest(ctx, deviceParams("device-abc"), client)
		requireProtocolError(t, err, oidc.ErrorCodeAccessDenied)
	})

	t.Run("authorized redemption is exactly-once", func(t *testing.T) {
		f := newTokenRequestFixture(t)
		client := testutil.DeviceClient()
		data := pending(f, client)
		data.IsAuthorized = true
		data.Subject = testutil.Alice(f.clock.Now())
		data.AuthorizedScopes = []string{"openid", "api1"}
		store(t, f, data)

		f.clock.Advance(10 * time.Second)
		request, err := f.validator.ValidateRequest(ctx, deviceParams("device-abc"), client)
		require.NoError(t, err)
		require.NotNil(t, request.Subject)
		assert.Equal(t, "alice", request.Subject.ID)

		f.clock.Advance(10 * time.Second)
		_, err = f.validator.ValidateRequest(ctx, deviceParams("device-abc"), client)
		requireProtocolError(t, err, oidc.ErrorCodeInvalidGrant)
	})

	t.Run("polling too fast is throttled", func(t *testing.T) {
		f := newTokenRequestFixture(t)
		client := testutil.DeviceClient()
		store(t, f, pending(f, client))

		_, err := f.validator.ValidateRequest(ctx, deviceParams("device-abc"), client)
		requireProtocolError(t, err, oidc.ErrorCodeAuthorizationPending)

		f.clock.Advance(2 * time.Second)
		_, err = f.validator.ValidateRequest(ctx, deviceParams("device-abc"), client)
		requireProtocolError(t, err, oidc.ErrorCodeSlowDown)
	})

	t.Run("expired device code behaves as absent", func(t *testing.T) {
		f := newTokenRequestFixture(t)
		client := testutil.DeviceClient()
		store(t, f, pending(f, client))

		f.clock.Advance(301 * time.Second)
		_, err := f.validator.ValidateRequest(ctx, deviceParams("device-abc"), client)
		requireProtocolError(t, err, oidc.ErrorCodeInvalidGrant)
	})

	t.Run("code issued to different client", func(t *testing.T) {
		f := newTokenRequestFixture(t)
		client := testutil.DeviceClient()
		other := testutil.DeviceClient()
		other.ClientID = "otherclient"
		store(t, f, pending(f, other))

		_, err := f.validator.ValidateRequest(ctx, deviceParams("device-abc"), client)
		requireProtocolError(t, err, oidc.ErrorCodeInvalidGrant)
	})
}

type staticPasswordValidator struct{}

func (staticPasswordValidator) ValidateCredentials(_ context.Context, username, password string) (*storage.Subject, error) {
	if username == "alice" && password == "password" {
		return &storage.Subject{ID: "alice", AuthenticationMethods: []string{"pwd"}}, nil
	}
	return nil, oidc.ErrInvalidGrant("invalid username or password")
}

func TestTokenRequestPassword(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	identity, apis, apiScopes := testutil.TestResources()
	validator := validation.NewTokenRequestValidator(validation.TokenRequestValidatorConfig{
		Scopes:            validation.NewScopeValidator(memory.NewResourceStore(identity, apis, apiScopes), nil),
		PasswordValidator: staticPasswordValidator{},
		Clock:             clock,
	})

	client := testutil.ClientCredentialsClient()
	client.AllowedGrantTypes = []string{oidc.GrantTypePassword}

	t.Run("valid credentials", func(t *testing.T) {
		params := url.Values{}
		params.Set(oidc.ParamGrantType, oidc.GrantTypePassword)
		params.Set(oidc.ParamUserName, "alice")
		params.Set(oidc.ParamPassword, "password")
		params.Set(oidc.ParamScope, "api1")

		request, err := validator.ValidateRequest(ctx, params, client)
		require.NoError(t, err)
		require.NotNil(t, request.Subject)
		assert.Equal(t, "alice", request.Subject.ID)
	})

	t.Run("wrong password", func(t *testing.T) {
		params := url.Values{}
		params.Set(oidc.ParamGrantType, oidc.GrantTypePassword)
		params.Set(oidc.ParamUserName, "alice")
		params.Set(oidc.ParamPassword, "wrong")

		_, err := validator.ValidateRequest(ctx, params, client)
		requireProtocolError(t, err, oidc.ErrorCodeInvalidGrant)
	})
}

type ordersGrantValidator struct{}

func (ordersGrantValidator) GrantType() string { return "urn:example:orders" }

func (ordersGrantValidator) Validate(_ context.Context, _ *validation.ValidatedTokenRequest) (*storage.Subject, []storage.Claim, error) {
	return &storage.Subject{ID: "order-service"},
		[]storage.Claim{storage.NewClaim("order_channel", "batch")},
		nil
}

func TestTokenRequestExtensionGrant(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	identity, apis, apiScopes := testutil.TestResources()
	validator := validation.NewTokenRequestValidator(validation.TokenRequestValidatorConfig{
		Scopes:          validation.NewScopeValidator(memory.NewResourceStore(identity, apis, apiScopes), nil),
		ExtensionGrants: []validation.ExtensionGrantValidator{ordersGrantValidator{}},
		Clock:           clock,
	})

	client := testutil.ClientCredentialsClient()
	client.AllowedGrantTypes = []string{"urn:example:orders"}

	params := url.Values{}
	params.Set(oidc.ParamGrantType, "urn:example:orders")
	params.Set(oidc.ParamScope, "api1")

	request, err := validator.ValidateRequest(context.Background(), params, client)
	require.NoError(t, err)
	require.NotNil(t, request.Subject)
	assert.Equal(t, "order-service", request.Subject.ID)
	assert.Equal(t, []storage.Claim{storage.NewClaim("order_channel", "batch")}, request.ExtensionClaims)
}
