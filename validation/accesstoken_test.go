package validation_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idsvr/idsvr/internal/testutil"
	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/storage/memory"
	"github.com/idsvr/idsvr/tokens"
	"github.com/idsvr/idsvr/validation"
)

type accessTokenFixture struct {
	clock     *testutil.Clock
	key       tokens.SigningKey
	validator *validation.AccessTokenValidator
	reference *storage.ReferenceTokenStore
}

func newAccessTokenFixture(t *testing.T) *accessTokenFixture {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	grants := memory.NewGrantStore(memory.WithClock(clock))
	t.Cleanup(grants.Close)
	reference := storage.NewReferenceTokenStore(grants, tokens.DefaultHandleGenerator{}, nil)

	key := testutil.HMACSigningKey()
	keys, err := tokens.NewKeyMaterialService(key)
	require.NoError(t, err)

	return &accessTokenFixture{
		clock:     clock,
		key:       key,
		validator: validation.NewAccessTokenValidator(keys, reference, clock, "https://idsvr4", nil),
		reference: reference,
	}
}

func (f *accessTokenFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = f.key.ID
	signed, err := token.SignedString(f.key.PrivateKey)
	require.NoError(t, err)
	return signed
}

func (f *accessTokenFixture) accessClaims() jwt.MapClaims {
	now := f.clock.Now().Unix()
	return jwt.MapClaims{
		oidc.ClaimIssuer:     "https://idsvr4",
		oidc.ClaimAudience:   "api",
		oidc.ClaimIssuedAt:   now,
		oidc.ClaimNotBefore:  now,
		oidc.ClaimExpiration: now + 3600,
		oidc.ClaimSubject:    "alice",
		oidc.ClaimClientID:   "codeclient",
		oidc.ClaimScope:      []string{"openid", "api1"},
	}
}

func TestAccessTokenJWT(t *testing.T) {
	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		f := newAccessTokenFixture(t)
		result, err := f.validator.Validate(ctx, f.sign(t, f.accessClaims()), "")
		require.NoError(t, err)
		assert.Equal(t, "alice", result.SubjectID)
		assert.Equal(t, "codeclient", result.ClientID)
		assert.Equal(t, []string{"openid", "api1"}, result.Scopes)
	})

	t.Run("required scope granted", func(t *testing.T) {
		f := newAccessTokenFixture(t)
		_, err := f.validator.Validate(ctx, f.sign(t, f.accessClaims()), "openid")
		assert.NoError(t, err)
	})

	t.Run("required scope missing", func(t *testing.T) {
		f := newAccessTokenFixture(t)
		_, err := f.validator.Validate(ctx, f.sign(t, f.accessClaims()), "admin")
		requireProtocolError(t, err, oidc.ErrorCodeInsufficientScope)
	})

	t.Run("expired token", func(t *testing.T) {
		f := newAccessTokenFixture(t)
		wire := f.sign(t, f.accessClaims())

		f.clock.Advance(3601*time.Second + 10*time.Second)
		_, err := f.validator.Validate(ctx, wire, "")
		requireProtocolError(t, err, oidc.ErrorCodeExpiredToken)
	})

	t.Run("just-expired token within clock skew", func(t *testing.T) {
		f := newAccessTokenFixture(t)
		wire := f.sign(t, f.accessClaims())

		f.clock.Advance(3602 * time.Second)
		_, err := f.validator.Validate(ctx, wire, "")
		assert.NoError(t, err)
	})

	t.Run("foreign issuer", func(t *testing.T) {
		f := newAccessTokenFixture(t)
		claims := f.accessClaims()
		claims[oidc.ClaimIssuer] = "https://somewhere-else"

		_, err := f.validator.Validate(ctx, f.sign(t, claims), "")
		requireProtocolError(t, err, oidc.ErrorCodeInvalidToken)
	})

	t.Run("foreign signature", func(t *testing.T) {
		f := newAccessTokenFixture(t)
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, f.accessClaims())
		token.Header["kid"] = f.key.ID
		wire, err := token.SignedString([]byte("ffffffffffffffffffffffffffffffff"))
		require.NoError(t, err)

		_, err = f.validator.Validate(ctx, wire, "")
		requireProtocolError(t, err, oidc.ErrorCodeInvalidToken)
	})

	t.Run("missing token", func(t *testing.T) {
		f := newAccessTokenFixture(t)
		_, err := f.validator.Validate(ctx, "", "")
		requireProtocolError(t, err, oidc.ErrorCodeInvalidToken)
	})
}

func TestAccessTokenReference(t *testing.T) {
	ctx := context.Background()

	mint := func(t *testing.T, f *accessTokenFixture) string {
		t.Helper()
		handle, err := f.reference.Store(ctx, &storage.ReferenceToken{
			Token: &storage.Token{
				Type:         oidc.TokenTypeAccessToken,
				Issuer:       "https://idsvr4",
				Audiences:    []string{"api"},
				Lifetime:     3600,
				CreationTime: f.clock.Now(),
				ClientID:     "codeclient",
				Claims: []storage.Claim{
					storage.NewClaim(oidc.ClaimSubject, "alice"),
					storage.NewClaim(oidc.ClaimScope, "openid"),
					storage.NewClaim(oidc.ClaimScope, "api1"),
				},
			},
		})
		require.NoError(t, err)
		return handle
	}

	t.Run("valid handle", func(t *testing.T) {
		f := newAccessTokenFixture(t)
		result, err := f.validator.Validate(ctx, mint(t, f), "api1")
		require.NoError(t, err)
		assert.Equal(t, "alice", result.SubjectID)
		assert.Equal(t, "codeclient", result.ClientID)
		assert.Equal(t, []string{"openid", "api1"}, result.Scopes)
	})

	t.Run("unknown handle", func(t *testing.T) {
		f := newAccessTokenFixture(t)
		_, err := f.validator.Validate(ctx, "nosuchhandle", "")
		requireProtocolError(t, err, oidc.ErrorCodeInvalidToken)
	})

	t.Run("expired handle", func(t *testing.T) {
		f := newAccessTokenFixture(t)
		handle := mint(t, f)

		f.clock.Advance(3700 * time.Second)
		_, err := f.validator.Validate(ctx, handle, "")
		requireProtocolError(t, err, oidc.ErrorCodeInvalidToken)
	})
}
