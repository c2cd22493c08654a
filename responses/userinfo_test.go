package responses_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idsvr/idsvr/internal/testutil"
	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/responses"
	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/storage/memory"
	"github.com/idsvr/idsvr/validation"
)

func newUserInfoGenerator() *responses.UserInfoResponseGenerator {
	identity, apis, apiScopes := testutil.TestResources()
	return responses.NewUserInfoResponseGenerator(memory.NewResourceStore(identity, apis, apiScopes), nil)
}

func TestUserInfoReleasesRequestedClaims(t *testing.T) {
	generator := newUserInfoGenerator()

	claims, err := generator.Process(context.Background(), &validation.AccessTokenValidationResult{
		SubjectID: "alice",
		ClientID:  "codeclient",
		Scopes:    []string{"openid", "profile", "api1"},
		Claims: []storage.Claim{
			storage.NewClaim(oidc.ClaimSubject, "alice"),
			storage.NewClaim(oidc.ClaimName, "Alice"),
			storage.NewClaim(oidc.ClaimEmail, "alice@example.com"),
			storage.NewClaim("internal_flag", "secret"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "alice", claims[oidc.ClaimSubject])
	assert.Equal(t, "Alice", claims[oidc.ClaimName])
	assert.Equal(t, "alice@example.com", claims[oidc.ClaimEmail])

	// Claims no identity resource asks for stay private.
	assert.NotContains(t, claims, "internal_flag")
}

func TestUserInfoScopesBoundRelease(t *testing.T) {
	generator := newUserInfoGenerator()

	// Without the profile scope, name and email are not released even though
	// the token carries them.
	claims, err := generator.Process(context.Background(), &validation.AccessTokenValidationResult{
		SubjectID: "alice",
		Scopes:    []string{"openid", "api1"},
		Claims: []storage.Claim{
			storage.NewClaim(oidc.ClaimName, "Alice"),
			storage.NewClaim(oidc.ClaimEmail, "alice@example.com"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{oidc.ClaimSubject: "alice"}, claims)
}

func TestUserInfoRepeatedClaimsBecomeArray(t *testing.T) {
	identity := []storage.IdentityResource{
		{Name: "roles", UserClaims: []string{"role"}},
	}
	generator := responses.NewUserInfoResponseGenerator(memory.NewResourceStore(identity, nil, nil), nil)

	claims, err := generator.Process(context.Background(), &validation.AccessTokenValidationResult{
		SubjectID: "alice",
		Scopes:    []string{"roles"},
		Claims: []storage.Claim{
			storage.NewClaim("role", "admin"),
			storage.NewClaim("role", "auditor"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"admin", "auditor"}, claims["role"])
}

func TestUserInfoRequiresSubject(t *testing.T) {
	generator := newUserInfoGenerator()

	_, err := generator.Process(context.Background(), &validation.AccessTokenValidationResult{
		ClientID: "client",
		Scopes:   []string{"api1"},
	})
	require.Error(t, err)
	protocolErr, ok := err.(*oidc.ProtocolError)
	require.True(t, ok)
	assert.Equal(t, oidc.ErrorCodeInvalidToken, protocolErr.Code)
}
