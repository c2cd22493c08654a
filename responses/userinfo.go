package responses

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/validation"
)

// UserInfoResponseGenerator produces the UserInfo payload: a flat JSON
// object of claims keyed by claim type, no envelope. Released claims are the
// ones the identity resources behind the token's scopes ask for, plus sub.
type UserInfoResponseGenerator struct {
	resources storage.ResourceStore
	logger    *slog.Logger
}

// NewUserInfoResponseGenerator creates a UserInfo response generator.
func NewUserInfoResponseGenerator(resources storage.ResourceStore, logger *slog.Logger) *UserInfoResponseGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserInfoResponseGenerator{resources: resources, logger: logger}
}

// Process builds the claim map for a validated access token. The token must
// carry a subject; client-only tokens have no user to describe.
func (g *UserInfoResponseGenerator) Process(ctx context.Context, token *validation.AccessTokenValidationResult) (map[string]any, error) {
	if token.SubjectID == "" {
		return nil, oidc.NewProtocolError(oidc.ErrorCodeInvalidToken, "token has no subject", 401)
	}

	resources, err := g.resources.FindResourcesByScopeName(ctx, token.Scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to load resources for userinfo: %w", err)
	}

	released := map[string]struct{}{}
	for _, identity := range resources.IdentityResources {
		for _, c := range identity.UserClaims {
			released[c] = struct{}{}
		}
	}

	claims := map[string]any{
		oidc.ClaimSubject: token.SubjectID,
	}
	for _, claim := range token.Claims {
		if _, ok := released[claim.Type]; !ok {
			continue
		}
		addClaim(claims, claim)
	}
	return claims, nil
}

// addClaim folds a claim into the flat map, collecting repeated types into
// arrays.
func addClaim(claims map[string]any, claim storage.Claim) {
	existing, ok := claims[claim.Type]
	if !ok {
		claims[claim.Type] = claim.Value
		return
	}
	switch v := existing.(type) {
	case []any:
		claims[claim.Type] = append(v, claim.Value)
	default:
		claims[claim.Type] = []any{v, claim.Value}
	}
}
