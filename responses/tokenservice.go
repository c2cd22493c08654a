package responses

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/security"
	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/tokens"
	"github.com/idsvr/idsvr/validation"
)

// TokenCreationRequest gathers everything needed to build one token model:
// the subject and client, the validated resources, and the flow-specific
// inputs such as nonce and the values to hash into at_hash/c_hash.
type TokenCreationRequest struct {
	Subject   *storage.Subject
	Client    *storage.Client
	Resources *validation.ValidatedResources

	Nonce     string
	SessionID string

	// AccessTokenToHash and AuthorizationCodeToHash are hashed into at_hash
	// and c_hash of identity tokens.
	AccessTokenToHash       string
	AuthorizationCodeToHash string

	// StateHash is the precomputed s_hash claim value.
	StateHash string

	// IncludeAllIdentityClaims embeds the identity-resource claims directly in
	// the identity token; set only when no access token accompanies it.
	IncludeAllIdentityClaims bool

	// ExtraClaims are appended to access tokens (extension grants, custom
	// validators).
	ExtraClaims []storage.Claim

	// Confirmation is the cnf value, pre-serialized JSON.
	Confirmation string
}

// TokenService builds abstract token models from creation requests and hands
// them to the creation service for signing or reference storage.
type TokenService struct {
	creation *tokens.CreationService
	keys     *tokens.KeyMaterialService
	clock    security.Clock
	issuer   string
	logger   *slog.Logger
}

// NewTokenService creates a token service issuing tokens under the given
// issuer identifier.
func NewTokenService(creation *tokens.CreationService, keys *tokens.KeyMaterialService, clock security.Clock, issuer string, logger *slog.Logger) *TokenService {
	if clock == nil {
		clock = security.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenService{
		creation: creation,
		keys:     keys,
		clock:    clock,
		issuer:   issuer,
		logger:   logger,
	}
}

// CreateAccessToken builds the access token model for a creation request.
func (s *TokenService) CreateAccessToken(ctx context.Context, req *TokenCreationRequest) (*storage.Token, error) {
	claims := []storage.Claim{
		storage.NewClaim(oidc.ClaimClientID, req.Client.ClientID),
	}
	claims = append(claims, s.subjectClaims(req)...)

	for _, scope := range req.Resources.RawScopeValues() {
		claims = append(claims, storage.NewClaim(oidc.ClaimScope, scope))
	}

	// Release the user claims the matched API surfaces ask for.
	if req.Subject != nil {
		requested := make(map[string]struct{})
		for _, api := range req.Resources.Resources.ApiResources {
			for _, c := range api.UserClaims {
				requested[c] = struct{}{}
			}
		}
		for _, scope := range req.Resources.Resources.ApiScopes {
			for _, c := range scope.UserClaims {
				requested[c] = struct{}{}
			}
		}
		claims = append(claims, filterClaims(req.Subject.Claims, requested)...)
	}

	claims = append(claims, req.ExtraClaims...)

	var audiences []string
	for _, api := range req.Resources.Resources.ApiResources {
		audiences = append(audiences, api.Name)
	}

	return &storage.Token{
		Type:             oidc.TokenTypeAccessToken,
		Issuer:           s.issuer,
		Audiences:        audiences,
		Lifetime:         req.Client.AccessTokenLifetime,
		CreationTime:     s.clock.Now(),
		Claims:           storage.DedupeClaims(claims),
		Confirmation:     req.Confirmation,
		ClientID:         req.Client.ClientID,
		AccessTokenStyle: req.Client.AccessTokenStyle,
	}, nil
}

// CreateIdentityToken builds the identity token model for a creation
// request. The subject is required; at_hash/c_hash/s_hash claims are added
// for the values the caller supplies, using the digest of the signing
// algorithm that will sign the token.
func (s *TokenService) CreateIdentityToken(ctx context.Context, req *TokenCreationRequest) (*storage.Token, error) {
	if req.Subject == nil {
		return nil, fmt.Errorf("identity token requires a subject")
	}

	// Resolving the credential up front is deliberate: hashing depends on the
	// signing algorithm, and a missing credential must fail the request before
	// any hash claim is computed.
	key, err := s.keys.SigningKeyFor(req.Client.AllowedIdentityTokenSigningAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("no signing credential for identity token: %w", err)
	}

	claims := s.subjectClaims(req)

	if req.Nonce != "" {
		claims = append(claims, storage.NewClaim(oidc.ClaimNonce, req.Nonce))
	}
	if req.AccessTokenToHash != "" {
		atHash, err := tokens.HashClaimValue(req.AccessTokenToHash, key.Algorithm)
		if err != nil {
			return nil, err
		}
		claims = append(claims, storage.NewClaim(oidc.ClaimAccessTokenHash, atHash))
	}
	if req.AuthorizationCodeToHash != "" {
		cHash, err := tokens.HashClaimValue(req.AuthorizationCodeToHash, key.Algorithm)
		if err != nil {
			return nil, err
		}
		claims = append(claims, storage.NewClaim(oidc.ClaimAuthorizationCodeHash, cHash))
	}
	if req.StateHash != "" {
		claims = append(claims, storage.NewClaim(oidc.ClaimStateHash, req.StateHash))
	}

	if req.IncludeAllIdentityClaims {
		requested := make(map[string]struct{})
		for _, identity := range req.Resources.Resources.IdentityResources {
			for _, c := range identity.UserClaims {
				requested[c] = struct{}{}
			}
		}
		claims = append(claims, filterClaims(req.Subject.Claims, requested)...)
	}

	return &storage.Token{
		Type:                     oidc.TokenTypeIdentityToken,
		Issuer:                   s.issuer,
		Audiences:                []string{req.Client.ClientID},
		Lifetime:                 req.Client.IdentityTokenLifetime,
		CreationTime:             s.clock.Now(),
		Claims:                   storage.DedupeClaims(claims),
		ClientID:                 req.Client.ClientID,
		AllowedSigningAlgorithms: req.Client.AllowedIdentityTokenSigningAlgorithms,
	}, nil
}

// CreateSecurityToken serializes a token model into its wire form.
func (s *TokenService) CreateSecurityToken(ctx context.Context, token *storage.Token) (string, error) {
	return s.creation.CreateToken(ctx, token)
}

// StateHash computes the s_hash for a state value using the digest of the
// identity-token signing algorithm the client will get. Fails when no
// credential is configured, which is a deployment error.
func (s *TokenService) StateHash(client *storage.Client, state string) (string, error) {
	key, err := s.keys.SigningKeyFor(client.AllowedIdentityTokenSigningAlgorithms)
	if err != nil {
		return "", fmt.Errorf("no signing credential for state hash: %w", err)
	}
	return tokens.HashClaimValue(state, key.Algorithm)
}

// subjectClaims returns the session claims of the resolved subject: sub,
// auth_time, idp, amr and sid.
func (s *TokenService) subjectClaims(req *TokenCreationRequest) []storage.Claim {
	if req.Subject == nil {
		return nil
	}
	claims := []storage.Claim{
		storage.NewClaim(oidc.ClaimSubject, req.Subject.ID),
	}
	if !req.Subject.AuthenticationTime.IsZero() {
		claims = append(claims, storage.NewClaim(oidc.ClaimAuthenticationTime, strconv.FormatInt(req.Subject.AuthenticationTime.Unix(), 10)))
	}
	if req.Subject.IdentityProvider != "" {
		claims = append(claims, storage.NewClaim(oidc.ClaimIdentityProvider, req.Subject.IdentityProvider))
	}
	for _, amr := range req.Subject.AuthenticationMethods {
		claims = append(claims, storage.NewClaim(oidc.ClaimAuthenticationMethod, amr))
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = req.Subject.SessionID
	}
	if sessionID != "" {
		claims = append(claims, storage.NewClaim(oidc.ClaimSessionID, sessionID))
	}
	return claims
}

func filterClaims(claims []storage.Claim, requested map[string]struct{}) []storage.Claim {
	out := make([]storage.Claim, 0, len(claims))
	for _, c := range claims {
		if _, ok := requested[c.Type]; ok {
			out = append(out, c)
		}
	}
	return out
}
