// Package tokens turns the abstract token model into wire tokens: signed
// JWTs or opaque reference handles, plus the supporting hash and key
// material services.
package tokens

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/storage"
)

// JWT header typ values. Access tokens use the RFC 9068 media type.
const (
	headerTypeAccessToken   = "at+jwt"
	headerTypeIdentityToken = "JWT"
)

// CreationService produces the wire representation of tokens. JWT-style
// tokens are signed with the key material service; reference-style access
// tokens are persisted and represented by their opaque handle.
type CreationService struct {
	keys     *KeyMaterialService
	refStore *storage.ReferenceTokenStore
	logger   *slog.Logger

	scopesAsSpaceDelimited bool
}

// CreationOption configures a CreationService.
type CreationOption func(*CreationService)

// WithScopesAsSpaceDelimitedString emits the scope claim of JWTs as one
// space-delimited string instead of an array.
func WithScopesAsSpaceDelimitedString() CreationOption {
	return func(s *CreationService) { s.scopesAsSpaceDelimited = true }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CreationOption {
	return func(s *CreationService) { s.logger = logger }
}

// NewCreationService creates a token creation service. refStore may be nil
// when no client uses reference tokens.
func NewCreationService(keys *KeyMaterialService, refStore *storage.ReferenceTokenStore, opts ...CreationOption) *CreationService {
	s := &CreationService{
		keys:     keys,
		refStore: refStore,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateToken returns the wire form of the token: the opaque handle for
// reference-style access tokens, a signed JWT otherwise.
func (s *CreationService) CreateToken(ctx context.Context, token *storage.Token) (string, error) {
	if token.Type == oidc.TokenTypeAccessToken && token.AccessTokenStyle == oidc.AccessTokenStyleReference {
		handle, err := s.refStore.Store(ctx, &storage.ReferenceToken{Token: token})
		if err != nil {
			return "", fmt.Errorf("failed to store reference token: %w", err)
		}
		s.logger.Debug("created reference token", "client_id", token.ClientID)
		return handle, nil
	}
	return s.createJWT(token)
}

func (s *CreationService) createJWT(token *storage.Token) (string, error) {
	payload, err := CreatePayload(token, s.scopesAsSpaceDelimited)
	if err != nil {
		return "", fmt.Errorf("failed to create token payload: %w", err)
	}

	// Access tokens get a unique id so they can be distinguished and revoked
	// downstream. Identity tokens do not carry jti.
	if token.Type == oidc.TokenTypeAccessToken {
		payload[oidc.ClaimJWTID] = uuid.NewString()
	}

	key, err := s.keys.SigningKeyFor(token.AllowedSigningAlgorithms)
	if err != nil {
		return "", err
	}
	method, err := signingMethod(key.Algorithm)
	if err != nil {
		return "", err
	}

	jwtToken := jwt.NewWithClaims(method, payload)
	jwtToken.Header["kid"] = key.ID
	if token.Type == oidc.TokenTypeAccessToken {
		jwtToken.Header["typ"] = headerTypeAccessToken
	} else {
		jwtToken.Header["typ"] = headerTypeIdentityToken
	}

	signed, err := jwtToken.SignedString(key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	s.logger.Debug("created JWT token",
		"token_type", token.Type,
		"client_id", token.ClientID,
		"signing_algorithm", key.Algorithm,
	)
	return signed, nil
}
