package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/security"
	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/tokens"
)

// AccessTokenValidationResult is the outcome of validating a presented
// access token: the flattened claims plus the commonly needed fields.
type AccessTokenValidationResult struct {
	Claims    []storage.Claim
	SubjectID string
	ClientID  string
	Scopes    []string
}

// AccessTokenValidator validates access tokens presented to protected
// endpoints such as UserInfo. Self-contained JWTs are checked by signature,
// issuer and expiry; opaque handles are resolved through the reference token
// store.
type AccessTokenValidator struct {
	keys      *tokens.KeyMaterialService
	refTokens *storage.ReferenceTokenStore
	clock     security.Clock
	issuer    string
	logger    *slog.Logger
}

// NewAccessTokenValidator creates an access token validator.
func NewAccessTokenValidator(keys *tokens.KeyMaterialService, refTokens *storage.ReferenceTokenStore, clock security.Clock, issuer string, logger *slog.Logger) *AccessTokenValidator {
	if clock == nil {
		clock = security.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessTokenValidator{
		keys:      keys,
		refTokens: refTokens,
		clock:     clock,
		issuer:    issuer,
		logger:    logger,
	}
}

// Validate checks the token and, when requiredScope is non-empty, that the
// token grants it. Failures come back as protocol errors using the
// protected-resource taxonomy (invalid_token, expired_token,
// insufficient_scope).
func (v *AccessTokenValidator) Validate(ctx context.Context, token, requiredScope string) (*AccessTokenValidationResult, error) {
	if token == "" {
		return nil, oidc.NewProtocolError(oidc.ErrorCodeInvalidToken, "access token is missing", 401)
	}

	var result *AccessTokenValidationResult
	var err error
	if strings.Count(token, ".") == 2 {
		result, err = v.validateJWT(token)
	} else {
		result, err = v.validateReferenceToken(ctx, token)
	}
	if err != nil {
		return nil, err
	}

	if requiredScope != "" {
		granted := false
		for _, s := range result.Scopes {
			if s == requiredScope {
				granted = true
				break
			}
		}
		if !granted {
			v.logger.Debug("access token lacks required scope", "required", requiredScope)
			return nil, oidc.NewProtocolError(oidc.ErrorCodeInsufficientScope, "token lacks required scope", 403)
		}
	}

	return result, nil
}

func (v *AccessTokenValidator) validateJWT(token string) (*AccessTokenValidationResult, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.VerificationKey(kid)
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(security.DefaultClockSkewGracePeriod),
		jwt.WithTimeFunc(v.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, oidc.ErrExpiredToken("access token has expired")
		}
		v.logger.Debug("access token validation failed", "error", err)
		return nil, oidc.NewProtocolError(oidc.ErrorCodeInvalidToken, "invalid access token", 401)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, oidc.NewProtocolError(oidc.ErrorCodeInvalidToken, "invalid access token", 401)
	}
	return resultFromPayload(claims), nil
}

func (v *AccessTokenValidator) validateReferenceToken(ctx context.Context, handle string) (*AccessTokenValidationResult, error) {
	ref, err := v.refTokens.Get(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oidc.NewProtocolError(oidc.ErrorCodeInvalidToken, "invalid access token", 401)
		}
		return nil, fmt.Errorf("failed to resolve reference token: %w", err)
	}
	token := ref.Token
	if token == nil {
		return nil, oidc.NewProtocolError(oidc.ErrorCodeInvalidToken, "invalid access token", 401)
	}
	if v.clock.Now().After(token.CreationTime.Add(time.Duration(token.Lifetime) * time.Second)) {
		return nil, oidc.ErrExpiredToken("access token has expired")
	}

	return &AccessTokenValidationResult{
		Claims:    token.Claims,
		SubjectID: token.SubjectID(),
		ClientID:  token.ClientID,
		Scopes:    token.Scopes(),
	}, nil
}

// resultFromPayload flattens a verified JWT payload back into claims.
// Array-valued claims become one claim per element; structured values are
// re-serialized as JSON claims.
func resultFromPayload(payload jwt.MapClaims) *AccessTokenValidationResult {
	result := &AccessTokenValidationResult{}
	for claimType, value := range payload {
		switch v := value.(type) {
		case string:
			result.Claims = append(result.Claims, storage.NewClaim(claimType, v))
		case float64:
			result.Claims = append(result.Claims, storage.NewClaim(claimType, strconv.FormatFloat(v, 'f', -1, 64)))
		case []any:
			for _, elem := range v {
				if s, ok := elem.(string); ok {
					result.Claims = append(result.Claims, storage.NewClaim(claimType, s))
				}
			}
		default:
			if raw, err := json.Marshal(v); err == nil {
				result.Claims = append(result.Claims, storage.NewJSONClaim(claimType, string(raw)))
			}
		}
	}

	for _, c := range result.Claims {
		switch c.Type {
		case oidc.ClaimSubject:
			result.SubjectID = c.Value
		case oidc.ClaimClientID:
			result.ClientID = c.Value
		case oidc.ClaimScope:
			result.Scopes = append(result.Scopes, strings.Fields(c.Value)...)
		}
	}
	return result
}
