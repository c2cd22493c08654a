package responses

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/security"
	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/validation"
)

// defaultAbsoluteRefreshTokenLifetime applies when the client does not
// configure one: 30 days, in seconds.
const defaultAbsoluteRefreshTokenLifetime = 2592000

// TokenResponseGenerator turns a validated token request into the token
// endpoint response payload, minting the access/identity/refresh tokens the
// grant calls for.
type TokenResponseGenerator struct {
	tokenService *TokenService
	refresh      *storage.RefreshTokenStore
	clock        security.Clock
	auditor      *security.Auditor
	logger       *slog.Logger
}

// NewTokenResponseGenerator creates a token response generator.
func NewTokenResponseGenerator(tokenService *TokenService, refresh *storage.RefreshTokenStore, clock security.Clock, auditor *security.Auditor, logger *slog.Logger) *TokenResponseGenerator {
	if clock == nil {
		clock = security.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenResponseGenerator{
		tokenService: tokenService,
		refresh:      refresh,
		clock:        clock,
		auditor:      auditor,
		logger:       logger,
	}
}

// Process dispatches on the validated grant type.
func (g *TokenResponseGenerator) Process(ctx context.Context, request *validation.ValidatedTokenRequest) (*TokenResponse, error) {
	switch request.GrantType {
	case oidc.GrantTypeAuthorizationCode:
		return g.processAuthorizationCode(ctx, request)
	case oidc.GrantTypeRefreshToken:
		return g.processRefreshToken(ctx, request)
	case oidc.GrantTypeDeviceCode:
		return g.processDeviceCode(ctx, request)
	default:
		return g.processFlat(ctx, request)
	}
}

func (g *TokenResponseGenerator) processAuthorizationCode(ctx context.Context, request *validation.ValidatedTokenRequest) (*TokenResponse, error) {
	code := request.AuthorizationCode

	creationReq := &TokenCreationRequest{
		Subject:     request.Subject,
		Client:      request.Client,
		Resources:   request.Resources,
		SessionID:   code.SessionID,
		ExtraClaims: request.ExtensionClaims,
	}

	accessModel, accessWire, err := g.createAccessToken(ctx, creationReq)
	if err != nil {
		return nil, err
	}

	response := g.newResponse(request, accessWire)

	if request.Resources.OfflineAccess {
		handle, err := g.createRefreshToken(ctx, request, accessModel.Claims)
		if err != nil {
			return nil, err
		}
		response.RefreshToken = handle
	}

	if code.IsOpenID {
		idReq := *creationReq
		idReq.Nonce = code.Nonce
		idReq.AccessTokenToHash = accessWire
		idReq.StateHash = code.StateHash
		idToken, err := g.tokenService.CreateIdentityToken(ctx, &idReq)
		if err != nil {
			return nil, err
		}
		wire, err := g.tokenService.CreateSecurityToken(ctx, idToken)
		if err != nil {
			return nil, err
		}
		response.IDToken = wire
	}

	g.audit(request, response)
	return response, nil
}

func (g *TokenResponseGenerator) processRefreshToken(ctx context.Context, request *validation.ValidatedTokenRequest) (*TokenResponse, error) {
	old := request.RefreshToken
	client := request.Client

	creationReq := &TokenCreationRequest{
		Subject:     request.Subject,
		Client:      client,
		Resources:   request.Resources,
		SessionID:   old.SessionID,
		ExtraClaims: request.ExtensionClaims,
	}
	accessModel, err := g.tokenService.CreateAccessToken(ctx, creationReq)
	if err != nil {
		return nil, err
	}

	// Unless the client wants claims re-resolved, replay the claims captured
	// when the refresh token was first issued.
	if !client.UpdateAccessTokenClaimsOnRefresh && len(old.AccessTokenClaims) > 0 {
		accessModel.Claims = storage.DedupeClaims(old.AccessTokenClaims)
	}

	accessWire, err := g.tokenService.CreateSecurityToken(ctx, accessModel)
	if err != nil {
		return nil, err
	}
	response := g.newResponse(request, accessWire)

	updated := *old
	updated.AccessTokenClaims = accessModel.Claims

	rotated := client.RefreshTokenUsage != oidc.RefreshTokenUsageReuse
	if rotated {
		// Consume-then-reissue: of two concurrent refreshes with the same
		// handle, only one rotates.
		if _, err := g.refresh.Consume(ctx, request.RefreshTokenHandle, g.clock.Now()); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, oidc.ErrInvalidGrant("invalid refresh token")
			}
			return nil, err
		}
		if err := g.refresh.Remove(ctx, request.RefreshTokenHandle); err != nil {
			g.logger.Warn("failed to remove rotated refresh token", "error", err)
		}
		// The absolute expiration window of the original grant is preserved.
		handle, err := g.refresh.Store(ctx, &updated)
		if err != nil {
			return nil, err
		}
		response.RefreshToken = handle
	} else {
		if err := g.refresh.Update(ctx, request.RefreshTokenHandle, &updated); err != nil {
			return nil, err
		}
		response.RefreshToken = request.RefreshTokenHandle
	}

	subjectID := ""
	if request.Subject != nil {
		subjectID = request.Subject.ID
	}
	g.auditor.LogTokenRefreshed(subjectID, client.ClientID, rotated)
	return response, nil
}

func (g *TokenResponseGenerator) processDeviceCode(ctx context.Context, request *validation.ValidatedTokenRequest) (*TokenResponse, error) {
	code := request.DeviceCode

	creationReq := &TokenCreationRequest{
		Subject:     request.Subject,
		Client:      request.Client,
		Resources:   request.Resources,
		SessionID:   code.SessionID,
		ExtraClaims: request.ExtensionClaims,
	}

	accessModel, accessWire, err := g.createAccessToken(ctx, creationReq)
	if err != nil {
		return nil, err
	}
	response := g.newResponse(request, accessWire)

	if request.Resources.OfflineAccess {
		handle, err := g.createRefreshToken(ctx, request, accessModel.Claims)
		if err != nil {
			return nil, err
		}
		response.RefreshToken = handle
	}

	if code.IsOpenID {
		idReq := *creationReq
		idReq.AccessTokenToHash = accessWire
		idToken, err := g.tokenService.CreateIdentityToken(ctx, &idReq)
		if err != nil {
			return nil, err
		}
		wire, err := g.tokenService.CreateSecurityToken(ctx, idToken)
		if err != nil {
			return nil, err
		}
		response.IDToken = wire
	}

	g.audit(request, response)
	return response, nil
}

// processFlat covers client_credentials, password and extension grants: an
// access token, plus a refresh token when offline_access was granted.
func (g *TokenResponseGenerator) processFlat(ctx context.Context, request *validation.ValidatedTokenRequest) (*TokenResponse, error) {
	creationReq := &TokenCreationRequest{
		Subject:     request.Subject,
		Client:      request.Client,
		Resources:   request.Resources,
		ExtraClaims: request.ExtensionClaims,
	}

	accessModel, accessWire, err := g.createAccessToken(ctx, creationReq)
	if err != nil {
		return nil, err
	}
	response := g.newResponse(request, accessWire)

	if request.Resources.OfflineAccess {
		handle, err := g.createRefreshToken(ctx, request, accessModel.Claims)
		if err != nil {
			return nil, err
		}
		response.RefreshToken = handle
	}

	g.audit(request, response)
	return response, nil
}

func (g *TokenResponseGenerator) createAccessToken(ctx context.Context, req *TokenCreationRequest) (*storage.Token, string, error) {
	model, err := g.tokenService.CreateAccessToken(ctx, req)
	if err != nil {
		return nil, "", err
	}
	wire, err := g.tokenService.CreateSecurityToken(ctx, model)
	if err != nil {
		return nil, "", err
	}
	return model, wire, nil
}

func (g *TokenResponseGenerator) createRefreshToken(ctx context.Context, request *validation.ValidatedTokenRequest, accessClaims []storage.Claim) (string, error) {
	lifetime := request.Client.AbsoluteRefreshTokenLifetime
	if lifetime == 0 {
		lifetime = defaultAbsoluteRefreshTokenLifetime
	}
	sessionID := ""
	if request.Subject != nil {
		sessionID = request.Subject.SessionID
	}
	return g.refresh.Store(ctx, &storage.RefreshToken{
		CreationTime:      g.clock.Now(),
		Lifetime:          lifetime,
		ClientID:          request.Client.ClientID,
		Subject:           request.Subject,
		SessionID:         sessionID,
		Scopes:            request.Resources.RawScopeValues(),
		AccessTokenClaims: accessClaims,
	})
}

func (g *TokenResponseGenerator) newResponse(request *validation.ValidatedTokenRequest, accessToken string) *TokenResponse {
	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   oidc.TokenTypeBearer,
		ExpiresIn:   request.Client.AccessTokenLifetime,
		Scope:       strings.Join(request.Resources.RawScopeValues(), " "),
	}
}

func (g *TokenResponseGenerator) audit(request *validation.ValidatedTokenRequest, response *TokenResponse) {
	subjectID := ""
	if request.Subject != nil {
		subjectID = request.Subject.ID
	}
	g.auditor.LogTokenIssued(subjectID, request.Client.ClientID, request.GrantType, response.Scope)
}
