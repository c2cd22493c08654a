package responses

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/security"
	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/tokens"
	"github.com/idsvr/idsvr/validation"
)

// AuthorizeResponseGenerator turns a validated authorize request into the
// redirect payload for the selected flow. Generation is order-sensitive: the
// state hash is computed before the identity token that embeds it, and a
// hybrid-flow code is persisted before its handle is hashed into c_hash.
type AuthorizeResponseGenerator struct {
	tokenService *TokenService
	codes        *storage.AuthorizationCodeStore
	clock        security.Clock
	auditor      *security.Auditor
	logger       *slog.Logger
}

// NewAuthorizeResponseGenerator creates an authorize response generator.
func NewAuthorizeResponseGenerator(tokenService *TokenService, codes *storage.AuthorizationCodeStore, clock security.Clock, auditor *security.Auditor, logger *slog.Logger) *AuthorizeResponseGenerator {
	if clock == nil {
		clock = security.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthorizeResponseGenerator{
		tokenService: tokenService,
		codes:        codes,
		clock:        clock,
		auditor:      auditor,
		logger:       logger,
	}
}

// Process dispatches on the flow the response type selected.
func (g *AuthorizeResponseGenerator) Process(ctx context.Context, request *validation.ValidatedAuthorizeRequest) (*AuthorizeResponse, error) {
	switch request.GrantType {
	case oidc.GrantTypeAuthorizationCode:
		return g.processCodeFlow(ctx, request)
	case oidc.GrantTypeImplicit:
		return g.processImplicitFlow(ctx, request, "")
	case oidc.GrantTypeHybrid:
		return g.processHybridFlow(ctx, request)
	default:
		return nil, fmt.Errorf("unsupported flow: %s", request.GrantType)
	}
}

func (g *AuthorizeResponseGenerator) processCodeFlow(ctx context.Context, request *validation.ValidatedAuthorizeRequest) (*AuthorizeResponse, error) {
	handle, err := g.createCode(ctx, request)
	if err != nil {
		return nil, err
	}

	response := g.newResponse(request)
	response.Code = handle
	return response, nil
}

func (g *AuthorizeResponseGenerator) processHybridFlow(ctx context.Context, request *validation.ValidatedAuthorizeRequest) (*AuthorizeResponse, error) {
	// The code must be persisted before its handle can be hashed into the
	// identity token's c_hash.
	handle, err := g.createCode(ctx, request)
	if err != nil {
		return nil, err
	}

	response, err := g.processImplicitFlow(ctx, request, handle)
	if err != nil {
		return nil, err
	}
	response.Code = handle
	return response, nil
}

func (g *AuthorizeResponseGenerator) processImplicitFlow(ctx context.Context, request *validation.ValidatedAuthorizeRequest, codeHandle string) (*AuthorizeResponse, error) {
	response := g.newResponse(request)

	creationReq := &TokenCreationRequest{
		Subject:   request.Subject,
		Client:    request.Client,
		Resources: request.Resources,
		SessionID: request.SessionID,
	}

	var accessWire string
	if request.AccessTokenRequested() {
		model, err := g.tokenService.CreateAccessToken(ctx, creationReq)
		if err != nil {
			return nil, err
		}
		accessWire, err = g.tokenService.CreateSecurityToken(ctx, model)
		if err != nil {
			return nil, err
		}
		response.AccessToken = accessWire
		response.TokenType = oidc.TokenTypeBearer
		response.ExpiresIn = request.Client.AccessTokenLifetime
		response.Scope = strings.Join(request.Resources.RawScopeValues(), " ")
	}

	if request.IDTokenRequested() {
		// The state hash needs a signing credential; resolving it must happen
		// before identity token creation so a misconfigured deployment fails
		// the whole request instead of issuing a token without s_hash.
		var stateHash string
		if request.State != "" {
			var err error
			stateHash, err = g.tokenService.StateHash(request.Client, request.State)
			if err != nil {
				return nil, err
			}
		}

		idReq := *creationReq
		idReq.Nonce = request.Nonce
		idReq.AccessTokenToHash = accessWire
		idReq.AuthorizationCodeToHash = codeHandle
		idReq.StateHash = stateHash
		idReq.IncludeAllIdentityClaims = !request.AccessTokenRequested()

		model, err := g.tokenService.CreateIdentityToken(ctx, &idReq)
		if err != nil {
			return nil, err
		}
		wire, err := g.tokenService.CreateSecurityToken(ctx, model)
		if err != nil {
			return nil, err
		}
		response.IDToken = wire
	}

	subjectID := ""
	if request.Subject != nil {
		subjectID = request.Subject.ID
	}
	g.auditor.LogTokenIssued(subjectID, request.Client.ClientID, request.GrantType, response.Scope)
	return response, nil
}

// createCode persists the authorization code grant and returns its handle.
// The PKCE challenge is hashed before storage so a leaked grant store never
// reveals usable challenges.
func (g *AuthorizeResponseGenerator) createCode(ctx context.Context, request *validation.ValidatedAuthorizeRequest) (string, error) {
	var stateHash string
	if request.IsOpenIDRequest && request.State != "" {
		var err error
		stateHash, err = g.tokenService.StateHash(request.Client, request.State)
		if err != nil {
			return "", err
		}
	}

	code := &storage.AuthorizationCode{
		CreationTime:    g.clock.Now(),
		Lifetime:        request.Client.AuthorizationCodeLifetime,
		ClientID:        request.Client.ClientID,
		Subject:         request.Subject,
		SessionID:       request.SessionID,
		IsOpenID:        request.IsOpenIDRequest,
		RequestedScopes: request.Resources.RawScopeValues(),
		RedirectURI:     request.RedirectURI,
		Nonce:           request.Nonce,
		StateHash:       stateHash,
		WasConsentShown: request.WasConsentShown,
	}
	if request.CodeChallenge != "" {
		code.CodeChallenge = tokens.Sha256Base64(request.CodeChallenge)
		code.CodeChallengeMethod = request.CodeChallengeMethod
	}

	handle, err := g.codes.Store(ctx, code)
	if err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	return handle, nil
}

func (g *AuthorizeResponseGenerator) newResponse(request *validation.ValidatedAuthorizeRequest) *AuthorizeResponse {
	response := &AuthorizeResponse{
		RedirectURI:  request.RedirectURI,
		ResponseMode: request.ResponseMode,
		State:        request.State,
	}
	if request.IsOpenIDRequest && request.SessionID != "" {
		response.SessionState = g.sessionState(request)
	}
	return response
}

// sessionState computes the OIDC session-management value binding the
// client, the redirect origin and the server-side session.
func (g *AuthorizeResponseGenerator) sessionState(request *validation.ValidatedAuthorizeRequest) string {
	origin := redirectOrigin(request.RedirectURI)
	salt := randomSalt()
	return tokens.SessionState(request.Client.ClientID, origin, request.SessionID, salt)
}

func redirectOrigin(redirectURI string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func randomSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
