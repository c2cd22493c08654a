package validation

import (
	"context"
	"errors"
	"log/slog"
	"net/url"

	"github.com/golang-jwt/jwt/v5"

	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/tokens"
)

// EndSessionValidator validates RP-initiated logout requests. The
// id_token_hint, when present, must be a token this server signed; the
// post-logout redirect URI must be registered for the client named in the
// hint.
type EndSessionValidator struct {
	clients storage.ClientStore
	keys    *tokens.KeyMaterialService
	issuer  string
	logger  *slog.Logger
}

// NewEndSessionValidator creates an end-session validator.
func NewEndSessionValidator(clients storage.ClientStore, keys *tokens.KeyMaterialService, issuer string, logger *slog.Logger) *EndSessionValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &EndSessionValidator{
		clients: clients,
		keys:    keys,
		issuer:  issuer,
		logger:  logger,
	}
}

// ValidateRequest validates the end-session parameters. subject is the
// currently authenticated principal, nil when nobody is signed in.
func (v *EndSessionValidator) ValidateRequest(ctx context.Context, parameters url.Values, subject *storage.Subject) (*ValidatedEndSessionRequest, error) {
	if parameters == nil {
		return nil, errors.New("parameters must not be nil")
	}

	request := &ValidatedEndSessionRequest{Raw: parameters, Subject: subject}
	if subject != nil {
		request.SessionID = subject.SessionID
	}

	if hint := parameters.Get(oidc.ParamIDTokenHint); hint != "" {
		if err := v.validateIDTokenHint(ctx, request, hint); err != nil {
			return nil, err
		}
	}

	if redirectURI := parameters.Get(oidc.ParamPostLogoutRedirect); redirectURI != "" {
		if request.Client == nil {
			v.logger.Debug("post_logout_redirect_uri given without id_token_hint")
			return nil, oidc.ErrInvalidRequest("id_token_hint is required to use post_logout_redirect_uri")
		}
		if !ValidatePostLogoutRedirectURI(request.Client, redirectURI) {
			v.logger.Debug("post_logout_redirect_uri not registered",
				"client_id", request.Client.ClientID, "redirect_uri", redirectURI)
			return nil, oidc.ErrInvalidRequest("invalid post_logout_redirect_uri")
		}
		request.PostLogoutRedirectURI = redirectURI
	}

	request.State = parameters.Get(oidc.ParamState)
	return request, nil
}

// validateIDTokenHint verifies the hint's signature and issuer, then resolves
// the client from its audience. Expiry is deliberately not enforced: an
// expired identity token is still acceptable evidence of who is logging out.
func (v *EndSessionValidator) validateIDTokenHint(ctx context.Context, request *ValidatedEndSessionRequest, hint string) error {
	parsed, err := jwt.Parse(hint, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.VerificationKey(kid)
	}, jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid {
		v.logger.Debug("id_token_hint validation failed", "error", err)
		return oidc.ErrInvalidRequest("invalid id_token_hint")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return oidc.ErrInvalidRequest("invalid id_token_hint")
	}
	if issuer, _ := claims[oidc.ClaimIssuer].(string); issuer != v.issuer {
		v.logger.Debug("id_token_hint has wrong issuer")
		return oidc.ErrInvalidRequest("invalid id_token_hint")
	}

	sub, _ := claims[oidc.ClaimSubject].(string)
	if request.Subject != nil && sub != "" && sub != request.Subject.ID {
		v.logger.Debug("id_token_hint subject does not match the current session")
		return oidc.ErrInvalidRequest("invalid id_token_hint")
	}
	if sid, _ := claims[oidc.ClaimSessionID].(string); sid != "" && request.SessionID == "" {
		request.SessionID = sid
	}

	clientID, _ := claims[oidc.ClaimAudience].(string)
	if clientID == "" {
		// Multi-audience identity tokens carry an array.
		if auds, ok := claims[oidc.ClaimAudience].([]any); ok && len(auds) > 0 {
			clientID, _ = auds[0].(string)
		}
	}
	if clientID == "" {
		return oidc.ErrInvalidRequest("invalid id_token_hint")
	}

	client, err := v.clients.FindClientByID(ctx, clientID)
	if err != nil {
		v.logger.Debug("id_token_hint names an unknown client", "client_id", clientID)
		return oidc.ErrInvalidRequest("invalid id_token_hint")
	}
	request.Client = client
	return nil
}
