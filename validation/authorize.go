package validation

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/security"
	"github.com/idsvr/idsvr/storage"
)

// responseTypeToGrantType maps the normalized response_type value onto the
// flow it selects.
var responseTypeToGrantType = map[string]string{
	oidc.ResponseTypeCode:             oidc.GrantTypeAuthorizationCode,
	oidc.ResponseTypeToken:            oidc.GrantTypeImplicit,
	oidc.ResponseTypeIDToken:          oidc.GrantTypeImplicit,
	oidc.ResponseTypeIDTokenToken:     oidc.GrantTypeImplicit,
	oidc.ResponseTypeCodeIDToken:      oidc.GrantTypeHybrid,
	oidc.ResponseTypeCodeToken:        oidc.GrantTypeHybrid,
	oidc.ResponseTypeCodeIDTokenToken: oidc.GrantTypeHybrid,
}

// AuthorizeRequestValidator is the authorize endpoint state machine. It
// validates the structural parameters (client, redirect URI, response type,
// scopes, PKCE, nonce) and produces a ValidatedAuthorizeRequest; interaction
// decisions (login/consent) are made separately once validation succeeds.
type AuthorizeRequestValidator struct {
	clients storage.ClientStore
	scopes  *ScopeValidator
	auditor *security.Auditor
	logger  *slog.Logger
}

// NewAuthorizeRequestValidator creates an authorize request validator.
func NewAuthorizeRequestValidator(clients storage.ClientStore, scopes *ScopeValidator, auditor *security.Auditor, logger *slog.Logger) *AuthorizeRequestValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthorizeRequestValidator{
		clients: clients,
		scopes:  scopes,
		auditor: auditor,
		logger:  logger,
	}
}

// ValidateRequest validates the raw authorize parameters. subject is the
// currently authenticated principal, nil for anonymous browsers; interaction
// processing decides later whether that is acceptable.
//
// Errors returned before the redirect URI is validated must not be redirected
// back to the client; the hosting layer renders them directly.
func (v *AuthorizeRequestValidator) ValidateRequest(ctx context.Context, parameters url.Values, subject *storage.Subject) (*ValidatedAuthorizeRequest, error) {
	if parameters == nil {
		return nil, errors.New("parameters must not be nil")
	}

	request := &ValidatedAuthorizeRequest{Raw: parameters, Subject: subject}
	if subject != nil {
		request.SessionID = subject.SessionID
	}

	clientID := parameters.Get(oidc.ParamClientID)
	if clientID == "" {
		return nil, v.reject(request, oidc.ErrInvalidRequest("client_id is missing"))
	}
	client, err := v.clients.FindClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			v.logger.Debug("unknown client", "client_id", clientID)
			return nil, v.reject(request, oidc.ErrUnauthorizedClient("unknown client"))
		}
		return nil, v.reject(request, err)
	}
	if !client.Enabled {
		v.logger.Debug("client is disabled", "client_id", clientID)
		return nil, v.reject(request, oidc.ErrUnauthorizedClient("unknown client"))
	}
	request.Client = client

	redirectURI := parameters.Get(oidc.ParamRedirectURI)
	if redirectURI == "" {
		return nil, v.reject(request, oidc.ErrInvalidRequest("redirect_uri is missing"))
	}
	if !ValidateRedirectURI(client, redirectURI) {
		v.logger.Debug("redirect_uri not registered for client", "client_id", clientID, "redirect_uri", redirectURI)
		return nil, v.reject(request, oidc.ErrInvalidRedirectURI("invalid redirect_uri"))
	}
	request.RedirectURI = redirectURI

	// From here on, errors are redirectable: the hosting layer may send them
	// back to the validated redirect URI.

	responseType := normalizeResponseType(parameters.Get(oidc.ParamResponseType))
	if responseType == "" {
		return nil, v.reject(request, oidc.ErrUnsupportedResponseType("response_type is missing"))
	}
	grantType, ok := responseTypeToGrantType[responseType]
	if !ok {
		v.logger.Debug("unsupported response type", "client_id", clientID, "response_type", responseType)
		return nil, v.reject(request, oidc.ErrUnsupportedResponseType("response type not supported"))
	}
	request.ResponseType = responseType
	request.GrantType = grantType

	if !client.AllowsGrantType(grantType) {
		v.logger.Debug("flow not allowed for client", "client_id", clientID, "grant_type", grantType)
		return nil, v.reject(request, oidc.ErrUnauthorizedClient("response type not allowed for client"))
	}
	if request.AccessTokenRequested() && !client.AllowAccessTokensViaBrowser {
		v.logger.Debug("client may not receive access tokens via the browser", "client_id", clientID)
		return nil, v.reject(request, oidc.ErrUnauthorizedClient("response type not allowed for client"))
	}

	if err := v.validateResponseMode(request); err != nil {
		return nil, v.reject(request, err)
	}
	if err := v.validateScopes(ctx, request); err != nil {
		return nil, v.reject(request, err)
	}
	if err := v.validatePKCE(request); err != nil {
		return nil, v.reject(request, err)
	}

	request.State = parameters.Get(oidc.ParamState)

	request.Nonce = parameters.Get(oidc.ParamNonce)
	if request.Nonce == "" && request.IDTokenRequested() {
		return nil, v.reject(request, oidc.ErrInvalidRequest("nonce is required for this response type"))
	}

	if err := v.validateOptionalParameters(request); err != nil {
		return nil, v.reject(request, err)
	}

	return request, nil
}

func (v *AuthorizeRequestValidator) validateResponseMode(request *ValidatedAuthorizeRequest) error {
	mode := request.Raw.Get(oidc.ParamResponseMode)
	switch mode {
	case "":
		// Default per flow: query for code, fragment for anything returning
		// tokens in the front channel.
		if request.GrantType == oidc.GrantTypeAuthorizationCode {
			request.ResponseMode = oidc.ResponseModeQuery
		} else {
			request.ResponseMode = oidc.ResponseModeFragment
		}
		return nil
	case oidc.ResponseModeQuery:
		if request.GrantType != oidc.GrantTypeAuthorizationCode {
			return oidc.ErrInvalidRequest("query response mode not allowed for this response type")
		}
	case oidc.ResponseModeFragment, oidc.ResponseModeFormPost:
	default:
		return oidc.ErrUnsupportedResponseType("response mode not supported")
	}
	request.ResponseMode = mode
	return nil
}

func (v *AuthorizeRequestValidator) validateScopes(ctx context.Context, request *ValidatedAuthorizeRequest) error {
	rawScope := request.Raw.Get(oidc.ParamScope)
	if rawScope == "" {
		return oidc.ErrInvalidScope("scope is missing")
	}
	requested := ParseScopeString(rawScope)

	for _, s := range requested {
		if s == oidc.ScopeOpenID {
			request.IsOpenIDRequest = true
			break
		}
	}
	if request.IDTokenRequested() && !request.IsOpenIDRequest {
		return oidc.ErrInvalidScope("openid scope is required for this response type")
	}

	resources, err := v.scopes.Validate(ctx, request.Client, requested, scopeValidationOptions{})
	if err != nil {
		return err
	}
	// Identity scopes without openid make no sense on the authorize endpoint.
	if !request.IsOpenIDRequest && len(resources.Resources.IdentityResources) > 0 {
		return oidc.ErrInvalidScope("identity scopes require the openid scope")
	}
	request.Resources = resources
	return nil
}

func (v *AuthorizeRequestValidator) validatePKCE(request *ValidatedAuthorizeRequest) error {
	if !request.CodeRequested() {
		return nil
	}

	challenge := request.Raw.Get(oidc.ParamCodeChallenge)
	if challenge == "" {
		if request.Client.RequirePKCE {
			v.logger.Debug("client requires PKCE but no code_challenge given", "client_id", request.Client.ClientID)
			return oidc.ErrInvalidRequest("code challenge required")
		}
		return nil
	}
	if !validCodeVerifierFormat(challenge) {
		return oidc.ErrInvalidRequest("invalid code_challenge")
	}

	method := request.Raw.Get(oidc.ParamCodeChallengeMethod)
	switch method {
	case "":
		method = oidc.PKCEMethodS256
	case oidc.PKCEMethodS256:
	case oidc.PKCEMethodPlain:
		if !request.Client.AllowPlainTextPKCE {
			v.logger.Debug("plain PKCE not allowed for client", "client_id", request.Client.ClientID)
			return oidc.ErrInvalidRequest("transform algorithm not supported")
		}
	default:
		return oidc.ErrInvalidRequest("transform algorithm not supported")
	}

	request.CodeChallenge = challenge
	request.CodeChallengeMethod = method
	return nil
}

func (v *AuthorizeRequestValidator) validateOptionalParameters(request *ValidatedAuthorizeRequest) error {
	if prompt := request.Raw.Get(oidc.ParamPrompt); prompt != "" {
		request.PromptModes = strings.Fields(prompt)
	}
	if rawMaxAge := request.Raw.Get(oidc.ParamMaxAge); rawMaxAge != "" {
		maxAge, err := strconv.Atoi(rawMaxAge)
		if err != nil || maxAge < 0 {
			return oidc.ErrInvalidRequest("invalid max_age")
		}
		request.MaxAge = &maxAge
	}
	request.LoginHint = request.Raw.Get(oidc.ParamLoginHint)
	request.UILocales = request.Raw.Get(oidc.ParamUILocales)
	if acr := request.Raw.Get(oidc.ParamAcrValues); acr != "" {
		request.AcrValues = strings.Fields(acr)
	}
	return nil
}

func (v *AuthorizeRequestValidator) reject(request *ValidatedAuthorizeRequest, err error) error {
	var protocolErr *oidc.ProtocolError
	if !errors.As(err, &protocolErr) {
		v.logger.Error("authorize request validation failed", "error", err)
		protocolErr = oidc.ErrServerError("internal error")
	}
	clientID := ""
	if request.Client != nil {
		clientID = request.Client.ClientID
	}
	subjectID := ""
	if request.Subject != nil {
		subjectID = request.Subject.ID
	}
	v.auditor.LogValidationFailure(subjectID, clientID, "authorize", protocolErr.Code)
	return protocolErr
}

// normalizeResponseType sorts the space-separated response_type values into
// the canonical order used by the lookup table, so "token id_token" and
// "id_token token" are the same request.
func normalizeResponseType(raw string) string {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return ""
	}
	order := map[string]int{"code": 0, "id_token": 1, "token": 2}
	sort.SliceStable(parts, func(i, j int) bool {
		oi, iOK := order[parts[i]]
		oj, jOK := order[parts[j]]
		if !iOK || !jOK {
			return false
		}
		return oi < oj
	})
	return strings.Join(parts, " ")
}
