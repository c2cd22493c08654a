package validation

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/security"
	"github.com/idsvr/idsvr/storage"
)

// ResourceOwnerPasswordValidator checks resource owner credentials for the
// password grant. Implementations return the authenticated subject, or an
// error; a *oidc.ProtocolError supplies the error description surfaced to the
// client.
type ResourceOwnerPasswordValidator interface {
	ValidateCredentials(ctx context.Context, username, password string) (*storage.Subject, error)
}

// ExtensionGrantValidator handles a custom grant type. Validators are
// registered by grant-type string; the matching one runs and may contribute a
// subject and extra claims.
type ExtensionGrantValidator interface {
	GrantType() string
	Validate(ctx context.Context, request *ValidatedTokenRequest) (*storage.Subject, []storage.Claim, error)
}

// CustomTokenRequestValidator runs after grant and scope validation and may
// append claims to the request or reject it.
type CustomTokenRequestValidator interface {
	Validate(ctx context.Context, request *ValidatedTokenRequest) error
}

// TokenRequestValidatorConfig wires the collaborators of a
// TokenRequestValidator.
type TokenRequestValidatorConfig struct {
	AuthorizationCodes *storage.AuthorizationCodeStore
	RefreshTokens      *storage.RefreshTokenStore
	DeviceCodes        *storage.DeviceCodeStore
	Scopes             *ScopeValidator

	// PasswordValidator is required to enable the password grant.
	PasswordValidator ResourceOwnerPasswordValidator

	// ExtensionGrants handle custom grant-type strings.
	ExtensionGrants []ExtensionGrantValidator

	// CustomValidators always run last.
	CustomValidators []CustomTokenRequestValidator

	// Throttler rate-limits device-code polling. Required when DeviceCodes is
	// set.
	Throttler *security.DeviceFlowThrottler

	Clock   security.Clock
	Auditor *security.Auditor
	Logger  *slog.Logger
}

// TokenRequestValidator is the token endpoint state machine. Given the raw
// request parameters and an already-authenticated client, it resolves the
// grant, validates the grant-specific parameters, validates scopes, and runs
// the custom validator hooks.
type TokenRequestValidator struct {
	codes      *storage.AuthorizationCodeStore
	refresh    *storage.RefreshTokenStore
	devices    *storage.DeviceCodeStore
	scopes     *ScopeValidator
	passwords  ResourceOwnerPasswordValidator
	extensions map[string]ExtensionGrantValidator
	custom     []CustomTokenRequestValidator
	throttler  *security.DeviceFlowThrottler
	clock      security.Clock
	auditor    *security.Auditor
	logger     *slog.Logger
}

// NewTokenRequestValidator creates a token request validator.
func NewTokenRequestValidator(cfg TokenRequestValidatorConfig) *TokenRequestValidator {
	if cfg.Clock == nil {
		cfg.Clock = security.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	extensions := make(map[string]ExtensionGrantValidator, len(cfg.ExtensionGrants))
	for _, ext := range cfg.ExtensionGrants {
		extensions[ext.GrantType()] = ext
	}
	return &TokenRequestValidator{
		codes:      cfg.AuthorizationCodes,
		refresh:    cfg.RefreshTokens,
		devices:    cfg.DeviceCodes,
		scopes:     cfg.Scopes,
		passwords:  cfg.PasswordValidator,
		extensions: extensions,
		custom:     cfg.CustomValidators,
		throttler:  cfg.Throttler,
		clock:      cfg.Clock,
		auditor:    cfg.Auditor,
		logger:     cfg.Logger,
	}
}

// ValidateRequest runs the token endpoint state machine. The client must
// already be authenticated by the ClientSecretValidator.
func (v *TokenRequestValidator) ValidateRequest(ctx context.Context, parameters url.Values, client *storage.Client) (*ValidatedTokenRequest, error) {
	if parameters == nil {
		return nil, errors.New("parameters must not be nil")
	}
	if client == nil {
		return nil, errors.New("client must not be nil")
	}

	request := &ValidatedTokenRequest{Raw: parameters, Client: client}

	grantType := parameters.Get(oidc.ParamGrantType)
	if grantType == "" {
		return nil, v.reject(request, oidc.ErrUnsupportedGrantType("grant_type is missing"))
	}
	request.GrantType = grantType

	if !v.knownGrantType(grantType) {
		v.logger.Debug("unknown grant type", "grant_type", grantType, "client_id", client.ClientID)
		return nil, v.reject(request, oidc.ErrUnsupportedGrantType("grant type not supported"))
	}
	if !client.AllowsGrantType(grantType) {
		v.logger.Debug("grant type not allowed for client", "grant_type", grantType, "client_id", client.ClientID)
		return nil, v.reject(request, oidc.ErrInvalidClient("grant type not allowed for client"))
	}

	var err error
	switch grantType {
	case oidc.GrantTypeAuthorizationCode:
		err = v.validateAuthorizationCode(ctx, request)
	case oidc.GrantTypeClientCredentials:
		err = v.validateClientCredentials(ctx, request)
	case oidc.GrantTypePassword:
		err = v.validatePassword(ctx, request)
	case oidc.GrantTypeRefreshToken:
		err = v.validateRefreshToken(ctx, request)
	case oidc.GrantTypeDeviceCode:
		err = v.validateDeviceCode(ctx, request)
	default:
		err = v.validateExtensionGrant(ctx, request)
	}
	if err != nil {
		return nil, v.reject(request, err)
	}

	for _, custom := range v.custom {
		if err := custom.Validate(ctx, request); err != nil {
			return nil, v.reject(request, err)
		}
	}

	return request, nil
}

func (v *TokenRequestValidator) knownGrantType(grantType string) bool {
	switch grantType {
	case oidc.GrantTypeAuthorizationCode,
		oidc.GrantTypeClientCredentials,
		oidc.GrantTypePassword,
		oidc.GrantTypeRefreshToken,
		oidc.GrantTypeDeviceCode:
		return true
	}
	_, ok := v.extensions[grantType]
	return ok
}

// reject logs and audits the failure before handing the error back. Non
// protocol errors are mapped to server_error so store failures never leak.
func (v *TokenRequestValidator) reject(request *ValidatedTokenRequest, err error) error {
	var protocolErr *oidc.ProtocolError
	if !errors.As(err, &protocolErr) {
		v.logger.Error("token request validation failed", "grant_type", request.GrantType, "error", err)
		protocolErr = oidc.ErrServerError("internal error")
	}
	subjectID := ""
	if request.Subject != nil {
		subjectID = request.Subject.ID
	}
	v.auditor.LogValidationFailure(subjectID, request.Client.ClientID, "token", protocolErr.Code)
	return protocolErr
}

func (v *TokenRequestValidator) validateAuthorizationCode(ctx context.Context, request *ValidatedTokenRequest) error {
	rawCode := request.Raw.Get(oidc.ParamCode)
	if rawCode == "" {
		return oidc.ErrInvalidGrant("authorization code is missing")
	}
	redirectURI := request.Raw.Get(oidc.ParamRedirectURI)
	if redirectURI == "" {
		return oidc.ErrInvalidGrant("redirect_uri is missing")
	}

	// Consumption is atomic: of two concurrent redemptions of the same code,
	// exactly one proceeds past this point.
	code, err := v.codes.Consume(ctx, rawCode, v.clock.Now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			v.logger.Debug("authorization code not found or already consumed", "client_id", request.Client.ClientID)
			return oidc.ErrInvalidGrant("invalid authorization code")
		}
		return err
	}
	request.AuthorizationCode = code
	request.AuthorizationCodeHandle = rawCode

	if v.expired(code.CreationTime, code.Lifetime) {
		v.logger.Debug("authorization code expired", "client_id", request.Client.ClientID)
		return oidc.ErrInvalidGrant("authorization code has expired")
	}
	if code.ClientID != request.Client.ClientID {
		v.logger.Debug("authorization code was issued to a different client",
			"client_id", request.Client.ClientID, "code_client_id", code.ClientID)
		return oidc.ErrInvalidGrant("invalid authorization code")
	}
	if code.RedirectURI != redirectURI {
		v.logger.Debug("redirect_uri does not match the one used at authorization", "client_id", request.Client.ClientID)
		return oidc.ErrInvalidGrant("invalid redirect_uri")
	}

	if request.Client.RequirePKCE || code.CodeChallenge != "" {
		if code.CodeChallenge == "" {
			v.logger.Debug("client requires PKCE but code carries no challenge", "client_id", request.Client.ClientID)
			return oidc.ErrInvalidGrant("code challenge required")
		}
		verifier := request.Raw.Get(oidc.ParamCodeVerifier)
		if verifier == "" {
			return oidc.ErrInvalidGrant("code verifier is missing")
		}
		if !VerifyCodeVerifier(code.CodeChallenge, verifier, code.CodeChallengeMethod) {
			v.logger.Debug("code verifier validation failed", "client_id", request.Client.ClientID)
			return oidc.ErrInvalidGrant("invalid code verifier")
		}
	}

	if code.Subject == nil {
		return oidc.ErrInvalidGrant("invalid authorization code")
	}
	request.Subject = code.Subject

	resources, err := v.scopes.Validate(ctx, request.Client, code.RequestedScopes, scopeValidationOptions{})
	if err != nil {
		return err
	}
	request.Resources = resources

	v.auditor.LogGrantConsumed(code.Subject.ID, request.Client.ClientID, oidc.GrantTypeAuthorizationCode)
	return nil
}

func (v *TokenRequestValidator) validateClientCredentials(ctx context.Context, request *ValidatedTokenRequest) error {
	requested := ParseScopeString(request.Raw.Get(oidc.ParamScope))
	resources, err := v.scopes.Validate(ctx, request.Client, requested, scopeValidationOptions{apiOnly: true})
	if err != nil {
		return err
	}
	request.Resources = resources
	return nil
}

func (v *TokenRequestValidator) validatePassword(ctx context.Context, request *ValidatedTokenRequest) error {
	if v.passwords == nil {
		v.logger.Debug("no resource owner password validator registered")
		return oidc.ErrUnsupportedGrantType("grant type not supported")
	}

	username := request.Raw.Get(oidc.ParamUserName)
	if username == "" {
		return oidc.ErrInvalidGrant("username is missing")
	}
	password := request.Raw.Get(oidc.ParamPassword)

	subject, err := v.passwords.ValidateCredentials(ctx, username, password)
	if err != nil {
		var protocolErr *oidc.ProtocolError
		if errors.As(err, &protocolErr) {
			return protocolErr
		}
		v.logger.Debug("resource owner credential validation failed", "client_id", request.Client.ClientID)
		return oidc.ErrInvalidGrant("invalid username or password")
	}
	request.Subject = subject
	request.UserName = username

	requested := ParseScopeString(request.Raw.Get(oidc.ParamScope))
	resources, err := v.scopes.Validate(ctx, request.Client, requested, scopeValidationOptions{})
	if err != nil {
		return err
	}
	request.Resources = resources
	return nil
}

func (v *TokenRequestValidator) validateRefreshToken(ctx context.Context, request *ValidatedTokenRequest) error {
	handle := request.Raw.Get(oidc.ParamRefreshToken)
	if handle == "" {
		return oidc.ErrInvalidRequest("refresh_token is missing")
	}

	token, err := v.refresh.Get(ctx, handle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			v.logger.Debug("refresh token not found", "client_id", request.Client.ClientID)
			return oidc.ErrInvalidGrant("invalid refresh token")
		}
		return err
	}

	if v.expired(token.CreationTime, token.Lifetime) {
		v.logger.Debug("refresh token expired", "client_id", request.Client.ClientID)
		return oidc.ErrInvalidGrant("refresh token has expired")
	}
	if token.ClientID != request.Client.ClientID {
		v.logger.Debug("refresh token was issued to a different client",
			"client_id", request.Client.ClientID, "token_client_id", token.ClientID)
		return oidc.ErrInvalidGrant("invalid refresh token")
	}
	if !request.Client.AllowOfflineAccess {
		v.logger.Debug("client no longer allows offline access", "client_id", request.Client.ClientID)
		return oidc.ErrInvalidGrant("invalid refresh token")
	}

	request.RefreshToken = token
	request.RefreshTokenHandle = handle
	request.Subject = token.Subject

	resources, err := v.scopes.Validate(ctx, request.Client, token.Scopes, scopeValidationOptions{})
	if err != nil {
		return err
	}
	request.Resources = resources
	return nil
}

func (v *TokenRequestValidator) validateDeviceCode(ctx context.Context, request *ValidatedTokenRequest) error {
	rawCode := request.Raw.Get(oidc.ParamDeviceCode)
	if rawCode == "" {
		return oidc.ErrInvalidRequest("device_code is missing")
	}

	code, err := v.devices.FindByDeviceCode(ctx, rawCode)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			v.logger.Debug("device code not found", "client_id", request.Client.ClientID)
			return oidc.ErrInvalidGrant("invalid device code")
		}
		return err
	}
	if code.ClientID != request.Client.ClientID {
		v.logger.Debug("device code was issued to a different client",
			"client_id", request.Client.ClientID, "code_client_id", code.ClientID)
		return oidc.ErrInvalidGrant("invalid device code")
	}

	if v.throttler != nil {
		lifetime := time.Duration(code.Lifetime) * time.Second
		slowDown, err := v.throttler.ShouldSlowDown(ctx, rawCode, lifetime)
		if err != nil {
			return err
		}
		if slowDown {
			v.auditor.LogDeviceFlowThrottled(request.Client.ClientID)
			return oidc.ErrSlowDown("polling too fast")
		}
	}

	if v.expired(code.CreationTime, code.Lifetime) {
		return oidc.ErrExpiredToken("device code has expired")
	}
	if !code.IsAuthorized {
		return oidc.ErrAuthorizationPending("authorization pending")
	}
	if code.Subject == nil {
		return oidc.ErrAccessDenied("user denied the authorization")
	}

	// Redeem at most once, then drop the envelope.
	if _, err := v.devices.Consume(ctx, rawCode, v.clock.Now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return oidc.ErrInvalidGrant("invalid device code")
		}
		return err
	}
	if err := v.devices.RemoveByDeviceCode(ctx, rawCode); err != nil {
		v.logger.Warn("failed to remove redeemed device code", "error", err)
	}

	request.DeviceCode = code
	request.Subject = code.Subject

	resources, err := v.scopes.Validate(ctx, request.Client, code.AuthorizedScopes, scopeValidationOptions{})
	if err != nil {
		return err
	}
	request.Resources = resources

	v.auditor.LogGrantConsumed(code.Subject.ID, request.Client.ClientID, oidc.GrantTypeDeviceCode)
	return nil
}

func (v *TokenRequestValidator) validateExtensionGrant(ctx context.Context, request *ValidatedTokenRequest) error {
	validator := v.extensions[request.GrantType]

	subject, claims, err := validator.Validate(ctx, request)
	if err != nil {
		var protocolErr *oidc.ProtocolError
		if errors.As(err, &protocolErr) {
			return protocolErr
		}
		v.logger.Debug("extension grant validation failed",
			"grant_type", request.GrantType, "client_id", request.Client.ClientID)
		return oidc.ErrInvalidGrant("grant validation failed")
	}
	request.Subject = subject
	request.ExtensionClaims = claims

	requested := ParseScopeString(request.Raw.Get(oidc.ParamScope))
	resources, err := v.scopes.Validate(ctx, request.Client, requested, scopeValidationOptions{})
	if err != nil {
		return err
	}
	request.Resources = resources
	return nil
}

func (v *TokenRequestValidator) expired(created time.Time, lifetimeSeconds int) bool {
	return v.clock.Now().After(created.Add(time.Duration(lifetimeSeconds) * time.Second))
}
