// Package idsvr is an OAuth 2.0 / OpenID Connect authorization server engine:
// the protocol validation and token issuance logic behind the authorize,
// token, device authorization, end-session, userinfo and discovery endpoints.
// It contains no HTTP hosting; a transport layer extracts the raw parameters,
// calls the Server operations and renders the returned DTOs or protocol
// errors.
package idsvr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/idsvr/idsvr/instrumentation"
	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/responses"
	"github.com/idsvr/idsvr/security"
	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/tokens"
	"github.com/idsvr/idsvr/validation"
)

// Server wires the validators, generators and stores into the endpoint-level
// operations. It is safe for concurrent use.
type Server struct {
	options Options

	clients   storage.ClientStore
	devices   *storage.DeviceCodeStore
	refresh   *storage.RefreshTokenStore
	reference *storage.ReferenceTokenStore

	secrets        *validation.ClientSecretValidator
	tokenRequests  *validation.TokenRequestValidator
	authorizeReqs  *validation.AuthorizeRequestValidator
	deviceRequests *validation.DeviceAuthorizationValidator
	endSessions    *validation.EndSessionValidator
	accessTokens   *validation.AccessTokenValidator

	tokenResponses  *responses.TokenResponseGenerator
	authorizeResps  *responses.AuthorizeResponseGenerator
	deviceResponses *responses.DeviceAuthorizationResponseGenerator
	interactions    *responses.InteractionResponseGenerator
	discovery       *responses.DiscoveryResponseGenerator
	userInfo        *responses.UserInfoResponseGenerator

	auditor *security.Auditor
	limiter *security.RateLimiter
	metrics *instrumentation.Metrics
	clock   security.Clock
	logger  *slog.Logger
}

// NewServer validates the options and wires up the engine.
func NewServer(opts Options) (*Server, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	opts.applyDefaults()

	logger := opts.Logger
	clock := opts.Clock
	auditor := security.NewAuditor(logger, opts.EnableAuditLogging)

	keys, err := tokens.NewKeyMaterialService(opts.SigningKeys...)
	if err != nil {
		return nil, fmt.Errorf("invalid signing keys: %w", err)
	}

	codes := storage.NewAuthorizationCodeStore(opts.Grants, opts.Handles, logger)
	refresh := storage.NewRefreshTokenStore(opts.Grants, opts.Handles, logger)
	reference := storage.NewReferenceTokenStore(opts.Grants, opts.Handles, logger)
	devices := storage.NewDeviceCodeStore(opts.Grants, opts.Handles, logger)

	throttler := security.NewDeviceFlowThrottler(opts.Cache, clock,
		time.Duration(opts.DeviceFlow.Interval)*time.Second)

	scopes := validation.NewScopeValidator(opts.Resources, logger)

	var creationOpts []tokens.CreationOption
	if opts.EmitScopesAsSpaceDelimitedStringInJWT {
		creationOpts = append(creationOpts, tokens.WithScopesAsSpaceDelimitedString())
	}
	creationOpts = append(creationOpts, tokens.WithLogger(logger))
	creation := tokens.NewCreationService(keys, reference, creationOpts...)
	tokenService := responses.NewTokenService(creation, keys, clock, opts.Issuer, logger)

	s := &Server{
		options:   opts,
		clients:   opts.Clients,
		devices:   devices,
		refresh:   refresh,
		reference: reference,

		secrets: validation.NewClientSecretValidator(opts.Clients, clock, auditor, logger),
		tokenRequests: validation.NewTokenRequestValidator(validation.TokenRequestValidatorConfig{
			AuthorizationCodes: codes,
			RefreshTokens:      refresh,
			DeviceCodes:        devices,
			Scopes:             scopes,
			PasswordValidator:  opts.PasswordValidator,
			ExtensionGrants:    opts.ExtensionGrants,
			CustomValidators:   opts.CustomTokenValidators,
			Throttler:          throttler,
			Clock:              clock,
			Auditor:            auditor,
			Logger:             logger,
		}),
		authorizeReqs:  validation.NewAuthorizeRequestValidator(opts.Clients, scopes, auditor, logger),
		deviceRequests: validation.NewDeviceAuthorizationValidator(scopes, auditor, logger),
		endSessions:    validation.NewEndSessionValidator(opts.Clients, keys, opts.Issuer, logger),
		accessTokens:   validation.NewAccessTokenValidator(keys, reference, clock, opts.Issuer, logger),

		tokenResponses: responses.NewTokenResponseGenerator(tokenService, refresh, clock, auditor, logger),
		authorizeResps: responses.NewAuthorizeResponseGenerator(tokenService, codes, clock, auditor, logger),
		deviceResponses: responses.NewDeviceAuthorizationResponseGenerator(
			devices, opts.Handles, clock, logger,
			opts.DeviceFlow.VerificationURI, opts.DeviceFlow.Interval),
		interactions: responses.NewInteractionResponseGenerator(opts.Consent, clock, logger, opts.InteractionProviders...),
		discovery:    responses.NewDiscoveryResponseGenerator(opts.Resources, keys, opts.Issuer),
		userInfo:     responses.NewUserInfoResponseGenerator(opts.Resources, logger),

		auditor: auditor,
		clock:   clock,
		logger:  logger,
	}

	if opts.RateLimit.Rate > 0 {
		s.limiter = security.NewRateLimiter(opts.RateLimit.Rate, opts.RateLimit.Burst, logger)
	}
	if opts.Instrumentation != nil {
		s.metrics = opts.Instrumentation.Metrics()

		// Stores that can report their size feed the active-grants gauge.
		if counter, ok := opts.Grants.(interface{ Count() int }); ok {
			if err := opts.Instrumentation.RegisterGrantCountCallback(func() int64 {
				return int64(counter.Count())
			}); err != nil {
				logger.Warn("failed to register grant count gauge", "error", err)
			}
		}
	}

	return s, nil
}

// Token processes a token endpoint request: authenticate the client, run the
// grant-specific validation, then generate the token set.
func (s *Server) Token(ctx context.Context, credentials *ClientCredentials, parameters url.Values) (*TokenResponse, error) {
	started := s.clock.Now()
	grantType := parameters.Get(oidc.ParamGrantType)

	response, err := s.token(ctx, credentials, parameters)

	if s.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = errorCode(err)
		}
		s.metrics.RecordTokenRequest(ctx, grantType, outcome, s.clock.Now().Sub(started))
	}
	return response, err
}

func (s *Server) token(ctx context.Context, credentials *ClientCredentials, parameters url.Values) (*TokenResponse, error) {
	if credentials == nil {
		return nil, oidc.ErrInvalidClient("client credentials are missing")
	}
	if s.limiter != nil && !s.limiter.Allow(credentials.ID) {
		s.logger.Warn("token endpoint rate limit exceeded", "client_id", credentials.ID)
		return nil, oidc.NewProtocolError(oidc.ErrorCodeInvalidRequest, "too many requests", 429)
	}

	client, err := s.secrets.Validate(ctx, &validation.ParsedSecret{
		ID:           credentials.ID,
		Credential:   credentials.Secret,
		Presentation: credentials.Presentation,
	})
	if err != nil {
		s.recordValidationFailure(ctx, "token", err)
		return nil, err
	}

	request, err := s.tokenRequests.ValidateRequest(ctx, parameters, client)
	if err != nil {
		s.recordValidationFailure(ctx, "token", err)
		return nil, err
	}

	return s.tokenResponses.Process(ctx, request)
}

// Authorize processes an authorize endpoint request for an already
// authenticated (or anonymous) subject. When the request needs user
// interaction first, the interaction response is returned instead of an
// authorize response and the caller redirects to the login or consent UI.
// consent carries the decision when the request returns from the consent UI.
func (s *Server) Authorize(ctx context.Context, parameters url.Values, subject *storage.Subject, consent *ConsentMessage) (*AuthorizeResponse, *InteractionResponse, error) {
	request, err := s.authorizeReqs.ValidateRequest(ctx, parameters, subject)
	if err != nil {
		s.recordValidationFailure(ctx, "authorize", err)
		return nil, nil, err
	}

	interaction, err := s.interactions.Process(ctx, request, consent)
	if err != nil {
		return nil, nil, err
	}
	if interaction.IsInteractionRequired() {
		return nil, interaction, nil
	}

	response, err := s.authorizeResps.Process(ctx, request)
	if err != nil {
		return nil, nil, err
	}
	return response, nil, nil
}

// DeviceAuthorize processes a device authorization request (RFC 8628): the
// client authenticates, then receives a device code, user code and the
// verification URIs to show the user.
func (s *Server) DeviceAuthorize(ctx context.Context, credentials *ClientCredentials, parameters url.Values) (*DeviceAuthorizationResponse, error) {
	if credentials == nil {
		return nil, oidc.ErrInvalidClient("client credentials are missing")
	}

	client, err := s.secrets.Validate(ctx, &validation.ParsedSecret{
		ID:           credentials.ID,
		Credential:   credentials.Secret,
		Presentation: credentials.Presentation,
	})
	if err != nil {
		s.recordValidationFailure(ctx, "device_authorization", err)
		return nil, err
	}

	request, err := s.deviceRequests.ValidateRequest(ctx, parameters, client)
	if err != nil {
		s.recordValidationFailure(ctx, "device_authorization", err)
		return nil, err
	}

	return s.deviceResponses.Process(ctx, request)
}

// FindDeviceAuthorization resolves a pending device authorization by the user
// code the user typed into the verification UI.
func (s *Server) FindDeviceAuthorization(ctx context.Context, userCode string) (*storage.DeviceCode, error) {
	code, err := s.devices.FindByUserCode(ctx, userCode)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oidc.ErrInvalidGrant("unknown user code")
		}
		return nil, err
	}
	if security.IsExpired(s.clock, code.CreationTime.Add(time.Duration(code.Lifetime)*time.Second)) {
		return nil, oidc.ErrExpiredToken("device authorization has expired")
	}
	return code, nil
}

// CompleteDeviceAuthorization records the verification outcome for a user
// code. When authorized is false the next poll of the device receives
// access_denied; otherwise it receives tokens for the granted scopes.
func (s *Server) CompleteDeviceAuthorization(ctx context.Context, userCode string, subject *storage.Subject, grantedScopes []string, authorized bool) error {
	if authorized && subject == nil {
		return fmt.Errorf("subject is required to authorize a device")
	}

	code, err := s.devices.FindByUserCode(ctx, userCode)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return oidc.ErrInvalidGrant("unknown user code")
		}
		return err
	}
	if security.IsExpired(s.clock, code.CreationTime.Add(time.Duration(code.Lifetime)*time.Second)) {
		return oidc.ErrExpiredToken("device authorization has expired")
	}

	// IsAuthorized marks verification as completed; the outcome is encoded in
	// Subject. A completed record without a subject means the user denied.
	code.IsAuthorized = true
	if authorized {
		code.Subject = subject
		code.AuthorizedScopes = grantedScopes
	} else {
		code.Subject = nil
		code.AuthorizedScopes = nil
	}
	return s.devices.UpdateByUserCode(ctx, userCode, code)
}

// EndSession validates an end-session (logout) request. The returned request
// tells the hosting layer which session to terminate and whether a
// post-logout redirect was approved.
func (s *Server) EndSession(ctx context.Context, parameters url.Values, subject *storage.Subject) (*EndSessionRequest, error) {
	request, err := s.endSessions.ValidateRequest(ctx, parameters, subject)
	if err != nil {
		s.recordValidationFailure(ctx, "end_session", err)
		return nil, err
	}

	// Revoke the session's refresh tokens so logout invalidates long-lived
	// credentials, not just the cookie.
	if request.Subject != nil && request.Client != nil {
		if err := s.refresh.RemoveAll(ctx, request.Subject.ID, request.Client.ClientID); err != nil {
			s.logger.Warn("failed to revoke refresh tokens on logout",
				"subject_id", request.Subject.ID,
				"client_id", request.Client.ClientID,
				"error", err)
		}
	}
	return request, nil
}

// UserInfo validates the presented access token and returns the released
// identity claims. The token must carry the openid scope.
func (s *Server) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	result, err := s.accessTokens.Validate(ctx, accessToken, oidc.ScopeOpenID)
	if err != nil {
		s.recordValidationFailure(ctx, "userinfo", err)
		return nil, err
	}
	return s.userInfo.Process(ctx, result)
}

// ValidateAccessToken checks a presented access token, optionally requiring a
// scope. For protected resources hosted next to the engine.
func (s *Server) ValidateAccessToken(ctx context.Context, accessToken, requiredScope string) (*AccessTokenValidationResult, error) {
	return s.accessTokens.Validate(ctx, accessToken, requiredScope)
}

// Revoke revokes a refresh token or reference access token presented by the
// client that owns it (RFC 7009). Unknown tokens succeed silently.
func (s *Server) Revoke(ctx context.Context, credentials *ClientCredentials, token string) error {
	if credentials == nil {
		return oidc.ErrInvalidClient("client credentials are missing")
	}

	client, err := s.secrets.Validate(ctx, &validation.ParsedSecret{
		ID:           credentials.ID,
		Credential:   credentials.Secret,
		Presentation: credentials.Presentation,
	})
	if err != nil {
		return err
	}

	if refresh, err := s.refresh.Get(ctx, token); err == nil {
		if refresh.ClientID != client.ClientID {
			s.logger.Warn("revocation attempt for foreign refresh token", "client_id", client.ClientID)
			return nil
		}
		return s.refresh.Remove(ctx, token)
	}

	if ref, err := s.reference.Get(ctx, token); err == nil {
		if ref.Token == nil || ref.Token.ClientID != client.ClientID {
			s.logger.Warn("revocation attempt for foreign reference token", "client_id", client.ClientID)
			return nil
		}
		return s.reference.Remove(ctx, token)
	}

	return nil
}

// Discovery builds the discovery document metadata.
func (s *Server) Discovery(ctx context.Context) (*DiscoveryDocument, error) {
	return s.discovery.Process(ctx)
}

// Close releases background resources.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

func (s *Server) recordValidationFailure(ctx context.Context, endpoint string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordValidationFailure(ctx, endpoint, errorCode(err))
}

// errorCode extracts the wire-level error code, or server_error for internal
// failures.
func errorCode(err error) string {
	var protocolErr *oidc.ProtocolError
	if errors.As(err, &protocolErr) {
		return protocolErr.Code
	}
	return oidc.ErrorCodeServerError
}
