package responses

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/security"
	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/validation"
)

// Prompt parameter values understood by the interaction generator.
const (
	PromptNone    = "none"
	PromptLogin   = "login"
	PromptConsent = "consent"
)

// ConsentMessage is the user's consent decision round-tripped from the
// consent UI. A message that arrives without its data payload is a hosting
// bug and fails the request.
type ConsentMessage struct {
	Data *ConsentDecision
}

// ConsentDecision is the payload of a consent round-trip.
type ConsentDecision struct {
	Granted bool

	// ScopesConsented lists the scope values the user approved. Must cover the
	// requested set; partial consent narrows it.
	ScopesConsented []string

	// RememberConsent persists the decision for future requests.
	RememberConsent bool
}

// InteractionProvider is a registered hook that can veto an otherwise valid
// authorize request with a custom redirect (e.g. stepped-up authentication).
type InteractionProvider interface {
	// Process returns a redirect URL to divert the user to, or empty to let
	// the request continue.
	Process(ctx context.Context, request *validation.ValidatedAuthorizeRequest) (string, error)
}

// InteractionResponseGenerator decides whether a validated authorize request
// can proceed to response generation or first needs login, consent or a
// custom interaction. The login check always precedes the consent check.
type InteractionResponseGenerator struct {
	consent   storage.ConsentStore
	providers []InteractionProvider
	clock     security.Clock
	logger    *slog.Logger
}

// NewInteractionResponseGenerator creates an interaction response generator.
func NewInteractionResponseGenerator(consent storage.ConsentStore, clock security.Clock, logger *slog.Logger, providers ...InteractionProvider) *InteractionResponseGenerator {
	if clock == nil {
		clock = security.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InteractionResponseGenerator{
		consent:   consent,
		providers: providers,
		clock:     clock,
		logger:    logger,
	}
}

// Process evaluates the interaction rules for the request. consentMessage is
// non-nil only when the request is returning from the consent UI.
func (g *InteractionResponseGenerator) Process(ctx context.Context, request *validation.ValidatedAuthorizeRequest, consentMessage *ConsentMessage) (*InteractionResponse, error) {
	response, err := g.processLogin(request)
	if err != nil {
		return nil, err
	}
	if response.IsInteractionRequired() {
		return response, nil
	}

	for _, provider := range g.providers {
		redirect, err := provider.Process(ctx, request)
		if err != nil {
			return nil, err
		}
		if redirect != "" {
			return &InteractionResponse{RedirectURL: redirect}, nil
		}
	}

	return g.processConsent(ctx, request, consentMessage)
}

func (g *InteractionResponseGenerator) processLogin(request *validation.ValidatedAuthorizeRequest) (*InteractionResponse, error) {
	promptNone := hasPrompt(request.PromptModes, PromptNone)

	if hasPrompt(request.PromptModes, PromptLogin) {
		if promptNone {
			return &InteractionResponse{Error: oidc.NewProtocolError(oidc.ErrorCodeInteractionRequired, "prompt=none cannot be combined with prompt=login", 400)}, nil
		}
		return &InteractionResponse{IsLogin: true}, nil
	}

	if request.Subject == nil {
		if promptNone {
			return &InteractionResponse{Error: oidc.NewProtocolError(oidc.ErrorCodeLoginRequired, "user is not authenticated", 400)}, nil
		}
		return &InteractionResponse{IsLogin: true}, nil
	}

	// The session must be fresh enough for both the request's max_age and the
	// client's SSO lifetime.
	now := g.clock.Now()
	if request.MaxAge != nil {
		age := now.Sub(request.Subject.AuthenticationTime)
		if age > time.Duration(*request.MaxAge)*time.Second {
			g.logger.Debug("session exceeds requested max_age", "client_id", request.Client.ClientID)
			return g.loginOrError(promptNone)
		}
	}
	if request.Client.UserSsoLifetime > 0 {
		age := now.Sub(request.Subject.AuthenticationTime)
		if age > time.Duration(request.Client.UserSsoLifetime)*time.Second {
			g.logger.Debug("session exceeds client SSO lifetime", "client_id", request.Client.ClientID)
			return g.loginOrError(promptNone)
		}
	}

	if len(request.Client.IdentityProviderRestrictions) > 0 {
		allowed := false
		for _, idp := range request.Client.IdentityProviderRestrictions {
			if idp == request.Subject.IdentityProvider {
				allowed = true
				break
			}
		}
		if !allowed {
			g.logger.Debug("session identity provider not allowed for client",
				"client_id", request.Client.ClientID, "idp", request.Subject.IdentityProvider)
			return g.loginOrError(promptNone)
		}
	}

	return &InteractionResponse{}, nil
}

func (g *InteractionResponseGenerator) loginOrError(promptNone bool) (*InteractionResponse, error) {
	if promptNone {
		return &InteractionResponse{Error: oidc.NewProtocolError(oidc.ErrorCodeLoginRequired, "login is required", 400)}, nil
	}
	return &InteractionResponse{IsLogin: true}, nil
}

func (g *InteractionResponseGenerator) processConsent(ctx context.Context, request *validation.ValidatedAuthorizeRequest, message *ConsentMessage) (*InteractionResponse, error) {
	promptNone := hasPrompt(request.PromptModes, PromptNone)
	promptConsent := hasPrompt(request.PromptModes, PromptConsent)

	needsConsent := request.Client.RequireConsent || promptConsent
	if needsConsent && !promptConsent {
		// Previously stored consent covering every requested scope removes the
		// need to prompt again.
		stored, err := g.consent.Load(ctx, request.Subject.ID, request.Client.ClientID)
		if err == nil && stored.ContainsScopes(request.Resources.RawScopeValues()) {
			needsConsent = false
		} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	if !needsConsent {
		return &InteractionResponse{}, nil
	}

	// A consent message from a prior round-trip short-circuits prompting, but
	// an empty message is a contract violation, not a denial.
	if message != nil {
		if message.Data == nil {
			return nil, errors.New("consent message is missing its data payload")
		}
		if !message.Data.Granted {
			return &InteractionResponse{Error: oidc.NewProtocolError(oidc.ErrorCodeAccessDenied, "user denied consent", 403)}, nil
		}
		if message.Data.RememberConsent {
			err := g.consent.Save(ctx, &storage.UserConsent{
				SubjectID:    request.Subject.ID,
				ClientID:     request.Client.ClientID,
				Scopes:       message.Data.ScopesConsented,
				CreationTime: g.clock.Now(),
			})
			if err != nil {
				return nil, err
			}
		}
		request.WasConsentShown = true
		return &InteractionResponse{}, nil
	}

	if promptNone {
		return &InteractionResponse{Error: oidc.NewProtocolError(oidc.ErrorCodeConsentRequired, "consent is required", 400)}, nil
	}
	return &InteractionResponse{IsConsent: true}, nil
}

func hasPrompt(modes []string, mode string) bool {
	for _, m := range modes {
		if m == mode {
			return true
		}
	}
	return false
}
