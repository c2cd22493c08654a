package responses_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idsvr/idsvr/internal/testutil"
	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/responses"
	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/storage/memory"
	"github.com/idsvr/idsvr/validation"
)

func interactionRequest(client *storage.Client, subject *storage.Subject) *validation.ValidatedAuthorizeRequest {
	request := &validation.ValidatedAuthorizeRequest{
		Client:  client,
		Subject: subject,
		Resources: &validation.ValidatedResources{
			ParsedScopes: []storage.ParsedScopeValue{
				{RawValue: "openid", ParsedName: "openid"},
				{RawValue: "api1", ParsedName: "api1"},
			},
		},
	}
	if subject != nil {
		request.SessionID = subject.SessionID
	}
	return request
}

func newInteractionFixture(clock *testutil.Clock, providers ...responses.InteractionProvider) (*responses.InteractionResponseGenerator, *memory.ConsentStore) {
	consent := memory.NewConsentStore(clock)
	return responses.NewInteractionResponseGenerator(consent, clock, nil, providers...), consent
}

func TestInteractionLogin(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	ctx := context.Background()

	t.Run("anonymous user must log in", func(t *testing.T) {
		generator, _ := newInteractionFixture(clock)
		response, err := generator.Process(ctx, interactionRequest(testutil.CodeClient(), nil), nil)
		require.NoError(t, err)
		assert.True(t, response.IsLogin)
		assert.False(t, response.IsConsent)
	})

	t.Run("anonymous user with prompt=none fails", func(t *testing.T) {
		generator, _ := newInteractionFixture(clock)
		request := interactionRequest(testutil.CodeClient(), nil)
		request.PromptModes = []string{responses.PromptNone}

		response, err := generator.Process(ctx, request, nil)
		require.NoError(t, err)
		require.NotNil(t, response.Error)
		assert.Equal(t, oidc.ErrorCodeLoginRequired, response.Error.Code)
	})

	t.Run("authenticated session proceeds", func(t *testing.T) {
		generator, _ := newInteractionFixture(clock)
		request := interactionRequest(testutil.CodeClient(), testutil.Alice(clock.Now().Add(-time.Minute)))

		response, err := generator.Process(ctx, request, nil)
		require.NoError(t, err)
		assert.False(t, response.IsInteractionRequired())
	})

	t.Run("prompt=login forces re-authentication", func(t *testing.T) {
		generator, _ := newInteractionFixture(clock)
		request := interactionRequest(testutil.CodeClient(), testutil.Alice(clock.Now()))
		request.PromptModes = []string{responses.PromptLogin}

		response, err := generator.Process(ctx, request, nil)
		require.NoError(t, err)
		assert.True(t, response.IsLogin)
	})

	t.Run("prompt=none with prompt=login is contradictory", func(t *testing.T) {
		generator, _ := newInteractionFixture(clock)
		request := interactionRequest(testutil.CodeClient(), testutil.Alice(clock.Now()))
		request.PromptModes = []string{responses.PromptNone, responses.PromptLogin}

		response, err := generator.Process(ctx, request, nil)
		require.NoError(t, err)
		require.NotNil(t, response.Error)
		assert.Equal(t, oidc.ErrorCodeInteractionRequired, response.Error.Code)
	})

	t.Run("stale session against max_age requires login", func(t *testing.T) {
		generator, _ := newInteractionFixture(clock)
		request := interactionRequest(testutil.CodeClient(), testutil.Alice(clock.Now().Add(-time.Hour)))
		maxAge := 600
		request.MaxAge = &maxAge

		response, err := generator.Process(ctx, request, nil)
		require.NoError(t, err)
		assert.True(t, response.IsLogin)
	})

	t.Run("stale session with prompt=none fails", func(t *testing.T) {
		generator, _ := newInteractionFixture(clock)
		request := interactionRequest(testutil.CodeClient(), testutil.Alice(clock.Now().Add(-time.Hour)))
		maxAge := 600
		request.MaxAge = &maxAge
		request.PromptModes = []string{responses.PromptNone}

		response, err := generator.Process(ctx, request, nil)
		require.NoError(t, err)
		require.NotNil(t, response.Error)
		assert.Equal(t, oidc.ErrorCodeLoginRequired, response.Error.Code)
	})

	t.Run("session older than client sso lifetime requires login", func(t *testing.T) {
		generator, _ := newInteractionFixture(clock)
		client := testutil.CodeClient()
		client.UserSsoLifetime = 1800
		request := interactionRequest(client, testutil.Alice(clock.Now().Add(-time.Hour)))

		response, err := generator.Process(ctx, request, nil)
		require.NoError(t, err)
		assert.True(t, response.IsLogin)
	})

	t.Run("idp restriction forces fresh login", func(t *testing.T) {
		generator, _ := newInteractionFixture(clock)
		client := testutil.CodeClient()
		client.IdentityProviderRestrictions = []string{"corporate-saml"}
		request := interactionRequest(client, testutil.Alice(clock.Now()))

		response, err := generator.Process(ctx, request, nil)
		require.NoError(t, err)
		assert.True(t, response.IsLogin)
	})

	t.Run("login is checked before consent", func(t *testing.T) {
		generator, _ := newInteractionFixture(clock)
		client := testutil.CodeClient()
		client.RequireConsent = true

		response, err := generator.Process(ctx, interactionRequest(client, nil), nil)
		require.NoError(t, err)
		assert.True(t, response.IsLogin)
		assert.False(t, response.IsConsent)
	})
}

func TestInteractionConsent(t *testing.T) {
	ctx := context.Background()

	consentClient := func() *storage.Client {
		client := testutil.CodeClient()
		client.RequireConsent = true
		return client
	}

	t.Run("consent required", func(t *testing.T) {
		clock := testutil.NewClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
		generator, _ := newInteractionFixture(clock)
		request := interactionRequest(consentClient(), testutil.Alice(clock.Now()))

		response, err := generator.Process(ctx, request, nil)
		require.NoError(t, err)
		assert.True(t, response.IsConsent)
	})

	t.Run("remembered consent covering all scopes skips the prompt", func(t *testing.T) {
		clock := testutil.NewClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
		generator, consent := newInteractionFixture(clock)
		require.NoError(t, consent.Save(ctx, &storage.UserConsent{
			SubjectID:    "alice",
			ClientID:     "codeclient",
			Scopes:       []string{"openid", "api1"},
			CreationTime: clock.Now(),
		}))

		response, err := generator.Process(ctx, interactionRequest(consentClient(), testutil.Alice(clock.Now())), nil)
		require.NoError(t, err)
		assert.False(t, response.IsInteractionRequired())
	})

	t.Run("partial consent still prompts", func(t *testing.T) {
		clock := testutil.NewClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
		generator, consent := newInteractionFixture(clock)
		require.NoError(t, consent.Save(ctx, &storage.UserConsent{
			SubjectID:    "alice",
			ClientID:     "codeclient",
			Scopes:       []string{"openid"},
			CreationTime: clock.Now(),
		}))

		response, err := generator.Process(ctx, interactionRequest(consentClient(), testutil.Alice(clock.Now())), nil)
		require.NoError(t, err)
		assert.True(t, response.IsConsent)
	})

	t.Run("prompt=consent ignores remembered consent", func(t *testing.T) {
		clock := testutil.NewClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
		generator, consent := newInteractionFixture(clock)
		require.NoError(t, consent.Save(ctx, &storage.UserConsent{
			SubjectID:    "alice",
			ClientID:     "codeclient",
			Scopes:       []string{"openid", "api1"},
			CreationTime: clock.Now(),
		}))

		request := interactionRequest(testutil.CodeClient(), testutil.Alice(clock.Now()))
		request.PromptModes = []string{responses.PromptConsent}

		response, err := generator.Process(ctx, request, nil)
		require.NoError(t, err)
		assert.True(t, response.IsConsent)
	})

	t.Run("prompt=none with consent required fails", func(t *testing.T) {
		clock := testutil.NewClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
		generator, _ := newInteractionFixture(clock)
		request := interactionRequest(consentClient(), testutil.Alice(clock.Now()))
		request.PromptModes = []string{responses.PromptNone}

		response, err := generator.Process(ctx, request, nil)
		require.NoError(t, err)
		require.NotNil(t, response.Error)
		assert.Equal(t, oidc.ErrorCodeConsentRequired, response.Error.Code)
	})

	t.Run("granted consent message proceeds and is remembered", func(t *testing.T) {
		clock := testutil.NewClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
		generator, consent := newInteractionFixture(clock)
		request := interactionRequest(consentClient(), testutil.Alice(clock.Now()))

		response, err := generator.Process(ctx, request, &responses.ConsentMessage{
			Data: &responses.ConsentDecision{
				Granted:         true,
				ScopesConsented: []string{"openid", "api1"},
				RememberConsent: true,
			},
		})
		require.NoError(t, err)
		assert.False(t, response.IsInteractionRequired())
		assert.True(t, request.WasConsentShown)

		stored, err := consent.Load(ctx, "alice", "codeclient")
		require.NoError(t, err)
		assert.True(t, stored.ContainsScopes([]string{"openid", "api1"}))
	})

	t.Run("denied consent message fails the request", func(t *testing.T) {
		clock := testutil.NewClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
		generator, _ := newInteractionFixture(clock)
		request := interactionRequest(consentClient(), testutil.Alice(clock.Now()))

		response, err := generator.Process(ctx, request, &responses.ConsentMessage{
			Data: &responses.ConsentDecision{Granted: false},
		})
		require.NoError(t, err)
		require.NotNil(t, response.Error)
		assert.Equal(t, oidc.ErrorCodeAccessDenied, response.Error.Code)
	})

	t.Run("consent message without payload is a hosting bug", func(t *testing.T) {
		clock := testutil.NewClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
		generator, _ := newInteractionFixture(clock)
		request := interactionRequest(consentClient(), testutil.Alice(clock.Now()))

		_, err := generator.Process(ctx, request, &responses.ConsentMessage{})
		assert.Error(t, err)
	})
}

type redirectProvider struct{ url string }

func (p redirectProvider) Process(context.Context, *validation.ValidatedAuthorizeRequest) (string, error) {
	return p.url, nil
}

func TestInteractionCustomProvider(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))

	t.Run("provider redirect wins over consent", func(t *testing.T) {
		generator, _ := newInteractionFixture(clock, redirectProvider{url: "https://idsvr4/mfa"})
		client := testutil.CodeClient()
		client.RequireConsent = true

		response, err := generator.Process(ctx, interactionRequest(client, testutil.Alice(clock.Now())), nil)
		require.NoError(t, err)
		assert.Equal(t, "https://idsvr4/mfa", response.RedirectURL)
		assert.False(t, response.IsConsent)
	})

	t.Run("provider runs only for authenticated users", func(t *testing.T) {
		generator, _ := newInteractionFixture(clock, redirectProvider{url: "https://idsvr4/mfa"})

		response, err := generator.Process(ctx, interactionRequest(testutil.CodeClient(), nil), nil)
		require.NoError(t, err)
		assert.True(t, response.IsLogin)
		assert.Empty(t, response.RedirectURL)
	})
}
