// Package testutil provides shared fixtures for the engine's tests: a
// settable clock, canned clients and resources, and signing keys.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/tokens"
)

// Clock is a settable time source for tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock frozen at the given instant.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to an absolute instant.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Sha256Secret hashes a plaintext secret the way the sha256 secret validator
// expects it stored.
func Sha256Secret(plaintext string) storage.Secret {
	sum := sha256.Sum256([]byte(plaintext))
	return storage.Secret{
		Value: base64.StdEncoding.EncodeToString(sum[:]),
		Type:  oidc.SecretTypeSharedSha256,
	}
}

// ClientCredentialsClient returns the canonical machine-to-machine test
// client: id "client", secret "secret", allowed scope api1.
func ClientCredentialsClient() *storage.Client {
	return &storage.Client{
		ClientID:            "client",
		Enabled:             true,
		AllowedGrantTypes:   []string{oidc.GrantTypeClientCredentials},
		AllowedScopes:       []string{"api1"},
		ClientSecrets:       []storage.Secret{Sha256Secret("secret")},
		RequireClientSecret: true,
		AccessTokenLifetime: 3600,
		AccessTokenStyle:    oidc.AccessTokenStyleJWT,
	}
}

// CodeClient returns an authorization-code test client with PKCE required and
// offline access allowed.
func CodeClient() *storage.Client {
	return &storage.Client{
		ClientID: "codeclient",
		Enabled:  true,
		AllowedGrantTypes: []string{
			oidc.GrantTypeAuthorizationCode,
			oidc.GrantTypeRefreshToken,
		},
		AllowedScopes:             []string{oidc.ScopeOpenID, oidc.ScopeProfile, "api1"},
		RedirectURIs:              []string{"https://client.example.com/callback"},
		PostLogoutRedirectURIs:    []string{"https://client.example.com/signed-out"},
		ClientSecrets:             []storage.Secret{Sha256Secret("secret")},
		RequireClientSecret:       true,
		RequirePKCE:               true,
		AllowOfflineAccess:        true,
		AccessTokenLifetime:       3600,
		IdentityTokenLifetime:     300,
		AuthorizationCodeLifetime: 300,
		AccessTokenStyle:          oidc.AccessTokenStyleJWT,
		RefreshTokenUsage:         oidc.RefreshTokenUsageOneTime,
	}
}

// DeviceClient returns a device-flow test client.
func DeviceClient() *storage.Client {
	return &storage.Client{
		ClientID:            "deviceclient",
		Enabled:             true,
		AllowedGrantTypes:   []string{oidc.GrantTypeDeviceCode},
		AllowedScopes:       []string{oidc.ScopeOpenID, "api1"},
		ClientSecrets:       []storage.Secret{Sha256Secret("secret")},
		RequireClientSecret: true,
		AccessTokenLifetime: 3600,
		DeviceCodeLifetime:  300,
		AccessTokenStyle:    oidc.AccessTokenStyleJWT,
	}
}

// TestResources returns the canned resource configuration: the openid and
// profile identity resources plus an "api" resource exposing scope api1.
func TestResources() ([]storage.IdentityResource, []storage.ApiResource, []storage.ApiScope) {
	identity := []storage.IdentityResource{
		{Name: oidc.ScopeOpenID, Required: true, UserClaims: []string{oidc.ClaimSubject}},
		{Name: oidc.ScopeProfile, UserClaims: []string{oidc.ClaimName, oidc.ClaimEmail}},
	}
	apis := []storage.ApiResource{
		{Name: "api", Scopes: []string{"api1"}},
	}
	scopes := []storage.ApiScope{
		{Name: "api1"},
	}
	return identity, apis, scopes
}

// Alice returns a test subject with an active session.
func Alice(authTime time.Time) *storage.Subject {
	return &storage.Subject{
		ID:                    "alice",
		AuthenticationTime:    authTime,
		IdentityProvider:      "local",
		AuthenticationMethods: []string{"pwd"},
		SessionID:             "session-1",
		Claims: []storage.Claim{
			storage.NewClaim(oidc.ClaimName, "Alice"),
			storage.NewClaim(oidc.ClaimEmail, "alice@example.com"),
		},
	}
}

// RSASigningKey generates a fresh RS256 signing key.
func RSASigningKey(t *testing.T) tokens.SigningKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	return tokens.SigningKey{
		ID:         "test-rs256",
		Algorithm:  oidc.AlgRS256,
		PrivateKey: key,
	}
}

// HMACSigningKey returns a deterministic HS256 signing key.
func HMACSigningKey() tokens.SigningKey {
	return tokens.SigningKey{
		ID:         "test-hs256",
		Algorithm:  oidc.AlgHS256,
		PrivateKey: []byte("0123456789abcdef0123456789abcdef"),
	}
}
