package validation

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/security"
	"github.com/idsvr/idsvr/storage"
)

// ParsedSecret is a client credential as presented to an endpoint, after the
// transport layer extracted it from the Authorization header or request body.
type ParsedSecret struct {
	// ID is the client id the credential claims to belong to.
	ID string

	// Credential is the raw presented secret. Empty for public clients.
	Credential string

	// Presentation records how the credential arrived
	// (oidc.SecretPresentationBasic or oidc.SecretPresentationPostBody).
	Presentation string
}

// SecretValidator checks a presented credential against stored secret records
// of the type it understands.
type SecretValidator interface {
	// SecretType returns the storage secret type this validator handles.
	SecretType() string

	// Verify reports whether the presented credential matches the stored
	// secret value.
	Verify(stored storage.Secret, presented string) bool
}

// SharedSha256SecretValidator validates secrets stored as base64-encoded
// sha256 hashes, in constant time.
type SharedSha256SecretValidator struct{}

func (SharedSha256SecretValidator) SecretType() string { return oidc.SecretTypeSharedSha256 }

func (SharedSha256SecretValidator) Verify(stored storage.Secret, presented string) bool {
	sum := sha256.Sum256([]byte(presented))
	hashed := base64.StdEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(hashed), []byte(stored.Value)) == 1
}

// SharedBcryptSecretValidator validates secrets stored as bcrypt hashes.
type SharedBcryptSecretValidator struct{}

func (SharedBcryptSecretValidator) SecretType() string { return oidc.SecretTypeSharedBcrypt }

func (SharedBcryptSecretValidator) Verify(stored storage.Secret, presented string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored.Value), []byte(presented)) == nil
}

// ClientSecretValidator resolves and authenticates the client behind a parsed
// secret. Secret validators are consulted in registration order; the first
// validator whose type matches a stored secret and verifies the credential
// wins.
type ClientSecretValidator struct {
	clients    storage.ClientStore
	validators []SecretValidator
	clock      security.Clock
	auditor    *security.Auditor
	logger     *slog.Logger
}

// NewClientSecretValidator creates a client secret validator. When no secret
// validators are given, the built-in sha256 and bcrypt validators are
// registered.
func NewClientSecretValidator(clients storage.ClientStore, clock security.Clock, auditor *security.Auditor, logger *slog.Logger, validators ...SecretValidator) *ClientSecretValidator {
	if len(validators) == 0 {
		validators = []SecretValidator{
			SharedSha256SecretValidator{},
			SharedBcryptSecretValidator{},
		}
	}
	if clock == nil {
		clock = security.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientSecretValidator{
		clients:    clients,
		validators: validators,
		clock:      clock,
		auditor:    auditor,
		logger:     logger,
	}
}

// Validate authenticates the client. Failures are reported to the caller as
// invalid_client without distinguishing unknown clients from bad credentials;
// the detailed reason goes to the debug log and the audit trail.
func (v *ClientSecretValidator) Validate(ctx context.Context, parsed *ParsedSecret) (*storage.Client, error) {
	if parsed == nil || parsed.ID == "" {
		return nil, oidc.ErrInvalidClient("client credentials are missing")
	}

	client, err := v.clients.FindClientByID(ctx, parsed.ID)
	if err != nil {
		v.logger.Debug("client not found", "client_id", parsed.ID)
		v.auditor.LogClientAuthFailure(parsed.ID, "unknown client")
		return nil, oidc.ErrInvalidClient("invalid client credentials")
	}
	if !client.Enabled {
		v.logger.Debug("client is disabled", "client_id", parsed.ID)
		v.auditor.LogClientAuthFailure(parsed.ID, "client disabled")
		return nil, oidc.ErrInvalidClient("invalid client credentials")
	}

	if !client.RequireClientSecret {
		return client, nil
	}

	if parsed.Credential == "" {
		v.auditor.LogClientAuthFailure(parsed.ID, "missing secret")
		return nil, oidc.ErrInvalidClient("invalid client credentials")
	}
	if client.SecretPresentation != "" && parsed.Presentation != "" && client.SecretPresentation != parsed.Presentation {
		v.logger.Debug("secret presentation mismatch",
			"client_id", parsed.ID,
			"expected", client.SecretPresentation,
			"actual", parsed.Presentation,
		)
		v.auditor.LogClientAuthFailure(parsed.ID, "secret presentation mismatch")
		return nil, oidc.ErrInvalidClient("invalid client credentials")
	}

	now := v.clock.Now()
	live := make([]storage.Secret, 0, len(client.ClientSecrets))
	for _, secret := range client.ClientSecrets {
		if secret.IsExpired(now) {
			v.logger.Info("skipping expired client secret", "client_id", parsed.ID, "description", secret.Description)
			continue
		}
		live = append(live, secret)
	}

	for _, validator := range v.validators {
		for _, secret := range live {
			if secret.Type != validator.SecretType() {
				continue
			}
			if validator.Verify(secret, parsed.Credential) {
				return client, nil
			}
		}
	}

	v.logger.Debug("no secret validator accepted the credential", "client_id", parsed.ID)
	v.auditor.LogClientAuthFailure(parsed.ID, "secret mismatch")
	return nil, oidc.ErrInvalidClient("invalid client credentials")
}
