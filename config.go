package idsvr

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/idsvr/idsvr/instrumentation"
	"github.com/idsvr/idsvr/internal/util"
	"github.com/idsvr/idsvr/responses"
	"github.com/idsvr/idsvr/security"
	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/storage/memory"
	"github.com/idsvr/idsvr/tokens"
	"github.com/idsvr/idsvr/validation"
)

// Options holds the server configuration. Stores and keys are required;
// everything else has sensible defaults applied by NewServer.
type Options struct {
	// Issuer is the server's issuer identifier (base URL). Required.
	Issuer string

	// SigningKeys is the key material for token signing. The first key is
	// the default. Required.
	SigningKeys []tokens.SigningKey

	// Grants is the persisted grant store backing codes, refresh tokens,
	// device codes and reference tokens. Required.
	Grants storage.PersistedGrantStore

	// Clients resolves client registrations. Required.
	Clients storage.ClientStore

	// Resources resolves identity resources, API resources and scopes.
	// Required.
	Resources storage.ResourceStore

	// Consent stores remembered user consent. Defaults to an in-memory
	// store.
	Consent storage.ConsentStore

	// Cache backs device-flow throttling. Defaults to an in-memory cache.
	Cache security.Cache

	// Handles generates opaque token and code handles. Defaults to the
	// crypto-random generator.
	Handles storage.HandleGenerator

	// PasswordValidator enables the resource owner password grant. When nil
	// the grant is rejected.
	PasswordValidator validation.ResourceOwnerPasswordValidator

	// ExtensionGrants register custom grant types by grant-type string.
	ExtensionGrants []validation.ExtensionGrantValidator

	// CustomTokenValidators run last in token request validation.
	CustomTokenValidators []validation.CustomTokenRequestValidator

	// InteractionProviders contribute custom redirects between the login and
	// consent checks of the authorize pipeline.
	InteractionProviders []responses.InteractionProvider

	// DeviceFlow configures the device authorization grant.
	DeviceFlow DeviceFlowOptions

	// RateLimit configures per-client token endpoint rate limiting.
	RateLimit RateLimitOptions

	// EmitScopesAsSpaceDelimitedStringInJWT emits the scope claim as one
	// space-joined string instead of an array.
	EmitScopesAsSpaceDelimitedStringInJWT bool

	// EnableAuditLogging turns on the security audit event log.
	EnableAuditLogging bool

	// Clock is the time source, injectable for tests. Defaults to UTC
	// system time.
	Clock security.Clock

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// Instrumentation holds the OpenTelemetry providers. Optional.
	Instrumentation *instrumentation.Instrumentation
}

// DeviceFlowOptions configures the device authorization grant (RFC 8628).
type DeviceFlowOptions struct {
	// VerificationURI is where users enter their user code. Defaults to
	// Issuer + "/device".
	VerificationURI string

	// Interval is the minimum polling interval in seconds. Defaults to 5.
	Interval int
}

// RateLimitOptions configures per-client token endpoint rate limiting.
type RateLimitOptions struct {
	// Rate is requests per second allowed per client. Zero disables
	// limiting.
	Rate int

	// Burst is the maximum burst size allowed per client.
	Burst int
}

// Validate checks that the required options are set and well formed.
func (o *Options) Validate() error {
	if o.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	parsed, err := url.Parse(o.Issuer)
	if err != nil {
		return fmt.Errorf("issuer is not a valid URL: %w", err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("issuer must be an absolute URL")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("issuer must not contain a query or fragment")
	}
	if len(o.SigningKeys) == 0 {
		return fmt.Errorf("at least one signing key is required")
	}
	if o.Grants == nil {
		return fmt.Errorf("grant store is required")
	}
	if o.Clients == nil {
		return fmt.Errorf("client store is required")
	}
	if o.Resources == nil {
		return fmt.Errorf("resource store is required")
	}
	if o.RateLimit.Rate > 0 && o.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit burst must be positive when rate limiting is enabled")
	}
	if o.DeviceFlow.Interval < 0 {
		return fmt.Errorf("device flow interval must not be negative")
	}
	return nil
}

// applyDefaults fills in unset optional collaborators.
func (o *Options) applyDefaults() {
	if o.Clock == nil {
		o.Clock = security.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Handles == nil {
		o.Handles = tokens.DefaultHandleGenerator{}
	}
	if o.Consent == nil {
		o.Consent = memory.NewConsentStore(o.Clock)
	}
	if o.Cache == nil {
		o.Cache = memory.NewCache(o.Clock)
	}
	if o.DeviceFlow.Interval == 0 {
		o.DeviceFlow.Interval = 5
	}
	if o.DeviceFlow.VerificationURI == "" {
		o.DeviceFlow.VerificationURI = util.NormalizeURL(o.Issuer) + "/device"
	}
}
