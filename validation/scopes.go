package validation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/storage"
)

// ScopeValidator cross-checks requested scope values against the resource
// store and the client's allowed-scope set. Scope grants are all-or-nothing:
// one unknown or unauthorized value rejects the whole request.
type ScopeValidator struct {
	resources storage.ResourceStore
	logger    *slog.Logger
}

// NewScopeValidator creates a scope validator.
func NewScopeValidator(resources storage.ResourceStore, logger *slog.Logger) *ScopeValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScopeValidator{resources: resources, logger: logger}
}

// ParseScopeString splits a space-delimited scope parameter into its values,
// dropping empty fields and duplicates while preserving order.
func ParseScopeString(raw string) []string {
	fields := strings.Fields(raw)
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// scopeValidationOptions tailors scope validation to the requesting grant.
type scopeValidationOptions struct {
	// apiOnly forbids identity scopes and offline_access; used by
	// client_credentials.
	apiOnly bool
}

// Validate resolves the requested scope values. An empty request falls back
// to the client's allowed scopes acting as its defaults; a client with no
// allowed scopes yields invalid_scope rather than an empty grant.
func (v *ScopeValidator) Validate(ctx context.Context, client *storage.Client, requested []string, opts scopeValidationOptions) (*ValidatedResources, error) {
	if len(requested) == 0 {
		if len(client.AllowedScopes) == 0 {
			v.logger.Debug("no scopes requested and client has no default scopes", "client_id", client.ClientID)
			return nil, oidc.ErrInvalidScope("no scopes requested")
		}
		requested = client.AllowedScopes
	}

	var offlineAccess bool
	values := make([]string, 0, len(requested))
	lookup := make([]string, 0, len(requested)*2)
	for _, raw := range requested {
		if raw == oidc.ScopeOfflineAccess {
			if opts.apiOnly {
				v.logger.Debug("offline_access is not allowed for this grant", "client_id", client.ClientID)
				return nil, oidc.ErrInvalidScope("offline_access is not allowed")
			}
			if !client.AllowOfflineAccess {
				v.logger.Debug("client is not allowed offline_access", "client_id", client.ClientID)
				return nil, oidc.ErrInvalidScope("offline_access is not allowed")
			}
			offlineAccess = true
			continue
		}
		values = append(values, raw)
		lookup = append(lookup, raw)
		// Parameterized scopes are also looked up by base name.
		if name, param, ok := strings.Cut(raw, ":"); ok && name != "" && param != "" {
			lookup = append(lookup, name)
		}
	}

	resources, err := v.resources.FindResourcesByScopeName(ctx, lookup)
	if err != nil {
		return nil, fmt.Errorf("failed to load resources for scopes: %w", err)
	}

	parsed := make([]storage.ParsedScopeValue, 0, len(values))
	for _, raw := range values {
		value, identityScope, ok := resolveScope(resources, raw)
		if !ok {
			v.logger.Debug("unknown scope requested", "client_id", client.ClientID, "scope", raw)
			return nil, oidc.ErrInvalidScope(fmt.Sprintf("scope %s is invalid", raw))
		}
		if identityScope && opts.apiOnly {
			v.logger.Debug("identity scope requested by client-only grant", "client_id", client.ClientID, "scope", raw)
			return nil, oidc.ErrInvalidScope(fmt.Sprintf("scope %s is not allowed", raw))
		}
		if !client.AllowsScope(value.ParsedName) {
			v.logger.Debug("scope not allowed for client", "client_id", client.ClientID, "scope", raw)
			return nil, oidc.ErrInvalidScope(fmt.Sprintf("scope %s is not allowed", raw))
		}
		parsed = append(parsed, value)
	}

	return &ValidatedResources{
		Resources:     resources,
		ParsedScopes:  parsed,
		OfflineAccess: offlineAccess,
	}, nil
}

// resolveScope matches a raw scope value against the loaded resources. Exact
// names win; a value of the form "name:parameter" whose exact form is not
// registered falls back to the base name, which covers parameterized API
// scopes such as "transaction:*".
func resolveScope(resources *storage.Resources, raw string) (storage.ParsedScopeValue, bool, bool) {
	if resources.FindIdentityResource(raw) != nil {
		return storage.ParsedScopeValue{RawValue: raw, ParsedName: raw}, true, true
	}
	if resources.FindApiScope(raw) != nil {
		return storage.ParsedScopeValue{RawValue: raw, ParsedName: raw}, false, true
	}
	if name, param, ok := strings.Cut(raw, ":"); ok && name != "" && param != "" {
		if resources.FindApiScope(name) != nil {
			return storage.ParsedScopeValue{RawValue: raw, ParsedName: name, ParsedParameter: param}, false, true
		}
	}
	return storage.ParsedScopeValue{}, false, false
}
