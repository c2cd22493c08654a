package validation

import (
	"context"
	"errors"
	"log/slog"
	"net/url"

	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/security"
	"github.com/idsvr/idsvr/storage"
)

// DeviceAuthorizationValidator validates requests to start a device flow
// (RFC 8628 section 3.1). The client must already be authenticated.
type DeviceAuthorizationValidator struct {
	scopes  *ScopeValidator
	auditor *security.Auditor
	logger  *slog.Logger
}

// NewDeviceAuthorizationValidator creates a device authorization validator.
func NewDeviceAuthorizationValidator(scopes *ScopeValidator, auditor *security.Auditor, logger *slog.Logger) *DeviceAuthorizationValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceAuthorizationValidator{scopes: scopes, auditor: auditor, logger: logger}
}

// ValidateRequest validates the device authorization parameters.
func (v *DeviceAuthorizationValidator) ValidateRequest(ctx context.Context, parameters url.Values, client *storage.Client) (*ValidatedDeviceAuthorizationRequest, error) {
	if parameters == nil {
		return nil, errors.New("parameters must not be nil")
	}
	if client == nil {
		return nil, errors.New("client must not be nil")
	}

	request := &ValidatedDeviceAuthorizationRequest{Raw: parameters, Client: client}

	if !client.AllowsGrantType(oidc.GrantTypeDeviceCode) {
		v.logger.Debug("device flow not allowed for client", "client_id", client.ClientID)
		v.auditor.LogValidationFailure("", client.ClientID, "device_authorization", oidc.ErrorCodeUnauthorizedClient)
		return nil, oidc.ErrUnauthorizedClient("device flow not allowed for client")
	}

	requested := ParseScopeString(parameters.Get(oidc.ParamScope))
	for _, s := range requested {
		if s == oidc.ScopeOpenID {
			request.IsOpenIDRequest = true
			break
		}
	}

	resources, err := v.scopes.Validate(ctx, client, requested, scopeValidationOptions{})
	if err != nil {
		var protocolErr *oidc.ProtocolError
		if errors.As(err, &protocolErr) {
			v.auditor.LogValidationFailure("", client.ClientID, "device_authorization", protocolErr.Code)
			return nil, protocolErr
		}
		v.logger.Error("device authorization validation failed", "client_id", client.ClientID, "error", err)
		return nil, oidc.ErrServerError("internal error")
	}
	request.Resources = resources

	return request, nil
}
