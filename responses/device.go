package responses

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"

	"github.com/idsvr/idsvr/security"
	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/validation"
)

const (
	// userCodeDigits is the length of generated numeric user codes.
	userCodeDigits = 9

	// userCodeAttempts bounds collision retries during user code generation.
	userCodeAttempts = 10

	defaultDeviceCodeLifetime = 300
)

// DeviceAuthorizationResponseGenerator starts device flows: it mints the
// device/user code pair, persists the authorization and assembles the
// response the device shows to the user.
type DeviceAuthorizationResponseGenerator struct {
	devices *storage.DeviceCodeStore
	handles storage.HandleGenerator
	clock   security.Clock
	logger  *slog.Logger

	verificationURI string
	interval        int
}

// NewDeviceAuthorizationResponseGenerator creates a device authorization
// response generator. verificationURI is the absolute URL of the user-facing
// verification page; interval is the minimum polling interval in seconds.
func NewDeviceAuthorizationResponseGenerator(devices *storage.DeviceCodeStore, handles storage.HandleGenerator, clock security.Clock, logger *slog.Logger, verificationURI string, interval int) *DeviceAuthorizationResponseGenerator {
	if clock == nil {
		clock = security.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceAuthorizationResponseGenerator{
		devices:         devices,
		handles:         handles,
		clock:           clock,
		logger:          logger,
		verificationURI: verificationURI,
		interval:        interval,
	}
}

// Process mints and persists a new device authorization.
func (g *DeviceAuthorizationResponseGenerator) Process(ctx context.Context, request *validation.ValidatedDeviceAuthorizationRequest) (*DeviceAuthorizationResponse, error) {
	deviceCode, err := g.handles.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate device code: %w", err)
	}
	userCode, err := g.generateUserCode(ctx)
	if err != nil {
		return nil, err
	}

	lifetime := request.Client.DeviceCodeLifetime
	if lifetime == 0 {
		lifetime = defaultDeviceCodeLifetime
	}

	data := &storage.DeviceCode{
		CreationTime:    g.clock.Now(),
		Lifetime:        lifetime,
		ClientID:        request.Client.ClientID,
		IsOpenID:        request.IsOpenIDRequest,
		RequestedScopes: request.Resources.RawScopeValues(),
	}
	if err := g.devices.Store(ctx, deviceCode, userCode, data); err != nil {
		return nil, fmt.Errorf("failed to store device authorization: %w", err)
	}

	g.logger.Debug("device authorization started", "client_id", request.Client.ClientID)

	return &DeviceAuthorizationResponse{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         g.verificationURI,
		VerificationURIComplete: g.verificationURI + "?user_code=" + url.QueryEscape(userCode),
		ExpiresIn:               lifetime,
		Interval:                g.interval,
	}, nil
}

// generateUserCode produces a numeric user code that is not currently in
// use. Collisions are rare at nine digits but retried a bounded number of
// times anyway.
func (g *DeviceAuthorizationResponseGenerator) generateUserCode(ctx context.Context) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < userCodeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}

	for attempt := 0; attempt < userCodeAttempts; attempt++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate user code: %w", err)
		}
		code := fmt.Sprintf("%0*d", userCodeDigits, n)

		_, err = g.devices.FindByUserCode(ctx, code)
		if errors.Is(err, storage.ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to check user code uniqueness: %w", err)
		}
	}
	return "", errors.New("could not generate a unique user code")
}
