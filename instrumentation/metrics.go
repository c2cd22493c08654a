package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the pre-configured instruments of the issuance engine.
type Metrics struct {
	// TokenRequests counts token endpoint requests by grant type and outcome.
	TokenRequests metric.Int64Counter

	// TokensIssued counts issued tokens by token type and grant type.
	TokensIssued metric.Int64Counter

	// ValidationFailures counts rejected requests by endpoint and error code.
	ValidationFailures metric.Int64Counter

	// GrantsConsumed counts single-use grant redemptions by grant type.
	GrantsConsumed metric.Int64Counter

	// DeviceFlowThrottled counts slow_down responses.
	DeviceFlowThrottled metric.Int64Counter

	// TokenIssuanceDuration measures end-to-end token request processing.
	TokenIssuanceDuration metric.Float64Histogram

	// GrantsActive is an observable gauge over live grants in the store.
	GrantsActive metric.Int64ObservableGauge
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	meter := inst.Meter("engine")
	m := &Metrics{}
	var err error

	m.TokenRequests, err = meter.Int64Counter(
		"idsvr.token.requests",
		metric.WithDescription("Token endpoint requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token request counter: %w", err)
	}

	m.TokensIssued, err = meter.Int64Counter(
		"idsvr.tokens.issued",
		metric.WithDescription("Tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens issued counter: %w", err)
	}

	m.ValidationFailures, err = meter.Int64Counter(
		"idsvr.validation.failures",
		metric.WithDescription("Rejected protocol requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation failure counter: %w", err)
	}

	m.GrantsConsumed, err = meter.Int64Counter(
		"idsvr.grants.consumed",
		metric.WithDescription("Single-use grant redemptions"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants consumed counter: %w", err)
	}

	m.DeviceFlowThrottled, err = meter.Int64Counter(
		"idsvr.deviceflow.throttled",
		metric.WithDescription("Device flow polls answered with slow_down"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device flow throttle counter: %w", err)
	}

	m.TokenIssuanceDuration, err = meter.Float64Histogram(
		"idsvr.token.duration",
		metric.WithDescription("Token request processing duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token duration histogram: %w", err)
	}

	m.GrantsActive, err = inst.Meter("storage").Int64ObservableGauge(
		"idsvr.grants.active",
		metric.WithDescription("Live grants in the persisted grant store"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active grants gauge: %w", err)
	}

	return m, nil
}

// RecordTokenRequest records one token endpoint request.
func (m *Metrics) RecordTokenRequest(ctx context.Context, grantType, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("outcome", outcome),
	)
	m.TokenRequests.Add(ctx, 1, attrs)
	m.TokenIssuanceDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordTokenIssued records one issued token.
func (m *Metrics) RecordTokenIssued(ctx context.Context, tokenType, grantType string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
		attribute.String("grant_type", grantType),
	))
}

// RecordValidationFailure records one rejected request.
func (m *Metrics) RecordValidationFailure(ctx context.Context, endpoint, errorCode string) {
	m.ValidationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("error", errorCode),
	))
}

// RecordGrantConsumed records one single-use grant redemption.
func (m *Metrics) RecordGrantConsumed(ctx context.Context, grantType string) {
	m.GrantsConsumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
	))
}

// RecordDeviceFlowThrottled records one slow_down response.
func (m *Metrics) RecordDeviceFlowThrottled(ctx context.Context, clientID string) {
	m.DeviceFlowThrottled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}
