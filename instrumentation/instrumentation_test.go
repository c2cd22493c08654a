package instrumentation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	inst, err := New(Config{})
	require.NoError(t, err)

	assert.Equal(t, "idsvr", inst.config.ServiceName)
	assert.Equal(t, DefaultServiceVersion, inst.config.ServiceVersion)
	assert.NotNil(t, inst.Metrics())
	assert.NotNil(t, inst.MeterProvider())
	assert.NotNil(t, inst.TracerProvider())
}

func TestMetricsRecordersAreSafeOnNoopProviders(t *testing.T) {
	inst, err := New(Config{ServiceName: "test"})
	require.NoError(t, err)
	ctx := context.Background()

	m := inst.Metrics()
	m.RecordTokenRequest(ctx, "client_credentials", "success", 5*time.Millisecond)
	m.RecordTokenIssued(ctx, "access_token", "client_credentials")
	m.RecordValidationFailure(ctx, "token", "invalid_grant")
	m.RecordGrantConsumed(ctx, "authorization_code")
	m.RecordDeviceFlowThrottled(ctx, "deviceclient")
}

func TestRegisterGrantCountCallback(t *testing.T) {
	inst, err := New(Config{})
	require.NoError(t, err)

	err = inst.RegisterGrantCountCallback(func() int64 { return 42 })
	assert.NoError(t, err)
}

func TestShutdownIsIdempotent(t *testing.T) {
	inst, err := New(Config{})
	require.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, inst.Shutdown(ctx))
	assert.NoError(t, inst.Shutdown(ctx))
}

func TestMeterAndTracerScopes(t *testing.T) {
	inst, err := New(Config{})
	require.NoError(t, err)

	assert.NotNil(t, inst.Meter("validation"))
	assert.NotNil(t, inst.Tracer("responses"))
}
