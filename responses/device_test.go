package responses_test

import (
	"context"
	"net/url"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idsvr/idsvr/internal/testutil"
	"github.com/idsvr/idsvr/responses"
	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/storage/memory"
	"github.com/idsvr/idsvr/tokens"
	"github.com/idsvr/idsvr/validation"
)

const verificationURI = "https://idsvr4/device"

func newDeviceFixture(t *testing.T) (*responses.DeviceAuthorizationResponseGenerator, *storage.DeviceCodeStore, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	grants := memory.NewGrantStore(memory.WithClock(clock))
	t.Cleanup(grants.Close)
	devices := storage.NewDeviceCodeStore(grants, tokens.DefaultHandleGenerator{}, nil)
	generator := responses.NewDeviceAuthorizationResponseGenerator(
		devices, tokens.DefaultHandleGenerator{}, clock, nil, verificationURI, 5)
	return generator, devices, clock
}

func deviceRequest(client *storage.Client) *validation.ValidatedDeviceAuthorizationRequest {
	return &validation.ValidatedDeviceAuthorizationRequest{
		Client:          client,
		IsOpenIDRequest: true,
		Resources: &validation.ValidatedResources{
			ParsedScopes: []storage.ParsedScopeValue{
				{RawValue: "openid", ParsedName: "openid"},
				{RawValue: "api1", ParsedName: "api1"},
			},
		},
	}
}

func TestDeviceAuthorizationResponse(t *testing.T) {
	ctx := context.Background()
	generator, devices, clock := newDeviceFixture(t)

	response, err := generator.Process(ctx, deviceRequest(testutil.DeviceClient()))
	require.NoError(t, err)

	assert.NotEmpty(t, response.DeviceCode)
	assert.Regexp(t, regexp.MustCompile(`^\d{9}$`), response.UserCode)
	assert.Equal(t, verificationURI, response.VerificationURI)
	assert.Equal(t, verificationURI+"?user_code="+url.QueryEscape(response.UserCode), response.VerificationURIComplete)
	assert.Equal(t, 300, response.ExpiresIn)
	assert.Equal(t, 5, response.Interval)

	// Both lookup paths resolve the persisted authorization, still pending.
	stored, err := devices.FindByDeviceCode(ctx, response.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, "deviceclient", stored.ClientID)
	assert.Equal(t, []string{"openid", "api1"}, stored.RequestedScopes)
	assert.True(t, stored.IsOpenID)
	assert.False(t, stored.IsAuthorized)
	assert.Equal(t, clock.Now(), stored.CreationTime)

	byUser, err := devices.FindByUserCode(ctx, response.UserCode)
	require.NoError(t, err)
	assert.Equal(t, stored, byUser)
}

func TestDeviceAuthorizationDefaultLifetime(t *testing.T) {
	generator, _, _ := newDeviceFixture(t)
	client := testutil.DeviceClient()
	client.DeviceCodeLifetime = 0

	response, err := generator.Process(context.Background(), deviceRequest(client))
	require.NoError(t, err)
	assert.Equal(t, 300, response.ExpiresIn)
}

func TestDeviceAuthorizationCodesAreUnique(t *testing.T) {
	generator, _, _ := newDeviceFixture(t)

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		response, err := generator.Process(context.Background(), deviceRequest(testutil.DeviceClient()))
		require.NoError(t, err)
		assert.False(t, seen[response.DeviceCode], "device code issued twice")
		assert.False(t, seen[response.UserCode], "user code issued twice")
		seen[response.DeviceCode] = true
		seen[response.UserCode] = true
	}
}
