package tokens

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idsvr/idsvr/oidc"
)

func TestSha256Base64(t *testing.T) {
	sum := sha256.Sum256([]byte("value"))
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	assert.Equal(t, want, Sha256Base64("value"))
	assert.NotContains(t, Sha256Base64("value"), "=")
}

func TestHashClaimValueLeftHalfDigest(t *testing.T) {
	tests := []struct {
		alg    string
		digest []byte
	}{
		{oidc.AlgRS256, func() []byte { s := sha256.Sum256([]byte("token")); return s[:] }()},
		{oidc.AlgHS256, func() []byte { s := sha256.Sum256([]byte("token")); return s[:] }()},
		{oidc.AlgES384, func() []byte { s := sha512.Sum384([]byte("token")); return s[:] }()},
		{oidc.AlgRS512, func() []byte { s := sha512.Sum512([]byte("token")); return s[:] }()},
	}

	for _, tt := range tests {
		t.Run(tt.alg, func(t *testing.T) {
			got, err := HashClaimValue("token", tt.alg)
			require.NoError(t, err)
			want := base64.RawURLEncoding.EncodeToString(tt.digest[:len(tt.digest)/2])
			assert.Equal(t, want, got)
		})
	}
}

func TestHashClaimValueUnsupportedAlgorithm(t *testing.T) {
	_, err := HashClaimValue("token", "none")
	require.Error(t, err)
}

func TestSessionState(t *testing.T) {
	state := SessionState("client", "https://client.example.com", "session-1", "salt")

	parts := strings.SplitN(state, ".", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "salt", parts[1])

	sum := sha256.Sum256([]byte("client" + "https://client.example.com" + "session-1" + "salt"))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), parts[0])

	// Different session, different value.
	other := SessionState("client", "https://client.example.com", "session-2", "salt")
	assert.NotEqual(t, state, other)
}
