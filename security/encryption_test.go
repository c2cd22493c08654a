package security_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idsvr/idsvr/security"
)

func TestEncryptorRoundTrip(t *testing.T) {
	key, err := security.GenerateKey()
	require.NoError(t, err)
	require.Len(t, key, 32)

	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)
	require.True(t, enc.IsEnabled())

	plaintext := `{"grant":"authorization_code","subject":"alice"}`
	ciphertext, err := enc.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := enc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptorNonceVariance(t *testing.T) {
	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)

	// GCM uses a fresh nonce per call, so identical plaintexts must not
	// produce identical ciphertexts.
	first, err := enc.Encrypt("payload")
	require.NoError(t, err)
	second, err := enc.Encrypt("payload")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestEncryptorDisabled(t *testing.T) {
	enc, err := security.NewEncryptor(nil)
	require.NoError(t, err)
	assert.False(t, enc.IsEnabled())

	// A disabled encryptor passes data through untouched.
	out, err := enc.Encrypt("payload")
	require.NoError(t, err)
	assert.Equal(t, "payload", out)

	out, err = enc.Decrypt("payload")
	require.NoError(t, err)
	assert.Equal(t, "payload", out)
}

func TestEncryptorKeyLength(t *testing.T) {
	for _, n := range []int{16, 31, 33, 64} {
		_, err := security.NewEncryptor(make([]byte, n))
		assert.Error(t, err, "key length %d", n)
	}
}

func TestEncryptorRejectsTamperedCiphertext(t *testing.T) {
	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)

	_, err = enc.Decrypt("not base64 at all!")
	assert.Error(t, err)

	ciphertext, err := enc.Encrypt("payload")
	require.NoError(t, err)
	tampered := ciphertext[:len(ciphertext)-4] + "AAAA"
	_, err = enc.Decrypt(tampered)
	assert.Error(t, err)
}

func TestEncryptorWrongKey(t *testing.T) {
	keyA, err := security.GenerateKey()
	require.NoError(t, err)
	keyB, err := security.GenerateKey()
	require.NoError(t, err)

	encA, err := security.NewEncryptor(keyA)
	require.NoError(t, err)
	encB, err := security.NewEncryptor(keyB)
	require.NoError(t, err)

	ciphertext, err := encA.Encrypt("payload")
	require.NoError(t, err)
	_, err = encB.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key, err := security.GenerateKey()
	require.NoError(t, err)

	encoded := security.KeyToBase64(key)
	decoded, err := security.KeyFromBase64(encoded)
	require.NoError(t, err)
	assert.Equal(t, key, decoded)

	_, err = security.KeyFromBase64("%%%")
	assert.Error(t, err)

	_, err = security.KeyFromBase64(security.KeyToBase64(make([]byte, 16)))
	assert.Error(t, err)
}
