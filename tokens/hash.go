package tokens

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"strings"
)

// Sha256Base64 returns the base64url-encoded (unpadded) sha256 of the input.
// Used for PKCE S256 comparison and for hashing code challenges before
// persisting them.
func Sha256Base64(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// HashClaimValue computes the at_hash/c_hash/s_hash value for a token or
// state string: the left half of the digest whose size matches the signing
// algorithm's bit strength, base64url-encoded without padding.
func HashClaimValue(value, signingAlgorithm string) (string, error) {
	var digest []byte
	switch bits := algorithmBits(signingAlgorithm); bits {
	case 256:
		sum := sha256.Sum256([]byte(value))
		digest = sum[:]
	case 384:
		sum := sha512.Sum384([]byte(value))
		digest = sum[:]
	case 512:
		sum := sha512.Sum512([]byte(value))
		digest = sum[:]
	default:
		return "", fmt.Errorf("unsupported signing algorithm for hash claim: %s", signingAlgorithm)
	}
	return base64.RawURLEncoding.EncodeToString(digest[:len(digest)/2]), nil
}

func algorithmBits(alg string) int {
	switch {
	case strings.HasSuffix(alg, "256"):
		return 256
	case strings.HasSuffix(alg, "384"):
		return 384
	case strings.HasSuffix(alg, "512"):
		return 512
	default:
		return 0
	}
}

// SessionState computes the session_state value for a client/origin pair:
// base64url(sha256(clientID + origin + sessionID + salt)) + "." + salt.
func SessionState(clientID, origin, sessionID, salt string) string {
	sum := sha256.Sum256([]byte(clientID + origin + sessionID + salt))
	return base64.RawURLEncoding.EncodeToString(sum[:]) + "." + salt
}
