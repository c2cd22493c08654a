package validation

import (
	"crypto/subtle"

	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/tokens"
)

// validCodeVerifierFormat reports whether the value satisfies the RFC 7636
// length and character-set rules for code verifiers and challenges.
func validCodeVerifierFormat(value string) bool {
	if len(value) < oidc.MinCodeVerifierLength || len(value) > oidc.MaxCodeVerifierLength {
		return false
	}
	for _, c := range []byte(value) {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}

// VerifyCodeVerifier checks a presented code verifier against the challenge
// hash persisted with the authorization code. Codes store the sha256 of the
// challenge, so the comparison hashes the transformed verifier before the
// constant-time compare.
func VerifyCodeVerifier(storedChallengeHash, verifier, method string) bool {
	if !validCodeVerifierFormat(verifier) {
		return false
	}

	var challenge string
	switch method {
	case oidc.PKCEMethodS256:
		challenge = tokens.Sha256Base64(verifier)
	case oidc.PKCEMethodPlain:
		challenge = verifier
	default:
		return false
	}

	hashed := tokens.Sha256Base64(challenge)
	return subtle.ConstantTimeCompare([]byte(hashed), []byte(storedChallengeHash)) == 1
}
