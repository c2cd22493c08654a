package tokens

import (
	"golang.org/x/oauth2"
)

// DefaultHandleGenerator produces cryptographically random, URL-safe opaque
// handles for authorization codes, refresh tokens, device codes and reference
// tokens. It satisfies storage.HandleGenerator.
type DefaultHandleGenerator struct{}

// Generate returns a fresh 43-character base64url handle.
func (DefaultHandleGenerator) Generate() (string, error) {
	return oauth2.GenerateVerifier(), nil
}
