package tokens

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/idsvr/idsvr/oidc"
)

// SigningKey is one signing credential. PrivateKey holds *rsa.PrivateKey for
// RS* algorithms, *ecdsa.PrivateKey for ES* and []byte for HS*.
type SigningKey struct {
	ID         string
	Algorithm  string
	PrivateKey any
}

// KeyMaterialService owns the signing credentials and picks one per token
// based on the algorithms the client allows. The first registered key is the
// default.
type KeyMaterialService struct {
	keys []SigningKey
}

// NewKeyMaterialService creates a key material service. At least one key is
// required and every key must pair a supported algorithm with a matching key
// type.
func NewKeyMaterialService(keys ...SigningKey) (*KeyMaterialService, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one signing key is required")
	}
	for _, key := range keys {
		if key.ID == "" {
			return nil, fmt.Errorf("signing key is missing an ID")
		}
		if _, err := signingMethod(key.Algorithm); err != nil {
			return nil, err
		}
		if err := checkKeyType(key); err != nil {
			return nil, err
		}
	}
	return &KeyMaterialService{keys: keys}, nil
}

// SigningKeyFor returns the first credential whose algorithm is in the
// allowed set. An empty allowed set means any credential, so the default key
// is returned.
func (s *KeyMaterialService) SigningKeyFor(allowedAlgorithms []string) (*SigningKey, error) {
	if len(allowedAlgorithms) == 0 {
		return &s.keys[0], nil
	}
	for i := range s.keys {
		for _, alg := range allowedAlgorithms {
			if s.keys[i].Algorithm == alg {
				return &s.keys[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no signing key matches allowed algorithms %v", allowedAlgorithms)
}

// AllKeys returns every registered credential, default first. Used by the
// discovery document to advertise supported algorithms.
func (s *KeyMaterialService) AllKeys() []SigningKey {
	return s.keys
}

// VerificationKey returns the key material used to verify a token signed
// with the given key id: the public half for asymmetric keys, the shared
// secret for HMAC. An empty kid selects the default key.
func (s *KeyMaterialService) VerificationKey(kid string) (any, error) {
	for i := range s.keys {
		if kid != "" && s.keys[i].ID != kid {
			continue
		}
		switch private := s.keys[i].PrivateKey.(type) {
		case *rsa.PrivateKey:
			return &private.PublicKey, nil
		case *ecdsa.PrivateKey:
			return &private.PublicKey, nil
		case []byte:
			return private, nil
		}
	}
	return nil, fmt.Errorf("no signing key with id %q", kid)
}

func signingMethod(alg string) (jwt.SigningMethod, error) {
	switch alg {
	case oidc.AlgHS256:
		return jwt.SigningMethodHS256, nil
	case oidc.AlgHS384:
		return jwt.SigningMethodHS384, nil
	case oidc.AlgHS512:
		return jwt.SigningMethodHS512, nil
	case oidc.AlgRS256:
		return jwt.SigningMethodRS256, nil
	case oidc.AlgRS384:
		return jwt.SigningMethodRS384, nil
	case oidc.AlgRS512:
		return jwt.SigningMethodRS512, nil
	case oidc.AlgES256:
		return jwt.SigningMethodES256, nil
	case oidc.AlgES384:
		return jwt.SigningMethodES384, nil
	case oidc.AlgES512:
		return jwt.SigningMethodES512, nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm: %s", alg)
	}
}

func checkKeyType(key SigningKey) error {
	switch key.Algorithm[:2] {
	case "HS":
		if _, ok := key.PrivateKey.([]byte); !ok {
			return fmt.Errorf("key %s: HMAC algorithms require a []byte key", key.ID)
		}
	case "RS":
		if _, ok := key.PrivateKey.(*rsa.PrivateKey); !ok {
			return fmt.Errorf("key %s: RSA algorithms require an *rsa.PrivateKey", key.ID)
		}
	case "ES":
		if _, ok := key.PrivateKey.(*ecdsa.PrivateKey); !ok {
			return fmt.Errorf("key %s: ECDSA algorithms require an *ecdsa.PrivateKey", key.ID)
		}
	}
	return nil
}
