package tokens

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/storage"
)

// Payload construction failures. These are configuration or data errors, not
// request errors; callers surface them as server_error.
var (
	// ErrMalformedJSONClaim means a claim marked as JSON did not parse.
	ErrMalformedJSONClaim = errors.New("malformed JSON claim value")

	// ErrClaimConflict means a JSON claim collides with an existing payload key
	// or mixes JSON kinds under one claim type.
	ErrClaimConflict = errors.New("conflicting claim types in payload")

	// ErrUnsupportedJSONClaim means a JSON claim parsed to a kind other than
	// object or array.
	ErrUnsupportedJSONClaim = errors.New("unsupported JSON claim value kind")
)

// CreatePayload converts the abstract token model into a JWT claims map.
//
// Standard claims (iss, aud, exp, nbf, iat, cnf) come from the token's own
// fields. The claim list is then merged in four groups: scope claims become
// an array (or one space-delimited string when scopesAsSpaceDelimited is
// set), amr claims are deduplicated into an array, claims whose value type is
// JSON are parsed and embedded structurally, and everything else is carried
// over as strings.
func CreatePayload(token *storage.Token, scopesAsSpaceDelimited bool) (jwt.MapClaims, error) {
	creation := token.CreationTime
	payload := jwt.MapClaims{
		oidc.ClaimIssuer:    token.Issuer,
		oidc.ClaimNotBefore: creation.Unix(),
		oidc.ClaimIssuedAt:  creation.Unix(),
		oidc.ClaimExpiration: creation.Add(time.Duration(token.Lifetime) * time.Second).Unix(),
	}

	switch len(token.Audiences) {
	case 0:
	case 1:
		payload[oidc.ClaimAudience] = token.Audiences[0]
	default:
		payload[oidc.ClaimAudience] = token.Audiences
	}

	if token.Confirmation != "" {
		var cnf map[string]any
		if err := json.Unmarshal([]byte(token.Confirmation), &cnf); err != nil {
			return nil, fmt.Errorf("%w: cnf: %v", ErrMalformedJSONClaim, err)
		}
		payload[oidc.ClaimConfirmation] = cnf
	}

	var scopeValues []string
	amrValues := make([]string, 0, 2)
	amrSeen := make(map[string]struct{})
	jsonClaims := make(map[string][]string)
	jsonOrder := make([]string, 0)
	normalOrder := make([]string, 0)
	normalClaims := make(map[string][]string)

	for _, claim := range storage.DedupeClaims(token.Claims) {
		switch {
		case claim.Type == oidc.ClaimScope:
			scopeValues = append(scopeValues, claim.Value)
		case claim.Type == oidc.ClaimAuthenticationMethod:
			if _, dup := amrSeen[claim.Value]; !dup {
				amrSeen[claim.Value] = struct{}{}
				amrValues = append(amrValues, claim.Value)
			}
		case claim.ValueType == oidc.ClaimValueTypeJSON:
			if _, seen := jsonClaims[claim.Type]; !seen {
				jsonOrder = append(jsonOrder, claim.Type)
			}
			jsonClaims[claim.Type] = append(jsonClaims[claim.Type], claim.Value)
		default:
			if _, seen := normalClaims[claim.Type]; !seen {
				normalOrder = append(normalOrder, claim.Type)
			}
			normalClaims[claim.Type] = append(normalClaims[claim.Type], claim.Value)
		}
	}

	for _, claimType := range normalOrder {
		values := normalClaims[claimType]
		if len(values) == 1 {
			payload[claimType] = values[0]
		} else {
			payload[claimType] = values
		}
	}

	if len(scopeValues) > 0 {
		if scopesAsSpaceDelimited {
			payload[oidc.ClaimScope] = strings.Join(scopeValues, " ")
		} else {
			payload[oidc.ClaimScope] = scopeValues
		}
	}

	if len(amrValues) > 0 {
		payload[oidc.ClaimAuthenticationMethod] = amrValues
	}

	for _, claimType := range jsonOrder {
		if err := mergeJSONClaims(payload, claimType, jsonClaims[claimType]); err != nil {
			return nil, err
		}
	}

	return payload, nil
}

// mergeJSONClaims parses each raw JSON value for a claim type and embeds the
// result. All values of one type must be the same JSON kind: a single object
// is embedded as-is, multiple objects become an array of objects, and arrays
// are flattened into one combined array. Scalar JSON values are rejected.
func mergeJSONClaims(payload jwt.MapClaims, claimType string, rawValues []string) error {
	var objects []map[string]any
	var elements []any

	for _, raw := range rawValues {
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedJSONClaim, claimType, err)
		}
		switch v := value.(type) {
		case map[string]any:
			objects = append(objects, v)
		case []any:
			elements = append(elements, v...)
		default:
			return fmt.Errorf("%w: %s", ErrUnsupportedJSONClaim, claimType)
		}
	}

	if len(objects) > 0 && len(elements) > 0 {
		return fmt.Errorf("%w: %s mixes JSON objects and arrays", ErrClaimConflict, claimType)
	}
	if _, exists := payload[claimType]; exists {
		return fmt.Errorf("%w: %s already present in payload", ErrClaimConflict, claimType)
	}

	if len(objects) == 1 {
		payload[claimType] = objects[0]
	} else if len(objects) > 1 {
		payload[claimType] = objects
	} else {
		payload[claimType] = elements
	}
	return nil
}
