package responses

import (
	"context"
	"fmt"

	"github.com/idsvr/idsvr/internal/util"
	"github.com/idsvr/idsvr/oidc"
	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/tokens"
)

// Well-known endpoint paths advertised in the discovery document.
const (
	pathAuthorize           = "/connect/authorize"
	pathToken               = "/connect/token"
	pathUserInfo            = "/connect/userinfo"
	pathDeviceAuthorization = "/connect/deviceauthorization"
	pathEndSession          = "/connect/endsession"
	pathJwks                = "/.well-known/openid-configuration/jwks"
)

// DiscoveryResponseGenerator assembles the semantic content of the discovery
// document from the issuer, the registered resources and the configured key
// material.
type DiscoveryResponseGenerator struct {
	resources storage.ResourceStore
	keys      *tokens.KeyMaterialService
	issuer    string
}

// NewDiscoveryResponseGenerator creates a discovery response generator.
func NewDiscoveryResponseGenerator(resources storage.ResourceStore, keys *tokens.KeyMaterialService, issuer string) *DiscoveryResponseGenerator {
	return &DiscoveryResponseGenerator{
		resources: resources,
		keys:      keys,
		issuer:    issuer,
	}
}

// Process builds the discovery document.
func (g *DiscoveryResponseGenerator) Process(ctx context.Context) (*DiscoveryDocument, error) {
	all, err := g.resources.AllResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load resources for discovery: %w", err)
	}

	var scopes []string
	claims := map[string]struct{}{}
	for _, identity := range all.IdentityResources {
		scopes = append(scopes, identity.Name)
		for _, c := range identity.UserClaims {
			claims[c] = struct{}{}
		}
	}
	for _, scope := range all.ApiScopes {
		scopes = append(scopes, scope.Name)
	}
	scopes = append(scopes, oidc.ScopeOfflineAccess)

	claimsSupported := make([]string, 0, len(claims))
	for c := range claims {
		claimsSupported = append(claimsSupported, c)
	}

	algs := make([]string, 0, 2)
	seen := map[string]struct{}{}
	for _, key := range g.keys.AllKeys() {
		if _, dup := seen[key.Algorithm]; dup {
			continue
		}
		seen[key.Algorithm] = struct{}{}
		algs = append(algs, key.Algorithm)
	}

	issuer := util.NormalizeURL(g.issuer)
	return &DiscoveryDocument{
		Issuer:                      issuer,
		AuthorizationEndpoint:       issuer + pathAuthorize,
		TokenEndpoint:               issuer + pathToken,
		UserInfoEndpoint:            issuer + pathUserInfo,
		DeviceAuthorizationEndpoint: issuer + pathDeviceAuthorization,
		EndSessionEndpoint:          issuer + pathEndSession,
		JwksURI:                     issuer + pathJwks,
		ScopesSupported:             scopes,
		ResponseTypesSupported: []string{
			oidc.ResponseTypeCode,
			oidc.ResponseTypeToken,
			oidc.ResponseTypeIDToken,
			oidc.ResponseTypeIDTokenToken,
			oidc.ResponseTypeCodeIDToken,
			oidc.ResponseTypeCodeToken,
			oidc.ResponseTypeCodeIDTokenToken,
		},
		ResponseModesSupported: []string{
			oidc.ResponseModeQuery,
			oidc.ResponseModeFragment,
			oidc.ResponseModeFormPost,
		},
		GrantTypesSupported: []string{
			oidc.GrantTypeAuthorizationCode,
			oidc.GrantTypeClientCredentials,
			oidc.GrantTypePassword,
			oidc.GrantTypeRefreshToken,
			oidc.GrantTypeImplicit,
			oidc.GrantTypeDeviceCode,
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: algs,
		TokenEndpointAuthMethodsSupported: []string{
			oidc.SecretPresentationBasic,
			oidc.SecretPresentationPostBody,
		},
		CodeChallengeMethodsSupported: []string{
			oidc.PKCEMethodPlain,
			oidc.PKCEMethodS256,
		},
		ClaimsSupported: claimsSupported,
	}, nil
}
