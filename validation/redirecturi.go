package validation

import (
	"net/url"
	"strings"

	"github.com/idsvr/idsvr/storage"
)

// ValidateRedirectURI checks a presented redirect URI against the client's
// registered list. Matching is exact string comparison after minimal
// well-formedness checks; no wildcard or prefix matching.
func ValidateRedirectURI(client *storage.Client, redirectURI string) bool {
	if redirectURI == "" || !wellFormedRedirectURI(redirectURI) {
		return false
	}
	for _, registered := range client.RedirectURIs {
		if registered == redirectURI {
			return true
		}
	}
	return false
}

// ValidatePostLogoutRedirectURI checks a post-logout redirect URI against the
// client's registered list, exact match only.
func ValidatePostLogoutRedirectURI(client *storage.Client, redirectURI string) bool {
	if redirectURI == "" || !wellFormedRedirectURI(redirectURI) {
		return false
	}
	for _, registered := range client.PostLogoutRedirectURIs {
		if registered == redirectURI {
			return true
		}
	}
	return false
}

// wellFormedRedirectURI rejects values that could not have been registered:
// relative URIs, URIs with fragments, and URIs carrying embedded wildcards.
func wellFormedRedirectURI(redirectURI string) bool {
	if strings.Contains(redirectURI, "*") {
		return false
	}
	u, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	if !u.IsAbs() || u.Fragment != "" {
		return false
	}
	return true
}
