// Package microsoft implements the Azure AD authorization-code flow for the
// tenant's single principal.
package microsoft

import (
	"github.com/pysugar/teams-sync/internal/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// OAuthConfig returns the OAuth2 config for the tenant's app registration.
// AuthURL and TokenURL override the Azure AD v2 endpoints when set.
func OAuthConfig(tc config.TenantConfig) *oauth2.Config {
	endpoint := microsoft.AzureADEndpoint(tc.ID)
	if tc.AuthURL != "" {
		endpoint.AuthURL = tc.AuthURL
	}
	if tc.TokenURL != "" {
		endpoint.TokenURL = tc.TokenURL
	}

	scopes := tc.Scopes
	if len(scopes) == 0 {
		scopes = config.DefaultScopes()
	}

	return &oauth2.Config{
		ClientID:     tc.ClientID,
		ClientSecret: tc.ClientSecret,
		RedirectURL:  tc.RedirectURL,
		Scopes:       scopes,
		Endpoint:     endpoint,
	}
}
