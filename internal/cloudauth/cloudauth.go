// Package cloudauth provides http.RoundTripper decorators that inject
// authentication for cloud-hosted LLM back ends: AWS SigV4 signing for
// Bedrock and Azure Entra client-credentials bearer tokens for Azure
// OpenAI. Providers with simple static key headers set them per request
// in their adapters instead.
package cloudauth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// entraTokenURL is the Entra ID v2.0 token endpoint template.
const entraTokenURL = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"

// EntraTransport is an http.RoundTripper that injects an Azure Entra ID
// bearer token on every outbound request, obtained via the OAuth2 client
// credentials flow. Tokens are cached and auto-refreshed.
type EntraTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

// NewEntraTransport returns a transport that authenticates against the
// given Entra tenant with a client ID and secret. scopes is typically
// "https://cognitiveservices.azure.com/.default" for Azure OpenAI.
func NewEntraTransport(ctx context.Context, base http.RoundTripper, tenantID, clientID, clientSecret string, scopes ...string) *EntraTransport {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     fmt.Sprintf(entraTokenURL, tenantID),
		Scopes:       scopes,
	}
	return &EntraTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx)),
	}
}

// newEntraTransportFromSource creates an EntraTransport with an explicit
// token source (used for testing).
func newEntraTransportFromSource(base http.RoundTripper, ts oauth2.TokenSource) *EntraTransport {
	return &EntraTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, ts),
	}
}

// RoundTrip obtains a token and injects it as a Bearer header.
func (t *EntraTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("cloudauth: obtain Entra token: %w", err)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return t.getBase().RoundTrip(r2)
}

func (t *EntraTransport) getBase() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}
