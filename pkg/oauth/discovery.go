package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/MikeRobGIT/lodgify-mcp-sub001/pkg/api"
)

// discoveryDocument is the subset of the OpenID provider metadata this
// strategy consumes.
type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	IntrospectionEndpoint string `json:"introspection_endpoint"`
}

func (d *discoveryDocument) validate() error {
	if d.AuthorizationEndpoint == "" {
		return fmt.Errorf("%w: discovery document missing authorization_endpoint", api.ErrProvider)
	}
	if d.TokenEndpoint == "" {
		return fmt.Errorf("%w: discovery document missing token_endpoint", api.ErrProvider)
	}
	return nil
}

// fetchDiscovery retrieves the provider metadata. Called once at Initialize;
// any failure here is fatal to startup.
func fetchDiscovery(ctx context.Context, client *http.Client, discoveryURL string) (*discoveryDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building discovery request: %v", api.ErrProvider, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching discovery document: %v", api.ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: discovery returned status %d: %s",
			api.ErrProvider, resp.StatusCode, string(body))
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: parsing discovery document: %v", api.ErrProvider, err)
	}

	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}
