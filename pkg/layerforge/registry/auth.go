/*
Copyright 2024 The Layerforge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/docker/cli/cli/config"
)

// Credentials is a username/password (or token) pair for one registry.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) empty() bool {
	return c.Username == "" && c.Password == ""
}

// For testing
var loadDockerConfig = config.Load

// LoadCredentials resolves credentials for a registry host from the Docker
// config file, going through configured credential helpers.
func LoadCredentials(registryHost string) (Credentials, error) {
	configFile, err := loadDockerConfig(config.Dir())
	if err != nil {
		return Credentials{}, fmt.Errorf("loading docker config: %w", err)
	}

	key := registryHost
	if key == dockerHubRegistry {
		key = dockerHubConfigKey
	}
	auth, err := configFile.GetAuthConfig(key)
	if err != nil {
		return Credentials{}, fmt.Errorf("resolving credentials for %s: %w", registryHost, err)
	}

	if auth.IdentityToken != "" {
		return Credentials{Username: "<token>", Password: auth.IdentityToken}, nil
	}
	return Credentials{Username: auth.Username, Password: auth.Password}, nil
}

// authChallenge is a parsed WWW-Authenticate header.
type authChallenge struct {
	scheme  string // "bearer" or "basic"
	realm   string
	service string
}

// parseChallenge parses headers like
//
//	Bearer realm="https://auth.example.com/token",service="example.com"
func parseChallenge(header string) (*authChallenge, error) {
	if header == "" {
		return nil, fmt.Errorf("401 response without WWW-Authenticate header")
	}

	scheme, params, _ := strings.Cut(header, " ")
	challenge := &authChallenge{scheme: strings.ToLower(scheme)}
	switch challenge.scheme {
	case "basic":
		return challenge, nil
	case "bearer":
	default:
		return nil, fmt.Errorf("unsupported authentication scheme %q", scheme)
	}

	for _, param := range splitChallengeParams(params) {
		key, value, found := strings.Cut(param, "=")
		if !found {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "realm":
			challenge.realm = value
		case "service":
			challenge.service = value
		}
	}
	if challenge.realm == "" {
		return nil, fmt.Errorf("bearer challenge %q has no realm", header)
	}
	return challenge, nil
}

// splitChallengeParams splits on commas outside quoted strings.
func splitChallengeParams(params string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	for _, r := range params {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// exchangeToken trades credentials for a bearer token at the challenge
// realm, requesting the given repository scope.
func exchangeToken(ctx context.Context, client *http.Client, challenge *authChallenge, creds Credentials, repository, actions string) (string, error) {
	tokenURL, err := url.Parse(challenge.realm)
	if err != nil {
		return "", fmt.Errorf("parsing token realm %q: %w", challenge.realm, err)
	}
	query := tokenURL.Query()
	if challenge.service != "" {
		query.Set("service", challenge.service)
	}
	query.Set("scope", fmt.Sprintf("repository:%s:%s", repository, actions))
	tokenURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	if !creds.empty() {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting token from %s: %w", challenge.realm, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return "", &AuthError{
			Registry:   challenge.service,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if token.Token != "" {
		return token.Token, nil
	}
	if token.AccessToken != "" {
		return token.AccessToken, nil
	}
	return "", fmt.Errorf("token endpoint %s returned no token", challenge.realm)
}
