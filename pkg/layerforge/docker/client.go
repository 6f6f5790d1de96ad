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

// Package docker talks to a local Docker daemon, which is one of the three
// delivery targets for a built image.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/cli/cli/connhelper"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"

	"github.com/layerforge/layerforge/pkg/layerforge/output/log"
	"github.com/layerforge/layerforge/pkg/layerforge/version"
)

// LocalDaemon is the slice of the daemon API the engine needs.
type LocalDaemon interface {
	// Load streams a docker-load formatted tarball into the daemon and
	// returns the loaded image reference reported by the daemon.
	Load(ctx context.Context, input io.Reader) (string, error)

	Close() error
}

// For testing
var NewAPIClient = newAPIClient

var (
	apiClientOnce sync.Once
	apiClient     LocalDaemon
	apiClientErr  error
)

// NewDaemon returns a process-wide daemon client built from the
// environment.
func NewDaemon(ctx context.Context) (LocalDaemon, error) {
	apiClientOnce.Do(func() {
		apiClient, apiClientErr = NewAPIClient(ctx)
	})
	return apiClient, apiClientErr
}

// newAPIClient builds a docker client from DOCKER_HOST and friends,
// negotiating the API version with the server. SSH hosts go through the
// docker CLI connection helper.
func newAPIClient(ctx context.Context) (LocalDaemon, error) {
	opts := []client.Opt{client.WithHTTPHeaders(map[string]string{"User-Agent": version.UserAgent()})}

	if host := os.Getenv(client.EnvOverrideHost); host != "" {
		helper, err := connhelper.GetConnectionHelper(host)
		if err == nil && helper != nil {
			httpClient := &http.Client{
				Transport: &http.Transport{DialContext: helper.Dialer},
			}
			opts = append(opts, client.WithHTTPClient(httpClient), client.WithHost(helper.Host))
		} else {
			opts = append(opts, client.FromEnv)
		}
	} else {
		opts = append(opts, client.FromEnv)
	}

	if certPath := os.Getenv(client.EnvOverrideCertPath); certPath != "" {
		tlsOptions := tlsconfig.Options{
			CAFile:             filepath.Join(certPath, "ca.pem"),
			CertFile:           filepath.Join(certPath, "cert.pem"),
			KeyFile:            filepath.Join(certPath, "key.pem"),
			InsecureSkipVerify: os.Getenv(client.EnvTLSVerify) == "",
		}
		tlsClientConfig, err := tlsconfig.Client(tlsOptions)
		if err != nil {
			return nil, fmt.Errorf("building daemon TLS config: %w", err)
		}
		httpClient := &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsClientConfig},
		}
		opts = append(opts, client.WithHTTPClient(httpClient))
	}

	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	api.NegotiateAPIVersion(ctx)

	return &localDaemon{api: api}, nil
}

type localDaemon struct {
	api client.CommonAPIClient
}

// loadMessage is one line of the daemon's image-load JSON stream.
type loadMessage struct {
	Stream string `json:"stream"`
	Error  string `json:"error"`
}

func (l *localDaemon) Load(ctx context.Context, input io.Reader) (string, error) {
	resp, err := l.api.ImageLoad(ctx, input, false)
	if err != nil {
		return "", fmt.Errorf("loading image into docker daemon: %w", err)
	}
	defer resp.Body.Close()

	var loaded string
	decoder := json.NewDecoder(resp.Body)
	for decoder.More() {
		var message loadMessage
		if err := decoder.Decode(&message); err != nil {
			return "", fmt.Errorf("reading image load response: %w", err)
		}
		if message.Error != "" {
			return "", fmt.Errorf("docker daemon rejected the image: %s", message.Error)
		}
		if message.Stream != "" {
			log.Entry(ctx).Debug(message.Stream)
			if ref := parseLoadedRef(message.Stream); ref != "" {
				loaded = ref
			}
		}
	}
	return loaded, nil
}

func (l *localDaemon) Close() error {
	return l.api.Close()
}

// parseLoadedRef extracts the reference from "Loaded image: <ref>\n" style
// messages; other stream lines return "".
func parseLoadedRef(stream string) string {
	const prefix = "Loaded image: "
	trimmed := strings.TrimRight(stream, "\r\n")
	if strings.HasPrefix(trimmed, prefix) {
		return strings.TrimPrefix(trimmed, prefix)
	}
	return ""
}
