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

// Package registry implements the image registry wire protocol: the
// authorization handshake, blob existence checks, blob upload, and manifest
// push/pull, with bounded retries for transient failures.
//
// A Client is a per-repository session moving through the states
// unauthenticated → challenged → authenticated → closed. Re-authentication
// after a mid-session 401 happens inside the request loop; callers never
// observe it.
package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/distribution/reference"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
)

const (
	dockerHubRegistry  = "registry-1.docker.io"
	dockerHubConfigKey = "https://index.docker.io/v1/"

	// maxAttempts bounds how often one logical request hits the wire.
	maxAttempts = 4
)

// errRetryAfterAuth signals the retry loop that the session re-authenticated
// and the same request should be sent again immediately.
var errRetryAfterAuth = fmt.Errorf("re-authenticated, retry request")

// For testing
var newRetryBackOff = func(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, maxAttempts-1), ctx)
}

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateChallenged
	stateAuthenticated
	stateClosed
)

// Scope is the repository access a session requests when answering a token
// challenge.
type Scope string

const (
	ScopePull Scope = "pull"
	ScopePush Scope = "pull,push"
)

// Options configures a Client.
type Options struct {
	// Scope of the token to request; defaults to ScopePull.
	Scope Scope

	// Insecure switches to plain HTTP, for local registries.
	Insecure bool

	// Credentials overrides Docker config credential resolution.
	Credentials *Credentials

	// Transport overrides the HTTP transport, for tests.
	Transport http.RoundTripper

	UserAgent string
}

// Client is a registry session for one repository.
type Client struct {
	repository string
	registry   string
	baseURL    string
	scope      Scope
	userAgent  string
	httpClient *http.Client
	creds      Credentials

	mu           sync.Mutex
	state        sessionState
	bearerToken  string
	useBasicAuth bool
}

// NewClient creates a session for the repository named by ref. Credentials
// come from Options or, failing that, the Docker config.
func NewClient(ref reference.Named, opts Options) (*Client, error) {
	registryHost := reference.Domain(ref)
	if registryHost == "docker.io" || registryHost == "index.docker.io" {
		registryHost = dockerHubRegistry
	}

	scheme := "https"
	if opts.Insecure {
		scheme = "http"
	}

	creds := Credentials{}
	if opts.Credentials != nil {
		creds = *opts.Credentials
	} else if loaded, err := LoadCredentials(registryHost); err == nil {
		creds = loaded
	}

	scope := opts.Scope
	if scope == "" {
		scope = ScopePull
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		repository: reference.Path(ref),
		registry:   registryHost,
		baseURL:    scheme + "://" + registryHost,
		scope:      scope,
		userAgent:  opts.UserAgent,
		httpClient: &http.Client{Transport: transport},
		creds:      creds,
		state:      stateUnauthenticated,
	}, nil
}

// Repository returns the repository path this session is bound to.
func (c *Client) Repository() string {
	return c.repository
}

// Close discards the session. Subsequent operations fail.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = stateClosed
	c.bearerToken = ""
}

// BlobExists checks for a blob without transferring it. A 404 is a
// definitive "no", not an error.
func (c *Client) BlobExists(ctx context.Context, dgst digest.Digest) (bool, error) {
	resp, err := c.roundTrip(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodHead, c.url("/blobs/%s", dgst), nil)
	})
	if err != nil {
		return false, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, responseError(resp)
	}
}

// UploadBlob pushes one blob: initiate an upload session, then transfer
// monolithically and finalize in one PUT. open must return a fresh reader
// on every call so attempts can replay the body. Registries may invalidate
// an upload session after a failed transfer, so every transfer attempt
// starts with a session of its own.
func (c *Client) UploadBlob(ctx context.Context, dgst digest.Digest, size int64, open func() (io.ReadCloser, error)) error {
	putResp, err := c.roundTrip(ctx, func() (*http.Request, error) {
		uploadURL, err := c.initiateUpload(ctx)
		if err != nil {
			return nil, err
		}
		query := uploadURL.Query()
		query.Set("digest", dgst.String())
		uploadURL.RawQuery = query.Encode()

		body, err := open()
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL.String(), body)
		if err != nil {
			body.Close()
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.ContentLength = size
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("uploading blob %s: %w", dgst, err)
	}
	defer drain(putResp)

	if putResp.StatusCode != http.StatusCreated {
		return responseError(putResp)
	}
	return nil
}

// initiateUpload opens a fresh blob upload session and returns its location.
// Transient initiation failures are retried within; an error here is final
// for the surrounding transfer attempt.
func (c *Client) initiateUpload(ctx context.Context) (*url.URL, error) {
	resp, err := c.roundTrip(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, c.url("/blobs/uploads/"), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("initiating upload: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return nil, responseError(resp)
	}
	location := resp.Header.Get("Location")
	drain(resp)
	return c.resolveLocation(location)
}

// PushManifest puts a manifest under reference (a tag or digest) and returns
// its digest.
func (c *Client) PushManifest(ctx context.Context, ref string, mediaType types.MediaType, payload []byte) (v1.Hash, error) {
	resp, err := c.roundTrip(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url("/manifests/%s", ref), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", string(mediaType))
		return req, nil
	})
	if err != nil {
		return v1.Hash{}, fmt.Errorf("pushing manifest %s: %w", ref, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return v1.Hash{}, responseError(resp)
	}

	pushed, _, err := v1.SHA256(bytes.NewReader(payload))
	if err != nil {
		return v1.Hash{}, fmt.Errorf("digesting manifest: %w", err)
	}
	if returned := resp.Header.Get("Docker-Content-Digest"); returned != "" && returned != pushed.String() {
		return v1.Hash{}, fmt.Errorf("registry reported manifest digest %s, expected %s", returned, pushed)
	}
	return pushed, nil
}

// PullManifest fetches a manifest by tag or digest.
func (c *Client) PullManifest(ctx context.Context, ref string) ([]byte, types.MediaType, error) {
	resp, err := c.roundTrip(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/manifests/%s", ref), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", manifestAcceptHeader)
		return req, nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("pulling manifest %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", responseError(resp)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading manifest %s: %w", ref, err)
	}
	return payload, types.MediaType(resp.Header.Get("Content-Type")), nil
}

// PullBlob streams a blob. The caller owns the returned reader; retries
// cover the request, not failures after streaming begins.
func (c *Client) PullBlob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	resp, err := c.roundTrip(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.url("/blobs/%s", dgst), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("pulling blob %s: %w", dgst, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	return resp.Body, nil
}

var manifestAcceptHeader = string(types.DockerManifestSchema2) + "," +
	string(types.OCIManifestSchema1) + "," +
	string(types.DockerManifestList) + "," +
	string(types.OCIImageIndex)

// roundTrip sends one logical request, transparently answering
// authorization challenges and retrying transient failures with bounded
// exponential backoff. build must return a fresh request per call.
func (c *Client) roundTrip(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	c.mu.Lock()
	closed := c.state == stateClosed
	c.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("session for %s is closed", c.repository)
	}

	var resp *http.Response
	consecutive401 := 0

	attempt := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		c.applyAuth(req)

		r, err := c.httpClient.Do(req)
		if err != nil {
			// Connection-level failure: retryable.
			return err
		}

		switch {
		case r.StatusCode == http.StatusUnauthorized:
			consecutive401++
			errResp := responseError(r)
			if consecutive401 > 1 {
				// Challenge was answered and the registry still refused:
				// the credentials are wrong, not the token state.
				return backoff.Permanent(&AuthError{
					Registry:   c.registry,
					StatusCode: errResp.StatusCode,
					Body:       errResp.RawBody,
				})
			}
			if err := c.handleChallenge(ctx, r.Header.Get("WWW-Authenticate")); err != nil {
				return backoff.Permanent(err)
			}
			return errRetryAfterAuth
		case isTransient(r.StatusCode):
			consecutive401 = 0
			return responseError(r)
		default:
			consecutive401 = 0
			resp = r
			return nil
		}
	}

	if err := backoff.Retry(attempt, newRetryBackOff(ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

// handleChallenge moves the session to challenged, answers the challenge,
// and back to authenticated.
func (c *Client) handleChallenge(ctx context.Context, header string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = stateChallenged
	challenge, err := parseChallenge(header)
	if err != nil {
		return err
	}

	switch challenge.scheme {
	case "basic":
		if c.creds.empty() {
			return &AuthError{Registry: c.registry, StatusCode: http.StatusUnauthorized, Body: "registry requires basic credentials and none are configured"}
		}
		c.useBasicAuth = true
		c.bearerToken = ""
	default:
		token, err := exchangeToken(ctx, c.httpClient, challenge, c.creds, c.repository, string(c.scope))
		if err != nil {
			return err
		}
		c.bearerToken = token
		c.useBasicAuth = false
	}
	c.state = stateAuthenticated
	return nil
}

func (c *Client) applyAuth(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.bearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	case c.useBasicAuth:
		req.SetBasicAuth(c.creds.Username, c.creds.Password)
	}
}

func (c *Client) url(format string, args ...interface{}) string {
	return c.baseURL + "/v2/" + c.repository + fmt.Sprintf(format, args...)
}

func (c *Client) resolveLocation(location string) (*url.URL, error) {
	if location == "" {
		return nil, fmt.Errorf("upload initiation returned no location")
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	resolved, err := base.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parsing upload location %q: %w", location, err)
	}
	return resolved, nil
}

// drain discards the remaining body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20)) //nolint:errcheck
	resp.Body.Close()
}
