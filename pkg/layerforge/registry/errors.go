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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// RegistryError is one error entry from a registry error payload.
type RegistryError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is a definitive registry rejection, carrying the HTTP status
// and the registry-provided error body verbatim. Transient statuses only
// surface as ErrorResponse after the retry budget is exhausted.
type ErrorResponse struct {
	StatusCode int
	Method     string
	URL        string
	Errors     []RegistryError `json:"errors"`
	RawBody    string
}

func (e *ErrorResponse) Error() string {
	message := fmt.Sprintf("registry rejected %s %s: status %d", e.Method, e.URL, e.StatusCode)
	if len(e.Errors) > 0 {
		var codes []string
		for _, re := range e.Errors {
			codes = append(codes, fmt.Sprintf("%s: %s", re.Code, re.Message))
		}
		return message + ": " + strings.Join(codes, "; ")
	}
	if e.RawBody != "" {
		return message + ": " + e.RawBody
	}
	return message
}

// AuthError reports rejected credentials after a challenge was answered.
// It is never retried.
type AuthError struct {
	Registry   string
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	message := fmt.Sprintf("authentication against %s failed with status %d", e.Registry, e.StatusCode)
	if e.Body != "" {
		message += ": " + e.Body
	}
	return message
}

// responseError drains and closes the response body and converts the
// response into an *ErrorResponse.
func responseError(resp *http.Response) *ErrorResponse {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()

	errResp := &ErrorResponse{
		StatusCode: resp.StatusCode,
		Method:     resp.Request.Method,
		URL:        resp.Request.URL.String(),
		RawBody:    string(body),
	}
	// Best effort: registries respond with a structured error document, but
	// proxies in front of them often do not.
	_ = json.Unmarshal(body, errResp)
	return errResp
}

// isTransient reports whether a status is worth retrying: server-side
// failures and throttling. Any other 4xx is a definitive answer.
func isTransient(statusCode int) bool {
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}
