// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package testhelper holds shared helpers for the package tests.
package testhelper

import (
	"net/http"
	"os"
	"testing"
)

// TestOnlineAPIURL is an echo endpoint used by the HTTP client integration tests.
const TestOnlineAPIURL = "https://httpbin.org/anything"

// MockRoundTripper allows to replace the transport of an HTTP client with a function.
type MockRoundTripper struct {
	Fn func(*http.Request) (*http.Response, error)
}

// RoundTrip satisfies the http.RoundTripper interface.
func (m MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.Fn(req)
}

// PerformIntegrationTests skips the calling test unless PERFORM_INTEGRATION_TESTS is set.
func PerformIntegrationTests(t *testing.T) {
	t.Helper()
	if val := os.Getenv("PERFORM_INTEGRATION_TESTS"); val == "" {
		t.Skip("skipping integration tests")
	}
}

// MockResponse is a small helper returning a canned body with the given status code.
func MockResponse(status int, body string) MockRoundTripper {
	return MockRoundTripper{Fn: func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: status,
			Body:       NopBody(body),
			Header:     make(http.Header),
			Request:    req,
		}, nil
	}}
}
