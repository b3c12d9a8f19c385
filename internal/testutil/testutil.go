// Package testutil provides shared test helpers for the HTTP surfaces.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
)

// LoopbackAddr is a client address the tsweb debug handlers accept without
// Tailscale.
const LoopbackAddr = "127.0.0.1:40000"

// NewLoopbackRequest creates a test request that appears to come from this
// host, so /debug/ routes serve it.
func NewLoopbackRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = LoopbackAddr
	return req
}

// NewFormRequest creates a loopback POST carrying form as an urlencoded body.
func NewFormRequest(target string, form url.Values) *http.Request {
	req := NewLoopbackRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// Serve runs req through h and returns the recorded response.
func Serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}
