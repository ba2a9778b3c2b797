// Package testutil provides shared test helpers for the HTTP and streaming
// tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(tb testing.TB, got, want int) {
	tb.Helper()
	if got != want {
		tb.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(tb testing.TB, err error) {
	tb.Helper()
	if err != nil {
		tb.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(tb testing.TB, err error) {
	tb.Helper()
	if err == nil {
		tb.Fatalf("expected error, got nil")
	}
}

// NewJSONRequest builds a request whose body is body encoded as JSON. A
// string body is sent verbatim, so tests can post malformed JSON.
func NewJSONRequest(method, path string, body interface{}) *http.Request {
	var raw []byte
	switch b := body.(type) {
	case nil:
	case string:
		raw = []byte(b)
	default:
		var err error
		if raw, err = json.Marshal(b); err != nil {
			panic(err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// DecodeJSON decodes the recorded response body into v.
func DecodeJSON(tb testing.TB, rec *httptest.ResponseRecorder, v interface{}) {
	tb.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		tb.Errorf("Content-Type = %q, want application/json", ct)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		tb.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 {
	return &v
}

// WaitFor polls cond every few milliseconds until it holds or timeout
// elapses.
func WaitFor(tb testing.TB, timeout time.Duration, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			tb.Fatalf("condition not met within %v", timeout)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
