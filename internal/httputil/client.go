// Package httputil holds the HTTP plumbing shared by the detector client and
// the ingest API: a mockable client, bounded body reads, and JSON responses.
package httputil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ErrBodyTooLarge is returned when a body exceeds its read limit.
var ErrBodyTooLarge = errors.New("body too large")

// HTTPClient is the subset of *http.Client the service uses.
// Use StandardClient in production and MockHTTPClient in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StandardClient wraps *http.Client to implement HTTPClient.
type StandardClient struct {
	*http.Client
}

// NewStandardClient wraps c, or http.DefaultClient when c is nil.
func NewStandardClient(c *http.Client) *StandardClient {
	if c == nil {
		c = http.DefaultClient
	}
	return &StandardClient{Client: c}
}

// Do sends an HTTP request.
func (c *StandardClient) Do(req *http.Request) (*http.Response, error) {
	return c.Client.Do(req)
}

// ReadLimited reads all of r, failing with ErrBodyTooLarge once more than
// limit bytes have been seen.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, limit)
	}
	return b, nil
}

// MockHTTPClient replays queued responses and records each request along
// with its body.
type MockHTTPClient struct {
	mu           sync.Mutex
	DoFunc       func(req *http.Request) (*http.Response, error)
	Requests     []*http.Request
	Bodies       [][]byte
	Responses    []*MockResponse
	responseIdx  int
	DefaultError error
}

// MockResponse defines a canned HTTP response for testing.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    http.Header
	Error      error
}

// NewMockHTTPClient creates a new mock HTTP client.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{
		Requests:  []*http.Request{},
		Responses: []*MockResponse{},
	}
}

// AddResponse queues a response to be returned by subsequent requests.
func (m *MockHTTPClient) AddResponse(statusCode int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, &MockResponse{
		StatusCode: statusCode,
		Body:       body,
		Headers:    make(http.Header),
	})
	return m
}

// AddJSONResponse queues v encoded as a JSON response.
func (m *MockHTTPClient) AddJSONResponse(statusCode int, v interface{}) *MockHTTPClient {
	b, err := json.Marshal(v)
	if err != nil {
		return m.AddErrorResponse(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	m.Responses = append(m.Responses, &MockResponse{StatusCode: statusCode, Body: string(b), Headers: h})
	return m
}

// AddErrorResponse queues a transport error.
func (m *MockHTTPClient) AddErrorResponse(err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, &MockResponse{Error: err})
	return m
}

// Do records the request and returns the next queued response.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)
	m.Bodies = append(m.Bodies, body)

	if m.DoFunc != nil {
		return m.DoFunc(req)
	}
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	if m.DefaultError != nil {
		return nil, m.DefaultError
	}

	if m.responseIdx < len(m.Responses) {
		resp := m.Responses[m.responseIdx]
		m.responseIdx++

		if resp.Error != nil {
			return nil, resp.Error
		}

		return &http.Response{
			StatusCode: resp.StatusCode,
			Body:       io.NopCloser(bytes.NewBufferString(resp.Body)),
			Header:     resp.Headers,
			Request:    req,
		}, nil
	}

	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewBufferString("")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// GetRequest returns the nth recorded request.
func (m *MockHTTPClient) GetRequest(n int) *http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n >= len(m.Requests) {
		return nil
	}
	return m.Requests[n]
}

// RequestBody returns the body sent with the nth recorded request.
func (m *MockHTTPClient) RequestBody(n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n >= len(m.Bodies) {
		return nil
	}
	return m.Bodies[n]
}

// RequestCount returns the number of recorded requests.
func (m *MockHTTPClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// Reset clears all recorded requests and responses.
func (m *MockHTTPClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = []*http.Request{}
	m.Bodies = nil
	m.Responses = []*MockResponse{}
	m.responseIdx = 0
	m.DefaultError = nil
	m.DoFunc = nil
}
