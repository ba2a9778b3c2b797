package httputil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStandardClient_Wraps(t *testing.T) {
	customClient := &http.Client{}
	client := NewStandardClient(customClient)

	if client.Client != customClient {
		t.Error("expected custom client to be wrapped")
	}
	if NewStandardClient(nil).Client != http.DefaultClient {
		t.Error("expected nil to fall back to http.DefaultClient")
	}
}

func TestStandardClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("frame"))
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := NewStandardClient(srv.Client()).Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "frame" {
		t.Errorf("got body %q", body)
	}
}

func TestReadLimited(t *testing.T) {
	b, err := ReadLimited(strings.NewReader("12345"), 5)
	if err != nil || string(b) != "12345" {
		t.Fatalf("ReadLimited at limit = %q, %v", b, err)
	}

	_, err = ReadLimited(strings.NewReader("123456"), 5)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestMockHTTPClient_QueuedResponses(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "hello").AddResponse(http.StatusNotFound, "missing")

	for i, want := range []struct {
		code int
		body string
	}{{http.StatusOK, "hello"}, {http.StatusNotFound, "missing"}, {http.StatusOK, ""}} {
		req, _ := http.NewRequest(http.MethodGet, "http://cam/capture", nil)
		resp, err := mock.Do(req)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != want.code || string(body) != want.body {
			t.Errorf("request %d = %d %q, want %d %q", i, resp.StatusCode, body, want.code, want.body)
		}
	}
	if mock.RequestCount() != 3 {
		t.Errorf("got %d requests, want 3", mock.RequestCount())
	}
}

func TestMockHTTPClient_RecordsBody(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddJSONResponse(http.StatusOK, map[string]interface{}{"objects": []string{}})

	req, _ := http.NewRequest(http.MethodPost, "http://vision/api/detect", strings.NewReader("payload"))
	resp, err := mock.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	defer resp.Body.Close()

	if got := string(mock.RequestBody(0)); got != "payload" {
		t.Errorf("RequestBody(0) = %q", got)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"objects":[]}` {
		t.Errorf("body = %s", body)
	}
	// The recorded request body is still readable.
	again, _ := io.ReadAll(mock.GetRequest(0).Body)
	if string(again) != "payload" {
		t.Errorf("request body after record = %q", again)
	}
}

func TestMockHTTPClient_Errors(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddErrorResponse(errors.New("connection refused"))

	req, _ := http.NewRequest(http.MethodGet, "http://cam/capture", nil)
	if _, err := mock.Do(req); err == nil || err.Error() != "connection refused" {
		t.Errorf("queued error = %v", err)
	}

	mock.DefaultError = errors.New("down")
	if _, err := mock.Do(req); err == nil || err.Error() != "down" {
		t.Errorf("default error = %v", err)
	}
}

func TestMockHTTPClient_CanceledContext(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "unused")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://cam/capture", nil)
	if _, err := mock.Do(req); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMockHTTPClient_DoFunc(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.DoFunc = func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusTeapot, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	req, _ := http.NewRequest(http.MethodGet, "http://x", nil)
	resp, err := mock.Do(req)
	if err != nil || resp.StatusCode != http.StatusTeapot {
		t.Errorf("DoFunc response = %v, %v", resp, err)
	}
}

func TestMockHTTPClient_Reset(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "x")
	req, _ := http.NewRequest(http.MethodGet, "http://x", nil)
	mock.Do(req)

	mock.Reset()
	if mock.RequestCount() != 0 || len(mock.Responses) != 0 {
		t.Error("Reset did not clear state")
	}
	if mock.GetRequest(0) != nil || mock.RequestBody(0) != nil {
		t.Error("expected nil for out-of-range request")
	}
}
