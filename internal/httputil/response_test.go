package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSONError(rec, http.StatusBadRequest, "test error")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %s, want application/json", ct)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp["error"] != "test error" {
		t.Errorf("error = %s, want 'test error'", resp["error"])
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	data := map[string]string{"message": "hello"}
	WriteJSON(rec, http.StatusCreated, data)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp["message"] != "hello" {
		t.Errorf("message = %s, want 'hello'", resp["message"])
	}
}

func TestWriteJSONOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	data := map[string]int{"count": 42}
	WriteJSONOK(rec, data)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp["count"] != 42 {
		t.Errorf("count = %d, want 42", resp["count"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	MethodNotAllowed(rec)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestBadRequest(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	BadRequest(rec, "invalid input")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestInternalServerError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	InternalServerError(rec, "something went wrong")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	NotFound(rec, "resource not found")

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestUpstreamErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func(http.ResponseWriter, string)
		want int
	}{
		{"bad gateway", BadGateway, http.StatusBadGateway},
		{"gateway timeout", GatewayTimeout, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		tt.fn(rec, "vision worker")
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
}

func TestWriteStatus(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteStatus(rec, "lidar updated")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"lidar updated"}` {
		t.Errorf("body = %s", got)
	}
}

func TestDecodeJSONBody(t *testing.T) {
	t.Parallel()

	type payload struct {
		Distance float64 `json:"distance"`
	}
	tests := []struct {
		name        string
		contentType string
		body        string
		limit       int64
		wantErr     string
		wantStatus  int
	}{
		{name: "ok", contentType: "application/json", body: `{"distance":1.5}`, limit: 64},
		{name: "charset", contentType: "application/json; charset=utf-8", body: `{"distance":1.5}`, limit: 64},
		{name: "no content type", body: `{"distance":1.5,"extra":true}`, limit: 64},
		{name: "empty", contentType: "application/json", body: ``, limit: 64, wantErr: "empty", wantStatus: http.StatusBadRequest},
		{name: "syntax", contentType: "application/json", body: `{"distance":`, limit: 64, wantErr: "invalid JSON", wantStatus: http.StatusBadRequest},
		{name: "wrong type", contentType: "application/json", body: `{"distance":"far"}`, limit: 64, wantErr: "invalid JSON", wantStatus: http.StatusBadRequest},
		{name: "trailing", contentType: "application/json", body: `{"distance":1}{"distance":2}`, limit: 64, wantErr: "single JSON object", wantStatus: http.StatusBadRequest},
		{name: "form", contentType: "application/x-www-form-urlencoded", body: `distance=1`, limit: 64, wantErr: "content type", wantStatus: http.StatusBadRequest},
		{name: "too large", contentType: "application/json", body: `{"distance":1.5}`, limit: 4, wantErr: "too large", wantStatus: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/lidar", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()

			var p payload
			err := DecodeJSONBody(rec, req, &p, tt.limit)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if p.Distance != 1.5 {
					t.Errorf("Distance = %v", p.Distance)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
			WriteDecodeError(rec, err)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
