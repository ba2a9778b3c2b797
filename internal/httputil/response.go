package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
)

// WriteJSONError writes {"error": msg} with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}

// WriteJSONOK writes a successful JSON response (200 OK).
func WriteJSONOK(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteStatus writes {"status": status} with code 200.
func WriteStatus(w http.ResponseWriter, status string) {
	WriteJSONOK(w, map[string]string{"status": status})
}

// MethodNotAllowed writes a 405 Method Not Allowed response.
func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// BadRequest writes a 400 Bad Request response with the given message.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

// InternalServerError writes a 500 Internal Server Error response.
func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}

// NotFound writes a 404 Not Found response.
func NotFound(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusNotFound, msg)
}

// BadGateway writes a 502 for a failed upstream dependency.
func BadGateway(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadGateway, msg)
}

// GatewayTimeout writes a 504 for an upstream dependency that ran out of time.
func GatewayTimeout(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusGatewayTimeout, msg)
}

// DecodeJSONBody decodes a single JSON object from r's body into v. The
// body is capped at maxBytes; unknown fields are ignored. Errors are
// suitable for returning to the client as a 400 (or 413 for
// ErrBodyTooLarge).
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, v interface{}, maxBytes int64) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("content type must be application/json, got %q", ct)
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)

	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, maxBytes)
		case errors.Is(err, io.EOF):
			return errors.New("request body is empty")
		default:
			return fmt.Errorf("invalid JSON body: %w", err)
		}
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// WriteDecodeError maps a DecodeJSONBody error to a response.
func WriteDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrBodyTooLarge) {
		WriteJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	BadRequest(w, err.Error())
}
