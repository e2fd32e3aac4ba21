// Package httputil holds the small HTTP helpers shared by the handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrPayloadTooLarge is returned when the request body exceeds the size limit.
var ErrPayloadTooLarge = errors.New("payload too large")

// ErrEmptyBody is returned for a request without a body.
var ErrEmptyBody = errors.New("empty body")

// ReadBodyStrict reads at most limit bytes of the request body and rejects
// an empty one.
func ReadBodyStrict(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("%w (max %d bytes)", ErrPayloadTooLarge, limit)
		}
		return nil, err
	}
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}
	return body, nil
}

// WriteJSON writes a JSON response with proper headers.
func WriteJSON(w http.ResponseWriter, code int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(data)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes an ErrorBody with the given status.
func WriteError(w http.ResponseWriter, code int, errCode, message string) {
	_ = WriteJSON(w, code, ErrorBody{Error: errCode, Message: message})
}

// SetSecurityHeaders sets the headers every API response carries.
func SetSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")
}
