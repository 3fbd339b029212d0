package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorResponse is the JSON envelope returned for every non-2xx admin
// response (written by the admin panic-recovery and timeout middleware).
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// WriteJSON writes data as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteErrorResponse writes a standard JSON error envelope.
func WriteErrorResponse(w http.ResponseWriter, _ *http.Request, status int, code, message string, details interface{}) {
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", status)
	}
	WriteJSON(w, status, ErrorResponse{Code: code, Message: message, Details: details})
}
