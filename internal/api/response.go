package api

import (
	"encoding/json"
	"net/http"

	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
)

// APIError is the standard error response format.
type APIError struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// JSONResponse writes a successful JSON response.
func JSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// JSONResponseStatus writes a JSON response with a specific status code.
func JSONResponseStatus(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// JSONError writes a simple error response.
func JSONError(w http.ResponseWriter, message string, status int) {
	JSONResponseStatus(w, APIError{Error: message}, status)
}

// HandleError maps an error to its HTTP shape. Structured errors carry
// their own status and code; anything else is an opaque 500.
func HandleError(w http.ResponseWriter, err error) {
	if ce := conductorerrors.AsConductorError(err); ce != nil {
		JSONResponseStatus(w, APIError{Error: ce.What, Code: string(ce.Code)}, ce.HTTPStatus())
		return
	}
	JSONError(w, err.Error(), http.StatusInternalServerError)
}
