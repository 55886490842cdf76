package handlers

import (
	"net/http"

	"github.com/vango-go/vai-switchboard/pkg/gateway/mw"
)

// Error types of the JSON error envelope.
const (
	errInvalidRequest = "invalid_request_error"
	errPermission     = "permission_error"
	errNotFound       = "not_found_error"
	errOverloaded     = "overloaded_error"
	errRateLimit      = "rate_limit_error"
)

// statusOverloaded tells clients to retry against another instance.
const statusOverloaded = 529

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, apiErr *mw.APIError) {
	if apiErr.RequestID == "" {
		apiErr.RequestID = requestIDFromContext(r.Context())
	}
	mw.WriteJSONError(w, status, apiErr)
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeAPIError(w, r, http.StatusMethodNotAllowed, &mw.APIError{Type: errInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
}
