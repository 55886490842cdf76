package handlers

import (
	"net/http"

	"github.com/vango-go/vai-switchboard/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeAPIError(w, r, http.StatusNotFound, &mw.APIError{Type: errNotFound, Message: "not found"})
}
