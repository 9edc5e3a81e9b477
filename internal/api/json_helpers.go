package api

import (
	"errors"
	"net/http"

	"bitriver-vod/internal/serverutil"
)

const (
	msgUnauthorized = "unauthorized"
	msgInternal     = "internal error"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	serverutil.WriteJSON(w, status, payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	serverutil.WriteError(w, status, message)
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, message string) {
	writeError(w, status, message)
}

func decodeJSON(r *http.Request, dest interface{}) error {
	return serverutil.DecodeJSON(r, dest)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid JSON body")
}
