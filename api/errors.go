package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/veilmsg/veil/auth"
	"github.com/veilmsg/veil/storage"
)

// maxBodySize bounds all request bodies. Every payload on this surface is a
// handful of short strings.
const maxBodySize = 16 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidNonce),
		errors.Is(err, auth.ErrUnknownUser),
		errors.Is(err, auth.ErrBadSignature):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeJSON reads and decodes a JSON body into T, writing the error
// response itself on failure. Unknown fields are rejected so typos fail
// loudly instead of silently zeroing.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, maxSize int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	return v, true
}
