package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gluk-w/appmirror/internal/remote"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// statusFor maps a failed remote call onto an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable
	}
	switch remote.KindOf(err) {
	case remote.KindNotFound:
		return http.StatusNotFound
	case remote.KindValidation:
		return http.StatusBadRequest
	case remote.KindConflict:
		return http.StatusConflict
	case remote.KindTimeout:
		return http.StatusGatewayTimeout
	case remote.KindAuthentication, remote.KindNetwork:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeRemoteError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}
