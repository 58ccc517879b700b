package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"rotor.dev/internal/audit"
	"rotor.dev/internal/auth"
)

// reauthenticate is the single client-visible answer to any failed renewal.
const reauthenticate = "please sign in again"

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func writeReauthenticate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	payload := map[string]any{
		"error": reauthenticate,
		"code":  "reauthenticate",
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, http.StatusUnauthorized, payload)
}

// handleAuthError maps non-renewal failures (logout, admin) onto HTTP statuses.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredential):
		writeError(w, r, http.StatusBadRequest, "invalid token")
	case errors.Is(err, auth.ErrUnknownCredential):
		writeError(w, r, http.StatusNotFound, "credential not found")
	case errors.Is(err, auth.ErrStoreUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "credential store unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
