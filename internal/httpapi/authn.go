package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"rotor.dev/internal/auth"
)

const (
	authHeader       = "Authorization"
	bearer           = "Bearer "
	adminKeyHeader   = "X-Admin-Key"
	serviceKeyHeader = "X-Service-Key"
)

// withAuth requires a valid access credential. Verification is stateless.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		principal, err := a.svc.Authenticate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
	})
}

func (a *API) requireAdminKey(next http.Handler) http.Handler {
	return a.requireKey(adminKeyHeader, func() string { return a.adminKeyHash }, "admin access disabled", next)
}

func (a *API) requireServiceKey(next http.Handler) http.Handler {
	return a.requireKey(serviceKeyHeader, func() string { return a.serviceKeyHash }, "token issuance disabled", next)
}

// requireKey checks a bcrypt-hashed shared key. No configured hash disables the route.
func (a *API) requireKey(header string, hash func() string, disabled string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := hash()
		if h == "" {
			writeError(w, r, http.StatusForbidden, disabled)
			return
		}
		if err := auth.VerifyKey(h, strings.TrimSpace(r.Header.Get(header))); err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid "+strings.ToLower(strings.TrimPrefix(header, "X-")))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
