package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"rotor.dev/internal/audit"
	"rotor.dev/internal/auth"
	"rotor.dev/internal/obs"
)

type issueRequest struct {
	Principal string `json:"principal"`
}

type renewalRequest struct {
	Refresh string `json:"refresh"`
}

type pairResponse struct {
	Access           string    `json:"access"`
	Refresh          string    `json:"refresh"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func newPairResponse(p auth.Pair) pairResponse {
	return pairResponse{
		Access:           p.Access.Token,
		Refresh:          p.Renewal.Token,
		TokenType:        "Bearer",
		AccessExpiresAt:  p.Access.Claims.ExpiresAt,
		RefreshExpiresAt: p.Renewal.Claims.ExpiresAt,
	}
}

// handleIssue mints a pair for a principal the calling service has already authenticated.
func (a *API) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	principal := strings.TrimSpace(req.Principal)
	if principal == "" {
		writeError(w, r, http.StatusBadRequest, "principal is required")
		return
	}

	pair, err := a.svc.Login(r.Context(), principal)
	if err != nil {
		if errors.Is(err, auth.ErrStoreUnavailable) {
			writeError(w, r, http.StatusServiceUnavailable, "credential store unavailable")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"principal":  principal,
		"cid":        pair.Renewal.Claims.CredentialID,
		"family_id":  pair.Renewal.Claims.FamilyID,
		"expires_at": pair.Renewal.Claims.ExpiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, newPairResponse(pair))
}

// handleRefresh rotates a renewal credential. Every failure looks the same to the client.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req renewalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Refresh) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh is required")
		return
	}

	pair, err := a.svc.Refresh(r.Context(), req.Refresh)
	if err != nil {
		obs.Logger().Info("refresh rejected",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.Error(err))
		writeReauthenticate(w, r)
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.token.refreshed", map[string]any{
		"principal": pair.Renewal.Claims.Principal,
		"cid":       pair.Renewal.Claims.CredentialID,
		"family_id": pair.Renewal.Claims.FamilyID,
	})
	writeJSON(w, http.StatusOK, newPairResponse(pair))
}

// handleLogout revokes the presented renewal credential. Repeating it is acknowledged.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req renewalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Refresh) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh is required")
		return
	}

	entry, created, err := a.svc.Logout(r.Context(), req.Refresh)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrInvalidCredential):
		writeError(w, r, http.StatusBadRequest, "invalid token")
		return
	case errors.Is(err, auth.ErrUnknownCredential):
		writeError(w, r, http.StatusBadRequest, "unknown token")
		return
	default:
		handleAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{
		"cid":     entry.CredentialID,
		"created": created,
		"reason":  string(entry.Reason),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	n, err := a.svc.LogoutEverywhere(r.Context(), principal.ID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout_all", map[string]any{"revoked": n})
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out", "revoked": n})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"principal":  principal.ID,
		"cid":        principal.Claims.CredentialID,
		"issued_at":  principal.Claims.IssuedAt,
		"expires_at": principal.Claims.ExpiresAt,
	})
}
