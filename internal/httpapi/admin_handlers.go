package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"rotor.dev/internal/audit"
	"rotor.dev/internal/auth"
)

type credentialView struct {
	CredentialID string     `json:"cid"`
	FamilyID     string     `json:"family_id"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Status       string     `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

func newCredentialView(cs auth.CredentialStatus) credentialView {
	v := credentialView{
		CredentialID: cs.Record.CredentialID,
		FamilyID:     cs.Record.FamilyID,
		IssuedAt:     cs.Record.IssuedAt,
		ExpiresAt:    cs.Record.ExpiresAt,
		Status:       string(cs.Status),
	}
	if cs.Revocation != nil {
		at := cs.Revocation.RevokedAt
		v.Reason = string(cs.Revocation.Reason)
		v.RevokedAt = &at
	}
	return v
}

func (a *API) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	principal := strings.TrimSpace(chi.URLParam(r, "principal"))
	items, err := a.svc.ListOutstanding(r.Context(), principal)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	views := make([]credentialView, 0, len(items))
	for _, it := range items {
		views = append(views, newCredentialView(it))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"principal": principal,
		"items":     views,
	})
}

func (a *API) handleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	entry, created, err := a.svc.AdminRevoke(r.Context(), cid)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.credential.revoke", map[string]any{
		"cid":     cid,
		"created": created,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"cid":        entry.CredentialID,
		"reason":     string(entry.Reason),
		"revoked_at": entry.RevokedAt,
		"created":    created,
	})
}

func (a *API) handleRevokeFamily(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	n, err := a.svc.AdminRevokeFamily(r.Context(), cid)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.family.revoke", map[string]any{"cid": cid, "revoked": n})
	writeJSON(w, http.StatusOK, map[string]any{"cid": cid, "revoked": n})
}

func (a *API) handleRevokePrincipal(w http.ResponseWriter, r *http.Request) {
	principal := strings.TrimSpace(chi.URLParam(r, "principal"))
	n, err := a.svc.AdminRevokePrincipal(r.Context(), principal)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.principal.revoke", map[string]any{
		"target":  principal,
		"revoked": n,
	})
	writeJSON(w, http.StatusOK, map[string]any{"principal": principal, "revoked": n})
}
