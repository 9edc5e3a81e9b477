package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"bitriver-vod/internal/auth"
	"bitriver-vod/internal/models"
)

type contextKey string

const principalContextKey contextKey = "principal"

// AdminSubject is the subject recorded for calls made with the admin key.
const AdminSubject = "admin"

var errUnauthenticated = errors.New("unauthenticated")

// Principal identifies the caller of an authenticated API request.
type Principal struct {
	SubjectID string
	Admin     bool
}

// canSee reports whether p may learn about asset. Ready assets form the
// public catalog; anything still in flight or failed stays with its owner.
func (p Principal) canSee(asset models.Asset) bool {
	return p.Admin || asset.Ready() || asset.OwnerID == "" || asset.OwnerID == p.SubjectID
}

// ContextWithPrincipal stores the authenticated caller in ctx.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext retrieves the caller stored by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

// Authenticate resolves the bearer credential on r to a principal. The admin
// key is compared in constant time; anything else must be a live session.
func (h *Handler) Authenticate(r *http.Request) (Principal, error) {
	if p, ok := PrincipalFromContext(r.Context()); ok {
		return p, nil
	}
	token := auth.BearerToken(r)
	if token == "" {
		return Principal{}, errUnauthenticated
	}
	if h.adminKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.adminKey)) == 1 {
		return Principal{SubjectID: AdminSubject, Admin: true}, nil
	}
	subject, ok, err := h.sessions.Validate(r.Context(), token)
	if err != nil {
		return Principal{}, err
	}
	if !ok {
		return Principal{}, errUnauthenticated
	}
	return Principal{SubjectID: subject}, nil
}

func (h *Handler) requirePrincipal(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	p, err := h.Authenticate(r)
	if err != nil {
		if errors.Is(err, errUnauthenticated) {
			writeError(w, http.StatusUnauthorized, msgUnauthorized)
		} else {
			h.writeServiceError(w, r, err)
		}
		return Principal{}, false
	}
	return p, true
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	p, ok := h.requirePrincipal(w, r)
	if !ok {
		return Principal{}, false
	}
	if !p.Admin {
		writeError(w, http.StatusForbidden, "forbidden")
		return Principal{}, false
	}
	return p, true
}
