package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"qazna.org/entitlements/internal/auth"
)

const authHeader = "Authorization"

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	// Pub/Sub push is authenticated by the push token instead.
	"/v1/rtdn/pubsub",
}

// withAuth resolves the bearer token into a principal. Without a token
// verifier requests pass through unauthenticated and the reconciler rejects
// them.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := auth.ExtractBearer(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
		principal, err := a.tokens.Authenticate(token)
		if err != nil {
			msg := "authentication error"
			if errors.Is(err, auth.ErrInvalidToken) {
				msg = auth.ErrInvalidToken.Error()
			}
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", msg)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isPublicPath(path string) bool {
	path = strings.TrimSuffix(path, "/")
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
