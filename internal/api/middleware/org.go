package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// OrgKey is the context key for the requesting organization.
const OrgKey contextKey = "org"

// OrgExtractor extracts the organization from the request. It checks the
// X-Org-Id header, then the org query parameter, and falls back to
// "default".
func OrgExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org := ""

		if h := r.Header.Get("X-Org-Id"); h != "" {
			org = strings.TrimSpace(h)
		}
		if org == "" {
			if q := r.URL.Query().Get("org"); q != "" {
				org = strings.TrimSpace(q)
			}
		}
		if org == "" {
			org = "default"
		}

		ctx := context.WithValue(r.Context(), OrgKey, org)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetOrg retrieves the organization from the request context.
func GetOrg(ctx context.Context) string {
	if v, ok := ctx.Value(OrgKey).(string); ok {
		return v
	}
	return "default"
}
