package handler

import (
	"net/http"

	platformauth "github.com/zenGate-Global/palmyra-agency/platform/go/auth"
	"github.com/zenGate-Global/palmyra-agency/platform/go/problems"
	tenantmw "github.com/zenGate-Global/palmyra-agency/platform/go/tenant/middleware"
)

// RequireSession rejects anonymous requests and confirms tenant sessions against the directory.
// Platform sessions pass through untouched.
func RequireSession(resolver tenantmw.Resolver, cfg tenantmw.Config) func(http.Handler) http.Handler {
	tenantScoped := tenantmw.WithTenantSpace(resolver, cfg)
	return func(next http.Handler) http.Handler {
		confirmed := tenantScoped(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds, ok := platformauth.UserFromContext(r.Context())
			if !ok || creds == nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
				problems.Write(w, problems.New(http.StatusUnauthorized, problems.TypeUnauthorized, "Unauthorized", "missing session"))
				return
			}
			if creds.Scope == platformauth.ScopeTenant {
				confirmed.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
