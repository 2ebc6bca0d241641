// Package middleware provides HTTP middleware for the console API.
package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// corsMethods are the methods a preflight may be granted, in header order.
var corsMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPatch,
	http.MethodDelete,
}

const (
	corsAllowHeaders = "Authorization, Content-Type"
	corsMaxAge       = "600"
)

// CORS returns middleware that handles CORS headers. Preflight responses
// advertise only the methods the router serves for the requested path.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed, explicit := matchOrigin(allowedOrigins, origin)

			if allowed && origin != "" {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				// Credentials only for explicitly listed origins, never for a wildcard echo.
				if explicit {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
				if r.Method == http.MethodOptions {
					h.Set("Access-Control-Allow-Methods", routeMethods(r))
					h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
					h.Set("Access-Control-Max-Age", corsMaxAge)
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func matchOrigin(allowedOrigins []string, origin string) (allowed, explicit bool) {
	for _, o := range allowedOrigins {
		if o == origin {
			return true, true
		}
		if o == "*" {
			allowed = true
		}
	}
	return allowed, false
}

// routeMethods lists the methods routed for the request path. Outside a chi
// router every CORS method is listed.
func routeMethods(r *http.Request) string {
	methods := make([]string, 0, len(corsMethods)+1)
	rctx := chi.RouteContext(r.Context())
	for _, m := range corsMethods {
		if rctx == nil || rctx.Routes == nil || rctx.Routes.Match(chi.NewRouteContext(), m, r.URL.Path) {
			methods = append(methods, m)
		}
	}
	methods = append(methods, http.MethodOptions)
	return strings.Join(methods, ", ")
}
