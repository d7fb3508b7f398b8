package middleware

import (
	"context"
	"net/http"
)

// UnmatchedRoute labels requests no route matched.
const UnmatchedRoute = "unmatched"

type routeKey struct{}

// routeInfo carries the matched route pattern from the mux back out to the
// middleware wrapping it.
type routeInfo struct {
	pattern string
}

// withRoute returns r carrying a route holder, reusing one installed by an
// outer middleware.
func withRoute(r *http.Request) (*http.Request, *routeInfo) {
	if info, ok := r.Context().Value(routeKey{}).(*routeInfo); ok {
		return r, info
	}
	info := &routeInfo{}
	return r.WithContext(context.WithValue(r.Context(), routeKey{}, info)), info
}

func (ri *routeInfo) route() string {
	if ri.pattern == "" {
		return UnmatchedRoute
	}
	return ri.pattern
}

// Route records the pattern the mux matched for r, for use as a metric label
// and span name. Wrap every handler registered on the mux with it.
func Route(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if info, ok := r.Context().Value(routeKey{}).(*routeInfo); ok {
			info.pattern = r.Pattern
		}
		next.ServeHTTP(w, r)
	})
}
