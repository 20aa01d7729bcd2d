package tunnel

import (
	"net/url"
	"strings"
)

// Router maps tunneled request paths onto local HTTP targets. By default
// everything goes to the base URL; a resolver can direct requests
// carrying a ?client= query parameter at alternate local services.
type Router struct {
	baseURL  string
	resolver func(client string) string
}

// NewRouter builds a router around a base URL. resolver may be nil; when
// set, it receives the request's client parameter and returns an
// alternate base URL, or "" to fall through to the default.
func NewRouter(baseURL string, resolver func(client string) string) *Router {
	return &Router{
		baseURL:  strings.TrimRight(baseURL, "/"),
		resolver: resolver,
	}
}

// Resolve returns the local base URL for a tunneled request path.
func (r *Router) Resolve(path string) string {
	if r.resolver == nil {
		return r.baseURL
	}
	u, err := url.Parse(path)
	if err != nil {
		return r.baseURL
	}
	client := u.Query().Get("client")
	if client == "" {
		return r.baseURL
	}
	if target := r.resolver(client); target != "" {
		return strings.TrimRight(target, "/")
	}
	return r.baseURL
}
