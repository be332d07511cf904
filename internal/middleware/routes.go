package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// ExcludeRoutes runs handler for every route except the given ones.
func ExcludeRoutes(handler gin.HandlerFunc, routes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if slices.Contains(routes, c.FullPath()) {
			c.Next()

			return
		}

		handler(c)
	}
}

// SubdomainRewrite prefixes the request path with prefix when the host starts with
// "<subdomain>.". It wraps the router because the rewrite has to happen before routing.
func SubdomainRewrite(next http.Handler, subdomain string, prefix string) http.Handler {
	if subdomain == "" || prefix == "" {
		return next
	}

	hostPrefix := strings.ToLower(subdomain) + "."

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(strings.ToLower(r.Host), hostPrefix) && !hasPathPrefix(r.URL.Path, prefix) {
			r.URL.Path = prefix + r.URL.Path
			if r.URL.RawPath != "" {
				r.URL.RawPath = prefix + r.URL.RawPath
			}
		}

		next.ServeHTTP(w, r)
	})
}

func hasPathPrefix(path string, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
