package auth

import (
	"errors"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/e2b-dev/research/internal/api"
)

const PrincipalContextKey = "principal"

// Middleware resolves the caller once per request and rejects it with 401 unless the
// principal was produced by one of the allowed modes.
func Middleware(resolver *Resolver, modes ...AuthMode) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := resolver.Resolve(c.Request)
		if err != nil {
			c.Error(err)

			if errors.Is(err, ErrUnauthorized) {
				zap.L().Debug("request authentication failed", zap.Error(err))
				abort(c, http.StatusUnauthorized, "Invalid credentials")

				return
			}

			zap.L().Error("error resolving request principal", zap.Error(err))
			abort(c, http.StatusInternalServerError, "Error authenticating request")

			return
		}

		if !principal.Authenticated() || !slices.Contains(modes, principal.AuthMode) {
			abort(c, http.StatusUnauthorized, "Authentication required")

			return
		}

		zap.L().Debug("request authenticated", logPrincipal(principal)...)

		c.Set(PrincipalContextKey, principal)
		c.Next()
	}
}

// GetPrincipal returns the principal set by Middleware, Anonymous when the route is not authenticated.
func GetPrincipal(c *gin.Context) Principal {
	value, ok := c.Get(PrincipalContextKey)
	if !ok {
		return Anonymous
	}

	principal, ok := value.(Principal)
	if !ok {
		return Anonymous
	}

	return principal
}

func abort(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, api.Error{Code: int32(code), Message: message})
}
