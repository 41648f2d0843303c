package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	"rollcall/internal/apperr"
	"rollcall/internal/response"
)

const claimsKey = "claims"

// Bearer enforces HS256 bearer tokens and stores the claims on the context.
// A 401 tells the client to drop its stored credentials.
func Bearer(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			response.Abort(c, apperr.Clone(apperr.ErrUnauthorized, "missing bearer token"))
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			response.Abort(c, apperr.Clone(apperr.ErrUnauthorized, "invalid token"))
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole lets only the listed roles through.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := FromContext(c)
		if !ok {
			response.Abort(c, apperr.ErrUnauthorized)
			return
		}
		for _, r := range roles {
			if claims.Role == r {
				c.Next()
				return
			}
		}
		response.Abort(c, apperr.ErrForbidden)
	}
}

// FromContext returns the claims stored by Bearer.
func FromContext(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}

// WithClaims stores claims on the context; used by tests and internal callers.
func WithClaims(c *gin.Context, claims Claims) {
	c.Set(claimsKey, claims)
}

// SubjectKey keys rate limiting by the authenticated subject, falling back to client IP.
func SubjectKey(c *gin.Context) string {
	if claims, ok := FromContext(c); ok && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	return "ip:" + c.ClientIP()
}
