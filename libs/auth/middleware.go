package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const ContextAccountKey = "account"

// Middleware authenticates the bearer token and stores the caller's wallet
// address on the request context.
func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}

		c.Set(ContextAccountKey, claims.Subject)
		c.Next()
	}
}

// AccountFromContext returns the authenticated wallet address, if any.
func AccountFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(ContextAccountKey)
	if !ok {
		return "", false
	}
	account, ok := v.(string)
	if !ok || account == "" {
		return "", false
	}
	return account, true
}
