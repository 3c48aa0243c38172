package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AdminAuthMiddleware guards operator routes with a static bearer secret.
// An empty secret rejects every request.
func AdminAuthMiddleware(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok || len(want) == 0 || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid admin credentials required",
			})
			return
		}
		c.Next()
	}
}

// bearerToken reads "Authorization: Bearer <token>", falling back to the
// token query parameter for WebSocket clients that cannot set headers.
func bearerToken(c *gin.Context) (string, bool) {
	if h := c.GetHeader("Authorization"); h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return "", false
		}
		token = strings.TrimSpace(token)
		return token, token != ""
	}
	if q := c.Query("token"); q != "" {
		return q, true
	}
	return "", false
}
