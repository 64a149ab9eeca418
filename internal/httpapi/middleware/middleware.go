// Package middleware holds the small set of Gin middleware the HTTP
// surface needs: panic recovery, request-id stamping, and JWT auth.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/arjunv/jobdispatch/internal/auth"
	"github.com/arjunv/jobdispatch/internal/common"
)

// Recovery converts a panic in a handler into a 500 response instead of
// crashing the process.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
	})
}

// RequestID stamps every response with an X-Request-Id, generating one
// if the caller didn't supply it.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-Id", id)
		c.Next()
	}
}

// AuthRequired rejects requests without a valid "Bearer <jwt>"
// Authorization header, stashing the authenticated user id in context.
func AuthRequired(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			common.Fail(c, http.StatusUnauthorized, 40100, "missing bearer token")
			c.Abort()
			return
		}

		userID, err := auth.ParseJWT(parts[1], jwtSecret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40101, "invalid or expired token")
			c.Abort()
			return
		}

		c.Set("user_id", userID)
		c.Next()
	}
}
