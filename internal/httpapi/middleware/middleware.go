package middleware

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/agentdesk/internal/auth"
	"github.com/suPer8Hu/agentdesk/internal/common"
)

const (
	UserIDKey    = "user_id"
	RequestIDKey = "request_id"

	requestIDHeader = "X-Request-ID"
)

// Recovery turns a panic into a generic 500. Webhook routes answer in their
// own envelope, everything else in the {code, message, data} one.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logrus.WithFields(logrus.Fields{
					"request_id": c.GetString(RequestIDKey),
					"path":       c.Request.URL.Path,
					"panic":      rec,
				}).Error("[HTTP] panic recovered\n" + string(debug.Stack()))
				if strings.HasPrefix(c.Request.URL.Path, "/webhooks/") {
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"success": false,
						"error":   "Internal server error",
					})
					return
				}
				common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
			}
		}()
		c.Next()
	}
}

// RequestID reuses the caller's X-Request-ID or mints one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// Timeout bounds the request context. Handlers see ctx.Err() once it fires.
func Timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(h, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		uid, err := auth.ParseJWT(strings.TrimSpace(token), secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}
