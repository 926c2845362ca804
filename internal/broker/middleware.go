package broker

import (
	"crypto/subtle"
	stderrors "errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kaihochak/tallr/internal/common/apperr"
	"github.com/kaihochak/tallr/internal/common/logger"
)

// requestLogger logs every request with a correlation id (spec §4.5 is
// silent on access logging; this carries the teacher's ambient-logging
// idiom forward).
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// recovery turns a panic in a handler into a 500 instead of taking the
// Broker process down.
func recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered", zap.Any("panic", r), zap.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":    apperr.CodeInternal,
					"message": "an internal server error occurred",
				})
			}
		}()
		c.Next()
	}
}

// errorHandler converts a handler's c.Error(err) into the AppError's
// {code, message} JSON shape and status (spec §6: "Error responses: 400
// ... 401 ... 404 ... 409 ... 500").
func errorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		status := apperr.HTTPStatusOf(err)
		code := apperr.CodeInternal
		message := "an internal server error occurred"

		var appErr *apperr.AppError
		if stderrors.As(err, &appErr) {
			code = appErr.Code
			message = appErr.Message
		}
		c.JSON(status, gin.H{"code": code, "message": message})
	}
}

// bearerAuth enforces spec §4.5 Authentication: every mutating endpoint
// requires Authorization: Bearer <token> equal to the startup-minted
// token. Missing or mismatched -> 401.
func bearerAuth(store *Store, token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": apperr.CodeUnauthorized, "message": "missing bearer token"})
			return
		}
		presented := strings.TrimPrefix(header, prefix)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": apperr.CodeUnauthorized, "message": "invalid bearer token"})
			return
		}
		store.TouchCliPing()
		c.Next()
	}
}

// loopbackOnly refuses any connection whose remote address is not the
// loopback interface (spec §4.5 Bind: "Refuse non-loopback connections").
// Go's http.Server normally never sees non-loopback traffic since the
// listener is bound to 127.0.0.1, but this is cheap defense in depth
// against a misconfigured reverse proxy or container network mode.
func loopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		host := c.Request.RemoteAddr
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if host != "127.0.0.1" && host != "::1" && host != "localhost" {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}
