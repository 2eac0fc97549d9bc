package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/worldchamps/kioskq/internal/auth"
	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/internal/logger"
)

// Context keys set by handlers and middlewares.
const (
	ctxPrincipal = "kioskq.principal"
	ctxProperty  = "kioskq.property"
)

// RequestLogger logs one line per request.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if p := c.GetString(ctxProperty); p != "" {
			fields = append(fields, zap.String("property", p))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.Last().Error()))
		}

		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			log.Error("request", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// Recovery turns a panic into a 500 envelope instead of a dropped
// connection.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Error("panic in handler", zap.Any("panic", recovered), zap.String("path", c.Request.URL.Path))
		fail(c, errs.E(errs.KindInternal, "server.Recovery", "unexpected server error"))
	})
}

// RequireAPIKey rejects requests without a valid credential before any
// handler runs.
func RequireAPIKey(a auth.Authenticator, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := auth.CredentialFromHeader(c.Request.Header)
		principal, err := a.Authenticate(credential)
		if err != nil {
			log.Warn("rejected credential",
				zap.String("key", logger.MaskKey(credential)),
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()))
			fail(c, err)
			return
		}
		c.Set(ctxPrincipal, principal)
		c.Next()
	}
}
