package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/response"
)

// Recovery recovers from panics and returns 500 error
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("Panic recovered",
					zap.Any("panic", err),
					zap.String("path", c.Request.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				response.InternalError(c, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// HealthChecker reports whether a dependency is usable
type HealthChecker func(c *gin.Context) error

// HealthHandler serves /health. Failing checks are reported by name and
// turn the status into degraded while the endpoint still answers 200.
func HealthHandler(serviceName string, checks map[string]HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "healthy"
		deps := make(gin.H, len(checks))
		for name, check := range checks {
			if err := check(c); err != nil {
				status = "degraded"
				deps[name] = err.Error()
				continue
			}
			deps[name] = "ok"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":       status,
			"service":      serviceName,
			"dependencies": deps,
		})
	}
}
