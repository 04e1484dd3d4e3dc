package middleware

import (
	"github.com/gin-gonic/gin"

	"secureconnect-calls/pkg/env"
)

var defaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:8080",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:8080",
}

// AllowedOrigins returns the local development origins plus CORS_ALLOWED_ORIGINS
func AllowedOrigins() map[string]bool {
	allowed := make(map[string]bool)
	for _, o := range defaultOrigins {
		allowed[o] = true
	}
	for _, o := range env.GetSlice("CORS_ALLOWED_ORIGINS", nil) {
		allowed[o] = true
	}
	return allowed
}

// CORSMiddleware rejects cross-origin requests from origins not in allowed
func CORSMiddleware(allowed map[string]bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if allowed[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		} else if origin != "" {
			c.AbortWithStatus(403)
			return
		}

		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
