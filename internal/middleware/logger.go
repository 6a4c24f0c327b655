package middleware

import (
	"time"

	"github.com/Brownie44l1/cxr-api/internal/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Logger logs one line per request through the global zap logger.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
			zap.Duration("cost", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		if c.Writer.Status() >= 500 {
			utils.Logger.Error("request", fields...)
			return
		}
		utils.Logger.Info("request", fields...)
	}
}

// Recovery turns handler panics into 500 responses and logs them.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		utils.Logger.Error("panic recovered",
			zap.Any("error", recovered),
			zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(500, gin.H{"success": false, "error": "internal server error"})
	})
}
