package logging

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// GinLogrusLogger returns gin access-log middleware writing through logrus.
// Health checks are logged at debug so they don't drown the info stream.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    path,
			"latency": time.Since(start).Round(time.Millisecond).String(),
			"client":  c.ClientIP(),
		})
		switch {
		case path == "/health":
			entry.Debug("request")
		case c.Writer.Status() >= 500:
			entry.Error("request")
		case c.Writer.Status() >= 400:
			entry.Warn("request")
		default:
			entry.Info("request")
		}
	}
}

// GinLogrusRecovery returns panic-recovery middleware that logs the panic via
// logrus and answers 500 instead of tearing down the connection.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		logger.WithField("panic", recovered).Error("handler panic recovered")
		c.AbortWithStatusJSON(500, gin.H{
			"error": gin.H{
				"message": "internal server error",
				"type":    "server_error",
			},
		})
	})
}
