package admin

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Logger is a Gin middleware that logs every admin request with method,
// path, status, and latency through the injected structured logger,
// replacing the teacher's package-level log.Printf with a tagged
// zerolog.Logger the way every other component here is logged.
func Logger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("admin request")
	}
}
