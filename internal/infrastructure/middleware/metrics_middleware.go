package middleware

import (
	"github.com/gin-gonic/gin"
)

// RequestRecorder counts finished requests by route template and status.
type RequestRecorder interface {
	RecordHTTPRequest(route string, status int)
}

func MetricsMiddleware(recorder RequestRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		recorder.RecordHTTPRequest(route, c.Writer.Status())
	}
}
