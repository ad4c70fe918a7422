package middleware

import (
	"time"

	"peerlink/internal/core/domain"
	"peerlink/pkg/logger"
	"peerlink/pkg/utils"

	"github.com/gin-gonic/gin"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestLoggingMiddleware tags each request with an id and logs it once
// handled, together with the authenticated peer and any negotiation session
// the handler recorded in the request context.
func RequestLoggingMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" || len(requestID) > 64 {
			requestID = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))

		start := time.Now()
		c.Next()

		ctx := c.Request.Context()
		if peerID, ok := c.Get(PeerIDKey); ok {
			if id, ok := peerID.(domain.PeerID); ok {
				ctx = logger.WithPeerID(ctx, string(id))
			}
		}
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if len(c.Errors) > 0 && c.Writer.Status() >= 500 {
			cl.LogError(ctx, c.Errors.Last().Err, "request failed")
		}
		cl.LogRequest(ctx, c.Request.Method, path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
