package middleware

import (
	"net/http"

	"peerlink/internal/core/domain"
	"peerlink/pkg/logger"
	"peerlink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens a server span per relay request. Once the handler
// ran, the span is tagged with the mailbox it addressed, the authenticated
// peer and the negotiation session named in the body.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		span.SetAttributes(attribute.String("http.remote_addr", c.ClientIP()))
		if requestID := logger.RequestIDFrom(ctx); requestID != "" {
			span.SetAttributes(attribute.String("http.request_id", requestID))
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if target := c.Param("id"); target != "" {
			span.SetAttributes(tracing.TargetIDKey.String(target))
		}
		if slot := c.Param("slot"); slot != "" {
			span.SetAttributes(tracing.SlotKey.String(slot))
		}
		if v, ok := c.Get(PeerIDKey); ok {
			if id, ok := v.(domain.PeerID); ok {
				span.SetAttributes(tracing.PeerIDKey.String(string(id)))
			}
		}
		if sessionID := logger.SessionIDFrom(c.Request.Context()); sessionID != "" {
			span.SetAttributes(tracing.SessionIDKey.String(sessionID))
		}

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, c.Errors.String())
		} else if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last().Err)
		}
	}
}
