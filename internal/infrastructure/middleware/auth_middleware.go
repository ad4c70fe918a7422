package middleware

import (
	"errors"
	"strings"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	apperrors "peerlink/pkg/errors"

	"github.com/gin-gonic/gin"
)

// PeerIDKey is the gin context key holding the authenticated peer.
const PeerIDKey = "peer_id"

// bearerToken extracts a bearer token from the Authorization header or, for
// websocket upgrades that cannot set headers, the "token" query parameter.
func bearerToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("token"); token != "" {
			return token, nil
		}
		return "", errors.New("authorization header required")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

// PeerOwnerMiddleware requires a token issued for the peer named by the
// :param route parameter.
func PeerOwnerMiddleware(authService services.AuthService, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			_ = c.Error(apperrors.NewUnauthorizedError(err.Error()))
			c.Abort()
			return
		}

		peerID := domain.PeerID(c.Param(param))
		if err := authService.Authorize(token, peerID); err != nil {
			if errors.Is(err, services.ErrUnauthorized) {
				_ = c.Error(apperrors.NewForbiddenError("token does not own this peer"))
			} else {
				_ = c.Error(apperrors.NewUnauthorizedError(err.Error()))
			}
			c.Abort()
			return
		}

		c.Set(PeerIDKey, peerID)
		c.Next()
	}
}

// OptionalAuthMiddleware records the token's peer when a valid token is
// present and never rejects the request.
func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err == nil {
			if claims, err := authService.ValidateToken(token); err == nil {
				c.Set(PeerIDKey, claims.PeerID)
			}
		}
		c.Next()
	}
}

// RequireAuthMiddleware accepts any valid peer token.
func RequireAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			_ = c.Error(apperrors.NewUnauthorizedError(err.Error()))
			c.Abort()
			return
		}
		claims, err := authService.ValidateToken(token)
		if err != nil {
			_ = c.Error(apperrors.NewUnauthorizedError(err.Error()))
			c.Abort()
			return
		}
		c.Set(PeerIDKey, claims.PeerID)
		c.Next()
	}
}
