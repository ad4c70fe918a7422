package http

import (
	"net/http"
	"strings"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/middleware"
	"peerlink/pkg/errors"
	"peerlink/pkg/utils"
	"peerlink/pkg/validation"

	"github.com/gin-gonic/gin"
)

type PeerHandler struct {
	presence          ports.PresenceService
	authService       services.AuthService
	heartbeatInterval time.Duration
}

func NewPeerHandler(presence ports.PresenceService, authService services.AuthService, heartbeatInterval time.Duration) *PeerHandler {
	return &PeerHandler{
		presence:          presence,
		authService:       authService,
		heartbeatInterval: heartbeatInterval,
	}
}

func (h *PeerHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/peers")
	{
		api.POST("/register", h.Register)
		api.GET("", h.ListOnline)
		api.GET("/resolve/:code", h.ResolveByCode)

		owned := api.Group("/:id", middleware.PeerOwnerMiddleware(h.authService, "id"))
		owned.POST("/heartbeat", h.Heartbeat)
		owned.DELETE("", h.Unregister)
	}
}

type RegisterRequest struct {
	// ID re-registers an existing peer and requires its token. Leave it
	// empty to be assigned a fresh ID.
	ID          domain.PeerID `json:"id"`
	DisplayName string        `json:"displayName" binding:"required"`
	AccessCode  string        `json:"accessCode"`
}

type RegisterResponse struct {
	Peer              *domain.Peer `json:"peer"`
	Token             string       `json:"token"`
	HeartbeatInterval string       `json:"heartbeatInterval"`
}

type HeartbeatRequest struct {
	DisplayName string `json:"displayName" binding:"required"`
	AccessCode  string `json:"accessCode"`
}

func (h *PeerHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	meta, appErr := validateMetadata(req.DisplayName, req.AccessCode)
	if appErr != nil {
		_ = c.Error(appErr)
		return
	}

	id := req.ID
	if id == "" {
		id = domain.PeerID(utils.GeneratePeerID())
	} else {
		if err := validation.ValidatePeerID(string(id)); err != nil {
			_ = c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if err := h.authService.Authorize(token, id); err != nil {
			_ = c.Error(errors.NewUnauthorizedError("re-registering an existing peer requires its token"))
			return
		}
	}

	if err := h.presence.Register(c.Request.Context(), id, meta); err != nil {
		_ = c.Error(err)
		return
	}

	token, err := h.authService.GeneratePeerToken(id)
	if err != nil {
		_ = c.Error(errors.NewInternalError("failed to generate token"))
		return
	}

	c.JSON(http.StatusCreated, RegisterResponse{
		Peer: &domain.Peer{
			ID:          id,
			DisplayName: meta.DisplayName,
			AccessCode:  domain.NormalizeAccessCode(meta.AccessCode),
			LastSeenAt:  time.Now().UTC(),
			Online:      true,
		},
		Token:             token,
		HeartbeatInterval: h.heartbeatInterval.String(),
	})
}

func (h *PeerHandler) Heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	meta, appErr := validateMetadata(req.DisplayName, req.AccessCode)
	if appErr != nil {
		_ = c.Error(appErr)
		return
	}

	if err := h.presence.Heartbeat(c.Request.Context(), domain.PeerID(c.Param("id")), meta); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *PeerHandler) Unregister(c *gin.Context) {
	if err := h.presence.Unregister(c.Request.Context(), domain.PeerID(c.Param("id"))); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListOnline accepts an optional ?threshold=30s.
func (h *PeerHandler) ListOnline(c *gin.Context) {
	var threshold time.Duration
	if raw := c.Query("threshold"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			_ = c.Error(errors.NewInvalidInputError("threshold must be a positive duration"))
			return
		}
		threshold = d
	}

	peers, err := h.presence.ListOnline(c.Request.Context(), threshold)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if peers == nil {
		peers = []*domain.Peer{}
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

func (h *PeerHandler) ResolveByCode(c *gin.Context) {
	code := domain.NormalizeAccessCode(c.Param("code"))
	if err := validation.ValidateAccessCode(code); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	peer, found, err := h.presence.ResolveByCode(c.Request.Context(), code)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !found {
		_ = c.Error(errors.NewNotFoundError("peer"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"peer": peer})
}

func validateMetadata(displayName, accessCode string) (domain.PeerMetadata, *errors.AppError) {
	meta := domain.PeerMetadata{
		DisplayName: utils.SanitizeString(displayName),
		AccessCode:  domain.NormalizeAccessCode(accessCode),
	}
	if err := validation.ValidateDisplayName(meta.DisplayName); err != nil {
		return meta, errors.NewInvalidInputError(err.Error())
	}
	if meta.AccessCode != "" {
		if err := validation.ValidateAccessCode(meta.AccessCode); err != nil {
			return meta, errors.NewInvalidInputError(err.Error())
		}
	}
	return meta, nil
}
