package http

import (
	"encoding/json"
	"net/http"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/middleware"
	"peerlink/internal/infrastructure/signal"
	"peerlink/pkg/errors"
	"peerlink/pkg/logger"
	"peerlink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// SignalHandler exposes peer mailboxes to agents that reach the store
// through the relay.
type SignalHandler struct {
	mailbox     ports.MailboxService
	authService services.AuthService
	wsServer    *signal.WebSocketServer
}

func NewSignalHandler(mailbox ports.MailboxService, authService services.AuthService, wsServer *signal.WebSocketServer) *SignalHandler {
	return &SignalHandler{
		mailbox:     mailbox,
		authService: authService,
		wsServer:    wsServer,
	}
}

// SetupRoutes registers the mailbox API. streamMiddleware runs in front of
// the websocket upgrade only.
func (h *SignalHandler) SetupRoutes(router gin.IRouter, streamMiddleware ...gin.HandlerFunc) {
	anyPeer := middleware.RequireAuthMiddleware(h.authService)
	owner := middleware.PeerOwnerMiddleware(h.authService, "id")

	api := router.Group("/api/v1/signals")
	{
		api.PUT("/:id/offer", anyPeer, h.PutOffer)
		api.PUT("/:id/answer", owner, h.PutAnswer)
		api.POST("/:id/candidates/:direction", anyPeer, h.AppendCandidate)
		api.GET("/:id/:slot", anyPeer, h.ReadSlot)
		api.DELETE("/:id", owner, h.Clear)
	}

	if h.wsServer != nil {
		chain := append(append([]gin.HandlerFunc{}, streamMiddleware...), anyPeer, h.StreamSlot)
		router.GET("/ws/signals/:id/:slot", chain...)
	}
}

type DescriptionRequest struct {
	Signal    json.RawMessage `json:"signal"`
	SessionID string          `json:"sessionId"`
	Timestamp int64           `json:"timestamp"`
}

type CandidateRequest struct {
	Key       string          `json:"key"`
	Candidate json.RawMessage `json:"candidate"`
	SessionID string          `json:"sessionId"`
	Timestamp int64           `json:"timestamp"`
}

type SlotResponse struct {
	Found bool              `json:"found"`
	Value *domain.SlotValue `json:"value,omitempty"`
}

func (h *SignalHandler) PutOffer(c *gin.Context) {
	h.putDescription(c, domain.SlotOffer)
}

func (h *SignalHandler) PutAnswer(c *gin.Context) {
	h.putDescription(c, domain.SlotAnswer)
}

func (h *SignalHandler) putDescription(c *gin.Context, slot domain.Slot) {
	target, ok := targetPeer(c)
	if !ok {
		return
	}

	var req DescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateSignalPayload(req.Signal, "signal"); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	tagSession(c, req.SessionID)

	desc := &domain.SessionDescription{
		Signal:    req.Signal,
		SenderID:  callerID(c),
		SessionID: req.SessionID,
		Timestamp: req.Timestamp,
	}

	var err error
	if slot == domain.SlotOffer {
		err = h.mailbox.PutOffer(c.Request.Context(), target, desc)
	} else {
		err = h.mailbox.PutAnswer(c.Request.Context(), target, desc)
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AppendCandidate writes to the list named by :direction. Only the mailbox
// owner may write sharer candidates.
func (h *SignalHandler) AppendCandidate(c *gin.Context) {
	target, ok := targetPeer(c)
	if !ok {
		return
	}

	dir := domain.Direction(c.Param("direction"))
	switch dir {
	case domain.FromViewer:
	case domain.FromSharer:
		if callerID(c) != target {
			_ = c.Error(errors.NewForbiddenError("only the mailbox owner may write sharer candidates"))
			return
		}
	default:
		_ = c.Error(errors.NewInvalidInputError("direction must be sharer or viewer"))
		return
	}

	var req CandidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateSignalPayload(req.Candidate, "candidate"); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if len(req.Key) > 128 {
		_ = c.Error(errors.NewInvalidInputError("candidate key is too long"))
		return
	}
	tagSession(c, req.SessionID)

	cand := &domain.Candidate{
		Key:       req.Key,
		Candidate: req.Candidate,
		SessionID: req.SessionID,
		Timestamp: req.Timestamp,
	}
	if err := h.mailbox.AppendCandidate(c.Request.Context(), target, dir, cand); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": cand.Key})
}

func (h *SignalHandler) ReadSlot(c *gin.Context) {
	target, ok := targetPeer(c)
	if !ok {
		return
	}

	value, found, err := h.mailbox.ReadOnce(c.Request.Context(), target, domain.Slot(c.Param("slot")))
	if err != nil {
		_ = c.Error(err)
		return
	}

	resp := SlotResponse{Found: found}
	if found {
		resp.Value = &value
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SignalHandler) Clear(c *gin.Context) {
	if err := h.mailbox.Clear(c.Request.Context(), domain.PeerID(c.Param("id"))); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SignalHandler) StreamSlot(c *gin.Context) {
	target, ok := targetPeer(c)
	if !ok {
		return
	}
	slot := domain.Slot(c.Param("slot"))
	if !slot.Valid() {
		_ = c.Error(domain.ErrInvalidSlot)
		return
	}
	h.wsServer.ServeSlot(c.Writer, c.Request, target, slot)
}

func targetPeer(c *gin.Context) (domain.PeerID, bool) {
	id := c.Param("id")
	if err := validation.ValidatePeerID(id); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.PeerID(id), true
}

// tagSession records the negotiation attempt for the request log.
func tagSession(c *gin.Context, sessionID string) {
	if sessionID != "" {
		c.Request = c.Request.WithContext(logger.WithSessionID(c.Request.Context(), sessionID))
	}
}

func callerID(c *gin.Context) domain.PeerID {
	if v, ok := c.Get(middleware.PeerIDKey); ok {
		if id, ok := v.(domain.PeerID); ok {
			return id
		}
	}
	return ""
}
