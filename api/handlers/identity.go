package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"travelchat/services"
)

type IdentityHandlers struct {
	identity *services.GuestIdentityService
	log      *zap.Logger
}

func NewIdentityHandlers(identity *services.GuestIdentityService, log *zap.Logger) *IdentityHandlers {
	return &IdentityHandlers{identity: identity, log: log}
}

type GuestIdentityRequest struct {
	DisplayName string `json:"display_name"`
	Token       string `json:"token"`
}

// GuestIdentityHandler - выдача (или подтверждение ранее выданной) идентичности гостя
func (h *IdentityHandlers) GuestIdentityHandler(c *gin.Context) {
	var req GuestIdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	identity, created, err := h.identity.GetOrCreate(req.Token, req.DisplayName)
	if err != nil {
		h.log.Error("failed to issue guest identity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue guest identity"})
		return
	}
	if created {
		h.log.Info("guest identity issued", zap.String("conversation_id", identity.ConversationID))
	}
	c.JSON(http.StatusOK, identity)
}
