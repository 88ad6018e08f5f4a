package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"travelchat/api/middleware"
	"travelchat/models"
	"travelchat/services"
)

var (
	errAdminRequired       = fmt.Errorf("%w: admin access required", services.ErrForbidden)
	errGuestTokenRequired  = fmt.Errorf("%w: guest token required", services.ErrUnauthorized)
	errForeignConversation = fmt.Errorf("%w: conversation does not belong to this guest", services.ErrForbidden)
)

// MessageHandlers - REST-обработчики чата
type MessageHandlers struct {
	chat       *services.ChatService
	aggregator *services.Aggregator
	log        *zap.Logger
}

func NewMessageHandlers(chat *services.ChatService, aggregator *services.Aggregator, log *zap.Logger) *MessageHandlers {
	return &MessageHandlers{chat: chat, aggregator: aggregator, log: log}
}

// CreateMessageRequest - тело POST /messages
type CreateMessageRequest struct {
	ConversationID string   `json:"conversation_id"`
	DisplayName    string   `json:"display_name"`
	IsAdmin        bool     `json:"is_admin"`
	Body           string   `json:"body"`
	AttachmentURLs []string `json:"attachment_urls"`
}

// CreateMessageHandler - отправка сообщения гостем или администратором
func (h *MessageHandlers) CreateMessageHandler(c *gin.Context) {
	var req CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	if req.IsAdmin {
		if !middleware.IsAdmin(c) {
			h.writeError(c, errAdminRequired)
			return
		}
	} else {
		guest, ok := middleware.Guest(c)
		if !ok {
			h.writeError(c, errGuestTokenRequired)
			return
		}
		if req.ConversationID != "" && req.ConversationID != guest.ConversationID {
			h.writeError(c, errForeignConversation)
			return
		}
		if req.DisplayName == "" {
			req.DisplayName = guest.DisplayName
		}
	}

	msg, err := h.chat.Append(c.Request.Context(), models.NewMessage{
		ConversationID:    req.ConversationID,
		AuthorIsAdmin:     req.IsAdmin,
		AuthorDisplayName: req.DisplayName,
		Body:              req.Body,
		AttachmentURLs:    req.AttachmentURLs,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// ListConversationHandler - история одного диалога (гость - только своего)
func (h *MessageHandlers) ListConversationHandler(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	if !middleware.IsAdmin(c) {
		guest, ok := middleware.Guest(c)
		if !ok {
			h.writeError(c, errGuestTokenRequired)
			return
		}
		if guest.ConversationID != conversationID {
			h.writeError(c, errForeignConversation)
			return
		}
	}

	messages, err := h.chat.ListByConversation(c.Request.Context(), conversationID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// ListAllHandler - все сообщения кроме написанных под именем администратора
func (h *MessageHandlers) ListAllHandler(c *gin.Context) {
	messages, err := h.chat.ListAll(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// MarkReadHandler - пометка непрочитанных сообщений гостя прочитанными
func (h *MessageHandlers) MarkReadHandler(c *gin.Context) {
	count, err := h.chat.MarkConversationRead(c.Request.Context(), c.Param("conversation_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":       "Messages marked as read",
		"updated_count": count,
	})
}

// ConversationsHandler - список диалогов для администратора
func (h *MessageHandlers) ConversationsHandler(c *gin.Context) {
	summaries, err := h.aggregator.Snapshot(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

func (h *MessageHandlers) writeError(c *gin.Context, err error) {
	var (
		verr *services.ValidationError
		terr *services.TransientIOError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.As(err, &terr):
		h.log.Warn("message store unavailable", zap.String("op", terr.Op), zap.Error(terr.Err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Message store unavailable, retry later"})
	case errors.Is(err, services.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		h.log.Error("unexpected chat error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
