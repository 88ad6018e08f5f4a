package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"travelchat/api/middleware"
	"travelchat/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 1024
)

// WSFrame - кадр WebSocket в обе стороны
type WSFrame struct {
	Event          string      `json:"event"`
	Data           interface{} `json:"data,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
}

type WSHandler struct {
	chat     *services.ChatService
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewWSHandler(chat *services.ChatService, allowedOrigin string, log *zap.Logger) *WSHandler {
	return &WSHandler{
		chat: chat,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return middleware.OriginAllowed(allowedOrigin, r.Header.Get("Origin"))
			},
		},
		log: log,
	}
}

// ChatWSHandler - push-канал: события message и typing.
// Администратор получает все диалоги, гость - только свой.
func (h *WSHandler) ChatWSHandler(c *gin.Context) {
	isAdmin := middleware.IsAdmin(c)
	filter := ""
	if !isAdmin {
		guest, ok := middleware.Guest(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Guest token or admin key required"})
			return
		}
		filter = guest.ConversationID
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	hub := h.chat.Hub()
	sub := hub.Subscribe(filter)
	defer hub.Unsubscribe(sub)

	writerDone := make(chan struct{})
	go h.writePump(conn, sub, writerDone)

	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read error", zap.Error(err))
			}
			break
		}
		var frame WSFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event != services.EventTyping {
			continue
		}
		convID := frame.ConversationID
		if !isAdmin {
			convID = filter
		}
		h.chat.NotifyTyping(convID, isAdmin)
	}

	hub.Unsubscribe(sub)
	<-writerDone
}

// writePump - единственный писатель в соединение
func (h *WSHandler) writePump(conn *websocket.Conn, sub *services.Subscription, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(frame WSFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(frame)
	}

	if err := write(WSFrame{Event: "connected"}); err != nil {
		return
	}

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			frame := WSFrame{Event: evt.Type}
			switch evt.Type {
			case services.EventMessage:
				frame.Data = evt.Message
			case services.EventTyping:
				frame.Data = evt.Typing
			}
			if err := write(frame); err != nil {
				// подписчик отвалился - событие пропущено, следующий опрос его догонит
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
