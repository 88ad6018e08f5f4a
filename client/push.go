package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"travelchat/models"
)

const (
	EventMessage   = "message"
	EventTyping    = "typing"
	EventConnected = "connected"
)

// TypingEvent - сигнал набора текста
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	IsAdmin        bool   `json:"is_admin"`
}

// PushEvent - разобранный кадр push-канала
type PushEvent struct {
	Type    string
	Message *models.Message
	Typing  *TypingEvent
}

// PushStream - открытый push-канал
type PushStream interface {
	Next() (PushEvent, error)
	SendTyping(conversationID string) error
	Close() error
}

// PushDialer открывает push-канал; реализуется APIClient
type PushDialer interface {
	Dial(ctx context.Context) (PushStream, error)
}

type wireFrame struct {
	Event          string          `json:"event"`
	Data           json.RawMessage `json:"data,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
}

type wsStream struct {
	conn *websocket.Conn
}

// Dial подключается к /api/v1/ws. Гость передает токен в query, администратор - ключ в заголовке.
func (c *APIClient) Dial(ctx context.Context) (PushStream, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if c.adminKey != "" {
		header.Set(adminKeyHeader, c.adminKey)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(http.StatusText(resp.StatusCode))}
		}
		return nil, err
	}
	return &wsStream{conn: conn}, nil
}

// Next блокируется до следующего кадра; неизвестные события пропускаются
func (s *wsStream) Next() (PushEvent, error) {
	for {
		var frame wireFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return PushEvent{}, err
		}
		evt := PushEvent{Type: frame.Event}
		switch frame.Event {
		case EventMessage:
			var msg models.Message
			if err := json.Unmarshal(frame.Data, &msg); err != nil {
				continue
			}
			evt.Message = &msg
		case EventTyping:
			var typing TypingEvent
			if err := json.Unmarshal(frame.Data, &typing); err != nil {
				continue
			}
			evt.Typing = &typing
		case EventConnected:
		default:
			continue
		}
		return evt, nil
	}
}

func (s *wsStream) SendTyping(conversationID string) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(wireFrame{Event: EventTyping, ConversationID: conversationID})
}

func (s *wsStream) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}
