package models

import (
	"time"

	"gorm.io/datatypes"
)

// Message - сообщение чата между гостем и администратором.
// После сохранения не меняется, кроме флага Read (только false -> true).
type Message struct {
	ID                int64                       `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID    string                      `gorm:"size:64;not null;index:idx_chat_messages_conversation_created,priority:1" json:"conversation_id"`
	AuthorIsAdmin     bool                        `gorm:"not null;default:false" json:"author_is_admin"`
	AuthorDisplayName string                      `gorm:"size:120" json:"author_display_name"`
	Body              string                      `gorm:"type:text" json:"body"`
	AttachmentURLs    datatypes.JSONSlice[string] `json:"attachment_urls,omitempty"`
	CreatedAt         time.Time                   `gorm:"not null;index:idx_chat_messages_conversation_created,priority:2" json:"created_at"`
	Read              bool                        `gorm:"column:is_read;not null;default:false" json:"read"`
}

// TableName возвращает имя таблицы для модели Message
func (Message) TableName() string {
	return "chat_messages"
}

// Before сообщает, идет ли m раньше other в порядке (created_at, id)
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// NewMessage - данные для создания сообщения, id и created_at назначает сервер
type NewMessage struct {
	ConversationID    string
	AuthorIsAdmin     bool
	AuthorDisplayName string
	Body              string
	AttachmentURLs    []string
}
