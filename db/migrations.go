package db

import (
	"fmt"

	"gorm.io/gorm"

	"travelchat/models"
)

// Migrate создает таблицу сообщений и индексы
func Migrate(orm *gorm.DB) error {
	if err := orm.AutoMigrate(&models.Message{}); err != nil {
		return fmt.Errorf("failed to migrate chat_messages: %w", err)
	}
	return CreateUnreadIndex(orm)
}

// CreateUnreadIndex создает частичный индекс по непрочитанным сообщениям гостей
func CreateUnreadIndex(orm *gorm.DB) error {
	createIndexSQL := `
		CREATE INDEX IF NOT EXISTS idx_chat_messages_unread_guest
		ON chat_messages (conversation_id)
		WHERE is_read = false AND author_is_admin = false;
	`
	if err := orm.Exec(createIndexSQL).Error; err != nil {
		return fmt.Errorf("failed to create index idx_chat_messages_unread_guest: %w", err)
	}
	return nil
}
