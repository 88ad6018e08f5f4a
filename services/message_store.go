package services

import (
	"context"
	"sort"
	"time"

	"travelchat/db"
	"travelchat/models"
)

// MessageStore - долговременное хранилище сообщений (только добавление)
type MessageStore interface {
	// Insert сохраняет сообщение; ID назначает хранилище, CreatedAt уже заполнен
	Insert(ctx context.Context, msg *models.Message) error
	ListByConversation(ctx context.Context, conversationID string) ([]models.Message, error)
	ListLatestPerConversation(ctx context.Context) ([]models.Message, error)
	ListAll(ctx context.Context, excludeDisplayName string) ([]models.Message, error)
	UnreadCounts(ctx context.Context) (map[string]int64, error)
	// LatestGuestNames - имя из последнего сообщения гостя по каждому диалогу
	LatestGuestNames(ctx context.Context) (map[string]string, error)
	// LastCreatedAt - наибольший created_at в хранилище, нулевое время для пустого
	LastCreatedAt(ctx context.Context) (time.Time, error)
	MarkConversationRead(ctx context.Context, conversationID string) (int64, error)
	Close() error
}

// GormMessageStore хранит сообщения в SQL через gorm
type GormMessageStore struct {
	db *db.Manager
}

func NewGormMessageStore(manager *db.Manager) *GormMessageStore {
	return &GormMessageStore{db: manager}
}

func (s *GormMessageStore) Insert(ctx context.Context, msg *models.Message) error {
	return s.db.GetWriteDB(ctx).Create(msg).Error
}

func (s *GormMessageStore) ListByConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	messages := make([]models.Message, 0)
	err := s.db.GetReadOnlyDB(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&messages).Error
	return messages, err
}

func (s *GormMessageStore) ListLatestPerConversation(ctx context.Context) ([]models.Message, error) {
	var rows []models.Message
	latest := s.db.GetReadOnlyDB(ctx).
		Model(&models.Message{}).
		Select("conversation_id, MAX(created_at) AS max_created").
		Group("conversation_id")
	err := s.db.GetReadOnlyDB(ctx).
		Table("chat_messages AS m").
		Select("m.*").
		Joins("JOIN (?) AS l ON m.conversation_id = l.conversation_id AND m.created_at = l.max_created", latest).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return latestPerConversation(rows), nil
}

func (s *GormMessageStore) ListAll(ctx context.Context, excludeDisplayName string) ([]models.Message, error) {
	messages := make([]models.Message, 0)
	query := s.db.GetReadOnlyDB(ctx).Order("created_at ASC, id ASC")
	if excludeDisplayName != "" {
		query = query.Where("author_display_name <> ?", excludeDisplayName)
	}
	err := query.Find(&messages).Error
	return messages, err
}

func (s *GormMessageStore) UnreadCounts(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		ConversationID string
		Unread         int64
	}
	err := s.db.GetReadOnlyDB(ctx).
		Model(&models.Message{}).
		Select("conversation_id, COUNT(*) AS unread").
		Where("is_read = ? AND author_is_admin = ?", false, false).
		Group("conversation_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.ConversationID] = r.Unread
	}
	return counts, nil
}

func (s *GormMessageStore) LatestGuestNames(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		ConversationID    string
		AuthorDisplayName string
	}
	latest := s.db.GetReadOnlyDB(ctx).
		Model(&models.Message{}).
		Select("conversation_id, MAX(created_at) AS max_created").
		Where("author_is_admin = ?", false).
		Group("conversation_id")
	err := s.db.GetReadOnlyDB(ctx).
		Table("chat_messages AS m").
		Select("m.conversation_id, m.author_display_name").
		Joins("JOIN (?) AS l ON m.conversation_id = l.conversation_id AND m.created_at = l.max_created", latest).
		Where("m.author_is_admin = ?", false).
		Order("m.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(rows))
	for _, r := range rows {
		names[r.ConversationID] = r.AuthorDisplayName
	}
	return names, nil
}

func (s *GormMessageStore) LastCreatedAt(ctx context.Context) (time.Time, error) {
	var last []models.Message
	err := s.db.GetWriteDB(ctx).
		Order("created_at DESC, id DESC").
		Limit(1).
		Find(&last).Error
	if err != nil || len(last) == 0 {
		return time.Time{}, err
	}
	return last[0].CreatedAt, nil
}

// MarkConversationRead - один UPDATE, поэтому атомарен для диалога
func (s *GormMessageStore) MarkConversationRead(ctx context.Context, conversationID string) (int64, error) {
	res := s.db.GetWriteDB(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ? AND author_is_admin = ? AND is_read = ?", conversationID, false, false).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

func (s *GormMessageStore) Close() error {
	return s.db.Close()
}

// latestPerConversation оставляет по одному (самому позднему) сообщению на диалог
func latestPerConversation(messages []models.Message) []models.Message {
	byConv := make(map[string]models.Message, len(messages))
	for _, m := range messages {
		cur, ok := byConv[m.ConversationID]
		if !ok || cur.Before(m) {
			byConv[m.ConversationID] = m
		}
	}
	out := make([]models.Message, 0, len(byConv))
	for _, m := range byConv {
		out = append(out, m)
	}
	return out
}

func sortMessages(messages []models.Message) {
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Before(messages[j])
	})
}
