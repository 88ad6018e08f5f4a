package services

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"travelchat/models"
)

const (
	maxAttachments       = 10
	maxConversationIDLen = 64
)

type ChatOptions struct {
	AdminDisplayName string
	MaxBodyLength    int
}

// ChatService - точка записи и чтения сообщений. Запись (insert + publish в хаб)
// идет под эксклюзивной блокировкой, чтение - под разделяемой, поэтому опрос
// не увидит сообщение раньше, чем оно уйдет подписчикам.
type ChatService struct {
	mu    sync.RWMutex
	store MessageStore
	hub   *Hub
	sink  EventSink
	log   *zap.Logger
	opts  ChatOptions

	now         func() time.Time
	lastCreated time.Time
}

func NewChatService(store MessageStore, hub *Hub, sink EventSink, log *zap.Logger, opts ChatOptions) *ChatService {
	if sink == nil {
		sink = NoopSink{}
	}
	if opts.AdminDisplayName == "" {
		opts.AdminDisplayName = "Admin"
	}
	if opts.MaxBodyLength <= 0 {
		opts.MaxBodyLength = 4000
	}
	return &ChatService{
		store: store,
		hub:   hub,
		sink:  sink,
		log:   log,
		opts:  opts,
		now:   time.Now,
	}
}

// AdminDisplayName - зарезервированное имя администратора
func (s *ChatService) AdminDisplayName() string {
	return s.opts.AdminDisplayName
}

// Append проверяет и сохраняет сообщение, затем отдает его в хаб до возврата
func (s *ChatService) Append(ctx context.Context, in models.NewMessage) (models.Message, error) {
	msg, err := s.build(in)
	if err != nil {
		return models.Message{}, err
	}

	s.mu.Lock()
	msg.CreatedAt = s.nextTimestamp()
	if err := s.store.Insert(ctx, &msg); err != nil {
		s.mu.Unlock()
		chatStoreErrors.WithLabelValues("append").Inc()
		s.log.Error("failed to persist message",
			zap.String("conversation_id", msg.ConversationID), zap.Error(err))
		return models.Message{}, transient("append", err)
	}
	s.lastCreated = msg.CreatedAt
	s.hub.Publish(msg)
	s.mu.Unlock()

	chatMessagesTotal.WithLabelValues(authorLabel(msg.AuthorIsAdmin)).Inc()
	s.log.Debug("message appended",
		zap.Int64("id", msg.ID),
		zap.String("conversation_id", msg.ConversationID),
		zap.Bool("admin", msg.AuthorIsAdmin))

	s.publishEvent(ctx, msg)
	return msg, nil
}

// RestoreClock поднимает нижнюю границу времени до последнего сохраненного
// сообщения, чтобы шаг часов назад после рестарта не нарушил порядок
func (s *ChatService) RestoreClock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, err := s.store.LastCreatedAt(ctx)
	if err != nil {
		chatStoreErrors.WithLabelValues("last_created").Inc()
		return transient("last_created", err)
	}
	if last.After(s.lastCreated) {
		s.lastCreated = last.UTC()
	}
	return nil
}

// nextTimestamp дает строго возрастающее время с точностью до микросекунды
func (s *ChatService) nextTimestamp() time.Time {
	ts := s.now().UTC().Truncate(time.Microsecond)
	if !ts.After(s.lastCreated) {
		ts = s.lastCreated.Add(time.Microsecond)
	}
	return ts
}

// publishEvent отдает сообщение внешнему sink; sink не должен блокироваться
func (s *ChatService) publishEvent(ctx context.Context, msg models.Message) {
	if err := s.sink.Publish(ctx, msg); err != nil {
		eventsPublished.WithLabelValues("error").Inc()
		s.log.Warn("failed to publish chat event", zap.Int64("id", msg.ID), zap.Error(err))
		return
	}
	eventsPublished.WithLabelValues("ok").Inc()
}

func (s *ChatService) build(in models.NewMessage) (models.Message, error) {
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return models.Message{}, &ValidationError{Field: "conversation_id", Reason: "is required"}
	}
	if len(convID) > maxConversationIDLen {
		return models.Message{}, &ValidationError{Field: "conversation_id", Reason: "is too long"}
	}
	if strings.TrimSpace(in.Body) == "" && len(in.AttachmentURLs) == 0 {
		return models.Message{}, &ValidationError{Field: "body", Reason: "body or attachments are required"}
	}
	if utf8.RuneCountInString(in.Body) > s.opts.MaxBodyLength {
		return models.Message{}, &ValidationError{Field: "body", Reason: "is too long"}
	}
	if len(in.AttachmentURLs) > maxAttachments {
		return models.Message{}, &ValidationError{Field: "attachment_urls", Reason: "too many attachments"}
	}
	for _, raw := range in.AttachmentURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return models.Message{}, &ValidationError{Field: "attachment_urls", Reason: "must be http(s) URLs"}
		}
	}

	name := strings.TrimSpace(in.AuthorDisplayName)
	switch {
	case in.AuthorIsAdmin && name == "":
		name = s.opts.AdminDisplayName
	case !in.AuthorIsAdmin && strings.EqualFold(name, s.opts.AdminDisplayName):
		// зарезервированное имя гостю не отдаем, иначе он пропадет из GET /messages
		name = defaultGuestName
	}

	var attachments []string
	if len(in.AttachmentURLs) > 0 {
		attachments = append(attachments, in.AttachmentURLs...)
	}
	return models.Message{
		ConversationID:    convID,
		AuthorIsAdmin:     in.AuthorIsAdmin,
		AuthorDisplayName: normalizeDisplayName(name),
		Body:              in.Body,
		AttachmentURLs:    attachments,
		// сообщения администратора прочитаны в момент создания
		Read: in.AuthorIsAdmin,
	}, nil
}

// ListByConversation - история диалога по возрастанию (created_at, id)
func (s *ChatService) ListByConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages, err := s.store.ListByConversation(ctx, conversationID)
	if err != nil {
		chatStoreErrors.WithLabelValues("list").Inc()
		return nil, transient("list", err)
	}
	sortMessages(messages)
	return messages, nil
}

// ListLatestPerConversation - по одному последнему сообщению на диалог, без порядка
func (s *ChatService) ListLatestPerConversation(ctx context.Context) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages, err := s.store.ListLatestPerConversation(ctx)
	if err != nil {
		chatStoreErrors.WithLabelValues("latest").Inc()
		return nil, transient("latest", err)
	}
	return messages, nil
}

// ListAll - все сообщения, кроме написанных под зарезервированным именем администратора
func (s *ChatService) ListAll(ctx context.Context) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages, err := s.store.ListAll(ctx, s.opts.AdminDisplayName)
	if err != nil {
		chatStoreErrors.WithLabelValues("list_all").Inc()
		return nil, transient("list_all", err)
	}
	sortMessages(messages)
	return messages, nil
}

func (s *ChatService) UnreadCounts(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts, err := s.store.UnreadCounts(ctx)
	if err != nil {
		chatStoreErrors.WithLabelValues("unread").Inc()
		return nil, transient("unread", err)
	}
	return counts, nil
}

// LatestGuestNames - имя гостя из его последнего сообщения по каждому диалогу
func (s *ChatService) LatestGuestNames(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names, err := s.store.LatestGuestNames(ctx)
	if err != nil {
		chatStoreErrors.WithLabelValues("guest_names").Inc()
		return nil, transient("guest_names", err)
	}
	return names, nil
}

// MarkConversationRead помечает прочитанными все непрочитанные сообщения гостя
func (s *ChatService) MarkConversationRead(ctx context.Context, conversationID string) (int64, error) {
	if strings.TrimSpace(conversationID) == "" {
		return 0, &ValidationError{Field: "conversation_id", Reason: "is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.store.MarkConversationRead(ctx, conversationID)
	if err != nil {
		chatStoreErrors.WithLabelValues("mark_read").Inc()
		return 0, transient("mark_read", err)
	}
	if n > 0 {
		s.log.Debug("conversation marked read", zap.String("conversation_id", conversationID), zap.Int64("count", n))
	}
	return n, nil
}

// NotifyTyping пробрасывает сигнал набора текста в хаб
func (s *ChatService) NotifyTyping(conversationID string, isAdmin bool) {
	s.hub.NotifyTyping(conversationID, isAdmin)
}

func (s *ChatService) Hub() *Hub {
	return s.hub
}
