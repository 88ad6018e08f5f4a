package client

import (
	"sync"

	"travelchat/models"
)

// Inbox - список диалогов администратора: снимок с сервера плюс push между опросами
type Inbox struct {
	mu        sync.RWMutex
	summaries map[string]models.ConversationSummary
}

func NewInbox() *Inbox {
	return &Inbox{summaries: make(map[string]models.ConversationSummary)}
}

// ApplySnapshot заменяет состояние свежим снимком; снимок авторитетен
func (in *Inbox) ApplySnapshot(snapshot []models.ConversationSummary) {
	next := make(map[string]models.ConversationSummary, len(snapshot))
	for _, s := range snapshot {
		next[s.ConversationID] = s
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	// push, пришедший раньше снимка, но не попавший в него, не теряем
	for id, cur := range in.summaries {
		if s, ok := next[id]; !ok || s.LatestMessage.Before(cur.LatestMessage) {
			next[id] = cur
		}
	}
	in.summaries = next
}

// ApplyPush учитывает сообщение, если оно новее известного последнего
func (in *Inbox) ApplyPush(msg models.Message) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	s, ok := in.summaries[msg.ConversationID]
	if ok && !s.LatestMessage.Before(msg) {
		return false
	}
	s.ConversationID = msg.ConversationID
	s.LatestMessage = msg
	if !msg.AuthorIsAdmin {
		s.OtherPartyDisplayName = msg.AuthorDisplayName
		if !msg.Read {
			s.UnreadCount++
		}
	}
	in.summaries[msg.ConversationID] = s
	return true
}

// MarkRead обнуляет локальный счетчик после PATCH .../read
func (in *Inbox) MarkRead(conversationID string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if s, ok := in.summaries[conversationID]; ok {
		s.UnreadCount = 0
		in.summaries[conversationID] = s
	}
}

// Summaries - диалоги от самого свежего к старому
func (in *Inbox) Summaries() []models.ConversationSummary {
	in.mu.RLock()
	out := make([]models.ConversationSummary, 0, len(in.summaries))
	for _, s := range in.summaries {
		out = append(out, s)
	}
	in.mu.RUnlock()
	models.SortSummaries(out)
	return out
}
