package services

import (
	"sync"
	"sync/atomic"

	"travelchat/models"
)

const (
	EventMessage = "message"
	EventTyping  = "typing"
)

// TypingPayload - эфемерный сигнал "печатает...", не сохраняется
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	IsAdmin        bool   `json:"is_admin"`
}

// Event - то, что хаб доставляет подписчикам
type Event struct {
	Type    string
	Message *models.Message
	Typing  *TypingPayload
}

func (e Event) conversationID() string {
	if e.Message != nil {
		return e.Message.ConversationID
	}
	if e.Typing != nil {
		return e.Typing.ConversationID
	}
	return ""
}

// Subscription - подписка на будущие события хаба; прошлые события не повторяются
type Subscription struct {
	id     uint64
	filter string
	events chan Event
	once   sync.Once
}

// Events - поток событий; закрывается при отписке или остановке хаба
func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.events) })
}

// Hub - внутрипроцессный pub/sub без буферизации для новых подписчиков.
// Доставка best-effort: медленный подписчик просто пропускает событие.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID atomic.Uint64
	buffer int
	closed bool
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
	}
}

// Subscribe регистрирует подписчика. filter - id диалога, пустая строка - все диалоги.
func (h *Hub) Subscribe(filter string) *Subscription {
	sub := &Subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		events: make(chan Event, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return sub
	}
	h.subs[sub.id] = sub
	pushSubscribers.Inc()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
		pushSubscribers.Dec()
	}
	sub.close()
}

// Publish рассылает сообщение всем текущим подписчикам, никогда не блокируется
func (h *Hub) Publish(msg models.Message) {
	h.broadcast(Event{Type: EventMessage, Message: &msg})
}

// NotifyTyping рассылает сигнал набора текста
func (h *Hub) NotifyTyping(conversationID string, isAdmin bool) {
	if conversationID == "" {
		return
	}
	h.broadcast(Event{Type: EventTyping, Typing: &TypingPayload{ConversationID: conversationID, IsAdmin: isAdmin}})
}

func (h *Hub) broadcast(evt Event) {
	convID := evt.conversationID()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.filter != "" && sub.filter != convID {
			continue
		}
		select {
		case sub.events <- evt:
		default:
			pushDropped.WithLabelValues(evt.Type).Inc()
		}
	}
}

// Count возвращает число подписчиков
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close закрывает все подписки; последующие Subscribe получают закрытый поток
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		delete(h.subs, id)
		pushSubscribers.Dec()
		sub.close()
	}
	h.closed = true
}
