package client

import (
	"sort"
	"sync"

	"travelchat/models"
)

// Reconciler сливает опрос и push в одну упорядоченную ленту без дублей.
// Правило "вставить, если id еще нет" делает слияние коммутативным и идемпотентным.
type Reconciler struct {
	mu        sync.RWMutex
	seen      map[int64]struct{}
	timelines map[string][]models.Message
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		seen:      make(map[int64]struct{}),
		timelines: make(map[string][]models.Message),
	}
}

// Apply вставляет сообщение, если его еще нет. Уже известное не перезаписывается.
func (r *Reconciler) Apply(msg models.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insert(msg)
}

// ApplyBatch применяет результат опроса, возвращает число новых сообщений
func (r *Reconciler) ApplyBatch(messages []models.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for _, msg := range messages {
		if r.insert(msg) {
			added++
		}
	}
	return added
}

func (r *Reconciler) insert(msg models.Message) bool {
	if _, ok := r.seen[msg.ID]; ok {
		return false
	}
	r.seen[msg.ID] = struct{}{}

	timeline := r.timelines[msg.ConversationID]
	i := sort.Search(len(timeline), func(i int) bool {
		return msg.Before(timeline[i])
	})
	timeline = append(timeline, models.Message{})
	copy(timeline[i+1:], timeline[i:])
	timeline[i] = msg
	r.timelines[msg.ConversationID] = timeline
	return true
}

// Timeline - копия ленты диалога по возрастанию (created_at, id)
func (r *Reconciler) Timeline(conversationID string) []models.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	timeline := r.timelines[conversationID]
	out := make([]models.Message, len(timeline))
	copy(out, timeline)
	return out
}

// Conversations - известные id диалогов
func (r *Reconciler) Conversations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.timelines))
	for id := range r.timelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.seen)
}
