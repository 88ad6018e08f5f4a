package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"travelchat/models"
)

// failingStore имитирует недоступное хранилище
type failingStore struct {
	MessageStore
	err error
}

func (s failingStore) Insert(context.Context, *models.Message) error { return s.err }
func (s failingStore) ListByConversation(context.Context, string) ([]models.Message, error) {
	return nil, s.err
}
func (s failingStore) MarkConversationRead(context.Context, string) (int64, error) {
	return 0, s.err
}
func (s failingStore) LastCreatedAt(context.Context) (time.Time, error) { return time.Time{}, s.err }

type recordingSink struct {
	mu       sync.Mutex
	messages []models.Message
	err      error
}

func (s *recordingSink) Publish(_ context.Context, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return s.err
}

func (s *recordingSink) Close() error { return nil }

func TestAppendValidation(t *testing.T) {
	chat, hub := newTestChat(t, newGormStore(t))
	sub := hub.Subscribe("")

	tests := []struct {
		name  string
		in    models.NewMessage
		field string
	}{
		{"missing conversation", models.NewMessage{Body: "hi"}, "conversation_id"},
		{"blank conversation", models.NewMessage{ConversationID: "   ", Body: "hi"}, "conversation_id"},
		{"too long conversation", models.NewMessage{ConversationID: strings.Repeat("x", 65), Body: "hi"}, "conversation_id"},
		{"empty content", models.NewMessage{ConversationID: "g1"}, "body"},
		{"whitespace body", models.NewMessage{ConversationID: "g1", Body: " \n\t"}, "body"},
		{"body too long", models.NewMessage{ConversationID: "g1", Body: strings.Repeat("a", 201)}, "body"},
		{"bad attachment", models.NewMessage{ConversationID: "g1", AttachmentURLs: []string{"javascript:alert(1)"}}, "attachment_urls"},
		{"too many attachments", models.NewMessage{ConversationID: "g1", AttachmentURLs: make([]string, 11)}, "attachment_urls"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := chat.Append(context.Background(), tt.in)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	select {
	case evt := <-sub.Events():
		t.Fatalf("rejected message must not be published: %+v", evt)
	default:
	}
}

func TestAppendPublishesBeforeReturn(t *testing.T) {
	chat, hub := newTestChat(t, newGormStore(t))
	sub := hub.Subscribe("")

	msg, err := chat.Append(context.Background(), guestMessage("g1", "Hi"))
	require.NoError(t, err)

	select {
	case evt := <-sub.Events():
		require.Equal(t, EventMessage, evt.Type)
		assert.Equal(t, msg.ID, evt.Message.ID)
		assert.Equal(t, "Hi", evt.Message.Body)
	default:
		t.Fatal("message must be offered for push before Append returns")
	}
}

func TestAppendAssignsServerFields(t *testing.T) {
	chat, _ := newTestChat(t, newGormStore(t))
	ctx := context.Background()

	guest, err := chat.Append(ctx, models.NewMessage{ConversationID: "g1", Body: "Hi"})
	require.NoError(t, err)
	assert.NotZero(t, guest.ID)
	assert.False(t, guest.Read)
	assert.Equal(t, "Guest", guest.AuthorDisplayName)
	assert.False(t, guest.CreatedAt.IsZero())

	admin, err := chat.Append(ctx, adminMessage("g1", "Hello, how can I help?"))
	require.NoError(t, err)
	assert.True(t, admin.Read, "admin messages are read at creation")
	assert.Equal(t, "Admin", admin.AuthorDisplayName)

	impostor, err := chat.Append(ctx, models.NewMessage{ConversationID: "g1", AuthorDisplayName: "admin", Body: "x"})
	require.NoError(t, err)
	assert.Equal(t, "Guest", impostor.AuthorDisplayName, "guests cannot take the reserved admin name")
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	chat, _ := newTestChat(t, newGormStore(t))
	frozen := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	chat.now = func() time.Time { return frozen }

	first, err := chat.Append(context.Background(), guestMessage("g1", "a"))
	require.NoError(t, err)
	second, err := chat.Append(context.Background(), guestMessage("g1", "b"))
	require.NoError(t, err)

	assert.True(t, first.CreatedAt.Equal(frozen))
	assert.True(t, second.CreatedAt.Equal(frozen.Add(time.Microsecond)))
}

func TestRestoreClockAfterClockStepsBack(t *testing.T) {
	for name, newStore := range storeBackends {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			stored := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

			before, _ := newTestChat(t, store)
			before.now = func() time.Time { return stored }
			old, err := before.Append(ctx, guestMessage("g1", "before restart"))
			require.NoError(t, err)

			// после рестарта часы отстали на час
			after, _ := newTestChat(t, store)
			after.now = func() time.Time { return stored.Add(-time.Hour) }
			require.NoError(t, after.RestoreClock(ctx))

			fresh, err := after.Append(ctx, guestMessage("g1", "after restart"))
			require.NoError(t, err)
			assert.True(t, fresh.CreatedAt.After(old.CreatedAt))

			history, err := after.ListByConversation(ctx, "g1")
			require.NoError(t, err)
			require.Len(t, history, 2)
			assert.Equal(t, []int64{old.ID, fresh.ID}, []int64{history[0].ID, history[1].ID})
		})
	}
}

func TestStoreFailureIsTransient(t *testing.T) {
	storeErr := errors.New("connection refused")
	chat, hub := newTestChat(t, failingStore{err: storeErr})
	sub := hub.Subscribe("")

	_, err := chat.Append(context.Background(), guestMessage("g1", "Hi"))
	var terr *TransientIOError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "append", terr.Op)
	assert.ErrorIs(t, err, storeErr)

	_, err = chat.ListByConversation(context.Background(), "g1")
	require.ErrorAs(t, err, &terr)

	_, err = chat.MarkConversationRead(context.Background(), "g1")
	require.ErrorAs(t, err, &terr)

	require.ErrorAs(t, chat.RestoreClock(context.Background()), &terr)

	select {
	case <-sub.Events():
		t.Fatal("failed append must not be published")
	default:
	}
}

func TestEventSinkReceivesMessages(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	hub := NewHub(4)
	defer hub.Close()
	chat := NewChatService(newGormStore(t), hub, sink, zap.NewNop(), ChatOptions{})

	msg, err := chat.Append(context.Background(), guestMessage("g1", "Hi"))
	require.NoError(t, err, "sink errors are not surfaced to the writer")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.messages, 1)
	assert.Equal(t, msg.ID, sink.messages[0].ID)
	assert.Equal(t, "chat.message.guest", RoutingKey(sink.messages[0]))
}

func TestMarkConversationReadRequiresID(t *testing.T) {
	chat, _ := newTestChat(t, newGormStore(t))
	_, err := chat.MarkConversationRead(context.Background(), "")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

// Гость g1 пишет, администратор видит непрочитанное, отвечает и помечает диалог
func TestGuestAdminScenario(t *testing.T) {
	chat, hub := newTestChat(t, newGormStore(t))
	agg := NewAggregator(chat)
	ctx := context.Background()
	guestSub := hub.Subscribe("g1")

	_, err := chat.Append(ctx, guestMessage("g1", "Hi"))
	require.NoError(t, err)

	snapshot, err := agg.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, "g1", snapshot[0].ConversationID)
	assert.Equal(t, int64(1), snapshot[0].UnreadCount)

	reply, err := chat.Append(ctx, adminMessage("g1", "Hello, how can I help?"))
	require.NoError(t, err)
	n, err := chat.MarkConversationRead(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// гость получил свое сообщение и ответ через push
	var pushed []int64
	for len(pushed) < 2 {
		select {
		case evt := <-guestSub.Events():
			pushed = append(pushed, evt.Message.ID)
		case <-time.After(time.Second):
			t.Fatal("push not delivered")
		}
	}
	assert.Equal(t, reply.ID, pushed[1])

	history, err := chat.ListByConversation(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Hi", history[0].Body)
	assert.Equal(t, "Hello, how can I help?", history[1].Body)
}
