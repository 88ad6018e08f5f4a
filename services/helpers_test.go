package services

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"travelchat/db"
)

func newGormStore(t *testing.T) MessageStore {
	t.Helper()
	orm, err := db.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(orm))
	store := NewGormMessageStore(&db.Manager{ORM: orm})
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newRedisStore(t *testing.T) MessageStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewRedisMessageStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fakeClock выдает время с шагом в секунду
type fakeClock struct {
	cur time.Time
}

func (c *fakeClock) Now() time.Time {
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

func newTestChat(t *testing.T, store MessageStore) (*ChatService, *Hub) {
	t.Helper()
	hub := NewHub(16)
	t.Cleanup(hub.Close)
	chat := NewChatService(store, hub, nil, zap.NewNop(), ChatOptions{AdminDisplayName: "Admin", MaxBodyLength: 200})
	return chat, hub
}
