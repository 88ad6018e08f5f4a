package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"travelchat/api/routes"
	"travelchat/config"
	"travelchat/db"
	"travelchat/services"
)

const testAdminKey = "admin-key"

func newTestServer(t *testing.T) *APIClient {
	t.Helper()
	gin.SetMode(gin.TestMode)

	orm, err := db.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(orm))
	store := services.NewGormMessageStore(&db.Manager{ORM: orm})

	hub := services.NewHub(16)
	chat := services.NewChatService(store, hub, nil, zap.NewNop(), services.ChatOptions{AdminDisplayName: "Admin"})
	identity, err := services.NewGuestIdentityService("test-secret", time.Hour)
	require.NoError(t, err)

	conf := &config.ConfigSchema{}
	conf.Chat.AdminAPIKey = testAdminKey
	conf.Chat.PollInterval = 1500 * time.Millisecond
	router := routes.NewRouter(routes.Deps{
		Config:     conf,
		Chat:       chat,
		Aggregator: services.NewAggregator(chat),
		Identity:   identity,
		Log:        zap.NewNop(),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		_ = store.Close()
	})
	return NewAPIClient(srv.URL)
}

// Гость пишет, администратор видит непрочитанное, отвечает и читает диалог;
// гость получает ответ push-ем, а следующий опрос не дает дублей.
func TestGuestAdminRoundTrip(t *testing.T) {
	api := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewIdentityStore(filepath.Join(t.TempDir(), "identity.json"))
	identity, err := store.GetOrCreate(ctx, api, "Maria")
	require.NoError(t, err)
	require.NotEmpty(t, identity.ConversationID)

	guest := api.WithGuestToken(identity.Token)
	admin := api.WithAdminKey(testAdminKey)

	rec := NewReconciler()
	session := NewGuestSession(identity.ConversationID, guest, guest, rec, SessionOptions{
		PollInterval:   time.Hour,
		ReconnectDelay: 20 * time.Millisecond,
	})
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = session.Run(runCtx) }()
	require.Eventually(t, session.Connected, 2*time.Second, 10*time.Millisecond)

	_, err = guest.Send(ctx, SendRequest{ConversationID: identity.ConversationID, Body: "Hi"})
	require.NoError(t, err)

	inbox, err := admin.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, int64(1), inbox[0].UnreadCount)
	assert.Equal(t, "Maria", inbox[0].OtherPartyDisplayName)

	_, err = admin.Send(ctx, SendRequest{
		ConversationID: identity.ConversationID,
		IsAdmin:        true,
		Body:           "Hello, how can I help?",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.Timeline(identity.ConversationID)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, session.PollOnce(ctx))
	timeline := rec.Timeline(identity.ConversationID)
	require.Len(t, timeline, 2)
	assert.Equal(t, "Hi", timeline[0].Body)
	assert.True(t, timeline[1].AuthorIsAdmin)

	n, err := admin.MarkRead(ctx, identity.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = admin.MarkRead(ctx, identity.ConversationID)
	require.NoError(t, err)
	assert.Zero(t, n)

	inbox, err = admin.Conversations(ctx)
	require.NoError(t, err)
	assert.Zero(t, inbox[0].UnreadCount)

	all, err := admin.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Hi", all[0].Body)
}

// Администратор открыл диалог: сообщение гостя приходит push-ем в ленту
// и не дублируется последующим опросом
func TestAdminSessionFollowsOpenConversation(t *testing.T) {
	api := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	identity, err := api.GuestIdentity(ctx, "Maria", "")
	require.NoError(t, err)
	guest := api.WithGuestToken(identity.Token)
	_, err = guest.Send(ctx, SendRequest{ConversationID: identity.ConversationID, Body: "Hi"})
	require.NoError(t, err)

	admin := api.WithAdminKey(testAdminKey)
	inbox := NewInbox()
	rec := NewReconciler()
	session := NewAdminSession(admin, admin, inbox, rec, SessionOptions{
		PollInterval:   time.Hour,
		ReconnectDelay: 20 * time.Millisecond,
	})
	go func() { _ = session.Run(ctx) }()
	require.Eventually(t, session.Connected, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, session.Open(ctx, identity.ConversationID))
	require.Len(t, rec.Timeline(identity.ConversationID), 1)

	sent, err := guest.Send(ctx, SendRequest{ConversationID: identity.ConversationID, Body: "Is breakfast included?"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(rec.Timeline(identity.ConversationID)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, session.PollOnce(ctx))
	timeline := rec.Timeline(identity.ConversationID)
	require.Len(t, timeline, 2)
	assert.Equal(t, sent.ID, timeline[1].ID)

	summaries := inbox.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, int64(2), summaries[0].UnreadCount)
}

func TestSettingsPollInterval(t *testing.T) {
	settings, err := newTestServer(t).Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, settings.PollInterval())
	assert.Equal(t, "Admin", settings.AdminDisplayName)

	assert.Equal(t, DefaultPollInterval, Settings{}.PollInterval())
}

func TestMissedPushRecoveredByPoll(t *testing.T) {
	api := newTestServer(t)
	ctx := context.Background()

	identity, err := api.GuestIdentity(ctx, "Tom", "")
	require.NoError(t, err)
	guest := api.WithGuestToken(identity.Token)

	// без push-канала: сообщение администратора можно получить только опросом
	rec := NewReconciler()
	session := NewGuestSession(identity.ConversationID, guest, nil, rec, SessionOptions{})

	_, err = api.WithAdminKey(testAdminKey).Send(ctx, SendRequest{
		ConversationID: identity.ConversationID,
		IsAdmin:        true,
		Body:           "Welcome!",
	})
	require.NoError(t, err)
	assert.Empty(t, rec.Timeline(identity.ConversationID))

	require.NoError(t, session.PollOnce(ctx))
	assert.Len(t, rec.Timeline(identity.ConversationID), 1)
}

func TestAPIClientErrors(t *testing.T) {
	api := newTestServer(t)
	ctx := context.Background()

	first, err := api.GuestIdentity(ctx, "A", "")
	require.NoError(t, err)
	second, err := api.GuestIdentity(ctx, "B", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ConversationID, second.ConversationID)

	reused, err := api.GuestIdentity(ctx, "A", first.Token)
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, reused.ConversationID)

	var apiErr *APIError
	_, err = api.WithGuestToken(first.Token).ListConversation(ctx, second.ConversationID)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)

	_, err = api.WithGuestToken(first.Token).Send(ctx, SendRequest{ConversationID: first.ConversationID})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.False(t, apiErr.Temporary())

	_, err = api.WithAdminKey("wrong").Conversations(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	_, err = api.WithGuestToken(first.Token).Conversations(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)

	_, err = api.WithGuestToken("garbage").Dial(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}
