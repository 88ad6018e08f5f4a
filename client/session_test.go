package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"travelchat/models"
)

type fakeSource struct {
	mu       sync.Mutex
	messages []models.Message
	fail     bool
	calls    int32
}

func (s *fakeSource) ListConversation(_ context.Context, conversationID string) ([]models.Message, error) {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, &APIError{Status: 503, Message: "Message store unavailable, retry later"}
	}
	var out []models.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeSource) set(fail bool, messages ...models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
	s.messages = append(s.messages, messages...)
}

type fakeStream struct {
	events chan PushEvent
	once   sync.Once
	closed chan struct{}
}

func newFakeStream() *fakeStream {
	s := &fakeStream{events: make(chan PushEvent, 8), closed: make(chan struct{})}
	s.events <- PushEvent{Type: EventConnected}
	return s
}

func (s *fakeStream) Next() (PushEvent, error) {
	select {
	case evt, ok := <-s.events:
		if !ok {
			return PushEvent{}, io.EOF
		}
		return evt, nil
	case <-s.closed:
		return PushEvent{}, io.EOF
	}
}

func (s *fakeStream) SendTyping(string) error { return nil }

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeDialer struct {
	streams chan *fakeStream
	dials   int32
}

func (d *fakeDialer) Dial(ctx context.Context) (PushStream, error) {
	atomic.AddInt32(&d.dials, 1)
	select {
	case s := <-d.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, errors.New("connection refused")
	}
}

func fastOpts() SessionOptions {
	return SessionOptions{PollInterval: 20 * time.Millisecond, ReconnectDelay: 10 * time.Millisecond}
}

func TestSessionPollFailureKeepsState(t *testing.T) {
	source := &fakeSource{}
	source.set(false, msgAt(1, "g1", time.Second, false))
	rec := NewReconciler()
	s := NewGuestSession("g1", source, nil, rec, fastOpts())

	require.NoError(t, s.PollOnce(context.Background()))
	require.Len(t, rec.Timeline("g1"), 1)

	source.set(true)
	var apiErr *APIError
	require.ErrorAs(t, s.PollOnce(context.Background()), &apiErr)
	assert.True(t, apiErr.Temporary())
	assert.Len(t, rec.Timeline("g1"), 1)

	source.set(false, msgAt(2, "g1", 2*time.Second, true))
	require.NoError(t, s.PollOnce(context.Background()))
	assert.Equal(t, []int64{1, 2}, ids(rec.Timeline("g1")))
}

func TestSessionMergesPushAndPoll(t *testing.T) {
	source := &fakeSource{}
	guest := msgAt(1, "g1", time.Second, false)
	source.set(false, guest)

	stream := newFakeStream()
	dialer := &fakeDialer{streams: make(chan *fakeStream, 1)}
	dialer.streams <- stream

	rec := NewReconciler()
	var updates int32
	opts := fastOpts()
	opts.OnUpdate = func() { atomic.AddInt32(&updates, 1) }
	s := NewGuestSession("g1", source, dialer, rec, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)

	reply := msgAt(2, "g1", 2*time.Second, true)
	stream.events <- PushEvent{Type: EventMessage, Message: &reply}
	other := msgAt(3, "g2", 3*time.Second, false)
	stream.events <- PushEvent{Type: EventMessage, Message: &other}

	require.Eventually(t, func() bool { return len(rec.Timeline("g1")) == 2 }, time.Second, 5*time.Millisecond)

	// опрос приносит тот же ответ, дубля нет
	source.set(false, reply)
	calls := atomic.LoadInt32(&source.calls)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&source.calls) > calls+1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, ids(rec.Timeline("g1")))
	assert.Empty(t, rec.Timeline("g2"))
	assert.Positive(t, atomic.LoadInt32(&updates))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSessionReconnectsAfterDisconnect(t *testing.T) {
	source := &fakeSource{}
	dialer := &fakeDialer{streams: make(chan *fakeStream, 2)}
	first := newFakeStream()
	dialer.streams <- first

	rec := NewReconciler()
	s := NewGuestSession("g1", source, dialer, rec, fastOpts())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)
	close(first.events)

	// пропущенное за время разрыва сообщение приходит опросом, не push
	missed := msgAt(1, "g1", time.Second, false)
	source.set(false, missed)

	second := newFakeStream()
	dialer.streams <- second
	require.Eventually(t, func() bool { return atomic.LoadInt32(&dialer.dials) >= 2 && s.Connected() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.Timeline("g1")) == 1 }, time.Second, 5*time.Millisecond)

	next := msgAt(2, "g1", 2*time.Second, true)
	second.events <- PushEvent{Type: EventMessage, Message: &next}
	require.Eventually(t, func() bool { return len(rec.Timeline("g1")) == 2 }, time.Second, 5*time.Millisecond)
}

func TestSessionTypingCallback(t *testing.T) {
	stream := newFakeStream()
	dialer := &fakeDialer{streams: make(chan *fakeStream, 1)}
	dialer.streams <- stream

	got := make(chan TypingEvent, 1)
	opts := fastOpts()
	opts.OnTyping = func(evt TypingEvent) { got <- evt }
	s := NewGuestSession("g1", &fakeSource{}, dialer, NewReconciler(), opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)
	assert.NoError(t, s.SendTyping("g1"))
	stream.events <- PushEvent{Type: EventTyping, Typing: &TypingEvent{ConversationID: "g1", IsAdmin: true}}

	select {
	case evt := <-got:
		assert.True(t, evt.IsAdmin)
	case <-time.After(time.Second):
		t.Fatal("typing event not delivered")
	}
}

func TestSendTypingWithoutConnection(t *testing.T) {
	s := NewGuestSession("g1", &fakeSource{}, nil, NewReconciler(), fastOpts())
	assert.ErrorIs(t, s.SendTyping("g1"), ErrNotConnected)
}

type fakeAdminSource struct {
	*fakeSource
	snapshot []models.ConversationSummary
}

func (s *fakeAdminSource) Conversations(context.Context) ([]models.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, &APIError{Status: 503, Message: "Message store unavailable, retry later"}
	}
	return s.snapshot, nil
}

func TestAdminSessionOpenTimeline(t *testing.T) {
	source := &fakeAdminSource{fakeSource: &fakeSource{}}
	first := msgAt(1, "g1", time.Second, false)
	source.set(false, first, msgAt(3, "g2", 3*time.Second, false))

	stream := newFakeStream()
	dialer := &fakeDialer{streams: make(chan *fakeStream, 1)}
	dialer.streams <- stream

	inbox := NewInbox()
	rec := NewReconciler()
	s := NewAdminSession(source, dialer, inbox, rec, fastOpts())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()
	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Open(ctx, "g1"))
	assert.Equal(t, []int64{1}, ids(rec.Timeline("g1")))

	// один и тот же вопрос гостя приходит push дважды и затем опросом
	question := msgAt(2, "g1", 2*time.Second, false)
	stream.events <- PushEvent{Type: EventMessage, Message: &question}
	stream.events <- PushEvent{Type: EventMessage, Message: &question}
	other := msgAt(4, "g2", 4*time.Second, false)
	stream.events <- PushEvent{Type: EventMessage, Message: &other}

	require.Eventually(t, func() bool { return len(rec.Timeline("g1")) == 2 }, time.Second, 5*time.Millisecond)

	source.set(false, question)
	calls := atomic.LoadInt32(&source.calls)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&source.calls) > calls+1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, ids(rec.Timeline("g1")), "pushed message lands exactly once")

	assert.Empty(t, rec.Timeline("g2"), "only opened conversations are followed")
	summaries := inbox.Summaries()
	require.Len(t, summaries, 2)
	assert.Equal(t, "g2", summaries[0].ConversationID)
	assert.Equal(t, int64(4), summaries[0].LatestMessage.ID)
}

func TestAdminSessionPollFillsOpenedTimeline(t *testing.T) {
	source := &fakeAdminSource{fakeSource: &fakeSource{}}
	rec := NewReconciler()
	s := NewAdminSession(source, nil, NewInbox(), rec, fastOpts())

	require.NoError(t, s.Open(context.Background(), "g1"))
	assert.Empty(t, rec.Timeline("g1"))

	source.set(false, msgAt(1, "g1", time.Second, false), msgAt(2, "g2", 2*time.Second, false))
	require.NoError(t, s.PollOnce(context.Background()))
	assert.Equal(t, []int64{1}, ids(rec.Timeline("g1")))
	assert.Empty(t, rec.Timeline("g2"))

	source.set(true)
	assert.Error(t, s.Open(context.Background(), "g2"))
}

func TestGuestSessionHasNoTimelines(t *testing.T) {
	s := NewGuestSession("g1", &fakeSource{}, nil, NewReconciler(), fastOpts())
	assert.ErrorIs(t, s.Open(context.Background(), "g2"), ErrNoTimelines)
}
