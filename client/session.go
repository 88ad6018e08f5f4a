package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"travelchat/models"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultReconnectDelay = 3 * time.Second
)

var (
	ErrNotConnected = errors.New("push channel is not connected")
	ErrNoTimelines  = errors.New("session does not follow individual conversations")
)

// Source - история диалога гостя
type Source interface {
	ListConversation(ctx context.Context, conversationID string) ([]models.Message, error)
}

// SnapshotSource - список диалогов администратора
type SnapshotSource interface {
	Conversations(ctx context.Context) ([]models.ConversationSummary, error)
}

// AdminSource - список диалогов и история отдельного диалога
type AdminSource interface {
	SnapshotSource
	Source
}

type SessionOptions struct {
	PollInterval   time.Duration
	ReconnectDelay time.Duration
	Log            *zap.Logger
	// OnUpdate вызывается после каждого изменения локального состояния
	OnUpdate func()
	OnTyping func(TypingEvent)
}

// Session держит два пути доставки: периодический опрос (авторитетный)
// и push-канал (быстрый, без повторной доставки). Оба сливаются в одно состояние.
type Session struct {
	poll    func(ctx context.Context) (bool, error)
	onPush  func(PushEvent) bool
	dialer  PushDialer
	opts    SessionOptions
	pollNow chan struct{}
	open    func(ctx context.Context, conversationID string) (bool, error)

	mu     sync.Mutex
	stream PushStream
}

func newSession(poll func(context.Context) (bool, error), onPush func(PushEvent) bool, dialer PushDialer, opts SessionOptions) *Session {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Session{
		poll:    poll,
		onPush:  onPush,
		dialer:  dialer,
		opts:    opts,
		pollNow: make(chan struct{}, 1),
	}
}

// NewGuestSession - сессия гостя: лента одного диалога
func NewGuestSession(conversationID string, source Source, dialer PushDialer, rec *Reconciler, opts SessionOptions) *Session {
	poll := func(ctx context.Context) (bool, error) {
		messages, err := source.ListConversation(ctx, conversationID)
		if err != nil {
			return false, err
		}
		return rec.ApplyBatch(messages) > 0, nil
	}
	onPush := func(evt PushEvent) bool {
		if evt.Message == nil || evt.Message.ConversationID != conversationID {
			return false
		}
		return rec.Apply(*evt.Message)
	}
	return newSession(poll, onPush, dialer, opts)
}

// NewAdminSession - сессия администратора: список диалогов в inbox и ленты
// открытых диалогов в rec. Открытые ленты обновляются тем же опросом и push.
func NewAdminSession(source AdminSource, dialer PushDialer, inbox *Inbox, rec *Reconciler, opts SessionOptions) *Session {
	opened := &conversationSet{ids: make(map[string]struct{})}
	poll := func(ctx context.Context) (bool, error) {
		snapshot, err := source.Conversations(ctx)
		if err != nil {
			return false, err
		}
		inbox.ApplySnapshot(snapshot)
		for _, id := range opened.list() {
			messages, err := source.ListConversation(ctx, id)
			if err != nil {
				return true, err
			}
			rec.ApplyBatch(messages)
		}
		return true, nil
	}
	onPush := func(evt PushEvent) bool {
		if evt.Message == nil {
			return false
		}
		changed := inbox.ApplyPush(*evt.Message)
		if opened.has(evt.Message.ConversationID) && rec.Apply(*evt.Message) {
			changed = true
		}
		return changed
	}
	s := newSession(poll, onPush, dialer, opts)
	s.open = func(ctx context.Context, conversationID string) (bool, error) {
		// сначала отмечаем диалог, чтобы push во время загрузки не потерялся
		opened.add(conversationID)
		messages, err := source.ListConversation(ctx, conversationID)
		if err != nil {
			return false, err
		}
		return rec.ApplyBatch(messages) > 0, nil
	}
	return s
}

// Open начинает вести ленту диалога: история загружается сразу,
// дальше лента пополняется опросом и push-событиями
func (s *Session) Open(ctx context.Context, conversationID string) error {
	if s.open == nil {
		return ErrNoTimelines
	}
	changed, err := s.open(ctx, conversationID)
	if err != nil {
		return err
	}
	if changed {
		s.notify()
	}
	return nil
}

type conversationSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (c *conversationSet) add(id string) {
	c.mu.Lock()
	c.ids[id] = struct{}{}
	c.mu.Unlock()
}

func (c *conversationSet) has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ids[id]
	return ok
}

func (c *conversationSet) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.ids))
	for id := range c.ids {
		out = append(out, id)
	}
	return out
}

// Run крутит опрос и push до отмены контекста
func (s *Session) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if s.dialer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.pushLoop(ctx)
		}()
	}
	s.pollLoop(ctx)
	wg.Wait()
	return ctx.Err()
}

// PollOnce выполняет один опрос. При ошибке состояние не меняется.
func (s *Session) PollOnce(ctx context.Context) error {
	changed, err := s.poll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.opts.Log.Warn("poll failed, keeping current state", zap.Error(err))
		}
		return err
	}
	if changed {
		s.notify()
	}
	return nil
}

// TriggerPoll просит выполнить опрос вне расписания
func (s *Session) TriggerPoll() {
	select {
	case s.pollNow <- struct{}{}:
	default:
	}
}

// SendTyping отправляет сигнал набора текста, если push-канал открыт
func (s *Session) SendTyping(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return ErrNotConnected
	}
	return s.stream.SendTyping(conversationID)
}

// Connected - открыт ли push-канал и подтвердил ли сервер подписку
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

func (s *Session) pollLoop(ctx context.Context) {
	_ = s.PollOnce(ctx)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.pollNow:
		}
		_ = s.PollOnce(ctx)
	}
}

func (s *Session) pushLoop(ctx context.Context) {
	for {
		stream, err := s.dialer.Dial(ctx)
		if err == nil {
			s.consume(ctx, stream)
			s.setStream(nil)
		} else if ctx.Err() == nil {
			s.opts.Log.Debug("push dial failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.ReconnectDelay):
		}
	}
}

func (s *Session) consume(ctx context.Context, stream PushStream) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-done:
		}
	}()
	defer stream.Close()

	for {
		evt, err := stream.Next()
		if err != nil {
			if ctx.Err() == nil {
				s.opts.Log.Info("push channel closed, reconnecting", zap.Error(err))
			}
			return
		}
		switch evt.Type {
		case EventConnected:
			// подписка на сервере активна; догоняем пропущенное, пока канала не было
			s.setStream(stream)
			s.TriggerPoll()
		case EventMessage:
			if s.onPush(evt) {
				s.notify()
			}
		case EventTyping:
			if evt.Typing != nil && s.opts.OnTyping != nil {
				s.opts.OnTyping(*evt.Typing)
			}
		}
	}
}

func (s *Session) setStream(stream PushStream) {
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
}

func (s *Session) notify() {
	if s.opts.OnUpdate != nil {
		s.opts.OnUpdate()
	}
}
