package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"travelchat/models"
)

// EventSink получает созданные сообщения для внешних потребителей
// (сервис email-уведомлений администратора)
type EventSink interface {
	Publish(ctx context.Context, msg models.Message) error
	Close() error
}

// NoopSink используется, когда брокер не настроен
type NoopSink struct{}

func (NoopSink) Publish(context.Context, models.Message) error { return nil }
func (NoopSink) Close() error                                  { return nil }

// MessageCreatedEvent - тело события в брокере
type MessageCreatedEvent struct {
	Event   string         `json:"event"`
	Message models.Message `json:"message"`
}

const (
	eventQueueSize       = 256
	reconnectDelay       = 2 * time.Second
	reconnectAttempts    = 3
	brokerPublishTimeout = 5 * time.Second
)

var (
	ErrSinkQueueFull = errors.New("event queue is full")
	ErrSinkClosed    = errors.New("event sink is closed")
)

// brokerChannel - открытый канал брокера, в который пишет воркер
type brokerChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// brokerConnector открывает канал и отдает уведомление о его закрытии
type brokerConnector func() (brokerChannel, <-chan *amqp.Error, error)

// rabbitChannel закрывает вместе с каналом и соединение
type rabbitChannel struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (c rabbitChannel) Close() error {
	_ = c.Channel.Close()
	return c.conn.Close()
}

func dialRabbit(url, exchange string) brokerConnector {
	return func() (brokerChannel, <-chan *amqp.Error, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		channel, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("failed to open channel: %w", err)
		}
		if err := channel.ExchangeDeclare(
			exchange,
			"topic",
			true,  // durable
			false, // auto-delete
			false, // internal
			false, // no-wait
			nil,   // args
		); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("failed to declare exchange: %w", err)
		}
		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		return rabbitChannel{Channel: channel, conn: conn}, closed, nil
	}
}

// RabbitEventSink публикует события в topic exchange RabbitMQ.
// Publish только ставит событие в очередь; в брокер пишет отдельный воркер,
// который переподключается после обрыва соединения.
type RabbitEventSink struct {
	connect    brokerConnector
	exchange   string
	log        *zap.Logger
	retryDelay time.Duration

	queue     chan models.Message
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewRabbitEventSink подключается к брокеру, объявляет exchange и запускает воркер
func NewRabbitEventSink(url, exchange string, log *zap.Logger) (*RabbitEventSink, error) {
	return newRabbitEventSink(dialRabbit(url, exchange), exchange, log, eventQueueSize, reconnectDelay)
}

func newRabbitEventSink(connect brokerConnector, exchange string, log *zap.Logger, queueSize int, retryDelay time.Duration) (*RabbitEventSink, error) {
	channel, closed, err := connect()
	if err != nil {
		return nil, err
	}
	s := &RabbitEventSink{
		connect:    connect,
		exchange:   exchange,
		log:        log,
		retryDelay: retryDelay,
		queue:      make(chan models.Message, queueSize),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go s.run(channel, closed)
	return s, nil
}

// RoutingKey - chat.message.guest или chat.message.admin
func RoutingKey(msg models.Message) string {
	return "chat.message." + authorLabel(msg.AuthorIsAdmin)
}

// Publish не ждет брокер: при переполненной очереди событие отбрасывается
func (s *RabbitEventSink) Publish(_ context.Context, msg models.Message) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.queue <- msg:
		return nil
	default:
		eventsDelivered.WithLabelValues("dropped").Inc()
		return ErrSinkQueueFull
	}
}

func (s *RabbitEventSink) run(channel brokerChannel, closed <-chan *amqp.Error) {
	defer close(s.stopped)
	defer func() {
		if channel != nil {
			_ = channel.Close()
		}
	}()

	for {
		select {
		case <-s.done:
			s.drain(channel)
			return
		case amqpErr := <-closed:
			s.log.Warn("RabbitMQ connection closed, reconnecting", zap.Any("reason", amqpErr))
			_ = channel.Close()
			channel, closed = s.reconnect()
		case msg := <-s.queue:
			channel, closed = s.deliver(channel, closed, msg)
		}
	}
}

// deliver публикует событие; при ошибке переподключается и повторяет один раз
func (s *RabbitEventSink) deliver(channel brokerChannel, closed <-chan *amqp.Error, msg models.Message) (brokerChannel, <-chan *amqp.Error) {
	if channel != nil {
		err := s.publish(channel, msg)
		if err == nil {
			eventsDelivered.WithLabelValues("ok").Inc()
			return channel, closed
		}
		s.log.Warn("failed to publish chat event, reconnecting", zap.Int64("id", msg.ID), zap.Error(err))
		_ = channel.Close()
	}

	channel, closed = s.reconnect()
	if channel == nil {
		eventsDelivered.WithLabelValues("dropped").Inc()
		return nil, nil
	}
	if err := s.publish(channel, msg); err != nil {
		eventsDelivered.WithLabelValues("dropped").Inc()
		s.log.Warn("chat event dropped", zap.Int64("id", msg.ID), zap.Error(err))
		return channel, closed
	}
	eventsDelivered.WithLabelValues("ok").Inc()
	return channel, closed
}

func (s *RabbitEventSink) reconnect() (brokerChannel, <-chan *amqp.Error) {
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		select {
		case <-s.done:
			return nil, nil
		case <-time.After(s.retryDelay):
		}
		channel, closed, err := s.connect()
		if err == nil {
			s.log.Info("RabbitMQ reconnected", zap.Int("attempt", attempt))
			return channel, closed
		}
		s.log.Warn("RabbitMQ reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, nil
}

// drain отправляет то, что осталось в очереди на момент закрытия
func (s *RabbitEventSink) drain(channel brokerChannel) {
	for {
		select {
		case msg := <-s.queue:
			if channel == nil || s.publish(channel, msg) != nil {
				eventsDelivered.WithLabelValues("dropped").Inc()
				continue
			}
			eventsDelivered.WithLabelValues("ok").Inc()
		default:
			return
		}
	}
}

func (s *RabbitEventSink) publish(channel brokerChannel, msg models.Message) error {
	body, err := json.Marshal(MessageCreatedEvent{Event: "message_created", Message: msg})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), brokerPublishTimeout)
	defer cancel()
	return channel.PublishWithContext(ctx,
		s.exchange,
		RoutingKey(msg),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			MessageId:    fmt.Sprintf("chat-%d", msg.ID),
			Body:         body,
		},
	)
}

// Close останавливает воркер, дождавшись отправки очереди
func (s *RabbitEventSink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	<-s.stopped
	return nil
}
