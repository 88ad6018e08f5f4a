package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chatMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Total number of chat messages persisted",
		},
		[]string{"author"},
	)

	chatStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_store_errors_total",
			Help: "Total number of message store failures",
		},
		[]string{"operation"},
	)

	pushSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_push_subscribers",
			Help: "Number of connected push subscribers",
		},
	)

	pushDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_push_dropped_total",
			Help: "Push events dropped because the subscriber buffer was full",
		},
		[]string{"event"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_events_published_total",
			Help: "Chat events handed to the external event sink",
		},
		[]string{"status"},
	)

	eventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_events_delivered_total",
			Help: "Chat events written to the broker or dropped",
		},
		[]string{"status"},
	)
)

func authorLabel(isAdmin bool) string {
	if isAdmin {
		return "admin"
	}
	return "guest"
}
