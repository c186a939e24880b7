package delivery

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	sent     metric.Int64Counter
	acks     metric.Int64Counter
	timeouts metric.Int64Counter
	queued   metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("chat-relay/delivery")
	sent, _ := meter.Int64Counter("chat_messages_sent_total",
		metric.WithDescription("Messages accepted from senders"))
	acks, _ := meter.Int64Counter("chat_delivery_acks_total",
		metric.WithDescription("Deliveries settled by an acknowledgment"))
	timeouts, _ := meter.Int64Counter("chat_delivery_timeouts_total",
		metric.WithDescription("Deliveries that were not acknowledged in time"))
	queued, _ := meter.Int64Counter("chat_offline_events_total",
		metric.WithDescription("Message events written to the offline queue"))
	return &metrics{sent: sent, acks: acks, timeouts: timeouts, queued: queued}
}
