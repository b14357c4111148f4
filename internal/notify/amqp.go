package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/stemsplit/internal/domain"
)

// amqpPublisher is the part of the RabbitMQ client the sink needs.
type amqpPublisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// AMQPSink mirrors job events onto an exchange with routing keys of the
// form <prefix>.<status>, e.g. "jobs.complete".
type AMQPSink struct {
	client amqpPublisher
	prefix string
}

// NewAMQPSink wraps a connected RabbitMQ client
func NewAMQPSink(client amqpPublisher, routingPrefix string) *AMQPSink {
	return &AMQPSink{client: client, prefix: routingPrefix}
}

// RoutingKey returns the key an event is published under
func (s *AMQPSink) RoutingKey(event domain.Event) string {
	if s.prefix == "" {
		return string(event.Status)
	}
	return s.prefix + "." + string(event.Status)
}

// Send publishes the event as JSON
func (s *AMQPSink) Send(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.client.PublishWithRetry(ctx, s.RoutingKey(event), body, "application/json")
}
