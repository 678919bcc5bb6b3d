// Package pubsub publishes result notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/groupmonitor/internal/monitor"
)

// Publisher wraps a Pub/Sub publisher client.
type Publisher struct {
	publisher *pubsub.Publisher
	ordered   bool
}

// New creates a Publisher for the provided topic publisher. When ordered is
// set, notifications for the same group share an ordering key; the
// publisher must have message ordering enabled.
func New(publisher *pubsub.Publisher, ordered bool) *Publisher {
	return &Publisher{publisher: publisher, ordered: ordered}
}

// Publish marshals n to JSON and publishes it.
func (p *Publisher) Publish(ctx context.Context, n monitor.Notification) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := newMessage(ctx, n, p.ordered)
	if err != nil {
		return "", err
	}
	result := p.publisher.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish notification: %w", err)
	}
	return id, nil
}

func newMessage(ctx context.Context, n monitor.Notification, ordered bool) (*pubsub.Message, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind":     string(n.Kind),
			"state":    string(n.State),
			"username": n.Username,
		},
	}
	if ordered {
		msg.OrderingKey = n.Username
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})
	return msg, nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
