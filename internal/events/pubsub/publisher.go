// Package pubsub implements a Google Cloud Pub/Sub event publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	gpubsub "cloud.google.com/go/pubsub"

	"github.com/crawlpool/crawlpool/internal/events"
)

// Publisher delivers crawl events to a Pub/Sub topic.
type Publisher struct {
	topic *gpubsub.Topic
}

// New creates a Publisher for the provided topic.
func New(topic *gpubsub.Topic) (*Publisher, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &Publisher{topic: topic}, nil
}

// Publish marshals the event to JSON and publishes it to the topic.
func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("validate event: %w", err)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &gpubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"run_id": event.RunID,
			"type":   string(event.Type),
		},
	}
	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Stop flushes pending messages and releases topic resources.
func (p *Publisher) Stop() {
	p.topic.Stop()
}
