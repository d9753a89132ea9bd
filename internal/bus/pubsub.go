package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
)

// PubSubPublisher publishes outbox messages to Google Cloud Pub/Sub.
// Message ordering is enabled on every topic handle: the outbox routes
// per-aggregate ordering through the message key, which becomes the
// Pub/Sub ordering key.
type PubSubPublisher struct {
	client      *pubsub.Client
	sendTimeout time.Duration

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSubPublisher connects to Pub/Sub. sendTimeout bounds each
// publish-and-await-ack round trip; zero means 10s.
func NewPubSubPublisher(ctx context.Context, projectID string, sendTimeout time.Duration) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	log.Info().Str("project_id", projectID).Msg("pubsub publisher connected")
	return &PubSubPublisher{
		client:      client,
		sendTimeout: sendTimeout,
		topics:      make(map[string]*pubsub.Topic),
	}, nil
}

func (p *PubSubPublisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t
	}
	t := p.client.Topic(name)
	t.EnableMessageOrdering = true
	p.topics[name] = t
	return t
}

// Publish sends one message and waits for the broker ack. A failed publish
// on an ordering key pauses that key; ResumePublish clears the pause so the
// drainer's retry is not wedged behind the dead letter.
func (p *PubSubPublisher) Publish(ctx context.Context, msg Message) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()

	t := p.topic(msg.Topic)
	res := t.Publish(ctx, &pubsub.Message{
		Data:        msg.Value,
		Attributes:  msg.Headers,
		OrderingKey: msg.Key,
	})
	id, err := res.Get(ctx)
	if err != nil {
		if msg.Key != "" {
			t.ResumePublish(msg.Key)
		}
		return Receipt{}, fmt.Errorf("pubsub publish %s: %w", msg.Topic, err)
	}
	return Receipt{Offset: id}, nil
}

// Close stops all topic publishers and closes the client.
func (p *PubSubPublisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}
