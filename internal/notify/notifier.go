// Package notify is the per-document change feed. Every lock or presence
// mutation is published to the document's channel; subscribed clients reload
// the affected listing rather than applying deltas.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	KindLock     = "lock"
	KindPresence = "presence"

	ActionChanged = "changed"
	ActionRemoved = "removed"
)

// Event describes one mutation. Payloads are deliberately thin: receivers
// re-read the full listing, so only the routing fields travel.
type Event struct {
	DocumentID string `json:"documentId"`
	Kind       string `json:"kind"`
	Action     string `json:"action"`
	SectionID  string `json:"sectionId,omitempty"`
	UserID     string `json:"userId,omitempty"`
}

type Notifier struct {
	client *redis.Client
	prefix string
}

func New(redisURL string) (*Notifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Notifier{client: client, prefix: "feed:"}, nil
}

// NewWithClient creates a notifier from an existing Redis client.
func NewWithClient(client *redis.Client) *Notifier {
	return &Notifier{client: client, prefix: "feed:"}
}

func (n *Notifier) channel(documentID string) string {
	return n.prefix + documentID
}

func (n *Notifier) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel(event.DocumentID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscription is one listener on a document's channel. Unsubscribe stops
// delivery and releases the underlying connection.
type Subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

func (s *Subscription) Unsubscribe() {
	_ = s.pubsub.Close()
	<-s.done
}

// Subscribe registers handler for every event on documentID. The handler runs
// on the subscription's own goroutine; reconnection is left to go-redis.
func (n *Notifier) Subscribe(ctx context.Context, documentID string, handler func(Event)) (*Subscription, error) {
	pubsub := n.client.Subscribe(ctx, n.channel(documentID))

	// Force the subscription onto the wire before returning so callers can
	// seed local state with a full read and miss nothing after it.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", documentID, err)
	}

	sub := &Subscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("notify: drop malformed event on %s: %v", msg.Channel, err)
				continue
			}
			handler(event)
		}
	}()
	return sub, nil
}

func (n *Notifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

func (n *Notifier) Close() error {
	return n.client.Close()
}
