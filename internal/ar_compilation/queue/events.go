package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is a project status change as seen by stream subscribers.
type Event struct {
	ProjectID    string    `json:"projectId"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	Phase        string    `json:"phase,omitempty"`
	Progress     int       `json:"progress"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	At           time.Time `json:"at"`
}

const (
	EventStatus  = "status"
	EventDeleted = "deleted"
)

// EventBus publishes project events over Redis Pub/Sub.
type EventBus struct {
	client *redis.Client
}

func NewEventBus(client *redis.Client) *EventBus {
	return &EventBus{client: client}
}

func channel(projectID string) string {
	return fmt.Sprintf("%s%s", eventChannelPrefix, projectID)
}

func (b *EventBus) Publish(ctx context.Context, ev Event) error {
	if ev.Type == "" {
		ev.Type = EventStatus
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channel(ev.ProjectID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscription delivers events for one project until closed.
type Subscription struct {
	pubsub *redis.PubSub
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Subscribe starts listening on the project's channel. The subscription is
// confirmed before Subscribe returns, so no event published afterwards is
// missed.
func (b *EventBus) Subscribe(ctx context.Context, projectID string) (*Subscription, error) {
	ps := b.client.Subscribe(ctx, channel(projectID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sub := &Subscription{pubsub: ps, events: make(chan Event, 16), done: make(chan struct{})}
	go sub.pump()
	return sub, nil
}

func (s *Subscription) pump() {
	defer close(s.events)
	for msg := range s.pubsub.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// Events is closed once the subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.events }

func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
