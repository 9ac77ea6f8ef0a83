package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Membership events delivered on presence topics.
const (
	EventSubscriptionSucceeded = "subscription_succeeded"
	EventMemberAdded           = "member_added"
	EventMemberRemoved         = "member_removed"
	// EventWildcard subscribes a handler to every event on a topic.
	EventWildcard = "*"
)

var (
	// ErrChannelClosed indicates an operation on a closed channel.
	ErrChannelClosed = errors.New("broadcast: channel closed")
	// ErrInvalidTopic indicates an empty topic name.
	ErrInvalidTopic = errors.New("broadcast: invalid topic")
	// ErrInvalidEvent indicates an empty or reserved event name.
	ErrInvalidEvent = errors.New("broadcast: invalid event")
)

// Message is one event delivered on a topic.
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler receives messages for a subscription.
type Handler func(Message)

// Member is an entry in a presence topic roster.
type Member struct {
	ID   string          `json:"id"`
	Info json.RawMessage `json:"info,omitempty"`
}

// Channel is the named pub/sub transport shared by all sessions of a project.
type Channel interface {
	Publish(ctx context.Context, topic string, event string, payload any) error
	Subscribe(topic string, event string, handler Handler) *Subscription
}

// PresenceChannel adds roster membership to a Channel.
// Joining delivers EventSubscriptionSucceeded with the roster to the joiner
// and EventMemberAdded to everyone else; leaving delivers EventMemberRemoved.
type PresenceChannel interface {
	Channel
	Join(ctx context.Context, topic string, member Member) error
	Leave(ctx context.Context, topic string, memberID string) error
}

// Subscription is a stable handle used to detach a handler.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// NewSubscription wraps a cancel function; Unsubscribe runs it at most once.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Unsubscribe detaches the handler. Safe to call repeatedly and on nil.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// EncodePayload converts a payload into raw JSON, passing raw messages through.
func EncodePayload(payload any) (json.RawMessage, error) {
	switch typed := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return typed, nil
	case []byte:
		return json.RawMessage(typed), nil
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("broadcast: encode payload: %w", err)
		}
		return encoded, nil
	}
}

// ValidatePublish rejects empty topics and events reserved for membership.
func ValidatePublish(topic string, event string) error {
	if strings.TrimSpace(topic) == "" {
		return ErrInvalidTopic
	}
	switch strings.TrimSpace(event) {
	case "", EventWildcard, EventSubscriptionSucceeded, EventMemberAdded, EventMemberRemoved:
		return fmt.Errorf("%w: %q", ErrInvalidEvent, event)
	}
	return nil
}

func matchesEvent(subscribed string, event string) bool {
	return subscribed == EventWildcard || subscribed == event
}
