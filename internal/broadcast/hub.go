package broadcast

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Hub is an in-process relay fanning messages out to every client subscribed to a topic.
// Delivery is synchronous on the publishing goroutine, in subscription order.
type Hub struct {
	mu            sync.RWMutex
	nextID        int64
	subscriptions map[string]map[int64]*hubSubscription
	members       map[string]map[string]hubMember
	logger        *zap.Logger
}

type hubSubscription struct {
	id       int64
	clientID string
	event    string
	handler  Handler
}

type hubMember struct {
	member   Member
	clientID string
}

// NewHub constructs an empty relay.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscriptions: make(map[string]map[int64]*hubSubscription),
		members:       make(map[string]map[string]hubMember),
		logger:        logger,
	}
}

// Client returns a session-scoped view of the hub implementing PresenceChannel.
func (h *Hub) Client(clientID string) *HubClient {
	return &HubClient{hub: h, clientID: clientID}
}

// Roster returns the current members of a presence topic ordered by id.
func (h *Hub) Roster(topic string) []Member {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rosterLocked(topic)
}

// SubscriberCount reports how many handlers are attached to a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[topic])
}

func (h *Hub) rosterLocked(topic string) []Member {
	entries := h.members[topic]
	roster := make([]Member, 0, len(entries))
	for _, entry := range entries {
		roster = append(roster, entry.member)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })
	return roster
}

func (h *Hub) subscribe(clientID string, topic string, event string, handler Handler) *Subscription {
	h.mu.Lock()
	h.nextID++
	subscription := &hubSubscription{
		id:       h.nextID,
		clientID: clientID,
		event:    event,
		handler:  handler,
	}
	if _, ok := h.subscriptions[topic]; !ok {
		h.subscriptions[topic] = make(map[int64]*hubSubscription)
	}
	h.subscriptions[topic][subscription.id] = subscription
	h.mu.Unlock()

	return NewSubscription(func() {
		h.unsubscribe(topic, subscription.id)
	})
}

func (h *Hub) unsubscribe(topic string, subscriptionID int64) {
	h.mu.Lock()
	subscriptions := h.subscriptions[topic]
	if subscriptions != nil {
		delete(subscriptions, subscriptionID)
		if len(subscriptions) == 0 {
			delete(h.subscriptions, topic)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) dispatch(message Message, include func(*hubSubscription) bool) {
	h.mu.RLock()
	subscriptions := h.subscriptions[message.Topic]
	if len(subscriptions) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*hubSubscription, 0, len(subscriptions))
	for _, subscription := range subscriptions {
		if !matchesEvent(subscription.event, message.Event) {
			continue
		}
		if include != nil && !include(subscription) {
			continue
		}
		copies = append(copies, subscription)
	}
	h.mu.RUnlock()

	sort.Slice(copies, func(i, j int) bool { return copies[i].id < copies[j].id })
	for _, subscription := range copies {
		h.deliver(subscription, message)
	}
}

func (h *Hub) deliver(subscription *hubSubscription, message Message) {
	defer func() {
		if recovered := recover(); recovered != nil {
			h.logger.Error("broadcast handler panicked",
				zap.String("topic", message.Topic),
				zap.String("event", message.Event),
				zap.String("client_id", subscription.clientID),
				zap.Any("panic", recovered))
		}
	}()
	subscription.handler(message)
}

func (h *Hub) join(clientID string, topic string, member Member) {
	h.mu.Lock()
	if _, ok := h.members[topic]; !ok {
		h.members[topic] = make(map[string]hubMember)
	}
	h.members[topic][member.ID] = hubMember{member: member, clientID: clientID}
	roster := h.rosterLocked(topic)
	h.mu.Unlock()

	rosterPayload, _ := json.Marshal(roster)
	h.dispatch(Message{Topic: topic, Event: EventSubscriptionSucceeded, Payload: rosterPayload}, func(subscription *hubSubscription) bool {
		return subscription.clientID == clientID
	})

	memberPayload, _ := json.Marshal(member)
	h.dispatch(Message{Topic: topic, Event: EventMemberAdded, Payload: memberPayload}, func(subscription *hubSubscription) bool {
		return subscription.clientID != clientID
	})
}

func (h *Hub) leave(clientID string, topic string, memberID string) bool {
	h.mu.Lock()
	entry, ok := h.members[topic][memberID]
	if !ok || entry.clientID != clientID {
		h.mu.Unlock()
		return false
	}
	delete(h.members[topic], memberID)
	if len(h.members[topic]) == 0 {
		delete(h.members, topic)
	}
	h.mu.Unlock()

	memberPayload, _ := json.Marshal(entry.member)
	h.dispatch(Message{Topic: topic, Event: EventMemberRemoved, Payload: memberPayload}, func(subscription *hubSubscription) bool {
		return subscription.clientID != clientID
	})
	return true
}

func (h *Hub) disconnect(clientID string) {
	h.mu.Lock()
	for topic, subscriptions := range h.subscriptions {
		for id, subscription := range subscriptions {
			if subscription.clientID == clientID {
				delete(subscriptions, id)
			}
		}
		if len(subscriptions) == 0 {
			delete(h.subscriptions, topic)
		}
	}
	type membership struct {
		topic    string
		memberID string
	}
	owned := make([]membership, 0)
	for topic, entries := range h.members {
		for memberID, entry := range entries {
			if entry.clientID == clientID {
				owned = append(owned, membership{topic: topic, memberID: memberID})
			}
		}
	}
	h.mu.Unlock()

	for _, entry := range owned {
		h.leave(clientID, entry.topic, entry.memberID)
	}
}

// HubClient is one session's connection to a Hub.
type HubClient struct {
	hub      *Hub
	clientID string
	mu       sync.RWMutex
	closed   bool
}

// ID returns the client identifier.
func (c *HubClient) ID() string {
	return c.clientID
}

// Publish delivers the event to every subscriber of the topic, the sender included.
func (c *HubClient) Publish(ctx context.Context, topic string, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrChannelClosed
	}
	if err := ValidatePublish(topic, event); err != nil {
		return err
	}
	encoded, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	c.hub.dispatch(Message{Topic: topic, Event: event, Payload: encoded}, nil)
	return nil
}

// Subscribe attaches handler to event on topic; EventWildcard matches every event.
func (c *HubClient) Subscribe(topic string, event string, handler Handler) *Subscription {
	if c.isClosed() || handler == nil {
		return NewSubscription(nil)
	}
	return c.hub.subscribe(c.clientID, topic, event, handler)
}

// Join adds member to the topic roster.
func (c *HubClient) Join(ctx context.Context, topic string, member Member) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrChannelClosed
	}
	if topic == "" {
		return ErrInvalidTopic
	}
	c.hub.join(c.clientID, topic, member)
	return nil
}

// Leave removes one of this client's members from the topic roster.
func (c *HubClient) Leave(ctx context.Context, topic string, memberID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrChannelClosed
	}
	c.hub.leave(c.clientID, topic, memberID)
	return nil
}

// Close drops every subscription and membership held by this client.
func (c *HubClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.hub.disconnect(c.clientID)
}

func (c *HubClient) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
