package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Wire operations exchanged with the relay server.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpJoin        = "join"
	OpLeave       = "leave"
	OpMessage     = "message"
	OpError       = "error"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 25 * time.Second
	defaultSendBuffer   = 64
	remoteClientID      = "remote"
)

// WireFrame is the JSON text frame carried over the relay websocket.
type WireFrame struct {
	Op       string          `json:"op"`
	Topic    string          `json:"topic,omitempty"`
	Event    string          `json:"event,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Member   *Member         `json:"member,omitempty"`
	MemberID string          `json:"memberId,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// WebSocketConfig describes how to reach the relay.
type WebSocketConfig struct {
	URL          string
	Header       http.Header
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
	PingInterval time.Duration
	SendBuffer   int
	Logger       *zap.Logger
}

// WebSocketChannel is a PresenceChannel backed by a relay websocket.
// Incoming messages are dispatched on the read goroutine.
type WebSocketChannel struct {
	conn         *websocket.Conn
	local        *Hub
	client       *HubClient
	send         chan WireFrame
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *zap.Logger

	mu         sync.Mutex
	topicRefs  map[string]int
	closeOnce  sync.Once
	done       chan struct{}
	closeError error
}

// DialWebSocket connects to the relay and starts the reader and writer goroutines.
func DialWebSocket(ctx context.Context, cfg WebSocketConfig) (*WebSocketChannel, error) {
	if cfg.URL == "" {
		return nil, errors.New("broadcast: websocket url is required")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("broadcast: dial %s: %w", cfg.URL, err)
	}
	return newWebSocketChannel(conn, cfg), nil
}

func newWebSocketChannel(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketChannel {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	local := NewHub(logger)
	channel := &WebSocketChannel{
		conn:         conn,
		local:        local,
		client:       local.Client(remoteClientID),
		send:         make(chan WireFrame, sendBuffer),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		logger:       logger,
		topicRefs:    make(map[string]int),
		done:         make(chan struct{}),
	}
	go channel.writeLoop()
	go channel.readLoop()
	return channel
}

// Publish sends the event to the relay, which echoes it to every subscriber including this one.
func (c *WebSocketChannel) Publish(ctx context.Context, topic string, event string, payload any) error {
	if err := ValidatePublish(topic, event); err != nil {
		return err
	}
	encoded, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, WireFrame{Op: OpPublish, Topic: topic, Event: event, Payload: encoded})
}

// Subscribe registers a local handler; the first handler on a topic subscribes at the relay.
func (c *WebSocketChannel) Subscribe(topic string, event string, handler Handler) *Subscription {
	if handler == nil || c.isDone() {
		return NewSubscription(nil)
	}
	local := c.client.Subscribe(topic, event, handler)

	c.mu.Lock()
	c.topicRefs[topic]++
	first := c.topicRefs[topic] == 1
	c.mu.Unlock()
	if first {
		c.enqueueBestEffort(WireFrame{Op: OpSubscribe, Topic: topic})
	}

	return NewSubscription(func() {
		local.Unsubscribe()
		c.mu.Lock()
		c.topicRefs[topic]--
		last := c.topicRefs[topic] <= 0
		if last {
			delete(c.topicRefs, topic)
		}
		c.mu.Unlock()
		if last {
			c.enqueueBestEffort(WireFrame{Op: OpUnsubscribe, Topic: topic})
		}
	})
}

// Join announces member on the topic roster.
func (c *WebSocketChannel) Join(ctx context.Context, topic string, member Member) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	return c.enqueue(ctx, WireFrame{Op: OpJoin, Topic: topic, Member: &member})
}

// Leave removes member from the topic roster.
func (c *WebSocketChannel) Leave(ctx context.Context, topic string, memberID string) error {
	return c.enqueue(ctx, WireFrame{Op: OpLeave, Topic: topic, MemberID: memberID})
}

// Done is closed once the connection has terminated.
func (c *WebSocketChannel) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection terminated, if it has.
func (c *WebSocketChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeError
}

// Close terminates the connection. Safe to call repeatedly.
func (c *WebSocketChannel) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *WebSocketChannel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeError = cause
		c.mu.Unlock()
		close(c.done)
		deadline := time.Now().Add(c.writeTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
		c.client.Close()
	})
}

func (c *WebSocketChannel) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *WebSocketChannel) enqueue(ctx context.Context, frame WireFrame) error {
	if c.isDone() {
		return ErrChannelClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrChannelClosed
	case c.send <- frame:
		return nil
	}
}

func (c *WebSocketChannel) enqueueBestEffort(frame WireFrame) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.logger.Warn("websocket send buffer full",
			zap.String("op", frame.Op),
			zap.String("topic", frame.Topic))
	}
}

func (c *WebSocketChannel) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Warn("websocket write failed", zap.String("op", frame.Op), zap.Error(err))
				c.shutdown(err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

func (c *WebSocketChannel) readLoop() {
	for {
		var frame WireFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if !c.isDone() {
				c.logger.Info("websocket read ended", zap.Error(err))
			}
			c.shutdown(err)
			return
		}
		switch frame.Op {
		case OpMessage:
			c.local.dispatch(Message{Topic: frame.Topic, Event: frame.Event, Payload: frame.Payload}, nil)
		case OpError:
			c.logger.Warn("relay reported error",
				zap.String("topic", frame.Topic),
				zap.String("error", frame.Error))
		default:
			c.logger.Debug("ignoring relay frame", zap.String("op", frame.Op))
		}
	}
}
