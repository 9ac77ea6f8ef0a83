package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RelayConfig tunes one server-side relay session.
type RelayConfig struct {
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	SendBuffer   int
	// Authorize is consulted before subscribe, publish and join; nil allows everything.
	Authorize func(ctx context.Context, op string, topic string) error
	Logger    *zap.Logger
}

// ServeRelay bridges a websocket peer onto the hub until the peer disconnects or ctx ends.
// Outgoing frames are queued and dropped when the peer falls behind.
func (h *Hub) ServeRelay(ctx context.Context, conn *websocket.Conn, clientID string, cfg RelayConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = h.logger
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	pongTimeout := cfg.PongTimeout
	if pongTimeout <= 0 {
		pongTimeout = 2 * defaultPingInterval
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := h.Client(clientID)
	defer client.Close()

	outgoing := make(chan WireFrame, sendBuffer)
	push := func(frame WireFrame) {
		select {
		case outgoing <- frame:
		default:
			logger.Warn("relay dropped frame for slow client",
				zap.String("client_id", clientID),
				zap.String("topic", frame.Topic),
				zap.String("event", frame.Event))
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		for {
			select {
			case <-sessionCtx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeTimeout))
				return
			case frame := <-outgoing:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(frame); err != nil {
					logger.Info("relay write failed", zap.String("client_id", clientID), zap.Error(err))
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	topics := make(map[string]*Subscription)
	defer func() {
		for _, subscription := range topics {
			subscription.Unsubscribe()
		}
	}()

	go func() {
		<-sessionCtx.Done()
		_ = conn.Close()
	}()

	var readErr error
	for {
		var frame WireFrame
		if err := conn.ReadJSON(&frame); err != nil {
			readErr = err
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

		if cfg.Authorize != nil && frame.Op != OpUnsubscribe && frame.Op != OpLeave {
			if err := cfg.Authorize(sessionCtx, frame.Op, frame.Topic); err != nil {
				push(WireFrame{Op: OpError, Topic: frame.Topic, Error: err.Error()})
				continue
			}
		}

		var opErr error
		switch frame.Op {
		case OpSubscribe:
			if frame.Topic == "" {
				opErr = ErrInvalidTopic
				break
			}
			if _, exists := topics[frame.Topic]; exists {
				break
			}
			topic := frame.Topic
			topics[topic] = client.Subscribe(topic, EventWildcard, func(message Message) {
				push(WireFrame{Op: OpMessage, Topic: message.Topic, Event: message.Event, Payload: message.Payload})
			})
		case OpUnsubscribe:
			if subscription, exists := topics[frame.Topic]; exists {
				subscription.Unsubscribe()
				delete(topics, frame.Topic)
			}
		case OpPublish:
			opErr = client.Publish(sessionCtx, frame.Topic, frame.Event, frame.Payload)
		case OpJoin:
			if frame.Member == nil || frame.Member.ID == "" {
				opErr = errors.New("broadcast: member is required")
				break
			}
			opErr = client.Join(sessionCtx, frame.Topic, *frame.Member)
		case OpLeave:
			opErr = client.Leave(sessionCtx, frame.Topic, frame.MemberID)
		default:
			opErr = errors.New("broadcast: unsupported op " + frame.Op)
		}
		if opErr != nil {
			push(WireFrame{Op: OpError, Topic: frame.Topic, Error: opErr.Error()})
		}
	}

	cancel()
	<-writerDone
	if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return readErr
}
