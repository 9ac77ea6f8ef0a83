package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/broadcast"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/canvas"
	"go.uber.org/zap"
)

var errMissingProject = errors.New("realtime: project id is required")

// ManagerConfig describes one session's realtime binding to a project.
type ManagerConfig struct {
	Channel   broadcast.Channel
	ProjectID string
	OriginID  string
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Manager publishes local canvas mutations and delivers remote ones for a single project.
type Manager struct {
	projectID   string
	channel     broadcast.Channel
	broadcaster *Broadcaster
	logger      *zap.Logger

	mu            sync.Mutex
	subscriptions []*broadcast.Subscription
	disconnected  bool
}

// NewManager binds a session to the project's canvas topic.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, errMissingProject
	}
	broadcaster, err := NewBroadcaster(BroadcasterConfig{
		Channel:  cfg.Channel,
		OriginID: cfg.OriginID,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Manager{
		projectID:   projectID,
		channel:     cfg.Channel,
		broadcaster: broadcaster,
		logger:      broadcaster.logger.With(zap.String("project_id", projectID)),
	}, nil
}

// ProjectID returns the bound project.
func (m *Manager) ProjectID() string {
	return m.projectID
}

// OriginID returns the session id stamped on outgoing updates.
func (m *Manager) OriginID() string {
	return m.broadcaster.OriginID()
}

// PublishUpdate sends a mutation to every other session. Failures are logged, never returned.
func (m *Manager) PublishUpdate(ctx context.Context, updateType UpdateType, payload any) {
	if m.isDisconnected() {
		m.logger.Debug("publish after disconnect ignored", zap.String("type", string(updateType)))
		return
	}
	m.broadcaster.PublishUpdate(ctx, m.projectID, updateType, payload)
}

// OnUpdate registers handler for updates published by other sessions.
func (m *Manager) OnUpdate(handler func(Update)) *broadcast.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disconnected || handler == nil {
		return broadcast.NewSubscription(nil)
	}
	originID := m.broadcaster.OriginID()
	subscription := m.channel.Subscribe(Topic(m.projectID), EventCanvasUpdate, func(message broadcast.Message) {
		var update Update
		if err := json.Unmarshal(message.Payload, &update); err != nil {
			m.logger.Warn("discarding malformed realtime update", zap.Error(err))
			return
		}
		if update.OriginID == originID || update.ProjectID != m.projectID {
			return
		}
		handler(update)
	})
	m.subscriptions = append(m.subscriptions, subscription)
	return subscription
}

// Disconnect detaches every handler. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.disconnected {
		m.mu.Unlock()
		return
	}
	m.disconnected = true
	subscriptions := m.subscriptions
	m.subscriptions = nil
	m.mu.Unlock()

	for _, subscription := range subscriptions {
		subscription.Unsubscribe()
	}
}

func (m *Manager) isDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

// FrameAdded announces a new frame.
func (m *Manager) FrameAdded(ctx context.Context, frame canvas.Frame) {
	m.PublishUpdate(ctx, UpdateFrameAdded, frame)
}

// FrameUpdated announces a changed frame.
func (m *Manager) FrameUpdated(ctx context.Context, frame canvas.Frame) {
	m.PublishUpdate(ctx, UpdateFrameUpdated, frame)
}

// FrameDeleted announces a removed frame.
func (m *Manager) FrameDeleted(ctx context.Context, frameID string) {
	m.PublishUpdate(ctx, UpdateFrameDeleted, FrameDeletedPayload{FrameID: frameID})
}

// ConnectionAdded announces a new link.
func (m *Manager) ConnectionAdded(ctx context.Context, connection canvas.Connection) {
	m.PublishUpdate(ctx, UpdateConnectionAdded, connection)
}

// ConnectionUpdated announces changed link geometry.
func (m *Manager) ConnectionUpdated(ctx context.Context, connection canvas.Connection) {
	m.PublishUpdate(ctx, UpdateConnectionUpdated, connection)
}

// ConnectionDeleted announces a removed link.
func (m *Manager) ConnectionDeleted(ctx context.Context, connectionID string) {
	m.PublishUpdate(ctx, UpdateConnectionDeleted, ConnectionDeletedPayload{ConnectionID: connectionID})
}
