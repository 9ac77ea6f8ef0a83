package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/broadcast"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/canvas"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventCursorUpdate is the client event carrying cursor positions.
const EventCursorUpdate = "client-cursor-update"

const topicPrefix = "presence-canvas-"

// Timing defaults for liveness tracking and cursor throttling.
const (
	DefaultStaleAfter     = 30 * time.Second
	DefaultSweepInterval  = 10 * time.Second
	DefaultCursorThrottle = 50 * time.Millisecond
)

const leaveTimeout = 5 * time.Second

var (
	errMissingChannel = errors.New("presence: channel is required")
	errMissingProject = errors.New("presence: project id is required")
)

// Topic names the presence topic of a project canvas.
func Topic(projectID string) string {
	return topicPrefix + projectID
}

// State is the liveness of a remote member.
type State string

const (
	StateJoined State = "joined"
	StateActive State = "active"
	StateIdle   State = "idle"
)

// Identity is a session's ephemeral presence identity.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// NewIdentity generates a random id, display name and color.
func NewIdentity() Identity {
	return Identity{
		ID:    uuid.NewString(),
		Name:  fmt.Sprintf("User %d", rand.Intn(1000)),
		Color: fmt.Sprintf("hsl(%d, 70%%, 50%%)", rand.Intn(360)),
	}
}

// Record is one remote member as seen by this session.
type Record struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Color    string        `json:"color"`
	Cursor   *canvas.Point `json:"cursor"`
	LastSeen time.Time     `json:"lastSeen"`
	IsActive bool          `json:"isActive"`
	State    State         `json:"state"`
}

type memberInfo struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type cursorPayload struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Color  string       `json:"color"`
	Cursor canvas.Point `json:"cursor"`
}

// Config describes a presence session.
type Config struct {
	Channel        broadcast.PresenceChannel
	ProjectID      string
	Identity       Identity
	Clock          func() time.Time
	Logger         *zap.Logger
	StaleAfter     time.Duration
	SweepInterval  time.Duration
	CursorThrottle time.Duration
}

// Manager tracks the live roster of other sessions on a project and publishes this session's cursor.
type Manager struct {
	channel        broadcast.PresenceChannel
	topic          string
	self           Identity
	clock          func() time.Time
	logger         *zap.Logger
	staleAfter     time.Duration
	sweepInterval  time.Duration
	cursorThrottle time.Duration

	mu             sync.Mutex
	records        map[string]*Record
	lastCursorSent time.Time
	subscription   *broadcast.Subscription
	connected      bool
	disconnected   bool

	stop      chan struct{}
	sweepDone chan struct{}
	listeners broadcast.Listeners[[]Record]
}

// NewManager validates cfg; call Connect to join the roster.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Channel == nil {
		return nil, errMissingChannel
	}
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, errMissingProject
	}
	identity := cfg.Identity
	if identity.ID == "" {
		identity = NewIdentity()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	cursorThrottle := cfg.CursorThrottle
	if cursorThrottle <= 0 {
		cursorThrottle = DefaultCursorThrottle
	}
	return &Manager{
		channel:        cfg.Channel,
		topic:          Topic(projectID),
		self:           identity,
		clock:          clock,
		logger:         logger.With(zap.String("project_id", projectID), zap.String("presence_id", identity.ID)),
		staleAfter:     staleAfter,
		sweepInterval:  sweepInterval,
		cursorThrottle: cursorThrottle,
		records:        make(map[string]*Record),
		stop:           make(chan struct{}),
		sweepDone:      make(chan struct{}),
	}, nil
}

// Self returns this session's identity.
func (m *Manager) Self() Identity {
	return m.self
}

// Connect subscribes to the presence topic, joins the roster and starts the idle sweep.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.disconnected {
		m.mu.Unlock()
		return broadcast.ErrChannelClosed
	}
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = true
	m.subscription = m.channel.Subscribe(m.topic, broadcast.EventWildcard, m.handle)
	m.mu.Unlock()
	go m.sweepLoop()

	info, err := json.Marshal(memberInfo{Name: m.self.Name, Color: m.self.Color})
	if err != nil {
		return err
	}
	if err := m.channel.Join(ctx, m.topic, broadcast.Member{ID: m.self.ID, Info: info}); err != nil {
		m.logger.Warn("presence join failed", zap.Error(err))
		return err
	}
	return nil
}

// UpdateCursor publishes the cursor unless an update was accepted less than the throttle window ago.
// It reports whether the update was accepted.
func (m *Manager) UpdateCursor(ctx context.Context, point canvas.Point) bool {
	now := m.clock()
	m.mu.Lock()
	if m.disconnected {
		m.mu.Unlock()
		return false
	}
	if !m.lastCursorSent.IsZero() && now.Sub(m.lastCursorSent) < m.cursorThrottle {
		m.mu.Unlock()
		return false
	}
	m.lastCursorSent = now
	m.mu.Unlock()

	payload := cursorPayload{ID: m.self.ID, Name: m.self.Name, Color: m.self.Color, Cursor: point}
	if err := m.channel.Publish(ctx, m.topic, EventCursorUpdate, payload); err != nil {
		m.logger.Warn("cursor update not delivered", zap.Error(err))
	}
	return true
}

// Roster returns the remote members ordered by id.
func (m *Manager) Roster() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rosterLocked()
}

// OnRosterChange registers handler for every roster change.
func (m *Manager) OnRosterChange(handler func([]Record)) *broadcast.Subscription {
	return m.listeners.Add(handler)
}

// Sweep marks members silent for longer than the stale window as idle.
func (m *Manager) Sweep() {
	now := m.clock()
	m.mu.Lock()
	changed := false
	for _, record := range m.records {
		if record.State == StateIdle {
			continue
		}
		if now.Sub(record.LastSeen) > m.staleAfter {
			record.State = StateIdle
			record.IsActive = false
			changed = true
		}
	}
	var roster []Record
	if changed {
		roster = m.rosterLocked()
	}
	m.mu.Unlock()

	if changed {
		m.listeners.Notify(roster)
	}
}

// Disconnect stops the sweep, unsubscribes and leaves the roster. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.disconnected {
		m.mu.Unlock()
		return
	}
	m.disconnected = true
	connected := m.connected
	subscription := m.subscription
	m.subscription = nil
	m.records = make(map[string]*Record)
	m.mu.Unlock()

	close(m.stop)
	if connected {
		<-m.sweepDone
	}
	subscription.Unsubscribe()
	if !connected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := m.channel.Leave(ctx, m.topic, m.self.ID); err != nil && !errors.Is(err, broadcast.ErrChannelClosed) {
		m.logger.Info("presence leave failed", zap.Error(err))
	}
	m.listeners.Clear()
}

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Manager) handle(message broadcast.Message) {
	switch message.Event {
	case broadcast.EventSubscriptionSucceeded:
		var members []broadcast.Member
		if err := json.Unmarshal(message.Payload, &members); err != nil {
			m.logger.Warn("malformed roster snapshot", zap.Error(err))
			return
		}
		m.mutate(func(now time.Time) bool {
			for _, member := range members {
				m.joinLocked(member, now)
			}
			return true
		})
	case broadcast.EventMemberAdded:
		var member broadcast.Member
		if err := json.Unmarshal(message.Payload, &member); err != nil {
			m.logger.Warn("malformed member", zap.Error(err))
			return
		}
		m.mutate(func(now time.Time) bool {
			return m.joinLocked(member, now)
		})
	case broadcast.EventMemberRemoved:
		var member broadcast.Member
		if err := json.Unmarshal(message.Payload, &member); err != nil {
			m.logger.Warn("malformed member", zap.Error(err))
			return
		}
		m.mutate(func(time.Time) bool {
			if _, exists := m.records[member.ID]; !exists {
				return false
			}
			delete(m.records, member.ID)
			return true
		})
	case EventCursorUpdate:
		var payload cursorPayload
		if err := json.Unmarshal(message.Payload, &payload); err != nil {
			m.logger.Warn("malformed cursor update", zap.Error(err))
			return
		}
		if payload.ID == "" || payload.ID == m.self.ID {
			return
		}
		m.mutate(func(now time.Time) bool {
			record, exists := m.records[payload.ID]
			if !exists {
				record = &Record{ID: payload.ID, Name: payload.Name, Color: payload.Color}
				m.records[payload.ID] = record
			}
			cursor := payload.Cursor
			record.Cursor = &cursor
			record.LastSeen = now
			record.State = StateActive
			record.IsActive = true
			return true
		})
	}
}

func (m *Manager) mutate(apply func(now time.Time) bool) {
	now := m.clock()
	m.mu.Lock()
	if m.disconnected {
		m.mu.Unlock()
		return
	}
	changed := apply(now)
	var roster []Record
	if changed {
		roster = m.rosterLocked()
	}
	m.mu.Unlock()

	if changed {
		m.listeners.Notify(roster)
	}
}

func (m *Manager) joinLocked(member broadcast.Member, now time.Time) bool {
	if member.ID == "" || member.ID == m.self.ID {
		return false
	}
	if _, exists := m.records[member.ID]; exists {
		return false
	}
	var info memberInfo
	if len(member.Info) > 0 {
		if err := json.Unmarshal(member.Info, &info); err != nil {
			m.logger.Debug("member info unreadable", zap.String("member_id", member.ID), zap.Error(err))
		}
	}
	m.records[member.ID] = &Record{
		ID:       member.ID,
		Name:     info.Name,
		Color:    info.Color,
		LastSeen: now,
		IsActive: true,
		State:    StateJoined,
	}
	return true
}

func (m *Manager) rosterLocked() []Record {
	roster := make([]Record, 0, len(m.records))
	for _, record := range m.records {
		copied := *record
		if record.Cursor != nil {
			cursor := *record.Cursor
			copied.Cursor = &cursor
		}
		roster = append(roster, copied)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })
	return roster
}
