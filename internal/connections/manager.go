package connections

import (
	"sync"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/broadcast"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/canvas"
	"go.uber.org/zap"
)

// Pending is a link gesture waiting for its target connector.
type Pending struct {
	FrameID string
	Side    canvas.Side
}

// Manager tracks the links of one canvas and the in-progress link gesture.
type Manager struct {
	logger *zap.Logger

	mu          sync.Mutex
	connections []canvas.Connection
	pending     *Pending

	listeners broadcast.Listeners[[]canvas.Connection]
}

// NewManager constructs an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:      logger,
		connections: []canvas.Connection{},
	}
}

// OnChange registers listener for every change to the link list.
// Listeners run synchronously on the mutating goroutine.
func (m *Manager) OnChange(listener func([]canvas.Connection)) *broadcast.Subscription {
	return m.listeners.Add(listener)
}

// Load replaces the link list, typically from a stored project.
func (m *Manager) Load(connections []canvas.Connection) {
	m.mu.Lock()
	m.connections = cloneConnections(connections)
	snapshot := cloneConnections(m.connections)
	m.mu.Unlock()
	m.listeners.Notify(snapshot)
}

// StartConnection records the source of a link gesture.
func (m *Manager) StartConnection(frameID string, side canvas.Side) {
	m.mu.Lock()
	m.pending = &Pending{FrameID: frameID, Side: side}
	m.mu.Unlock()
}

// PendingConnection returns the in-progress gesture, if any.
func (m *Manager) PendingConnection() (Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return Pending{}, false
	}
	return *m.pending, true
}

// EndConnection completes the gesture on the target connector.
// It returns nil when no gesture is pending, the frames are the same, or the sides do not complement.
// A rejected target keeps the gesture pending so the user can try another connector.
func (m *Manager) EndConnection(targetFrameID string, targetSide canvas.Side) *canvas.Connection {
	m.mu.Lock()
	pending := m.pending
	if pending == nil || pending.FrameID == targetFrameID || !pending.Side.Complements(targetSide) {
		m.mu.Unlock()
		return nil
	}
	connection := canvas.NewConnection(pending.FrameID, targetFrameID)
	m.pending = nil
	if index := m.indexLocked(connection.ID); index >= 0 {
		connection.Points = append([]canvas.Point{}, m.connections[index].Points...)
		m.connections[index] = connection
	} else {
		m.connections = append(m.connections, connection)
	}
	snapshot := cloneConnections(m.connections)
	m.mu.Unlock()

	m.logger.Debug("connection created", zap.String("connection_id", connection.ID))
	m.listeners.Notify(snapshot)
	return &connection
}

// CancelConnection clears the gesture; a no-op when none is pending.
func (m *Manager) CancelConnection() {
	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()
}

// RecomputeGeometry refreshes link endpoints from the current frame positions.
// Links whose endpoints are missing keep their previous points.
func (m *Manager) RecomputeGeometry(frames []canvas.Frame) {
	byID := make(map[string]canvas.Frame, len(frames))
	for _, frame := range frames {
		byID[frame.ID] = frame
	}

	m.mu.Lock()
	for index, connection := range m.connections {
		fromFrame, fromFound := byID[connection.From]
		toFrame, toFound := byID[connection.To]
		if !fromFound || !toFound {
			continue
		}
		m.connections[index].Points = canvas.LinkPoints(fromFrame, toFrame)
	}
	snapshot := cloneConnections(m.connections)
	m.mu.Unlock()

	m.listeners.Notify(snapshot)
}

// RemoveConnection drops the link; a no-op when the id is absent.
func (m *Manager) RemoveConnection(connectionID string) {
	m.mu.Lock()
	kept := make([]canvas.Connection, 0, len(m.connections))
	for _, connection := range m.connections {
		if connection.ID != connectionID {
			kept = append(kept, connection)
		}
	}
	m.connections = kept
	snapshot := cloneConnections(m.connections)
	m.mu.Unlock()

	m.listeners.Notify(snapshot)
}

// PruneFrame drops every link touching frameID and returns the removed ids.
func (m *Manager) PruneFrame(frameID string) []string {
	m.mu.Lock()
	kept := make([]canvas.Connection, 0, len(m.connections))
	removed := make([]string, 0)
	for _, connection := range m.connections {
		if connection.From == frameID || connection.To == frameID {
			removed = append(removed, connection.ID)
			continue
		}
		kept = append(kept, connection)
	}
	m.connections = kept
	if m.pending != nil && m.pending.FrameID == frameID {
		m.pending = nil
	}
	snapshot := cloneConnections(m.connections)
	m.mu.Unlock()

	if len(removed) > 0 {
		m.listeners.Notify(snapshot)
	}
	return removed
}

// Connections returns a copy of the link list.
func (m *Manager) Connections() []canvas.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneConnections(m.connections)
}

func (m *Manager) indexLocked(connectionID string) int {
	for index, connection := range m.connections {
		if connection.ID == connectionID {
			return index
		}
	}
	return -1
}

func cloneConnections(connections []canvas.Connection) []canvas.Connection {
	clone := make([]canvas.Connection, len(connections))
	for index, connection := range connections {
		connection.Points = append([]canvas.Point{}, connection.Points...)
		clone[index] = connection
	}
	return clone
}
