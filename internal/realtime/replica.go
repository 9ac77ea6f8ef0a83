package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/broadcast"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/canvas"
	"go.uber.org/zap"
)

const (
	// DefaultPendingGrace bounds how long an update for an unknown frame waits for its frame_added.
	DefaultPendingGrace = 5 * time.Second
	// DefaultSeenLimit bounds the number of remembered event ids.
	DefaultSeenLimit = 1024
)

// ReplicaConfig describes a local canvas replica.
type ReplicaConfig struct {
	Initial      canvas.Canvas
	PendingGrace time.Duration
	SeenLimit    int
	Clock        func() time.Time
	Logger       *zap.Logger
}

type pendingUpdate struct {
	update     Update
	receivedAt time.Time
}

// Replica holds one session's copy of a canvas and reapplies remote updates to it.
// Applying the same update twice leaves the canvas unchanged.
type Replica struct {
	grace     time.Duration
	seenLimit int
	clock     func() time.Time
	logger    *zap.Logger

	mu        sync.Mutex
	state     canvas.Canvas
	seen      map[string]struct{}
	seenOrder []string
	pending   map[string][]pendingUpdate

	listeners broadcast.Listeners[Update]
}

// NewReplica constructs a replica seeded with cfg.Initial.
func NewReplica(cfg ReplicaConfig) *Replica {
	grace := cfg.PendingGrace
	if grace <= 0 {
		grace = DefaultPendingGrace
	}
	seenLimit := cfg.SeenLimit
	if seenLimit <= 0 {
		seenLimit = DefaultSeenLimit
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	state := cfg.Initial.Clone()
	if state.Frames == nil {
		state.Frames = []canvas.Frame{}
	}
	if state.Connections == nil {
		state.Connections = []canvas.Connection{}
	}
	return &Replica{
		grace:     grace,
		seenLimit: seenLimit,
		clock:     clock,
		logger:    logger,
		state:     state,
		seen:      make(map[string]struct{}),
		pending:   make(map[string][]pendingUpdate),
	}
}

// Attach feeds every remote update delivered by manager into the replica.
func (r *Replica) Attach(manager *Manager) *broadcast.Subscription {
	return manager.OnUpdate(func(update Update) {
		if _, err := r.Apply(update); err != nil {
			r.logger.Warn("remote update rejected",
				zap.String("type", string(update.Type)),
				zap.String("event_id", update.EventID),
				zap.Error(err))
		}
	})
}

// OnChange registers listener for updates that changed the replica.
func (r *Replica) OnChange(listener func(Update)) *broadcast.Subscription {
	return r.listeners.Add(listener)
}

// Snapshot returns a copy of the current canvas.
func (r *Replica) Snapshot() canvas.Canvas {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// PendingCount reports how many updates are waiting for their frame.
func (r *Replica) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, entries := range r.pending {
		count += len(entries)
	}
	return count
}

// Apply reapplies a remote update and reports whether the canvas changed.
func (r *Replica) Apply(update Update) (bool, error) {
	r.mu.Lock()
	if update.EventID != "" {
		if _, duplicate := r.seen[update.EventID]; duplicate {
			r.mu.Unlock()
			return false, nil
		}
		r.rememberLocked(update.EventID)
	}
	applied, err := r.applyLocked(update)
	r.mu.Unlock()

	for _, change := range applied {
		r.listeners.Notify(change)
	}
	return len(applied) > 0, err
}

// ExpirePending discards buffered updates older than the grace period and returns how many were dropped.
func (r *Replica) ExpirePending() int {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for frameID, entries := range r.pending {
		kept := entries[:0]
		for _, entry := range entries {
			if now.Sub(entry.receivedAt) > r.grace {
				dropped++
				r.logger.Warn("discarding update for unknown frame",
					zap.String("frame_id", frameID),
					zap.String("type", string(entry.update.Type)),
					zap.String("event_id", entry.update.EventID))
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) == 0 {
			delete(r.pending, frameID)
			continue
		}
		r.pending[frameID] = kept
	}
	return dropped
}

func (r *Replica) applyLocked(update Update) ([]Update, error) {
	switch update.Type {
	case UpdateFrameAdded:
		frame, err := update.DecodeFrame()
		if err != nil {
			return nil, err
		}
		changed, err := r.state.UpsertFrame(frame)
		if err != nil {
			return nil, err
		}
		applied := make([]Update, 0, 1)
		if changed {
			applied = append(applied, update)
		}
		return append(applied, r.replayPendingLocked(frame.ID)...), nil
	case UpdateFrameUpdated:
		frame, err := update.DecodeFrame()
		if err != nil {
			return nil, err
		}
		if _, known := r.state.FrameByID(frame.ID); !known {
			r.pending[frame.ID] = append(r.pending[frame.ID], pendingUpdate{update: update, receivedAt: r.clock()})
			return nil, nil
		}
		changed, err := r.state.UpsertFrame(frame)
		return appliedIf(changed, update), err
	case UpdateFrameDeleted:
		payload, err := update.DecodeFrameDeleted()
		if err != nil {
			return nil, err
		}
		delete(r.pending, payload.FrameID)
		removed, _ := r.state.RemoveFrame(payload.FrameID)
		return appliedIf(removed, update), nil
	case UpdateConnectionAdded, UpdateConnectionUpdated:
		connection, err := update.DecodeConnection()
		if err != nil {
			return nil, err
		}
		changed, err := r.state.UpsertConnection(connection)
		if errors.Is(err, canvas.ErrUnknownFrame) {
			r.logger.Debug("connection references unknown frame",
				zap.String("from", connection.From),
				zap.String("to", connection.To))
		}
		return appliedIf(changed, update), err
	case UpdateConnectionDeleted:
		payload, err := update.DecodeConnectionDeleted()
		if err != nil {
			return nil, err
		}
		return appliedIf(r.state.RemoveConnection(payload.ConnectionID), update), nil
	default:
		return nil, nil
	}
}

func (r *Replica) replayPendingLocked(frameID string) []Update {
	entries := r.pending[frameID]
	delete(r.pending, frameID)
	applied := make([]Update, 0, len(entries))
	for _, entry := range entries {
		frame, err := entry.update.DecodeFrame()
		if err != nil {
			continue
		}
		changed, err := r.state.UpsertFrame(frame)
		if err != nil {
			r.logger.Warn("buffered update rejected", zap.String("frame_id", frameID), zap.Error(err))
			continue
		}
		if changed {
			applied = append(applied, entry.update)
		}
	}
	return applied
}

func (r *Replica) rememberLocked(eventID string) {
	r.seen[eventID] = struct{}{}
	r.seenOrder = append(r.seenOrder, eventID)
	for len(r.seenOrder) > r.seenLimit {
		delete(r.seen, r.seenOrder[0])
		r.seenOrder = r.seenOrder[1:]
	}
}

func appliedIf(changed bool, update Update) []Update {
	if !changed {
		return nil
	}
	return []Update{update}
}
