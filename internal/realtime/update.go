package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/canvas"
)

// EventCanvasUpdate is the channel event carrying every Update.
const EventCanvasUpdate = "canvas-update"

const topicPrefix = "canvas-"

// Topic names the broadcast topic of a project canvas.
func Topic(projectID string) string {
	return topicPrefix + projectID
}

// UpdateType discriminates Update payloads.
type UpdateType string

// Canvas mutations.
const (
	UpdateFrameAdded        UpdateType = "frame_added"
	UpdateFrameUpdated      UpdateType = "frame_updated"
	UpdateFrameDeleted      UpdateType = "frame_deleted"
	UpdateConnectionAdded   UpdateType = "connection_added"
	UpdateConnectionUpdated UpdateType = "connection_updated"
	UpdateConnectionDeleted UpdateType = "connection_deleted"
)

// Discussion changes.
const (
	UpdateCommentAdded    UpdateType = "comment_added"
	UpdateCommentUpdated  UpdateType = "comment_updated"
	UpdateCommentDeleted  UpdateType = "comment_deleted"
	UpdateReactionUpdated UpdateType = "reaction_updated"
	UpdateThreadCreated   UpdateType = "thread_created"
	UpdateThreadResolved  UpdateType = "thread_resolved"
)

// Valid reports whether t is a known update type.
func (t UpdateType) Valid() bool {
	switch t {
	case UpdateFrameAdded, UpdateFrameUpdated, UpdateFrameDeleted,
		UpdateConnectionAdded, UpdateConnectionUpdated, UpdateConnectionDeleted,
		UpdateCommentAdded, UpdateCommentUpdated, UpdateCommentDeleted,
		UpdateReactionUpdated, UpdateThreadCreated, UpdateThreadResolved:
		return true
	default:
		return false
	}
}

// Update is the envelope published on a canvas topic.
type Update struct {
	Type      UpdateType      `json:"type"`
	ProjectID string          `json:"projectId"`
	OriginID  string          `json:"originId"`
	EventID   string          `json:"eventId"`
	SentAt    time.Time       `json:"sentAt"`
	Data      json.RawMessage `json:"data"`
}

// FrameDeletedPayload is the data of a frame_deleted update.
type FrameDeletedPayload struct {
	FrameID string `json:"frameId"`
}

// ConnectionDeletedPayload is the data of a connection_deleted update.
type ConnectionDeletedPayload struct {
	ConnectionID string `json:"connectionId"`
}

// DecodeFrame reads the frame carried by frame_added and frame_updated.
func (u Update) DecodeFrame() (canvas.Frame, error) {
	var frame canvas.Frame
	if err := json.Unmarshal(u.Data, &frame); err != nil {
		return canvas.Frame{}, fmt.Errorf("decode %s data: %w", u.Type, err)
	}
	return frame, nil
}

// DecodeConnection reads the connection carried by connection_added and connection_updated.
func (u Update) DecodeConnection() (canvas.Connection, error) {
	var connection canvas.Connection
	if err := json.Unmarshal(u.Data, &connection); err != nil {
		return canvas.Connection{}, fmt.Errorf("decode %s data: %w", u.Type, err)
	}
	return connection, nil
}

// DecodeFrameDeleted reads the data of a frame_deleted update.
func (u Update) DecodeFrameDeleted() (FrameDeletedPayload, error) {
	var payload FrameDeletedPayload
	if err := json.Unmarshal(u.Data, &payload); err != nil {
		return FrameDeletedPayload{}, fmt.Errorf("decode %s data: %w", u.Type, err)
	}
	return payload, nil
}

// DecodeConnectionDeleted reads the data of a connection_deleted update.
func (u Update) DecodeConnectionDeleted() (ConnectionDeletedPayload, error) {
	var payload ConnectionDeletedPayload
	if err := json.Unmarshal(u.Data, &payload); err != nil {
		return ConnectionDeletedPayload{}, fmt.Errorf("decode %s data: %w", u.Type, err)
	}
	return payload, nil
}
