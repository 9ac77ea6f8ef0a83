package realtime

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/broadcast"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/domain"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	operationPublish = "realtime.publish"
	operationRelay   = "realtime.relay"

	reasonInvalidProject = "invalid_project"
	reasonInvalidType    = "invalid_type"
	reasonEncodePayload  = "encode_payload"
	reasonChannelPublish = "channel_publish"
)

var errMissingChannel = errors.New("realtime: broadcast channel is required")

// BroadcasterConfig describes the dependencies of a Broadcaster.
type BroadcasterConfig struct {
	Channel  broadcast.Channel
	OriginID string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Broadcaster publishes Update envelopes for any project.
type Broadcaster struct {
	channel  broadcast.Channel
	originID string
	clock    func() time.Time
	logger   *zap.Logger

	entropyMu sync.Mutex
	entropy   io.Reader
}

// NewBroadcaster constructs a Broadcaster; a random origin id is generated when none is given.
func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	if cfg.Channel == nil {
		return nil, errMissingChannel
	}
	originID := strings.TrimSpace(cfg.OriginID)
	if originID == "" {
		originID = uuid.NewString()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		channel:  cfg.Channel,
		originID: originID,
		clock:    clock,
		logger:   logger,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// OriginID identifies this publisher in every envelope it sends.
func (b *Broadcaster) OriginID() string {
	return b.originID
}

// PublishUpdate sends the update and logs any failure. It never fails the caller.
func (b *Broadcaster) PublishUpdate(ctx context.Context, projectID string, updateType UpdateType, payload any) {
	if _, err := b.Publish(ctx, projectID, updateType, payload); err != nil {
		b.logger.Warn("realtime update not delivered",
			zap.String("project_id", projectID),
			zap.String("type", string(updateType)),
			zap.String("code", domain.CodeOf(err)),
			zap.Error(err))
	}
}

// Publish wraps payload in an envelope stamped with this origin and sends it.
func (b *Broadcaster) Publish(ctx context.Context, projectID string, updateType UpdateType, payload any) (Update, error) {
	data, err := broadcast.EncodePayload(payload)
	if err != nil {
		return Update{}, domain.NewServiceError(operationPublish, reasonEncodePayload, domain.ErrValidation, err)
	}
	update := Update{
		Type:      updateType,
		ProjectID: projectID,
		OriginID:  b.originID,
		Data:      data,
	}
	return b.send(ctx, operationPublish, update)
}

// Relay forwards an update authored elsewhere, keeping its origin so the author still drops the echo.
func (b *Broadcaster) Relay(ctx context.Context, update Update) (Update, error) {
	if strings.TrimSpace(update.OriginID) == "" {
		update.OriginID = b.originID
	}
	return b.send(ctx, operationRelay, update)
}

func (b *Broadcaster) send(ctx context.Context, operation string, update Update) (Update, error) {
	if strings.TrimSpace(update.ProjectID) == "" {
		return Update{}, domain.NewServiceError(operation, reasonInvalidProject, domain.ErrValidation, nil)
	}
	if !update.Type.Valid() {
		return Update{}, domain.NewServiceError(operation, reasonInvalidType, domain.ErrValidation, fmt.Errorf("unknown update type %q", update.Type))
	}
	now := b.clock().UTC()
	if update.EventID == "" {
		update.EventID = b.nextEventID(now)
	}
	if update.SentAt.IsZero() {
		update.SentAt = now
	}
	if len(update.Data) == 0 {
		update.Data = []byte("null")
	}
	if err := b.channel.Publish(ctx, Topic(update.ProjectID), EventCanvasUpdate, update); err != nil {
		return Update{}, domain.NewServiceError(operation, reasonChannelPublish, domain.ErrTransportFailure, err)
	}
	return update, nil
}

func (b *Broadcaster) nextEventID(now time.Time) string {
	b.entropyMu.Lock()
	defer b.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), b.entropy).String()
}
