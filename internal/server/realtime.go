package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/broadcast"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/sharing"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	errUnknownTopic    = errors.New("unknown topic")
	errTopicForbidden  = errors.New("not authorized for topic")
	errMissingIdentity = errors.New("no user on relay session")
)

func (h *httpHandler) handleRealtimeUpdate(c *gin.Context) {
	var update realtime.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		invalidRequest(c)
		return
	}
	ctx := c.Request.Context()
	if err := h.authorizeProject(ctx, update.ProjectID, sharing.Role.CanEdit); err != nil {
		if errors.Is(err, errTopicForbidden) || errors.Is(err, errMissingIdentity) {
			c.JSON(http.StatusForbidden, gin.H{"error": "not_authorized"})
			return
		}
		h.writeServiceError(c, err)
		return
	}
	relayed, err := h.broadcaster.Relay(ctx, update)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "eventId": relayed.EventID})
}

func (h *httpHandler) handleRelaySocket(c *gin.Context) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.NewString()
	cfg := h.relay
	if cfg.Logger == nil {
		cfg.Logger = h.logger
	}
	cfg.Authorize = h.authorizeTopic

	ctx := c.Request.Context()
	user, _ := users.FromContext(ctx)
	h.logger.Debug("relay session opened", zap.String("client_id", clientID), zap.String("user_id", user.ID))
	if err := h.hub.ServeRelay(ctx, conn, clientID, cfg); err != nil {
		h.logger.Info("relay session ended", zap.String("client_id", clientID), zap.Error(err))
		return
	}
	h.logger.Debug("relay session closed", zap.String("client_id", clientID))
}

func (h *httpHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// authorizeTopic gates relay operations: reading a canvas or its presence
// requires view access, publishing canvas updates requires edit access.
func (h *httpHandler) authorizeTopic(ctx context.Context, op string, topic string) error {
	projectID, isPresence, ok := projectFromTopic(topic)
	if !ok {
		return fmt.Errorf("%w: %q", errUnknownTopic, topic)
	}
	allowed := sharing.Role.CanView
	if op == broadcast.OpPublish && !isPresence {
		allowed = sharing.Role.CanEdit
	}
	return h.authorizeProject(ctx, projectID, allowed)
}

func (h *httpHandler) authorizeProject(ctx context.Context, projectID string, allowed func(sharing.Role) bool) error {
	user, ok := users.FromContext(ctx)
	if !ok {
		return errMissingIdentity
	}
	if strings.TrimSpace(projectID) == "" {
		return errTopicForbidden
	}
	role, err := h.sharing.Role(ctx, projectID, user.ID)
	if err != nil {
		return err
	}
	if !allowed(role) {
		return errTopicForbidden
	}
	return nil
}

// projectFromTopic recognizes canvas and presence topics.
func projectFromTopic(topic string) (projectID string, isPresence bool, ok bool) {
	presencePrefix := presence.Topic("")
	canvasPrefix := realtime.Topic("")
	switch {
	case strings.HasPrefix(topic, presencePrefix):
		projectID = strings.TrimPrefix(topic, presencePrefix)
		isPresence = true
	case strings.HasPrefix(topic, canvasPrefix):
		projectID = strings.TrimPrefix(topic, canvasPrefix)
	default:
		return "", false, false
	}
	return projectID, isPresence, projectID != ""
}
