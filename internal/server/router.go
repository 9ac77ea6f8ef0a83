package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/broadcast"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/domain"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/projects"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/sharing"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingProjectService   = errors.New("project service dependency required")
	errMissingCommentService   = errors.New("comment service dependency required")
	errMissingSharingService   = errors.New("sharing service dependency required")
	errMissingBroadcaster      = errors.New("realtime broadcaster dependency required")
	errMissingHub              = errors.New("broadcast hub dependency required")
)

// SessionValidator extracts session claims from a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps validated session claims to the canonical user.
type UserResolver interface {
	ResolveUser(ctx context.Context, claims auth.SessionClaims) (users.User, error)
}

// Dependencies wires the HTTP surface to the services.
type Dependencies struct {
	Sessions       SessionValidator
	Users          UserResolver
	Projects       *projects.Service
	Comments       *comments.Service
	Sharing        *sharing.Service
	Broadcaster    *realtime.Broadcaster
	Hub            *broadcast.Hub
	AllowedOrigins []string
	RequestTimeout time.Duration
	Relay          broadcast.RelayConfig
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the REST API and the websocket relay.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessionValidator
	case deps.Users == nil:
		return nil, errMissingUserResolver
	case deps.Projects == nil:
		return nil, errMissingProjectService
	case deps.Comments == nil:
		return nil, errMissingCommentService
	case deps.Sharing == nil:
		return nil, errMissingSharingService
	case deps.Broadcaster == nil:
		return nil, errMissingBroadcaster
	case deps.Hub == nil:
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &httpHandler{
		sessions:       deps.Sessions,
		users:          deps.Users,
		projects:       deps.Projects,
		comments:       deps.Comments,
		sharing:        deps.Sharing,
		broadcaster:    deps.Broadcaster,
		hub:            deps.Hub,
		allowedOrigins: deps.AllowedOrigins,
		relay:          deps.Relay,
		logger:         logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/realtime/ws", handler.handleRelaySocket)

	api := protected.Group("/")
	api.Use(requestTimeout(deps.RequestTimeout))

	api.POST("/projects", handler.handleCreateProject)
	api.GET("/projects", handler.handleListProjects)
	api.GET("/projects/:id", handler.handleGetProject)
	api.PUT("/projects/:id", handler.handleSaveProject)
	api.DELETE("/projects/:id", handler.handleDeleteProject)
	api.DELETE("/projects/:id/frames/:frameId", handler.handleDeleteFrame)
	api.POST("/projects/:id/usage", handler.handleRecordUsage)

	api.GET("/projects/:id/comments", handler.handleProjectComments)
	api.POST("/projects/:id/comments", handler.handleAddComment)
	api.GET("/projects/:id/threads", handler.handleProjectThreads)
	api.POST("/projects/:id/threads", handler.handleCreateThread)
	api.GET("/frames/:frameId/comments", handler.handleFrameComments)
	api.PUT("/comments/:id", handler.handleEditComment)
	api.DELETE("/comments/:id", handler.handleDeleteComment)
	api.POST("/comments/:id/reactions", handler.handleToggleReaction)
	api.POST("/threads/:id/resolve", handler.handleResolveThread)

	api.GET("/projects/:id/sharing", handler.handleGetSharing)
	api.PUT("/projects/:id/sharing", handler.handleUpdateSharing)
	api.POST("/projects/:id/invites", handler.handleInviteUser)
	api.POST("/invites/:id/accept", handler.handleAcceptInvite)
	api.PUT("/projects/:id/members/:userId", handler.handleUpdateMemberRole)
	api.DELETE("/projects/:id/members/:userId", handler.handleRemoveMember)

	api.POST("/realtime/update", handler.handleRealtimeUpdate)

	return router, nil
}

type httpHandler struct {
	sessions       SessionValidator
	users          UserResolver
	projects       *projects.Service
	comments       *comments.Service
	sharing        *sharing.Service
	broadcaster    *realtime.Broadcaster
	hub            *broadcast.Hub
	allowedOrigins []string
	relay          broadcast.RelayConfig
	logger         *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func requestTimeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	user, err := h.users.ResolveUser(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("user resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Request = c.Request.WithContext(users.WithUser(c.Request.Context(), user))
	c.Next()
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	status, label := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", domain.CodeOf(err)),
			zap.Error(err))
	}
	body := gin.H{"error": label}
	if code := domain.CodeOf(err); code != "" {
		body["code"] = code
	}
	c.JSON(status, body)
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, domain.ErrNotAuthorized):
		return http.StatusForbidden, "not_authorized"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, domain.ErrTransportFailure):
		return http.StatusBadGateway, "transport_failure"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func invalidRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}
