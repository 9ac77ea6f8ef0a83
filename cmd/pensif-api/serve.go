package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/broadcast"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/config"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/database"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/domain"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/projects"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/server"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/sharing"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/users"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const serverOriginID = "server"

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, "json")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	ids := domain.NewUUIDProvider()

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	sharingService, err := sharing.NewService(sharing.ServiceConfig{Database: db, IDProvider: ids, Logger: logger})
	if err != nil {
		return err
	}
	documents, err := store.NewGormStore(store.GormStoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	hub := broadcast.NewHub(logger)
	serverClient := hub.Client(serverOriginID)
	defer serverClient.Close()
	broadcaster, err := realtime.NewBroadcaster(realtime.BroadcasterConfig{
		Channel:  serverClient,
		OriginID: serverOriginID,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	projectService, err := projects.NewService(projects.ServiceConfig{
		Store:      documents,
		Access:     sharingService,
		Notifier:   broadcaster,
		IDProvider: ids,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	commentService, err := comments.NewService(comments.ServiceConfig{
		Store:      documents,
		AccessGate: sharingService,
		Notifier:   broadcaster,
		IDProvider: ids,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessions,
		Users:          userService,
		Projects:       projectService,
		Comments:       commentService,
		Sharing:        sharingService,
		Broadcaster:    broadcaster,
		Hub:            hub,
		AllowedOrigins: appConfig.AllowedOrigins,
		RequestTimeout: appConfig.RequestTimeout,
		Relay: broadcast.RelayConfig{
			WriteTimeout: appConfig.RelayWriteTimeout,
			PongTimeout:  appConfig.RelayPongTimeout,
			SendBuffer:   appConfig.RelaySendBuffer,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
