package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/broadcast"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/realtime"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const expireInterval = time.Second

type watchOptions struct {
	apiURL       string
	projectID    string
	token        string
	name         string
	logLevel     string
	skipSnapshot bool
}

func runWatch(ctx context.Context, options watchOptions) error {
	logger, err := logging.NewLogger(options.logLevel, "console")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.With(zap.String("project_id", options.projectID))

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initial := canvas.Canvas{}
	if !options.skipSnapshot {
		project, err := fetchProject(signalCtx, options)
		if err != nil {
			return err
		}
		initial = project.Canvas
		logger.Info("canvas loaded",
			zap.Int("frames", len(initial.Frames)),
			zap.Int("connections", len(initial.Connections)))
	}

	socketURL, err := relayURL(options.apiURL)
	if err != nil {
		return err
	}
	header := http.Header{}
	if options.token != "" {
		header.Set("Authorization", "Bearer "+options.token)
	}
	channel, err := broadcast.DialWebSocket(signalCtx, broadcast.WebSocketConfig{
		URL:    socketURL,
		Header: header,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}
	defer channel.Close() //nolint:errcheck

	identity := presence.NewIdentity()
	if options.name != "" {
		identity.Name = options.name
	}
	presenceManager, err := presence.NewManager(presence.Config{
		Channel:   channel,
		ProjectID: options.projectID,
		Identity:  identity,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer presenceManager.Disconnect()
	presenceManager.OnRosterChange(func(records []presence.Record) {
		names := make([]string, 0, len(records))
		for _, record := range records {
			names = append(names, fmt.Sprintf("%s(%s)", record.Name, record.State))
		}
		logger.Info("roster changed", zap.Strings("members", names))
	})

	realtimeManager, err := realtime.NewManager(realtime.ManagerConfig{
		Channel:   channel,
		ProjectID: options.projectID,
		OriginID:  uuid.NewString(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer realtimeManager.Disconnect()

	replica := realtime.NewReplica(realtime.ReplicaConfig{Initial: initial, Logger: logger})
	replica.Attach(realtimeManager)
	replica.OnChange(func(update realtime.Update) {
		snapshot := replica.Snapshot()
		logger.Info("update applied",
			zap.String("type", string(update.Type)),
			zap.String("origin_id", update.OriginID),
			zap.Int("frames", len(snapshot.Frames)),
			zap.Int("connections", len(snapshot.Connections)))
	})

	if err := presenceManager.Connect(signalCtx); err != nil {
		return err
	}
	logger.Info("watching canvas", zap.String("member_id", identity.ID), zap.String("name", identity.Name))

	ticker := time.NewTicker(expireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-signalCtx.Done():
			return nil
		case <-channel.Done():
			if err := channel.Err(); err != nil && !errors.Is(err, broadcast.ErrChannelClosed) {
				return fmt.Errorf("relay closed: %w", err)
			}
			return nil
		case <-ticker.C:
			if dropped := replica.ExpirePending(); dropped > 0 {
				logger.Debug("pending updates expired", zap.Int("dropped", dropped))
			}
		}
	}
}

func relayURL(apiURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(apiURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http", "":
		parsed.Scheme = "ws"
	}
	parsed.Path += "/realtime/ws"
	return parsed.String(), nil
}

type projectSnapshot struct {
	ID     string        `json:"id"`
	Canvas canvas.Canvas `json:"canvas"`
}

func fetchProject(ctx context.Context, options watchOptions) (projectSnapshot, error) {
	endpoint := strings.TrimRight(options.apiURL, "/") + "/projects/" + url.PathEscape(options.projectID)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return projectSnapshot{}, err
	}
	if options.token != "" {
		request.Header.Set("Authorization", "Bearer "+options.token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return projectSnapshot{}, fmt.Errorf("load project: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return projectSnapshot{}, fmt.Errorf("load project: unexpected status %d", response.StatusCode)
	}
	var snapshot projectSnapshot
	if err := json.NewDecoder(response.Body).Decode(&snapshot); err != nil {
		return projectSnapshot{}, fmt.Errorf("decode project: %w", err)
	}
	return snapshot, nil
}
