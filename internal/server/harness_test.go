package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/broadcast"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/projects"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/sharing"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testSigningSecret = []byte("test-signing-secret")

type sequenceIDs struct {
	next atomic.Int64
}

func (s *sequenceIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%04d", s.next.Add(1)), nil
}

type testServer struct {
	handler http.Handler
	hub     *broadcast.Hub
	sharing *sharing.Service
	issuer  *auth.TokenIssuer
	server  *httptest.Server
}

func newTestServer(t *testing.T, logger *zap.Logger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	models := append([]any{&store.Document{}, &users.Identity{}}, sharing.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	ids := &sequenceIDs{}
	documents, err := store.NewGormStore(store.GormStoreConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to create user service: %v", err)
	}
	sharingService, err := sharing.NewService(sharing.ServiceConfig{Database: db, IDProvider: ids, Logger: logger})
	if err != nil {
		t.Fatalf("failed to create sharing service: %v", err)
	}

	hub := broadcast.NewHub(logger)
	broadcaster, err := realtime.NewBroadcaster(realtime.BroadcasterConfig{
		Channel:  hub.Client("server"),
		OriginID: "server",
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to create broadcaster: %v", err)
	}
	projectService, err := projects.NewService(projects.ServiceConfig{
		Store:      documents,
		Access:     sharingService,
		Notifier:   broadcaster,
		IDProvider: ids,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to create project service: %v", err)
	}
	commentService, err := comments.NewService(comments.ServiceConfig{
		Store:      documents,
		AccessGate: sharingService,
		Notifier:   broadcaster,
		IDProvider: ids,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to create comment service: %v", err)
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: testSigningSecret})
	if err != nil {
		t.Fatalf("failed to create session validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: testSigningSecret, TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:       sessions,
		Users:          userService,
		Projects:       projectService,
		Comments:       commentService,
		Sharing:        sharingService,
		Broadcaster:    broadcaster,
		Hub:            hub,
		RequestTimeout: 5 * time.Second,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testServer{handler: handler, hub: hub, sharing: sharingService, issuer: issuer}
}

func (s *testServer) start(t *testing.T) string {
	t.Helper()
	s.server = httptest.NewServer(s.handler)
	t.Cleanup(s.server.Close)
	return s.server.URL
}

func (s *testServer) token(t *testing.T, userID string, email string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(auth.Profile{UserID: userID, Email: email, DisplayName: userID})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Fatalf("expected status %d, got %d: %s", expected, recorder.Code, recorder.Body.String())
	}
}
