package projects

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/domain"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/sharing"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var (
	ownerUser = users.User{ID: "owner", Email: "owner@example.com"}
	guestUser = users.User{ID: "guest", Email: "guest@example.com"}
)

func TestCreateProjectSeedsCanvasAndMetadata(t *testing.T) {
	harness := newHarness(t)
	ownerCtx := users.WithUser(context.Background(), ownerUser)

	project, err := harness.service.CreateProject(ownerCtx, "  Sketchbook ")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if project.Name != "Sketchbook" || project.Canvas.SpendLimit != canvas.DefaultSpendLimit {
		t.Fatalf("unexpected project: %+v", project)
	}
	if project.Canvas.ApiUsage.Totals() != (canvas.UsageTotals{}) {
		t.Fatalf("expected zero usage, got %+v", project.Canvas.ApiUsage)
	}

	listing, err := harness.service.ListProjects(ownerCtx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listing) != 1 || listing[0].ID != project.ID || listing[0].Name != "Sketchbook" {
		t.Fatalf("unexpected listing: %+v", listing)
	}

	guestListing, err := harness.service.ListProjects(users.WithUser(context.Background(), guestUser))
	if err != nil {
		t.Fatalf("guest list failed: %v", err)
	}
	if len(guestListing) != 0 {
		t.Fatalf("expected guest to see nothing, got %+v", guestListing)
	}

	if _, err := harness.service.CreateProject(ownerCtx, " "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected blank name to fail validation, got %v", err)
	}
	if _, err := harness.service.CreateProject(context.Background(), "anon"); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated create to fail, got %v", err)
	}
}

func TestSaveProjectRederivesMetadata(t *testing.T) {
	harness := newHarness(t)
	ownerCtx := users.WithUser(context.Background(), ownerUser)
	project := mustCreate(t, harness, "Board")

	harness.clock.advance(time.Hour)
	project.Name = "Renamed"
	project.Created = time.Time{}
	project.Canvas.Frames = []canvas.Frame{
		{ID: "a", Type: canvas.FrameTypeSketch, Position: canvas.Point{X: 0, Y: 0}},
		{ID: "b", Type: canvas.FrameTypeImage, Position: canvas.Point{X: 500, Y: 0}},
	}
	project.Canvas.Connections = []canvas.Connection{canvas.NewConnection("a", "b")}
	project.Canvas.ApiUsage.FluxSchnell = canvas.UsageCounter{Calls: 2, Spend: 0.5}

	saved, err := harness.service.SaveProject(ownerCtx, project)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if saved.Created.IsZero() || !saved.LastModified.Equal(harness.clock.now) {
		t.Fatalf("unexpected timestamps: %+v", saved)
	}
	if len(saved.Canvas.Connections[0].Points) == 0 {
		t.Fatalf("expected connection geometry to be derived")
	}

	metadata, err := store.GetJSON[canvas.ProjectMetadata](context.Background(), harness.documents, store.CollectionProjectMetadata, project.ID)
	if err != nil {
		t.Fatalf("metadata lookup failed: %v", err)
	}
	if metadata.Name != "Renamed" || metadata.ApiUsage.TotalCalls != 2 || metadata.ApiUsage.TotalSpend != 0.5 {
		t.Fatalf("metadata not re-derived: %+v", metadata)
	}
}

func TestSaveProjectRejectsDanglingConnections(t *testing.T) {
	harness := newHarness(t)
	ownerCtx := users.WithUser(context.Background(), ownerUser)
	project := mustCreate(t, harness, "Board")

	project.Canvas.Frames = []canvas.Frame{{ID: "a", Type: canvas.FrameTypeSketch}}
	project.Canvas.Connections = []canvas.Connection{canvas.NewConnection("a", "ghost")}
	_, err := harness.service.SaveProject(ownerCtx, project)
	if !errors.Is(err, domain.ErrValidation) || domain.CodeOf(err) != "projects.save_project.dangling_connection" {
		t.Fatalf("expected dangling connection rejection, got %v", err)
	}

	project.ID = "missing"
	if _, err := harness.service.SaveProject(ownerCtx, project); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected save of unshared project to be rejected, got %v", err)
	}
}

func TestViewerCannotMutate(t *testing.T) {
	harness := newHarness(t)
	ownerCtx := users.WithUser(context.Background(), ownerUser)
	guestCtx := users.WithUser(context.Background(), guestUser)
	project := mustCreate(t, harness, "Shared")

	if _, err := harness.service.GetProject(guestCtx, project.ID); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected private project to be hidden, got %v", err)
	}
	if err := harness.sharing.UpdateSettings(ownerCtx, project.ID, true, true); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if _, err := harness.service.GetProject(guestCtx, project.ID); err != nil {
		t.Fatalf("expected public project to be readable, got %v", err)
	}
	if _, err := harness.service.SaveProject(guestCtx, project); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected viewer save to fail, got %v", err)
	}
	if err := harness.service.DeleteProject(guestCtx, project.ID); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected viewer delete to fail, got %v", err)
	}
}

func TestRecordUsageEnforcesSpendLimit(t *testing.T) {
	harness := newHarness(t)
	ownerCtx := users.WithUser(context.Background(), ownerUser)
	project := mustCreate(t, harness, "Metered")

	updated, err := harness.service.RecordUsage(ownerCtx, project.ID, UsageRecord{Model: "tripoSr", Spend: 60})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if updated.Canvas.ApiUsage.TripoSr.Calls != 1 || updated.Canvas.ApiUsage.TripoSr.Spend != 60 {
		t.Fatalf("unexpected counters: %+v", updated.Canvas.ApiUsage)
	}

	_, err = harness.service.RecordUsage(ownerCtx, project.ID, UsageRecord{Model: "removeBg", Spend: 50})
	if !errors.Is(err, domain.ErrValidation) || domain.CodeOf(err) != "projects.record_usage.spend_limit_exceeded" {
		t.Fatalf("expected spend limit rejection, got %v", err)
	}
	if _, err := harness.service.RecordUsage(ownerCtx, project.ID, UsageRecord{Model: "dalle", Spend: 1}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected unknown model rejection, got %v", err)
	}
	if _, err := harness.service.RecordUsage(ownerCtx, project.ID, UsageRecord{Model: "removeBg", Spend: -1}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected negative spend rejection, got %v", err)
	}

	stored, err := harness.service.GetProject(ownerCtx, project.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Canvas.ApiUsage.Totals().TotalSpend != 60 {
		t.Fatalf("rejected usage must not be recorded, got %+v", stored.Canvas.ApiUsage)
	}
}

func TestDeleteFramePrunesConnectionsAndBroadcasts(t *testing.T) {
	harness := newHarness(t)
	ownerCtx := users.WithUser(context.Background(), ownerUser)
	project := mustCreate(t, harness, "Graph")

	project.Canvas.Frames = []canvas.Frame{
		{ID: "a", Type: canvas.FrameTypeSketch},
		{ID: "b", Type: canvas.FrameTypeImage, Position: canvas.Point{X: 400}},
		{ID: "c", Type: canvas.FrameTypeModel, Position: canvas.Point{X: 800}},
	}
	project.Canvas.Connections = []canvas.Connection{canvas.NewConnection("a", "b"), canvas.NewConnection("b", "c")}
	if _, err := harness.service.SaveProject(ownerCtx, project); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	pruned, err := harness.service.DeleteFrame(ownerCtx, project.ID, "b")
	if err != nil {
		t.Fatalf("delete frame failed: %v", err)
	}
	if fmt.Sprint(pruned) != "[a-b b-c]" {
		t.Fatalf("unexpected pruned connections: %v", pruned)
	}
	stored, err := harness.service.GetProject(ownerCtx, project.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(stored.Canvas.Frames) != 2 || len(stored.Canvas.Connections) != 0 {
		t.Fatalf("unexpected canvas after delete: %+v", stored.Canvas)
	}
	if len(harness.notifier.updates) != 1 || harness.notifier.updates[0].updateType != realtime.UpdateFrameDeleted {
		t.Fatalf("expected a frame_deleted broadcast, got %+v", harness.notifier.updates)
	}

	if _, err := harness.service.DeleteFrame(ownerCtx, project.ID, "b"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected missing frame to be not found, got %v", err)
	}
}

func TestDeleteProjectRemovesEverything(t *testing.T) {
	harness := newHarness(t)
	ownerCtx := users.WithUser(context.Background(), ownerUser)
	project := mustCreate(t, harness, "Doomed")

	if err := store.PutJSON(context.Background(), harness.documents, store.CollectionComments, "c1", store.Keys{ProjectID: project.ID}, map[string]string{"id": "c1"}); err != nil {
		t.Fatalf("seed comment failed: %v", err)
	}
	if err := harness.service.DeleteProject(ownerCtx, project.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := harness.documents.Get(context.Background(), store.CollectionComments, "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected comments to be removed, got %v", err)
	}
	if _, err := harness.documents.Get(context.Background(), store.CollectionProjectMetadata, project.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected metadata to be removed, got %v", err)
	}
	if _, err := harness.service.GetProject(ownerCtx, project.ID); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected ownership to be gone, got %v", err)
	}
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) advance(duration time.Duration) {
	c.now = c.now.Add(duration)
}

type sequenceIDs struct {
	prefix string
	next   int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("%s-%d", s.prefix, s.next), nil
}

type publishedUpdate struct {
	projectID  string
	updateType realtime.UpdateType
	payload    any
}

type recordingNotifier struct {
	updates []publishedUpdate
}

func (n *recordingNotifier) PublishUpdate(_ context.Context, projectID string, updateType realtime.UpdateType, payload any) {
	n.updates = append(n.updates, publishedUpdate{projectID: projectID, updateType: updateType, payload: payload})
}

type harness struct {
	service   *Service
	sharing   *sharing.Service
	documents store.Store
	clock     *testClock
	notifier  *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "projects.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(append([]any{&store.Document{}}, sharing.Models()...)...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	clock := &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	documents, err := store.NewGormStore(store.GormStoreConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	access, err := sharing.NewService(sharing.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{prefix: "invite"},
	})
	if err != nil {
		t.Fatalf("failed to create sharing service: %v", err)
	}
	notifier := &recordingNotifier{}
	service, err := NewService(ServiceConfig{
		Store:      documents,
		Access:     access,
		Notifier:   notifier,
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{prefix: "project"},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return &harness{service: service, sharing: access, documents: documents, clock: clock, notifier: notifier}
}

func mustCreate(t *testing.T, harness *harness, name string) canvas.Project {
	t.Helper()
	project, err := harness.service.CreateProject(users.WithUser(context.Background(), ownerUser), name)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return project
}
