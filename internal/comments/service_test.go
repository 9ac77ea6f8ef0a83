package comments

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/domain"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/sharing"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var (
	ownerUser  = users.User{ID: "u1", DisplayName: "Ada", Email: "ada@example.com"}
	editorUser = users.User{ID: "u2", DisplayName: "Grace"}
	viewerUser = users.User{ID: "u3", Email: "viewer@example.com"}
)

func TestCommentLifecycleAcrossAuthors(t *testing.T) {
	harness := newHarness(t)
	ownerCtx := users.WithUser(context.Background(), ownerUser)
	editorCtx := users.WithUser(context.Background(), editorUser)

	root, err := harness.service.AddComment(ownerCtx, AddCommentRequest{ProjectID: "P", Content: "hi"})
	if err != nil {
		t.Fatalf("add root failed: %v", err)
	}
	if root.ReplyTo != "" || len(root.Reactions) != 0 || root.UserName != "Ada" {
		t.Fatalf("unexpected root comment: %+v", root)
	}

	harness.clock.advance(time.Minute)
	reply, err := harness.service.AddComment(editorCtx, AddCommentRequest{ProjectID: "P", Content: "hey", ReplyTo: root.ID})
	if err != nil {
		t.Fatalf("add reply failed: %v", err)
	}
	if reply.ReplyTo != root.ID {
		t.Fatalf("expected reply to reference root, got %+v", reply)
	}

	if _, err := harness.service.EditComment(editorCtx, root.ID, "hi there"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected non-author edit to fail, got %v", err)
	}
	harness.clock.advance(time.Minute)
	edited, err := harness.service.EditComment(ownerCtx, root.ID, "hi there")
	if err != nil {
		t.Fatalf("author edit failed: %v", err)
	}
	if edited.Content != "hi there" || edited.EditedAt == nil || !edited.EditedAt.Equal(harness.clock.now) {
		t.Fatalf("unexpected edited comment: %+v", edited)
	}

	comments, err := harness.service.GetProjectComments(ownerCtx, "P")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	grouped := GroupThreads(comments)
	if len(grouped) != 1 || len(grouped[0]) != 2 || grouped[0][0].ID != root.ID || grouped[0][1].ID != reply.ID {
		t.Fatalf("unexpected grouping: %+v", grouped)
	}

	expected := []realtime.UpdateType{realtime.UpdateCommentAdded, realtime.UpdateCommentAdded, realtime.UpdateCommentUpdated}
	if got := harness.notifier.types(); fmt.Sprint(got) != fmt.Sprint(expected) {
		t.Fatalf("unexpected broadcasts: %v", got)
	}
}

func TestAddCommentRequiresEditAccess(t *testing.T) {
	harness := newHarness(t)

	_, err := harness.service.AddComment(users.WithUser(context.Background(), viewerUser), AddCommentRequest{ProjectID: "P", Content: "hello"})
	if !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected viewer to be rejected, got %v", err)
	}
	if _, err := harness.service.AddComment(context.Background(), AddCommentRequest{ProjectID: "P", Content: "hello"}); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	for _, user := range []users.User{ownerUser, editorUser} {
		if _, err := harness.service.AddComment(users.WithUser(context.Background(), user), AddCommentRequest{ProjectID: "P", Content: "hello"}); err != nil {
			t.Fatalf("expected %s to comment, got %v", user.ID, err)
		}
	}
	if len(harness.notifier.types()) != 2 {
		t.Fatalf("expected broadcasts only for accepted comments, got %v", harness.notifier.types())
	}
}

func TestAddCommentValidatesInput(t *testing.T) {
	harness := newHarness(t)
	ownerCtx := users.WithUser(context.Background(), ownerUser)

	if _, err := harness.service.AddComment(ownerCtx, AddCommentRequest{ProjectID: "P", Content: "   "}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected blank content to fail validation, got %v", err)
	}
	if _, err := harness.service.AddComment(ownerCtx, AddCommentRequest{ProjectID: "P", Content: "hi", ReplyTo: "missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected unknown reply target to be not found, got %v", err)
	}

	other, err := harness.service.AddComment(ownerCtx, AddCommentRequest{ProjectID: "Q", Content: "elsewhere"})
	if err != nil {
		t.Fatalf("add on second project failed: %v", err)
	}
	if _, err := harness.service.AddComment(ownerCtx, AddCommentRequest{ProjectID: "P", Content: "hi", ReplyTo: other.ID}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected cross-project reply to be not found, got %v", err)
	}
}

func TestReactionToggleIsSelfInverse(t *testing.T) {
	harness := newHarness(t)
	ownerCtx := users.WithUser(context.Background(), ownerUser)
	editorCtx := users.WithUser(context.Background(), editorUser)

	comment, err := harness.service.AddComment(ownerCtx, AddCommentRequest{ProjectID: "P", Content: "vote"})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	first, err := harness.service.AddReaction(ownerCtx, comment.ID, "👍")
	if err != nil {
		t.Fatalf("first toggle failed: %v", err)
	}
	if !first.HasReaction("👍", ownerUser.ID) {
		t.Fatalf("expected reaction to be recorded, got %+v", first.Reactions)
	}
	second, err := harness.service.AddReaction(ownerCtx, comment.ID, "👍")
	if err != nil {
		t.Fatalf("second toggle failed: %v", err)
	}
	if _, present := second.Reactions["👍"]; present {
		t.Fatalf("expected empty emoji key to be dropped, got %+v", second.Reactions)
	}

	if _, err := harness.service.AddReaction(editorCtx, comment.ID, "🎉"); err != nil {
		t.Fatalf("editor toggle failed: %v", err)
	}
	before, err := harness.service.AddReaction(ownerCtx, comment.ID, "🎉")
	if err != nil {
		t.Fatalf("owner toggle failed: %v", err)
	}
	after, err := harness.service.AddReaction(ownerCtx, comment.ID, "🎉")
	if err != nil {
		t.Fatalf("owner untoggle failed: %v", err)
	}
	if len(before.Reactions["🎉"]) != 2 || fmt.Sprint(after.Reactions["🎉"]) != fmt.Sprint([]string{editorUser.ID}) {
		t.Fatalf("unexpected reactions before=%v after=%v", before.Reactions, after.Reactions)
	}

	if _, err := harness.service.AddReaction(ownerCtx, comment.ID, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected empty emoji to fail validation, got %v", err)
	}
	if _, err := harness.service.AddReaction(ownerCtx, "missing", "👍"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected unknown comment to be not found, got %v", err)
	}
}

func TestDeleteCommentRequiresAuthor(t *testing.T) {
	harness := newHarness(t)
	ownerCtx := users.WithUser(context.Background(), ownerUser)
	editorCtx := users.WithUser(context.Background(), editorUser)

	comment, err := harness.service.AddComment(ownerCtx, AddCommentRequest{ProjectID: "P", FrameID: "f1", Content: "on frame"})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	thread, err := harness.service.CreateThread(ownerCtx, "P", comment.ID)
	if err != nil {
		t.Fatalf("create thread failed: %v", err)
	}

	if err := harness.service.DeleteComment(editorCtx, comment.ID); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected non-author delete to fail, got %v", err)
	}
	if err := harness.service.DeleteComment(ownerCtx, comment.ID); err != nil {
		t.Fatalf("author delete failed: %v", err)
	}
	if err := harness.service.DeleteComment(ownerCtx, comment.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected second delete to be not found, got %v", err)
	}
	if _, err := harness.service.ResolveThread(ownerCtx, thread.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected thread rooted at deleted comment to be gone, got %v", err)
	}

	frameComments, err := harness.service.GetFrameComments(ownerCtx, "f1")
	if err != nil {
		t.Fatalf("frame listing failed: %v", err)
	}
	if len(frameComments) != 0 {
		t.Fatalf("expected no frame comments, got %+v", frameComments)
	}

	last := harness.notifier.last()
	payload, ok := last.payload.(CommentDeletedPayload)
	if last.updateType != realtime.UpdateCommentDeleted || !ok || payload.CommentID != comment.ID || payload.FrameID != "f1" {
		t.Fatalf("unexpected delete broadcast: %+v", last)
	}
}

func TestResolveThreadKeepsFirstResolver(t *testing.T) {
	harness := newHarness(t)
	ownerCtx := users.WithUser(context.Background(), ownerUser)
	editorCtx := users.WithUser(context.Background(), editorUser)

	root, err := harness.service.AddComment(ownerCtx, AddCommentRequest{ProjectID: "P", Content: "question"})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	harness.clock.advance(time.Second)
	if _, err := harness.service.AddComment(editorCtx, AddCommentRequest{ProjectID: "P", Content: "answer", ReplyTo: root.ID}); err != nil {
		t.Fatalf("reply failed: %v", err)
	}

	if _, err := harness.service.CreateThread(users.WithUser(context.Background(), viewerUser), "P", root.ID); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected viewer thread creation to fail, got %v", err)
	}
	thread, err := harness.service.CreateThread(ownerCtx, "P", root.ID)
	if err != nil {
		t.Fatalf("create thread failed: %v", err)
	}
	if thread.Resolved || len(thread.Comments) != 2 || thread.Comments[0].ID != root.ID {
		t.Fatalf("unexpected new thread: %+v", thread)
	}

	if _, err := harness.service.ResolveThread(context.Background(), thread.ID); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated resolve to fail, got %v", err)
	}
	harness.clock.advance(time.Minute)
	resolved, err := harness.service.ResolveThread(editorCtx, thread.ID)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	resolvedAt := harness.clock.now
	harness.clock.advance(time.Minute)
	again, err := harness.service.ResolveThread(ownerCtx, thread.ID)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if !resolved.Resolved || again.ResolvedBy != editorUser.ID || again.ResolvedAt == nil || !again.ResolvedAt.Equal(resolvedAt) {
		t.Fatalf("expected first resolution to stick, got %+v", again)
	}

	threads, err := harness.service.GetProjectThreads(ownerCtx, "P")
	if err != nil {
		t.Fatalf("thread listing failed: %v", err)
	}
	if len(threads) != 1 || !threads[0].Resolved || len(threads[0].Comments) != 2 {
		t.Fatalf("unexpected threads: %+v", threads)
	}
}

func TestReadsRequireViewAccess(t *testing.T) {
	harness := newHarness(t)
	outsider := users.WithUser(context.Background(), users.User{ID: "outsider"})

	if _, err := harness.service.GetProjectComments(outsider, "P"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected outsider read to fail, got %v", err)
	}
	if _, err := harness.service.GetProjectComments(users.WithUser(context.Background(), viewerUser), "P"); err != nil {
		t.Fatalf("expected viewer read to succeed, got %v", err)
	}
}

func TestBroadcastFailureDoesNotFailMutation(t *testing.T) {
	harness := newHarness(t)
	harness.notifier.drop = true

	comment, err := harness.service.AddComment(users.WithUser(context.Background(), ownerUser), AddCommentRequest{ProjectID: "P", Content: "local first"})
	if err != nil {
		t.Fatalf("add failed despite dropped broadcast: %v", err)
	}
	stored, err := store.GetJSON[Comment](context.Background(), harness.documents, store.CollectionComments, comment.ID)
	if err != nil || stored.Content != "local first" {
		t.Fatalf("expected comment to persist, got %+v %v", stored, err)
	}
}

func TestGroupThreadsOrdersChains(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	comments := []Comment{
		{ID: "c", CreatedAt: base.Add(3 * time.Minute), ReplyTo: "a"},
		{ID: "b", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "d", CreatedAt: base.Add(4 * time.Minute), ReplyTo: "c"},
		{ID: "a", CreatedAt: base.Add(time.Minute)},
		{ID: "orphan", CreatedAt: base, ReplyTo: "gone"},
	}

	grouped := GroupThreads(comments)
	var ids [][]string
	for _, chain := range grouped {
		var chainIDs []string
		for _, comment := range chain {
			chainIDs = append(chainIDs, comment.ID)
		}
		ids = append(ids, chainIDs)
	}
	if fmt.Sprint(ids) != "[[orphan] [a c d] [b]]" {
		t.Fatalf("unexpected grouping %v", ids)
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
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("id-%03d", s.next), nil
}

type staticGate map[string]sharing.Role

func (g staticGate) Role(_ context.Context, projectID string, userID string) (sharing.Role, error) {
	return g[projectID+"/"+userID], nil
}

type publishedUpdate struct {
	projectID  string
	updateType realtime.UpdateType
	payload    any
}

type recordingNotifier struct {
	mu             sync.Mutex
	updates        []publishedUpdate
	drop           bool
}

func (n *recordingNotifier) PublishUpdate(_ context.Context, projectID string, updateType realtime.UpdateType, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.drop {
		return
	}
	n.updates = append(n.updates, publishedUpdate{projectID: projectID, updateType: updateType, payload: payload})
}

func (n *recordingNotifier) types() []realtime.UpdateType {
	n.mu.Lock()
	defer n.mu.Unlock()
	types := make([]realtime.UpdateType, 0, len(n.updates))
	for _, update := range n.updates {
		types = append(types, update.updateType)
	}
	return types
}

func (n *recordingNotifier) last() publishedUpdate {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.updates) == 0 {
		return publishedUpdate{}
	}
	return n.updates[len(n.updates)-1]
}

type harness struct {
	service   *Service
	documents store.Store
	clock     *testClock
	notifier  *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "comments.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&store.Document{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	documents, err := store.NewGormStore(store.GormStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	clock := &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	notifier := &recordingNotifier{}
	gate := staticGate{
		"P/" + ownerUser.ID:  sharing.RoleOwner,
		"P/" + editorUser.ID: sharing.RoleEditor,
		"P/" + viewerUser.ID: sharing.RoleViewer,
		"Q/" + ownerUser.ID:  sharing.RoleOwner,
	}
	service, err := NewService(ServiceConfig{
		Store:      documents,
		AccessGate: gate,
		Notifier:   notifier,
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return &harness{service: service, documents: documents, clock: clock, notifier: notifier}
}
