package comments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/domain"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/sharing"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/users"
	"go.uber.org/zap"
)

const (
	opServiceNew         = "comments.service.new"
	opAddComment         = "comments.add_comment"
	opEditComment        = "comments.edit_comment"
	opDeleteComment      = "comments.delete_comment"
	opAddReaction        = "comments.add_reaction"
	opCreateThread       = "comments.create_thread"
	opResolveThread      = "comments.resolve_thread"
	opGetProjectComments = "comments.get_project_comments"
	opGetFrameComments   = "comments.get_frame_comments"
	opGetProjectThreads  = "comments.get_project_threads"

	reasonMissingStore      = "missing_store"
	reasonMissingGate       = "missing_access_gate"
	reasonMissingIDProvider = "missing_id_provider"
	reasonInvalidRequest    = "invalid_request"
	reasonInvalidContent    = "invalid_content"
	reasonInvalidEmoji      = "invalid_emoji"
	reasonRoleLookup        = "role_lookup_failed"
	reasonCannotComment     = "cannot_comment"
	reasonCannotView        = "cannot_view"
	reasonNotAuthor         = "not_author"
	reasonCommentNotFound   = "comment_not_found"
	reasonReplyNotFound     = "reply_target_not_found"
	reasonThreadNotFound    = "thread_not_found"
	reasonIDGeneration      = "id_generation_failed"
	reasonStore             = "store_error"
)

// Notifier receives best-effort change broadcasts for a project.
type Notifier interface {
	PublishUpdate(ctx context.Context, projectID string, updateType realtime.UpdateType, payload any)
}

// ServiceConfig describes the dependencies of the comment service.
type ServiceConfig struct {
	Store       store.Store
	AccessGate  sharing.AccessGate
	CurrentUser users.CurrentUser
	Notifier    Notifier
	Clock       func() time.Time
	IDProvider  domain.IDProvider
	Logger      *zap.Logger
}

// Service persists comments and threads and broadcasts every change.
type Service struct {
	documents   store.Store
	gate        sharing.AccessGate
	currentUser users.CurrentUser
	notifier    Notifier
	clock       func() time.Time
	idProvider  domain.IDProvider
	logger      *zap.Logger
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, domain.NewServiceError(opServiceNew, reasonMissingStore, domain.ErrValidation, nil)
	}
	if cfg.AccessGate == nil {
		return nil, domain.NewServiceError(opServiceNew, reasonMissingGate, domain.ErrValidation, nil)
	}
	if cfg.IDProvider == nil {
		return nil, domain.NewServiceError(opServiceNew, reasonMissingIDProvider, domain.ErrValidation, nil)
	}
	currentUser := cfg.CurrentUser
	if currentUser == nil {
		currentUser = users.ContextResolver{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		documents:   cfg.Store,
		gate:        cfg.AccessGate,
		currentUser: currentUser,
		notifier:    cfg.Notifier,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		logger:      logger,
	}, nil
}

// AddComment stores a new comment authored by the acting user. Only owners and
// editors may comment; a reply must target a comment of the same project.
func (s *Service) AddComment(ctx context.Context, request AddCommentRequest) (Comment, error) {
	request.ProjectID = strings.TrimSpace(request.ProjectID)
	request.Content = strings.TrimSpace(request.Content)
	request.FrameID = strings.TrimSpace(request.FrameID)
	request.ReplyTo = strings.TrimSpace(request.ReplyTo)

	author, err := s.actor(ctx, opAddComment)
	if err != nil {
		return Comment{}, err
	}
	if err := request.Validate(); err != nil {
		return Comment{}, domain.NewServiceError(opAddComment, reasonInvalidRequest, domain.ErrValidation, err)
	}
	if err := s.requireRole(ctx, opAddComment, request.ProjectID, author.ID, sharing.Role.CanEdit, reasonCannotComment); err != nil {
		return Comment{}, err
	}
	if request.ReplyTo != "" {
		parent, err := s.loadComment(ctx, opAddComment, request.ReplyTo)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return Comment{}, domain.NewServiceError(opAddComment, reasonReplyNotFound, domain.ErrNotFound, nil)
			}
			return Comment{}, err
		}
		if parent.ProjectID != request.ProjectID {
			return Comment{}, domain.NewServiceError(opAddComment, reasonReplyNotFound, domain.ErrNotFound,
				fmt.Errorf("comment %s belongs to another project", parent.ID))
		}
	}

	commentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAddComment, reasonIDGeneration, err)
		return Comment{}, domain.NewServiceError(opAddComment, reasonIDGeneration, nil, err)
	}
	comment := Comment{
		ID:         commentID,
		ProjectID:  request.ProjectID,
		FrameID:    request.FrameID,
		UserID:     author.ID,
		UserName:   displayName(author),
		UserAvatar: author.AvatarURL,
		Content:    request.Content,
		CreatedAt:  s.clock().UTC(),
		ReplyTo:    request.ReplyTo,
		Reactions:  map[string][]string{},
	}
	if err := s.saveComment(ctx, opAddComment, comment); err != nil {
		return Comment{}, err
	}
	s.notify(ctx, comment.ProjectID, realtime.UpdateCommentAdded, comment)
	return comment, nil
}

// EditComment replaces the content of a comment authored by the acting user.
func (s *Service) EditComment(ctx context.Context, commentID string, content string) (Comment, error) {
	content = strings.TrimSpace(content)
	author, err := s.actor(ctx, opEditComment)
	if err != nil {
		return Comment{}, err
	}
	if err := validateContent(content); err != nil {
		return Comment{}, domain.NewServiceError(opEditComment, reasonInvalidContent, domain.ErrValidation, err)
	}
	comment, err := s.loadComment(ctx, opEditComment, commentID)
	if err != nil {
		return Comment{}, err
	}
	if comment.UserID != author.ID {
		return Comment{}, domain.NewServiceError(opEditComment, reasonNotAuthor, domain.ErrNotAuthorized, nil)
	}

	editedAt := s.clock().UTC()
	comment.Content = content
	comment.EditedAt = &editedAt
	if err := s.saveComment(ctx, opEditComment, comment); err != nil {
		return Comment{}, err
	}
	s.notify(ctx, comment.ProjectID, realtime.UpdateCommentUpdated, comment)
	return comment, nil
}

// DeleteComment removes a comment authored by the acting user along with any
// thread rooted at it. Replies are kept and regroup as their own chains.
func (s *Service) DeleteComment(ctx context.Context, commentID string) error {
	author, err := s.actor(ctx, opDeleteComment)
	if err != nil {
		return err
	}
	comment, err := s.loadComment(ctx, opDeleteComment, commentID)
	if err != nil {
		return err
	}
	if comment.UserID != author.ID {
		return domain.NewServiceError(opDeleteComment, reasonNotAuthor, domain.ErrNotAuthorized, nil)
	}

	if err := s.documents.Delete(ctx, store.CollectionComments, comment.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logError(opDeleteComment, reasonStore, err, zap.String("comment_id", comment.ID))
		return domain.NewServiceError(opDeleteComment, reasonStore, nil, err)
	}
	threads, err := store.ListJSONByIndex[threadRecord](ctx, s.documents, store.CollectionThreads, store.IndexByProject, comment.ProjectID)
	if err != nil {
		s.logError(opDeleteComment, reasonStore, err, zap.String("project_id", comment.ProjectID))
		return domain.NewServiceError(opDeleteComment, reasonStore, nil, err)
	}
	for _, thread := range threads {
		if thread.RootCommentID != comment.ID {
			continue
		}
		if err := s.documents.Delete(ctx, store.CollectionThreads, thread.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logError(opDeleteComment, reasonStore, err, zap.String("thread_id", thread.ID))
			return domain.NewServiceError(opDeleteComment, reasonStore, nil, err)
		}
	}

	s.notify(ctx, comment.ProjectID, realtime.UpdateCommentDeleted, CommentDeletedPayload{
		CommentID: comment.ID,
		FrameID:   comment.FrameID,
	})
	return nil
}

// AddReaction toggles the acting user's emoji reaction on a comment. An emoji
// whose set of users becomes empty is removed.
func (s *Service) AddReaction(ctx context.Context, commentID string, emoji string) (Comment, error) {
	emoji = strings.TrimSpace(emoji)
	reactor, err := s.actor(ctx, opAddReaction)
	if err != nil {
		return Comment{}, err
	}
	if err := validateEmoji(emoji); err != nil {
		return Comment{}, domain.NewServiceError(opAddReaction, reasonInvalidEmoji, domain.ErrValidation, err)
	}
	comment, err := s.loadComment(ctx, opAddReaction, commentID)
	if err != nil {
		return Comment{}, err
	}

	comment.Reactions = toggleReaction(comment.Reactions, emoji, reactor.ID)
	if err := s.saveComment(ctx, opAddReaction, comment); err != nil {
		return Comment{}, err
	}
	s.notify(ctx, comment.ProjectID, realtime.UpdateReactionUpdated, ReactionUpdatedPayload{
		CommentID: comment.ID,
		Reactions: comment.Reactions,
	})
	return comment, nil
}

// CreateThread opens a resolvable thread on a project, optionally anchored at
// an existing root comment.
func (s *Service) CreateThread(ctx context.Context, projectID string, rootCommentID string) (Thread, error) {
	projectID = strings.TrimSpace(projectID)
	rootCommentID = strings.TrimSpace(rootCommentID)
	author, err := s.actor(ctx, opCreateThread)
	if err != nil {
		return Thread{}, err
	}
	if projectID == "" {
		return Thread{}, domain.NewServiceError(opCreateThread, reasonInvalidRequest, domain.ErrValidation, errors.New("projectId is required"))
	}
	if err := s.requireRole(ctx, opCreateThread, projectID, author.ID, sharing.Role.CanEdit, reasonCannotComment); err != nil {
		return Thread{}, err
	}
	if rootCommentID != "" {
		root, err := s.loadComment(ctx, opCreateThread, rootCommentID)
		if err != nil {
			return Thread{}, err
		}
		if root.ProjectID != projectID {
			return Thread{}, domain.NewServiceError(opCreateThread, reasonCommentNotFound, domain.ErrNotFound,
				fmt.Errorf("comment %s belongs to another project", root.ID))
		}
	}

	threadID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateThread, reasonIDGeneration, err)
		return Thread{}, domain.NewServiceError(opCreateThread, reasonIDGeneration, nil, err)
	}
	record := threadRecord{
		ID:            threadID,
		ProjectID:     projectID,
		RootCommentID: rootCommentID,
		CreatedAt:     s.clock().UTC(),
	}
	if err := s.saveThread(ctx, opCreateThread, record); err != nil {
		return Thread{}, err
	}
	thread, err := s.assembleThread(ctx, opCreateThread, record, nil)
	if err != nil {
		return Thread{}, err
	}
	s.notify(ctx, projectID, realtime.UpdateThreadCreated, thread)
	return thread, nil
}

// ResolveThread marks a thread resolved. Resolution is permanent and keeps the
// first resolver.
func (s *Service) ResolveThread(ctx context.Context, threadID string) (Thread, error) {
	resolver, err := s.actor(ctx, opResolveThread)
	if err != nil {
		return Thread{}, err
	}
	record, err := store.GetJSON[threadRecord](ctx, s.documents, store.CollectionThreads, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Thread{}, domain.NewServiceError(opResolveThread, reasonThreadNotFound, domain.ErrNotFound, nil)
		}
		s.logError(opResolveThread, reasonStore, err, zap.String("thread_id", threadID))
		return Thread{}, domain.NewServiceError(opResolveThread, reasonStore, nil, err)
	}

	if !record.Resolved {
		resolvedAt := s.clock().UTC()
		record.Resolved = true
		record.ResolvedBy = resolver.ID
		record.ResolvedAt = &resolvedAt
		if err := s.saveThread(ctx, opResolveThread, record); err != nil {
			return Thread{}, err
		}
	}
	thread, err := s.assembleThread(ctx, opResolveThread, record, nil)
	if err != nil {
		return Thread{}, err
	}
	s.notify(ctx, record.ProjectID, realtime.UpdateThreadResolved, thread)
	return thread, nil
}

// GetProjectComments lists every comment on a project, oldest first.
func (s *Service) GetProjectComments(ctx context.Context, projectID string) ([]Comment, error) {
	viewer, err := s.actor(ctx, opGetProjectComments)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, opGetProjectComments, projectID, viewer.ID, sharing.Role.CanView, reasonCannotView); err != nil {
		return nil, err
	}
	return s.projectComments(ctx, opGetProjectComments, projectID)
}

// GetFrameComments lists the comments attached to one frame, oldest first.
func (s *Service) GetFrameComments(ctx context.Context, frameID string) ([]Comment, error) {
	viewer, err := s.actor(ctx, opGetFrameComments)
	if err != nil {
		return nil, err
	}
	comments, err := store.ListJSONByIndex[Comment](ctx, s.documents, store.CollectionComments, store.IndexByFrame, frameID)
	if err != nil {
		s.logError(opGetFrameComments, reasonStore, err, zap.String("frame_id", frameID))
		return nil, domain.NewServiceError(opGetFrameComments, reasonStore, nil, err)
	}
	visible := make([]Comment, 0, len(comments))
	roles := make(map[string]sharing.Role)
	for _, comment := range comments {
		role, known := roles[comment.ProjectID]
		if !known {
			role, err = s.gate.Role(ctx, comment.ProjectID, viewer.ID)
			if err != nil {
				s.logError(opGetFrameComments, reasonRoleLookup, err, zap.String("project_id", comment.ProjectID))
				return nil, domain.NewServiceError(opGetFrameComments, reasonRoleLookup, nil, err)
			}
			roles[comment.ProjectID] = role
		}
		if role.CanView() {
			visible = append(visible, comment)
		}
	}
	sortByCreation(visible)
	return visible, nil
}

// GetProjectThreads lists the threads of a project with their comments joined.
func (s *Service) GetProjectThreads(ctx context.Context, projectID string) ([]Thread, error) {
	viewer, err := s.actor(ctx, opGetProjectThreads)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, opGetProjectThreads, projectID, viewer.ID, sharing.Role.CanView, reasonCannotView); err != nil {
		return nil, err
	}
	records, err := store.ListJSONByIndex[threadRecord](ctx, s.documents, store.CollectionThreads, store.IndexByProject, projectID)
	if err != nil {
		s.logError(opGetProjectThreads, reasonStore, err, zap.String("project_id", projectID))
		return nil, domain.NewServiceError(opGetProjectThreads, reasonStore, nil, err)
	}
	comments, err := s.projectComments(ctx, opGetProjectThreads, projectID)
	if err != nil {
		return nil, err
	}
	sortThreadRecords(records)
	threads := make([]Thread, 0, len(records))
	for _, record := range records {
		thread, err := s.assembleThread(ctx, opGetProjectThreads, record, comments)
		if err != nil {
			return nil, err
		}
		threads = append(threads, thread)
	}
	return threads, nil
}

func (s *Service) projectComments(ctx context.Context, operation string, projectID string) ([]Comment, error) {
	comments, err := store.ListJSONByIndex[Comment](ctx, s.documents, store.CollectionComments, store.IndexByProject, projectID)
	if err != nil {
		s.logError(operation, reasonStore, err, zap.String("project_id", projectID))
		return nil, domain.NewServiceError(operation, reasonStore, nil, err)
	}
	sortByCreation(comments)
	return comments, nil
}

func (s *Service) assembleThread(ctx context.Context, operation string, record threadRecord, comments []Comment) (Thread, error) {
	thread := Thread{
		ID:         record.ID,
		ProjectID:  record.ProjectID,
		Comments:   []Comment{},
		Resolved:   record.Resolved,
		ResolvedBy: record.ResolvedBy,
		ResolvedAt: record.ResolvedAt,
	}
	if record.RootCommentID == "" {
		return thread, nil
	}
	if comments == nil {
		loaded, err := s.projectComments(ctx, operation, record.ProjectID)
		if err != nil {
			return Thread{}, err
		}
		comments = loaded
	}
	if chain := threadComments(comments, record.RootCommentID); chain != nil {
		thread.Comments = chain
	}
	return thread, nil
}

func (s *Service) loadComment(ctx context.Context, operation string, commentID string) (Comment, error) {
	comment, err := store.GetJSON[Comment](ctx, s.documents, store.CollectionComments, commentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Comment{}, domain.NewServiceError(operation, reasonCommentNotFound, domain.ErrNotFound, nil)
		}
		s.logError(operation, reasonStore, err, zap.String("comment_id", commentID))
		return Comment{}, domain.NewServiceError(operation, reasonStore, nil, err)
	}
	if comment.Reactions == nil {
		comment.Reactions = map[string][]string{}
	}
	return comment, nil
}

func (s *Service) saveComment(ctx context.Context, operation string, comment Comment) error {
	keys := store.Keys{ProjectID: comment.ProjectID, FrameID: comment.FrameID}
	if err := store.PutJSON(ctx, s.documents, store.CollectionComments, comment.ID, keys, comment); err != nil {
		s.logError(operation, reasonStore, err, zap.String("comment_id", comment.ID))
		return domain.NewServiceError(operation, reasonStore, nil, err)
	}
	return nil
}

func (s *Service) saveThread(ctx context.Context, operation string, record threadRecord) error {
	keys := store.Keys{ProjectID: record.ProjectID}
	if err := store.PutJSON(ctx, s.documents, store.CollectionThreads, record.ID, keys, record); err != nil {
		s.logError(operation, reasonStore, err, zap.String("thread_id", record.ID))
		return domain.NewServiceError(operation, reasonStore, nil, err)
	}
	return nil
}

func (s *Service) actor(ctx context.Context, operation string) (users.User, error) {
	user, err := s.currentUser.Current(ctx)
	if err != nil {
		return users.User{}, domain.NewServiceError(operation, "missing_user", domain.ErrUnauthenticated, err)
	}
	return user, nil
}

func (s *Service) requireRole(ctx context.Context, operation string, projectID string, userID string, allowed func(sharing.Role) bool, reason string) error {
	role, err := s.gate.Role(ctx, projectID, userID)
	if err != nil {
		s.logError(operation, reasonRoleLookup, err, zap.String("project_id", projectID))
		return domain.NewServiceError(operation, reasonRoleLookup, nil, err)
	}
	if !allowed(role) {
		return domain.NewServiceError(operation, reason, domain.ErrNotAuthorized, nil)
	}
	return nil
}

func (s *Service) notify(ctx context.Context, projectID string, updateType realtime.UpdateType, payload any) {
	if s.notifier == nil {
		return
	}
	s.notifier.PublishUpdate(ctx, projectID, updateType, payload)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("comments service error", attrs...)
}

func toggleReaction(reactions map[string][]string, emoji string, userID string) map[string][]string {
	updated := make(map[string][]string, len(reactions)+1)
	for key, reactors := range reactions {
		updated[key] = append([]string(nil), reactors...)
	}
	reactors := updated[emoji]
	for index, reactor := range reactors {
		if reactor == userID {
			remaining := append(reactors[:index:index], reactors[index+1:]...)
			if len(remaining) == 0 {
				delete(updated, emoji)
			} else {
				updated[emoji] = remaining
			}
			return updated
		}
	}
	updated[emoji] = append(reactors, userID)
	return updated
}

func displayName(user users.User) string {
	if name := strings.TrimSpace(user.DisplayName); name != "" {
		return name
	}
	if email := strings.TrimSpace(user.Email); email != "" {
		return email
	}
	return user.ID
}
