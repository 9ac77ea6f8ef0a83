package projects

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/domain"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/sharing"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/users"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
)

const (
	opServiceNew    = "projects.service.new"
	opCreateProject = "projects.create_project"
	opGetProject    = "projects.get_project"
	opSaveProject   = "projects.save_project"
	opDeleteProject = "projects.delete_project"
	opListProjects  = "projects.list_projects"
	opRecordUsage   = "projects.record_usage"
	opDeleteFrame   = "projects.delete_frame"

	reasonMissingStore      = "missing_store"
	reasonMissingAccess     = "missing_access"
	reasonMissingIDProvider = "missing_id_provider"
	reasonMissingUser       = "missing_user"
	reasonInvalidName       = "invalid_name"
	reasonInvalidProject    = "invalid_project"
	reasonInvalidUsage      = "invalid_usage"
	reasonSpendLimit        = "spend_limit_exceeded"
	reasonDanglingLink      = "dangling_connection"
	reasonProjectNotFound   = "project_not_found"
	reasonFrameNotFound     = "frame_not_found"
	reasonCannotView        = "cannot_view"
	reasonCannotEdit        = "cannot_edit"
	reasonNotOwner          = "not_owner"
	reasonRoleLookup        = "role_lookup_failed"
	reasonSharing           = "sharing_error"
	reasonIDGeneration      = "id_generation_failed"
	reasonStore             = "store_error"
)

// Access is the slice of the sharing service the project store depends on.
type Access interface {
	sharing.AccessGate
	EnsureOwner(ctx context.Context, projectID string, owner users.User) error
	ProjectsForUser(ctx context.Context, userID string) ([]string, error)
	DeleteProject(ctx context.Context, projectID string) error
}

// Notifier receives best-effort change broadcasts for a project.
type Notifier interface {
	PublishUpdate(ctx context.Context, projectID string, updateType realtime.UpdateType, payload any)
}

// ServiceConfig describes the dependencies of the project store.
type ServiceConfig struct {
	Store       store.Store
	Access      Access
	CurrentUser users.CurrentUser
	Notifier    Notifier
	Clock       func() time.Time
	IDProvider  domain.IDProvider
	Logger      *zap.Logger
}

// Service persists project documents and their derived listing metadata.
type Service struct {
	documents   store.Store
	access      Access
	currentUser users.CurrentUser
	notifier    Notifier
	clock       func() time.Time
	idProvider  domain.IDProvider
	logger      *zap.Logger
}

// UsageRecord is a metered call to one of the AI models.
type UsageRecord struct {
	Model string  `json:"model"`
	Spend float64 `json:"spend"`
}

// Validate checks the model and the spend amount.
func (r UsageRecord) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Model, validation.Required, validation.By(func(value interface{}) error {
			_, err := canvas.ParseModel(value.(string))
			return err
		})),
		validation.Field(&r.Spend, validation.Min(0.0)),
	)
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, domain.NewServiceError(opServiceNew, reasonMissingStore, domain.ErrValidation, nil)
	}
	if cfg.Access == nil {
		return nil, domain.NewServiceError(opServiceNew, reasonMissingAccess, domain.ErrValidation, nil)
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
		access:      cfg.Access,
		currentUser: currentUser,
		notifier:    cfg.Notifier,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		logger:      logger,
	}, nil
}

// CreateProject seeds an empty canvas owned by the acting user.
func (s *Service) CreateProject(ctx context.Context, name string) (canvas.Project, error) {
	name = strings.TrimSpace(name)
	owner, err := s.actor(ctx, opCreateProject)
	if err != nil {
		return canvas.Project{}, err
	}
	if err := validation.Validate(name, validation.Required, validation.Length(1, 256)); err != nil {
		return canvas.Project{}, domain.NewServiceError(opCreateProject, reasonInvalidName, domain.ErrValidation, err)
	}
	projectID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateProject, reasonIDGeneration, err)
		return canvas.Project{}, domain.NewServiceError(opCreateProject, reasonIDGeneration, nil, err)
	}

	now := s.clock().UTC()
	project := canvas.Project{
		ID:           projectID,
		Name:         name,
		Created:      now,
		LastModified: now,
		Canvas:       canvas.NewCanvas(),
	}
	if err := s.access.EnsureOwner(ctx, project.ID, owner); err != nil {
		s.logError(opCreateProject, reasonSharing, err, zap.String("project_id", project.ID))
		return canvas.Project{}, domain.NewServiceError(opCreateProject, reasonSharing, nil, err)
	}
	if err := s.persist(ctx, opCreateProject, project); err != nil {
		return canvas.Project{}, err
	}
	return project, nil
}

// GetProject loads a project document readable by the acting user.
func (s *Service) GetProject(ctx context.Context, projectID string) (canvas.Project, error) {
	if _, err := s.authorize(ctx, opGetProject, projectID, sharing.Role.CanView, reasonCannotView); err != nil {
		return canvas.Project{}, err
	}
	return s.load(ctx, opGetProject, projectID)
}

// SaveProject replaces the stored document and re-derives its metadata. The
// creation time is kept from the stored copy.
func (s *Service) SaveProject(ctx context.Context, project canvas.Project) (canvas.Project, error) {
	project.Name = strings.TrimSpace(project.Name)
	if _, err := s.authorize(ctx, opSaveProject, project.ID, sharing.Role.CanEdit, reasonCannotEdit); err != nil {
		return canvas.Project{}, err
	}
	existing, err := s.load(ctx, opSaveProject, project.ID)
	if err != nil {
		return canvas.Project{}, err
	}
	for index, connection := range project.Canvas.Connections {
		project.Canvas.Connections[index].ID = canvas.ConnectionID(connection.From, connection.To)
	}
	project.Canvas.Connections = dedupeConnections(project.Canvas.Connections)
	if err := project.Validate(); err != nil {
		return canvas.Project{}, domain.NewServiceError(opSaveProject, reasonInvalidProject, domain.ErrValidation, err)
	}
	if err := checkConnections(project.Canvas); err != nil {
		return canvas.Project{}, domain.NewServiceError(opSaveProject, reasonDanglingLink, domain.ErrValidation, err)
	}

	project.Created = existing.Created
	project.LastModified = s.clock().UTC()
	if project.Canvas.Frames == nil {
		project.Canvas.Frames = []canvas.Frame{}
	}
	if project.Canvas.Connections == nil {
		project.Canvas.Connections = []canvas.Connection{}
	}
	project.Canvas.RecomputeGeometry()
	if err := s.persist(ctx, opSaveProject, project); err != nil {
		return canvas.Project{}, err
	}
	return project, nil
}

// DeleteProject removes the project, its metadata, its discussion and its
// sharing records. Only the owner may delete.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	if _, err := s.authorize(ctx, opDeleteProject, projectID, isOwner, reasonNotOwner); err != nil {
		return err
	}
	if _, err := s.load(ctx, opDeleteProject, projectID); err != nil {
		return err
	}
	for _, collection := range []store.Collection{store.CollectionProjects, store.CollectionProjectMetadata} {
		if err := s.documents.Delete(ctx, collection, projectID); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logError(opDeleteProject, reasonStore, err, zap.String("project_id", projectID))
			return domain.NewServiceError(opDeleteProject, reasonStore, nil, err)
		}
	}
	if err := s.deleteDiscussion(ctx, projectID); err != nil {
		s.logError(opDeleteProject, reasonStore, err, zap.String("project_id", projectID))
		return domain.NewServiceError(opDeleteProject, reasonStore, nil, err)
	}
	if err := s.access.DeleteProject(ctx, projectID); err != nil {
		s.logError(opDeleteProject, reasonSharing, err, zap.String("project_id", projectID))
		return domain.NewServiceError(opDeleteProject, reasonSharing, nil, err)
	}
	return nil
}

// ListProjects returns the metadata of every project the acting user can
// open, most recently modified first.
func (s *Service) ListProjects(ctx context.Context) ([]canvas.ProjectMetadata, error) {
	user, err := s.actor(ctx, opListProjects)
	if err != nil {
		return nil, err
	}
	projectIDs, err := s.access.ProjectsForUser(ctx, user.ID)
	if err != nil {
		s.logError(opListProjects, reasonSharing, err)
		return nil, domain.NewServiceError(opListProjects, reasonSharing, nil, err)
	}

	listing := make([]canvas.ProjectMetadata, 0, len(projectIDs))
	for _, projectID := range projectIDs {
		metadata, err := store.GetJSON[canvas.ProjectMetadata](ctx, s.documents, store.CollectionProjectMetadata, projectID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logError(opListProjects, reasonStore, err, zap.String("project_id", projectID))
			return nil, domain.NewServiceError(opListProjects, reasonStore, nil, err)
		}
		listing = append(listing, metadata)
	}
	sort.SliceStable(listing, func(i, j int) bool {
		if listing[i].LastModified.Equal(listing[j].LastModified) {
			return listing[i].ID < listing[j].ID
		}
		return listing[i].LastModified.After(listing[j].LastModified)
	})
	return listing, nil
}

// RecordUsage meters one model call against the project's spend limit.
func (s *Service) RecordUsage(ctx context.Context, projectID string, record UsageRecord) (canvas.Project, error) {
	if _, err := s.authorize(ctx, opRecordUsage, projectID, sharing.Role.CanEdit, reasonCannotEdit); err != nil {
		return canvas.Project{}, err
	}
	if err := record.Validate(); err != nil {
		return canvas.Project{}, domain.NewServiceError(opRecordUsage, reasonInvalidUsage, domain.ErrValidation, err)
	}
	project, err := s.load(ctx, opRecordUsage, projectID)
	if err != nil {
		return canvas.Project{}, err
	}

	model, _ := canvas.ParseModel(record.Model)
	projected := project.Canvas.ApiUsage.Totals().TotalSpend + record.Spend
	if projected > project.Canvas.SpendLimit {
		return canvas.Project{}, domain.NewServiceError(opRecordUsage, reasonSpendLimit, domain.ErrValidation,
			fmt.Errorf("projected spend %.2f exceeds limit %.2f", projected, project.Canvas.SpendLimit))
	}
	counter, err := project.Canvas.ApiUsage.Counter(model)
	if err != nil {
		return canvas.Project{}, domain.NewServiceError(opRecordUsage, reasonInvalidUsage, domain.ErrValidation, err)
	}
	counter.Calls++
	counter.Spend += record.Spend
	project.LastModified = s.clock().UTC()
	if err := s.persist(ctx, opRecordUsage, project); err != nil {
		return canvas.Project{}, err
	}
	return project, nil
}

// DeleteFrame removes a frame from the stored canvas, prunes the connections
// that referenced it and broadcasts the deletion.
func (s *Service) DeleteFrame(ctx context.Context, projectID string, frameID string) ([]string, error) {
	if _, err := s.authorize(ctx, opDeleteFrame, projectID, sharing.Role.CanEdit, reasonCannotEdit); err != nil {
		return nil, err
	}
	project, err := s.load(ctx, opDeleteFrame, projectID)
	if err != nil {
		return nil, err
	}
	removed, pruned := project.Canvas.RemoveFrame(frameID)
	if !removed {
		return nil, domain.NewServiceError(opDeleteFrame, reasonFrameNotFound, domain.ErrNotFound, nil)
	}
	project.LastModified = s.clock().UTC()
	if err := s.persist(ctx, opDeleteFrame, project); err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.PublishUpdate(ctx, projectID, realtime.UpdateFrameDeleted, realtime.FrameDeletedPayload{FrameID: frameID})
	}
	return pruned, nil
}

func (s *Service) persist(ctx context.Context, operation string, project canvas.Project) error {
	keys := store.Keys{ProjectID: project.ID}
	if err := store.PutJSON(ctx, s.documents, store.CollectionProjects, project.ID, keys, project); err != nil {
		s.logError(operation, reasonStore, err, zap.String("project_id", project.ID))
		return domain.NewServiceError(operation, reasonStore, nil, err)
	}
	if err := store.PutJSON(ctx, s.documents, store.CollectionProjectMetadata, project.ID, keys, project.Metadata()); err != nil {
		s.logError(operation, reasonStore, err, zap.String("project_id", project.ID))
		return domain.NewServiceError(operation, reasonStore, nil, err)
	}
	return nil
}

func (s *Service) load(ctx context.Context, operation string, projectID string) (canvas.Project, error) {
	project, err := store.GetJSON[canvas.Project](ctx, s.documents, store.CollectionProjects, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return canvas.Project{}, domain.NewServiceError(operation, reasonProjectNotFound, domain.ErrNotFound, nil)
		}
		s.logError(operation, reasonStore, err, zap.String("project_id", projectID))
		return canvas.Project{}, domain.NewServiceError(operation, reasonStore, nil, err)
	}
	return project, nil
}

func (s *Service) deleteDiscussion(ctx context.Context, projectID string) error {
	for _, collection := range []store.Collection{store.CollectionComments, store.CollectionThreads} {
		type keyed struct {
			ID string `json:"id"`
		}
		documents, err := store.ListJSONByIndex[keyed](ctx, s.documents, collection, store.IndexByProject, projectID)
		if err != nil {
			return err
		}
		for _, document := range documents {
			if err := s.documents.Delete(ctx, collection, document.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
	}
	return nil
}

func (s *Service) actor(ctx context.Context, operation string) (users.User, error) {
	user, err := s.currentUser.Current(ctx)
	if err != nil {
		return users.User{}, domain.NewServiceError(operation, reasonMissingUser, domain.ErrUnauthenticated, err)
	}
	return user, nil
}

func (s *Service) authorize(ctx context.Context, operation string, projectID string, allowed func(sharing.Role) bool, reason string) (users.User, error) {
	user, err := s.actor(ctx, operation)
	if err != nil {
		return users.User{}, err
	}
	role, err := s.access.Role(ctx, projectID, user.ID)
	if err != nil {
		s.logError(operation, reasonRoleLookup, err, zap.String("project_id", projectID))
		return users.User{}, domain.NewServiceError(operation, reasonRoleLookup, nil, err)
	}
	if !allowed(role) {
		return users.User{}, domain.NewServiceError(operation, reason, domain.ErrNotAuthorized, nil)
	}
	return user, nil
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
	s.logger.Error("projects service error", attrs...)
}

func isOwner(role sharing.Role) bool {
	return role == sharing.RoleOwner
}

// checkConnections rejects links whose endpoints are not frames of the canvas.
func checkConnections(document canvas.Canvas) error {
	frames := make(map[string]struct{}, len(document.Frames))
	for _, frame := range document.Frames {
		frames[frame.ID] = struct{}{}
	}
	for _, connection := range document.Connections {
		for _, endpoint := range []string{connection.From, connection.To} {
			if _, ok := frames[endpoint]; !ok {
				return fmt.Errorf("%w: connection %s references %s", canvas.ErrUnknownFrame, connection.ID, endpoint)
			}
		}
	}
	return nil
}

// dedupeConnections keeps the last link for each ordered pair, in first-seen order.
func dedupeConnections(connections []canvas.Connection) []canvas.Connection {
	positions := make(map[string]int, len(connections))
	unique := make([]canvas.Connection, 0, len(connections))
	for _, connection := range connections {
		if position, seen := positions[connection.ID]; seen {
			unique[position] = connection
			continue
		}
		positions[connection.ID] = len(unique)
		unique = append(unique, connection)
	}
	return unique
}
