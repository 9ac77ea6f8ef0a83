package sharing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/domain"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InviteTTL is how long an invite stays acceptable.
const InviteTTL = 7 * 24 * time.Hour

const (
	opServiceNew      = "sharing.service.new"
	opRole            = "sharing.role"
	opEnsureOwner     = "sharing.ensure_owner"
	opGetSettings     = "sharing.get_settings"
	opUpdateSettings  = "sharing.update_settings"
	opInviteUser      = "sharing.invite_user"
	opAcceptInvite    = "sharing.accept_invite"
	opRemoveUser      = "sharing.remove_user"
	opUpdateUserRole  = "sharing.update_user_role"
	opProjectsForUser = "sharing.projects_for_user"
	opDeleteProject   = "sharing.delete_project"

	reasonMissingDatabase   = "missing_database"
	reasonMissingUser       = "missing_user"
	reasonInvalidRole       = "invalid_role"
	reasonInvalidEmail      = "invalid_email"
	reasonNotOwner          = "not_owner"
	reasonNotMember         = "not_member"
	reasonInviteNotFound    = "invite_not_found"
	reasonInviteAccepted    = "invite_already_accepted"
	reasonInviteExpired     = "invite_expired"
	reasonInviteEmail       = "invite_email_mismatch"
	reasonMemberNotFound    = "member_not_found"
	reasonProjectNotShared  = "project_not_shared"
	reasonDatabase          = "database_error"
	reasonIDGeneration      = "id_generation_failed"
	reasonMissingIDProvider = "missing_id_provider"
)

var errMissingDatabase = errors.New("database handle is required")

// ServiceConfig describes the dependencies of the sharing service.
type ServiceConfig struct {
	Database    *gorm.DB
	CurrentUser users.CurrentUser
	Clock       func() time.Time
	IDProvider  domain.IDProvider
	Logger      *zap.Logger
}

// Service stores project roles and invites and answers role lookups.
type Service struct {
	db          *gorm.DB
	currentUser users.CurrentUser
	clock       func() time.Time
	idProvider  domain.IDProvider
	logger      *zap.Logger
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, domain.NewServiceError(opServiceNew, reasonMissingDatabase, domain.ErrValidation, errMissingDatabase)
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
		db:          cfg.Database,
		currentUser: currentUser,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		logger:      logger,
	}, nil
}

// Role returns the user's role; public projects grant viewer to everyone else.
func (s *Service) Role(ctx context.Context, projectID string, userID string) (Role, error) {
	var member Member
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Take(&member).Error
	if err == nil {
		return member.Role, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opRole, reasonDatabase, err, zap.String("project_id", projectID))
		return RoleNone, domain.NewServiceError(opRole, reasonDatabase, nil, err)
	}

	var settings Settings
	err = s.db.WithContext(ctx).Where("project_id = ?", projectID).Take(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoleNone, nil
	}
	if err != nil {
		s.logError(opRole, reasonDatabase, err, zap.String("project_id", projectID))
		return RoleNone, domain.NewServiceError(opRole, reasonDatabase, nil, err)
	}
	if settings.IsPublic {
		return RoleViewer, nil
	}
	return RoleNone, nil
}

// EnsureOwner records owner as the owner of a newly created project.
func (s *Service) EnsureOwner(ctx context.Context, projectID string, owner users.User) error {
	now := s.clock().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		settings := Settings{ProjectID: projectID, AllowComments: true, CreatedAt: now, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&settings).Error; err != nil {
			return err
		}
		member := Member{ProjectID: projectID, UserID: owner.ID, Email: owner.Email, Role: RoleOwner, AddedAt: now}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role"}),
		}).Create(&member).Error
	})
	if err != nil {
		s.logError(opEnsureOwner, reasonDatabase, err, zap.String("project_id", projectID))
		return domain.NewServiceError(opEnsureOwner, reasonDatabase, nil, err)
	}
	return nil
}

// GetSettings returns the sharing view of a project to any member.
func (s *Service) GetSettings(ctx context.Context, projectID string) (ShareSettings, error) {
	user, err := s.actor(ctx, opGetSettings)
	if err != nil {
		return ShareSettings{}, err
	}
	role, err := s.Role(ctx, projectID, user.ID)
	if err != nil {
		return ShareSettings{}, err
	}
	if !role.CanView() {
		return ShareSettings{}, domain.NewServiceError(opGetSettings, reasonNotMember, domain.ErrNotAuthorized, nil)
	}
	var settings Settings
	if err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Take(&settings).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ShareSettings{}, domain.NewServiceError(opGetSettings, reasonProjectNotShared, domain.ErrNotFound, err)
		}
		s.logError(opGetSettings, reasonDatabase, err, zap.String("project_id", projectID))
		return ShareSettings{}, domain.NewServiceError(opGetSettings, reasonDatabase, nil, err)
	}
	var members []Member
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("added_at ASC, user_id ASC").
		Find(&members).Error; err != nil {
		s.logError(opGetSettings, reasonDatabase, err, zap.String("project_id", projectID))
		return ShareSettings{}, domain.NewServiceError(opGetSettings, reasonDatabase, nil, err)
	}
	return ShareSettings{
		ProjectID:     settings.ProjectID,
		IsPublic:      settings.IsPublic,
		AllowComments: settings.AllowComments,
		Users:         members,
	}, nil
}

// UpdateSettings changes the public and comment flags. Owner only.
func (s *Service) UpdateSettings(ctx context.Context, projectID string, isPublic bool, allowComments bool) error {
	if _, err := s.requireOwner(ctx, opUpdateSettings, projectID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Model(&Settings{}).
		Where("project_id = ?", projectID).
		Updates(map[string]interface{}{
			"is_public":      isPublic,
			"allow_comments": allowComments,
			"updated_at":     s.clock().UTC(),
		}).Error
	if err != nil {
		s.logError(opUpdateSettings, reasonDatabase, err, zap.String("project_id", projectID))
		return domain.NewServiceError(opUpdateSettings, reasonDatabase, nil, err)
	}
	return nil
}

// InviteUser records an invite valid for seven days. Owner only.
func (s *Service) InviteUser(ctx context.Context, projectID string, email string, rawRole string) (Invite, error) {
	role, err := ParseRole(rawRole)
	if err != nil {
		return Invite{}, domain.NewServiceError(opInviteUser, reasonInvalidRole, domain.ErrValidation, err)
	}
	normalizedEmail := strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(normalizedEmail, "@") {
		return Invite{}, domain.NewServiceError(opInviteUser, reasonInvalidEmail, domain.ErrValidation, nil)
	}
	owner, err := s.requireOwner(ctx, opInviteUser, projectID)
	if err != nil {
		return Invite{}, err
	}
	inviteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opInviteUser, reasonIDGeneration, err)
		return Invite{}, domain.NewServiceError(opInviteUser, reasonIDGeneration, nil, err)
	}
	now := s.clock().UTC()
	invite := Invite{
		ID:        inviteID,
		ProjectID: projectID,
		Email:     normalizedEmail,
		Role:      role,
		InvitedBy: owner.ID,
		InvitedAt: now,
		ExpiresAt: now.Add(InviteTTL),
	}
	if err := s.db.WithContext(ctx).Create(&invite).Error; err != nil {
		s.logError(opInviteUser, reasonDatabase, err, zap.String("project_id", projectID))
		return Invite{}, domain.NewServiceError(opInviteUser, reasonDatabase, nil, err)
	}
	s.logger.Info("project invite created",
		zap.String("project_id", projectID),
		zap.String("invite_id", invite.ID),
		zap.String("role", string(role)))
	return invite, nil
}

// AcceptInvite grants the acting user the invited role.
// It fails when the invite is unknown, already accepted, expired, or addressed to another email.
func (s *Service) AcceptInvite(ctx context.Context, inviteID string) (Member, error) {
	user, err := s.actor(ctx, opAcceptInvite)
	if err != nil {
		return Member{}, err
	}
	now := s.clock().UTC()
	var member Member
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invite Invite
		if err := tx.Where("id = ?", inviteID).Take(&invite).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NewServiceError(opAcceptInvite, reasonInviteNotFound, domain.ErrNotFound, err)
			}
			return err
		}
		if invite.Accepted {
			return domain.NewServiceError(opAcceptInvite, reasonInviteAccepted, domain.ErrValidation, nil)
		}
		if now.After(invite.ExpiresAt) {
			return domain.NewServiceError(opAcceptInvite, reasonInviteExpired, domain.ErrValidation, nil)
		}
		if user.Email != "" && !strings.EqualFold(user.Email, invite.Email) {
			return domain.NewServiceError(opAcceptInvite, reasonInviteEmail, domain.ErrNotAuthorized, nil)
		}
		invite.Accepted = true
		invite.AcceptedAt = &now
		if err := tx.Save(&invite).Error; err != nil {
			return err
		}
		member = Member{ProjectID: invite.ProjectID, UserID: user.ID, Email: invite.Email, Role: invite.Role, AddedAt: now}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "email"}),
		}).Create(&member).Error
	})
	if txErr != nil {
		var serviceErr *domain.ServiceError
		if errors.As(txErr, &serviceErr) {
			return Member{}, txErr
		}
		s.logError(opAcceptInvite, reasonDatabase, txErr, zap.String("invite_id", inviteID))
		return Member{}, domain.NewServiceError(opAcceptInvite, reasonDatabase, nil, txErr)
	}
	return member, nil
}

// RemoveUser revokes a member's access. Owner only.
func (s *Service) RemoveUser(ctx context.Context, projectID string, userID string) error {
	if _, err := s.requireOwner(ctx, opRemoveUser, projectID); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Delete(&Member{}).Error; err != nil {
		s.logError(opRemoveUser, reasonDatabase, err, zap.String("project_id", projectID))
		return domain.NewServiceError(opRemoveUser, reasonDatabase, nil, err)
	}
	return nil
}

// UpdateUserRole changes a member's role. Owner only.
func (s *Service) UpdateUserRole(ctx context.Context, projectID string, userID string, rawRole string) error {
	role, err := ParseRole(rawRole)
	if err != nil {
		return domain.NewServiceError(opUpdateUserRole, reasonInvalidRole, domain.ErrValidation, err)
	}
	if _, err := s.requireOwner(ctx, opUpdateUserRole, projectID); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Model(&Member{}).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Update("role", role)
	if result.Error != nil {
		s.logError(opUpdateUserRole, reasonDatabase, result.Error, zap.String("project_id", projectID))
		return domain.NewServiceError(opUpdateUserRole, reasonDatabase, nil, result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.NewServiceError(opUpdateUserRole, reasonMemberNotFound, domain.ErrNotFound, nil)
	}
	return nil
}

// ProjectsForUser lists the ids of projects the user is a member of.
func (s *Service) ProjectsForUser(ctx context.Context, userID string) ([]string, error) {
	var projectIDs []string
	if err := s.db.WithContext(ctx).Model(&Member{}).
		Where("user_id = ?", userID).
		Order("project_id ASC").
		Pluck("project_id", &projectIDs).Error; err != nil {
		s.logError(opProjectsForUser, reasonDatabase, err)
		return nil, domain.NewServiceError(opProjectsForUser, reasonDatabase, nil, err)
	}
	return projectIDs, nil
}

// DeleteProject drops every sharing record of a project.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range Models() {
			if err := tx.Where("project_id = ?", projectID).Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logError(opDeleteProject, reasonDatabase, err, zap.String("project_id", projectID))
		return domain.NewServiceError(opDeleteProject, reasonDatabase, nil, err)
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

func (s *Service) requireOwner(ctx context.Context, operation string, projectID string) (users.User, error) {
	user, err := s.actor(ctx, operation)
	if err != nil {
		return users.User{}, err
	}
	role, err := s.Role(ctx, projectID, user.ID)
	if err != nil {
		return users.User{}, err
	}
	if role != RoleOwner {
		return users.User{}, domain.NewServiceError(operation, reasonNotOwner, domain.ErrNotAuthorized, nil)
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
	s.logger.Error("sharing service error", attrs...)
}
