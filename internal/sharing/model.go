package sharing

import (
	"context"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Role is a user's access level on a project.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	// RoleNone means the user has no access.
	RoleNone Role = ""
)

// CanEdit reports whether the role may mutate the project and add comments.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// CanView reports whether the role may read the project.
func (r Role) CanView() bool {
	return r == RoleOwner || r == RoleEditor || r == RoleViewer
}

// ParseRole validates a raw role name.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if err := validation.Validate(role, validation.Required, validation.In(RoleOwner, RoleEditor, RoleViewer)); err != nil {
		return RoleNone, fmt.Errorf("role %q: %w", raw, err)
	}
	return role, nil
}

// AccessGate resolves a user's role on a project.
type AccessGate interface {
	Role(ctx context.Context, projectID string, userID string) (Role, error)
}

// Settings is the per-project sharing record.
type Settings struct {
	ProjectID     string    `gorm:"column:project_id;primaryKey;size:190;not null" json:"projectId"`
	IsPublic      bool      `gorm:"column:is_public;not null;default:false" json:"isPublic"`
	AllowComments bool      `gorm:"column:allow_comments;not null;default:true" json:"allowComments"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt     time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName binds Settings to its table.
func (Settings) TableName() string {
	return "share_settings"
}

// Member grants a user a role on a project.
type Member struct {
	ProjectID string    `gorm:"column:project_id;primaryKey;size:190;not null" json:"projectId"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null;index" json:"id"`
	Email     string    `gorm:"column:email;size:320" json:"email"`
	Role      Role      `gorm:"column:role;size:16;not null" json:"role"`
	AddedAt   time.Time `gorm:"column:added_at;not null" json:"addedAt"`
}

// TableName binds Member to its table.
func (Member) TableName() string {
	return "share_members"
}

// Invite is a pending offer of a role to an email address.
type Invite struct {
	ID         string     `gorm:"column:id;primaryKey;size:190" json:"id"`
	ProjectID  string     `gorm:"column:project_id;size:190;not null;index" json:"projectId"`
	Email      string     `gorm:"column:email;size:320;not null" json:"email"`
	Role       Role       `gorm:"column:role;size:16;not null" json:"role"`
	InvitedBy  string     `gorm:"column:invited_by;size:190;not null" json:"invitedBy"`
	InvitedAt  time.Time  `gorm:"column:invited_at;not null" json:"invitedAt"`
	ExpiresAt  time.Time  `gorm:"column:expires_at;not null" json:"expiresAt"`
	Accepted   bool       `gorm:"column:accepted;not null;default:false" json:"accepted"`
	AcceptedAt *time.Time `gorm:"column:accepted_at" json:"acceptedAt,omitempty"`
}

// TableName binds Invite to its table.
func (Invite) TableName() string {
	return "share_invites"
}

// ShareSettings is the sharing view of a project returned to owners.
type ShareSettings struct {
	ProjectID     string   `json:"projectId"`
	IsPublic      bool     `json:"isPublic"`
	AllowComments bool     `json:"allowComments"`
	Users         []Member `json:"users"`
}

// Models lists the tables owned by this package, for migrations.
func Models() []any {
	return []any{&Settings{}, &Member{}, &Invite{}}
}
