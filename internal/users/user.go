package users

import (
	"context"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/domain"
)

// User is the acting person behind a request.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// CurrentUser resolves the acting user for a request.
type CurrentUser interface {
	Current(ctx context.Context) (User, error)
}

type contextKey struct{}

// WithUser returns a context carrying user.
func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// FromContext returns the user stored by WithUser.
func FromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(contextKey{}).(User)
	if !ok || user.ID == "" {
		return User{}, false
	}
	return user, true
}

// ContextResolver reads the acting user from the request context.
type ContextResolver struct{}

// Current returns domain.ErrUnauthenticated when the context has no user.
func (ContextResolver) Current(ctx context.Context) (User, error) {
	user, ok := FromContext(ctx)
	if !ok {
		return User{}, domain.ErrUnauthenticated
	}
	return user, nil
}
