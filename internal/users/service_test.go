package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pensif/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pensif/backend/internal/domain"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestResolveUserStripsProviderPrefix(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
		UserAvatarURL:   "https://example.com/avatar.png",
	}
	user, err := service.ResolveUser(ctx, claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if user.ID != "12345" || user.DisplayName != "Example User" {
		t.Fatalf("unexpected user %+v", user)
	}

	user, err = service.ResolveUser(ctx, claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if user.ID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", user.ID)
	}
}

func TestResolveUserRefreshesProfile(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.ResolveUser(ctx, auth.SessionClaims{UserID: "u1", UserDisplayName: "Old"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	user, err := service.ResolveUser(ctx, auth.SessionClaims{UserID: "u1", UserDisplayName: "New", UserEmail: "New@Example.com"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if user.DisplayName != "New" {
		t.Fatalf("expected refreshed display name, got %+v", user)
	}

	found, ok, err := service.FindByEmail(ctx, "new@example.com")
	if err != nil || !ok {
		t.Fatalf("expected lookup by email, ok=%v err=%v", ok, err)
	}
	if found.ID != "u1" {
		t.Fatalf("unexpected user %+v", found)
	}
}

func TestResolveUserRejectsEmptyClaims(t *testing.T) {
	service := newTestService(t)
	if _, err := service.ResolveUser(context.Background(), auth.SessionClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}

func TestContextResolver(t *testing.T) {
	resolver := ContextResolver{}
	if _, err := resolver.Current(context.Background()); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	ctx := WithUser(context.Background(), User{ID: "u1", DisplayName: "Ada"})
	user, err := resolver.Current(ctx)
	if err != nil || user.ID != "u1" {
		t.Fatalf("unexpected resolution %+v %v", user, err)
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}
