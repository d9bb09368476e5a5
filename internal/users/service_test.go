package users

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fello/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(testContext *testing.T) (*Service, *gorm.DB) {
	testContext.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		testContext.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveCanonicalUserIDStripsProviderPrefix(testContext *testing.T) {
	service, db := newTestService(testContext)
	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
		UserAvatarURL:   "https://example.com/avatar.png",
	}
	userID, err := service.ResolveCanonicalUserID(context.Background(), claims)
	if err != nil {
		testContext.Fatalf("resolve failed: %v", err)
	}
	if userID != "12345" {
		testContext.Fatalf("expected canonical user id without provider prefix, got %q", userID)
	}

	userID, err = service.ResolveCanonicalUserID(context.Background(), claims)
	if err != nil {
		testContext.Fatalf("second resolve failed: %v", err)
	}
	if userID != "12345" {
		testContext.Fatalf("expected canonical user id to remain stable, got %q", userID)
	}

	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected one identity row, got %d", count)
	}
}

func TestResolveRejectsClaimsWithoutSubject(testContext *testing.T) {
	service, _ := newTestService(testContext)
	if _, err := service.Resolve(context.Background(), auth.SessionClaims{}); err != ErrInvalidIdentity {
		testContext.Fatalf("expected invalid identity, got %v", err)
	}
}

func TestDeriveUsername(t *testing.T) {
	tests := []struct {
		name        string
		displayName string
		email       string
		expected    string
	}{
		{name: "display-name", displayName: "  Ada Lovelace ", email: "ada@example.com", expected: "Ada Lovelace"},
		{name: "email-local-part", displayName: "", email: "ada@example.com", expected: "ada"},
		{name: "unnamed", displayName: " ", email: "", expected: UnnamedUsername},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveUsername(tt.displayName, tt.email); got != tt.expected {
				t.Fatalf("DeriveUsername(%q, %q) = %q, want %q", tt.displayName, tt.email, got, tt.expected)
			}
		})
	}
}

func TestProfileFromClaims(t *testing.T) {
	profile := ProfileFromClaims(auth.SessionClaims{UserEmail: "bob@example.com", UserAvatarURL: "https://img/bob.png"})
	if profile.Username != "bob" || profile.ProfileImageURL != "https://img/bob.png" {
		t.Fatalf("unexpected profile %+v", profile)
	}
}
