package httpapi

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"tokokas/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return nil, fmt.Errorf("user %s not found", username)
	}
	return &user, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = passwordHash
	s.users[username] = user
	s.updates++
	return nil
}

func newUserStoreStub() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				ID:             "user-admin",
				OrganizationID: "org-demo",
				Username:       "admin",
				Password:       "admin123",
				Role:           "admin",
				CreatedAt:      time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := newUserStoreStub()
	manager := NewAuthManager("test-secret", time.Hour, "739154", store)

	_, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	store.mu.Lock()
	stored := store.users["admin"].Password
	updates := store.updates
	store.mu.Unlock()

	if stored == "admin123" {
		t.Fatalf("expected password to be upgraded from plain-text")
	}
	if !strings.HasPrefix(stored, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", stored)
	}
	if updates != 1 {
		t.Fatalf("expected exactly one password upgrade, got %d", updates)
	}

	// The upgraded hash must keep working for the same credentials.
	if _, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	}); err != nil {
		t.Fatalf("login after upgrade failed: %v", err)
	}
}

func TestLoginNormalizesUsername(t *testing.T) {
	store := newUserStoreStub()
	manager := NewAuthManager("test-secret", time.Hour, "739154", store)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "  Admin ",
		Password: "admin123",
	}); err != nil {
		t.Fatalf("expected mixed-case username to log in, got %v", err)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	store := newUserStoreStub()
	manager := NewAuthManager("test-secret", time.Hour, "739154", store)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "not-the-password",
	}); err == nil {
		t.Fatalf("expected wrong password to be rejected")
	}
}

func TestParseTokenRoundTrip(t *testing.T) {
	store := newUserStoreStub()
	manager := NewAuthManager("test-secret", time.Hour, "739154", store)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.UserID != "user-admin" {
		t.Fatalf("unexpected actor user id %q", actor.UserID)
	}
	if actor.Username != "admin" {
		t.Fatalf("unexpected actor username %q", actor.Username)
	}
	if actor.OrganizationID != "org-demo" {
		t.Fatalf("unexpected actor organization %q", actor.OrganizationID)
	}
	if actor.Role != "admin" {
		t.Fatalf("unexpected actor role %q", actor.Role)
	}
}

func TestParseTokenRejectsTamperedToken(t *testing.T) {
	store := newUserStoreStub()
	manager := NewAuthManager("test-secret", time.Hour, "739154", store)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	tampered := resp.AccessToken[:len(resp.AccessToken)-2] + "xx"
	if _, err := manager.ParseToken(tampered); err == nil {
		t.Fatalf("expected tampered token to be rejected")
	}

	other := NewAuthManager("a-completely-different-secret", time.Hour, "739154", store)
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321", newUserStoreStub())

	if manager.managerPIN == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}

	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}

	if manager.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}
