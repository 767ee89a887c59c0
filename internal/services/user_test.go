package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"proximichat/internal/chat"
	"proximichat/internal/models"
	"proximichat/internal/store"

	"github.com/golang-jwt/jwt/v5"
)

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[string]*models.User)}
}

func (f *fakeUsers) Create(ctx context.Context, user *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := *user
	f.users[u.ID] = &u
	return nil
}

func (f *fakeUsers) GetByID(ctx context.Context, id string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *u
	return &out, nil
}

func (f *fakeUsers) DisplayName(ctx context.Context, id string) (string, error) {
	u, err := f.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return u.DisplayName, nil
}

func (f *fakeUsers) UpdateDisplayName(ctx context.Context, userID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.DisplayName = name
	return nil
}

func (f *fakeUsers) UpdatePushToken(ctx context.Context, userID string, pushToken *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.PushToken = pushToken
	return nil
}

func (f *fakeUsers) PushToken(ctx context.Context, userID string) (*string, error) {
	u, err := f.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return u.PushToken, nil
}

func TestJWTRoundTrip(t *testing.T) {
	svc := NewUserService(newFakeUsers(), "secret", time.Hour)

	token, err := svc.GenerateJWT("user-1")
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	userID, err := svc.ValidateJWT(token)
	if err != nil {
		t.Fatalf("ValidateJWT: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("expected user-1, got %s", userID)
	}
}

func TestValidateJWTRejects(t *testing.T) {
	svc := NewUserService(newFakeUsers(), "secret", time.Hour)
	other := NewUserService(newFakeUsers(), "other-secret", time.Hour)

	foreign, err := other.GenerateJWT("user-1")
	if err != nil {
		t.Fatal(err)
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "user-1",
		"exp":     time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", foreign},
		{"expired", expired},
		{"missing user id", noUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ValidateJWT(tt.token); err == nil {
				t.Error("expected validation to fail")
			}
		})
	}
}

func TestCreateUser(t *testing.T) {
	users := newFakeUsers()
	svc := NewUserService(users, "secret", time.Hour)

	user, err := svc.CreateUser(context.Background(), "  Alice ")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.DisplayName != "Alice" || user.ID == "" || user.Token == "" {
		t.Errorf("unexpected user %+v", user)
	}
	if id, err := svc.ValidateJWT(user.Token); err != nil || id != user.ID {
		t.Errorf("token should identify the new user, got %q (%v)", id, err)
	}
	if _, err := users.GetByID(context.Background(), user.ID); err != nil {
		t.Errorf("user not stored: %v", err)
	}
}

func TestNormalizeDisplayName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "Bob", want: "Bob"},
		{in: "  Zoë  ", want: "Zoë"},
		{in: strings.Repeat("é", 32), want: strings.Repeat("é", 32)},
		{in: strings.Repeat("é", 33), wantErr: true},
		{in: "   ", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeDisplayName(tt.in)
			if tt.wantErr {
				if !errors.Is(err, chat.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("expected %q, got %q (%v)", tt.want, got, err)
			}
		})
	}
}

func TestProfileUpdates(t *testing.T) {
	users := newFakeUsers()
	svc := NewUserService(users, "secret", time.Hour)
	ctx := context.Background()
	user, err := svc.CreateUser(ctx, "Alice")
	if err != nil {
		t.Fatal(err)
	}

	if name, err := svc.UpdateDisplayName(ctx, user.ID, " Ally "); err != nil || name != "Ally" {
		t.Fatalf("UpdateDisplayName: %q %v", name, err)
	}
	if err := svc.UpdatePushToken(ctx, user.ID, "device-1"); err != nil {
		t.Fatal(err)
	}
	got, _ := users.GetByID(ctx, user.ID)
	if got.DisplayName != "Ally" || got.PushToken == nil || *got.PushToken != "device-1" {
		t.Errorf("unexpected stored user %+v", got)
	}
	if err := svc.UpdatePushToken(ctx, user.ID, " "); err != nil {
		t.Fatal(err)
	}
	got, _ = users.GetByID(ctx, user.ID)
	if got.PushToken != nil {
		t.Error("blank token should clear the stored one")
	}
}

func TestIdentity(t *testing.T) {
	users := newFakeUsers()
	svc := NewUserService(users, "secret", time.Hour)
	ctx := context.Background()
	user, err := svc.CreateUser(ctx, "Alice")
	if err != nil {
		t.Fatal(err)
	}

	current, err := svc.Identity(user.ID).CurrentUser(ctx)
	if err != nil || current == nil || current.DisplayName != "Alice" {
		t.Fatalf("unexpected current user %+v (%v)", current, err)
	}
	if current.Token != "" {
		t.Error("identity must not expose the token")
	}

	gone, err := svc.Identity("missing").CurrentUser(ctx)
	if err != nil || gone != nil {
		t.Errorf("deleted account should read as signed out, got %+v (%v)", gone, err)
	}
}
