package authpw

import (
	"context"
	"errors"
	"testing"

	"inkpad/api/internal/store"
)

type fakeUserStore struct {
	users map[string]*store.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]*store.User)}
}

func (f *fakeUserStore) CreateUser(_ context.Context, u *store.User) error {
	f.users[u.Email] = u
	return nil
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	u, ok := f.users[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func TestRegisterAndLogin(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	user, err := svc.Register(ctx, "Ada", "ada@example.com", "correcthorse")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.PasswordHash == "correcthorse" {
		t.Fatal("password stored in the clear")
	}

	got, err := svc.Login(ctx, "ADA@example.com", "correcthorse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("login returned user %s, want %s", got.ID, user.ID)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	if _, err := svc.Register(ctx, "Ada", "ada@example.com", "correcthorse"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Login(ctx, "ada@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginUnknownEmail(t *testing.T) {
	svc := NewService(newFakeUserStore())
	if _, err := svc.Login(context.Background(), "ghost@example.com", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	if _, err := svc.Register(ctx, "Ada", "ada@example.com", "correcthorse"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Register(ctx, "Imposter", "ada@example.com", "correcthorse"); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("got %v, want ErrEmailTaken", err)
	}
}

func TestRegisterWeakPassword(t *testing.T) {
	svc := NewService(newFakeUserStore())
	if _, err := svc.Register(context.Background(), "Ada", "ada@example.com", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("got %v, want ErrWeakPassword", err)
	}
}
