package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStoreWithClient(client, time.Hour)
}

func TestSaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	data := TokenData{UserID: "usr_1", UserName: "Ada", CreatedAt: time.Now().UTC().Truncate(time.Second)}
	if err := store.Save(ctx, "hash1", data); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, "hash1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != data.UserID || got.UserName != data.UserName {
		t.Errorf("got %+v, want %+v", got, data)
	}
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRotate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	data := TokenData{UserID: "usr_1", UserName: "Ada", CreatedAt: time.Now()}
	if err := store.Save(ctx, "old", data); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Rotate(ctx, "old", "new", data); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if _, err := store.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old token still valid after rotation: %v", err)
	}
	if _, err := store.Get(ctx, "new"); err != nil {
		t.Errorf("new token missing after rotation: %v", err)
	}

	// Second redemption of the old token must fail.
	if err := store.Rotate(ctx, "old", "newer", data); !errors.Is(err, ErrNotFound) {
		t.Errorf("double rotation succeeded: %v", err)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "h", TokenData{UserID: "usr_1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Delete(ctx, "h"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "h"); !errors.Is(err, ErrNotFound) {
		t.Errorf("session survived delete: %v", err)
	}
}
