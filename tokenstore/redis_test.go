package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/go-authgate/storefront-cli/session"
)

var _ session.TokenStore = (*RedisStore)(nil)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func TestRedisStore_SetGetClear(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	store := NewRedisStore(rdb, "default", 0)

	if _, ok, err := store.Get(ctx); err != nil || ok {
		t.Fatalf("Expected empty store, got ok=%v err=%v", ok, err)
	}

	pair := session.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"}
	if err := store.Set(ctx, pair); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.SetUser(ctx, json.RawMessage(`{"id":"u1"}`)); err != nil {
		t.Fatalf("SetUser failed: %v", err)
	}

	got, ok, err := store.Get(ctx)
	if err != nil || !ok || got != pair {
		t.Fatalf("Expected %+v, got %+v ok=%v err=%v", pair, got, ok, err)
	}
	if v := mr.HGet("storefront:session:default", "refreshToken"); v != "refresh-1" {
		t.Errorf("Unexpected refreshToken field: %q", v)
	}

	user, err := store.User(ctx)
	if err != nil || string(user) != `{"id":"u1"}` {
		t.Errorf("Unexpected user %s err=%v", user, err)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if mr.Exists("storefront:session:default") {
		t.Errorf("Session hash still exists after Clear")
	}
	if user, err := store.User(ctx); err != nil || user != nil {
		t.Errorf("Expected no user after Clear, got %s err=%v", user, err)
	}
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	store := NewRedisStore(rdb, "default", time.Hour)

	if err := store.Set(ctx, session.TokenPair{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if ttl := mr.TTL("storefront:session:default"); ttl != time.Hour {
		t.Errorf("Expected TTL 1h, got %v", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, ok, err := store.Get(ctx); err != nil || ok {
		t.Errorf("Expected expired session, got ok=%v err=%v", ok, err)
	}
}

func TestRedisStore_ConcurrentPairsStayMatched(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	store := NewRedisStore(rdb, "default", 0)
	if err := store.Set(ctx, session.TokenPair{AccessToken: "access-0", RefreshToken: "refresh-0"}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				n := w*100 + i
				_ = store.Set(ctx, session.TokenPair{
					AccessToken:  fmt.Sprintf("access-%d", n),
					RefreshToken: fmt.Sprintf("refresh-%d", n),
				})
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				got, ok, err := store.Get(ctx)
				if err != nil || !ok {
					t.Errorf("Get failed: ok=%v err=%v", ok, err)
					return
				}
				if got.AccessToken[len("access-"):] != got.RefreshToken[len("refresh-"):] {
					t.Errorf("Torn pair: %+v", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewRedisStore(rdb, "default", 0)
	mr.Close()

	if _, _, err := store.Get(context.Background()); err == nil {
		t.Errorf("Expected error when redis is down")
	}
}
