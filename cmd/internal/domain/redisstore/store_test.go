package redisstore

import (
	"context"
	"liverelay/cmd/internal/domain/entity"
	"liverelay/cmd/internal/domain/registrytest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisRegistry(t *testing.T) {
	registrytest.Run(t, func(t *testing.T) (registrytest.Registry, registrytest.Users) {
		_, rdb := newClient(t)
		return NewConnectionRepository(rdb), NewUserRepository(rdb)
	})
}

func TestLoadSet_SkipsDanglingIndexEntries(t *testing.T) {
	mr, rdb := newClient(t)
	repo := NewConnectionRepository(rdb)
	ctx := context.Background()

	_ = repo.Save(ctx, &entity.Connection{ConnectionID: "a", UserID: "u1", ConversationIDs: []string{"c1"}})
	if _, err := mr.SAdd(convConnsKey("c1"), "ghost"); err != nil {
		t.Fatalf("SAdd: %v", err)
	}

	conns, err := repo.FindByConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("FindByConversation: %v", err)
	}
	if len(conns) != 1 || conns[0].ConnectionID != "a" {
		t.Errorf("expected only a, got %v", conns)
	}
}

func TestWritesAfterDelete_DoNotRecreateHash(t *testing.T) {
	mr, rdb := newClient(t)
	repo := NewConnectionRepository(rdb)
	ctx := context.Background()

	_ = repo.Save(ctx, &entity.Connection{ConnectionID: "a", UserID: "u1"})
	if _, err := repo.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if err := repo.UpdateHeartbeat(ctx, "a", 42); err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}
	if joined, err := repo.JoinConversation(ctx, "a", "c1"); err != nil || joined {
		t.Fatalf("JoinConversation() = %v, %v; want false, nil", joined, err)
	}
	if mr.Exists(connKey("a")) {
		t.Errorf("deleted hash was recreated: %v", mr.Keys())
	}
}

func TestConcurrentDelete_LeavesNoOrphanHash(t *testing.T) {
	mr, rdb := newClient(t)
	repo := NewConnectionRepository(rdb)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if err := repo.Save(ctx, &entity.Connection{ConnectionID: "a", UserID: "u1"}); err != nil {
			t.Fatalf("Save: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			if _, err := repo.Delete(ctx, "a"); err != nil {
				t.Errorf("Delete: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			_ = repo.UpdateHeartbeat(ctx, "a", int64(i))
		}()
		go func() {
			defer wg.Done()
			_, _ = repo.JoinConversation(ctx, "a", "c1")
		}()
		wg.Wait()

		// Delete always runs once, so whatever the order nothing may be left
		if mr.Exists(connKey("a")) {
			t.Fatalf("round %d: orphan hash left behind, user_id %q", i, mr.HGet(connKey("a"), "user_id"))
		}
	}
}

func TestOpen_Unreachable(t *testing.T) {
	if _, err := Open(context.Background(), "127.0.0.1:1", "", 0); err == nil {
		t.Error("expected error for unreachable redis")
	}
}
