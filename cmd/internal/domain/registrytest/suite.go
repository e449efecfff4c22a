// Package registrytest holds the behaviour every connection registry backend
// must share. Backends call Run from their own tests.
package registrytest

import (
	"context"
	"liverelay/cmd/internal/domain/entity"
	"slices"
	"sort"
	"testing"
)

type Registry interface {
	Save(ctx context.Context, conn *entity.Connection) error
	FindByID(ctx context.Context, connID string) (*entity.Connection, error)
	Delete(ctx context.Context, connID string) (bool, error)
	FindByUserID(ctx context.Context, userID string) ([]*entity.Connection, error)
	FindByConversation(ctx context.Context, conversationID string) ([]*entity.Connection, error)
	FindAll(ctx context.Context) ([]*entity.Connection, error)
	CountByUserID(ctx context.Context, userID string) (int, error)
	JoinConversation(ctx context.Context, connID, conversationID string) (bool, error)
	UpdateHeartbeat(ctx context.Context, connID string, now int64) error
	FindStale(ctx context.Context, seenBefore, now int64) ([]*entity.Connection, error)
}

type Users interface {
	FindByID(ctx context.Context, id string) (*entity.User, error)
	TouchLastOnline(ctx context.Context, id string, at int64) error
}

// Factory returns a fresh, empty backend.
type Factory func(t *testing.T) (Registry, Users)

func conn(id, user string, convs ...string) *entity.Connection {
	return &entity.Connection{
		ConnectionID:    id,
		UserID:          user,
		ConversationIDs: convs,
		ConnectedAt:     1000,
		LastSeenAt:      1000,
	}
}

func ids(conns []*entity.Connection) []string {
	out := make([]string, len(conns))
	for i, c := range conns {
		out[i] = c.ConnectionID
	}
	sort.Strings(out)
	return out
}

func Run(t *testing.T, newBackend Factory) {
	ctx := context.Background()

	t.Run("save and find by id", func(t *testing.T) {
		reg, _ := newBackend(t)
		if err := reg.Save(ctx, conn("a", "u1", "c1", "c2")); err != nil {
			t.Fatalf("Save: %v", err)
		}

		got, err := reg.FindByID(ctx, "a")
		if err != nil || got == nil {
			t.Fatalf("FindByID: %v, %v", got, err)
		}
		if got.UserID != "u1" || got.ConnectedAt != 1000 {
			t.Errorf("unexpected record %+v", got)
		}
		convs := slices.Clone(got.ConversationIDs)
		sort.Strings(convs)
		if !slices.Equal(convs, []string{"c1", "c2"}) {
			t.Errorf("ConversationIDs = %v", got.ConversationIDs)
		}
	})

	t.Run("find missing returns nil", func(t *testing.T) {
		reg, _ := newBackend(t)
		got, err := reg.FindByID(ctx, "nope")
		if err != nil || got != nil {
			t.Errorf("expected nil, nil; got %v, %v", got, err)
		}
	})

	t.Run("save replaces memberships", func(t *testing.T) {
		reg, _ := newBackend(t)
		_ = reg.Save(ctx, conn("a", "u1", "c1"))
		_ = reg.Save(ctx, conn("a", "u1", "c2"))

		inC1, _ := reg.FindByConversation(ctx, "c1")
		inC2, _ := reg.FindByConversation(ctx, "c2")
		if len(inC1) != 0 || len(inC2) != 1 {
			t.Errorf("expected only c2 membership, got c1=%v c2=%v", ids(inC1), ids(inC2))
		}
	})

	t.Run("lookups", func(t *testing.T) {
		reg, _ := newBackend(t)
		_ = reg.Save(ctx, conn("a", "u1", "c1"))
		_ = reg.Save(ctx, conn("b", "u1"))
		_ = reg.Save(ctx, conn("c", "u2", "c1", "c3"))

		byUser, err := reg.FindByUserID(ctx, "u1")
		if err != nil || !slices.Equal(ids(byUser), []string{"a", "b"}) {
			t.Errorf("FindByUserID = %v, %v", ids(byUser), err)
		}

		byConv, err := reg.FindByConversation(ctx, "c1")
		if err != nil || !slices.Equal(ids(byConv), []string{"a", "c"}) {
			t.Errorf("FindByConversation = %v, %v", ids(byConv), err)
		}

		all, err := reg.FindAll(ctx)
		if err != nil || !slices.Equal(ids(all), []string{"a", "b", "c"}) {
			t.Errorf("FindAll = %v, %v", ids(all), err)
		}

		n, err := reg.CountByUserID(ctx, "u1")
		if err != nil || n != 2 {
			t.Errorf("CountByUserID = %d, %v", n, err)
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		reg, _ := newBackend(t)
		_ = reg.Save(ctx, conn("a", "u1", "c1"))
		_ = reg.Save(ctx, conn("b", "u1", "c1"))

		removed, err := reg.Delete(ctx, "a")
		if err != nil || !removed {
			t.Fatalf("first Delete = %v, %v", removed, err)
		}
		removed, err = reg.Delete(ctx, "a")
		if err != nil || removed {
			t.Errorf("second Delete = %v, %v; want false, nil", removed, err)
		}

		byConv, _ := reg.FindByConversation(ctx, "c1")
		if !slices.Equal(ids(byConv), []string{"b"}) {
			t.Errorf("delete touched other connections: %v", ids(byConv))
		}
		n, _ := reg.CountByUserID(ctx, "u1")
		if n != 1 {
			t.Errorf("CountByUserID after delete = %d", n)
		}
	})

	t.Run("join conversation", func(t *testing.T) {
		reg, _ := newBackend(t)
		_ = reg.Save(ctx, conn("a", "u1"))

		found, err := reg.JoinConversation(ctx, "a", "c9")
		if err != nil || !found {
			t.Fatalf("JoinConversation = %v, %v", found, err)
		}
		// joining twice must not duplicate membership
		_, _ = reg.JoinConversation(ctx, "a", "c9")

		got, _ := reg.FindByID(ctx, "a")
		if got.VisibleConversation != "c9" {
			t.Errorf("VisibleConversation = %q", got.VisibleConversation)
		}
		if !slices.Equal(got.ConversationIDs, []string{"c9"}) {
			t.Errorf("ConversationIDs = %v", got.ConversationIDs)
		}

		found, err = reg.JoinConversation(ctx, "ghost", "c9")
		if err != nil || found {
			t.Errorf("join on unknown connection = %v, %v", found, err)
		}
		byConv, _ := reg.FindByConversation(ctx, "c9")
		if !slices.Equal(ids(byConv), []string{"a"}) {
			t.Errorf("unknown connection leaked into conversation: %v", ids(byConv))
		}
	})

	t.Run("heartbeat and stale", func(t *testing.T) {
		reg, _ := newBackend(t)
		fresh := conn("fresh", "u1")
		old := conn("old", "u2")
		expired := conn("expired", "u3")
		expired.ExpiresAt = 4000
		_ = reg.Save(ctx, fresh)
		_ = reg.Save(ctx, old)
		_ = reg.Save(ctx, expired)

		if err := reg.UpdateHeartbeat(ctx, "fresh", 5000); err != nil {
			t.Fatalf("UpdateHeartbeat: %v", err)
		}
		_ = reg.UpdateHeartbeat(ctx, "expired", 5000)

		stale, err := reg.FindStale(ctx, 3000, 5000)
		if err != nil {
			t.Fatalf("FindStale: %v", err)
		}
		if !slices.Equal(ids(stale), []string{"expired", "old"}) {
			t.Errorf("FindStale = %v", ids(stale))
		}
	})

	t.Run("user last online", func(t *testing.T) {
		_, users := newBackend(t)
		got, err := users.FindByID(ctx, "u1")
		if err != nil || got != nil {
			t.Fatalf("expected unknown user, got %v, %v", got, err)
		}

		_ = users.TouchLastOnline(ctx, "u1", 100)
		_ = users.TouchLastOnline(ctx, "u1", 200)

		got, err = users.FindByID(ctx, "u1")
		if err != nil || got == nil || got.LastOnlineAt != 200 {
			t.Errorf("FindByID = %+v, %v", got, err)
		}
	})
}
