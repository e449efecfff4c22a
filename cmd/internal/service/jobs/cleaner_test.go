package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"liverelay/cmd/internal/domain/entity"
	"liverelay/cmd/internal/domain/sqlite"
	"liverelay/cmd/internal/domain/sqlite/repository"
	"liverelay/cmd/internal/infrastructure/aws/websocket"
	"liverelay/cmd/internal/service"
	"liverelay/cmd/internal/utils"
	"liverelay/cmd/internal/utils/validators"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/labstack/gommon/log"
)

func init() {
	log.SetOutput(io.Discard)
}

type stubGateway struct {
	mu      sync.Mutex
	types   map[string][]string
	deleted []string
	gone    map[string]bool
}

func (g *stubGateway) PostToConnection(_ context.Context, connID string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var msg struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(raw, &msg)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gone[connID] {
		return websocket.ErrGone
	}
	g.types[connID] = append(g.types[connID], msg.Type)
	return nil
}

func (g *stubGateway) DeleteConnection(_ context.Context, connID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, connID)
	if g.gone[connID] {
		return fmt.Errorf("delete %s: %w", connID, websocket.ErrGone)
	}
	return nil
}

type noAuth struct{}

func (noAuth) Verify(context.Context, string) (*utils.TokenData, error) {
	return nil, utils.ErrInvalidToken
}

func newCleaner(t *testing.T) (*ConnectionCleaner, *repository.DefaultConnectionRepository, *stubGateway) {
	t.Helper()
	db, err := sqlite.Init(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("sqlite.Init: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	connRepo := repository.NewConnectionRepository(db)
	gateway := &stubGateway{types: map[string][]string{}, gone: map[string]bool{}}
	ws := service.NewWebSocketService(
		connRepo,
		repository.NewUserRepository(db),
		service.NewBroadcaster(connRepo, gateway, 2),
		noAuth{},
		validators.New(),
	)
	return NewConnectionCleaner(ws, time.Minute, 3*time.Minute), connRepo, gateway
}

func TestConnectionCleaner_DropsStaleAndExpired(t *testing.T) {
	cleaner, repo, gateway := newCleaner(t)
	ctx := context.Background()
	now := int64(10_000_000)
	cleaner.now = func() int64 { return now }

	conns := []*entity.Connection{
		{ConnectionID: "fresh", UserID: "u1", ConnectedAt: now, LastSeenAt: now - 1000},
		{ConnectionID: "silent", UserID: "u2", ConnectedAt: 0, LastSeenAt: now - 4*60*1000, ExpiresAt: now + 60*60*1000},
		{ConnectionID: "expired", UserID: "u3", ConnectedAt: now, LastSeenAt: now, ExpiresAt: now - 1},
		{ConnectionID: "vanished", UserID: "u4", ConnectedAt: 0, LastSeenAt: 0},
	}
	for _, conn := range conns {
		if err := repo.Save(ctx, conn); err != nil {
			t.Fatalf("Save(%s): %v", conn.ConnectionID, err)
		}
	}
	gateway.gone["vanished"] = true

	if got := cleaner.cleanup(ctx); got != 3 {
		t.Fatalf("cleanup() = %d, want 3", got)
	}

	for _, id := range []string{"silent", "expired", "vanished"} {
		if conn, _ := repo.FindByID(ctx, id); conn != nil {
			t.Errorf("%s is still registered", id)
		}
		if !slices.Contains(gateway.deleted, id) {
			t.Errorf("%s was not closed at the gateway", id)
		}
	}
	if got := gateway.types["expired"]; !slices.Contains(got, "sessionExpired") {
		t.Errorf("expired got %v, want a sessionExpired signal", got)
	}
	// silent still holds a valid token and is free to reconnect
	for _, id := range []string{"silent", "vanished"} {
		if got := gateway.types[id]; slices.Contains(got, "sessionExpired") {
			t.Errorf("%s got %v, want no sessionExpired signal", id, got)
		}
	}

	if conn, _ := repo.FindByID(ctx, "fresh"); conn == nil {
		t.Fatalf("fresh connection was dropped")
	}
	// the survivor hears that the dropped users went offline
	if got := gateway.types["fresh"]; len(got) != 3 {
		t.Errorf("fresh got %v, want three onlineStatus signals", got)
	}
}

func TestConnectionCleaner_NothingToDo(t *testing.T) {
	cleaner, _, gateway := newCleaner(t)

	if got := cleaner.cleanup(context.Background()); got != 0 {
		t.Fatalf("cleanup() = %d, want 0", got)
	}
	if len(gateway.deleted) != 0 {
		t.Errorf("deleted %v on an empty registry", gateway.deleted)
	}
}

func TestConnectionCleaner_StopsWithContext(t *testing.T) {
	cleaner, _, _ := newCleaner(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		cleaner.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
