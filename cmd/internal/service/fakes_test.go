package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"liverelay/cmd/internal/domain/entity"
	"liverelay/cmd/internal/infrastructure/aws/websocket"
	"liverelay/cmd/internal/utils"
	"liverelay/cmd/internal/utils/validators"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/labstack/gommon/log"
)

func init() {
	log.SetOutput(io.Discard)
}

var errStoreDown = errors.New("store unavailable")

// memRegistry is an in-memory ConnectionRepository and UserRepository.
type memRegistry struct {
	mu    sync.Mutex
	conns map[string]*entity.Connection
	users map[string]int64
	down  bool
}

func newMemRegistry() *memRegistry {
	return &memRegistry{conns: map[string]*entity.Connection{}, users: map[string]int64{}}
}

func (m *memRegistry) setDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *memRegistry) copyOf(c *entity.Connection) *entity.Connection {
	cp := *c
	cp.ConversationIDs = slices.Clone(c.ConversationIDs)
	return &cp
}

func (m *memRegistry) filter(keep func(*entity.Connection) bool) ([]*entity.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errStoreDown
	}
	out := []*entity.Connection{}
	for _, c := range m.conns {
		if keep(c) {
			out = append(out, m.copyOf(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out, nil
}

func (m *memRegistry) Save(_ context.Context, conn *entity.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errStoreDown
	}
	m.conns[conn.ConnectionID] = m.copyOf(conn)
	return nil
}

func (m *memRegistry) FindByID(_ context.Context, connID string) (*entity.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errStoreDown
	}
	c, ok := m.conns[connID]
	if !ok {
		return nil, nil
	}
	return m.copyOf(c), nil
}

func (m *memRegistry) Delete(_ context.Context, connID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, errStoreDown
	}
	_, ok := m.conns[connID]
	delete(m.conns, connID)
	return ok, nil
}

func (m *memRegistry) FindByUserID(_ context.Context, userID string) ([]*entity.Connection, error) {
	return m.filter(func(c *entity.Connection) bool { return c.UserID == userID })
}

func (m *memRegistry) FindByConversation(_ context.Context, conversationID string) ([]*entity.Connection, error) {
	return m.filter(func(c *entity.Connection) bool { return c.InConversation(conversationID) })
}

func (m *memRegistry) FindAll(_ context.Context) ([]*entity.Connection, error) {
	return m.filter(func(*entity.Connection) bool { return true })
}

func (m *memRegistry) CountByUserID(ctx context.Context, userID string) (int, error) {
	conns, err := m.FindByUserID(ctx, userID)
	return len(conns), err
}

func (m *memRegistry) JoinConversation(_ context.Context, connID, conversationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, errStoreDown
	}
	c, ok := m.conns[connID]
	if !ok {
		return false, nil
	}
	c.VisibleConversation = conversationID
	if !slices.Contains(c.ConversationIDs, conversationID) {
		c.ConversationIDs = append(c.ConversationIDs, conversationID)
	}
	return true, nil
}

func (m *memRegistry) UpdateHeartbeat(_ context.Context, connID string, now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errStoreDown
	}
	if c, ok := m.conns[connID]; ok {
		c.LastSeenAt = now
	}
	return nil
}

func (m *memRegistry) FindStale(_ context.Context, seenBefore, now int64) ([]*entity.Connection, error) {
	return m.filter(func(c *entity.Connection) bool { return c.LastSeenAt < seenBefore || c.Expired(now) })
}

func (m *memRegistry) TouchLastOnline(_ context.Context, id string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errStoreDown
	}
	m.users[id] = at
	return nil
}

func (m *memRegistry) lastOnline(id string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.users[id]
	return at, ok
}

// memUsers adapts memRegistry to UserRepository; FindByID clashes with the
// connection lookup.
type memUsers struct{ *memRegistry }

func (u memUsers) FindByID(_ context.Context, id string) (*entity.User, error) {
	at, ok := u.lastOnline(id)
	if !ok {
		return nil, nil
	}
	return &entity.User{ID: id, LastOnlineAt: at}, nil
}

// recordingGateway captures every push, decoded back into a map.
type recordingGateway struct {
	mu       sync.Mutex
	sent     map[string][]map[string]any
	gone     map[string]bool
	failing  map[string]bool
	attempts atomic.Int32
	deleted  []string
}

func newRecordingGateway() *recordingGateway {
	return &recordingGateway{
		sent:    map[string][]map[string]any{},
		gone:    map[string]bool{},
		failing: map[string]bool{},
	}
}

func (g *recordingGateway) PostToConnection(_ context.Context, connID string, data interface{}) error {
	g.attempts.Add(1)
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gone[connID] {
		g.sent[connID+"#gone"] = append(g.sent[connID+"#gone"], decoded)
		return fmt.Errorf("%s: %w", connID, websocket.ErrGone)
	}
	if g.failing[connID] {
		g.sent[connID+"#failed"] = append(g.sent[connID+"#failed"], decoded)
		return errors.New("throttled")
	}
	g.sent[connID] = append(g.sent[connID], decoded)
	return nil
}

func (g *recordingGateway) DeleteConnection(_ context.Context, connID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, connID)
	return nil
}

func (g *recordingGateway) markGone(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gone[connID] = true
}

func (g *recordingGateway) markFailing(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failing[connID] = true
}

func (g *recordingGateway) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = map[string][]map[string]any{}
	g.attempts.Store(0)
}

// received returns what connID got, optionally only of one type.
func (g *recordingGateway) received(connID string, typ string) []map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []map[string]any
	for _, msg := range g.sent[connID] {
		if typ == "" || msg["type"] == typ {
			out = append(out, msg)
		}
	}
	return out
}

func (g *recordingGateway) totalOfType(typ string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for key, msgs := range g.sent {
		if strings.Contains(key, "#") {
			continue
		}
		for _, msg := range msgs {
			if msg["type"] == typ {
				n++
			}
		}
	}
	return n
}

// fakeVerifier accepts "token-<user>" and rejects anything else.
type fakeVerifier struct {
	err error
}

func (f *fakeVerifier) Verify(_ context.Context, token string) (*utils.TokenData, error) {
	if f.err != nil {
		return nil, f.err
	}
	if token == "" {
		return nil, utils.ErrMissingToken
	}
	const prefix = "token-"
	if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
		return nil, utils.ErrInvalidToken
	}
	return &utils.TokenData{Sub: token[len(prefix):]}, nil
}

type testEnv struct {
	svc      *WebSocketService
	reg      *memRegistry
	gw       *recordingGateway
	verifier *fakeVerifier
	clock    *int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := newMemRegistry()
	gw := newRecordingGateway()
	verifier := &fakeVerifier{}

	svc := NewWebSocketService(reg, memUsers{reg}, NewBroadcaster(reg, gw, 4), verifier, validators.New())

	clock := int64(1_700_000_000_000)
	svc.now = func() int64 { return clock }
	svc.Presence.now = func() int64 { return clock }
	var seq atomic.Int64
	svc.nextID = func() string { return fmt.Sprintf("m%d", seq.Add(1)) }

	return &testEnv{svc: svc, reg: reg, gw: gw, verifier: verifier, clock: &clock}
}

func (e *testEnv) connect(t *testing.T, connID, userID, conversations string) {
	t.Helper()
	if apierr := e.svc.RegisterConnection(context.Background(), connID, "token-"+userID, conversations); apierr != nil {
		t.Fatalf("RegisterConnection(%s): %+v", connID, apierr)
	}
}

func (e *testEnv) disconnect(t *testing.T, connID string) {
	t.Helper()
	if apierr := e.svc.RemoveConnection(context.Background(), connID); apierr != nil {
		t.Fatalf("RemoveConnection(%s): %+v", connID, apierr)
	}
}

func (e *testEnv) send(t *testing.T, connID string, body string) {
	t.Helper()
	if apierr := e.svc.HandleMessage(context.Background(), connID, []byte(body)); apierr != nil {
		t.Fatalf("HandleMessage(%s, %s): %+v", connID, body, apierr)
	}
}
