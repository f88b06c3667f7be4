package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"parley/cmd/identity"
	"parley/cmd/internal/auth/session"
	"parley/cmd/internal/conversation"
	v1 "parley/shared/contracts/realtime/v1"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

var (
	alice = identity.User{ID: "u-alice", FullName: "Alice Liddell", Email: "alice@example.com"}
	bob   = identity.User{ID: "u-bob", FullName: "Bob Stone", Email: "bob@example.com"}
	carol = identity.User{ID: "u-carol", FullName: "Carol Vane", Email: "carol@example.com"}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flakyStore fails durable writes while failAppend is set.
type flakyStore struct {
	*conversation.MemoryStore
	failAppend atomic.Bool
	appends    atomic.Int64
}

var errDiskFull = errors.New("disk full")

func (s *flakyStore) AppendMessage(ctx context.Context, in conversation.AppendMessageInput) (conversation.Message, error) {
	s.appends.Add(1)
	if s.failAppend.Load() {
		return conversation.Message{}, errDiskFull
	}
	return s.MemoryStore.AppendMessage(ctx, in)
}

type fixture struct {
	store      *flakyStore
	dir        *identity.MemoryDirectory
	tokens     session.TokenManager
	reg        *Registry
	gate       *Gate
	dispatcher *Dispatcher
	presence   *Presence
	typing     *Typing
	ctrl       *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := &flakyStore{MemoryStore: conversation.NewMemoryStore()}
	dir := identity.NewMemoryDirectory(alice, bob, carol)

	cfg := session.DefaultConfig()
	cfg.Mode = session.ModeJWT
	cfg.JWTAccessSecret = testJWTSecret
	tokens, err := session.NewTokenManager(cfg)
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}

	log := discardLogger()
	reg := NewRegistry(log, NewMetrics(nil))
	gate := NewGate(store)
	dispatcher := NewDispatcher(reg, gate, store, DispatcherOptions{Logger: log})
	presence := NewPresence(reg, log)
	typing := NewTyping(reg, gate)

	ctrl, err := NewController(ControllerDeps{
		Verifier:      tokens,
		Directory:     dir,
		Registry:      reg,
		Gate:          gate,
		Dispatcher:    dispatcher,
		Presence:      presence,
		Typing:        typing,
		Logger:        log,
		SendQueueSize: 64,
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}

	return &fixture{
		store:      store,
		dir:        dir,
		tokens:     tokens,
		reg:        reg,
		gate:       gate,
		dispatcher: dispatcher,
		presence:   presence,
		typing:     typing,
		ctrl:       ctrl,
	}
}

// direct creates the one-to-one conversation between a and b.
func (f *fixture) direct(t *testing.T, a, b identity.User) string {
	t.Helper()
	conv, _, err := f.store.GetOrCreateDirect(context.Background(), conversation.DirectInput{UserID: a.ID, PeerID: b.ID})
	if err != nil {
		t.Fatalf("get or create direct: %v", err)
	}
	return conv.ID
}

// open registers a session for u and drains its presence events.
func (f *fixture) open(t *testing.T, u identity.User) *Session {
	t.Helper()
	s, err := f.ctrl.Open(u)
	if err != nil {
		t.Fatalf("open %s: %v", u.ID, err)
	}
	t.Cleanup(s.Close)
	drain(s.Client())
	return s
}

func (f *fixture) join(t *testing.T, s *Session, convID string) {
	t.Helper()
	if err := s.Handle(context.Background(), JoinConversation{ConversationID: convID}); err != nil {
		t.Fatalf("join %s: %v", convID, err)
	}
	drain(s.Client())
}

func (f *fixture) token(t *testing.T, u identity.User) string {
	t.Helper()
	tok, _, err := f.tokens.Issue(u.ID, u.Email, time.Now().UTC())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func drain(c *Client) {
	for {
		select {
		case <-c.Send:
		default:
			return
		}
	}
}

func recv(t *testing.T, c *Client) v1.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for envelope on %s", c.ID)
		return v1.Envelope{}
	}
}

func recvType(t *testing.T, c *Client, want string) v1.Envelope {
	t.Helper()
	env := recv(t, c)
	if env.Type != want {
		t.Fatalf("envelope type got=%q want=%q payload=%s", env.Type, want, env.Payload)
	}
	return env
}

func expectNone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case env := <-c.Send:
		t.Fatalf("unexpected envelope on %s: type=%q payload=%s", c.ID, env.Type, env.Payload)
	default:
	}
}

func decode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return out
}

func testClient(id string, u identity.User, queue int) *Client {
	return NewClient(id, u, queue, time.Now())
}

func isProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}
