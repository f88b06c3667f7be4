package conversationapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"parley/cmd/identity"
	"parley/cmd/internal/auth/session"
	"parley/cmd/internal/conversation"
	"parley/cmd/internal/realtime"
	v1 "parley/shared/contracts/realtime/v1"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

var (
	alice = identity.User{ID: "u-alice", FullName: "Alice Liddell", Email: "alice@example.com"}
	bob   = identity.User{ID: "u-bob", FullName: "Bob Stone", Email: "bob@example.com"}
	carol = identity.User{ID: "u-carol", FullName: "Carol Vane", Email: "carol@example.com"}
)

type apiFixture struct {
	srv    *httptest.Server
	store  *conversation.MemoryStore
	tokens session.TokenManager
	ctrl   *realtime.Controller
}

func newAPIFixture(t *testing.T, cfg Config) *apiFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := conversation.NewMemoryStore()
	dir := identity.NewMemoryDirectory(alice, bob, carol)

	scfg := session.DefaultConfig()
	scfg.Mode = session.ModeJWT
	scfg.JWTAccessSecret = testJWTSecret
	tokens, err := session.NewTokenManager(scfg)
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}

	reg := realtime.NewRegistry(log, nil)
	gate := realtime.NewGate(store)
	dispatcher := realtime.NewDispatcher(reg, gate, store, realtime.DispatcherOptions{Logger: log})
	ctrl, err := realtime.NewController(realtime.ControllerDeps{
		Verifier:   tokens,
		Directory:  dir,
		Registry:   reg,
		Gate:       gate,
		Dispatcher: dispatcher,
		Logger:     log,
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}

	h, err := NewHandler(log, cfg, ctrl, store, dir, dispatcher)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &apiFixture{srv: srv, store: store, tokens: tokens, ctrl: ctrl}
}

func (f *apiFixture) token(t *testing.T, u identity.User) string {
	t.Helper()
	tok, _, err := f.tokens.Issue(u.ID, u.Email, time.Now().UTC())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (f *apiFixture) direct(t *testing.T, a, b identity.User) string {
	t.Helper()
	conv, _, err := f.store.GetOrCreateDirect(context.Background(), conversation.DirectInput{UserID: a.ID, PeerID: b.ID})
	if err != nil {
		t.Fatalf("get or create direct: %v", err)
	}
	return conv.ID
}

func (f *apiFixture) appendText(t *testing.T, convID string, sender identity.User, content string, at time.Time) {
	t.Helper()
	_, err := f.store.AppendMessage(context.Background(), conversation.AppendMessageInput{
		ConversationID: convID,
		SenderID:       sender.ID,
		Content:        content,
		Now:            at,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
}

// do sends a request as u (anonymous when u is nil) and decodes the JSON body.
func (f *apiFixture) do(t *testing.T, u *identity.User, method, path string, body any, out any) int {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if u != nil {
		req.Header.Set("Authorization", "Bearer "+f.token(t, *u))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func recvType(t *testing.T, c *realtime.Client, want string) v1.Envelope {
	t.Helper()
	for {
		select {
		case env := <-c.Send:
			if env.Type == v1.TypeUserOnline || env.Type == v1.TypeUserOffline {
				continue
			}
			if env.Type != want {
				t.Fatalf("envelope type got=%q want=%q payload=%s", env.Type, want, env.Payload)
			}
			return env
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %s", want)
			return v1.Envelope{}
		}
	}
}

func TestRequestsWithoutCredentialsAreUnauthorized(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})
	tests := []struct {
		method string
		path   string
	}{
		{method: http.MethodGet, path: "/conversations"},
		{method: http.MethodPost, path: "/conversations/get-or-create"},
		{method: http.MethodPost, path: "/conversations/group"},
		{method: http.MethodGet, path: "/conversations/c1/messages"},
		{method: http.MethodPost, path: "/conversations/c1/messages"},
	}
	for _, tc := range tests {
		var resp errorResponse
		status := f.do(t, nil, tc.method, tc.path, nil, &resp)
		if status != http.StatusUnauthorized {
			t.Fatalf("%s %s status got=%d want=%d", tc.method, tc.path, status, http.StatusUnauthorized)
		}
		if resp.Success || resp.Code != "unauthorized" {
			t.Fatalf("%s %s body got=%+v", tc.method, tc.path, resp)
		}
	}
}

func TestInvalidTokenIsUnauthorized(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/conversations", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status got=%d want=%d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestGetOrCreateReportsCreation(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})

	var first getOrCreateResponse
	if status := f.do(t, &alice, http.MethodPost, "/conversations/get-or-create", map[string]string{"participantId": bob.ID}, &first); status != http.StatusCreated {
		t.Fatalf("first status got=%d want=%d", status, http.StatusCreated)
	}
	if !first.Success || !first.IsNew || first.Message != "Conversation created successfully" {
		t.Fatalf("first body got=%+v", first)
	}

	var second getOrCreateResponse
	if status := f.do(t, &bob, http.MethodPost, "/conversations/get-or-create", map[string]string{"participantId": alice.ID}, &second); status != http.StatusOK {
		t.Fatalf("second status got=%d want=%d", status, http.StatusOK)
	}
	if second.IsNew || second.Message != "Conversation already exists" {
		t.Fatalf("second body got=%+v", second)
	}
	if second.Conversation.ID != first.Conversation.ID {
		t.Fatalf("conversation id got=%q want=%q", second.Conversation.ID, first.Conversation.ID)
	}
	if second.Conversation.GroupType != string(conversation.GroupIndividual) {
		t.Fatalf("group type got=%q", second.Conversation.GroupType)
	}
}

func TestGetOrCreateRejectsBadInput(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})
	tests := []struct {
		name string
		body any
		want int
	}{
		{name: "missing participant", body: map[string]string{}, want: http.StatusBadRequest},
		{name: "self", body: map[string]string{"participantId": alice.ID}, want: http.StatusBadRequest},
		{name: "unknown account", body: map[string]string{"participantId": "u-ghost"}, want: http.StatusNotFound},
		{name: "unknown field", body: map[string]string{"peer": bob.ID}, want: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status := f.do(t, &alice, http.MethodPost, "/conversations/get-or-create", tc.body, nil)
			if status != tc.want {
				t.Fatalf("status got=%d want=%d", status, tc.want)
			}
		})
	}
}

func TestListConversationsExcludesSelf(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})
	withBob := f.direct(t, alice, bob)
	f.direct(t, alice, carol)
	f.appendText(t, withBob, bob, "hi alice", time.Now().UTC())

	var resp listConversationsResponse
	if status := f.do(t, &alice, http.MethodGet, "/conversations", nil, &resp); status != http.StatusOK {
		t.Fatalf("status got=%d", status)
	}
	if len(resp.Conversations) != 2 {
		t.Fatalf("conversations got=%d want=2", len(resp.Conversations))
	}

	var lastSeen int
	for _, s := range resp.Conversations {
		for _, p := range s.Participants {
			if p.ID == alice.ID {
				t.Fatalf("caller listed as participant in %s", s.ID)
			}
		}
		if len(s.Participants) != 1 {
			t.Fatalf("participants got=%d want=1", len(s.Participants))
		}
		if s.ID == withBob {
			if s.LastMessage == nil || s.LastMessage.Content != "hi alice" {
				t.Fatalf("last message got=%+v", s.LastMessage)
			}
			if s.Participants[0].FullName != bob.FullName {
				t.Fatalf("participant name got=%q", s.Participants[0].FullName)
			}
			lastSeen++
		} else if s.LastMessage != nil {
			t.Fatalf("empty conversation has last message %+v", s.LastMessage)
		}
	}
	if lastSeen != 1 {
		t.Fatalf("conversation %s missing from listing", withBob)
	}

	// lastMessage is serialized as null, not omitted.
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, carol))
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer func() { _ = raw.Body.Close() }()
	b, _ := io.ReadAll(raw.Body)
	if !strings.Contains(string(b), `"lastMessage":null`) {
		t.Fatalf("body got=%s", b)
	}
}

func TestCreateGroup(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})

	var resp createGroupResponse
	status := f.do(t, &alice, http.MethodPost, "/conversations/group", map[string]any{
		"name":           "  Reading club ",
		"participantIds": []string{bob.ID, carol.ID, bob.ID, " "},
	}, &resp)
	if status != http.StatusCreated {
		t.Fatalf("status got=%d want=%d", status, http.StatusCreated)
	}
	if resp.Conversation.GroupType != string(conversation.GroupGroup) || resp.Conversation.AdminID != alice.ID {
		t.Fatalf("conversation got=%+v", resp.Conversation)
	}
	if len(resp.Conversation.ParticipantIDs) != 3 {
		t.Fatalf("participants got=%v want 3", resp.Conversation.ParticipantIDs)
	}

	if status := f.do(t, &alice, http.MethodPost, "/conversations/group", map[string]any{
		"name":           "Ghosts",
		"participantIds": []string{"u-ghost"},
	}, nil); status != http.StatusNotFound {
		t.Fatalf("unknown participant status got=%d want=%d", status, http.StatusNotFound)
	}
	if status := f.do(t, &alice, http.MethodPost, "/conversations/group", map[string]any{
		"name":           "Alone",
		"participantIds": []string{},
	}, nil); status != http.StatusBadRequest {
		t.Fatalf("empty group status got=%d want=%d", status, http.StatusBadRequest)
	}
}

func TestListMessagesPaging(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})
	convID := f.direct(t, alice, bob)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, body := range []string{"a", "b", "c", "d", "e"} {
		f.appendText(t, convID, alice, body, base.Add(time.Duration(i)*time.Second))
	}

	tests := []struct {
		name    string
		query   string
		want    []string
		limit   int
		hasMore bool
	}{
		{name: "default page", query: "", want: []string{"a", "b", "c", "d", "e"}, limit: 50, hasMore: false},
		{name: "newest two", query: "?limit=2", want: []string{"d", "e"}, limit: 2, hasMore: true},
		{name: "offset", query: "?limit=2&offset=1", want: []string{"c", "d"}, limit: 2, hasMore: true},
		{name: "tail", query: "?limit=2&offset=4", want: []string{"a"}, limit: 2, hasMore: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var resp listMessagesResponse
			path := fmt.Sprintf("/conversations/%s/messages%s", convID, tc.query)
			if status := f.do(t, &bob, http.MethodGet, path, nil, &resp); status != http.StatusOK {
				t.Fatalf("status got=%d", status)
			}
			var got []string
			for _, m := range resp.Messages {
				got = append(got, m.Content)
			}
			if strings.Join(got, ",") != strings.Join(tc.want, ",") {
				t.Fatalf("messages got=%v want=%v", got, tc.want)
			}
			if resp.Pagination.Limit != tc.limit || resp.Pagination.HasMore != tc.hasMore {
				t.Fatalf("pagination got=%+v want limit=%d hasMore=%v", resp.Pagination, tc.limit, tc.hasMore)
			}
			if len(resp.Messages) > 0 && resp.Messages[0].SenderName != alice.FullName {
				t.Fatalf("sender name got=%q", resp.Messages[0].SenderName)
			}
		})
	}
}

func TestListMessagesRejections(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})
	convID := f.direct(t, alice, bob)

	var resp errorResponse
	if status := f.do(t, &carol, http.MethodGet, "/conversations/"+convID+"/messages", nil, &resp); status != http.StatusForbidden {
		t.Fatalf("outsider status got=%d want=%d", status, http.StatusForbidden)
	}
	if resp.Message != "You are not a participant of this conversation" {
		t.Fatalf("message got=%q", resp.Message)
	}

	for _, q := range []string{"?limit=abc", "?offset=-1", "?limit=1.5"} {
		if status := f.do(t, &alice, http.MethodGet, "/conversations/"+convID+"/messages"+q, nil, nil); status != http.StatusBadRequest {
			t.Fatalf("query %q status got=%d want=%d", q, status, http.StatusBadRequest)
		}
	}
}

func TestSendMessageBroadcastsToRoom(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})
	convID := f.direct(t, alice, bob)

	sess, err := f.ctrl.Open(bob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(sess.Close)
	if err := sess.Handle(context.Background(), realtime.JoinConversation{ConversationID: convID}); err != nil {
		t.Fatalf("join: %v", err)
	}
	recvType(t, sess.Client(), v1.TypeConversationJoined)

	var resp sendMessageResponse
	status := f.do(t, &alice, http.MethodPost, "/conversations/"+convID+"/messages", map[string]string{
		"content": "  over http  ",
	}, &resp)
	if status != http.StatusCreated {
		t.Fatalf("status got=%d want=%d", status, http.StatusCreated)
	}
	if resp.Message.Content != "over http" || resp.Message.MessageType != string(conversation.MessageText) {
		t.Fatalf("message got=%+v", resp.Message)
	}
	if resp.Message.SenderName != alice.FullName {
		t.Fatalf("sender name got=%q", resp.Message.SenderName)
	}

	var created v1.MessageNewPayload
	env := recvType(t, sess.Client(), v1.TypeMessageNew)
	if err := json.Unmarshal(env.Payload, &created); err != nil {
		t.Fatalf("decode new: %v", err)
	}
	var delivered v1.MessageDeliveredPayload
	env = recvType(t, sess.Client(), v1.TypeMessageDelivered)
	if err := json.Unmarshal(env.Payload, &delivered); err != nil {
		t.Fatalf("decode delivered: %v", err)
	}
	if delivered.TempID != created.ID || delivered.ActualID != resp.Message.ID {
		t.Fatalf("delivered got=%+v want tempId=%s actualId=%s", delivered, created.ID, resp.Message.ID)
	}
}

func TestSendMessageRejections(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, Config{})
	convID := f.direct(t, alice, bob)

	tests := []struct {
		name string
		user identity.User
		body map[string]string
		want int
	}{
		{name: "outsider", user: carol, body: map[string]string{"content": "hi"}, want: http.StatusForbidden},
		{name: "blank text", user: alice, body: map[string]string{"content": "   "}, want: http.StatusBadRequest},
		{name: "bad type", user: alice, body: map[string]string{"content": "hi", "messageType": "sticker"}, want: http.StatusBadRequest},
		{name: "too long", user: alice, body: map[string]string{"content": strings.Repeat("x", realtime.MaxMessageRunes+1)}, want: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u := tc.user
			if status := f.do(t, &u, http.MethodPost, "/conversations/"+convID+"/messages", tc.body, nil); status != tc.want {
				t.Fatalf("status got=%d want=%d", status, tc.want)
			}
		})
	}
}

func TestErrorDetailOnlyInDevelopment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dev  bool
	}{
		{name: "production", dev: false},
		{name: "development", dev: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newAPIFixture(t, Config{Development: tc.dev})
			convID := f.direct(t, alice, bob)

			var resp errorResponse
			f.do(t, &carol, http.MethodGet, "/conversations/"+convID+"/messages", nil, &resp)
			if got := resp.Detail != ""; got != tc.dev {
				t.Fatalf("detail present got=%v want=%v (detail=%q)", got, tc.dev, resp.Detail)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "auth", err: realtime.ErrAuthentication, want: http.StatusUnauthorized},
		{name: "gate", err: realtime.ErrNotAParticipant, want: http.StatusForbidden},
		{name: "store membership", err: conversation.ErrNotParticipant, want: http.StatusForbidden},
		{name: "validation", err: realtime.ValidationError{Field: "content", Reason: "is required"}, want: http.StatusBadRequest},
		{name: "store input", err: conversation.OpError{Op: "x", Kind: conversation.ErrInvalidInput, Msg: "bad"}, want: http.StatusBadRequest},
		{name: "missing", err: conversation.ErrNotFound, want: http.StatusNotFound},
		{name: "shutdown", err: realtime.ErrDispatcherClosed, want: http.StatusServiceUnavailable},
		{name: "unexpected", err: io.ErrUnexpectedEOF, want: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got, _, _ := classify(tc.err); got != tc.want {
			t.Fatalf("%s: status got=%d want=%d", tc.name, got, tc.want)
		}
	}
}
