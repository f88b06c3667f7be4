// Package main provides a CI-friendly end-to-end smoke test for a running
// parley server.
//
// It validates:
//   - get-or-create of the direct conversation between A and B over HTTP
//   - handshake + subprotocol selection for both sockets
//   - join acknowledgement
//   - send -> provisional message:new on both sockets, then message:delivered
//   - the durable id is the newest entry of the HTTP history
//   - typing start/stop relayed to the peer only, with a null name on stop
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "parley/shared/contracts/realtime/v1"
)

const (
	defaultSubprotocol = "parley.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB
	provisionalPrefix  = "tmp_"
)

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL of the server")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		tokenA  = flag.String("token-a", os.Getenv("PARLEY_SMOKE_TOKEN_A"), "Access token of user A")
		tokenB  = flag.String("token-b", os.Getenv("PARLEY_SMOKE_TOKEN_B"), "Access token of user B")
		peerB   = flag.String("peer-b", os.Getenv("PARLEY_SMOKE_USER_B"), "User id of B")
		text    = flag.String("text", "hello parley 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *tokenA == "" || *tokenB == "" || *peerB == "" {
		fatalf("-token-a, -token-b and -peer-b are required")
	}

	root := context.Background()
	base := strings.TrimRight(*baseURL, "/")

	convID := mustGetOrCreate(root, base, *tokenA, *peerB, *timeout)
	if *verbose {
		fmt.Printf("conversation: %s\n", convID)
	}

	wsURL := wsURLFrom(base) + "/ws"
	a := mustConnect(root, "A", wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", wsURL, *origin, *tokenB, *timeout)
	defer closeWS(b.conn)

	mustJoin(root, a, convID, *timeout)
	mustJoin(root, b, convID, *timeout)

	mustSend(root, a, convID, *text, *timeout)

	tempID := mustAssertNew(root, b, convID, *text, *timeout)
	if got := mustAssertNew(root, a, convID, *text, *timeout); got != tempID {
		fatalf("provisional id differs between sockets: A=%q B=%q", got, tempID)
	}
	actualID := mustAssertDelivered(root, b, tempID, *timeout)
	if got := mustAssertDelivered(root, a, tempID, *timeout); got != actualID {
		fatalf("durable id differs between sockets: A=%q B=%q", got, actualID)
	}

	mustHistoryEndsWith(root, base, *tokenB, convID, actualID, *text, *timeout)

	mustTyping(root, b, a, convID, *timeout)

	fmt.Printf("OK: conv_id=%s temp_id=%s actual_id=%s\n", convID, tempID, actualID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func wsURLFrom(base string) string {
	if rest, ok := strings.CutPrefix(base, "https://"); ok {
		return "wss://" + rest
	}
	return "ws://" + strings.TrimPrefix(base, "http://")
}

// ---- HTTP steps ----

func doJSON(parent context.Context, method, target, token string, body any, out any, stepTimeout time.Duration) int {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var rdr *bytes.Reader
	if body != nil {
		rdr = bytes.NewReader(mustJSON(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		fatalf("build %s %s: %v", method, target, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fatalf("decode %s %s (status %d): %v", method, target, resp.StatusCode, err)
		}
	}
	return resp.StatusCode
}

func mustGetOrCreate(parent context.Context, base, token, peer string, stepTimeout time.Duration) string {
	var resp struct {
		Success      bool `json:"success"`
		IsNew        bool `json:"isNew"`
		Conversation struct {
			ID string `json:"id"`
		} `json:"conversation"`
		Message string `json:"message"`
	}
	status := doJSON(parent, http.MethodPost, base+"/conversations/get-or-create", token,
		map[string]string{"participantId": peer}, &resp, stepTimeout)
	if status != http.StatusOK && status != http.StatusCreated {
		fatalf("get-or-create: status=%d message=%q", status, resp.Message)
	}
	if (status == http.StatusCreated) != resp.IsNew {
		fatalf("get-or-create: status=%d disagrees with isNew=%v", status, resp.IsNew)
	}
	if strings.TrimSpace(resp.Conversation.ID) == "" {
		fatalf("get-or-create: missing conversation id")
	}
	return resp.Conversation.ID
}

func mustHistoryEndsWith(parent context.Context, base, token, convID, actualID, text string, stepTimeout time.Duration) {
	var resp struct {
		Messages []struct {
			ID      string `json:"id"`
			Content string `json:"content"`
		} `json:"messages"`
		Pagination struct {
			Limit   int  `json:"limit"`
			HasMore bool `json:"hasMore"`
		} `json:"pagination"`
	}
	target := fmt.Sprintf("%s/conversations/%s/messages?limit=50", base, url.PathEscape(convID))
	if status := doJSON(parent, http.MethodGet, target, token, nil, &resp, stepTimeout); status != http.StatusOK {
		fatalf("history: status=%d", status)
	}
	if len(resp.Messages) == 0 {
		fatalf("history: empty")
	}
	last := resp.Messages[len(resp.Messages)-1]
	if last.ID != actualID || last.Content != text {
		fatalf("history: newest got id=%q content=%q want id=%q content=%q", last.ID, last.Content, actualID, text)
	}
	if resp.Pagination.HasMore != (len(resp.Messages) == resp.Pagination.Limit) {
		fatalf("history: hasMore=%v with %d/%d messages", resp.Pagination.HasMore, len(resp.Messages), resp.Pagination.Limit)
	}
}

// ---- WebSocket steps ----

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	assertSubprotocol(resp, defaultSubprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}
			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *smokeClient) write(parent context.Context, typ string, payload any, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, mustJSON(env)); err != nil {
		fatalf("write %s (%s): %v", typ, c.name, err)
	}
}

func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	c.write(parent, v1.TypeJoinConversation, v1.ConversationRef{ConversationID: convID}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeConversationJoined, stepTimeout)
	var p v1.ConversationJoinedPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal conversation:joined (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("join ack conversation mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
}

func mustSend(parent context.Context, c *smokeClient, convID, text string, stepTimeout time.Duration) {
	c.write(parent, v1.TypeSendMessage, v1.SendMessagePayload{
		ConversationID: convID,
		Content:        text,
	}, stepTimeout)
}

func mustAssertNew(parent context.Context, c *smokeClient, convID, text string, stepTimeout time.Duration) string {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout)

	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message:new (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("new conversation mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if !strings.HasPrefix(p.ID, provisionalPrefix) {
		fatalf("new id is not provisional (%s): %q", c.name, p.ID)
	}
	if p.Content != text {
		fatalf("new content mismatch (%s): got=%q want=%q", c.name, p.Content, text)
	}
	if p.SenderID == "" || p.CreatedAt.IsZero() {
		fatalf("new missing sender or createdAt (%s)", c.name)
	}
	return p.ID
}

func mustAssertDelivered(parent context.Context, c *smokeClient, tempID string, stepTimeout time.Duration) string {
	env := c.mustReadUntilType(parent, v1.TypeMessageDelivered, stepTimeout)

	var p v1.MessageDeliveredPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message:delivered (%s): %v", c.name, err)
	}
	if p.TempID != tempID {
		fatalf("delivered tempId mismatch (%s): got=%q want=%q", c.name, p.TempID, tempID)
	}
	if strings.TrimSpace(p.ActualID) == "" || strings.HasPrefix(p.ActualID, provisionalPrefix) {
		fatalf("delivered actualId invalid (%s): %q", c.name, p.ActualID)
	}
	return p.ActualID
}

func mustTyping(parent context.Context, typist, peer *smokeClient, convID string, stepTimeout time.Duration) {
	typist.write(parent, v1.TypeTypingStart, v1.ConversationRef{ConversationID: convID}, stepTimeout)
	start := peer.mustReadUntilType(parent, v1.TypeUserTyping, stepTimeout)
	var p v1.UserTypingPayload
	if err := json.Unmarshal(start.Payload, &p); err != nil {
		fatalf("unmarshal user:typing (%s): %v", peer.name, err)
	}
	if p.FullName == nil {
		fatalf("typing start without a name (%s)", peer.name)
	}

	typist.write(parent, v1.TypeTypingStop, v1.ConversationRef{ConversationID: convID}, stepTimeout)
	stop := peer.mustReadUntilType(parent, v1.TypeUserTyping, stepTimeout)
	p = v1.UserTypingPayload{}
	if err := json.Unmarshal(stop.Payload, &p); err != nil {
		fatalf("unmarshal user:typing (%s): %v", peer.name, err)
	}
	if p.FullName != nil {
		fatalf("typing stop carries a name (%s): %q", peer.name, *p.FullName)
	}
}

// mustReadUntilType skips presence traffic and fails on server errors.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			switch env.Type {
			case wantType:
				return env
			case v1.TypeError, v1.TypeMessageSendFailed:
				fatalf("server reported %s (%s): %s", env.Type, c.name, env.Payload)
			case v1.TypeUserOnline, v1.TypeUserOffline:
				continue
			default:
				fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
			}
		}
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
