package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"parley/cmd/identity"
	"parley/cmd/internal/auth/session"
	v1 "parley/shared/contracts/realtime/v1"
)

const (
	// WSSubprotocolV1 is offered during the upgrade. Clients that do not
	// request it are accepted unless GatewayConfig.RequireSubprotocol is set.
	WSSubprotocolV1 = "parley.realtime.v1"

	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// GatewayConfig is the transport policy of the WebSocket gateway.
type GatewayConfig struct {
	// DevInsecure disables the origin check inside websocket.Accept. Dev only.
	DevInsecure bool `env:"PARLEY_WS_DEV_INSECURE" envDefault:"false"`

	OriginRequired bool     `env:"PARLEY_WS_ORIGIN_REQUIRED" envDefault:"true"`
	AllowedOrigins []string `env:"PARLEY_WS_ALLOWED_ORIGINS" envDefault:"http://localhost,http://127.0.0.1" envSeparator:","`

	RequireSubprotocol bool `env:"PARLEY_WS_REQUIRE_SUBPROTOCOL" envDefault:"false"`
	// AllowQueryToken accepts the credential from the "token" query parameter,
	// for browsers that cannot set headers on upgrade requests.
	AllowQueryToken bool `env:"PARLEY_WS_ALLOW_QUERY_TOKEN" envDefault:"true"`

	SendQueueSize   int           `env:"PARLEY_WS_SEND_QUEUE" envDefault:"256"`
	WriteTimeout    time.Duration `env:"PARLEY_WS_WRITE_TIMEOUT" envDefault:"5s"`
	ReadIdleTimeout time.Duration `env:"PARLEY_WS_READ_IDLE_TIMEOUT" envDefault:"2m"`

	HeartbeatInterval time.Duration `env:"PARLEY_WS_HEARTBEAT_INTERVAL" envDefault:"25s"`
	HeartbeatTimeout  time.Duration `env:"PARLEY_WS_HEARTBEAT_TIMEOUT" envDefault:"5s"`

	RateEvents int           `env:"PARLEY_WS_RATE_EVENTS" envDefault:"120"`
	RateWindow time.Duration `env:"PARLEY_WS_RATE_WINDOW" envDefault:"10s"`
}

// DefaultGatewayConfig mirrors the envDefault values.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		AllowQueryToken:   true,
		SendQueueSize:     defaultSendQueueSize,
		WriteTimeout:      5 * time.Second,
		ReadIdleTimeout:   2 * time.Minute,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway is the WebSocket entrypoint.
//
// It enforces origin policy, authenticates the upgrade request, runs the
// writer, heartbeat and read loops of each connection and hands decoded
// commands to the connection's Session.
type WSGateway struct {
	log  *slog.Logger
	ctrl *Controller
	cfg  GatewayConfig

	// Derived for websocket.Accept origin checks, which only authorize
	// cross-origin requests whose host matches a pattern.
	originPatterns []string
}

func NewWSGateway(log *slog.Logger, ctrl *Controller, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		ctrl:           ctrl,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates and upgrades the request, then runs the connection
// until either side closes it.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// StateConnecting -> StateAuthenticated. Failures never reach the upgrade.
	user, err := g.authenticate(r)
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		g.log.Error("ws.auth.fail", "err", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{WSSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if g.cfg.RequireSubprotocol && conn.Subprotocol() != WSSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", conn.Subprotocol(), "want", WSSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	// StateAuthenticated -> StateActive.
	sess, err := g.ctrl.Open(user)
	if err != nil {
		g.log.Error("ws.open.fail", "user_id", user.ID, "err", err)
		_ = conn.Close(websocket.StatusInternalError, "open failed")
		return
	}
	client := sess.Client()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Closed by the registry (slow consumer or server shutdown).
				shutdown(websocket.StatusGoingAway, "closed by server")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", client.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", client.ID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				// A frame was read; it still counts against the limiter.
			default:
				g.log.Info("ws.read.fail", "conn_id", client.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			code, msg := wireError(ErrRateLimited)
			g.ctrl.dispatcher.metrics.reject(code)
			g.trySendError(client, code, msg, "")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err != nil {
			g.trySendError(client, "bad_json", "invalid JSON", "")
			continue readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error(), "")
			continue readLoop
		}

		cmd, err := DecodeCommand(env)
		if err == nil {
			err = sess.Handle(ctx, cmd)
		}
		if err != nil {
			if errors.Is(err, ErrSessionClosed) {
				break readLoop
			}
			code, msg := wireError(err)
			g.log.Info("ws.command.rejected", "conn_id", client.ID, "user_id", client.User.ID, "type", env.Type, "code", code, "err", err)
			g.trySendError(client, code, msg, "")
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) authenticate(r *http.Request) (identity.User, error) {
	tok, err := session.TokenFromRequest(r, g.cfg.AllowQueryToken)
	if err != nil {
		return identity.User{}, errors.Join(ErrAuthentication, err)
	}
	return g.ctrl.Authenticate(r.Context(), tok)
}

// wireError maps a command failure to a client-facing code and message.
// Only validation messages echo detail; they describe the client's own input.
func wireError(err error) (code, msg string) {
	var verr ValidationError
	switch {
	case errors.As(err, &verr):
		return "validation_error", verr.Error()
	case errors.Is(err, ErrNotAParticipant):
		return "not_a_participant", "not a participant of this conversation"
	case errors.Is(err, ErrPersistence):
		return "persistence_error", "temporary failure, try again"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited", "too many events"
	case errors.Is(err, ErrUnknownCommand):
		return "unsupported", err.Error()
	case errors.Is(err, ErrDispatcherClosed):
		return "unavailable", "server is shutting down"
	default:
		return "internal_error", "internal error"
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(client *Client, code, msg, tempID string) {
	env := errorEnvelope(time.Now().UTC(), code, msg, tempID)
	_ = enqueue(client, env)
}

// enqueue is the non-blocking send used for replies to the reading
// connection. A full queue drops the reply.
func enqueue(client *Client, env v1.Envelope) bool {
	select {
	case <-client.Done():
		return false
	default:
	}
	select {
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

var errBadFrame = errors.New("bad frame")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("%w: unsupported message type %v", errBadFrame, mt)
	}

	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, errBadFrame) {
		return readErrBadJSON
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match ignores scheme and port.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return ""
		}
		return strings.ToLower(u.Hostname())
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted, unique hosts of
// the allowlist. websocket.Accept matches them with filepath.Match.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
