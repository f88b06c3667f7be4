package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"parley/cmd/identity"
	"parley/cmd/internal/auth/session"
	v1 "parley/shared/contracts/realtime/v1"
)

// State is the lifecycle state of a connection.
//
// Connecting and Authenticated are handshake phases. The transport holds
// them between the upgrade request and Controller.Open, before any Session
// exists, so a Session only ever reports Active or Closed.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ControllerDeps wires the controller to its collaborators.
type ControllerDeps struct {
	Verifier   session.Verifier
	Directory  identity.Directory
	Registry   *Registry
	Gate       *Gate
	Dispatcher *Dispatcher
	Presence   *Presence
	Typing     *Typing
	Logger     *slog.Logger

	// SendQueueSize bounds each client's outbound queue.
	SendQueueSize int
}

// Controller drives connections through Connecting, Authenticated, Active
// and Closed. Transports call Authenticate during the handshake and Open once
// the connection is established.
type Controller struct {
	verifier   session.Verifier
	dir        identity.Directory
	reg        *Registry
	gate       *Gate
	dispatcher *Dispatcher
	presence   *Presence
	typing     *Typing
	log        *slog.Logger
	queueSize  int
	now        func() time.Time
}

func NewController(d ControllerDeps) (*Controller, error) {
	switch {
	case d.Verifier == nil:
		return nil, errors.New("realtime: controller requires a token verifier")
	case d.Directory == nil:
		return nil, errors.New("realtime: controller requires a directory")
	case d.Registry == nil || d.Gate == nil || d.Dispatcher == nil:
		return nil, errors.New("realtime: controller requires registry, gate and dispatcher")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Presence == nil {
		d.Presence = NewPresence(d.Registry, d.Logger)
	}
	if d.Typing == nil {
		d.Typing = NewTyping(d.Registry, d.Gate)
	}
	if d.SendQueueSize <= 0 {
		d.SendQueueSize = defaultSendQueueSize
	}
	return &Controller{
		verifier:   d.Verifier,
		dir:        d.Directory,
		reg:        d.Registry,
		gate:       d.Gate,
		dispatcher: d.Dispatcher,
		presence:   d.Presence,
		typing:     d.Typing,
		log:        d.Logger,
		queueSize:  d.SendQueueSize,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Authenticate verifies a credential and resolves its identity.
// Every failure to establish who the caller is maps to ErrAuthentication;
// a directory outage is a PersistenceError.
func (c *Controller) Authenticate(ctx context.Context, credential string) (identity.User, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return identity.User{}, fmt.Errorf("%w: missing credential", ErrAuthentication)
	}
	claims, err := c.verifier.Verify(credential, c.now())
	if err != nil {
		return identity.User{}, errors.Join(ErrAuthentication, err)
	}
	u, err := c.dir.Lookup(ctx, claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) || identity.IsInvalidInput(err) {
			return identity.User{}, errors.Join(ErrAuthentication, err)
		}
		return identity.User{}, persistence("controller.authenticate", err)
	}
	return u, nil
}

// Open moves an authenticated identity to Active: the connection is
// registered, presence is evaluated and the private room is joined.
func (c *Controller) Open(user identity.User) (*Session, error) {
	now := c.now()
	connID, err := NewConnectionID(now)
	if err != nil {
		return nil, fmt.Errorf("connection id: %w", err)
	}
	client := NewClient(connID, user, c.queueSize, now)

	if err := c.presence.Connect(client); err != nil {
		return nil, err
	}
	if _, err := c.reg.JoinRoom(client.ID, PrivateRoom(user.ID)); err != nil {
		c.presence.Disconnect(client)
		return nil, err
	}

	c.log.Info("realtime.session.open",
		"conn_id", client.ID,
		"user_id", user.ID,
		"connections", c.reg.ConnectionsFor(user.ID),
	)
	s := &Session{ctrl: c, client: client}
	s.state = StateActive
	return s, nil
}

// Session is one Active connection. Handle is the transition function over
// the closed command set; Close is the terminal transition.
type Session struct {
	ctrl   *Controller
	client *Client

	mu    sync.Mutex
	state State
}

func (s *Session) Client() *Client { return s.client }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle executes one command. Errors are scoped to this connection:
// ErrNotAParticipant, ValidationError and PersistenceError are reported to
// the originator and never broadcast.
func (s *Session) Handle(ctx context.Context, cmd Command) error {
	if s.State() != StateActive {
		return ErrSessionClosed
	}
	c := s.ctrl

	switch cmd := cmd.(type) {
	case JoinConversation:
		convID := strings.TrimSpace(cmd.ConversationID)
		if convID == "" {
			return invalidField("conversationId", "is required")
		}
		if err := c.gate.Check(ctx, s.client.User.ID, convID); err != nil {
			return err
		}
		joined, err := c.reg.JoinRoom(s.client.ID, convID)
		if err != nil {
			return err
		}
		if joined {
			c.reg.Unicast(s.client.ID, newEnvelope(v1.TypeConversationJoined, c.now(), v1.ConversationJoinedPayload{
				ConversationID: convID,
			}))
		}
		return nil

	case LeaveConversation:
		convID := strings.TrimSpace(cmd.ConversationID)
		if convID == "" {
			return invalidField("conversationId", "is required")
		}
		if convID == PrivateRoom(s.client.User.ID) {
			return nil
		}
		_, err := c.reg.LeaveRoom(s.client.ID, convID)
		return err

	case SendMessage:
		_, err := c.dispatcher.Send(ctx, Origin{ConnID: s.client.ID, User: s.client.User}, SendInput{
			ConversationID: cmd.ConversationID,
			Content:        cmd.Content,
			MessageType:    cmd.MessageType,
		})
		return err

	case TypingStart:
		return c.typing.Start(ctx, s.client, cmd.ConversationID)

	case TypingStop:
		return c.typing.Stop(ctx, s.client, cmd.ConversationID)

	default:
		return fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

// Close unregisters the connection and re-evaluates presence. Durable
// writes already in flight still complete and broadcast to the room.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.client.Close()
	s.ctrl.presence.Disconnect(s.client)
	s.ctrl.log.Info("realtime.session.closed",
		"conn_id", s.client.ID,
		"user_id", s.client.User.ID,
		"duration_ms", time.Since(s.client.CreatedAt).Milliseconds(),
	)
}
