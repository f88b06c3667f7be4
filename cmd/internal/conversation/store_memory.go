package conversation

import (
	"context"
	"sort"
	"strings"
	"sync"

	"parley/cmd/identity/ids"
)

const memMaxMessagesPerConversation = 10_000

// MemoryStore is a dev-only Store used when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	convs   map[string]*memConv
	direct  map[string]string // direct key -> conversation id
	byUser  map[string]map[string]struct{}
	newUUID func() string
}

type memConv struct {
	conv    Conversation
	members map[string]struct{}
	msgs    []Message // insertion order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:   make(map[string]*memConv),
		direct:  make(map[string]string),
		byUser:  make(map[string]map[string]struct{}),
		newUUID: ids.NewUUID,
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.convs[strings.TrimSpace(conversationID)]
	if c == nil {
		return false, nil
	}
	_, ok := c.members[strings.TrimSpace(userID)]
	return ok, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	const op = "conversation.MemoryStore.GetConversation"

	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.convs[strings.TrimSpace(conversationID)]
	if c == nil {
		return Conversation{}, notFound(op, "conversation")
	}
	return c.snapshot(), nil
}

func (s *MemoryStore) GetOrCreateDirect(ctx context.Context, in DirectInput) (Conversation, bool, error) {
	const op = "conversation.MemoryStore.GetOrCreateDirect"

	in, err := validateDirect(op, in)
	if err != nil {
		return Conversation{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}

	key := directKey(in.UserID, in.PeerID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.direct[key]; ok {
		return s.convs[id].snapshot(), false, nil
	}

	c := s.insertLocked(Conversation{
		ID:        s.newUUID(),
		GroupType: GroupIndividual,
		CreatedAt: in.Now,
		UpdatedAt: in.Now,
	}, []string{in.UserID, in.PeerID})
	s.direct[key] = c.conv.ID
	return c.snapshot(), true, nil
}

func (s *MemoryStore) CreateGroup(ctx context.Context, in CreateGroupInput) (Conversation, error) {
	const op = "conversation.MemoryStore.CreateGroup"

	in, members, err := validateGroup(op, in)
	if err != nil {
		return Conversation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.insertLocked(Conversation{
		ID:        s.newUUID(),
		GroupType: GroupGroup,
		AdminID:   in.AdminID,
		Name:      in.Name,
		CreatedAt: in.Now,
		UpdatedAt: in.Now,
	}, members)
	return c.snapshot(), nil
}

func (s *MemoryStore) insertLocked(conv Conversation, members []string) *memConv {
	c := &memConv{conv: conv, members: make(map[string]struct{}, len(members))}
	for _, m := range members {
		c.members[m] = struct{}{}
		c.conv.ParticipantIDs = append(c.conv.ParticipantIDs, m)
		set := s.byUser[m]
		if set == nil {
			set = make(map[string]struct{})
			s.byUser[m] = set
		}
		set[conv.ID] = struct{}{}
	}
	s.convs[conv.ID] = c
	return c
}

func (s *MemoryStore) ListForUser(ctx context.Context, userID string) ([]Summary, error) {
	const op = "conversation.MemoryStore.ListForUser"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, invalid(op, "user id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]Summary, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		c := s.convs[id]
		sum := Summary{Conversation: c.snapshot()}
		if len(c.msgs) > 0 {
			last := c.latestLocked()
			sum.LastMessage = &last
		}
		out = append(out, sum)
	}
	s.mu.RUnlock()

	sortSummaries(out)
	return out, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "conversation.MemoryStore.AppendMessage"

	in, err := validateAppend(op, in)
	if err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		return Message{}, notFound(op, "conversation")
	}
	if _, ok := c.members[in.SenderID]; !ok {
		return Message{}, notParticipant(op)
	}

	msg := Message{
		ID:             s.newUUID(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		MessageType:    in.MessageType,
		CreatedAt:      in.Now,
	}
	c.msgs = append(c.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}
	return msg, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, in ListMessagesInput) (MessagePage, error) {
	const op = "conversation.MemoryStore.ListMessages"

	id := strings.TrimSpace(in.ConversationID)
	if id == "" {
		return MessagePage{}, invalid(op, "conversation id is required")
	}
	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}
	limit, offset := NormalizePage(in.Limit, in.Offset)

	s.mu.RLock()
	var snap []Message
	if c := s.convs[id]; c != nil {
		snap = c.orderedLocked()
	}
	s.mu.RUnlock()

	// snap is ascending; the window is counted from the newest end.
	end := len(snap) - offset
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := append([]Message(nil), snap[start:end]...)

	return MessagePage{
		Messages: out,
		Limit:    limit,
		Offset:   offset,
		HasMore:  len(out) == limit,
	}, nil
}

func (c *memConv) snapshot() Conversation {
	out := c.conv
	out.ParticipantIDs = append([]string(nil), c.conv.ParticipantIDs...)
	return out
}

// orderedLocked returns messages by CreatedAt, ties by insertion order.
func (c *memConv) orderedLocked() []Message {
	out := append([]Message(nil), c.msgs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (c *memConv) latestLocked() Message {
	ordered := c.orderedLocked()
	return ordered[len(ordered)-1]
}
