package conversation

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// GroupType distinguishes one-to-one conversations from groups.
type GroupType string

const (
	GroupIndividual GroupType = "individual"
	GroupGroup      GroupType = "group"
)

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
	MessageMixed MessageType = "mixed"
)

// ParseMessageType maps a wire value to a MessageType. Blank means text.
func ParseMessageType(s string) (MessageType, error) {
	switch t := MessageType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return MessageText, nil
	case MessageText, MessageImage, MessageFile, MessageMixed:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported message type %q", s)
	}
}

// Conversation is a chat thread and its participant set.
type Conversation struct {
	ID        string
	GroupType GroupType
	// AdminID is set for groups only.
	AdminID        string
	Name           string
	ParticipantIDs []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is a persisted, immutable chat message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	MessageType    MessageType
	CreatedAt      time.Time
}

// Summary is one entry of a user's conversation list.
type Summary struct {
	Conversation Conversation
	LastMessage  *Message
}

// MessagePage is a window of history in ascending order.
type MessagePage struct {
	Messages []Message
	Limit    int
	Offset   int
	// HasMore is true iff the page is full.
	HasMore bool
}

// Paging limits for ListMessages.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// NormalizePage applies defaults and bounds to a limit/offset pair.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// DirectInput requests the one-to-one conversation between two users.
type DirectInput struct {
	UserID string
	PeerID string
	Now    time.Time
}

// CreateGroupInput creates a group owned by AdminID. The admin is always a participant.
type CreateGroupInput struct {
	AdminID        string
	Name           string
	ParticipantIDs []string
	Now            time.Time
}

// AppendMessageInput describes a message insert. ID and CreatedAt are assigned by the store.
type AppendMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
	MessageType    MessageType
	Now            time.Time
}

// ListMessagesInput selects the Limit most recent messages after skipping Offset newer ones.
type ListMessagesInput struct {
	ConversationID string
	Limit          int
	Offset         int
}

// directKey is the unordered-pair key of a one-to-one conversation.
func directKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func validateDirect(op string, in DirectInput) (DirectInput, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.PeerID = strings.TrimSpace(in.PeerID)
	if in.UserID == "" {
		return in, invalid(op, "user id is required")
	}
	if in.PeerID == "" {
		return in, invalid(op, "participant id is required")
	}
	if in.UserID == in.PeerID {
		return in, invalid(op, "cannot create a conversation with yourself")
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return in, nil
}

func validateGroup(op string, in CreateGroupInput) (CreateGroupInput, []string, error) {
	in.AdminID = strings.TrimSpace(in.AdminID)
	in.Name = strings.TrimSpace(in.Name)
	if in.AdminID == "" {
		return in, nil, invalid(op, "admin id is required")
	}
	seen := map[string]struct{}{in.AdminID: {}}
	members := []string{in.AdminID}
	for _, id := range in.ParticipantIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	if len(members) < 2 {
		return in, nil, invalid(op, "a group needs at least one other participant")
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return in, members, nil
}

func validateAppend(op string, in AppendMessageInput) (AppendMessageInput, error) {
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.SenderID = strings.TrimSpace(in.SenderID)
	if in.ConversationID == "" {
		return in, invalid(op, "conversation id is required")
	}
	if in.SenderID == "" {
		return in, invalid(op, "sender id is required")
	}
	if in.MessageType == "" {
		in.MessageType = MessageText
	}
	if _, err := ParseMessageType(string(in.MessageType)); err != nil {
		return in, invalid(op, err.Error())
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return in, nil
}

// sortSummaries orders by latest activity, newest first.
func sortSummaries(out []Summary) {
	activity := func(s Summary) time.Time {
		if s.LastMessage != nil && s.LastMessage.CreatedAt.After(s.Conversation.UpdatedAt) {
			return s.LastMessage.CreatedAt
		}
		return s.Conversation.UpdatedAt
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := activity(out[i]), activity(out[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].Conversation.ID < out[j].Conversation.ID
	})
}
