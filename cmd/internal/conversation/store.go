package conversation

import "context"

// Store persists conversations, participants and messages.
//
// Requirements:
//   - GetOrCreateDirect is serialized per unordered user pair: concurrent
//     callers observe one conversation and exactly one of them sees isNew.
//   - AppendMessage rejects senders that are not participants at write time.
//   - ListMessages returns the newest window (after Offset) in ascending order.
type Store interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	GetOrCreateDirect(ctx context.Context, in DirectInput) (conv Conversation, isNew bool, err error)
	CreateGroup(ctx context.Context, in CreateGroupInput) (Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]Summary, error)
	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)
	ListMessages(ctx context.Context, in ListMessagesInput) (MessagePage, error)
	Close() error
}
