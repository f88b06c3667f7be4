package realtime

import (
	"encoding/json"
	"fmt"

	v1 "parley/shared/contracts/realtime/v1"
)

// Command is the closed set of inbound connection commands.
type Command interface {
	command()
}

type JoinConversation struct{ ConversationID string }

type LeaveConversation struct{ ConversationID string }

type SendMessage struct {
	ConversationID string
	Content        string
	MessageType    string
}

type TypingStart struct{ ConversationID string }

type TypingStop struct{ ConversationID string }

func (JoinConversation) command()  {}
func (LeaveConversation) command() {}
func (SendMessage) command()       {}
func (TypingStart) command()       {}
func (TypingStop) command()        {}

// DecodeCommand maps an inbound envelope to its Command. Outbound or unknown
// types yield ErrUnknownCommand; malformed payloads yield a ValidationError.
func DecodeCommand(env v1.Envelope) (Command, error) {
	switch env.Type {
	case v1.TypeJoinConversation, v1.TypeLeaveConversation, v1.TypeTypingStart, v1.TypeTypingStop:
		var ref v1.ConversationRef
		if err := decodePayload(env.Payload, &ref); err != nil {
			return nil, err
		}
		switch env.Type {
		case v1.TypeJoinConversation:
			return JoinConversation{ConversationID: ref.ConversationID}, nil
		case v1.TypeLeaveConversation:
			return LeaveConversation{ConversationID: ref.ConversationID}, nil
		case v1.TypeTypingStart:
			return TypingStart{ConversationID: ref.ConversationID}, nil
		default:
			return TypingStop{ConversationID: ref.ConversationID}, nil
		}

	case v1.TypeSendMessage:
		var p v1.SendMessagePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		return SendMessage{
			ConversationID: p.ConversationID,
			Content:        p.Content,
			MessageType:    p.MessageType,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Type)
	}
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return invalidField("payload", "is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalidField("payload", "malformed")
	}
	return nil
}
