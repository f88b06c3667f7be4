// Package v1 defines the parley realtime protocol v1 contract.
//
// The package is shared between the server and clients and keeps the wire
// protocol authoritative. Event names are wire-stable and must not change.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Inbound event names (client -> server).
const (
	TypeJoinConversation  = "join:conversation"
	TypeLeaveConversation = "leave:conversation"
	TypeSendMessage       = "send:message"
	TypeTypingStart       = "typing:start"
	TypeTypingStop        = "typing:stop"
)

// Outbound event names (server -> client).
const (
	// TypeMessageNew carries a provisional message to every room member.
	TypeMessageNew = "message:new"
	// TypeMessageDelivered reconciles a provisional id with the durable id.
	TypeMessageDelivered = "message:delivered"
	// TypeMessageSendFailed is sent to the originating connection only.
	TypeMessageSendFailed = "message:send-failed"

	TypeUserOnline  = "user:online"
	TypeUserOffline = "user:offline"
	TypeUserTyping  = "user:typing"

	// TypeConversationJoined acknowledges a join that changed membership.
	TypeConversationJoined = "conversation:joined"

	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoinConversation,
		TypeLeaveConversation,
		TypeSendMessage,
		TypeTypingStart,
		TypeTypingStop,
		TypeMessageNew,
		TypeMessageDelivered,
		TypeMessageSendFailed,
		TypeUserOnline,
		TypeUserOffline,
		TypeUserTyping,
		TypeConversationJoined,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// IsInbound reports whether t is an event clients may send.
func IsInbound(t string) bool {
	switch t {
	case TypeJoinConversation, TypeLeaveConversation, TypeSendMessage, TypeTypingStart, TypeTypingStop:
		return true
	}
	return false
}

// ---- Inbound payloads ----

// ConversationRef names a conversation. It decodes from either an object
// {"conversationId": "..."} or a bare JSON string.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

func (r *ConversationRef) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		r.ConversationID = id
		return nil
	}
	type plain ConversationRef
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = ConversationRef(p)
	return nil
}

// SendMessagePayload requests sending a message into a conversation.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType,omitempty"`
}

// ---- Outbound payloads ----

// MessageNewPayload is broadcast to the conversation room. ID is provisional
// when sent by the connection path and is later reconciled by MessageDelivered.
type MessageNewPayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	MessageType    string    `json:"messageType"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	SenderEmail    string    `json:"senderEmail"`
	CreatedAt      time.Time `json:"createdAt"`
}

// MessageDeliveredPayload maps a provisional id to the durable id.
type MessageDeliveredPayload struct {
	TempID   string `json:"tempId"`
	ActualID string `json:"actualId"`
}

// MessageSendFailedPayload reports that the durable write for TempID failed.
type MessageSendFailedPayload struct {
	Message string `json:"message"`
	TempID  string `json:"tempId"`
}

// UserPresencePayload is carried by user:online and user:offline.
type UserPresencePayload struct {
	UserID string `json:"userId"`
}

// UserTypingPayload is carried by user:typing. FullName is nil when typing stops.
type UserTypingPayload struct {
	ConversationID string  `json:"conversationId"`
	UserID         string  `json:"userId"`
	FullName       *string `json:"fullName"`
}

// ConversationJoinedPayload acknowledges a join.
type ConversationJoinedPayload struct {
	ConversationID string `json:"conversationId"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TempID  string `json:"tempId,omitempty"`
}
