package conversationapi

import (
	"time"

	"parley/cmd/identity"
	"parley/cmd/internal/conversation"
)

type getOrCreateRequest struct {
	ParticipantID string `json:"participantId"`
}

type createGroupRequest struct {
	Name           string   `json:"name"`
	ParticipantIDs []string `json:"participantIds"`
}

type sendMessageRequest struct {
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
}

type participantResponse struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

type conversationResponse struct {
	ID             string    `json:"id"`
	GroupType      string    `json:"groupType"`
	Name           string    `json:"name,omitempty"`
	AdminID        string    `json:"adminId,omitempty"`
	ParticipantIDs []string  `json:"participantIds"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type summaryResponse struct {
	ID           string                `json:"id"`
	GroupType    string                `json:"groupType"`
	Name         string                `json:"name,omitempty"`
	CreatedAt    time.Time             `json:"createdAt"`
	Participants []participantResponse `json:"participants"`
	LastMessage  *lastMessageResponse  `json:"lastMessage"`
}

type lastMessageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	MessageType    string    `json:"messageType"`
	CreatedAt      time.Time `json:"createdAt"`
}

type messageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	MessageType    string    `json:"messageType"`
	CreatedAt      time.Time `json:"createdAt"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	SenderEmail    string    `json:"senderEmail"`
}

type paginationResponse struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

type listConversationsResponse struct {
	Success       bool              `json:"success"`
	Conversations []summaryResponse `json:"conversations"`
}

type getOrCreateResponse struct {
	Success      bool                 `json:"success"`
	Message      string               `json:"message"`
	Conversation conversationResponse `json:"conversation"`
	IsNew        bool                 `json:"isNew"`
}

type createGroupResponse struct {
	Success      bool                 `json:"success"`
	Message      string               `json:"message"`
	Conversation conversationResponse `json:"conversation"`
}

type listMessagesResponse struct {
	Success    bool               `json:"success"`
	Messages   []messageResponse  `json:"messages"`
	Pagination paginationResponse `json:"pagination"`
}

type sendMessageResponse struct {
	Success bool            `json:"success"`
	Message messageResponse `json:"message"`
}

func toConversationResponse(c conversation.Conversation) conversationResponse {
	ids := c.ParticipantIDs
	if ids == nil {
		ids = []string{}
	}
	return conversationResponse{
		ID:             c.ID,
		GroupType:      string(c.GroupType),
		Name:           c.Name,
		AdminID:        c.AdminID,
		ParticipantIDs: ids,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

// toSummaryResponse lists the other participants of s; accounts missing from
// users are omitted.
func toSummaryResponse(s conversation.Summary, self string, users map[string]identity.User) summaryResponse {
	out := summaryResponse{
		ID:           s.Conversation.ID,
		GroupType:    string(s.Conversation.GroupType),
		Name:         s.Conversation.Name,
		CreatedAt:    s.Conversation.CreatedAt,
		Participants: []participantResponse{},
	}
	for _, id := range s.Conversation.ParticipantIDs {
		if id == self {
			continue
		}
		u, ok := users[id]
		if !ok {
			continue
		}
		out.Participants = append(out.Participants, participantResponse{ID: u.ID, FullName: u.FullName, Email: u.Email})
	}
	if m := s.LastMessage; m != nil {
		out.LastMessage = &lastMessageResponse{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Content:        m.Content,
			MessageType:    string(m.MessageType),
			CreatedAt:      m.CreatedAt,
		}
	}
	return out
}

func toMessageResponse(m conversation.Message, sender identity.User) messageResponse {
	return messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		MessageType:    string(m.MessageType),
		CreatedAt:      m.CreatedAt,
		SenderID:       m.SenderID,
		SenderName:     sender.FullName,
		SenderEmail:    sender.Email,
	}
}
