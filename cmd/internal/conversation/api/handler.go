// Package conversationapi is the request/response surface for clients that do
// not hold a realtime connection: conversation listing, get-or-create, group
// creation, paged history and attachment-bearing sends.
package conversationapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"parley/cmd/identity"
	"parley/cmd/internal/auth/session"
	"parley/cmd/internal/conversation"
	"parley/cmd/internal/realtime"
)

// Authenticator resolves a credential to an account. *realtime.Controller
// implements it, so both surfaces share one verification path.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (identity.User, error)
}

// Config controls request handling.
type Config struct {
	// Development includes raw error text in error responses.
	Development  bool
	MaxBodyBytes int64
}

// Handler wires HTTP conversation endpoints to the store and dispatcher.
type Handler struct {
	log *slog.Logger
	cfg Config

	auth       Authenticator
	store      conversation.Store
	dir        identity.Directory
	dispatcher *realtime.Dispatcher
}

func NewHandler(log *slog.Logger, cfg Config, auth Authenticator, store conversation.Store, dir identity.Directory, dispatcher *realtime.Dispatcher) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if auth == nil || store == nil || dir == nil || dispatcher == nil {
		return nil, errors.New("conversationapi: missing dependency")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Handler{
		log:        log,
		cfg:        cfg,
		auth:       auth,
		store:      store,
		dir:        dir,
		dispatcher: dispatcher,
	}, nil
}

// Register wires conversation routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /conversations", h.handleList)
	mux.HandleFunc("POST /conversations/get-or-create", h.handleGetOrCreate)
	mux.HandleFunc("POST /conversations/group", h.handleCreateGroup)
	mux.HandleFunc("GET /conversations/{conversationId}/messages", h.handleListMessages)
	mux.HandleFunc("POST /conversations/{conversationId}/messages", h.handleSendMessage)
}

// ---- handlers ----

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	summaries, err := h.store.ListForUser(ctx, user.ID)
	if err != nil {
		h.fail(w, "conversations.list", err)
		return
	}

	var ids []string
	for _, s := range summaries {
		ids = append(ids, s.Conversation.ParticipantIDs...)
	}
	users, err := identity.LookupAll(ctx, h.dir, ids)
	if err != nil {
		h.fail(w, "conversations.list.lookup", err)
		return
	}

	out := make([]summaryResponse, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, toSummaryResponse(s, user.ID, users))
	}
	writeJSON(w, http.StatusOK, listConversationsResponse{Success: true, Conversations: out})
}

func (h *Handler) handleGetOrCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req getOrCreateRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	peerID := strings.TrimSpace(req.ParticipantID)
	if peerID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "participantId is required")
		return
	}
	if peerID == user.ID {
		writeError(w, http.StatusBadRequest, "validation_error", "Cannot create conversation with yourself")
		return
	}

	ctx := r.Context()
	if _, err := h.dir.Lookup(ctx, peerID); err != nil {
		if identity.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", "participant not found")
			return
		}
		h.fail(w, "conversations.get_or_create.lookup", err)
		return
	}

	conv, isNew, err := h.store.GetOrCreateDirect(ctx, conversation.DirectInput{
		UserID: user.ID,
		PeerID: peerID,
		Now:    time.Now().UTC(),
	})
	if err != nil {
		h.fail(w, "conversations.get_or_create", err)
		return
	}

	status, msg := http.StatusOK, "Conversation already exists"
	if isNew {
		status, msg = http.StatusCreated, "Conversation created successfully"
		h.log.Info("conversations.created", "conversation_id", conv.ID, "user_id", user.ID, "peer_id", peerID)
	}
	writeJSON(w, status, getOrCreateResponse{
		Success:      true,
		Message:      msg,
		Conversation: toConversationResponse(conv),
		IsNew:        isNew,
	})
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req createGroupRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	ids := make([]string, 0, len(req.ParticipantIDs))
	for _, id := range req.ParticipantIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	ctx := r.Context()
	found, err := identity.LookupAll(ctx, h.dir, ids)
	if err != nil {
		h.fail(w, "conversations.group.lookup", err)
		return
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			writeError(w, http.StatusNotFound, "not_found", "participant not found: "+id)
			return
		}
	}

	conv, err := h.store.CreateGroup(ctx, conversation.CreateGroupInput{
		AdminID:        user.ID,
		Name:           req.Name,
		ParticipantIDs: ids,
		Now:            time.Now().UTC(),
	})
	if err != nil {
		h.fail(w, "conversations.group", err)
		return
	}

	h.log.Info("conversations.group.created", "conversation_id", conv.ID, "admin_id", user.ID, "participants", len(conv.ParticipantIDs))
	writeJSON(w, http.StatusCreated, createGroupResponse{
		Success:      true,
		Message:      "Group created successfully",
		Conversation: toConversationResponse(conv),
	})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset")
	if !ok {
		return
	}

	ctx := r.Context()
	page, err := h.dispatcher.History(ctx, user.ID, realtime.HistoryInput{
		ConversationID: r.PathValue("conversationId"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		h.fail(w, "messages.list", err)
		return
	}

	senderIDs := make([]string, 0, len(page.Messages))
	for _, m := range page.Messages {
		senderIDs = append(senderIDs, m.SenderID)
	}
	senders, err := identity.LookupAll(ctx, h.dir, senderIDs)
	if err != nil {
		h.fail(w, "messages.list.lookup", err)
		return
	}

	out := make([]messageResponse, 0, len(page.Messages))
	for _, m := range page.Messages {
		out = append(out, toMessageResponse(m, senders[m.SenderID]))
	}
	writeJSON(w, http.StatusOK, listMessagesResponse{
		Success:  true,
		Messages: out,
		Pagination: paginationResponse{
			Limit:   page.Limit,
			Offset:  page.Offset,
			HasMore: page.HasMore,
		},
	})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	msg, err := h.dispatcher.SendAndWait(r.Context(), realtime.Origin{User: user}, realtime.SendInput{
		ConversationID: r.PathValue("conversationId"),
		Content:        req.Content,
		MessageType:    req.MessageType,
	})
	if err != nil {
		h.fail(w, "messages.send", err)
		return
	}
	writeJSON(w, http.StatusCreated, sendMessageResponse{
		Success: true,
		Message: toMessageResponse(msg, user),
	})
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (identity.User, bool) {
	token, err := session.TokenFromRequest(r, false)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing access token")
		return identity.User{}, false
	}
	u, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, realtime.ErrAuthentication) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return identity.User{}, false
		}
		h.fail(w, "auth", err)
		return identity.User{}, false
	}
	return u, true
}

// fail maps a domain error to a status code. Unexpected failures are logged
// and reported generically.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status, code, msg := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("api."+op+".fail", "err", err)
	}
	resp := errorResponse{Code: code, Message: msg}
	if h.cfg.Development {
		resp.Detail = err.Error()
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, string, string) {
	var verr realtime.ValidationError
	var opErr conversation.OpError
	switch {
	case errors.Is(err, realtime.ErrAuthentication):
		return http.StatusUnauthorized, "unauthorized", "invalid token"
	case errors.Is(err, realtime.ErrNotAParticipant), errors.Is(err, conversation.ErrNotParticipant):
		return http.StatusForbidden, "not_a_participant", "You are not a participant of this conversation"
	case errors.As(err, &verr):
		return http.StatusBadRequest, "validation_error", verr.Error()
	case errors.Is(err, conversation.ErrInvalidInput) && errors.As(err, &opErr):
		return http.StatusBadRequest, "validation_error", opErr.Msg
	case errors.Is(err, conversation.ErrNotFound), identity.IsNotFound(err):
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, realtime.ErrDispatcherClosed):
		return http.StatusServiceUnavailable, "unavailable", "server is shutting down"
	default:
		return http.StatusInternalServerError, "server_error", "Internal server error"
	}
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "validation_error", key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
