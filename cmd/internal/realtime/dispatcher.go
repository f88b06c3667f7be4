package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	"parley/cmd/identity"
	"parley/cmd/internal/conversation"
	v1 "parley/shared/contracts/realtime/v1"
)

// SendFailedMessage is the human-readable text of message:send-failed.
const SendFailedMessage = "Failed to save message"

// ErrDispatcherClosed is returned for sends that arrive after Wait began.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// MessageStore is the slice of conversation.Store the dispatcher needs.
type MessageStore interface {
	ParticipantChecker
	AppendMessage(ctx context.Context, in conversation.AppendMessageInput) (conversation.Message, error)
	ListMessages(ctx context.Context, in conversation.ListMessagesInput) (conversation.MessagePage, error)
}

// Origin identifies who sent a message and over which connection. ConnID is
// empty on the request/response path.
type Origin struct {
	ConnID string
	User   identity.User
}

// SendInput is an unvalidated send request.
type SendInput struct {
	ConversationID string
	Content        string
	MessageType    string
}

// HistoryInput selects a page of history. Zero Limit means the default page size.
type HistoryInput struct {
	ConversationID string
	Limit          int
	Offset         int
}

type DispatcherOptions struct {
	Logger  *slog.Logger
	Metrics *Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

// Dispatcher runs the message pipeline: authorize, broadcast the provisional
// message, persist, then reconcile with message:delivered or report
// message:send-failed to the originating connection.
type Dispatcher struct {
	log     *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time

	reg     *Registry
	gate    *Gate
	store   MessageStore
	tempIDs *ProvisionalIDs

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(reg *Registry, gate *Gate, store MessageStore, opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("parley/realtime")
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{
		log:     opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		now:     opts.Now,
		reg:     reg,
		gate:    gate,
		store:   store,
		tempIDs: NewProvisionalIDs(),
	}
}

// pending is a validated message that has been broadcast provisionally.
type pending struct {
	origin    Origin
	convID    string
	content   string
	msgType   conversation.MessageType
	tempID    string
	createdAt time.Time
}

// Send runs the pipeline for a connection. It returns once the provisional
// broadcast is out; the durable write continues in the background and is
// not cancelled by ctx.
func (d *Dispatcher) Send(ctx context.Context, o Origin, in SendInput) (string, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.send", trace.WithAttributes(
		attribute.String("conversation.id", in.ConversationID),
		attribute.String("user.id", o.User.ID),
	))
	defer span.End()

	if err := d.reserve(); err != nil {
		return "", err
	}
	p, err := d.announce(ctx, o, in)
	if err != nil {
		d.wg.Done()
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("message.temp_id", p.tempID))

	go func() {
		defer d.wg.Done()
		if _, err := d.persist(context.WithoutCancel(ctx), p); err != nil {
			d.fail(p, err)
		}
	}()
	return p.tempID, nil
}

// SendAndWait runs the same pipeline synchronously and returns the durable
// record. The caller's response is the failure signal; no send-failed event
// is emitted.
func (d *Dispatcher) SendAndWait(ctx context.Context, o Origin, in SendInput) (conversation.Message, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.send_and_wait", trace.WithAttributes(
		attribute.String("conversation.id", in.ConversationID),
		attribute.String("user.id", o.User.ID),
	))
	defer span.End()

	if err := d.reserve(); err != nil {
		return conversation.Message{}, err
	}
	defer d.wg.Done()

	p, err := d.announce(ctx, o, in)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return conversation.Message{}, err
	}
	msg, err := d.persist(context.WithoutCancel(ctx), p)
	if err != nil {
		d.metrics.message("failed")
		d.log.Error("dispatcher.persist.failed",
			"conversation_id", p.convID,
			"user_id", p.origin.User.ID,
			"temp_id", p.tempID,
			"err", err,
		)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, conversation.ErrNotParticipant) {
			return conversation.Message{}, ErrNotAParticipant
		}
		return conversation.Message{}, persistence("dispatcher.send", err)
	}
	return msg, nil
}

// History returns an authorized page of messages in ascending order.
func (d *Dispatcher) History(ctx context.Context, userID string, in HistoryInput) (conversation.MessagePage, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.history", trace.WithAttributes(
		attribute.String("conversation.id", in.ConversationID),
	))
	defer span.End()

	if in.Limit < 0 {
		return conversation.MessagePage{}, invalidField("limit", "must not be negative")
	}
	if in.Offset < 0 {
		return conversation.MessagePage{}, invalidField("offset", "must not be negative")
	}
	if err := d.gate.Check(ctx, userID, in.ConversationID); err != nil {
		return conversation.MessagePage{}, err
	}
	page, err := d.store.ListMessages(ctx, conversation.ListMessagesInput{
		ConversationID: in.ConversationID,
		Limit:          in.Limit,
		Offset:         in.Offset,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return conversation.MessagePage{}, persistence("dispatcher.history", err)
	}
	return page, nil
}

// Wait blocks until every in-flight durable write finished or ctx is done.
// Sends that arrive after Wait began are rejected.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) reserve() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	return nil
}

// announce validates, authorizes and emits the provisional message:new.
// Nothing is broadcast when it returns an error.
func (d *Dispatcher) announce(ctx context.Context, o Origin, in SendInput) (pending, error) {
	convID, content, msgType, err := validateSend(in)
	if err != nil {
		d.metrics.reject("validation")
		return pending{}, err
	}
	if err := d.gate.Check(ctx, o.User.ID, convID); err != nil {
		if errors.Is(err, ErrNotAParticipant) {
			d.metrics.reject("not_participant")
		}
		return pending{}, err
	}

	now := d.now()
	tempID, err := d.tempIDs.Next(now)
	if err != nil {
		return pending{}, fmt.Errorf("provisional id: %w", err)
	}
	p := pending{
		origin:    o,
		convID:    convID,
		content:   content,
		msgType:   msgType,
		tempID:    tempID,
		createdAt: now,
	}

	d.reg.Broadcast(convID, newEnvelope(v1.TypeMessageNew, now, v1.MessageNewPayload{
		ID:             tempID,
		ConversationID: convID,
		Content:        content,
		MessageType:    string(msgType),
		SenderID:       o.User.ID,
		SenderName:     o.User.FullName,
		SenderEmail:    o.User.Email,
		CreatedAt:      now,
	}))
	d.metrics.message("provisional")
	return p, nil
}

// persist writes the message and, on success, broadcasts message:delivered.
func (d *Dispatcher) persist(ctx context.Context, p pending) (conversation.Message, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.persist", trace.WithAttributes(
		attribute.String("conversation.id", p.convID),
		attribute.String("message.temp_id", p.tempID),
	))
	defer span.End()

	start := time.Now()
	msg, err := d.store.AppendMessage(ctx, conversation.AppendMessageInput{
		ConversationID: p.convID,
		SenderID:       p.origin.User.ID,
		Content:        p.content,
		MessageType:    p.msgType,
		Now:            p.createdAt,
	})
	d.metrics.persisted(time.Since(start))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return conversation.Message{}, err
	}
	span.SetAttributes(attribute.String("message.id", msg.ID))

	d.reg.Broadcast(p.convID, newEnvelope(v1.TypeMessageDelivered, d.now(), v1.MessageDeliveredPayload{
		TempID:   p.tempID,
		ActualID: msg.ID,
	}))
	d.metrics.message("delivered")
	return msg, nil
}

// fail reports a failed durable write to the originating connection only.
func (d *Dispatcher) fail(p pending, err error) {
	d.metrics.message("failed")
	d.log.Error("dispatcher.persist.failed",
		"conversation_id", p.convID,
		"user_id", p.origin.User.ID,
		"conn_id", p.origin.ConnID,
		"temp_id", p.tempID,
		"err", err,
	)
	if p.origin.ConnID == "" {
		return
	}
	d.reg.Unicast(p.origin.ConnID, newEnvelope(v1.TypeMessageSendFailed, d.now(), v1.MessageSendFailedPayload{
		Message: SendFailedMessage,
		TempID:  p.tempID,
	}))
}

// validateSend normalizes a send request. Content is trimmed and NFC-normalized
// so equivalent text is stored and counted the same way.
func validateSend(in SendInput) (string, string, conversation.MessageType, error) {
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return "", "", "", invalidField("conversationId", "is required")
	}
	msgType, err := conversation.ParseMessageType(in.MessageType)
	if err != nil {
		return "", "", "", invalidField("messageType", err.Error())
	}
	if !utf8.ValidString(in.Content) {
		return "", "", "", invalidField("content", "must be valid UTF-8")
	}
	content := norm.NFC.String(strings.TrimSpace(in.Content))
	if content == "" && msgType == conversation.MessageText {
		return "", "", "", invalidField("content", "is required")
	}
	if utf8.RuneCountInString(content) > MaxMessageRunes {
		return "", "", "", invalidField("content", fmt.Sprintf("must be at most %d characters", MaxMessageRunes))
	}
	return convID, content, msgType, nil
}
