package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"parley/cmd/identity/ids"
	"parley/cmd/internal/storage/pgschema"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - GetOrCreateDirect takes a transactional advisory lock on the pair key,
//     backed by a unique constraint on direct_key.
//   - AppendMessage is a single conditional insert; the participant check and
//     the write cannot interleave with anything else.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("conversation: empty schema")
		}
		if !pgschema.ValidIdent(schema) {
			return errors.New("conversation: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("conversation: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

func (s *PostgresStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	conversationID, userID = strings.TrimSpace(conversationID), strings.TrimSpace(userID)
	if conversationID == "" || userID == "" {
		return false, nil
	}

	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM `+s.table("conversation_participants")+`
		    WHERE conversation_id = $1 AND user_id = $2
		 )`,
		conversationID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("conversation: is participant: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	const op = "conversation.PostgresStore.GetConversation"

	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return Conversation{}, invalid(op, "conversation id is required")
	}
	c, err := s.readConversation(ctx, s.pool, `id = $1`, conversationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, notFound(op, "conversation")
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

func (s *PostgresStore) GetOrCreateDirect(ctx context.Context, in DirectInput) (Conversation, bool, error) {
	const op = "conversation.PostgresStore.GetOrCreateDirect"

	in, err := validateDirect(op, in)
	if err != nil {
		return Conversation{}, false, err
	}
	key := directKey(in.UserID, in.PeerID)
	now := in.Now.UTC().Truncate(time.Microsecond)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Conversation{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize get-or-create per unordered pair.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return Conversation{}, false, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := s.readConversation(ctx, tx, `direct_key = $1`, key)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return Conversation{}, false, err
		}
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, false, fmt.Errorf("%s: %w", op, err)
	}

	c := Conversation{
		ID:        ids.NewUUID(),
		GroupType: GroupIndividual,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("conversations")+` (id, group_type, admin_id, name, direct_key, created_at, updated_at)
		 VALUES ($1, $2, NULL, '', $3, $4, $4)`,
		c.ID, string(c.GroupType), key, now,
	); err != nil {
		return Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}
	if err := s.insertParticipants(ctx, tx, c.ID, []string{in.UserID, in.PeerID}, now); err != nil {
		return Conversation{}, false, err
	}
	c.ParticipantIDs = []string{in.UserID, in.PeerID}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, false, err
	}
	return c, true, nil
}

func (s *PostgresStore) CreateGroup(ctx context.Context, in CreateGroupInput) (Conversation, error) {
	const op = "conversation.PostgresStore.CreateGroup"

	in, members, err := validateGroup(op, in)
	if err != nil {
		return Conversation{}, err
	}
	now := in.Now.UTC().Truncate(time.Microsecond)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c := Conversation{
		ID:             ids.NewUUID(),
		GroupType:      GroupGroup,
		AdminID:        in.AdminID,
		Name:           in.Name,
		ParticipantIDs: members,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("conversations")+` (id, group_type, admin_id, name, direct_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NULL, $5, $5)`,
		c.ID, string(c.GroupType), c.AdminID, c.Name, now,
	); err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	if err := s.insertParticipants(ctx, tx, c.ID, members, now); err != nil {
		return Conversation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func (s *PostgresStore) insertParticipants(ctx context.Context, tx pgx.Tx, conversationID string, members []string, now time.Time) error {
	participants := s.table("conversation_participants")
	for _, m := range members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+participants+` (conversation_id, user_id, joined_at) VALUES ($1, $2, $3)
			 ON CONFLICT (conversation_id, user_id) DO NOTHING`,
			conversationID, m, now,
		); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListForUser(ctx context.Context, userID string) ([]Summary, error) {
	const op = "conversation.PostgresStore.ListForUser"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, invalid(op, "user id is required")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.group_type, COALESCE(c.admin_id, ''), c.name, c.created_at, c.updated_at,
		        lm.id, lm.sender_id, lm.content, lm.message_type, lm.created_at
		   FROM `+s.table("conversation_participants")+` p
		   JOIN `+s.table("conversations")+` c ON c.id = p.conversation_id
		   LEFT JOIN LATERAL (
		        SELECT m.id, m.sender_id, m.content, m.message_type, m.created_at
		          FROM `+s.table("conversation_messages")+` m
		         WHERE m.conversation_id = c.id
		         ORDER BY m.created_at DESC, m.seq DESC
		         LIMIT 1
		   ) lm ON true
		  WHERE p.user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var (
		out   []Summary
		index = make(map[string]int)
	)
	for rows.Next() {
		var (
			c         Conversation
			groupType string
			lmID      *string
			lmSender  *string
			lmContent *string
			lmType    *string
			lmAt      *time.Time
		)
		if err := rows.Scan(&c.ID, &groupType, &c.AdminID, &c.Name, &c.CreatedAt, &c.UpdatedAt,
			&lmID, &lmSender, &lmContent, &lmType, &lmAt); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		c.GroupType = GroupType(groupType)
		sum := Summary{Conversation: c}
		if lmID != nil {
			sum.LastMessage = &Message{
				ID:             *lmID,
				ConversationID: c.ID,
				SenderID:       *lmSender,
				Content:        *lmContent,
				MessageType:    MessageType(*lmType),
				CreatedAt:      *lmAt,
			}
		}
		index[c.ID] = len(out)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(out) == 0 {
		return out, nil
	}

	convIDs := make([]string, 0, len(out))
	for _, sum := range out {
		convIDs = append(convIDs, sum.Conversation.ID)
	}
	prow, err := s.pool.Query(ctx,
		`SELECT conversation_id, user_id FROM `+s.table("conversation_participants")+`
		  WHERE conversation_id = ANY($1)
		  ORDER BY joined_at ASC, user_id ASC`,
		convIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: participants: %w", op, err)
	}
	defer prow.Close()
	for prow.Next() {
		var convID, uid string
		if err := prow.Scan(&convID, &uid); err != nil {
			return nil, fmt.Errorf("%s: scan participant: %w", op, err)
		}
		i := index[convID]
		out[i].Conversation.ParticipantIDs = append(out[i].Conversation.ParticipantIDs, uid)
	}
	if err := prow.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sortSummaries(out)
	return out, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "conversation.PostgresStore.AppendMessage"

	in, err := validateAppend(op, in)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:             ids.NewUUID(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		MessageType:    in.MessageType,
		CreatedAt:      in.Now.UTC().Truncate(time.Microsecond),
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("conversation_messages")+`
		     (id, conversation_id, sender_id, content, message_type, created_at)
		 SELECT $1, $2, $3, $4, $5, $6
		  WHERE EXISTS (
		        SELECT 1 FROM `+s.table("conversation_participants")+`
		         WHERE conversation_id = $2 AND user_id = $3
		  )`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, string(msg.MessageType), msg.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return Message{}, notParticipant(op)
	}
	return msg, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, in ListMessagesInput) (MessagePage, error) {
	const op = "conversation.PostgresStore.ListMessages"

	id := strings.TrimSpace(in.ConversationID)
	if id == "" {
		return MessagePage{}, invalid(op, "conversation id is required")
	}
	limit, offset := NormalizePage(in.Limit, in.Offset)

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, content, message_type, created_at FROM (
		     SELECT id, conversation_id, sender_id, content, message_type, created_at, seq
		       FROM `+s.table("conversation_messages")+`
		      WHERE conversation_id = $1
		      ORDER BY created_at DESC, seq DESC
		      LIMIT $2 OFFSET $3
		 ) w
		 ORDER BY created_at ASC, seq ASC`,
		id, limit, offset,
	)
	if err != nil {
		return MessagePage{}, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m  Message
			mt string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &mt, &m.CreatedAt); err != nil {
			return MessagePage{}, fmt.Errorf("%s: scan: %w", op, err)
		}
		m.MessageType = MessageType(mt)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, fmt.Errorf("%s: %w", op, err)
	}

	return MessagePage{Messages: msgs, Limit: limit, Offset: offset, HasMore: len(msgs) == limit}, nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) readConversation(ctx context.Context, q pgQuerier, where string, arg string) (Conversation, error) {
	var (
		c         Conversation
		groupType string
	)
	err := q.QueryRow(ctx,
		`SELECT id, group_type, COALESCE(admin_id, ''), name, created_at, updated_at
		   FROM `+s.table("conversations")+` WHERE `+where,
		arg,
	).Scan(&c.ID, &groupType, &c.AdminID, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Conversation{}, err
	}
	c.GroupType = GroupType(groupType)

	rows, err := q.Query(ctx,
		`SELECT user_id FROM `+s.table("conversation_participants")+`
		  WHERE conversation_id = $1 ORDER BY joined_at ASC, user_id ASC`,
		c.ID,
	)
	if err != nil {
		return Conversation{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return Conversation{}, err
		}
		c.ParticipantIDs = append(c.ParticipantIDs, uid)
	}
	return c, rows.Err()
}
