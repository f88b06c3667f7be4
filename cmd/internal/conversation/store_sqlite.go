package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"parley/cmd/identity/ids"
)

// SQLiteStore is a Store over the embedded SQLite database.
//
// The *sql.DB is owned by the caller, must already be migrated, and is
// expected to be capped at one open connection (see sqlitedb.Open), which
// serializes writers. Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("conversation: nil sqlite db")
	}
	return &SQLiteStore{db: db}, nil
}

// Close is a no-op because the db is owned by the caller.
func (s *SQLiteStore) Close() error { return nil }

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func (s *SQLiteStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	conversationID, userID = strings.TrimSpace(conversationID), strings.TrimSpace(userID)
	if conversationID == "" || userID == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("conversation: is participant: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	const op = "conversation.SQLiteStore.GetConversation"

	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return Conversation{}, invalid(op, "conversation id is required")
	}
	c, err := readSQLiteConversation(ctx, s.db, `id = ?`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, notFound(op, "conversation")
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

func (s *SQLiteStore) GetOrCreateDirect(ctx context.Context, in DirectInput) (Conversation, bool, error) {
	const op = "conversation.SQLiteStore.GetOrCreateDirect"

	in, err := validateDirect(op, in)
	if err != nil {
		return Conversation{}, false, err
	}
	key := directKey(in.UserID, in.PeerID)
	now := fromMillis(toMillis(in.Now))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := readSQLiteConversation(ctx, tx, `direct_key = ?`, key)
	if err == nil {
		return existing, false, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, fmt.Errorf("%s: %w", op, err)
	}

	c := Conversation{
		ID:             ids.NewUUID(),
		GroupType:      GroupIndividual,
		ParticipantIDs: []string{in.UserID, in.PeerID},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, group_type, admin_id, name, direct_key, created_at, updated_at)
		 VALUES (?, ?, NULL, '', ?, ?, ?)`,
		c.ID, string(c.GroupType), key, toMillis(now), toMillis(now),
	); err != nil {
		return Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}
	if err := insertSQLiteParticipants(ctx, tx, c.ID, c.ParticipantIDs, now); err != nil {
		return Conversation{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, false, err
	}
	return c, true, nil
}

func (s *SQLiteStore) CreateGroup(ctx context.Context, in CreateGroupInput) (Conversation, error) {
	const op = "conversation.SQLiteStore.CreateGroup"

	in, members, err := validateGroup(op, in)
	if err != nil {
		return Conversation{}, err
	}
	now := fromMillis(toMillis(in.Now))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	c := Conversation{
		ID:             ids.NewUUID(),
		GroupType:      GroupGroup,
		AdminID:        in.AdminID,
		Name:           in.Name,
		ParticipantIDs: members,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, group_type, admin_id, name, direct_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		c.ID, string(c.GroupType), c.AdminID, c.Name, toMillis(now), toMillis(now),
	); err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	if err := insertSQLiteParticipants(ctx, tx, c.ID, members, now); err != nil {
		return Conversation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func insertSQLiteParticipants(ctx context.Context, tx *sql.Tx, conversationID string, members []string, now time.Time) error {
	for _, m := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, joined_at) VALUES (?, ?, ?)`,
			conversationID, m, toMillis(now),
		); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) ListForUser(ctx context.Context, userID string) ([]Summary, error) {
	const op = "conversation.SQLiteStore.ListForUser"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, invalid(op, "user id is required")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id FROM conversation_participants p
		   JOIN conversations c ON c.id = p.conversation_id
		  WHERE p.user_id = ?`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var convIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		convIDs = append(convIDs, id)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// Rows are drained before issuing follow-up queries: the pool has a single connection.
	out := make([]Summary, 0, len(convIDs))
	for _, id := range convIDs {
		c, err := readSQLiteConversation(ctx, s.db, `id = ?`, id)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		sum := Summary{Conversation: c}

		var (
			m       Message
			mt      string
			created int64
		)
		err = s.db.QueryRowContext(ctx,
			`SELECT id, sender_id, content, message_type, created_at FROM conversation_messages
			  WHERE conversation_id = ? ORDER BY created_at DESC, seq DESC LIMIT 1`,
			id,
		).Scan(&m.ID, &m.SenderID, &m.Content, &mt, &created)
		switch {
		case err == nil:
			m.ConversationID = id
			m.MessageType = MessageType(mt)
			m.CreatedAt = fromMillis(created)
			sum.LastMessage = &m
		case errors.Is(err, sql.ErrNoRows):
		default:
			return nil, fmt.Errorf("%s: last message: %w", op, err)
		}
		out = append(out, sum)
	}

	sortSummaries(out)
	return out, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "conversation.SQLiteStore.AppendMessage"

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
		CreatedAt:      fromMillis(toMillis(in.Now)),
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_messages (id, conversation_id, sender_id, content, message_type, created_at)
		 SELECT ?, ?, ?, ?, ?, ?
		  WHERE EXISTS (
		        SELECT 1 FROM conversation_participants WHERE conversation_id = ? AND user_id = ?
		  )`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, string(msg.MessageType), toMillis(msg.CreatedAt),
		msg.ConversationID, msg.SenderID,
	)
	if err != nil {
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return Message{}, notParticipant(op)
	}
	return msg, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, in ListMessagesInput) (MessagePage, error) {
	const op = "conversation.SQLiteStore.ListMessages"

	id := strings.TrimSpace(in.ConversationID)
	if id == "" {
		return MessagePage{}, invalid(op, "conversation id is required")
	}
	limit, offset := NormalizePage(in.Limit, in.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender_id, content, message_type, created_at FROM (
		     SELECT id, conversation_id, sender_id, content, message_type, created_at, seq
		       FROM conversation_messages
		      WHERE conversation_id = ?
		      ORDER BY created_at DESC, seq DESC
		      LIMIT ? OFFSET ?
		 )
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
			m       Message
			mt      string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &mt, &created); err != nil {
			return MessagePage{}, fmt.Errorf("%s: scan: %w", op, err)
		}
		m.MessageType = MessageType(mt)
		m.CreatedAt = fromMillis(created)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, fmt.Errorf("%s: %w", op, err)
	}

	return MessagePage{Messages: msgs, Limit: limit, Offset: offset, HasMore: len(msgs) == limit}, nil
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func readSQLiteConversation(ctx context.Context, q sqliteQuerier, where string, arg string) (Conversation, error) {
	var (
		c                Conversation
		groupType        string
		adminID          sql.NullString
		created, updated int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, group_type, admin_id, name, created_at, updated_at FROM conversations WHERE `+where,
		arg,
	).Scan(&c.ID, &groupType, &adminID, &c.Name, &created, &updated)
	if err != nil {
		return Conversation{}, err
	}
	c.GroupType = GroupType(groupType)
	c.AdminID = adminID.String
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)

	rows, err := q.QueryContext(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY joined_at ASC, rowid ASC`,
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
