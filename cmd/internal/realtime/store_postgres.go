// Package realtime contains the talentchat websocket gateway and message persistence primitives.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the Postgres schema used when none is configured.
const DefaultSchema = "talentchat"

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-conversation transactional advisory locks to guarantee:
//   - No sequence gaps caused by duplicates
//   - Strict monotonic ordering under concurrency
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "talentchat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		v, err := checkSchema(schema)
		if err != nil {
			return err
		}
		s.schema = v
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: DefaultSchema,
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
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// AppendMessage appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if s == nil || s.pool == nil {
		return AppendMessageResult{}, errors.New("realtime: nil store")
	}
	if in.ConversationID == "" || in.RequestID == "" || in.SenderID == "" || in.Content == "" {
		return AppendMessageResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	cursors := pgIdent(s.schema, "conversation_cursors")
	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per conversation so duplicates never consume a seq.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id) VALUES ($1)
		 ON CONFLICT (id) DO NOTHING`,
		in.ConversationID,
	); err != nil {
		return AppendMessageResult{}, err
	}

	existing, err := readMessageByRequestID(ctx, tx, messages, in.ConversationID, in.SenderID, in.RequestID)
	if err == nil {
		reads, err := readReceipts(ctx, tx, pgIdent(s.schema, "message_reads"), []string{existing.ID})
		if err != nil {
			return AppendMessageResult{}, err
		}
		existing.Reads = reads[existing.ID]
		if err := tx.Commit(ctx); err != nil {
			return AppendMessageResult{}, err
		}
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, err
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		in.ConversationID,
	); err != nil {
		return AppendMessageResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		in.ConversationID,
	).Scan(&seq); err != nil {
		return AppendMessageResult{}, err
	}

	out := StoredMessage{
		ID:             NewMessageID(now),
		ConversationID: in.ConversationID,
		RequestID:      in.RequestID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Seq:            seq,
		CreatedAt:      now,
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_id, seq, request_id, sender_id, content, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		out.ID, out.ConversationID, out.Seq, out.RequestID, out.SenderID, out.Content, out.CreatedAt,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Stored: out, Duplicated: false}, nil
}

// MarkRead records a read receipt; the first read of a message by a user wins.
func (s *PostgresStore) MarkRead(ctx context.Context, in MarkReadInput) (MarkReadResult, error) {
	if s == nil || s.pool == nil {
		return MarkReadResult{}, errors.New("realtime: nil store")
	}
	if in.ConversationID == "" || in.MessageID == "" || in.UserID == "" {
		return MarkReadResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return MarkReadResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	messages := pgIdent(s.schema, "messages")
	reads := pgIdent(s.schema, "message_reads")

	// The INSERT only fires when the message belongs to the conversation.
	// ON CONFLICT DO NOTHING returns no row, so the existing receipt is read back.
	var readAt time.Time
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+reads+` (message_id, user_id, read_at)
		 SELECT m.id, $3, $4 FROM `+messages+` m
		  WHERE m.id = $1 AND m.conversation_id = $2
		 ON CONFLICT (message_id, user_id) DO NOTHING
		 RETURNING read_at`,
		in.MessageID, in.ConversationID, in.UserID, now,
	).Scan(&readAt)
	if err == nil {
		return MarkReadResult{Receipt: ReadReceipt{UserID: in.UserID, ReadAt: readAt}, Created: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return MarkReadResult{}, err
	}

	err = s.pool.QueryRow(ctx,
		`SELECT r.read_at FROM `+reads+` r
		   JOIN `+messages+` m ON m.id = r.message_id
		  WHERE r.message_id = $1 AND r.user_id = $2 AND m.conversation_id = $3`,
		in.MessageID, in.UserID, in.ConversationID,
	).Scan(&readAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return MarkReadResult{}, ErrMessageNotFound
	}
	if err != nil {
		return MarkReadResult{}, err
	}
	return MarkReadResult{Receipt: ReadReceipt{UserID: in.UserID, ReadAt: readAt}, Created: false}, nil
}

// FetchHistory returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if s == nil || s.pool == nil {
		return FetchHistoryResult{}, errors.New("realtime: nil store")
	}
	if in.ConversationID == "" {
		return FetchHistoryResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	after := int64(0)
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, seq, request_id, sender_id, content, created_at
		   FROM `+messages+`
		  WHERE conversation_id = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		in.ConversationID, after, fetch,
	)
	if err != nil {
		return FetchHistoryResult{}, err
	}

	msgs, err := pgx.CollectRows(rows, scanStoredMessage)
	if err != nil {
		return FetchHistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	if len(msgs) == 0 {
		return FetchHistoryResult{}, nil
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	receipts, err := readReceipts(ctx, s.pool, pgIdent(s.schema, "message_reads"), ids)
	if err != nil {
		return FetchHistoryResult{}, err
	}
	for i := range msgs {
		msgs[i].Reads = receipts[msgs[i].ID]
	}

	return FetchHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanStoredMessage(row pgx.CollectableRow) (StoredMessage, error) {
	var m StoredMessage
	err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.RequestID, &m.SenderID, &m.Content, &m.CreatedAt)
	return m, err
}

func readMessageByRequestID(ctx context.Context, q pgQuerier, messagesTable, conversationID, senderID, requestID string) (StoredMessage, error) {
	var m StoredMessage
	err := q.QueryRow(ctx,
		`SELECT id, conversation_id, seq, request_id, sender_id, content, created_at
		   FROM `+messagesTable+`
		  WHERE conversation_id = $1 AND sender_id = $2 AND request_id = $3`,
		conversationID, senderID, requestID,
	).Scan(&m.ID, &m.ConversationID, &m.Seq, &m.RequestID, &m.SenderID, &m.Content, &m.CreatedAt)
	return m, err
}

func readReceipts(ctx context.Context, q pgQuerier, readsTable string, messageIDs []string) (map[string][]ReadReceipt, error) {
	rows, err := q.Query(ctx,
		`SELECT message_id, user_id, read_at
		   FROM `+readsTable+`
		  WHERE message_id = ANY($1)
		  ORDER BY read_at ASC`,
		messageIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]ReadReceipt, len(messageIDs))
	for rows.Next() {
		var (
			id string
			r  ReadReceipt
		)
		if err := rows.Scan(&id, &r.UserID, &r.ReadAt); err != nil {
			return nil, err
		}
		out[id] = append(out[id], r)
	}
	return out, rows.Err()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func checkSchema(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return "", errors.New("realtime: empty schema")
	}
	if !isValidPGIdent(schema) {
		return "", errors.New("realtime: invalid schema identifier")
	}
	return schema, nil
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
