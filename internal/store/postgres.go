// ABOUTME: PostgreSQL implementation of the Store interface using pgx/v5
// ABOUTME: Used when several chat processes share one database

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		image      TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		user_low   TEXT NOT NULL,
		user_high  TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (user_low < user_high),
		UNIQUE (user_low, user_high)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id         TEXT NOT NULL,
		has_seen_latest BOOLEAN NOT NULL DEFAULT TRUE,
		joined_at       TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              BIGSERIAL PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id       TEXT NOT NULL,
		content         TEXT,
		attachment_url  TEXT,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id, id DESC)`,
}

// PostgresStore implements the Store interface on a pgx connection pool
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to the database at dsn and creates the schema.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "driver", "postgres")

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	logger.Info("Postgres store initialized")
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Ping checks that the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// UpsertUser inserts or refreshes a user's display identity.
func (s *PostgresStore) UpsertUser(ctx context.Context, user *User) error {
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, image, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			image = EXCLUDED.image,
			updated_at = EXCLUDED.updated_at
	`, user.ID, user.Name, user.Image, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, image, updated_at FROM users WHERE id = $1
	`, id).Scan(&user.ID, &user.Name, &user.Image, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &user, nil
}

// CreateConversation inserts the conversation and both participants in one
// transaction. A concurrent insert for the same pair loses with
// ErrDuplicateConversation.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *Conversation, userA, userB string) error {
	low, high := OrderedPair(userA, userB)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id, user_low, user_high, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, conv.ID, low, high, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	participants := make([]Participant, 0, 2)
	for _, userID := range []string{low, high} {
		_, err := tx.Exec(ctx, `
			INSERT INTO participants (conversation_id, user_id, has_seen_latest, joined_at)
			VALUES ($1, $2, TRUE, $3)
		`, conv.ID, userID, conv.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting participant: %w", err)
		}
		participants = append(participants, Participant{
			ConversationID: conv.ID,
			UserID:         userID,
			HasSeenLatest:  true,
			JoinedAt:       conv.CreatedAt,
		})
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("committing conversation: %w", err)
	}

	conv.Participants = participants
	s.logger.Debug("created conversation", "id", conv.ID)
	return nil
}

// GetConversation retrieves a conversation and its participants by ID.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.getConversation(ctx, `
		SELECT id, created_at, updated_at FROM conversations WHERE id = $1
	`, id)
}

// GetConversationByPair retrieves the conversation between two users.
func (s *PostgresStore) GetConversationByPair(ctx context.Context, userA, userB string) (*Conversation, error) {
	low, high := OrderedPair(userA, userB)
	return s.getConversation(ctx, `
		SELECT id, created_at, updated_at FROM conversations WHERE user_low = $1 AND user_high = $2
	`, low, high)
}

func (s *PostgresStore) getConversation(ctx context.Context, query string, args ...any) (*Conversation, error) {
	var conv Conversation
	err := s.pool.QueryRow(ctx, query, args...).Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.Participants, err = s.GetParticipants(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetParticipants returns the participants of a conversation ordered by user ID.
func (s *PostgresStore) GetParticipants(ctx context.Context, conversationID string) ([]Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.conversation_id, p.user_id, p.has_seen_latest, p.joined_at, u.name, u.image
		FROM participants p
		LEFT JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = $1
		ORDER BY p.user_id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var p Participant
		var name, image *string
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.HasSeenLatest, &p.JoinedAt, &name, &image); err != nil {
			return nil, fmt.Errorf("scanning participant row: %w", err)
		}
		p.User = scannedUser(p.UserID, name, image)
		participants = append(participants, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participant rows: %w", err)
	}
	return participants, nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]*ConversationListing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.created_at, c.updated_at,
		       me.has_seen_latest, me.joined_at, mu.name, mu.image,
		       peer.user_id, peer.has_seen_latest, peer.joined_at, pu.name, pu.image,
		       m.id, m.sender_id, m.content, m.attachment_url, m.created_at
		FROM participants me
		JOIN conversations c ON c.id = me.conversation_id
		JOIN participants peer ON peer.conversation_id = c.id AND peer.user_id <> me.user_id
		LEFT JOIN users mu ON mu.id = me.user_id
		LEFT JOIN users pu ON pu.id = peer.user_id
		LEFT JOIN LATERAL (
			SELECT id, sender_id, content, attachment_url, created_at
			FROM messages
			WHERE conversation_id = c.id
			ORDER BY id DESC
			LIMIT 1
		) m ON TRUE
		WHERE me.user_id = $1
		ORDER BY c.updated_at DESC, c.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var listings []*ConversationListing
	for rows.Next() {
		var (
			conv                                   Conversation
			self, peer                             Participant
			selfName, selfImage, peerName, peerImg *string
			msgID                                  *int64
			msgSender, msgContent, msgAttach       *string
			msgAt                                  *time.Time
		)

		err := rows.Scan(
			&conv.ID, &conv.CreatedAt, &conv.UpdatedAt,
			&self.HasSeenLatest, &self.JoinedAt, &selfName, &selfImage,
			&peer.UserID, &peer.HasSeenLatest, &peer.JoinedAt, &peerName, &peerImg,
			&msgID, &msgSender, &msgContent, &msgAttach, &msgAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}

		self.ConversationID, self.UserID = conv.ID, userID
		self.User = scannedUser(userID, selfName, selfImage)
		peer.ConversationID = conv.ID
		peer.User = scannedUser(peer.UserID, peerName, peerImg)
		conv.Participants = []Participant{self, peer}

		listing := &ConversationListing{Conversation: &conv, Self: self, Peer: peer}
		if msgID != nil {
			msg := &Message{
				ID:             *msgID,
				ConversationID: conv.ID,
				SenderID:       *msgSender,
				Content:        msgContent,
				AttachmentURL:  msgAttach,
				CreatedAt:      *msgAt,
			}
			if msg.SenderID == peer.UserID {
				msg.Sender = peer.User
			} else {
				msg.Sender = self.User
			}
			listing.LastMessage = msg
		}
		listings = append(listings, listing)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return listings, nil
}

// AppendMessage persists a message, bumps the conversation, and clears the
// other participants' has_seen_latest flag in one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = $1 WHERE id = $2`, msg.CreatedAt, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("bumping conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content, attachment_url, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, msg.ConversationID, msg.SenderID, msg.Content, msg.AttachmentURL, msg.CreatedAt).Scan(&id)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE participants SET has_seen_latest = FALSE
		WHERE conversation_id = $1 AND user_id <> $2
	`, msg.ConversationID, msg.SenderID)
	if err != nil {
		return fmt.Errorf("resetting read state: %w", err)
	}

	var name, image *string
	err = tx.QueryRow(ctx, `SELECT name, image FROM users WHERE id = $1`, msg.SenderID).Scan(&name, &image)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("querying sender: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	msg.ID = id
	msg.Sender = scannedUser(msg.SenderID, name, image)
	s.logger.Debug("appended message", "conversation_id", msg.ConversationID, "message_id", id)
	return nil
}

// ListMessages returns a page of messages, newest first.
func (s *PostgresStore) ListMessages(ctx context.Context, params ListMessagesParams) ([]*Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.conversation_id, m.sender_id, m.content, m.attachment_url, m.created_at,
		       u.name, u.image
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = $1 AND ($2::BIGINT = 0 OR m.id < $2)
		ORDER BY m.id DESC
		LIMIT $3
	`, params.ConversationID, params.Before, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var name, image *string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.AttachmentURL,
			&msg.CreatedAt, &name, &image); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.Sender = scannedUser(msg.SenderID, name, image)
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// SetSeenLatest sets a participant's has_seen_latest flag and reports whether
// it changed. Returns ErrNotFound if the user is not a participant.
func (s *PostgresStore) SetSeenLatest(ctx context.Context, conversationID, userID string, seen bool) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE participants SET has_seen_latest = $1
		WHERE conversation_id = $2 AND user_id = $3 AND has_seen_latest <> $1
	`, seen, conversationID, userID)
	if err != nil {
		return false, fmt.Errorf("updating read state: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists int
	err = s.pool.QueryRow(ctx, `
		SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("querying participant: %w", err)
	}
	return false, nil
}

// Ensure PostgresStore implements Store
var _ Store = (*PostgresStore)(nil)
