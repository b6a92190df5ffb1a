// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteDSNParams are applied to every connection in the pool. BEGIN IMMEDIATE
// takes the write lock up front so concurrent writers wait on busy_timeout
// instead of failing with SQLITE_BUSY on lock upgrade.
const sqliteDSNParams = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "driver", "sqlite")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?"+sqliteDSNParams)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			image      TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			user_low   TEXT NOT NULL,
			user_high  TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (user_low < user_high)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_pair
			ON conversations(user_low, user_high);

		CREATE INDEX IF NOT EXISTS idx_conversations_updated
			ON conversations(updated_at DESC);

		CREATE TABLE IF NOT EXISTS participants (
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			has_seen_latest INTEGER NOT NULL DEFAULT 1,
			joined_at       TEXT NOT NULL,

			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user
			ON participants(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			content         TEXT,
			attachment_url  TEXT,
			created_at      TEXT NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_id
			ON messages(conversation_id, id DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks that the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// UpsertUser inserts or refreshes a user's display identity.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *User) error {
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, image, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			image = excluded.image,
			updated_at = excluded.updated_at
	`, user.ID, user.Name, user.Image, formatTime(user.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user has never authenticated.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	var updatedAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, image, updated_at FROM users WHERE id = ?
	`, id).Scan(&user.ID, &user.Name, &user.Image, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing user updated_at: %w", err)
	}
	return &user, nil
}

// CreateConversation inserts the conversation and both participant rows in
// one transaction. If a conversation for the same unordered pair already
// exists, it returns ErrDuplicateConversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation, userA, userB string) error {
	low, high := OrderedPair(userA, userB)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, user_low, user_high, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, conv.ID, low, high, formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	participants := make([]Participant, 0, 2)
	for _, userID := range []string{low, high} {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO participants (conversation_id, user_id, has_seen_latest, joined_at)
			VALUES (?, ?, 1, ?)
		`, conv.ID, userID, formatTime(conv.CreatedAt))
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

	if err := tx.Commit(); err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("committing conversation: %w", err)
	}

	conv.Participants = participants
	s.logger.Debug("created conversation", "id", conv.ID)
	return nil
}

// GetConversation retrieves a conversation and its participants by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.getConversation(ctx, `
		SELECT id, created_at, updated_at FROM conversations WHERE id = ?
	`, id)
}

// GetConversationByPair retrieves the conversation between two users.
// This uses the idx_conversations_pair index.
// Returns ErrNotFound if the pair has no conversation yet.
func (s *SQLiteStore) GetConversationByPair(ctx context.Context, userA, userB string) (*Conversation, error) {
	low, high := OrderedPair(userA, userB)
	return s.getConversation(ctx, `
		SELECT id, created_at, updated_at FROM conversations WHERE user_low = ? AND user_high = ?
	`, low, high)
}

func (s *SQLiteStore) getConversation(ctx context.Context, query string, args ...any) (*Conversation, error) {
	var conv Conversation
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, args...).Scan(&conv.ID, &createdAtStr, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	conv.Participants, err = s.GetParticipants(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetParticipants returns the participants of a conversation with their
// user identity, ordered by user ID.
func (s *SQLiteStore) GetParticipants(ctx context.Context, conversationID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.conversation_id, p.user_id, p.has_seen_latest, p.joined_at,
		       u.name, u.image
		FROM participants p
		LEFT JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = ?
		ORDER BY p.user_id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var p Participant
		var joinedAtStr string
		var name, image *string

		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.HasSeenLatest, &joinedAtStr, &name, &image); err != nil {
			return nil, fmt.Errorf("scanning participant row: %w", err)
		}

		p.JoinedAt, err = parseTime(joinedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing joined_at: %w", err)
		}
		p.User = scannedUser(p.UserID, name, image)

		participants = append(participants, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participant rows: %w", err)
	}

	return participants, nil
}

// ListConversations returns every conversation the user participates in with
// the other participant and the most recent message, most recently active first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]*ConversationListing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.created_at, c.updated_at,
		       me.has_seen_latest, me.joined_at, mu.name, mu.image,
		       peer.user_id, peer.has_seen_latest, peer.joined_at, pu.name, pu.image,
		       m.id, m.sender_id, m.content, m.attachment_url, m.created_at
		FROM participants me
		JOIN conversations c ON c.id = me.conversation_id
		JOIN participants peer ON peer.conversation_id = c.id AND peer.user_id <> me.user_id
		LEFT JOIN users mu ON mu.id = me.user_id
		LEFT JOIN users pu ON pu.id = peer.user_id
		LEFT JOIN messages m ON m.id = (
			SELECT MAX(id) FROM messages WHERE conversation_id = c.id
		)
		WHERE me.user_id = ?
		ORDER BY c.updated_at DESC, c.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var listings []*ConversationListing
	for rows.Next() {
		var (
			conv                                    Conversation
			self, peer                              Participant
			createdAtStr, updatedAtStr              string
			selfJoinedStr, peerJoinedStr            string
			selfName, selfImage, peerName, peerImg  *string
			msgID                                   *int64
			msgSender, msgContent, msgAttach, msgAt *string
		)

		err := rows.Scan(
			&conv.ID, &createdAtStr, &updatedAtStr,
			&self.HasSeenLatest, &selfJoinedStr, &selfName, &selfImage,
			&peer.UserID, &peer.HasSeenLatest, &peerJoinedStr, &peerName, &peerImg,
			&msgID, &msgSender, &msgContent, &msgAttach, &msgAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}

		if conv.CreatedAt, err = parseTime(createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if conv.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		if self.JoinedAt, err = parseTime(selfJoinedStr); err != nil {
			return nil, fmt.Errorf("parsing joined_at: %w", err)
		}
		if peer.JoinedAt, err = parseTime(peerJoinedStr); err != nil {
			return nil, fmt.Errorf("parsing joined_at: %w", err)
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
			}
			if msg.CreatedAt, err = parseTime(*msgAt); err != nil {
				return nil, fmt.Errorf("parsing message created_at: %w", err)
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

// AppendMessage persists a message, bumps the conversation's last activity,
// and clears has_seen_latest for every other participant, all in one
// transaction. On success msg.ID and msg.Sender are populated.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, formatTime(msg.CreatedAt), msg.ConversationID)
	if err != nil {
		return fmt.Errorf("bumping conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	result, err = tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content, attachment_url, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ConversationID, msg.SenderID, msg.Content, msg.AttachmentURL, formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message id: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE participants SET has_seen_latest = 0
		WHERE conversation_id = ? AND user_id <> ?
	`, msg.ConversationID, msg.SenderID)
	if err != nil {
		return fmt.Errorf("resetting read state: %w", err)
	}

	var name, image *string
	err = tx.QueryRowContext(ctx, `SELECT name, image FROM users WHERE id = ?`, msg.SenderID).Scan(&name, &image)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("querying sender: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	msg.ID = id
	msg.Sender = scannedUser(msg.SenderID, name, image)
	s.logger.Debug("appended message", "conversation_id", msg.ConversationID, "message_id", id)
	return nil
}

// ListMessages returns up to params.Limit messages of a conversation with
// ID below params.Before (or the newest, when Before is 0), newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, params ListMessagesParams) ([]*Message, error) {
	query := `
		SELECT m.id, m.conversation_id, m.sender_id, m.content, m.attachment_url, m.created_at,
		       u.name, u.image
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ?`
	args := []any{params.ConversationID}

	if params.Before > 0 {
		query += ` AND m.id < ?`
		args = append(args, params.Before)
	}
	query += ` ORDER BY m.id DESC LIMIT ?`
	args = append(args, params.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAtStr string
		var name, image *string

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.AttachmentURL,
			&createdAtStr, &name, &image); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
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
// the stored value changed. Returns ErrNotFound if the user is not a
// participant of the conversation.
func (s *SQLiteStore) SetSeenLatest(ctx context.Context, conversationID, userID string, seen bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE participants SET has_seen_latest = ?
		WHERE conversation_id = ? AND user_id = ? AND has_seen_latest <> ?
	`, seen, conversationID, userID, seen)
	if err != nil {
		return false, fmt.Errorf("updating read state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `
		SELECT 1 FROM participants WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("querying participant: %w", err)
	}
	return false, nil
}

// scannedUser builds a User from nullable joined columns.
func scannedUser(id string, name, image *string) *User {
	u := &User{ID: id}
	if name != nil {
		u.Name = *name
	}
	if image != nil {
		u.Image = *image
	}
	return u
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
