// Package store provides persistent storage for conversations and messages.
//
// # Architecture
//
// Store is the single persistence interface. Three implementations exist:
//
//   - SQLiteStore: default, modernc.org/sqlite (pure Go, no cgo)
//   - PostgresStore: pgx connection pool, for several processes sharing one database
//   - MockStore: in-memory, for tests
//
// # Data Models
//
//   - User: display identity (name, image) upserted from token claims
//   - Conversation: two-party thread keyed by the ordered pair (user_low, user_high)
//   - Participant: per-user read flag (has_seen_latest)
//   - Message: immutable, database-assigned increasing int64 ID
//
// # Invariants
//
// At most one conversation exists per unordered pair of users. The database
// enforces this with a UNIQUE index on (user_low, user_high); callers that
// lose a creation race receive ErrDuplicateConversation and re-read by pair.
//
// AppendMessage inserts the message, bumps conversations.updated_at, and
// clears has_seen_latest for the other participant in one transaction, so a
// reader never observes a message without the matching unread flag.
//
// Message IDs strictly increase in commit order within a conversation and are
// the keyset pagination cursor: ListMessages with Before=N returns messages
// with ID < N, newest first.
//
// # SQLite Configuration
//
// Every pooled connection is opened with:
//
//	_pragma=busy_timeout(5000)
//	_pragma=foreign_keys(1)
//	_pragma=journal_mode(WAL)
//	_txlock=immediate
//
// Timestamps are stored as fixed-width UTC strings so that ORDER BY on the
// text column matches chronological order.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateConversation: pair already has a conversation
//
// Other errors are wrapped with context ("querying conversation: ...").
package store
