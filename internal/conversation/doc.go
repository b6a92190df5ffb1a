// Package conversation provides the conversation and message services that
// sit between the WebSocket/HTTP handlers and the store.
//
// # Service
//
// Service manages two-party conversations:
//
//	svc := conversation.New(store, logger)
//	conv, err := svc.GetOrCreateConversation(ctx, "alice", "bob")
//
// The unordered pair {alice, bob} maps to exactly one conversation. The
// store's unique index decides concurrent creations; a caller that loses
// the race re-reads and returns the winner.
//
// # MessageGateway
//
// MessageGateway is the only write path for messages:
//
//	gw := conversation.NewMessageGateway(store, bus, readState, opts, logger)
//	msg, err := gw.SendMessage(ctx, conversation.SendRequest{...})
//
// Messages are validated, committed, and only then published on the
// conversation channel (new_message) and every participant's user channel
// (conversation_updated). A failed publish is logged; the send still
// succeeds because the message is durable and clients recover through
// GetMessages.
//
// History is paged by message ID:
//
//	page, err := gw.GetMessages(ctx, conversation.HistoryRequest{ConversationID: id, RequesterID: me})
//	// page.NextCursor is passed back as Cursor for the next, older page
//
// # Errors
//
// Operations return errors wrapping ErrValidation, ErrNotFound or
// ErrUnauthorized. ErrorCode and HTTPStatus map them for the transport
// layers; anything else is internal.
package conversation
