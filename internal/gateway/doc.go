// Package gateway orchestrates the coven-chat server components.
//
// # Overview
//
// The gateway owns every long-lived component: the store, the channel bus,
// the presence tracker and its registry, the typing coordinator, and the
// HTTP server that carries both the JSON API and the realtime websocket.
// Backends are picked from configuration:
//
//	database.driver   sqlite (default) | postgres
//	bus.backend       local (default)  | nats
//	presence.backend  local (default)  | redis
//
// # HTTP API
//
// Every route except the health checks requires a bearer token:
//
//   - GET /ws - Realtime websocket (token may also be ?token=)
//   - POST /api/conversations - Get or create the conversation with participantId
//   - GET /api/conversations - Conversation list with unreadCount
//   - GET /api/conversations/{id}/messages - History page (cursor, limit)
//   - POST /api/conversations/{id}/messages - Send a message
//   - POST /api/conversations/{id}/read - Mark the conversation read
//   - GET /api/presence - Online user ids
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (store ping)
//
// Service errors map to 400 (validation), 403 (not a participant), 404
// (unknown conversation) and 500. Authentication failures are 401.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown order: stop HTTP, close websockets (releasing presence and typing),
// stop typing timers, release presence, close the bus, close the store, then
// leave the tailnet when tailscale is enabled.
package gateway
