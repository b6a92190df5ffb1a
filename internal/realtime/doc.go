// Package realtime serves the chat WebSocket endpoint.
//
// Each connection gets one session. The session subscribes the connection
// to the presence channel and the user's private channel, registers
// presence, and sends an online_users snapshot. It then reads command
// frames one at a time and answers each with an ack or error reply carrying
// the client's requestId. Channel events (new_message, typing, ...) arrive
// interleaved with replies as event frames.
//
// Outbound frames go through a bounded per-connection queue drained by a
// single writer goroutine. Bus delivery never blocks; a client whose queue
// fills is disconnected.
//
// When the connection ends for any reason the session unsubscribes every
// channel, clears typing indicators it started, and deregisters presence,
// in that order.
package realtime
