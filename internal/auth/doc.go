// Package auth authenticates chat users with HS256 JWTs.
//
// Tokens are issued by an external identity provider that shares the
// configured jwt_secret (or by `coven-chat token` during development).
// Claims:
//
//   - sub: user id (required)
//   - name: display name (optional)
//   - picture: avatar URL (optional)
//
// HTTP requests present the token as "Authorization: Bearer <token>".
// WebSocket handshakes may instead pass ?token=<token>, since browsers cannot
// set headers on a WebSocket upgrade.
//
// HTTPAuthMiddleware verifies the token, records the caller's display
// identity through an IdentityRecorder, and attaches the Identity to the
// request context:
//
//	authn := auth.NewAuthenticator(verifier, conversations, logger)
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(authn)(api))
//
//	id := auth.MustFromContext(r.Context())
package auth
