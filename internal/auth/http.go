// ABOUTME: HTTP middleware and handshake authentication for API and WebSocket endpoints
// ABOUTME: Accepts a bearer header or a token query parameter and records the caller's profile

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/store"
)

// ErrMissingToken is returned when a request carries no credentials.
var ErrMissingToken = errors.New("missing token")

// profileTTL bounds how often an unchanged profile is written back.
const profileTTL = 5 * time.Minute

// IdentityRecorder persists the display identity of an authenticated user.
type IdentityRecorder interface {
	RecordIdentity(ctx context.Context, user store.User) error
}

// Authenticator verifies request credentials. Browsers cannot set headers on
// a WebSocket handshake, so the token may also arrive as ?token=.
type Authenticator struct {
	verifier TokenVerifier
	recorder IdentityRecorder
	recent   *dedupe.Cache
	logger   *slog.Logger
}

// NewAuthenticator creates an authenticator. recorder may be nil.
func NewAuthenticator(verifier TokenVerifier, recorder IdentityRecorder, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		verifier: verifier,
		recorder: recorder,
		recent:   dedupe.New(profileTTL, 10000),
		logger:   logger.With("component", "auth"),
	}
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// tokenFromRequest prefers the Authorization header and falls back to the
// token query parameter.
func tokenFromRequest(r *http.Request) (string, string) {
	if header := r.Header.Get("Authorization"); header != "" {
		return extractBearerToken(header)
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	return "", "missing authorization header"
}

// Authenticate verifies the request's token and returns the caller.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	token, errMsg := tokenFromRequest(r)
	if errMsg != "" {
		return nil, errors.Join(ErrMissingToken, errors.New(errMsg))
	}

	id, err := a.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	a.record(r.Context(), id)
	return id, nil
}

// record upserts the caller's profile unless the same profile was written
// recently. Failures are logged; the profile is cosmetic.
func (a *Authenticator) record(ctx context.Context, id *Identity) {
	if a.recorder == nil {
		return
	}
	key := id.UserID + "\x00" + id.Name + "\x00" + id.Image
	if a.recent.CheckAndMark(key) {
		return
	}
	err := a.recorder.RecordIdentity(ctx, store.User{ID: id.UserID, Name: id.Name, Image: id.Image})
	if err != nil {
		a.recent.Forget(key)
		a.logger.Warn("failed to record identity", "user_id", id.UserID, "error", err)
	}
}

// HTTPAuthMiddleware creates an HTTP middleware that rejects requests without
// a valid token and adds the identity to the request context.
func HTTPAuthMiddleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(r)
			if err != nil {
				a.logger.Debug("rejected request", "path", r.URL.Path, "error", err)
				writeUnauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), id)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	msg := "invalid token"
	switch {
	case errors.Is(err, ErrMissingToken):
		msg = "missing token"
	case errors.Is(err, ErrExpiredToken):
		msg = "token expired"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
