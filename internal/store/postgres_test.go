// ABOUTME: Tests for the Postgres store implementation
// ABOUTME: Skipped unless COVEN_TEST_POSTGRES_DSN points at a disposable database

package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("COVEN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COVEN_TEST_POSTGRES_DSN not set")
	}

	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewPostgresStore(t.Context(), dsn, nil)
		require.NoError(t, err)

		_, err = s.pool.Exec(context.Background(), `TRUNCATE users, conversations, participants, messages RESTART IDENTITY CASCADE`)
		require.NoError(t, err)

		t.Cleanup(func() { s.Close() })
		return s
	})
}
