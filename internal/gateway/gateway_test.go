// ABOUTME: Tests for Gateway construction, lifecycle and health endpoints
// ABOUTME: Runs against a temporary SQLite database with the local bus and registry

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/coven-chat/internal/config"
)

const testSecret = "gateway-test-secret-at-least-32-bytes"

// testConfig creates a minimal config with a fresh database and an ephemeral port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "chat.db")},
		Auth:     config.AuthConfig{JWTSecret: testSecret},
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()

	gw, err := New(testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw
}

func TestGatewayNew(t *testing.T) {
	gw := newTestGateway(t)

	if gw.store == nil {
		t.Error("store should not be nil")
	}
	if gw.bus == nil {
		t.Error("bus should not be nil")
	}
	if gw.realtime == nil {
		t.Error("realtime handler should not be nil")
	}
}

func TestGatewayNew_RejectsWeakSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"

	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatal("expected New() to fail with a short secret")
	}
}

func TestGatewayNew_UnreachableBackends(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"nats", func(c *config.Config) {
			c.Bus.Backend = config.BackendNATS
			c.Bus.NATSURL = "nats://127.0.0.1:1"
		}},
		{"redis", func(c *config.Config) {
			c.Presence.Backend = config.BackendRedis
			c.Presence.RedisURL = "redis://127.0.0.1:1/0"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			if _, err := New(cfg, testLogger()); err == nil {
				t.Fatal("expected New() to fail for an unreachable backend")
			}
		})
	}
}

func TestGatewayRunAndShutdown(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	// Give it time to start
	time.Sleep(100 * time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}

	// Shutdown after Run is a no-op returning the same result.
	if err := gw.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() returned error: %v", err)
	}
}

func TestGatewayRun_ListenFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HTTPAddr = "256.0.0.1:99999"

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := gw.Run(t.Context()); err == nil {
		t.Fatal("expected Run() to fail on an invalid address")
	}
}

func TestHealthEndpoint(t *testing.T) {
	gw := newTestGateway(t)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("expected body 'OK', got %q", rec.Body.String())
	}
}

func TestReadyEndpoint(t *testing.T) {
	gw := newTestGateway(t)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "ready") {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestReadyEndpoint_StoreClosed(t *testing.T) {
	gw := newTestGateway(t)
	_ = gw.store.Close()

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	if _, err := resolveTailscaleAuthKey(""); err == nil {
		t.Error("expected error without a configured or environment key")
	}

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err := resolveTailscaleAuthKey("")
	if err != nil || key != "tskey-env" {
		t.Errorf("expected environment key, got %q (%v)", key, err)
	}

	key, err = resolveTailscaleAuthKey("tskey-config")
	if err != nil || key != "tskey-config" {
		t.Errorf("expected configured key to win, got %q (%v)", key, err)
	}
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/chat")
	if err != nil || dir != "/var/lib/chat" {
		t.Errorf("expected configured dir, got %q (%v)", dir, err)
	}

	t.Setenv("HOME", "/home/tester")
	dir, err = resolveTailscaleStateDir("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join("/home/tester", ".local", "share", "coven-chat", "tailscale"); dir != want {
		t.Errorf("expected %q, got %q", want, dir)
	}
}
