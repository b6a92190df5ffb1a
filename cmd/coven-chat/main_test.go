// ABOUTME: Tests for command helpers: config path resolution, logger setup and secret generation
// ABOUTME: The serve path is covered by the gateway package tests

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("COVEN_CHAT_CONFIG", "/etc/coven/chat.toml")
	if got := getConfigPath(); got != "/etc/coven/chat.toml" {
		t.Errorf("expected env override, got %q", got)
	}

	t.Setenv("COVEN_CHAT_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got, want := getConfigPath(), filepath.Join("/xdg", "coven", "chat.yaml"); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.With("component", "test").Warn("shown", "n", 1)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if rec["msg"] != "shown" || rec["component"] != "test" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestNewLogger_Text(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)

	logger.With("component", "bus").WithGroup("req").Debug("delivered", "id", 7)

	out := buf.String()
	for _, want := range []string{"DBG ", "delivered", "component=bus", "req.id=7"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestGenerateSecret_IsUsableForSigning(t *testing.T) {
	a, err := generateSecret()
	if err != nil {
		t.Fatalf("generateSecret: %v", err)
	}
	b, _ := generateSecret()
	if a == b {
		t.Error("secrets should differ")
	}
	if _, err := auth.NewJWTVerifier([]byte(a)); err != nil {
		t.Errorf("generated secret rejected: %v", err)
	}
}
