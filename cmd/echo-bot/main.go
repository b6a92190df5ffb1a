// ABOUTME: Minimal echo bot for E2E testing: connects over the websocket and answers every message
// ABOUTME: Usage: echo-bot [-url ws://localhost:8080/ws] -token JWT (or COVEN_TOKEN)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-chat/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "websocket endpoint")
	token := flag.String("token", os.Getenv("COVEN_TOKEN"), "signed user token")
	delay := flag.Duration("delay", 300*time.Millisecond, "how long to show typing before replying")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(*url, *token, *delay, logger); err != nil {
		logger.Error("echo bot stopped", "error", err)
		os.Exit(1)
	}
}

// subjectOf reads the user id from the token without verifying it; the
// server does the verification.
func subjectOf(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no sub claim")
	}
	return sub, nil
}

func run(url, token string, delay time.Duration, logger *slog.Logger) error {
	if token == "" {
		return errors.New("a token is required (-token or COVEN_TOKEN)")
	}
	self, err := subjectOf(token)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer ws.Close()
	context.AfterFunc(ctx, func() { _ = ws.Close() })

	logger.Info("connected", "user_id", self, "url", url)
	b := &bot{self: self, delay: delay}

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("read error: %w", err)
		}
		for _, out := range b.handle(raw) {
			if out.wait > 0 {
				time.Sleep(out.wait)
			}
			if err := ws.WriteMessage(websocket.TextMessage, out.frame); err != nil {
				return fmt.Errorf("write error: %w", err)
			}
		}
	}
}

type outbound struct {
	wait  time.Duration
	frame []byte
}

type bot struct {
	self  string
	delay time.Duration
}

// handle turns one server frame into the commands to send back. Only
// conversation_updated from someone else triggers a reply, so the bot never
// needs to join conversations.
func (b *bot) handle(raw []byte) []outbound {
	frame, err := protocol.DecodeEventFrame(raw)
	if err != nil || frame.Event != protocol.EventConversationUpdated {
		return nil
	}
	var ev protocol.ConversationUpdated
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		return nil
	}
	if ev.LastMessage.SenderID == b.self {
		return nil
	}

	ref := protocol.ConversationRef{ConversationID: ev.ConversationID}
	content := echoReply(ev.LastMessage)
	return []outbound{
		{frame: command(protocol.CmdMarkAsRead, ref)},
		{frame: command(protocol.CmdTypingStart, ref)},
		{wait: b.delay, frame: command(protocol.CmdSendMessage, protocol.SendMessage{
			ConversationID: ev.ConversationID,
			Content:        &content,
		})},
	}
}

func command(cmdType string, data any) []byte {
	payload, _ := json.Marshal(data)
	raw, _ := json.Marshal(protocol.Command{
		Type:      cmdType,
		RequestID: uuid.NewString(),
		Data:      payload,
	})
	return raw
}

func echoReply(m protocol.Message) string {
	switch {
	case m.Content != nil && strings.TrimSpace(*m.Content) != "":
		return "Echo: " + *m.Content
	case m.AttachmentURL != nil:
		return "Echo: got your attachment " + *m.AttachmentURL
	default:
		return "Echo"
	}
}
