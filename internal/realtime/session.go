// ABOUTME: Per-connection session: registration, command dispatch, and ordered teardown
// ABOUTME: Commands run one at a time on the read goroutine, so session state needs no locks

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-chat/internal/bus"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/protocol"
)

const teardownTimeout = 5 * time.Second

type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   *Connection
	deps   Deps
	opts   Options
	logger *slog.Logger

	base       []*bus.Subscription
	joined     map[string]*bus.Subscription // conversation id -> subscription
	typingIn   map[string]struct{}          // conversations this connection is typing in
	registered bool
}

func newSession(ctx context.Context, cancel context.CancelFunc, conn *Connection, deps Deps, opts Options) *session {
	return &session{
		ctx:      ctx,
		cancel:   cancel,
		conn:     conn,
		deps:     deps,
		opts:     opts,
		logger:   conn.logger,
		joined:   make(map[string]*bus.Subscription),
		typingIn: make(map[string]struct{}),
	}
}

func (s *session) run() {
	go s.conn.writeLoop()
	defer s.teardown()

	if err := s.register(); err != nil {
		s.logger.Error("failed to register connection", "error", err)
		s.conn.Close(websocket.CloseInternalServerErr, "registration failed")
		return
	}
	s.logger.Info("client connected")
	s.readLoop()
}

// register subscribes to the presence and user channels, records presence,
// and sends the initial online_users snapshot.
func (s *session) register() error {
	for _, channel := range []string{bus.PresenceChannel, bus.UserChannel(s.conn.UserID())} {
		sub, err := s.deps.Bus.Subscribe(s.ctx, channel, s.conn)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", channel, err)
		}
		s.base = append(s.base, sub)
	}

	if err := s.deps.Presence.OnConnect(s.ctx, s.conn.UserID(), s.conn.ID()); err != nil {
		return err
	}
	s.registered = true

	snapshot, err := s.onlineUsers(s.ctx)
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeEvent(bus.PresenceChannel, snapshot)
	if err != nil {
		return err
	}
	return s.conn.enqueue(frame)
}

// teardown runs once the read loop ends, whatever the cause: subscriptions
// first so no more events are queued, then typing, then presence.
func (s *session) teardown() {
	for _, sub := range s.joined {
		sub.Unsubscribe()
	}
	for _, sub := range s.base {
		sub.Unsubscribe()
	}
	s.cancel()
	s.conn.Close(websocket.CloseNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	for conversationID := range s.typingIn {
		s.deps.Typing.Clear(ctx, conversationID, s.conn.UserID())
	}
	if s.registered {
		s.deps.Presence.OnDisconnect(ctx, s.conn.UserID(), s.conn.ID())
	}
	s.logger.Info("client disconnected", "joined", len(s.joined))
}

func (s *session) readLoop() {
	s.conn.prepareRead()
	for {
		messageType, data, err := s.conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug("read ended", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			s.replyError("", fmt.Errorf("%w: only text frames are accepted", protocol.ErrMalformed))
			continue
		}
		s.handle(data)
	}
}

func (s *session) handle(raw []byte) {
	cmd, err := protocol.ParseCommand(raw)
	if err != nil {
		requestID := ""
		if cmd != nil {
			requestID = cmd.RequestID
		}
		s.replyError(requestID, err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.CommandTimeout)
	defer cancel()

	data, err := s.dispatch(ctx, cmd)
	if err != nil {
		s.replyError(cmd.RequestID, err)
		return
	}
	s.reply(protocol.Ack(cmd.RequestID, data))
}

func (s *session) dispatch(ctx context.Context, cmd *protocol.Command) (any, error) {
	userID := s.conn.UserID()

	switch cmd.Type {
	case protocol.CmdCreateConversation:
		req, err := protocol.DecodeData[protocol.CreateConversation](cmd)
		if err != nil {
			return nil, err
		}
		conv, err := s.deps.Conversations.GetOrCreateConversation(ctx, userID, req.ParticipantID)
		if err != nil {
			return nil, err
		}
		return protocol.FromConversation(conv), nil

	case protocol.CmdListConversations:
		summaries, err := s.deps.Conversations.ListConversations(ctx, userID)
		if err != nil {
			return nil, err
		}
		return conversation.WireList(summaries), nil

	case protocol.CmdJoinConversation:
		ref, err := protocol.DecodeData[protocol.ConversationRef](cmd)
		if err != nil {
			return nil, err
		}
		return s.join(ctx, ref.ConversationID)

	case protocol.CmdLeaveConversation:
		ref, err := protocol.DecodeData[protocol.ConversationRef](cmd)
		if err != nil {
			return nil, err
		}
		s.leave(ref.ConversationID)
		return nil, nil

	case protocol.CmdSendMessage:
		req, err := protocol.DecodeData[protocol.SendMessage](cmd)
		if err != nil {
			return nil, err
		}
		msg, err := s.deps.Messages.SendMessage(ctx, conversation.SendRequest{
			ConversationID: req.ConversationID,
			SenderID:       userID,
			Content:        req.Content,
			AttachmentURL:  req.AttachmentURL,
		})
		if err != nil {
			return nil, err
		}
		delete(s.typingIn, req.ConversationID)
		return protocol.FromMessage(msg), nil

	case protocol.CmdGetMessages:
		req, err := protocol.DecodeData[protocol.GetMessages](cmd)
		if err != nil {
			return nil, err
		}
		page, err := s.deps.Messages.GetMessages(ctx, conversation.HistoryRequest{
			ConversationID: req.ConversationID,
			RequesterID:    userID,
			Cursor:         req.Cursor,
			Limit:          req.Limit,
		})
		if err != nil {
			return nil, err
		}
		return page.Wire(), nil

	case protocol.CmdMarkAsRead:
		ref, err := protocol.DecodeData[protocol.ConversationRef](cmd)
		if err != nil {
			return nil, err
		}
		return nil, s.deps.Messages.MarkAsRead(ctx, ref.ConversationID, userID)

	case protocol.CmdTypingStart, protocol.CmdTypingStop:
		ref, err := protocol.DecodeData[protocol.ConversationRef](cmd)
		if err != nil {
			return nil, err
		}
		if _, err := s.deps.Conversations.GetConversationForMember(ctx, ref.ConversationID, userID); err != nil {
			return nil, err
		}
		if cmd.Type == protocol.CmdTypingStart {
			s.deps.Typing.StartTyping(ctx, ref.ConversationID, userID)
			s.typingIn[ref.ConversationID] = struct{}{}
		} else {
			s.deps.Typing.StopTyping(ctx, ref.ConversationID, userID)
			delete(s.typingIn, ref.ConversationID)
		}
		return nil, nil

	case protocol.CmdGetOnlineUsers:
		return s.onlineUsers(ctx)
	}

	return nil, fmt.Errorf("%w: unknown command %q", protocol.ErrMalformed, cmd.Type)
}

// join subscribes the connection to a conversation channel. Joining twice
// keeps the single existing subscription. The ack goes out only after the
// subscription exists, so the client misses nothing published afterwards.
func (s *session) join(ctx context.Context, conversationID string) (any, error) {
	conv, err := s.deps.Conversations.GetConversationForMember(ctx, conversationID, s.conn.UserID())
	if err != nil {
		return nil, err
	}
	if _, ok := s.joined[conversationID]; !ok {
		sub, err := s.deps.Bus.Subscribe(s.ctx, bus.ConversationChannel(conversationID), s.conn)
		if err != nil {
			return nil, fmt.Errorf("joining conversation: %w", err)
		}
		s.joined[conversationID] = sub
		s.logger.Debug("joined conversation", "conversation_id", conversationID)
	}
	return protocol.FromConversation(conv), nil
}

// leave is idempotent; leaving a conversation that was never joined is fine.
func (s *session) leave(conversationID string) {
	sub, ok := s.joined[conversationID]
	if !ok {
		return
	}
	sub.Unsubscribe()
	delete(s.joined, conversationID)
	s.logger.Debug("left conversation", "conversation_id", conversationID)
}

func (s *session) onlineUsers(ctx context.Context) (protocol.OnlineUsers, error) {
	users, err := s.deps.Presence.OnlineUsers(ctx)
	if err != nil {
		return protocol.OnlineUsers{}, fmt.Errorf("listing online users: %w", err)
	}
	if users == nil {
		users = []string{}
	}
	return protocol.OnlineUsers{UserIDs: users}, nil
}

func (s *session) reply(r protocol.Reply) {
	payload, err := json.Marshal(r)
	if err != nil {
		s.logger.Error("failed to encode reply", "request_id", r.RequestID, "error", err)
		return
	}
	if err := s.conn.enqueue(payload); err != nil {
		s.logger.Debug("reply dropped", "request_id", r.RequestID, "error", err)
	}
}

func (s *session) replyError(requestID string, err error) {
	code := conversation.ErrorCode(err)
	if code == protocol.CodeInternal {
		s.logger.Error("command failed", "request_id", requestID, "error", err)
	} else {
		s.logger.Debug("command rejected", "request_id", requestID, "code", code, "error", err)
	}
	s.reply(protocol.ErrorReply(requestID, code, conversation.PublicMessage(err)))
}
