package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/pulsegate/pulsegate/internal/auth"
	"github.com/pulsegate/pulsegate/internal/core/connection"
	"github.com/pulsegate/pulsegate/internal/core/event"
	"github.com/pulsegate/pulsegate/internal/core/observability/log"
	"github.com/pulsegate/pulsegate/internal/core/registry"
)

// responderTimeout bounds one chat responder call. The response outlives
// the sender's socket, so it runs on a detached context.
const responderTimeout = 30 * time.Second

var errIdentityMismatch = errors.New("server: identity mismatch")

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			log.String("remote", r.RemoteAddr), log.Error(err))
		return
	}
	if s.cfg.ReadLimit > 0 {
		ws.SetReadLimit(s.cfg.ReadLimit)
	}
	sock := newWSSocket(ws, s.cfg.WriteTimeout)

	if origin := r.Header.Get("Origin"); !s.originAllowed(origin) {
		s.logger.Warn("origin rejected",
			log.String("origin", origin), log.String("remote", r.RemoteAddr))
		_ = sock.Close(CloseIdentityMismatch, "origin not allowed")
		return
	}

	s.runSession(r.Context(), sock, r.RemoteAddr)
}

// originAllowed applies the configured allow-list. An empty list admits
// everyone; a missing Origin header means a non-browser client.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) runSession(ctx context.Context, sock *wsSocket, remote string) {
	conn, err := s.handshake(ctx, sock)
	if err != nil {
		return
	}
	logger := s.logger.With(
		log.String("connection_id", conn.ID().String()),
		log.String("user_id", conn.UserID()),
		log.String("remote", remote))
	logger.Debug("session started")

	defer func() {
		err := s.registry.Disconnect(context.Background(), conn.ID(),
			websocket.CloseNormalClosure, "client disconnected")
		if err != nil && !errors.Is(err, registry.ErrNotFound) {
			logger.Warn("disconnect failed", log.Error(err))
		}
		logger.Debug("session ended")
	}()

	s.readLoop(ctx, conn, sock)
}

// handshake enforces first-frame authentication within AuthTimeout. On
// failure the socket is closed with the matching code and no connection
// is registered.
func (s *Server) handshake(ctx context.Context, sock *wsSocket) (*connection.Connection, error) {
	sock.setReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	raw, err := sock.ReceiveText()
	if err != nil {
		_ = sock.Close(CloseMalformedAuth, "authentication timed out")
		return nil, err
	}
	sock.setReadDeadline(time.Time{})

	frame, err := event.ParseInbound([]byte(raw))
	if err != nil {
		_ = sock.Close(CloseMalformedAuth, "malformed auth frame")
		return nil, err
	}
	if !frame.IsAuth() {
		_ = sock.Close(CloseMalformedAuth, "first frame must be auth")
		return nil, errors.Errorf("server: unexpected first frame %q", frame.Type)
	}
	if frame.Token == "" {
		_ = sock.Close(CloseMalformedAuth, "token required")
		return nil, auth.ErrTokenMissing
	}

	conn, err := s.registry.AuthenticateAndRegister(ctx, sock, frame.Token, frame.SessionID, frame.Channels)
	if err != nil {
		code, reason := closeCodeFor(err)
		_ = sock.Close(code, reason)
		return nil, err
	}

	established := event.NewConnectionEstablished(
		conn.ID().String(), conn.UserID(), s.cfg.AvailableChannels, s.cfg.HeartbeatInterval)
	if !conn.Send(established) {
		s.logger.Warn("connection_established not delivered",
			log.String("connection_id", conn.ID().String()))
	}
	return conn, nil
}

func closeCodeFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrTokenMissing):
		return CloseMalformedAuth, "token required"
	case errors.Is(err, auth.ErrTokenMalformed),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenInvalid):
		return CloseAuthFailed, "authentication failed"
	case errors.Is(err, registry.ErrConnectionLimit):
		return websocket.ClosePolicyViolation, "connection limit exceeded"
	case errors.Is(err, registry.ErrNotRunning):
		return websocket.CloseGoingAway, "server shutting down"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection.Connection, sock *wsSocket) {
	for {
		raw, err := sock.ReceiveText()
		if err != nil {
			return
		}
		conn.RecordReceived(len(raw))

		frame, err := event.ParseInbound([]byte(raw))
		if err != nil {
			conn.Send(event.NewError(event.ErrorCodeInvalidJSON, "frame could not be parsed"))
			continue
		}

		if err := s.dispatch(ctx, conn, frame); err != nil {
			if errors.Is(err, errIdentityMismatch) {
				_ = s.registry.Disconnect(ctx, conn.ID(), CloseIdentityMismatch, "identity mismatch")
			}
			return
		}
	}
}

// dispatch handles one parsed frame. A non-nil return ends the session;
// recoverable problems answer with an error event instead.
func (s *Server) dispatch(ctx context.Context, conn *connection.Connection, frame *event.InboundFrame) error {
	switch {
	case frame.IsAuth():
		conn.Send(event.NewError(event.ErrorCodeAlreadyAuthenticated, "connection is already authenticated"))
	case frame.IsHeartbeat():
		conn.TouchHeartbeat()
		conn.Send(event.NewPong())
	case frame.Type == event.TypePong:
		conn.HandlePong()
	case frame.Type == event.TypeSubscribe:
		s.handleSubscribe(conn, frame)
	case frame.Type == event.TypeChatMessage:
		return s.handleChat(ctx, conn, frame)
	default:
		conn.Send(event.NewError(event.ErrorCodeUnknownType,
			fmt.Sprintf("unrecognized message type %q", frame.Type)))
	}
	return nil
}

func (s *Server) handleSubscribe(conn *connection.Connection, frame *event.InboundFrame) {
	current, err := s.registry.Subscribe(conn.ID(), frame.Channels, frame.UnsubscribeChannels)
	if err != nil {
		s.logger.Warn("subscribe failed",
			log.String("connection_id", conn.ID().String()), log.Error(err))
		return
	}
	conn.Send(event.NewSubscriptionUpdated(frame.Channels, frame.UnsubscribeChannels, current))
}

func (s *Server) handleChat(ctx context.Context, conn *connection.Connection, frame *event.InboundFrame) error {
	if frame.UserID != "" && frame.UserID != conn.UserID() {
		s.logger.Warn("chat user_id does not match authenticated identity",
			log.String("connection_id", conn.ID().String()),
			log.String("claimed", frame.UserID))
		return errIdentityMismatch
	}
	if frame.Content == "" {
		conn.Send(event.NewError(event.ErrorCodeInvalidContent, "content required"))
		return nil
	}
	if !event.ValidContent(frame.Content) {
		conn.Send(event.NewError(event.ErrorCodeInvalidContent, "content contains control characters"))
		return nil
	}

	res := s.limiter.CheckMessageRate(ctx, conn.UserID(), conn.ID().String())
	if !res.Allowed {
		conn.Send(event.NewRateLimitWarning(res.Reason, int(res.Remaining), res.RetryAfter))
		return nil
	}

	sessionID := frame.SessionID
	if sessionID == "" {
		sessionID = conn.SessionID()
	}

	payload := map[string]any{
		"content":   frame.Content,
		"sender_id": conn.UserID(),
	}
	if len(frame.Metadata) > 0 {
		payload["metadata"] = frame.Metadata
	}
	env := event.New(event.TypeChatMessage, payload,
		event.WithUser(conn.UserID()), event.WithSession(sessionID))

	if sessionID != "" {
		s.router.SendToSession(ctx, sessionID, env)
	} else {
		s.router.SendToConnection(ctx, conn.ID(), env)
	}

	if s.responder != nil {
		go s.respond(conn.UserID(), sessionID, conn.ID(), frame.Content, env.ID)
	}
	return nil
}

// respond runs the chat responder off the read loop so a slow backend
// cannot stall inbound dispatch.
func (s *Server) respond(userID, sessionID string, connID connection.ID, content, inReplyTo string) {
	ctx, cancel := context.WithTimeout(context.Background(), responderTimeout)
	defer cancel()

	reply, err := s.responder.Respond(ctx, userID, sessionID, content)
	if err != nil {
		s.logger.Warn("chat responder failed", log.String("user_id", userID), log.Error(err))
		return
	}

	env := event.New(event.TypeChatResponse, map[string]any{
		"content":     reply,
		"in_reply_to": inReplyTo,
	}, event.WithUser(userID), event.WithSession(sessionID))

	if sessionID != "" {
		s.router.SendToSession(ctx, sessionID, env)
		return
	}
	s.router.SendToConnection(ctx, connID, env)
}
