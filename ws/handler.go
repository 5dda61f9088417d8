package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veilmsg/veil/auth"
	"github.com/veilmsg/veil/storage"
)

// Server is the WebSocket delivery endpoint. It validates the session
// credential carried in the connection URI, keeps the connection registry,
// and dispatches inbound frames. Each connection's frames are handled in
// arrival order; different connections run concurrently and interact only
// through the registry.
type Server struct {
	tokens   *auth.TokenIssuer
	messages storage.MessageStore
	rooms    storage.ChatroomStore
	registry *registry
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the structured logger for connection lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates the delivery endpoint over the given credential issuer
// and stores.
func NewServer(tokens *auth.TokenIssuer, messages storage.MessageStore, rooms storage.ChatroomStore, opts ...Option) *Server {
	s := &Server{
		tokens:   tokens,
		messages: messages,
		rooms:    rooms,
		registry: newRegistry(),
		upgrader: websocket.Upgrader{
			// The credential in the URI is the authentication boundary;
			// browser clients connect from a separately served origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return s
}

// ServeHTTP upgrades the connection, authenticates it, and runs its read
// loop until the peer goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	if token == "" {
		closeWith(sock, CloseMissingToken, "missing token")
		return
	}
	username, err := s.tokens.Validate(token)
	if err != nil {
		closeWith(sock, CloseInvalidToken, "invalid token")
		return
	}

	c := &conn{username: username, sock: sock}
	if displaced := s.registry.register(c); displaced != nil {
		// Last-connect-wins: the superseded connection is closed, its
		// read loop exits, and its deregister is a no-op.
		displaced.sock.Close()
	}
	s.logger.Info("client connected", "username", username, "clients", s.registry.size())

	if err := c.send(Frame{Type: FrameConnected, Username: username}); err != nil {
		s.registry.deregister(c)
		sock.Close()
		return
	}

	s.readLoop(c)
}

func (s *Server) readLoop(c *conn) {
	defer func() {
		// Deregistration and close are atomic with respect to forwards:
		// after this, no frame can reach the stale connection handle.
		s.registry.deregister(c)
		c.sock.Close()
		s.logger.Info("client disconnected", "username", c.username, "clients", s.registry.size())
	}()

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.send(ErrorFrame("malformed frame"))
			continue
		}
		s.dispatch(c, f)
	}
}

func (s *Server) dispatch(c *conn, f Frame) {
	switch f.Type {
	case FrameNewMessage:
		s.handleNewMessage(c, f)
	case FrameTyping:
		s.handleTyping(c, f)
	case FrameReadReceipt:
		s.handleReadReceipt(c, f)
	default:
		c.send(ErrorFrame("unknown frame type: " + f.Type))
	}
}

// handleNewMessage persists an inbound message, forwards it to the
// recipient if connected, and acknowledges the sender with the delivery
// status. Persistence failure is fatal for the message: no forward, no
// success acknowledgement.
func (s *Server) handleNewMessage(c *conn, f Frame) {
	m, err := f.DecodeMessage()
	if err != nil {
		c.send(ErrorFrame("malformed message"))
		return
	}
	if m.Sender == "" || m.Receiver == "" || m.EncryptedMessage == "" {
		c.send(ErrorFrame("incomplete message"))
		return
	}
	if m.Sender != c.username {
		s.logger.Warn("sender mismatch", "authenticated", c.username, "claimed", m.Sender)
		c.send(ErrorFrame("sender does not match authenticated user"))
		return
	}
	ok, err := s.rooms.IsParticipant(m.RoomID, c.username)
	if err != nil {
		s.logger.Error("participant check failed", "room", m.RoomID, "error", err)
		c.send(ErrorFrame("failed to send message"))
		return
	}
	if !ok {
		c.send(ErrorFrame("not a participant of room " + m.RoomID))
		return
	}

	persisted, err := s.messages.InsertMessage(m)
	if err != nil {
		s.logger.Error("message persist failed", "room", m.RoomID, "error", err)
		c.send(ErrorFrame("failed to store message"))
		return
	}

	delivered := false
	if forward, err := NewMessageFrame(persisted); err == nil {
		delivered = s.registry.sendTo(persisted.Receiver, forward)
	}

	status := StatusQueued
	if delivered {
		status = StatusDelivered
	}
	c.send(MessageSentFrame(MessageEcho{ID: persisted.ID, Timestamp: persisted.Timestamp}, status))
}

// handleTyping forwards a typing indicator to the named recipient, if
// connected. No persistence, no acknowledgement.
func (s *Server) handleTyping(c *conn, f Frame) {
	if f.Receiver == "" {
		return
	}
	s.registry.sendTo(f.Receiver, Frame{
		Type:   FrameTyping,
		Sender: c.username,
		RoomID: f.RoomID,
	})
}

// handleReadReceipt forwards a read receipt to the named recipient, if
// connected. No persistence, no acknowledgement.
func (s *Server) handleReadReceipt(c *conn, f Frame) {
	if f.Receiver == "" {
		return
	}
	s.registry.sendTo(f.Receiver, Frame{
		Type:      FrameReadReceipt,
		MessageID: f.MessageID,
		Reader:    c.username,
	})
}

// closeWith sends a close frame with the given code and drops the
// connection. Used for authentication failures before any frame exchange.
func closeWith(sock *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	sock.Close()
}
