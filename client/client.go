// Package client is the Go client for the messaging service: key
// derivation and login, the reconnecting delivery socket, and end-to-end
// encryption of everything that crosses the wire.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/veilmsg/veil/api"
	"github.com/veilmsg/veil/auth"
	"github.com/veilmsg/veil/keys"
	"github.com/veilmsg/veil/message"
	"github.com/veilmsg/veil/secret"
	"github.com/veilmsg/veil/ws"
)

const (
	apiPrefix = "/api/v1"
	wsPath    = "/ws"
)

// APIError is a non-2xx response from the REST surface.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: server returned %d: %s", e.Status, e.Message)
}

// Incoming is a received message after decryption and verification.
// Trusted is true only when the payload decrypted cleanly, the hash
// matches, and the signature verifies against the sender's registered key;
// anything less and the plaintext must not be presented as authentic.
type Incoming struct {
	Message   message.Message
	Plaintext string
	Trusted   bool
}

// Callbacks are the application hooks for socket events. Nil fields are
// skipped. They run on the socket's read goroutine, so they must not block.
type Callbacks struct {
	OnMessage     func(Incoming)
	OnDelivery    func(echo ws.MessageEcho, status string)
	OnTyping      func(sender, roomID string)
	OnReadReceipt func(messageID, reader string)
	OnError       func(text string)
}

// Client talks to one messaging server on behalf of one user. Create it
// with New, then Login and Connect. Safe for concurrent use after Login.
type Client struct {
	baseURL   string
	httpc     *http.Client
	logger    *slog.Logger
	callbacks Callbacks

	mu       sync.Mutex
	username string
	token    string
	km       *keys.KeyMaterial
	session  *secret.Session
	codec    *message.Codec
	sock     *ReconnectingSocket
	rooms    map[string]string // counterparty -> room id, ensured server-side
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for REST calls.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithCallbacks installs the application hooks for socket events.
func WithCallbacks(cb Callbacks) Option {
	return func(c *Client) { c.callbacks = cb }
}

// New creates a client for the server at baseURL (scheme and host, no
// trailing slash).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   http.DefaultClient,
		rooms:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return c
}

// Register derives the identity keypair from the credentials and registers
// the public key under the username. The derived material is wiped before
// returning; Login re-derives it.
func (c *Client) Register(ctx context.Context, username, password string) error {
	km, err := keys.Derive(password, username)
	if err != nil {
		return err
	}
	defer km.Destroy()

	return c.doJSON(ctx, http.MethodPost, "/auth/register", api.RegisterRequest{
		Username:  username,
		PublicKey: km.PublicKeyHex(),
	}, nil)
}

// Login derives the identity keypair, proves possession of it through the
// challenge-response flow, and retains the session state needed to encrypt
// and decrypt messages.
func (c *Client) Login(ctx context.Context, username, password string) error {
	km, err := keys.Derive(password, username)
	if err != nil {
		return err
	}

	var challenge api.ChallengeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/challenge", api.ChallengeRequest{Username: username}, &challenge); err != nil {
		km.Destroy()
		return err
	}

	sig, err := km.Sign(auth.ChallengeDigest(challenge.Nonce))
	if err != nil {
		km.Destroy()
		return err
	}

	var verified api.VerifyResponse
	err = c.doJSON(ctx, http.MethodPost, "/auth/verify", api.VerifyRequest{
		Username:  username,
		Nonce:     challenge.Nonce,
		Signature: sig,
	}, &verified)
	if err != nil {
		km.Destroy()
		return err
	}

	session := secret.New(&httpResolver{c: c})
	session.SetKeyMaterial(km)
	c.setSession(username, verified.Token, km, session)

	c.logger.Info("logged in", "username", username)
	return nil
}

// setSession swaps in freshly derived login state, wiping whatever a prior
// Login left behind so the old enclave does not outlive its session.
func (c *Client) setSession(username, token string, km *keys.KeyMaterial, session *secret.Session) {
	c.mu.Lock()
	prevKM, prevSession := c.km, c.session
	c.username = username
	c.token = token
	c.km = km
	c.session = session
	c.codec = message.NewCodec(km, session)
	c.rooms = make(map[string]string)
	c.mu.Unlock()

	if prevKM != nil {
		prevKM.Destroy()
	}
	if prevSession != nil {
		prevSession.ClearAll()
	}
}

// Connect opens the delivery socket. Requires a prior successful Login.
// The socket reconnects on its own until Logout.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return fmt.Errorf("client: not logged in")
	}

	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + wsPath + "?token=" + token
	sock := newReconnectingSocket(wsURL, c.handleFrame, c.logger)
	if err := sock.Connect(ctx); err != nil {
		return fmt.Errorf("client: connecting socket: %w", err)
	}

	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()
	return nil
}

// SendMessage encrypts plaintext for the receiver and sends it over the
// socket, opening the shared room first if this is the first contact. The
// returned record is the composed message (without the server-assigned ID).
func (c *Client) SendMessage(ctx context.Context, receiver, plaintext string) (*message.Message, error) {
	c.mu.Lock()
	codec, sock, username := c.codec, c.sock, c.username
	c.mu.Unlock()
	if codec == nil {
		return nil, fmt.Errorf("client: not logged in")
	}
	if sock == nil {
		return nil, fmt.Errorf("client: not connected")
	}

	roomID, err := c.ensureRoom(ctx, receiver)
	if err != nil {
		return nil, err
	}

	m, err := codec.Compose(ctx, plaintext, username, receiver, roomID)
	if err != nil {
		return nil, err
	}
	f, err := ws.NewMessageFrame(m)
	if err != nil {
		return nil, err
	}
	if err := sock.Send(f); err != nil {
		return nil, err
	}
	return m, nil
}

// SendTyping notifies the receiver that the user is typing.
func (c *Client) SendTyping(ctx context.Context, receiver string) error {
	c.mu.Lock()
	sock, username := c.sock, c.username
	c.mu.Unlock()
	if sock == nil {
		return fmt.Errorf("client: not connected")
	}
	return sock.Send(ws.Frame{
		Type:     ws.FrameTyping,
		Receiver: receiver,
		RoomID:   message.RoomID(username, receiver),
	})
}

// SendReadReceipt tells the receiver their message was read.
func (c *Client) SendReadReceipt(ctx context.Context, receiver, messageID string) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return fmt.Errorf("client: not connected")
	}
	return sock.Send(ws.Frame{
		Type:      ws.FrameReadReceipt,
		Receiver:  receiver,
		MessageID: messageID,
	})
}

// Chatrooms lists the rooms the user belongs to.
func (c *Client) Chatrooms(ctx context.Context) ([]api.ChatroomSummary, error) {
	var resp api.ListChatroomsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/chatrooms", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chatrooms, nil
}

// MarkRead records the user's read mark for the room.
func (c *Client) MarkRead(ctx context.Context, roomID string) error {
	return c.doJSON(ctx, http.MethodPost, "/chatrooms/"+roomID+"/read", struct{}{}, nil)
}

// History fetches stored messages for the room (oldest first) and runs
// each through decryption and verification, exactly as live messages are.
func (c *Client) History(ctx context.Context, roomID string, limit, skip int) ([]Incoming, error) {
	path := "/chatrooms/" + roomID + "/messages?limit=" + strconv.Itoa(limit) + "&skip=" + strconv.Itoa(skip)
	var resp api.ListMessagesResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Incoming, 0, len(resp.Messages))
	for i := range resp.Messages {
		out = append(out, c.process(ctx, &resp.Messages[i]))
	}
	return out, nil
}

// Logout closes the socket and wipes all key material and cached secrets.
func (c *Client) Logout() {
	c.mu.Lock()
	sock, session, km := c.sock, c.session, c.km
	c.sock = nil
	c.session = nil
	c.codec = nil
	c.km = nil
	c.token = ""
	c.rooms = make(map[string]string)
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	if km != nil {
		km.Destroy()
	}
	if session != nil {
		session.ClearAll()
	}
}

// ensureRoom makes sure the shared room with the counterparty exists
// server-side, caching the result per counterparty.
func (c *Client) ensureRoom(ctx context.Context, counterparty string) (string, error) {
	c.mu.Lock()
	if roomID, ok := c.rooms[counterparty]; ok {
		c.mu.Unlock()
		return roomID, nil
	}
	c.mu.Unlock()

	var room api.ChatroomSummary
	err := c.doJSON(ctx, http.MethodPost, "/chatrooms", api.CreateChatroomRequest{Username: counterparty}, &room)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.rooms[counterparty] = room.ID
	c.mu.Unlock()
	return room.ID, nil
}

// process decrypts and verifies one message, collapsing the outcome into
// the Trusted flag. The counterparty for key agreement is the other
// participant, whichever direction the message travelled.
func (c *Client) process(ctx context.Context, m *message.Message) Incoming {
	c.mu.Lock()
	codec, session, username := c.codec, c.session, c.username
	c.mu.Unlock()

	in := Incoming{Message: *m}
	if codec == nil {
		return in
	}

	counterparty := m.Sender
	if counterparty == username {
		counterparty = m.Receiver
	}

	plaintext, err := codec.Open(ctx, m, counterparty)
	if err != nil {
		c.logger.Warn("message failed to decrypt", "room", m.RoomID, "error", err)
		return in
	}
	in.Plaintext = plaintext

	senderKey, err := session.PublicKey(ctx, m.Sender)
	if err != nil {
		c.logger.Warn("sender key lookup failed", "sender", m.Sender, "error", err)
		return in
	}
	if err := message.Verify(m, plaintext, senderKey); err != nil {
		c.logger.Warn("message failed verification", "room", m.RoomID, "error", err)
		return in
	}
	in.Trusted = true
	return in
}

// handleFrame dispatches one inbound socket frame to the callbacks.
func (c *Client) handleFrame(f ws.Frame) {
	switch f.Type {
	case ws.FrameConnected:
		c.logger.Info("socket connected", "username", f.Username)
	case ws.FrameNewMessage:
		m, err := f.DecodeMessage()
		if err != nil {
			c.logger.Warn("malformed message frame", "error", err)
			return
		}
		if c.callbacks.OnMessage != nil {
			c.callbacks.OnMessage(c.process(context.Background(), m))
		}
	case ws.FrameMessageSent:
		echo, err := f.DecodeEcho()
		if err != nil {
			c.logger.Warn("malformed ack frame", "error", err)
			return
		}
		if c.callbacks.OnDelivery != nil {
			c.callbacks.OnDelivery(echo, f.Status)
		}
	case ws.FrameTyping:
		if c.callbacks.OnTyping != nil {
			c.callbacks.OnTyping(f.Sender, f.RoomID)
		}
	case ws.FrameReadReceipt:
		if c.callbacks.OnReadReceipt != nil {
			c.callbacks.OnReadReceipt(f.MessageID, f.Reader)
		}
	case ws.FrameError:
		c.logger.Warn("server error frame", "error", f.ErrorText())
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(f.ErrorText())
		}
	default:
		c.logger.Warn("unknown frame type", "type", f.Type)
	}
}

// doJSON performs one REST round trip, attaching the bearer token when
// present and decoding either the response body or the error envelope.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// httpResolver looks up counterparty public keys through the REST surface.
// It satisfies the shared-secret session's resolver interface.
type httpResolver struct {
	c *Client
}

func (r *httpResolver) PublicKey(ctx context.Context, username string) (string, error) {
	var resp api.PublicKeyResponse
	if err := r.c.doJSON(ctx, http.MethodGet, "/users/"+username+"/key", nil, &resp); err != nil {
		return "", err
	}
	return resp.PublicKey, nil
}
