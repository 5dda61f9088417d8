package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veilmsg/veil/ws"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 10 * time.Second
)

// ErrSocketClosed is returned by Send after a manual Close.
var ErrSocketClosed = errors.New("client: socket closed")

// ReconnectingSocket wraps a WebSocket connection with automatic
// reconnection. Dial failures and dropped connections are retried with
// exponential backoff (1s doubling to a 10s ceiling, reset on success).
// Frames sent while disconnected are queued and flushed in order on
// reconnect, before anything sent afterwards. A manual Close suppresses
// reconnection for good.
type ReconnectingSocket struct {
	url     string
	dialer  *websocket.Dialer
	onFrame func(ws.Frame)
	logger  *slog.Logger

	mu      sync.Mutex
	sock    *websocket.Conn
	queue   []ws.Frame
	backoff time.Duration
	closed  bool
	done    chan struct{}
}

func newReconnectingSocket(url string, onFrame func(ws.Frame), logger *slog.Logger) *ReconnectingSocket {
	return &ReconnectingSocket{
		url:     url,
		dialer:  websocket.DefaultDialer,
		onFrame: onFrame,
		logger:  logger,
		backoff: initialBackoff,
		done:    make(chan struct{}),
	}
}

// Connect performs the initial dial. Unlike later reconnects it is
// synchronous and surfaces the error, so a bad URL or rejected credential
// fails loudly instead of retrying in the background forever.
func (s *ReconnectingSocket) Connect(ctx context.Context) error {
	sock, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.install(sock)
	return nil
}

// install makes sock the live connection, flushes the offline queue, and
// starts the read loop.
func (s *ReconnectingSocket) install(sock *websocket.Conn) {
	s.mu.Lock()
	s.sock = sock
	s.backoff = initialBackoff
	// Flush under the lock: everything queued while offline goes out
	// before any Send that observes the restored connection.
	for i, f := range s.queue {
		if err := s.sock.WriteJSON(f); err != nil {
			// The connection died before the flush finished. Keep the
			// unsent tail and go back to reconnecting; leaving the dead
			// socket installed would wedge the transport for good.
			s.queue = s.queue[i:]
			s.sock = nil
			closed := s.closed
			s.mu.Unlock()
			sock.Close()
			if !closed {
				go s.reconnectLoop()
			}
			return
		}
	}
	s.queue = nil
	s.mu.Unlock()

	go s.readLoop(sock)
}

// Send transmits the frame, or queues it if the socket is currently
// disconnected. Queued frames survive until the next successful reconnect.
func (s *ReconnectingSocket) Send(f ws.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSocketClosed
	}
	if s.sock == nil {
		s.queue = append(s.queue, f)
		return nil
	}
	if err := s.sock.WriteJSON(f); err != nil {
		// The read loop will notice the dead connection and reconnect;
		// keep the frame for the flush.
		s.queue = append(s.queue, f)
	}
	return nil
}

// Close shuts the socket down and suppresses any further reconnection.
func (s *ReconnectingSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	sock := s.sock
	s.sock = nil
	s.mu.Unlock()
	if sock != nil {
		return sock.Close()
	}
	return nil
}

func (s *ReconnectingSocket) readLoop(sock *websocket.Conn) {
	for {
		var f ws.Frame
		if err := sock.ReadJSON(&f); err != nil {
			break
		}
		s.onFrame(f)
	}
	sock.Close()

	s.mu.Lock()
	if s.sock == sock {
		s.sock = nil
	}
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		go s.reconnectLoop()
	}
}

func (s *ReconnectingSocket) reconnectLoop() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		wait := s.backoff
		s.mu.Unlock()

		s.logger.Info("reconnecting", "in", wait)
		select {
		case <-s.done:
			return
		case <-time.After(wait):
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.backoff *= 2
		if s.backoff > maxBackoff {
			s.backoff = maxBackoff
		}
		s.mu.Unlock()

		sock, _, err := s.dialer.Dial(s.url, nil)
		if err != nil {
			s.logger.Warn("reconnect failed", "error", err)
			continue
		}
		s.install(sock)
		return
	}
}
