package client

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmsg/veil/ws"
)

// frameSink accepts WebSocket connections and funnels every received frame
// into a channel, exposing the server side of each connection so tests can
// kill it.
type frameSink struct {
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
	frames   chan ws.Frame
}

func newFrameSink() *frameSink {
	return &frameSink{
		conns:  make(chan *websocket.Conn, 8),
		frames: make(chan ws.Frame, 64),
	}
}

func (fs *frameSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.conns <- sock
	for {
		var f ws.Frame
		if err := sock.ReadJSON(&f); err != nil {
			return
		}
		fs.frames <- f
	}
}

func waitConn(t *testing.T, fs *frameSink) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func waitFrame(t *testing.T, fs *frameSink) ws.Frame {
	t.Helper()
	select {
	case f := <-fs.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return ws.Frame{}
	}
}

func newTestSocket(t *testing.T, fs *frameSink) *ReconnectingSocket {
	t.Helper()
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	s := newReconnectingSocket(url, func(ws.Frame) {}, slog.New(slog.DiscardHandler))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSocketSendWhileConnected(t *testing.T) {
	fs := newFrameSink()
	s := newTestSocket(t, fs)
	require.NoError(t, s.Connect(context.Background()))
	waitConn(t, fs)

	require.NoError(t, s.Send(ws.Frame{Type: ws.FrameTyping, Receiver: "bob"}))
	f := waitFrame(t, fs)
	assert.Equal(t, ws.FrameTyping, f.Type)
}

func TestSocketQueuesAndFlushesInOrder(t *testing.T) {
	fs := newFrameSink()
	s := newTestSocket(t, fs)
	require.NoError(t, s.Connect(context.Background()))

	// Kill the server side; the client read loop notices and schedules a
	// reconnect.
	waitConn(t, fs).Close()

	// Give the read loop a moment to observe the close, then queue sends
	// while disconnected.
	time.Sleep(100 * time.Millisecond)
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.Send(ws.Frame{Type: ws.FrameReadReceipt, MessageID: id}))
	}

	// After reconnect the queue is flushed first, in order.
	waitConn(t, fs)
	for _, want := range []string{"m1", "m2", "m3"} {
		f := waitFrame(t, fs)
		assert.Equal(t, want, f.MessageID)
	}
}

func TestSocketFlushFailureReconnects(t *testing.T) {
	fs := newFrameSink()
	s := newTestSocket(t, fs)

	// Queue while disconnected.
	require.NoError(t, s.Send(ws.Frame{Type: ws.FrameReadReceipt, MessageID: "m1"}))

	// Hand install a connection that is already dead so the flush write
	// fails. The socket must drop it and keep reconnecting rather than
	// wedge with the dead connection installed.
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.NoError(t, err)
	waitConn(t, fs)
	conn.Close()
	s.install(conn)

	waitConn(t, fs)
	f := waitFrame(t, fs)
	assert.Equal(t, "m1", f.MessageID)
}

func TestSocketCloseSuppressesReconnect(t *testing.T) {
	fs := newFrameSink()
	s := newTestSocket(t, fs)
	require.NoError(t, s.Connect(context.Background()))
	waitConn(t, fs)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send(ws.Frame{Type: ws.FrameTyping}), ErrSocketClosed)

	// No new connection appears after a manual close.
	select {
	case <-fs.conns:
		t.Fatal("socket reconnected after Close")
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestSocketCloseInterruptsBackoff(t *testing.T) {
	fs := newFrameSink()
	s := newTestSocket(t, fs)
	require.NoError(t, s.Connect(context.Background()))

	// Stretch the backoff so the reconnect goroutine is parked waiting,
	// then kill the connection to start it.
	s.mu.Lock()
	s.backoff = time.Hour
	s.mu.Unlock()
	waitConn(t, fs).Close()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, s.Close())

	// Close signals the wait instead of letting it run out.
	select {
	case <-s.done:
	default:
		t.Fatal("Close did not signal the done channel")
	}
	select {
	case <-fs.conns:
		t.Fatal("socket reconnected after Close")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestSocketConnectFailsFast(t *testing.T) {
	s := newReconnectingSocket("ws://127.0.0.1:1/nope", func(ws.Frame) {}, slog.New(slog.DiscardHandler))
	assert.Error(t, s.Connect(context.Background()))
}
