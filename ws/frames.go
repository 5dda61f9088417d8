// Package ws implements the real-time delivery transport: a WebSocket
// endpoint that authenticates connections with a session credential,
// registers one live connection per user, and routes protocol frames
// between peers.
package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/veilmsg/veil/message"
)

// Frame types carried in the "type" field of every envelope.
const (
	FrameConnected   = "connected"
	FrameNewMessage  = "new_message"
	FrameMessageSent = "message_sent"
	FrameTyping      = "typing"
	FrameReadReceipt = "read_receipt"
	FrameError       = "error"
)

// Delivery statuses reported in message_sent acknowledgements. Queued means
// durably stored for the recipient's next history fetch, not actively
// retried.
const (
	StatusDelivered = "delivered"
	StatusQueued    = "queued"
)

// Close codes used before any frame is exchanged when the connection cannot
// be authenticated.
const (
	CloseMissingToken = 4001
	CloseInvalidToken = 4003
)

// Frame is the JSON wire envelope. The type tag discriminates which fields
// are meaningful; Message holds either a message record (new_message), an
// echo (message_sent), or an error string (error), so it stays raw until
// the type is known.
type Frame struct {
	Type      string          `json:"type"`
	Username  string          `json:"username,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Status    string          `json:"status,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Receiver  string          `json:"receiver,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Reader    string          `json:"reader,omitempty"`
}

// MessageEcho is the payload of a message_sent acknowledgement: enough for
// the sender to correlate and display delivery state.
type MessageEcho struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessageFrame wraps a message record in a new_message envelope.
func NewMessageFrame(m *message.Message) (Frame, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return Frame{}, fmt.Errorf("ws: encoding message: %w", err)
	}
	return Frame{Type: FrameNewMessage, Message: raw}, nil
}

// DecodeMessage extracts the message record from a new_message envelope.
func (f Frame) DecodeMessage() (*message.Message, error) {
	if len(f.Message) == 0 {
		return nil, fmt.Errorf("ws: frame carries no message payload")
	}
	var m message.Message
	if err := json.Unmarshal(f.Message, &m); err != nil {
		return nil, fmt.Errorf("ws: decoding message: %w", err)
	}
	return &m, nil
}

// MessageSentFrame builds the acknowledgement for a handled new_message.
func MessageSentFrame(echo MessageEcho, status string) Frame {
	raw, _ := json.Marshal(echo)
	return Frame{Type: FrameMessageSent, Message: raw, Status: status}
}

// DecodeEcho extracts the echo payload from a message_sent envelope.
func (f Frame) DecodeEcho() (MessageEcho, error) {
	var echo MessageEcho
	if err := json.Unmarshal(f.Message, &echo); err != nil {
		return MessageEcho{}, fmt.Errorf("ws: decoding echo: %w", err)
	}
	return echo, nil
}

// ErrorFrame builds an error envelope. Errors are data sent back to the
// offending client; they never close the connection.
func ErrorFrame(text string) Frame {
	raw, _ := json.Marshal(text)
	return Frame{Type: FrameError, Message: raw}
}

// ErrorText extracts the message string from an error envelope.
func (f Frame) ErrorText() string {
	var text string
	if err := json.Unmarshal(f.Message, &text); err != nil {
		return ""
	}
	return text
}
