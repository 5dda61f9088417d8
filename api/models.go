package api

import (
	"time"

	"github.com/veilmsg/veil/message"
	"github.com/veilmsg/veil/storage"
)

// RegisterRequest is the JSON body for POST /auth/register.
type RegisterRequest struct {
	Username  string `json:"username"`
	PublicKey string `json:"public_key"`
}

// RegisterResponse is returned from POST /auth/register.
type RegisterResponse struct {
	Username string `json:"username"`
}

// ChallengeRequest is the JSON body for POST /auth/challenge.
type ChallengeRequest struct {
	Username string `json:"username"`
}

// ChallengeResponse is returned from POST /auth/challenge.
type ChallengeResponse struct {
	Nonce string `json:"nonce"`
}

// VerifyRequest is the JSON body for POST /auth/verify.
type VerifyRequest struct {
	Username  string `json:"username"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// VerifyResponse is returned from POST /auth/verify.
type VerifyResponse struct {
	Token string `json:"token"`
}

// PublicKeyResponse is returned from GET /users/{username}/key.
type PublicKeyResponse struct {
	Username  string `json:"username"`
	PublicKey string `json:"public_key"`
}

// CreateChatroomRequest is the JSON body for POST /chatrooms.
type CreateChatroomRequest struct {
	Username string `json:"username"`
}

// ChatroomSummary describes one room the authenticated user belongs to.
// Unread is derived from the user's read mark versus the room's last
// activity.
type ChatroomSummary struct {
	ID               string               `json:"id"`
	Participants     [2]string            `json:"participants"`
	UpdatedAt        time.Time            `json:"updated_at"`
	ParticipantsRead map[string]time.Time `json:"participants_read"`
	Unread           bool                 `json:"unread"`
}

// ListChatroomsResponse is returned from GET /chatrooms.
type ListChatroomsResponse struct {
	Chatrooms []ChatroomSummary `json:"chatrooms"`
}

// ListMessagesResponse is returned from GET /chatrooms/{roomID}/messages.
type ListMessagesResponse struct {
	Messages []message.Message `json:"messages"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}

func summarizeRoom(room storage.Chatroom, username string) ChatroomSummary {
	readAt := room.ParticipantsRead[username]
	return ChatroomSummary{
		ID:               room.ID,
		Participants:     room.Participants,
		UpdatedAt:        room.UpdatedAt,
		ParticipantsRead: room.ParticipantsRead,
		Unread:           room.UpdatedAt.After(readAt),
	}
}
