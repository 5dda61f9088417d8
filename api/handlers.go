package api

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/veilmsg/veil/keys"
	"github.com/veilmsg/veil/storage"
)

// usernamePattern matches the accepted account names: 3-32 characters of
// lowercase letters, digits, underscore. Usernames feed the
// key-derivation salt and the room-ID scheme, so the charset stays narrow
// (in particular no "-", the room-ID separator).
var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{3,32}$`)

// Register handles POST /auth/register: binds a username to a public key.
// First write wins; the binding is immutable afterwards.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[RegisterRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if !usernamePattern.MatchString(req.Username) {
		writeError(w, http.StatusBadRequest, "invalid username")
		return
	}
	if _, err := keys.ParsePublicKeyHex(req.PublicKey); err != nil {
		writeError(w, http.StatusBadRequest, "invalid public key")
		return
	}

	err := a.store.CreateIdentity(storage.Identity{
		Username:  req.Username,
		PublicKey: req.PublicKey,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, http.StatusConflict, "username already registered")
			return
		}
		mapError(w, err)
		return
	}

	a.logger.Info("identity registered", "username", req.Username)
	writeJSON(w, http.StatusCreated, RegisterResponse{Username: req.Username})
}

// Challenge handles POST /auth/challenge: issues a login nonce. The nonce
// is issued whether or not the username is registered, so this endpoint
// does not confirm account existence; an unregistered name simply cannot
// produce a valid signature later.
func (a *API) Challenge(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ChallengeRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	nonce, err := a.auth.IssueChallenge(req.Username)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChallengeResponse{Nonce: nonce})
}

// Verify handles POST /auth/verify: checks the signed nonce and returns a
// session token. Failed attempts count against the client IP's lockout.
func (a *API) Verify(w http.ResponseWriter, r *http.Request) {
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.rateLimiter.check(clientIP); blocked {
		a.logger.Warn("login rate limited", "client_ip", clientIP)
		writeRateLimited(w, retryAfter)
		return
	}

	req, ok := decodeJSON[VerifyRequest](w, r, maxBodySize)
	if !ok {
		return
	}

	token, err := a.auth.VerifyChallenge(req.Username, req.Nonce, req.Signature)
	if err != nil {
		a.rateLimiter.recordFailure(clientIP)
		mapError(w, err)
		return
	}

	a.rateLimiter.recordSuccess(clientIP)
	writeJSON(w, http.StatusOK, VerifyResponse{Token: token})
}

// GetPublicKey handles GET /users/{username}/key. This is the lookup
// clients use to derive a shared secret with a counterparty.
func (a *API) GetPublicKey(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	identity, err := a.store.FindIdentity(username)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PublicKeyResponse{
		Username:  identity.Username,
		PublicKey: identity.PublicKey,
	})
}

// ListChatrooms handles GET /chatrooms for the authenticated user.
func (a *API) ListChatrooms(w http.ResponseWriter, r *http.Request) {
	username := usernameFromContext(r.Context())
	rooms, err := a.store.RoomsFor(username)
	if err != nil {
		mapError(w, err)
		return
	}

	summaries := make([]ChatroomSummary, 0, len(rooms))
	for _, room := range rooms {
		summaries = append(summaries, summarizeRoom(room, username))
	}
	writeJSON(w, http.StatusOK, ListChatroomsResponse{Chatrooms: summaries})
}

// CreateChatroom handles POST /chatrooms: opens (or returns) the room
// between the caller and the named user. Idempotent; the room ID is
// derived from the participant pair.
func (a *API) CreateChatroom(w http.ResponseWriter, r *http.Request) {
	username := usernameFromContext(r.Context())
	req, ok := decodeJSON[CreateChatroomRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Username == username {
		writeError(w, http.StatusBadRequest, "cannot open a room with yourself")
		return
	}
	if _, err := a.store.FindIdentity(req.Username); err != nil {
		mapError(w, err)
		return
	}

	room, err := a.store.FindOrCreateRoom(username, req.Username)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarizeRoom(*room, username))
}

// MarkRead handles POST /chatrooms/{roomID}/read: records the caller's
// read mark at the current instant.
func (a *API) MarkRead(w http.ResponseWriter, r *http.Request) {
	username := usernameFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	if ok, err := a.store.IsParticipant(roomID, username); err != nil {
		mapError(w, err)
		return
	} else if !ok {
		writeError(w, http.StatusForbidden, "not a participant of this room")
		return
	}

	if err := a.store.MarkRead(roomID, username, time.Now().UTC()); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMessages handles GET /chatrooms/{roomID}/messages?limit=&skip=.
// Messages come back oldest first; the payloads are ciphertext, readable
// only by the two participants.
func (a *API) ListMessages(w http.ResponseWriter, r *http.Request) {
	username := usernameFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	if ok, err := a.store.IsParticipant(roomID, username); err != nil {
		mapError(w, err)
		return
	} else if !ok {
		writeError(w, http.StatusForbidden, "not a participant of this room")
		return
	}

	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	skip, ok := queryInt(w, r, "skip")
	if !ok {
		return
	}

	msgs, err := a.store.MessagesByRoom(roomID, limit, skip)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListMessagesResponse{Messages: msgs})
}

// queryInt parses an optional non-negative integer query parameter,
// writing the error response itself on failure. Absent means zero.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name+" parameter")
		return 0, false
	}
	return n, true
}
