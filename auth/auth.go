// Package auth implements the challenge-response login protocol: the server
// issues a single-use random nonce, the client proves possession of its
// private key by signing it, and a successful verification yields a session
// credential.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veilmsg/veil/internal/util"
	"github.com/veilmsg/veil/keys"
	"github.com/veilmsg/veil/storage"
)

const (
	nonceSize = 32
	// maxIssueAttempts bounds regeneration when a freshly drawn nonce
	// collides with a stored unexpired one. Collisions on 32 random bytes
	// do not happen in practice; the bound exists to fail closed instead
	// of looping if the store misbehaves.
	maxIssueAttempts = 3
)

var (
	// ErrInvalidNonce is returned when the presented nonce does not
	// exist, was already used, or has expired. The login must restart.
	ErrInvalidNonce = errors.New("auth: invalid or expired nonce")
	// ErrUnknownUser is returned when no identity is registered under the
	// claimed username.
	ErrUnknownUser = errors.New("auth: unknown user")
	// ErrBadSignature is returned when the signature fails to parse or
	// does not verify against the registered public key.
	ErrBadSignature = errors.New("auth: signature verification failed")
)

// ChallengeDigest is the digest both peers sign and verify for a login
// nonce: SHA-256 over the hex nonce string bytes.
func ChallengeDigest(nonce string) []byte {
	sum := sha256.Sum256([]byte(nonce))
	return sum[:]
}

// Authenticator issues and verifies login challenges.
type Authenticator struct {
	identities storage.IdentityStore
	nonces     storage.NonceStore
	tokens     *TokenIssuer
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the structured logger for auth events.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// NewAuthenticator creates an authenticator over the given stores and token
// issuer.
func NewAuthenticator(identities storage.IdentityStore, nonces storage.NonceStore, tokens *TokenIssuer, opts ...Option) *Authenticator {
	a := &Authenticator{
		identities: identities,
		nonces:     nonces,
		tokens:     tokens,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// IssueChallenge generates and persists a fresh login nonce for the given
// username (which may be empty; the binding is advisory). Fails closed if a
// nonce cannot be stored within the attempt bound.
func (a *Authenticator) IssueChallenge(username string) (string, error) {
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		raw, err := util.RandomBytes(nonceSize)
		if err != nil {
			return "", fmt.Errorf("auth: generating nonce: %w", err)
		}
		nonce := hex.EncodeToString(raw)

		err = a.nonces.CreateNonce(storage.Nonce{
			Nonce:     nonce,
			Username:  username,
			CreatedAt: a.now(),
		})
		if errors.Is(err, storage.ErrDuplicate) {
			a.logger.Warn("nonce collision, regenerating", "attempt", attempt+1)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("auth: storing nonce: %w", err)
		}
		return nonce, nil
	}
	return "", fmt.Errorf("auth: could not issue a unique nonce after %d attempts", maxIssueAttempts)
}

// ValidateToken checks a session credential and returns the username it was
// issued to.
func (a *Authenticator) ValidateToken(token string) (string, error) {
	return a.tokens.Validate(token)
}

// VerifyChallenge validates a signed nonce and, on success, consumes the
// nonce and issues a session credential. The nonce is consumed atomically:
// of any concurrent submissions of the same nonce, at most one obtains a
// credential.
func (a *Authenticator) VerifyChallenge(username, nonce, signatureHex string) (string, error) {
	rec, err := a.nonces.FindNonce(nonce)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalidNonce
		}
		return "", fmt.Errorf("auth: looking up nonce: %w", err)
	}
	if rec.Username != "" && rec.Username != username {
		return "", ErrInvalidNonce
	}

	identity, err := a.identities.FindIdentity(username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrUnknownUser
		}
		return "", fmt.Errorf("auth: looking up identity: %w", err)
	}

	if !keys.VerifySignature(identity.PublicKey, signatureHex, ChallengeDigest(nonce)) {
		a.logger.Warn("challenge signature rejected", "username", username)
		return "", ErrBadSignature
	}

	// Consume before issuing: if a racing submission got here first, this
	// one loses and gets no credential.
	if err := a.nonces.ConsumeNonce(nonce); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalidNonce
		}
		return "", fmt.Errorf("auth: consuming nonce: %w", err)
	}

	token, err := a.tokens.Issue(username)
	if err != nil {
		return "", fmt.Errorf("auth: issuing credential: %w", err)
	}
	a.logger.Info("login verified", "username", username)
	return token, nil
}
