// Package secret caches per-counterparty ECDH shared secrets for one
// authenticated session. A Session is constructed at login, passed by
// reference to whatever needs symmetric key material, and cleared at logout.
// The cache is purely an optimization: derivation is a pure function of the
// two keypairs, so repopulating after a clear always converges on the same
// bytes.
package secret

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/veilmsg/veil/keys"
)

// SecretSize is the shared secret length: the big-endian x-coordinate of
// the ECDH shared point.
const SecretSize = 32

// ErrNotInitialized is returned when a shared secret is requested before
// key material has been attached to the session.
var ErrNotInitialized = errors.New("secret: session key material not set")

// Resolver looks up a counterparty's uncompressed hex public key, typically
// via the identity service. Implementations may cache; the Session caches on
// top regardless.
type Resolver interface {
	PublicKey(ctx context.Context, username string) (string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, username string) (string, error)

// PublicKey implements Resolver.
func (f ResolverFunc) PublicKey(ctx context.Context, username string) (string, error) {
	return f(ctx, username)
}

// Session holds the local key material and the derived-secret cache, keyed
// by counterparty username so a local identity change invalidates naturally.
type Session struct {
	mu       sync.Mutex
	resolver Resolver
	km       *keys.KeyMaterial
	secrets  map[string][]byte
	pubKeys  map[string]string
}

// New creates an empty session backed by the given public-key resolver.
func New(resolver Resolver) *Session {
	return &Session{
		resolver: resolver,
		secrets:  make(map[string][]byte),
		pubKeys:  make(map[string]string),
	}
}

// SetKeyMaterial attaches the local identity keys. Any secrets cached under
// previous key material are dropped.
func (s *Session) SetKeyMaterial(km *keys.KeyMaterial) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wipeLocked()
	s.km = km
}

// SharedSecret returns the 32-byte ECDH shared secret with the counterparty,
// deriving and caching it on first use. The counterparty's public key is
// resolved through the injected resolver on cache miss.
func (s *Session) SharedSecret(ctx context.Context, counterparty string) ([]byte, error) {
	s.mu.Lock()
	if s.km == nil {
		s.mu.Unlock()
		return nil, ErrNotInitialized
	}
	if cached, ok := s.secrets[counterparty]; ok {
		out := append([]byte(nil), cached...)
		s.mu.Unlock()
		return out, nil
	}
	pubHex, havePub := s.pubKeys[counterparty]
	km := s.km
	s.mu.Unlock()

	// Resolve outside the lock; the lookup may be a network call.
	if !havePub {
		var err error
		pubHex, err = s.resolver.PublicKey(ctx, counterparty)
		if err != nil {
			return nil, fmt.Errorf("secret: resolving public key for %s: %w", counterparty, err)
		}
	}

	derived, err := km.SharedSecret(pubHex)
	if err != nil {
		return nil, fmt.Errorf("secret: deriving shared secret for %s: %w", counterparty, err)
	}

	// A concurrent derivation for the same counterparty computes identical
	// bytes, so last-write-wins is harmless.
	s.mu.Lock()
	s.pubKeys[counterparty] = pubHex
	s.secrets[counterparty] = derived
	out := append([]byte(nil), derived...)
	s.mu.Unlock()
	return out, nil
}

// PublicKey returns the counterparty's public key, resolving and caching it
// if needed. Unlike SharedSecret it does not require local key material.
func (s *Session) PublicKey(ctx context.Context, counterparty string) (string, error) {
	s.mu.Lock()
	if cached, ok := s.pubKeys[counterparty]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	pubHex, err := s.resolver.PublicKey(ctx, counterparty)
	if err != nil {
		return "", fmt.Errorf("secret: resolving public key for %s: %w", counterparty, err)
	}

	s.mu.Lock()
	s.pubKeys[counterparty] = pubHex
	s.mu.Unlock()
	return pubHex, nil
}

// Clear removes the cached secret and public key for one counterparty.
func (s *Session) Clear(counterparty string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sec, ok := s.secrets[counterparty]; ok {
		zero(sec)
		delete(s.secrets, counterparty)
	}
	delete(s.pubKeys, counterparty)
}

// ClearAll wipes every cached secret and detaches the key material. Called
// on logout.
func (s *Session) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wipeLocked()
	if s.km != nil {
		s.km.Destroy()
		s.km = nil
	}
}

func (s *Session) wipeLocked() {
	for _, sec := range s.secrets {
		zero(sec)
	}
	s.secrets = make(map[string][]byte)
	s.pubKeys = make(map[string]string)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
