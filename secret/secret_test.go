package secret_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmsg/veil/keys"
	"github.com/veilmsg/veil/secret"
)

type countingResolver struct {
	mu    sync.Mutex
	keys  map[string]string
	calls int
}

func (r *countingResolver) PublicKey(ctx context.Context, username string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	pub, ok := r.keys[username]
	if !ok {
		return "", errors.New("unknown user")
	}
	return pub, nil
}

func newTestPair(t *testing.T) (*keys.KeyMaterial, *keys.KeyMaterial, *countingResolver) {
	t.Helper()
	alice, err := keys.Derive("alice-password", "alice")
	require.NoError(t, err)
	bob, err := keys.Derive("bob-password", "bob")
	require.NoError(t, err)
	resolver := &countingResolver{keys: map[string]string{
		"alice": alice.PublicKeyHex(),
		"bob":   bob.PublicKeyHex(),
	}}
	return alice, bob, resolver
}

func TestSharedSecretRequiresKeyMaterial(t *testing.T) {
	_, _, resolver := newTestPair(t)
	s := secret.New(resolver)
	_, err := s.SharedSecret(t.Context(), "bob")
	assert.ErrorIs(t, err, secret.ErrNotInitialized)
}

func TestSharedSecretSymmetry(t *testing.T) {
	alice, bob, resolver := newTestPair(t)

	aliceSession := secret.New(resolver)
	aliceSession.SetKeyMaterial(alice)
	bobSession := secret.New(resolver)
	bobSession.SetKeyMaterial(bob)

	ab, err := aliceSession.SharedSecret(t.Context(), "bob")
	require.NoError(t, err)
	ba, err := bobSession.SharedSecret(t.Context(), "alice")
	require.NoError(t, err)

	assert.Len(t, ab, secret.SecretSize)
	assert.True(t, bytes.Equal(ab, ba), "both parties must derive identical secrets")
}

func TestSharedSecretCaches(t *testing.T) {
	alice, _, resolver := newTestPair(t)
	s := secret.New(resolver)
	s.SetKeyMaterial(alice)

	first, err := s.SharedSecret(t.Context(), "bob")
	require.NoError(t, err)
	require.Equal(t, 1, resolver.calls)

	second, err := s.SharedSecret(t.Context(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, resolver.calls, "cache hit must not re-resolve")
	assert.Equal(t, first, second)
}

func TestSharedSecretResolverError(t *testing.T) {
	alice, _, resolver := newTestPair(t)
	s := secret.New(resolver)
	s.SetKeyMaterial(alice)

	_, err := s.SharedSecret(t.Context(), "mallory")
	assert.Error(t, err)
}

func TestClearForcesRederivation(t *testing.T) {
	alice, _, resolver := newTestPair(t)
	s := secret.New(resolver)
	s.SetKeyMaterial(alice)

	first, err := s.SharedSecret(t.Context(), "bob")
	require.NoError(t, err)

	s.Clear("bob")
	second, err := s.SharedSecret(t.Context(), "bob")
	require.NoError(t, err)

	// The cache is an optimization, not a correctness dependency: a fresh
	// derivation lands on the same bytes.
	assert.Equal(t, first, second)
	assert.Equal(t, 2, resolver.calls)
}

func TestClearAllDetachesKeyMaterial(t *testing.T) {
	alice, _, resolver := newTestPair(t)
	s := secret.New(resolver)
	s.SetKeyMaterial(alice)

	_, err := s.SharedSecret(t.Context(), "bob")
	require.NoError(t, err)

	s.ClearAll()
	_, err = s.SharedSecret(t.Context(), "bob")
	assert.ErrorIs(t, err, secret.ErrNotInitialized)
}

func TestConcurrentDerivationsConverge(t *testing.T) {
	alice, _, resolver := newTestPair(t)
	s := secret.New(resolver)
	s.SetKeyMaterial(alice)

	const n = 8
	results := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sec, err := s.SharedSecret(context.Background(), "bob")
			require.NoError(t, err)
			results[i] = sec
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, results[0], results[i])
	}
}
