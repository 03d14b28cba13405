package session

import (
	"testing"

	"github.com/servehq/serve-sdk-go/internal/cryptox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityStore_SetGetClear(t *testing.T) {
	s := NewIdentityStore()
	assert.False(t, s.IsAuthenticated())
	_, ok := s.Get()
	assert.False(t, ok)

	priv, err := cryptox.GenerateIdentityKeyPair()
	require.NoError(t, err)

	s.Set(Identity{
		AccessToken: "tok",
		UserID:      "u1",
		Email:       "a@example.com",
		PublicKey:   &priv.PublicKey,
		PrivateKey:  priv,
	})
	assert.True(t, s.IsAuthenticated())

	id, ok := s.Get()
	require.True(t, ok)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "a@example.com", id.Email)

	s.Clear()
	assert.False(t, s.IsAuthenticated())
}

func TestKeyCache_PutGetInvalidate(t *testing.T) {
	c := NewKeyCache()

	_, ok := c.Get("t1")
	assert.False(t, ok)

	key := []byte{1, 2, 3, 4}
	c.Put("t1", key)

	got, ok := c.Get("t1")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	// cache holds its own copy, caller may wipe theirs
	key[0] = 99
	got, _ = c.Get("t1")
	assert.Equal(t, byte(1), got[0])

	_, ok = c.CachedAt("t1")
	assert.True(t, ok)

	c.Invalidate("t1")
	_, ok = c.Get("t1")
	assert.False(t, ok)

	// Get hands out copies, so earlier reads are untouched by the wipe
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestKeyCache_GetReturnsCopy(t *testing.T) {
	c := NewKeyCache()
	c.Put("t1", []byte{5, 6, 7, 8})

	held, ok := c.Get("t1")
	require.True(t, ok)

	// Replacing the entry wipes the old backing slice, not the copy a
	// caller already holds.
	c.Put("t1", []byte{9, 9, 9, 9})
	assert.Equal(t, []byte{5, 6, 7, 8}, held)

	// Mutating a returned copy never reaches the cache.
	held[0] = 0
	fresh, ok := c.Get("t1")
	require.True(t, ok)
	assert.Equal(t, []byte{9, 9, 9, 9}, fresh)
}

func TestKeyCache_InvalidateAll(t *testing.T) {
	c := NewKeyCache()
	c.Put("t1", []byte{1})
	c.Put("t2", []byte{2})
	assert.Equal(t, 2, c.Len())

	c.InvalidateAll()
	assert.Zero(t, c.Len())
}
