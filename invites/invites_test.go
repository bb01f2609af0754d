package invites

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInviteIsSingleUse(t *testing.T) {
	rg := New()
	inv := rg.Create("u1", "u2", "ROOM42", "smb")
	require.NotEmpty(t, inv.ID)
	assert.Equal(t, 1, rg.Count())

	got, ok := rg.Get(inv.ID)
	require.True(t, ok)
	assert.Equal(t, "u2", got.TargetID)

	rg.Delete(inv.ID)
	_, ok = rg.Get(inv.ID)
	assert.False(t, ok, "a consumed invite reads as not-found")
	assert.Equal(t, 0, rg.Count())
}

func TestGetDoesNotConsume(t *testing.T) {
	rg := New()
	inv := rg.Create("u1", "u2", "ROOM42", "smb")

	_, ok := rg.Get(inv.ID)
	require.True(t, ok)
	_, ok = rg.Get(inv.ID)
	assert.True(t, ok)
}
