package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityFromURL(t *testing.T) {
	id := IdentityFromURL("clip-1")
	assert.Equal(t, "clip-1", id.URL())
	assert.Empty(t, id.AcquisitionID())
	assert.Equal(t, `{"url":"clip-1"}`, id.String())
}

func TestWithAcquisitionIDDoesNotMutate(t *testing.T) {
	base := StreamIdentity{"name": "cam"}
	stamped := base.WithAcquisitionID("acq-1")

	require.Equal(t, "acq-1", stamped.AcquisitionID())
	assert.Equal(t, "cam", stamped["name"])
	_, ok := base[IdentityAcquisitionID]
	assert.False(t, ok)
}

func TestCloneNil(t *testing.T) {
	var id StreamIdentity
	c := id.Clone()
	require.NotNil(t, c)
	assert.Empty(t, c)
}

func TestSessionIDShort(t *testing.T) {
	id := NewSessionID()
	assert.Len(t, string(id), 36)
	assert.Len(t, id.Short(), 8)
	assert.Equal(t, "abc", SessionID("abc").Short())
}

func TestNoProviderError(t *testing.T) {
	err := error(&NoProviderError{Identity: IdentityFromURL("cam")})
	assert.Equal(t, `no provider for stream with identity '{"url":"cam"}'`, err.Error())
	assert.ErrorIs(t, err, ErrNoProvider)
}
