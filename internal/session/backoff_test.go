package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultBackoffSequence(t *testing.T) {
	b := DefaultBackoff()

	assert.Equal(t, 100*time.Millisecond, b.Next())
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 10*time.Second, b.Next())
	assert.Equal(t, 10*time.Second, b.Next())

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.Next())
}

func TestCustomBackoff(t *testing.T) {
	b := NewBackoff(time.Millisecond, 2, 5*time.Millisecond)

	assert.Equal(t, 2*time.Millisecond, b.Next())
	assert.Equal(t, 4*time.Millisecond, b.Next())
	assert.Equal(t, 5*time.Millisecond, b.Next())
}
