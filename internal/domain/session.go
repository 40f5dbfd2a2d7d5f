// Package domain contains entities without transport logic, just meta-data
package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrSessionClosed      = errors.New("session closed")
	ErrNotConnected       = errors.New("session not connected")
	ErrNoProvider         = errors.New("no provider for stream")
	ErrUnsupportedRequest = errors.New("unsupported request type")
)

type SessionID string

// NewSessionID is a tiny helper to keep id generation in one place.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// Short returns the first block of the id for log lines.
func (id SessionID) Short() string {
	s := string(id)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// NewCorrelationID returns a fresh id for requests and acquisitions.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NoProviderError is returned when no resolver supplies a requested stream.
type NoProviderError struct {
	Identity StreamIdentity
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no provider for stream with identity '%s'", e.Identity)
}

func (e *NoProviderError) Is(target error) bool { return target == ErrNoProvider }
