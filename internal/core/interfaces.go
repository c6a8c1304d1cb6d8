package core

import (
	"context"
	"errors"

	"github.com/dkeye/Relay/internal/domain"
)

// ErrChannelClosed is returned by a DuplexChannel once the peer or the adapter closed it.
var ErrChannelClosed = errors.New("channel closed")

// Frame is one text payload exchanged with a client.
type Frame []byte

type SessionID string

// DuplexChannel abstracts the client transport as a stream of discrete text frames.
// Owned by the adapter; Close is safe to call more than once and from any goroutine,
// and unblocks a pending Next or Send.
type DuplexChannel interface {
	Next(ctx context.Context) (Frame, error)
	Send(ctx context.Context, f Frame) error
	Close() error
}

// Presence is the read side of the presence registry, as used by status endpoints
// and delivery policies.
type Presence interface {
	RoomsOf(username string) []domain.RoomName
	UsersOf(room domain.RoomName) []string
	Contains(username string, room domain.RoomName) bool
}

// RoomInfo is a read-only view for APIs.
type RoomInfo struct {
	Name      domain.RoomName `json:"name"`
	UserCount int             `json:"user_count"`
}
