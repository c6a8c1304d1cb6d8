package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout = 2 * time.Second
	tick        = 5 * time.Millisecond
)

func waitAfter() <-chan time.Time { return time.After(waitTimeout) }

var errSendFailed = errors.New("send failed")

// fakeChannel is an in-memory core.DuplexChannel. The test plays the client:
// it pushes frames into in and reads what the session wrote from out.
type fakeChannel struct {
	in       chan core.Frame
	out      chan core.Frame
	done     chan struct{}
	once     sync.Once
	failSend atomic.Bool

	// gate, when set, holds every Send until it is closed; entered is
	// signalled each time a Send starts waiting on it.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:   make(chan core.Frame, 16),
		out:  make(chan core.Frame, 256),
		done: make(chan struct{}),
	}
}

func (c *fakeChannel) Next(ctx context.Context) (core.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.done:
		return nil, core.ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) Send(ctx context.Context, f core.Frame) error {
	if c.failSend.Load() {
		return errSendFailed
	}
	if c.gate != nil {
		select {
		case c.entered <- struct{}{}:
		default:
		}
		select {
		case <-c.gate:
		case <-c.done:
			return core.ErrChannelClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-c.done:
		return core.ErrChannelClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-c.done:
		return core.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newGatedChannel returns a channel whose Sends block until gate is closed.
func newGatedChannel() *fakeChannel {
	c := newFakeChannel()
	c.gate = make(chan struct{})
	c.entered = make(chan struct{}, 1)
	return c
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeChannel) send(t *testing.T, m domain.Message) {
	t.Helper()
	b, err := domain.Serialize(m)
	require.NoError(t, err)
	c.sendRaw(t, b)
}

func (c *fakeChannel) sendRaw(t *testing.T, b []byte) {
	t.Helper()
	select {
	case c.in <- core.Frame(b):
	case <-time.After(waitTimeout):
		t.Fatal("timed out sending frame to session")
	}
}

func (c *fakeChannel) recv(t *testing.T) domain.Message {
	t.Helper()
	select {
	case f := <-c.out:
		m, err := domain.Parse(f)
		require.NoError(t, err)
		return m
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a frame from session")
		return domain.Message{}
	}
}

// expect reads the next frame and checks its room, username and data.
func (c *fakeChannel) expect(t *testing.T, room domain.RoomName, username string, data domain.Data) {
	t.Helper()
	m := c.recv(t)
	require.Equal(t, room, m.Room)
	require.Equal(t, username, m.Username)
	require.Equal(t, data, m.Data)
}
