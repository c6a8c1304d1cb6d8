package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Relay/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Conn is an indirection over *websocket.Conn to ease testing.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	WriteControl(mt int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:  32768,
		PingPeriod: 54 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  10 * time.Second,
	}
}

// Channel is a core.DuplexChannel over one WebSocket connection.
// Only text frames are surfaced; binary frames are dropped.
type Channel struct {
	conn Conn
	opts Options

	wmu  sync.Mutex
	done chan struct{}
	once sync.Once
}

var _ core.DuplexChannel = (*Channel)(nil)

// NewChannel takes ownership of conn and starts the keepalive pinger.
func NewChannel(conn Conn, opts Options) *Channel {
	c := &Channel{
		conn: conn,
		opts: opts,
		done: make(chan struct{}),
	}
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}
	if opts.PongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		})
	}
	if opts.PingPeriod > 0 {
		go c.pingLoop()
	}
	return c
}

// Upgrade switches an HTTP request to the WebSocket protocol and wraps it.
func Upgrade(up *websocket.Upgrader, w http.ResponseWriter, r *http.Request, opts Options) (*Channel, error) {
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewChannel(conn, opts), nil
}

func (c *Channel) Next(ctx context.Context) (core.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, c.readErr(err)
		}
		if mt != websocket.TextMessage {
			log.Debug().Str("module", "adapters.ws").Int("type", mt).Msg("dropping non-text frame")
			continue
		}
		return core.Frame(data), nil
	}
}

func (c *Channel) readErr(err error) error {
	if c.isClosed() {
		return core.ErrChannelClosed
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return fmt.Errorf("%w: %w", core.ErrChannelClosed, err)
	}
	return fmt.Errorf("ws read: %w", err)
}

func (c *Channel) Send(ctx context.Context, f core.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return core.ErrChannelClosed
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline := time.Now().Add(c.opts.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("ws set deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, f); err != nil {
		if c.isClosed() || errors.Is(err, websocket.ErrCloseSent) {
			return core.ErrChannelClosed
		}
		return fmt.Errorf("ws write: %w", err)
	}
	return nil
}

// Close sends a normal close frame and releases the connection. Safe to call repeatedly.
func (c *Channel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Channel) pingLoop() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "adapters.ws").Msg("ping failed")
				_ = c.Close()
				return
			}
		}
	}
}
