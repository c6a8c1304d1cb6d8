package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

type SessionState int32

const (
	Active SessionState = iota
	Closing
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session drives one client connection: an inbound loop applying client
// messages and an outbound loop forwarding hub messages to the client.
type Session struct {
	id       core.SessionID
	username string
	ch       core.DuplexChannel
	registry *Registry
	hub      *Hub
	policy   Policy
	state    atomic.Int32
	logger   zerolog.Logger
}

func NewSession(
	id core.SessionID,
	username string,
	ch core.DuplexChannel,
	registry *Registry,
	hub *Hub,
	policy Policy,
) *Session {
	if policy == nil {
		policy = BroadcastAll{}
	}
	return &Session{
		id:       id,
		username: username,
		ch:       ch,
		registry: registry,
		hub:      hub,
		policy:   policy,
		logger: log.With().
			Str("module", "app.session").
			Str("sid", string(id)).
			Str("username", username).
			Logger(),
	}
}

func (s *Session) ID() core.SessionID { return s.id }
func (s *Session) Username() string { return s.username }
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Run blocks until the session is Closed and returns the error that ended it.
// Whichever loop stops first cancels the other; presence cleanup runs after both returned.
func (s *Session) Run(ctx context.Context) error {
	sub := s.hub.Subscribe()
	s.logger.Info().Msg("session started")

	// Both loops only ever return non-nil errors, so the pool cancels the
	// sibling on the first return. A panic cancels it too and is re-raised by Wait.
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		return s.inbound(ctx)
	})
	p.Go(func(ctx context.Context) error {
		return s.outbound(ctx, sub)
	})
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		if err := s.ch.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("close channel")
		}
		return nil
	})
	err := p.Wait()

	sub.Close()
	s.leaveAll()
	s.state.Store(int32(Closed))

	ev := s.logger.Info()
	if err != nil && !isNormalClose(err) {
		ev = s.logger.Warn()
	}
	ev.Err(err).Msg("session closed")
	return err
}

func (s *Session) inbound(ctx context.Context) error {
	defer s.closing()
	for {
		frame, err := s.ch.Next(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		msg, err := domain.Parse(frame)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping client after malformed frame")
			return err
		}
		if msg.Username != s.username {
			s.logger.Warn().Str("claimed", msg.Username).Msg("rewriting username to session identity")
			msg.Username = s.username
		}

		switch msg.Data.Kind() {
		case domain.KindJoin:
			s.registry.Join(msg.Username, msg.Room)
		case domain.KindLeave:
			s.registry.Leave(msg.Username, msg.Room)
		}

		n := s.hub.Publish(&msg)
		s.logger.Debug().
			Str("room", string(msg.Room)).
			Stringer("data", msg.Data).
			Int("receivers", n).
			Msg("published")
	}
}

func (s *Session) outbound(ctx context.Context, sub *Subscription) error {
	defer s.closing()
	for {
		msg, err := sub.Recv(ctx)
		if errors.Is(err, ErrLagged) {
			s.logger.Warn().Err(err).Msg("subscriber lagged, continuing")
			continue
		}
		if err != nil {
			return fmt.Errorf("hub: %w", err)
		}

		if s.policy.OnMessage(s.username, msg) == Skip {
			continue
		}

		frame, err := domain.Serialize(*msg)
		if err != nil {
			s.logger.Error().Err(err).Msg("serialize message")
			continue
		}
		if err := s.ch.Send(ctx, frame); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
}

// leaveAll converges presence to "not present" for the bound user and tells
// every other session about it.
func (s *Session) leaveAll() {
	for _, room := range s.registry.RoomsOf(s.username) {
		if !s.registry.Leave(s.username, room) {
			continue
		}
		leave := domain.NewLeave(room, s.username)
		n := s.hub.Publish(&leave)
		s.logger.Info().Str("room", string(room)).Int("receivers", n).Msg("left on disconnect")
	}
}

func (s *Session) closing() {
	s.state.CompareAndSwap(int32(Active), int32(Closing))
}

func isNormalClose(err error) bool {
	return errors.Is(err, core.ErrChannelClosed) || errors.Is(err, context.Canceled)
}
