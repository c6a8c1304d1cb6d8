package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrShuttingDown = errors.New("relay is shutting down")

type sessionEntry struct {
	Session *Session
	Cancel  context.CancelFunc
}

// Orchestrator owns the process-wide presence registry and hub and keeps
// track of every live session so they can be cancelled on shutdown.
type Orchestrator struct {
	Registry *Registry
	Hub      *Hub
	Policy   Policy

	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	closed   bool
	wg       sync.WaitGroup
}

func NewOrchestrator(registry *Registry, hub *Hub, policy Policy) *Orchestrator {
	if policy == nil {
		policy = BroadcastAll{}
	}
	return &Orchestrator{
		Registry: registry,
		Hub:      hub,
		Policy:   policy,
		sessions: make(map[core.SessionID]*sessionEntry),
	}
}

// Accept runs a session for an already authenticated username over ch and
// returns once the session is closed.
func (o *Orchestrator) Accept(ctx context.Context, ch core.DuplexChannel, username string) error {
	if err := domain.ValidateUsername(username); err != nil {
		_ = ch.Close()
		return fmt.Errorf("accept: %w", err)
	}

	sid := core.SessionID(uuid.NewString())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := NewSession(sid, username, ch, o.Registry, o.Hub, o.Policy)
	if err := o.bind(sid, sess, cancel); err != nil {
		_ = ch.Close()
		return err
	}
	defer o.unbind(sid)

	return sess.Run(ctx)
}

func (o *Orchestrator) bind(sid core.SessionID, sess *Session, cancel context.CancelFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrShuttingDown
	}
	o.sessions[sid] = &sessionEntry{Session: sess, Cancel: cancel}
	o.wg.Add(1)
	log.Info().Str("module", "app.orchestrator").Str("sid", string(sid)).Str("username", sess.Username()).Msg("bound session")
	return nil
}

func (o *Orchestrator) unbind(sid core.SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sessions[sid]; !ok {
		return
	}
	delete(o.sessions, sid)
	o.wg.Done()
	log.Info().Str("module", "app.orchestrator").Str("sid", string(sid)).Msg("unbind session")
}

// Cancel closes one live session. It reports whether the session existed.
func (o *Orchestrator) Cancel(sid core.SessionID) bool {
	o.mu.RLock()
	e, ok := o.sessions[sid]
	o.mu.RUnlock()
	if !ok {
		return false
	}
	e.Cancel()
	log.Info().Str("module", "app.orchestrator").Str("sid", string(sid)).Msg("canceled session")
	return true
}

// SessionsOf lists the live session ids bound to username.
func (o *Orchestrator) SessionsOf(username string) []core.SessionID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []core.SessionID
	for sid, e := range o.sessions {
		if e.Session.Username() == username {
			out = append(out, sid)
		}
	}
	return out
}

func (o *Orchestrator) SessionCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sessions)
}

func (o *Orchestrator) RoomsOf(username string) []domain.RoomName {
	return o.Registry.RoomsOf(username)
}

func (o *Orchestrator) UsersOf(room domain.RoomName) []string {
	return o.Registry.UsersOf(room)
}

func (o *Orchestrator) Rooms() []core.RoomInfo {
	return o.Registry.Rooms()
}

// Shutdown cancels every live session and waits until their exit protocol
// finishes or ctx expires. Accept fails with ErrShuttingDown afterwards.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	entries := make([]*sessionEntry, 0, len(o.sessions))
	for _, e := range o.sessions {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	log.Info().Str("module", "app.orchestrator").Int("sessions", len(entries)).Msg("shutting down sessions")
	for _, e := range entries {
		e.Cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Str("module", "app.orchestrator").Msg("all sessions closed")
		return nil
	case <-ctx.Done():
		log.Warn().Str("module", "app.orchestrator").Msg("shutdown deadline reached with sessions still open")
		return ctx.Err()
	}
}
