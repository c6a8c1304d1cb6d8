package app

import (
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

type DeliveryAction int

const (
	Deliver DeliveryAction = iota
	Skip
)

// Policy decides whether a hub message is forwarded to the client of username.
type Policy interface {
	OnMessage(username string, msg *domain.Message) DeliveryAction
}

// BroadcastAll forwards every hub message to every session.
type BroadcastAll struct{}

func (BroadcastAll) OnMessage(string, *domain.Message) DeliveryAction {
	return Deliver
}

// JoinedRooms forwards only messages for rooms the user currently occupies,
// plus messages the user produced itself (so a leaver still sees its own leave).
type JoinedRooms struct {
	Presence core.Presence
}

func (p JoinedRooms) OnMessage(username string, msg *domain.Message) DeliveryAction {
	if msg.Username == username || p.Presence.Contains(username, msg.Room) {
		return Deliver
	}
	return Skip
}
