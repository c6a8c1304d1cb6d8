package app

import (
	"cmp"
	"slices"
	"sync"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/rs/zerolog/log"
)

type set[T comparable] map[T]struct{}

// Registry tracks which users are present in which rooms, in both directions.
// A single lock guards both maps so every Join/Leave is one atomic paired update,
// and no empty set is ever left behind.
type Registry struct {
	mu        sync.RWMutex
	userRooms map[string]set[domain.RoomName]
	roomUsers map[domain.RoomName]set[string]
}

var _ core.Presence = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		userRooms: make(map[string]set[domain.RoomName]),
		roomUsers: make(map[domain.RoomName]set[string]),
	}
}

// Join records username as present in room. It reports whether the state changed.
func (r *Registry) Join(username string, room domain.RoomName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, ok := r.userRooms[username]
	if !ok {
		rooms = make(set[domain.RoomName])
		r.userRooms[username] = rooms
	}
	if _, ok := rooms[room]; ok {
		return false
	}
	rooms[room] = struct{}{}

	users, ok := r.roomUsers[room]
	if !ok {
		users = make(set[string])
		r.roomUsers[room] = users
	}
	users[username] = struct{}{}

	log.Debug().Str("module", "app.registry").Str("username", username).Str("room", string(room)).Msg("joined")
	return true
}

// Leave removes username from room. Leaving a room the user is not in is a no-op.
func (r *Registry) Leave(username string, room domain.RoomName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, ok := r.userRooms[username]
	if !ok {
		return false
	}
	if _, ok := rooms[room]; !ok {
		return false
	}
	delete(rooms, room)
	if len(rooms) == 0 {
		delete(r.userRooms, username)
	}

	if users, ok := r.roomUsers[room]; ok {
		delete(users, username)
		if len(users) == 0 {
			delete(r.roomUsers, room)
		}
	}

	log.Debug().Str("module", "app.registry").Str("username", username).Str("room", string(room)).Msg("left")
	return true
}

// RoomsOf returns a sorted point-in-time copy of the rooms username occupies.
func (r *Registry) RoomsOf(username string) []domain.RoomName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.userRooms[username])
}

// UsersOf returns a sorted point-in-time copy of the users present in room.
func (r *Registry) UsersOf(room domain.RoomName) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.roomUsers[room])
}

func (r *Registry) Contains(username string, room domain.RoomName) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.userRooms[username][room]
	return ok
}

// Rooms lists every occupied room with its user count, sorted by name.
func (r *Registry) Rooms() []core.RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(r.roomUsers))
	for name, users := range r.roomUsers {
		out = append(out, core.RoomInfo{Name: name, UserCount: len(users)})
	}
	slices.SortFunc(out, func(a, b core.RoomInfo) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

func sortedKeys[T ~string](s set[T]) []T {
	out := make([]T, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
