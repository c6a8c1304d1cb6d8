package domain

import "errors"

const MaxRoomNameLen = 36

var (
	ErrRoomEmpty   = errors.New("room name empty")
	ErrRoomTooLong = errors.New("room name too long")
)

type RoomName string

func ValidateRoom(name RoomName) error {
	if len(name) == 0 {
		return ErrRoomEmpty
	}
	if len(name) > MaxRoomNameLen {
		return ErrRoomTooLong
	}
	return nil
}
