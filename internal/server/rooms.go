package server

import (
	"fmt"
	"strconv"
)

// RoomKind tags what a Room refers to.
type RoomKind uint8

const (
	RoomChat RoomKind = iota + 1
	RoomCall
	// RoomUser is the private per-user channel used for direct delivery.
	RoomUser
)

func (k RoomKind) String() string {
	switch k {
	case RoomChat:
		return "chat"
	case RoomCall:
		return "call"
	case RoomUser:
		return "user"
	default:
		return "unknown"
	}
}

// ParseRoomKind accepts the names produced by RoomKind.String.
func ParseRoomKind(s string) (RoomKind, error) {
	switch s {
	case "chat":
		return RoomChat, nil
	case "call":
		return RoomCall, nil
	case "user":
		return RoomUser, nil
	default:
		return 0, fmt.Errorf("unknown room kind %q", s)
	}
}

// Room identifies a fan-out target. It is comparable and used as a map key.
type Room struct {
	Kind RoomKind
	ID   uint
}

func ChatRoom(id uint) Room    { return Room{Kind: RoomChat, ID: id} }
func CallRoom(id uint) Room    { return Room{Kind: RoomCall, ID: id} }
func UserChannel(id uint) Room { return Room{Kind: RoomUser, ID: id} }

func (r Room) String() string {
	return r.Kind.String() + ":" + strconv.FormatUint(uint64(r.ID), 10)
}
