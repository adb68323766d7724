package protocol

import (
	"time"

	"github.com/goccy/go-json"
)

// RoomRequest names a chat room or call room.
type RoomRequest struct {
	RoomID uint `json:"roomId" validate:"required"`
}

type SendMessageRequest struct {
	RoomID  uint   `json:"roomId" validate:"required"`
	Content string `json:"content" validate:"required,max=4000"`
}

type MarkReadRequest struct {
	MessageIDs []uint `json:"messageIds" validate:"required,min=1,max=500,dive,required"`
}

type JoinCallRequest struct {
	RoomID     uint   `json:"roomId" validate:"required"`
	AccessCode string `json:"accessCode,omitempty" validate:"max=128"`
}

// SignalRequest carries an opaque WebRTC payload for another participant.
type SignalRequest struct {
	RoomID  uint            `json:"roomId" validate:"required"`
	To      uint            `json:"to" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// ToggleRequest flips a media flag; an omitted Enabled inverts the current value.
type ToggleRequest struct {
	RoomID  uint  `json:"roomId" validate:"required"`
	Enabled *bool `json:"enabled,omitempty"`
}

type CallInviteRequest struct {
	RoomID   uint   `json:"roomId" validate:"required"`
	To       uint   `json:"to" validate:"required"`
	CallType string `json:"callType,omitempty" validate:"omitempty,oneof=audio video"`
}

type KickRequest struct {
	RoomID uint `json:"roomId" validate:"required"`
	UserID uint `json:"userId" validate:"required"`
}

type StatusRequest struct {
	Status   string  `json:"status,omitempty" validate:"omitempty,oneof=online offline away busy dnd"`
	Activity *string `json:"activity,omitempty" validate:"omitempty,max=120"`
}

type ActivityRequest struct {
	Activity string `json:"activity" validate:"max=120"`
}

type UserStatusRequest struct {
	UserID uint `json:"userId" validate:"required"`
}

// UserSummary identifies the acting user in outbound events.
type UserSummary struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

type ChatMessage struct {
	ID        uint        `json:"id"`
	RoomID    uint        `json:"roomId"`
	Content   string      `json:"content"`
	Read      bool        `json:"read"`
	System    bool        `json:"system"`
	CreatedAt time.Time   `json:"createdAt"`
	Sender    UserSummary `json:"sender"`
}

// RoomMember is the payload of join, leave and typing notifications.
type RoomMember struct {
	RoomID   uint   `json:"roomId"`
	UserID   uint   `json:"userId"`
	Username string `json:"username,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type MessagesRead struct {
	RoomID     uint   `json:"roomId"`
	ReaderID   uint   `json:"readerId"`
	MessageIDs []uint `json:"messageIds"`
}

// PresenceStatus is the payload of userStatus and userStatusChanged.
type PresenceStatus struct {
	UserID          uint      `json:"userId"`
	Status          string    `json:"status"`
	LastActive      time.Time `json:"lastActive"`
	CurrentActivity string    `json:"currentActivity,omitempty"`
}

type CallEvent struct {
	RoomID   uint        `json:"roomId"`
	From     UserSummary `json:"from"`
	CallType string      `json:"callType,omitempty"`
}

type Signal struct {
	RoomID  uint            `json:"roomId"`
	From    uint            `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

type MediaToggle struct {
	RoomID  uint `json:"roomId"`
	UserID  uint `json:"userId"`
	Enabled bool `json:"enabled"`
}

type CallParticipant struct {
	UserID      uint      `json:"userId"`
	Status      string    `json:"status"`
	JoinedAt    time.Time `json:"joinedAt"`
	Camera      bool      `json:"camera"`
	Microphone  bool      `json:"microphone"`
	ScreenShare bool      `json:"screenShare"`
}

type CallParticipants struct {
	RoomID       uint              `json:"roomId"`
	Participants []CallParticipant `json:"participants"`
}

type Kicked struct {
	RoomID uint `json:"roomId"`
	By     uint `json:"by"`
}

// Ack results.

type RoomResult struct {
	RoomID uint `json:"roomId"`
}

type JoinedRooms struct {
	RoomIDs []uint `json:"roomIds"`
}

type Delivery struct {
	Delivered int `json:"delivered"`
}

type MarkReadResult struct {
	MessageIDs []uint `json:"messageIds"`
}
