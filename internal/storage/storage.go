package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// User represents a persisted account record. Accounts are owned by the
// CRUD layer; the realtime core only looks them up.
type User struct {
	ID        uint
	Username  string
	CreatedAt time.Time
}

// ChatRoom is a direct or group conversation.
type ChatRoom struct {
	ID             uint
	Name           string
	IsGroup        bool
	LastActivityAt time.Time
	CreatedAt      time.Time
}

type ParticipantStatus string

const (
	ParticipantActive  ParticipantStatus = "active"
	ParticipantLeft    ParticipantStatus = "left"
	ParticipantRemoved ParticipantStatus = "removed"
)

const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// ChatParticipant links a user to a chat room.
type ChatParticipant struct {
	RoomID   uint
	UserID   uint
	Role     string
	Status   ParticipantStatus
	JoinedAt time.Time
}

// Message is a chat message. System messages are generated by the server
// rather than typed by a user.
type Message struct {
	ID        uint
	RoomID    uint
	SenderID  uint
	Content   string
	Read      bool
	System    bool
	CreatedAt time.Time
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusDND     PresenceStatus = "dnd"
)

// Online reports whether the status counts as connected. Away, busy and dnd
// are sub-labels of online.
func (s PresenceStatus) Online() bool {
	return s != "" && s != StatusOffline
}

// Presence is the last known status of a user. At most one record exists
// per user.
type Presence struct {
	UserID          uint
	Status          PresenceStatus
	LastActive      time.Time
	CurrentActivity string
	UpdatedAt       time.Time
}

type CallStatus string

const (
	CallWaiting CallStatus = "waiting"
	CallActive  CallStatus = "active"
	CallEnded   CallStatus = "ended"
)

// Joinable reports whether new participants may still enter the call.
func (s CallStatus) Joinable() bool {
	return s == CallWaiting || s == CallActive
}

// CallRoom is an audio/video room. A non-empty AccessCodeHash makes the
// room protected.
type CallRoom struct {
	ID              uint
	Name            string
	CreatorID       uint
	Status          CallStatus
	MaxParticipants int
	AccessCodeHash  string
	CreatedAt       time.Time
}

func (c CallRoom) Protected() bool {
	return c.AccessCodeHash != ""
}

type CallParticipantStatus string

const (
	CallJoined CallParticipantStatus = "joined"
	CallLeft   CallParticipantStatus = "left"
	CallKicked CallParticipantStatus = "kicked"
)

// CallParticipant records one user's attendance of a call. Records are
// updated in place on rejoin and never deleted.
type CallParticipant struct {
	ID          uint
	CallID      uint
	UserID      uint
	Status      CallParticipantStatus
	JoinedAt    time.Time
	LeftAt      *time.Time
	Camera      bool
	Microphone  bool
	ScreenShare bool
}

const (
	NotificationMessage = "message"
	NotificationCall    = "call"
	NotificationEvent   = "event"
)

// Notification is a durable note for a user who was offline when something
// happened.
type Notification struct {
	ID          uint
	RecipientID uint
	SenderID    uint
	Kind        string
	ReferenceID uint
	Body        string
	Read        bool
	CreatedAt   time.Time
}

// IdentityStore resolves authenticated users.
type IdentityStore interface {
	GetUserByID(ctx context.Context, id uint) (*User, error)
}

// MembershipStore answers durable chat-room membership questions.
type MembershipStore interface {
	IsParticipant(ctx context.Context, roomID, userID uint) (bool, error)
	ListParticipants(ctx context.Context, roomID uint) ([]uint, error)
	ListRoomsForUser(ctx context.Context, userID uint) ([]uint, error)
}

type MessageStore interface {
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessagesByIDs(ctx context.Context, ids []uint) ([]Message, error)
	MarkMessagesRead(ctx context.Context, ids []uint) error
	TouchChatRoom(ctx context.Context, roomID uint, at time.Time) error
}

type PresenceStore interface {
	GetPresence(ctx context.Context, userID uint) (*Presence, error)
	// UpsertPresence creates the record if absent and overwrites it otherwise.
	UpsertPresence(ctx context.Context, p *Presence) error
	ListPresenceActiveSince(ctx context.Context, since time.Time) ([]Presence, error)
	DeleteOfflinePresenceBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type CallStore interface {
	GetCallRoom(ctx context.Context, id uint) (*CallRoom, error)
	UpdateCallRoomStatus(ctx context.Context, id uint, status CallStatus) error
	GetCallParticipant(ctx context.Context, callID, userID uint) (*CallParticipant, error)
	SaveCallParticipant(ctx context.Context, p *CallParticipant) error
	ListCallParticipants(ctx context.Context, callID uint, status CallParticipantStatus) ([]CallParticipant, error)
	CountCallParticipants(ctx context.Context, callID uint, status CallParticipantStatus) (int64, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *Notification) error
}

// Store defines persistence operations used by the server.
type Store interface {
	Close() error
	Migrate(ctx context.Context) error

	IdentityStore
	MembershipStore
	MessageStore
	PresenceStore
	CallStore
	NotificationStore

	CreateUser(ctx context.Context, user *User) error
	CreateChatRoom(ctx context.Context, room *ChatRoom) error
	AddChatParticipant(ctx context.Context, p *ChatParticipant) error
	CreateCallRoom(ctx context.Context, room *CallRoom) error
}
