package sqlite

import (
	"time"

	"github.com/fenggwsx/SlashLive/internal/storage"
)

type userModel struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex"`
	CreatedAt time.Time
}

func (userModel) TableName() string { return "users" }

func (m userModel) toDomain() *storage.User {
	return &storage.User{ID: m.ID, Username: m.Username, CreatedAt: m.CreatedAt}
}

type chatRoomModel struct {
	ID             uint `gorm:"primaryKey"`
	Name           string
	IsGroup        bool
	LastActivityAt time.Time
	CreatedAt      time.Time
}

func (chatRoomModel) TableName() string { return "chat_rooms" }

type chatParticipantModel struct {
	RoomID   uint   `gorm:"primaryKey;autoIncrement:false"`
	UserID   uint   `gorm:"primaryKey;autoIncrement:false;index"`
	Role     string `gorm:"not null;default:member"`
	Status   string `gorm:"not null;default:active;index"`
	JoinedAt time.Time
}

func (chatParticipantModel) TableName() string { return "chat_participants" }

type messageModel struct {
	ID        uint   `gorm:"primaryKey"`
	RoomID    uint   `gorm:"index"`
	SenderID  uint   `gorm:"index"`
	Content   string `gorm:"type:text"`
	Read      bool
	System    bool
	CreatedAt time.Time `gorm:"index"`
}

func (messageModel) TableName() string { return "messages" }

func (m messageModel) toDomain() storage.Message {
	return storage.Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Read:      m.Read,
		System:    m.System,
		CreatedAt: m.CreatedAt,
	}
}

type presenceModel struct {
	UserID          uint      `gorm:"primaryKey;autoIncrement:false"`
	Status          string    `gorm:"index"`
	LastActive      time.Time `gorm:"index"`
	CurrentActivity string
	UpdatedAt       time.Time
}

func (presenceModel) TableName() string { return "presences" }

func (m presenceModel) toDomain() storage.Presence {
	return storage.Presence{
		UserID:          m.UserID,
		Status:          storage.PresenceStatus(m.Status),
		LastActive:      m.LastActive,
		CurrentActivity: m.CurrentActivity,
		UpdatedAt:       m.UpdatedAt,
	}
}

type callRoomModel struct {
	ID              uint `gorm:"primaryKey"`
	Name            string
	CreatorID       uint   `gorm:"index"`
	Status          string `gorm:"not null;default:waiting"`
	MaxParticipants int
	AccessCodeHash  string
	CreatedAt       time.Time
}

func (callRoomModel) TableName() string { return "call_rooms" }

func (m callRoomModel) toDomain() *storage.CallRoom {
	return &storage.CallRoom{
		ID:              m.ID,
		Name:            m.Name,
		CreatorID:       m.CreatorID,
		Status:          storage.CallStatus(m.Status),
		MaxParticipants: m.MaxParticipants,
		AccessCodeHash:  m.AccessCodeHash,
		CreatedAt:       m.CreatedAt,
	}
}

type callParticipantModel struct {
	ID          uint   `gorm:"primaryKey"`
	CallID      uint   `gorm:"uniqueIndex:idx_call_user"`
	UserID      uint   `gorm:"uniqueIndex:idx_call_user"`
	Status      string `gorm:"index"`
	JoinedAt    time.Time
	LeftAt      *time.Time
	Camera      bool
	Microphone  bool
	ScreenShare bool
}

func (callParticipantModel) TableName() string { return "call_participants" }

func (m callParticipantModel) toDomain() storage.CallParticipant {
	return storage.CallParticipant{
		ID:          m.ID,
		CallID:      m.CallID,
		UserID:      m.UserID,
		Status:      storage.CallParticipantStatus(m.Status),
		JoinedAt:    m.JoinedAt,
		LeftAt:      m.LeftAt,
		Camera:      m.Camera,
		Microphone:  m.Microphone,
		ScreenShare: m.ScreenShare,
	}
}

func callParticipantFromDomain(p *storage.CallParticipant) callParticipantModel {
	model := callParticipantModel{
		ID:          p.ID,
		CallID:      p.CallID,
		UserID:      p.UserID,
		Status:      string(p.Status),
		JoinedAt:    utc(p.JoinedAt),
		Camera:      p.Camera,
		Microphone:  p.Microphone,
		ScreenShare: p.ScreenShare,
	}
	if p.LeftAt != nil {
		left := p.LeftAt.UTC()
		model.LeftAt = &left
	}
	return model
}

type notificationModel struct {
	ID          uint `gorm:"primaryKey"`
	RecipientID uint `gorm:"index"`
	SenderID    uint
	Kind        string
	ReferenceID uint
	Body        string
	Read        bool
	CreatedAt   time.Time
}

func (notificationModel) TableName() string { return "notifications" }
