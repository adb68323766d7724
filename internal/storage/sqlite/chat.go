package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/fenggwsx/SlashLive/internal/storage"
)

// CreateChatRoom stores a new chat room.
func (s *Store) CreateChatRoom(ctx context.Context, room *storage.ChatRoom) error {
	if room == nil {
		return errors.New("nil chat room")
	}
	model := chatRoomModel{
		ID:             room.ID,
		Name:           room.Name,
		IsGroup:        room.IsGroup,
		LastActivityAt: utc(room.LastActivityAt),
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return err
	}
	room.ID = model.ID
	room.CreatedAt = model.CreatedAt
	room.LastActivityAt = model.LastActivityAt
	return nil
}

// AddChatParticipant inserts or replaces a participant row.
func (s *Store) AddChatParticipant(ctx context.Context, p *storage.ChatParticipant) error {
	if p == nil {
		return errors.New("nil participant")
	}
	model := chatParticipantModel{
		RoomID:   p.RoomID,
		UserID:   p.UserID,
		Role:     p.Role,
		Status:   string(p.Status),
		JoinedAt: utc(p.JoinedAt),
	}
	if model.Role == "" {
		model.Role = storage.RoleMember
	}
	if model.Status == "" {
		model.Status = string(storage.ParticipantActive)
	}
	return s.db.WithContext(ctx).Save(&model).Error
}

// IsParticipant reports whether the user is an active participant of the room.
func (s *Store) IsParticipant(ctx context.Context, roomID, userID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&chatParticipantModel{}).
		Where("room_id = ? AND user_id = ? AND status = ?", roomID, userID, storage.ParticipantActive).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListParticipants returns the active participants of a room ordered by id.
func (s *Store) ListParticipants(ctx context.Context, roomID uint) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&chatParticipantModel{}).
		Where("room_id = ? AND status = ?", roomID, storage.ParticipantActive).
		Order("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}

// ListRoomsForUser returns every room the user actively participates in.
func (s *Store) ListRoomsForUser(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&chatParticipantModel{}).
		Where("user_id = ? AND status = ?", userID, storage.ParticipantActive).
		Order("room_id").
		Pluck("room_id", &ids).Error
	return ids, err
}

// SaveMessage persists a chat message and fills in its id and timestamp.
func (s *Store) SaveMessage(ctx context.Context, msg *storage.Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	model := messageModel{
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Read:      msg.Read,
		System:    msg.System,
		CreatedAt: utc(msg.CreatedAt),
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return err
	}
	msg.ID = model.ID
	msg.CreatedAt = model.CreatedAt
	return nil
}

func (s *Store) GetMessagesByIDs(ctx context.Context, ids []uint) ([]storage.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var models []messageModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	messages := make([]storage.Message, 0, len(models))
	for _, m := range models {
		messages = append(messages, m.toDomain())
	}
	return messages, nil
}

func (s *Store) MarkMessagesRead(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&messageModel{}).Where("id IN ?", ids).Update("read", true).Error
}

// TouchChatRoom bumps the room's last activity time.
func (s *Store) TouchChatRoom(ctx context.Context, roomID uint, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&chatRoomModel{}).Where("id = ?", roomID).Update("last_activity_at", utc(at))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetChatRoom is used by tests and tooling to inspect a room.
func (s *Store) GetChatRoom(ctx context.Context, id uint) (*storage.ChatRoom, error) {
	var model chatRoomModel
	if err := s.db.WithContext(ctx).First(&model, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &storage.ChatRoom{
		ID:             model.ID,
		Name:           model.Name,
		IsGroup:        model.IsGroup,
		LastActivityAt: model.LastActivityAt,
		CreatedAt:      model.CreatedAt,
	}, nil
}
