package sqlite

import (
	"context"
	"errors"

	"github.com/fenggwsx/SlashLive/internal/storage"
)

// CreateCallRoom stores a new call room. An empty status defaults to waiting.
func (s *Store) CreateCallRoom(ctx context.Context, room *storage.CallRoom) error {
	if room == nil {
		return errors.New("nil call room")
	}
	model := callRoomModel{
		ID:              room.ID,
		Name:            room.Name,
		CreatorID:       room.CreatorID,
		Status:          string(room.Status),
		MaxParticipants: room.MaxParticipants,
		AccessCodeHash:  room.AccessCodeHash,
	}
	if model.Status == "" {
		model.Status = string(storage.CallWaiting)
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return err
	}
	room.ID = model.ID
	room.Status = storage.CallStatus(model.Status)
	room.CreatedAt = model.CreatedAt
	return nil
}

func (s *Store) GetCallRoom(ctx context.Context, id uint) (*storage.CallRoom, error) {
	var model callRoomModel
	if err := s.db.WithContext(ctx).First(&model, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return model.toDomain(), nil
}

func (s *Store) UpdateCallRoomStatus(ctx context.Context, id uint, status storage.CallStatus) error {
	res := s.db.WithContext(ctx).Model(&callRoomModel{}).Where("id = ?", id).Update("status", string(status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetCallParticipant(ctx context.Context, callID, userID uint) (*storage.CallParticipant, error) {
	var model callParticipantModel
	err := s.db.WithContext(ctx).Where("call_id = ? AND user_id = ?", callID, userID).First(&model).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	p := model.toDomain()
	return &p, nil
}

// SaveCallParticipant inserts a new attendance record or updates an
// existing one in place.
func (s *Store) SaveCallParticipant(ctx context.Context, p *storage.CallParticipant) error {
	if p == nil {
		return errors.New("nil call participant")
	}
	model := callParticipantFromDomain(p)
	db := s.db.WithContext(ctx)
	if model.ID == 0 {
		if err := db.Create(&model).Error; err != nil {
			return err
		}
		p.ID = model.ID
		p.JoinedAt = model.JoinedAt
		return nil
	}
	return db.Save(&model).Error
}

func (s *Store) ListCallParticipants(ctx context.Context, callID uint, status storage.CallParticipantStatus) ([]storage.CallParticipant, error) {
	var models []callParticipantModel
	err := s.db.WithContext(ctx).
		Where("call_id = ? AND status = ?", callID, string(status)).
		Order("joined_at, user_id").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]storage.CallParticipant, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out, nil
}

func (s *Store) CountCallParticipants(ctx context.Context, callID uint, status storage.CallParticipantStatus) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&callParticipantModel{}).
		Where("call_id = ? AND status = ?", callID, string(status)).
		Count(&count).Error
	return count, err
}
