package sqlite

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm/clause"

	"github.com/fenggwsx/SlashLive/internal/storage"
)

func (s *Store) GetPresence(ctx context.Context, userID uint) (*storage.Presence, error) {
	var model presenceModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&model).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	p := model.toDomain()
	return &p, nil
}

// UpsertPresence writes the record in a single statement so concurrent
// writers for the same user can never produce two rows.
func (s *Store) UpsertPresence(ctx context.Context, p *storage.Presence) error {
	if p == nil {
		return errors.New("nil presence")
	}
	model := presenceModel{
		UserID:          p.UserID,
		Status:          string(p.Status),
		LastActive:      utc(p.LastActive),
		CurrentActivity: p.CurrentActivity,
		UpdatedAt:       time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "last_active", "current_activity", "updated_at"}),
	}).Create(&model).Error
}

// ListPresenceActiveSince returns non-offline records active at or after since.
func (s *Store) ListPresenceActiveSince(ctx context.Context, since time.Time) ([]storage.Presence, error) {
	var models []presenceModel
	err := s.db.WithContext(ctx).
		Where("status <> ? AND last_active >= ?", storage.StatusOffline, since.UTC()).
		Order("user_id").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]storage.Presence, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out, nil
}

// DeleteOfflinePresenceBefore removes records of users offline since before cutoff.
func (s *Store) DeleteOfflinePresenceBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND last_active < ?", storage.StatusOffline, cutoff.UTC()).
		Delete(&presenceModel{})
	return res.RowsAffected, res.Error
}
