package sqlite

import (
	"context"
	"errors"

	"github.com/fenggwsx/SlashLive/internal/storage"
)

func (s *Store) CreateNotification(ctx context.Context, n *storage.Notification) error {
	if n == nil {
		return errors.New("nil notification")
	}
	model := notificationModel{
		RecipientID: n.RecipientID,
		SenderID:    n.SenderID,
		Kind:        n.Kind,
		ReferenceID: n.ReferenceID,
		Body:        n.Body,
		Read:        n.Read,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return err
	}
	n.ID = model.ID
	n.CreatedAt = model.CreatedAt
	return nil
}

// ListNotifications returns a recipient's notifications, oldest first.
func (s *Store) ListNotifications(ctx context.Context, recipientID uint) ([]storage.Notification, error) {
	var models []notificationModel
	if err := s.db.WithContext(ctx).Where("recipient_id = ?", recipientID).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]storage.Notification, 0, len(models))
	for _, m := range models {
		out = append(out, storage.Notification{
			ID:          m.ID,
			RecipientID: m.RecipientID,
			SenderID:    m.SenderID,
			Kind:        m.Kind,
			ReferenceID: m.ReferenceID,
			Body:        m.Body,
			Read:        m.Read,
			CreatedAt:   m.CreatedAt,
		})
	}
	return out, nil
}
