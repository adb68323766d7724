package server

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/fenggwsx/SlashLive/internal/protocol"
	"github.com/fenggwsx/SlashLive/internal/storage"
)

func (a *App) handleUpdateStatus(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
	req, err := decodePayload[protocol.StatusRequest](data)
	if err != nil {
		return nil, err
	}
	status := storage.PresenceStatus(req.Status)
	if status == "" {
		status = storage.StatusOnline
	}
	tr := a.registry.Stamp(c.UserID(), TransitionStatus, status, req.Activity)
	if err := a.presence.Submit(ctx, tr); err != nil {
		return nil, persistenceError("queue status change", err)
	}
	return protocol.PresenceStatus{
		UserID:          c.UserID(),
		Status:          string(status),
		LastActive:      tr.At,
		CurrentActivity: activityFor(status, req.Activity),
	}, nil
}

func (a *App) handleUpdateActivity(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
	req, err := decodePayload[protocol.ActivityRequest](data)
	if err != nil {
		return nil, err
	}
	activity := req.Activity
	tr := a.registry.Stamp(c.UserID(), TransitionActivity, "", &activity)
	if err := a.presence.Submit(ctx, tr); err != nil {
		return nil, persistenceError("queue activity change", err)
	}
	return nil, nil
}

func (a *App) handleHeartbeat(ctx context.Context, c *Connection, _ json.RawMessage) (interface{}, error) {
	tr := a.registry.Stamp(c.UserID(), TransitionHeartbeat, "", nil)
	if err := a.presence.Submit(ctx, tr); err != nil {
		return nil, persistenceError("queue heartbeat", err)
	}
	return nil, nil
}

// handleGetUserStatus answers with the durable status of one user, both as
// the ack result and as a userStatus event.
func (a *App) handleGetUserStatus(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
	req, err := decodePayload[protocol.UserStatusRequest](data)
	if err != nil {
		return nil, err
	}
	record, err := a.presence.Status(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	payload := presencePayload(record)
	a.push(c, protocol.EventUserStatus, payload)
	return payload, nil
}

func activityFor(status storage.PresenceStatus, activity *string) string {
	if status == storage.StatusOffline || activity == nil {
		return ""
	}
	return *activity
}
