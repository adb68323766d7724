package server

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"github.com/samber/lo"

	"github.com/fenggwsx/SlashLive/internal/logging"
	"github.com/fenggwsx/SlashLive/internal/protocol"
	"github.com/fenggwsx/SlashLive/internal/storage"
)

func (a *App) handleJoinCallRoom(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
	req, err := decodePayload[protocol.JoinCallRequest](data)
	if err != nil {
		return nil, err
	}
	room := CallRoom(req.RoomID)
	if err := a.authority.Check(ctx, c.UserID(), room, req.AccessCode); err != nil {
		return nil, err
	}

	wctx, cancel := a.writeContext(ctx)
	defer cancel()

	call, err := a.store.GetCallRoom(wctx, req.RoomID)
	if err != nil {
		return nil, classify(err)
	}
	p, err := a.callParticipant(wctx, req.RoomID, c.UserID())
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &storage.CallParticipant{CallID: req.RoomID, UserID: c.UserID()}
	}
	if p.Status != storage.CallJoined {
		p.JoinedAt = a.now().UTC()
		p.Camera, p.Microphone, p.ScreenShare = false, false, false
	}
	p.Status = storage.CallJoined
	p.LeftAt = nil
	if err := a.store.SaveCallParticipant(wctx, p); err != nil {
		return nil, persistenceError("save call participant", err)
	}
	if call.Status == storage.CallWaiting {
		if err := a.store.UpdateCallRoomStatus(wctx, call.ID, storage.CallActive); err != nil {
			return nil, persistenceError("activate call", err)
		}
	}

	wasPresent := a.registry.UserInRoom(c.UserID(), room)
	if _, err := a.registry.Join(c.ID(), room); err != nil {
		return nil, err
	}
	if !wasPresent {
		a.broadcaster.BroadcastToRoom(room, protocol.EventUserJoinedCall, protocol.RoomMember{
			RoomID: room.ID, UserID: c.UserID(), Username: c.Username(),
		}, BroadcastOptions{Origin: c.ID()})
	}

	snapshot, err := a.callSnapshot(wctx, req.RoomID)
	if err != nil {
		return nil, err
	}
	a.push(c, protocol.EventCallParticipants, snapshot)
	return protocol.RoomResult{RoomID: room.ID}, nil
}

func (a *App) handleLeaveCallRoom(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
	req, err := decodePayload[protocol.RoomRequest](data)
	if err != nil {
		return nil, err
	}
	if !a.registry.Leave(c.ID(), CallRoom(req.RoomID)) {
		return nil, notFoundError("not in this call")
	}
	a.departCall(ctx, c.summary(), req.RoomID, "")
	return protocol.RoomResult{RoomID: req.RoomID}, nil
}

// departCall records that a user left a call once none of their connections
// remain in it, and tells the other participants.
func (a *App) departCall(ctx context.Context, user protocol.UserSummary, callID uint, reason string) {
	room := CallRoom(callID)
	if a.registry.UserInRoom(user.ID, room) {
		return
	}

	wctx, cancel := a.writeContext(ctx)
	defer cancel()

	p, err := a.callParticipant(wctx, callID, user.ID)
	switch {
	case err != nil:
		logCallError(err, callID, user.ID, "load call participant")
	case p != nil && p.Status == storage.CallJoined:
		left := a.now().UTC()
		p.Status = storage.CallLeft
		p.LeftAt = &left
		p.Camera, p.Microphone, p.ScreenShare = false, false, false
		if err := a.store.SaveCallParticipant(wctx, p); err != nil {
			logCallError(err, callID, user.ID, "save call departure")
		}
	}

	a.broadcaster.BroadcastToRoom(room, protocol.EventUserLeftCall, protocol.RoomMember{
		RoomID: callID, UserID: user.ID, Username: user.Username, Reason: reason,
	}, BroadcastOptions{})
}

// RelaySignal forwards an opaque WebRTC payload from one call participant
// to another. Both must be joined participants of the call.
func (a *App) RelaySignal(ctx context.Context, c *Connection, event string, callID, target uint, payload json.RawMessage) (int, error) {
	if !protocol.IsSignal(event) {
		return 0, invalidError("not a signaling event", nil)
	}
	if target == c.UserID() {
		return 0, invalidError("cannot signal yourself", nil)
	}
	if len(payload) == 0 || string(payload) == "null" {
		return 0, invalidError("missing signaling payload", nil)
	}
	if !a.registry.InRoom(c.ID(), CallRoom(callID)) {
		return 0, authorizationError("join the call first")
	}
	for _, userID := range []uint{c.UserID(), target} {
		p, err := a.callParticipant(ctx, callID, userID)
		if err != nil {
			return 0, err
		}
		if p == nil || p.Status != storage.CallJoined {
			return 0, authorizationError("both peers must have joined the call")
		}
	}
	delivered := a.broadcaster.SendToUser(target, event, protocol.Signal{
		RoomID: callID, From: c.UserID(), Payload: payload,
	})
	return delivered, nil
}

func (a *App) signalHandler(event string) handlerFunc {
	return func(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
		req, err := decodePayload[protocol.SignalRequest](data)
		if err != nil {
			return nil, err
		}
		delivered, err := a.RelaySignal(ctx, c, event, req.RoomID, req.To, req.Payload)
		if err != nil {
			return nil, err
		}
		return protocol.Delivery{Delivered: delivered}, nil
	}
}

// mediaUpdate applies a toggle to a participant and returns the new value.
type mediaUpdate func(p *storage.CallParticipant, enabled *bool) bool

func toggleCamera(p *storage.CallParticipant, enabled *bool) bool {
	p.Camera = lo.FromPtrOr(enabled, !p.Camera)
	return p.Camera
}

func toggleMicrophone(p *storage.CallParticipant, enabled *bool) bool {
	p.Microphone = lo.FromPtrOr(enabled, !p.Microphone)
	return p.Microphone
}

func setScreenShare(on bool) mediaUpdate {
	return func(p *storage.CallParticipant, _ *bool) bool {
		p.ScreenShare = on
		return on
	}
}

func (a *App) toggleHandler(event string, update mediaUpdate) handlerFunc {
	return func(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
		req, err := decodePayload[protocol.ToggleRequest](data)
		if err != nil {
			return nil, err
		}
		room := CallRoom(req.RoomID)
		if !a.registry.InRoom(c.ID(), room) {
			return nil, authorizationError("join the call first")
		}

		wctx, cancel := a.writeContext(ctx)
		defer cancel()

		p, err := a.callParticipant(wctx, req.RoomID, c.UserID())
		if err != nil {
			return nil, err
		}
		if p == nil || p.Status != storage.CallJoined {
			return nil, authorizationError("not a participant of this call")
		}
		enabled := update(p, req.Enabled)
		if err := a.store.SaveCallParticipant(wctx, p); err != nil {
			return nil, persistenceError("save media state", err)
		}

		toggle := protocol.MediaToggle{RoomID: req.RoomID, UserID: c.UserID(), Enabled: enabled}
		a.broadcaster.BroadcastToRoom(room, event, toggle, BroadcastOptions{Origin: c.ID()})
		return toggle, nil
	}
}

// handleInitiateCall rings another user. When the callee has no live
// connection a call notification is stored instead.
func (a *App) handleInitiateCall(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
	req, err := decodePayload[protocol.CallInviteRequest](data)
	if err != nil {
		return nil, err
	}
	if req.To == c.UserID() {
		return nil, invalidError("cannot call yourself", nil)
	}

	call, err := a.store.GetCallRoom(ctx, req.RoomID)
	if err != nil {
		return nil, classify(err)
	}
	if !call.Status.Joinable() {
		return nil, authorizationError("call has ended")
	}
	if call.CreatorID != c.UserID() {
		p, err := a.callParticipant(ctx, req.RoomID, c.UserID())
		if err != nil {
			return nil, err
		}
		if p == nil || p.Status != storage.CallJoined {
			return nil, authorizationError("only participants can invite")
		}
	}

	a.invites.Add(call.ID, c.UserID(), req.To, req.CallType)
	delivered := a.broadcaster.SendToUser(req.To, protocol.EventIncomingCall, protocol.CallEvent{
		RoomID: req.RoomID, From: c.summary(), CallType: req.CallType,
	})
	if delivered == 0 {
		note := storage.Notification{
			RecipientID: req.To,
			SenderID:    c.UserID(),
			Kind:        storage.NotificationCall,
			ReferenceID: req.RoomID,
			Body:        c.Username() + " is calling",
		}
		if err := a.notifier.Enqueue(ctx, note); err != nil {
			c.log.Warn().Err(err).Uint("recipient_id", req.To).Msg("notification queue full")
		}
	}
	return protocol.Delivery{Delivered: delivered}, nil
}

// callReplyHandler answers an invitation rung by initiateCall. The call
// must still be joinable and the reply goes only to the user who rang.
func (a *App) callReplyHandler(event string) handlerFunc {
	return func(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
		req, err := decodePayload[protocol.CallInviteRequest](data)
		if err != nil {
			return nil, err
		}

		call, err := a.store.GetCallRoom(ctx, req.RoomID)
		if err != nil {
			return nil, classify(err)
		}
		if !call.Status.Joinable() {
			a.invites.Forget(call.ID)
			return nil, authorizationError("call has ended")
		}
		if call.CreatorID != req.To {
			p, err := a.callParticipant(ctx, call.ID, req.To)
			if err != nil {
				return nil, err
			}
			if p == nil || p.Status != storage.CallJoined {
				return nil, authorizationError("user is not in this call")
			}
		}
		callType, ok := a.invites.Answer(call.ID, c.UserID(), req.To)
		if !ok {
			return nil, authorizationError("no pending invitation from this user")
		}

		delivered := a.broadcaster.SendToUser(req.To, event, protocol.CallEvent{
			RoomID: call.ID, From: c.summary(), CallType: callType,
		})
		return protocol.Delivery{Delivered: delivered}, nil
	}
}

func (a *App) handleEndCall(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
	req, err := decodePayload[protocol.RoomRequest](data)
	if err != nil {
		return nil, err
	}
	call, err := a.ownedCall(ctx, c, req.RoomID)
	if err != nil {
		return nil, err
	}

	wctx, cancel := a.writeContext(ctx)
	defer cancel()

	if err := a.store.UpdateCallRoomStatus(wctx, call.ID, storage.CallEnded); err != nil {
		return nil, persistenceError("end call", err)
	}
	a.invites.Forget(call.ID)
	joined, err := a.store.ListCallParticipants(wctx, call.ID, storage.CallJoined)
	if err != nil {
		return nil, persistenceError("list call participants", err)
	}
	left := a.now().UTC()
	for i := range joined {
		p := &joined[i]
		p.Status = storage.CallLeft
		p.LeftAt = &left
		p.Camera, p.Microphone, p.ScreenShare = false, false, false
		if err := a.store.SaveCallParticipant(wctx, p); err != nil {
			return nil, persistenceError("save call participant", err)
		}
	}

	room := CallRoom(call.ID)
	a.broadcaster.BroadcastToRoom(room, protocol.EventCallEnded, protocol.CallEvent{
		RoomID: call.ID, From: c.summary(),
	}, BroadcastOptions{IncludeOrigin: true})
	a.registry.CloseRoom(room)
	return protocol.RoomResult{RoomID: call.ID}, nil
}

func (a *App) handleKickParticipant(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
	req, err := decodePayload[protocol.KickRequest](data)
	if err != nil {
		return nil, err
	}
	call, err := a.ownedCall(ctx, c, req.RoomID)
	if err != nil {
		return nil, err
	}
	if req.UserID == call.CreatorID {
		return nil, invalidError("cannot remove the call creator", nil)
	}

	wctx, cancel := a.writeContext(ctx)
	defer cancel()

	p, err := a.callParticipant(wctx, call.ID, req.UserID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.Status != storage.CallJoined {
		return nil, notFoundError("user is not in this call")
	}
	left := a.now().UTC()
	p.Status = storage.CallKicked
	p.LeftAt = &left
	p.Camera, p.Microphone, p.ScreenShare = false, false, false
	if err := a.store.SaveCallParticipant(wctx, p); err != nil {
		return nil, persistenceError("save call participant", err)
	}

	room := CallRoom(call.ID)
	a.registry.RemoveUserFromRoom(req.UserID, room)
	a.broadcaster.SendToUser(req.UserID, protocol.EventKickedFromCall, protocol.Kicked{RoomID: call.ID, By: c.UserID()})
	a.broadcaster.BroadcastToRoom(room, protocol.EventUserLeftCall, protocol.RoomMember{
		RoomID: call.ID, UserID: req.UserID, Reason: "kicked",
	}, BroadcastOptions{IncludeOrigin: true})
	return protocol.RoomResult{RoomID: call.ID}, nil
}

// ownedCall loads a call the connection's user created.
func (a *App) ownedCall(ctx context.Context, c *Connection, callID uint) (*storage.CallRoom, error) {
	call, err := a.store.GetCallRoom(ctx, callID)
	if err != nil {
		return nil, classify(err)
	}
	if call.CreatorID != c.UserID() {
		return nil, authorizationError("only the call creator can do that")
	}
	if !call.Status.Joinable() {
		return nil, authorizationError("call has ended")
	}
	return call, nil
}

// callParticipant returns nil without error when the user never joined.
func (a *App) callParticipant(ctx context.Context, callID, userID uint) (*storage.CallParticipant, error) {
	p, err := a.store.GetCallParticipant(ctx, callID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, persistenceError("load call participant", err)
	}
	return p, nil
}

func (a *App) callSnapshot(ctx context.Context, callID uint) (protocol.CallParticipants, error) {
	joined, err := a.store.ListCallParticipants(ctx, callID, storage.CallJoined)
	if err != nil {
		return protocol.CallParticipants{}, persistenceError("list call participants", err)
	}
	return protocol.CallParticipants{
		RoomID: callID,
		Participants: lo.Map(joined, func(p storage.CallParticipant, _ int) protocol.CallParticipant {
			return protocol.CallParticipant{
				UserID:      p.UserID,
				Status:      string(p.Status),
				JoinedAt:    p.JoinedAt,
				Camera:      p.Camera,
				Microphone:  p.Microphone,
				ScreenShare: p.ScreenShare,
			}
		}),
	}, nil
}

func logCallError(err error, callID, userID uint, msg string) {
	logging.Warn().Err(err).Uint("call_id", callID).Uint("user_id", userID).Msg(msg)
}
