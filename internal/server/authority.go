package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/fenggwsx/SlashLive/internal/auth"
	"github.com/fenggwsx/SlashLive/internal/storage"
)

// Authority decides whether a user may subscribe to a room. It always asks
// the stores and never caches answers.
type Authority struct {
	membership storage.MembershipStore
	calls      storage.CallStore
}

func NewAuthority(membership storage.MembershipStore, calls storage.CallStore) *Authority {
	return &Authority{membership: membership, calls: calls}
}

// CanJoin reports whether userID may join room. A false answer with a nil
// error means "not authorized"; an error means the stores could not answer.
func (a *Authority) CanJoin(ctx context.Context, userID uint, room Room, accessCode string) (bool, error) {
	err := a.Check(ctx, userID, room, accessCode)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrAuthorization), errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Check is CanJoin with the reason for a refusal: an authorization or
// not_found *Error, or a persistence *Error.
func (a *Authority) Check(ctx context.Context, userID uint, room Room, accessCode string) error {
	switch room.Kind {
	case RoomChat:
		return a.checkChat(ctx, userID, room.ID)
	case RoomCall:
		return a.checkCall(ctx, userID, room.ID, accessCode)
	case RoomUser:
		if room.ID != userID {
			return authorizationError("cannot subscribe to another user's channel")
		}
		return nil
	default:
		return invalidError(fmt.Sprintf("unknown room kind %d", room.Kind), nil)
	}
}

func (a *Authority) checkChat(ctx context.Context, userID, roomID uint) error {
	ok, err := a.membership.IsParticipant(ctx, roomID, userID)
	if err != nil {
		return persistenceError("check chat membership", err)
	}
	if !ok {
		return authorizationError("not a participant of this conversation")
	}
	return nil
}

func (a *Authority) checkCall(ctx context.Context, userID, callID uint, accessCode string) error {
	call, err := a.calls.GetCallRoom(ctx, callID)
	if errors.Is(err, storage.ErrNotFound) {
		return notFoundError("call room not found")
	}
	if err != nil {
		return persistenceError("load call room", err)
	}
	if !call.Status.Joinable() {
		return authorizationError("call has ended")
	}

	existing, err := a.calls.GetCallParticipant(ctx, callID, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		existing = nil
	case err != nil:
		return persistenceError("load call participant", err)
	}
	if existing != nil && existing.Status == storage.CallKicked {
		return authorizationError("removed from this call")
	}
	alreadyJoined := existing != nil && existing.Status == storage.CallJoined

	if call.MaxParticipants > 0 && !alreadyJoined {
		joined, err := a.calls.CountCallParticipants(ctx, callID, storage.CallJoined)
		if err != nil {
			return persistenceError("count call participants", err)
		}
		if joined >= int64(call.MaxParticipants) {
			return authorizationError("call is full")
		}
	}

	if call.Protected() && call.CreatorID != userID && !auth.CompareAccessCode(call.AccessCodeHash, accessCode) {
		return authorizationError("invalid access code")
	}
	return nil
}
