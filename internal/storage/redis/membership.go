// Package redis keeps chat-room participant sets in Redis so the CRUD layer
// can update membership without touching the realtime server's database.
package redis

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/fenggwsx/SlashLive/internal/storage"
)

// MembershipStore implements storage.MembershipStore over two families of
// sets: room -> users and user -> rooms.
type MembershipStore struct {
	client redis.UniversalClient
	prefix string
}

var _ storage.MembershipStore = (*MembershipStore)(nil)

func New(client redis.UniversalClient, prefix string) *MembershipStore {
	return &MembershipStore{client: client, prefix: prefix}
}

func (s *MembershipStore) roomKey(roomID uint) string {
	return fmt.Sprintf("%schat:room:%d:participants", s.prefix, roomID)
}

func (s *MembershipStore) userKey(userID uint) string {
	return fmt.Sprintf("%schat:user:%d:rooms", s.prefix, userID)
}

func (s *MembershipStore) IsParticipant(ctx context.Context, roomID, userID uint) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.roomKey(roomID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("check participant %d in room %d: %w", userID, roomID, err)
	}
	return ok, nil
}

func (s *MembershipStore) ListParticipants(ctx context.Context, roomID uint) ([]uint, error) {
	members, err := s.client.SMembers(ctx, s.roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list participants of room %d: %w", roomID, err)
	}
	return parseIDs(members)
}

func (s *MembershipStore) ListRoomsForUser(ctx context.Context, userID uint) ([]uint, error) {
	rooms, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms of user %d: %w", userID, err)
	}
	return parseIDs(rooms)
}

// AddParticipant records membership in both directions atomically.
func (s *MembershipStore) AddParticipant(ctx context.Context, roomID, userID uint) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.roomKey(roomID), userID)
		pipe.SAdd(ctx, s.userKey(userID), roomID)
		return nil
	})
	return err
}

// RemoveParticipant drops membership in both directions atomically.
func (s *MembershipStore) RemoveParticipant(ctx context.Context, roomID, userID uint) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.roomKey(roomID), userID)
		pipe.SRem(ctx, s.userKey(userID), roomID)
		return nil
	})
	return err
}

func parseIDs(values []string) ([]uint, error) {
	ids := make([]uint, 0, len(values))
	for _, v := range values {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse id %q: %w", v, err)
		}
		ids = append(ids, uint(id))
	}
	slices.Sort(ids)
	return ids, nil
}
