package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenggwsx/SlashLive/internal/config"
	"github.com/fenggwsx/SlashLive/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(config.DatabaseConfig{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUsers(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)

	user := &storage.User{Username: "alice"}
	req.NoError(store.CreateUser(ctx, user))
	req.NotZero(user.ID)

	got, err := store.GetUserByID(ctx, user.ID)
	req.NoError(err)
	req.Equal("alice", got.Username)

	_, err = store.GetUserByID(ctx, 999)
	req.ErrorIs(err, storage.ErrNotFound)
}

func TestChatMembership(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)

	req.NoError(store.CreateChatRoom(ctx, &storage.ChatRoom{ID: 42, Name: "general", IsGroup: true}))
	req.NoError(store.AddChatParticipant(ctx, &storage.ChatParticipant{RoomID: 42, UserID: 1}))
	req.NoError(store.AddChatParticipant(ctx, &storage.ChatParticipant{RoomID: 42, UserID: 2, Role: storage.RoleAdmin}))
	req.NoError(store.AddChatParticipant(ctx, &storage.ChatParticipant{RoomID: 42, UserID: 3, Status: storage.ParticipantLeft}))

	ok, err := store.IsParticipant(ctx, 42, 1)
	req.NoError(err)
	req.True(ok)

	ok, err = store.IsParticipant(ctx, 42, 3)
	req.NoError(err)
	req.False(ok, "left participants are not members")

	ids, err := store.ListParticipants(ctx, 42)
	req.NoError(err)
	req.Equal([]uint{1, 2}, ids)

	rooms, err := store.ListRoomsForUser(ctx, 2)
	req.NoError(err)
	req.Equal([]uint{42}, rooms)

	// Re-adding flips the status back to active.
	req.NoError(store.AddChatParticipant(ctx, &storage.ChatParticipant{RoomID: 42, UserID: 3}))
	ok, err = store.IsParticipant(ctx, 42, 3)
	req.NoError(err)
	req.True(ok)
}

func TestMessages(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)

	req.NoError(store.CreateChatRoom(ctx, &storage.ChatRoom{ID: 42, LastActivityAt: time.Now().Add(-time.Hour)}))

	first := &storage.Message{RoomID: 42, SenderID: 1, Content: "hi"}
	second := &storage.Message{RoomID: 42, SenderID: 2, Content: "hello"}
	req.NoError(store.SaveMessage(ctx, first))
	req.NoError(store.SaveMessage(ctx, second))
	req.NotZero(first.ID)
	req.Greater(second.ID, first.ID)

	req.NoError(store.MarkMessagesRead(ctx, []uint{first.ID}))
	msgs, err := store.GetMessagesByIDs(ctx, []uint{second.ID, first.ID, 999})
	req.NoError(err)
	req.Len(msgs, 2)
	req.True(msgs[0].Read)
	req.False(msgs[1].Read)

	now := time.Now().UTC()
	req.NoError(store.TouchChatRoom(ctx, 42, now))
	room, err := store.GetChatRoom(ctx, 42)
	req.NoError(err)
	req.WithinDuration(now, room.LastActivityAt, time.Second)

	req.ErrorIs(store.TouchChatRoom(ctx, 7, now), storage.ErrNotFound)
}

func TestUpsertPresenceIsIdempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetPresence(ctx, 1)
	req.ErrorIs(err, storage.ErrNotFound)

	at := time.Now().UTC()
	rec := &storage.Presence{UserID: 1, Status: storage.StatusOnline, LastActive: at, CurrentActivity: "reading"}
	req.NoError(store.UpsertPresence(ctx, rec))
	req.NoError(store.UpsertPresence(ctx, rec))

	var count int64
	req.NoError(store.db.Model(&presenceModel{}).Count(&count).Error)
	req.EqualValues(1, count)

	rec.Status = storage.StatusAway
	rec.CurrentActivity = ""
	req.NoError(store.UpsertPresence(ctx, rec))

	got, err := store.GetPresence(ctx, 1)
	req.NoError(err)
	req.Equal(storage.StatusAway, got.Status)
	req.Empty(got.CurrentActivity)
	req.WithinDuration(at, got.LastActive, time.Millisecond)
}

func TestConcurrentUpsertKeepsOneRecord(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := storage.StatusOnline
			if i%2 == 0 {
				status = storage.StatusOffline
			}
			_ = store.UpsertPresence(ctx, &storage.Presence{UserID: 5, Status: status, LastActive: time.Now()})
		}(i)
	}
	wg.Wait()

	var count int64
	require.NoError(t, store.db.Model(&presenceModel{}).Where("user_id = ?", 5).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestPresenceQueries(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now().UTC()
	records := []storage.Presence{
		{UserID: 1, Status: storage.StatusOnline, LastActive: now},
		{UserID: 2, Status: storage.StatusBusy, LastActive: now.Add(-time.Minute)},
		{UserID: 3, Status: storage.StatusOnline, LastActive: now.Add(-time.Hour)},
		{UserID: 4, Status: storage.StatusOffline, LastActive: now},
		{UserID: 5, Status: storage.StatusOffline, LastActive: now.Add(-48 * time.Hour)},
	}
	for i := range records {
		req.NoError(store.UpsertPresence(ctx, &records[i]))
	}

	active, err := store.ListPresenceActiveSince(ctx, now.Add(-5*time.Minute))
	req.NoError(err)
	req.Len(active, 2)
	req.Equal(uint(1), active[0].UserID)
	req.Equal(uint(2), active[1].UserID)

	removed, err := store.DeleteOfflinePresenceBefore(ctx, now.Add(-24*time.Hour))
	req.NoError(err)
	req.EqualValues(1, removed)

	_, err = store.GetPresence(ctx, 5)
	req.ErrorIs(err, storage.ErrNotFound)
	_, err = store.GetPresence(ctx, 3)
	req.NoError(err)
}

func TestCalls(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)

	room := &storage.CallRoom{CreatorID: 1, MaxParticipants: 2}
	req.NoError(store.CreateCallRoom(ctx, room))
	req.Equal(storage.CallWaiting, room.Status)

	p := &storage.CallParticipant{CallID: room.ID, UserID: 1, Status: storage.CallJoined, Microphone: true}
	req.NoError(store.SaveCallParticipant(ctx, p))
	req.NotZero(p.ID)

	count, err := store.CountCallParticipants(ctx, room.ID, storage.CallJoined)
	req.NoError(err)
	req.EqualValues(1, count)

	left := time.Now()
	p.Status = storage.CallLeft
	p.LeftAt = &left
	p.Microphone = false
	req.NoError(store.SaveCallParticipant(ctx, p))

	got, err := store.GetCallParticipant(ctx, room.ID, 1)
	req.NoError(err)
	req.Equal(storage.CallLeft, got.Status)
	req.NotNil(got.LeftAt)
	req.False(got.Microphone)

	joined, err := store.ListCallParticipants(ctx, room.ID, storage.CallJoined)
	req.NoError(err)
	req.Empty(joined)

	req.NoError(store.UpdateCallRoomStatus(ctx, room.ID, storage.CallEnded))
	fetched, err := store.GetCallRoom(ctx, room.ID)
	req.NoError(err)
	req.Equal(storage.CallEnded, fetched.Status)
	req.False(fetched.Status.Joinable())

	req.ErrorIs(store.UpdateCallRoomStatus(ctx, 999, storage.CallEnded), storage.ErrNotFound)
	_, err = store.GetCallParticipant(ctx, room.ID, 2)
	req.ErrorIs(err, storage.ErrNotFound)
}

func TestNotifications(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)

	n := &storage.Notification{RecipientID: 2, SenderID: 1, Kind: storage.NotificationMessage, ReferenceID: 10, Body: "hi"}
	req.NoError(store.CreateNotification(ctx, n))
	req.NotZero(n.ID)

	list, err := store.ListNotifications(ctx, 2)
	req.NoError(err)
	req.Len(list, 1)
	req.Equal(uint(10), list[0].ReferenceID)
	req.False(list[0].Read)
}
