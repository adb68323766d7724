package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"

	"github.com/fenggwsx/SlashLive/internal/protocol"
	"github.com/fenggwsx/SlashLive/internal/storage"
)

type failingPresenceStore struct {
	storage.PresenceStore
	upserts int
}

func (f *failingPresenceStore) UpsertPresence(context.Context, *storage.Presence) error {
	f.upserts++
	return errors.New("disk on fire")
}

func (f *failingPresenceStore) GetPresence(context.Context, uint) (*storage.Presence, error) {
	return nil, storage.ErrNotFound
}

// unreachablePresenceStore fails every call the way a lost database does.
type unreachablePresenceStore struct {
	failingPresenceStore
}

func (u *unreachablePresenceStore) GetPresence(context.Context, uint) (*storage.Presence, error) {
	return nil, errors.New("connection refused")
}

func newTestSynchronizer(t *testing.T, store storage.PresenceStore) (*Synchronizer, *Registry) {
	t.Helper()
	reg := NewRegistry()
	return NewSynchronizer(store, NewBroadcaster(reg), SynchronizerConfig{Workers: 2, QueueSize: 16, StaleAfter: 5 * time.Minute}), reg
}

func TestSynchronizerConnectAndDisconnect(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)
	syncer, _ := newTestSynchronizer(t, store)
	at := time.Now().UTC()

	syncer.apply(ctx, Transition{UserID: 1, Kind: TransitionConnected, Seq: 1, At: at})
	rec, err := store.GetPresence(ctx, 1)
	req.NoError(err)
	req.Equal(storage.StatusOnline, rec.Status)
	req.WithinDuration(at, rec.LastActive, time.Millisecond)

	syncer.apply(ctx, Transition{UserID: 1, Kind: TransitionDisconnected, Seq: 2, At: at.Add(time.Second)})
	rec, err = store.GetPresence(ctx, 1)
	req.NoError(err)
	req.Equal(storage.StatusOffline, rec.Status)
}

func TestSynchronizerDiscardsStaleTransitions(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)
	syncer, _ := newTestSynchronizer(t, store)
	at := time.Now().UTC()

	syncer.apply(ctx, Transition{UserID: 3, Kind: TransitionStatus, Seq: 2, At: at, Status: storage.StatusAway})
	syncer.apply(ctx, Transition{UserID: 3, Kind: TransitionConnected, Seq: 1, At: at.Add(-time.Second)})

	rec, err := store.GetPresence(ctx, 3)
	req.NoError(err)
	req.Equal(storage.StatusAway, rec.Status, "the older connect must not overwrite the newer status")
}

func TestSynchronizerHeartbeatKeepsChosenStatus(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)
	syncer, _ := newTestSynchronizer(t, store)
	at := time.Now().UTC()
	activity := "reviewing"

	syncer.apply(ctx, Transition{UserID: 4, Kind: TransitionHeartbeat, Seq: 1, At: at})
	rec, err := store.GetPresence(ctx, 4)
	req.NoError(err)
	req.Equal(storage.StatusOnline, rec.Status, "a heartbeat with no record means online")

	syncer.apply(ctx, Transition{UserID: 4, Kind: TransitionStatus, Seq: 2, At: at, Status: storage.StatusBusy, Activity: &activity})
	syncer.apply(ctx, Transition{UserID: 4, Kind: TransitionHeartbeat, Seq: 3, At: at.Add(time.Minute)})
	rec, err = store.GetPresence(ctx, 4)
	req.NoError(err)
	req.Equal(storage.StatusBusy, rec.Status)
	req.Equal("reviewing", rec.CurrentActivity)
	req.WithinDuration(at.Add(time.Minute), rec.LastActive, time.Millisecond)

	syncer.apply(ctx, Transition{UserID: 4, Kind: TransitionStatus, Seq: 4, At: at, Status: storage.StatusOffline})
	syncer.apply(ctx, Transition{UserID: 4, Kind: TransitionHeartbeat, Seq: 5, At: at.Add(2 * time.Minute)})
	rec, err = store.GetPresence(ctx, 4)
	req.NoError(err)
	req.Equal(storage.StatusOffline, rec.Status, "appearing offline survives heartbeats")
	req.Empty(rec.CurrentActivity)
}

func TestSynchronizerActivity(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)
	syncer, _ := newTestSynchronizer(t, store)
	at := time.Now().UTC()
	activity := "in a call"

	syncer.apply(ctx, Transition{UserID: 6, Kind: TransitionConnected, Seq: 1, At: at})
	syncer.apply(ctx, Transition{UserID: 6, Kind: TransitionActivity, Seq: 2, At: at, Activity: &activity})
	rec, err := store.GetPresence(ctx, 6)
	req.NoError(err)
	req.Equal(storage.StatusOnline, rec.Status)
	req.Equal("in a call", rec.CurrentActivity)

	syncer.apply(ctx, Transition{UserID: 6, Kind: TransitionConnected, Seq: 3, At: at})
	rec, err = store.GetPresence(ctx, 6)
	req.NoError(err)
	req.Empty(rec.CurrentActivity, "a new session starts without an activity")
}

func TestSynchronizerPublishesToAudience(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)
	syncer, reg := newTestSynchronizer(t, store)

	friend, stranger := newFakeSub("f", 2), newFakeSub("s", 3)
	for _, sub := range []*fakeSub{friend, stranger} {
		_, _, err := reg.Register(sub)
		req.NoError(err)
	}

	syncer.apply(ctx, Transition{UserID: 1, Kind: TransitionStatus, Seq: 1, Status: storage.StatusAway, Audience: []uint{2, 2}})
	req.Empty(stranger.events(t))
	got := friend.events(t)
	req.Len(got, 1)
	req.Equal(protocol.EventUserStatusChanged, got[0].Event)

	var status protocol.PresenceStatus
	req.NoError(json.Unmarshal(got[0].Data, &status))
	req.Equal(uint(1), status.UserID)
	req.Equal("away", status.Status)
	req.False(status.LastActive.IsZero())

	syncer.apply(ctx, Transition{UserID: 1, Kind: TransitionStatus, Seq: 2, Status: storage.StatusOnline})
	req.Len(stranger.events(t), 1, "nil audience broadcasts globally")
}

func TestSynchronizerServeDrainsQueue(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	syncer, _ := newTestSynchronizer(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- syncer.Serve(ctx) }()

	for i := uint(1); i <= 5; i++ {
		req.NoError(syncer.Submit(ctx, Transition{UserID: i, Kind: TransitionConnected, Seq: 1, At: time.Now().UTC()}))
	}
	req.Eventually(func() bool {
		records, err := store.ListPresenceActiveSince(context.Background(), time.Now().Add(-time.Minute))
		return err == nil && len(records) == 5
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	req.ErrorIs(<-done, context.Canceled)
}

func TestSynchronizerSubmitHonoursContext(t *testing.T) {
	store := newTestStore(t)
	reg := NewRegistry()
	syncer := NewSynchronizer(store, NewBroadcaster(reg), SynchronizerConfig{Workers: 1, QueueSize: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, syncer.Submit(ctx, Transition{UserID: 1, Kind: TransitionHeartbeat}))
	require.ErrorIs(t, syncer.Submit(ctx, Transition{UserID: 1, Kind: TransitionHeartbeat}), context.DeadlineExceeded)
}

func TestSynchronizerBreakerOpensOnRepeatedFailures(t *testing.T) {
	req := require.New(t)
	store := &failingPresenceStore{}
	syncer, reg := newTestSynchronizer(t, store)
	watcher := newFakeSub("w", 9)
	_, _, err := reg.Register(watcher)
	req.NoError(err)

	for i := 1; i <= 8; i++ {
		syncer.apply(context.Background(), Transition{UserID: 1, Kind: TransitionHeartbeat, Seq: uint64(i)})
	}
	req.Equal(gobreaker.StateOpen, syncer.breaker.State())
	req.Equal(5, store.upserts, "an open breaker stops calling the store")
	req.Len(watcher.events(t), 8, "status changes are still broadcast")
}

func TestSynchronizerKeepsChosenStatusWhileStoreIsDown(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := &unreachablePresenceStore{}
	syncer, reg := newTestSynchronizer(t, store)
	watcher := newFakeSub("w", 9)
	_, _, err := reg.Register(watcher)
	req.NoError(err)
	activity := "deep work"

	syncer.apply(ctx, Transition{UserID: 1, Kind: TransitionStatus, Seq: 1, Status: storage.StatusDND, Activity: &activity})
	for i := 2; i <= 8; i++ {
		syncer.apply(ctx, Transition{UserID: 1, Kind: TransitionHeartbeat, Seq: uint64(i)})
	}
	req.Equal(gobreaker.StateOpen, syncer.breaker.State())

	events := watcher.events(t)
	req.Len(events, 8)
	var last protocol.PresenceStatus
	req.NoError(json.Unmarshal(events[len(events)-1].Data, &last))
	req.Equal(string(storage.StatusDND), last.Status)
	req.Equal("deep work", last.CurrentActivity)
}

func TestSynchronizerForgetsUserAfterDisconnect(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	syncer, _ := newTestSynchronizer(t, newTestStore(t))

	syncer.apply(ctx, Transition{UserID: 1, Kind: TransitionConnected, Seq: 1})
	syncer.apply(ctx, Transition{UserID: 2, Kind: TransitionConnected, Seq: 2})
	syncer.apply(ctx, Transition{UserID: 1, Kind: TransitionDisconnected, Seq: 3})

	syncer.mu.Lock()
	_, known := syncer.applied[1]
	tracked := len(syncer.applied)
	syncer.mu.Unlock()
	req.False(known)
	req.Equal(1, tracked)
}

func TestSynchronizerAppliesSubmissionsAfterStop(t *testing.T) {
	req := require.New(t)
	store := newTestStore(t)
	syncer, _ := newTestSynchronizer(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- syncer.Serve(ctx) }()
	req.NoError(syncer.Submit(ctx, Transition{UserID: 1, Kind: TransitionConnected, Seq: 1}))
	cancel()
	req.ErrorIs(<-done, context.Canceled)

	req.NoError(syncer.Submit(ctx, Transition{UserID: 1, Kind: TransitionDisconnected, Seq: 2}))
	rec, err := store.GetPresence(context.Background(), 1)
	req.NoError(err)
	req.Equal(storage.StatusOffline, rec.Status)
}

func TestSynchronizerQueries(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)
	syncer, _ := newTestSynchronizer(t, store)
	now := time.Now().UTC()

	for _, rec := range []storage.Presence{
		{UserID: 1, Status: storage.StatusOnline, LastActive: now},
		{UserID: 2, Status: storage.StatusDND, LastActive: now.Add(-time.Minute)},
		{UserID: 3, Status: storage.StatusOnline, LastActive: now.Add(-time.Hour)},
		{UserID: 4, Status: storage.StatusOffline, LastActive: now},
	} {
		req.NoError(store.UpsertPresence(ctx, &rec))
	}

	online, err := syncer.OnlineUsers(ctx)
	req.NoError(err)
	req.Len(online, 2, "offline and stale users are excluded")

	status, err := syncer.Status(ctx, 3)
	req.NoError(err)
	req.Equal(storage.StatusOnline, status.Status)

	status, err = syncer.Status(ctx, 99)
	req.NoError(err)
	req.Equal(storage.StatusOffline, status.Status)
}

func TestRetentionSweeper(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	for _, rec := range []storage.Presence{
		{UserID: 1, Status: storage.StatusOffline, LastActive: now.Add(-40 * 24 * time.Hour)},
		{UserID: 2, Status: storage.StatusOffline, LastActive: now.Add(-time.Hour)},
		{UserID: 3, Status: storage.StatusOnline, LastActive: now.Add(-40 * 24 * time.Hour)},
	} {
		req.NoError(store.UpsertPresence(ctx, &rec))
	}

	sweeper := NewRetentionSweeper(store, 30*24*time.Hour, time.Hour)
	sweeper.now = func() time.Time { return now }
	req.EqualValues(1, sweeper.Sweep(ctx))

	_, err := store.GetPresence(ctx, 1)
	req.ErrorIs(err, storage.ErrNotFound)
	_, err = store.GetPresence(ctx, 3)
	req.NoError(err)
}
