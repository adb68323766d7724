package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenggwsx/SlashLive/internal/protocol"
	"github.com/fenggwsx/SlashLive/internal/storage"
)

func TestUpdateStatusBroadcastsChange(t *testing.T) {
	req := require.New(t)
	app, store := newTestApp(t)
	runWorkers(t, app)
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")

	a := connect(t, app, alice)
	b := connect(t, app, bob)

	activity := "writing docs"
	var status protocol.PresenceStatus
	a.ok(protocol.EventUpdateStatus, protocol.StatusRequest{Status: "busy", Activity: &activity}, &status)
	req.Equal("busy", status.Status)
	req.Equal("writing docs", status.CurrentActivity)

	req.Eventually(func() bool {
		var changed protocol.PresenceStatus
		for b.next(protocol.EventUserStatusChanged, &changed) {
			if changed.UserID == alice.ID && changed.Status == "busy" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := store.GetPresence(context.Background(), alice.ID)
	req.NoError(err)
	req.Equal(storage.StatusBusy, rec.Status)
	req.Equal("writing docs", rec.CurrentActivity)

	a.fails(protocol.EventUpdateStatus, protocol.StatusRequest{Status: "sleeping"}, KindInvalid)
}

func TestHeartbeatAndActivity(t *testing.T) {
	req := require.New(t)
	app, store := newTestApp(t)
	runWorkers(t, app)
	alice := createUser(t, store, "alice")
	a := connect(t, app, alice)

	a.ok(protocol.EventUpdateActivity, protocol.ActivityRequest{Activity: "in a meeting"}, nil)
	a.ok(protocol.EventHeartbeat, nil, nil)

	req.Eventually(func() bool {
		rec, err := store.GetPresence(context.Background(), alice.ID)
		return err == nil && rec.Status == storage.StatusOnline && rec.CurrentActivity == "in a meeting"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetUserStatus(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	app, store := newTestApp(t)
	alice := createUser(t, store, "alice")
	a := connect(t, app, alice)

	seen := time.Now().UTC().Add(-time.Hour)
	req.NoError(store.UpsertPresence(ctx, &storage.Presence{UserID: 77, Status: storage.StatusAway, LastActive: seen}))

	var status protocol.PresenceStatus
	a.ok(protocol.EventGetUserStatus, protocol.UserStatusRequest{UserID: 77}, &status)
	req.Equal("away", status.Status)
	req.WithinDuration(seen, status.LastActive, time.Millisecond)
	req.True(a.next(protocol.EventUserStatus, nil))

	a.ok(protocol.EventGetUserStatus, protocol.UserStatusRequest{UserID: 78}, &status)
	req.Equal("offline", status.Status, "unknown users read as offline")

	a.fails(protocol.EventGetUserStatus, nil, KindInvalid)
}
