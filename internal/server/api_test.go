package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/fenggwsx/SlashLive/internal/protocol"
	"github.com/fenggwsx/SlashLive/internal/storage"
)

func internalRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set(InternalTokenHeader, "internal-secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestInternalAPIRequiresToken(t *testing.T) {
	app, _ := newTestApp(t)
	h := app.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/presence/online", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	r := httptest.NewRequest(http.MethodGet, "/internal/presence/online", nil)
	r.Header.Set(InternalTokenHeader, "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	cfg := testServerConfig()
	cfg.Internal.Token = ""
	disabled := NewApp(cfg, newTestStore(t)).Handler()
	rec = internalRequest(t, disabled, http.MethodGet, "/internal/presence/online", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code, "an empty token disables the API")
}

func TestInternalAPIOnlineQueries(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	app, store := newTestApp(t)
	h := app.Handler()
	alice := createUser(t, store, "alice")
	connect(t, app, alice)
	connect(t, app, alice)

	rec := internalRequest(t, h, http.MethodGet, "/internal/users/1/online", "")
	req.Equal(http.StatusOK, rec.Code)
	var online struct {
		Online      bool `json:"online"`
		Connections int  `json:"connections"`
	}
	req.NoError(json.Unmarshal(rec.Body.Bytes(), &online))
	req.True(online.Online)
	req.Equal(2, online.Connections)

	rec = internalRequest(t, h, http.MethodGet, "/internal/users/abc/online", "")
	req.Equal(http.StatusBadRequest, rec.Code)

	req.NoError(store.UpsertPresence(ctx, &storage.Presence{UserID: 1, Status: storage.StatusOnline, LastActive: time.Now().UTC()}))
	req.NoError(store.UpsertPresence(ctx, &storage.Presence{UserID: 2, Status: storage.StatusOnline, LastActive: time.Now().Add(-time.Hour).UTC()}))

	rec = internalRequest(t, h, http.MethodGet, "/internal/presence/online", "")
	req.Equal(http.StatusOK, rec.Code)
	var records []protocol.PresenceStatus
	req.NoError(json.Unmarshal(rec.Body.Bytes(), &records))
	req.Len(records, 1)
	req.Equal(uint(1), records[0].UserID)

	rec = internalRequest(t, h, http.MethodGet, "/internal/presence/2", "")
	req.Equal(http.StatusOK, rec.Code)
	var status protocol.PresenceStatus
	req.NoError(json.Unmarshal(rec.Body.Bytes(), &status))
	req.Equal("online", status.Status)
}

func TestInternalAPIBroadcast(t *testing.T) {
	req := require.New(t)
	app, store := newTestApp(t)
	h := app.Handler()
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")
	createChatRoom(t, store, 42, alice.ID, bob.ID)

	a := connect(t, app, alice)
	b := connect(t, app, bob)
	a.ok(protocol.EventJoinRoom, protocol.RoomRequest{RoomID: 42}, nil)
	b.ok(protocol.EventJoinRoom, protocol.RoomRequest{RoomID: 42}, nil)

	rec := internalRequest(t, h, http.MethodPost, "/internal/rooms/chat/42/events", `{"event":"newMessage","data":{"id":9,"system":true}}`)
	req.Equal(http.StatusOK, rec.Code, rec.Body.String())
	var delivery protocol.Delivery
	req.NoError(json.Unmarshal(rec.Body.Bytes(), &delivery))
	req.Equal(2, delivery.Delivered)

	var msg protocol.ChatMessage
	req.True(b.next(protocol.EventNewMessage, &msg))
	req.True(msg.System)
	req.True(a.next(protocol.EventNewMessage, nil))

	rec = internalRequest(t, h, http.MethodPost, "/internal/rooms/galaxy/42/events", `{"event":"x"}`)
	req.Equal(http.StatusBadRequest, rec.Code)
	rec = internalRequest(t, h, http.MethodPost, "/internal/rooms/chat/42/events", `{"data":{}}`)
	req.Equal(http.StatusBadRequest, rec.Code)
	rec = internalRequest(t, h, http.MethodPost, "/internal/rooms/chat/42/events", `{`)
	req.Equal(http.StatusBadRequest, rec.Code)
}

func TestInternalAPISendToUser(t *testing.T) {
	req := require.New(t)
	app, store := newTestApp(t)
	runWorkers(t, app)
	h := app.Handler()
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")
	a := connect(t, app, alice)

	rec := internalRequest(t, h, http.MethodPost, "/internal/users/1/events", `{"event":"followed","data":{"by":2}}`)
	req.Equal(http.StatusOK, rec.Code)
	req.True(a.next("followed", nil))

	rec = internalRequest(t, h, http.MethodPost, "/internal/users/2/events", `{"event":"followed","data":{"by":1},"notify":true,"senderId":1,"body":"alice followed you"}`)
	req.Equal(http.StatusOK, rec.Code)
	var delivery protocol.Delivery
	req.NoError(json.Unmarshal(rec.Body.Bytes(), &delivery))
	req.Zero(delivery.Delivered)

	req.Eventually(func() bool {
		notes, err := store.ListNotifications(context.Background(), bob.ID)
		return err == nil && len(notes) == 1 && notes[0].Kind == storage.NotificationEvent && notes[0].Body == "alice followed you"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInternalAPIUpdateStatus(t *testing.T) {
	req := require.New(t)
	app, store := newTestApp(t)
	runWorkers(t, app)
	h := app.Handler()
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")
	carol := createUser(t, store, "carol")
	b := connect(t, app, bob)
	c := connect(t, app, carol)

	rec := internalRequest(t, h, http.MethodPost, "/internal/presence/1", `{"status":"dnd","activity":"focus","audience":[2]}`)
	req.Equal(http.StatusAccepted, rec.Code, rec.Body.String())

	req.Eventually(func() bool {
		var changed protocol.PresenceStatus
		for b.next(protocol.EventUserStatusChanged, &changed) {
			if changed.UserID == alice.ID && changed.Status == "dnd" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	rec2, err := store.GetPresence(context.Background(), alice.ID)
	req.NoError(err)
	req.Equal(storage.StatusDND, rec2.Status)
	req.Equal("focus", rec2.CurrentActivity)

	var changed protocol.PresenceStatus
	for c.next(protocol.EventUserStatusChanged, &changed) {
		req.NotEqual(alice.ID, changed.UserID, "carol is not in the audience")
	}

	rec = internalRequest(t, h, http.MethodPost, "/internal/presence/1", `{"status":"asleep"}`)
	req.Equal(http.StatusBadRequest, rec.Code)
}
