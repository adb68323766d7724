package server

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/fenggwsx/SlashLive/internal/config"
	"github.com/fenggwsx/SlashLive/internal/protocol"
	"github.com/fenggwsx/SlashLive/internal/storage"
	"github.com/fenggwsx/SlashLive/internal/storage/sqlite"
)

// fakeSub records delivered frames. A full fakeSub drops everything.
type fakeSub struct {
	id     string
	userID uint
	full   bool

	mu     sync.Mutex
	frames [][]byte
}

func newFakeSub(id string, userID uint) *fakeSub {
	return &fakeSub{id: id, userID: userID}
}

func (f *fakeSub) ID() string   { return f.id }
func (f *fakeSub) UserID() uint { return f.userID }
func (f *fakeSub) Deliver(frame []byte) bool {
	if f.full {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeSub) events(t *testing.T) []protocol.RawEnvelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.RawEnvelope, 0, len(f.frames))
	for _, frame := range f.frames {
		env, err := protocol.DecodeEnvelope(frame)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewStore(config.DatabaseConfig{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testServerConfig() config.ServerConfig {
	cfg := config.DefaultServerConfig()
	cfg.JWT.Secret = "test-secret"
	cfg.Internal.Token = "internal-secret"
	cfg.WebSocket.SendQueue = 64
	return cfg
}

func newTestApp(t *testing.T) (*App, *sqlite.Store) {
	t.Helper()
	store := newTestStore(t)
	return NewApp(testServerConfig(), store), store
}

// runWorkers starts the presence and notification workers for the test.
func runWorkers(t *testing.T, app *App) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, svc := range app.Services() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.Serve(ctx)
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func createUser(t *testing.T, store storage.Store, name string) storage.User {
	t.Helper()
	user := storage.User{Username: name}
	require.NoError(t, store.CreateUser(context.Background(), &user))
	return user
}

func createChatRoom(t *testing.T, store storage.Store, id uint, members ...uint) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateChatRoom(ctx, &storage.ChatRoom{ID: id, IsGroup: len(members) > 2}))
	for _, userID := range members {
		require.NoError(t, store.AddChatParticipant(ctx, &storage.ChatParticipant{RoomID: id, UserID: userID}))
	}
}

// testClient drives one in-process connection through the dispatcher
// without a real socket.
type testClient struct {
	t     *testing.T
	app   *App
	conn  *Connection
	inbox []protocol.RawEnvelope
	seq   int
}

func connect(t *testing.T, app *App, user storage.User) *testClient {
	t.Helper()
	conn := newConnection(nil, user, 64)
	require.NoError(t, app.attach(conn))
	return &testClient{t: t, app: app, conn: conn}
}

func (tc *testClient) disconnect() {
	tc.pump()
	tc.app.detach(tc.conn)
}

func (tc *testClient) pump() {
	for {
		select {
		case frame, ok := <-tc.conn.send:
			if !ok {
				return
			}
			env, err := protocol.DecodeEnvelope(frame)
			require.NoError(tc.t, err)
			tc.inbox = append(tc.inbox, env)
		default:
			return
		}
	}
}

func (tc *testClient) do(event string, data interface{}) protocol.RawEnvelope {
	tc.t.Helper()
	tc.seq++
	id := fmt.Sprintf("req-%d", tc.seq)

	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		require.NoError(tc.t, err)
	}
	tc.app.dispatch(context.Background(), tc.conn, protocol.Request{ID: id, Event: event, Data: raw})
	tc.pump()

	for i, env := range tc.inbox {
		if env.Ref == id {
			tc.inbox = append(tc.inbox[:i], tc.inbox[i+1:]...)
			return env
		}
	}
	tc.t.Fatalf("no reply to %s", event)
	return protocol.RawEnvelope{}
}

// ok sends a request, requires an ack and decodes its result into out.
func (tc *testClient) ok(event string, data interface{}, out interface{}) {
	tc.t.Helper()
	env := tc.do(event, data)
	require.Equal(tc.t, protocol.EventAck, env.Event, "reply to %s: %s", event, env.Data)

	var ack struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	require.NoError(tc.t, json.Unmarshal(env.Data, &ack))
	require.Equal(tc.t, protocol.AckStatusOK, ack.Status)
	if out != nil {
		require.NoError(tc.t, json.Unmarshal(ack.Result, out))
	}
}

// fails sends a request and requires an error event of the given kind.
func (tc *testClient) fails(event string, data interface{}, kind ErrorKind) protocol.ErrorPayload {
	tc.t.Helper()
	env := tc.do(event, data)
	require.Equal(tc.t, protocol.EventError, env.Event, "reply to %s: %s", event, env.Data)

	var payload protocol.ErrorPayload
	require.NoError(tc.t, json.Unmarshal(env.Data, &payload))
	require.Equal(tc.t, string(kind), payload.Code, payload.Message)
	return payload
}

// next removes and returns the first pending event with the given name.
func (tc *testClient) next(event string, out interface{}) bool {
	tc.t.Helper()
	tc.pump()
	for i, env := range tc.inbox {
		if env.Event != event {
			continue
		}
		tc.inbox = append(tc.inbox[:i], tc.inbox[i+1:]...)
		if out != nil {
			require.NoError(tc.t, json.Unmarshal(env.Data, out))
		}
		return true
	}
	return false
}

func (tc *testClient) pending(event string) int {
	tc.pump()
	n := 0
	for _, env := range tc.inbox {
		if env.Event == event {
			n++
		}
	}
	return n
}
