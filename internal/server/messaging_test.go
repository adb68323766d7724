package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenggwsx/SlashLive/internal/protocol"
	"github.com/fenggwsx/SlashLive/internal/storage"
)

func TestSendMessageReachesRoom(t *testing.T) {
	req := require.New(t)
	app, store := newTestApp(t)
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")
	createChatRoom(t, store, 42, alice.ID, bob.ID)

	a := connect(t, app, alice)
	b := connect(t, app, bob)
	a.ok(protocol.EventJoinRoom, protocol.RoomRequest{RoomID: 42}, nil)
	b.ok(protocol.EventJoinConversation, protocol.RoomRequest{RoomID: 42}, nil)

	var joined protocol.RoomMember
	req.True(a.next(protocol.EventUserJoined, &joined), "alice sees bob join")
	req.Equal(bob.ID, joined.UserID)
	req.False(b.next(protocol.EventUserJoined, nil), "bob joined after alice")

	var sent protocol.ChatMessage
	a.ok(protocol.EventSendMessage, protocol.SendMessageRequest{RoomID: 42, Content: "hi"}, &sent)
	req.NotZero(sent.ID)
	req.Equal(alice.ID, sent.Sender.ID)

	var got protocol.ChatMessage
	req.True(b.next(protocol.EventNewMessage, &got))
	req.Equal(sent.ID, got.ID)
	req.Equal("hi", got.Content)
	req.Equal("alice", got.Sender.Username)
	req.True(a.next(protocol.EventNewMessage, nil), "the sender gets its own message")

	msgs, err := store.GetMessagesByIDs(context.Background(), []uint{sent.ID})
	req.NoError(err)
	req.Len(msgs, 1)
	req.Equal(alice.ID, msgs[0].SenderID)
	req.False(msgs[0].Read)

	notes, err := store.ListNotifications(context.Background(), bob.ID)
	req.NoError(err)
	req.Empty(notes, "online participants are not notified")
}

func TestSendMessageNotifiesOfflineParticipant(t *testing.T) {
	req := require.New(t)
	app, store := newTestApp(t)
	runWorkers(t, app)
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")
	createChatRoom(t, store, 42, alice.ID, bob.ID)

	a := connect(t, app, alice)
	a.ok(protocol.EventJoinRoom, protocol.RoomRequest{RoomID: 42}, nil)

	var sent protocol.ChatMessage
	a.ok(protocol.EventSendMessage, protocol.SendMessageRequest{RoomID: 42, Content: "are you there?"}, &sent)

	msgs, err := store.GetMessagesByIDs(context.Background(), []uint{sent.ID})
	req.NoError(err)
	req.Len(msgs, 1, "the message is stored for later")

	req.Eventually(func() bool {
		notes, err := store.ListNotifications(context.Background(), bob.ID)
		return err == nil && len(notes) == 1 && notes[0].ReferenceID == sent.ID
	}, 2*time.Second, 10*time.Millisecond)

	notes, err := store.ListNotifications(context.Background(), alice.ID)
	req.NoError(err)
	req.Empty(notes)
}

func TestSendMessagePreservesSenderOrder(t *testing.T) {
	req := require.New(t)
	app, store := newTestApp(t)
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")
	createChatRoom(t, store, 7, alice.ID, bob.ID)

	a := connect(t, app, alice)
	b := connect(t, app, bob)
	a.ok(protocol.EventJoinRoom, protocol.RoomRequest{RoomID: 7}, nil)
	b.ok(protocol.EventJoinRoom, protocol.RoomRequest{RoomID: 7}, nil)

	for i := 0; i < 10; i++ {
		a.ok(protocol.EventSendMessage, protocol.SendMessageRequest{RoomID: 7, Content: fmt.Sprintf("m%d", i)}, nil)
	}
	for i := 0; i < 10; i++ {
		var msg protocol.ChatMessage
		req.True(b.next(protocol.EventNewMessage, &msg))
		req.Equal(fmt.Sprintf("m%d", i), msg.Content)
	}
}

func TestJoinRoomRequiresMembership(t *testing.T) {
	req := require.New(t)
	app, store := newTestApp(t)
	alice := createUser(t, store, "alice")
	mallory := createUser(t, store, "mallory")
	createChatRoom(t, store, 42, alice.ID)

	a := connect(t, app, alice)
	m := connect(t, app, mallory)
	a.ok(protocol.EventJoinRoom, protocol.RoomRequest{RoomID: 42}, nil)

	m.fails(protocol.EventJoinRoom, protocol.RoomRequest{RoomID: 42}, KindAuthorization)
	req.False(app.registry.InRoom(m.conn.ID(), ChatRoom(42)))
	req.Zero(a.pending(protocol.EventUserJoined))

	m.fails(protocol.EventSendMessage, protocol.SendMessageRequest{RoomID: 42, Content: "let me in"}, KindAuthorization)
	req.Zero(a.pending(protocol.EventNewMessage))
	m.fails(protocol.EventTyping, protocol.RoomRequest{RoomID: 42}, KindAuthorization)
}

func TestJoinConversationsAndLeave(t *testing.T) {
	req := require.New(t)
	app, store := newTestApp(t)
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")
	createChatRoom(t, store, 1, alice.ID, bob.ID)
	createChatRoom(t, store, 2, alice.ID)
	createChatRoom(t, store, 3, bob.ID)

	a := connect(t, app, alice)
	b := connect(t, app, bob)

	var rooms protocol.JoinedRooms
	a.ok(protocol.EventJoinConversations, nil, &rooms)
	req.Equal([]uint{1, 2}, rooms.RoomIDs)
	req.Equal([]Room{ChatRoom(1), ChatRoom(2), UserChannel(alice.ID)}, app.registry.JoinedRooms(a.conn.ID()))

	b.ok(protocol.EventJoinRoom, protocol.RoomRequest{RoomID: 1}, nil)
	b.ok(protocol.EventTyping, protocol.RoomRequest{RoomID: 1}, nil)
	req.True(a.next(protocol.EventUserTyping, nil))
	b.ok(protocol.EventStopTyping, protocol.RoomRequest{RoomID: 1}, nil)
	req.True(a.next(protocol.EventUserStoppedTyping, nil))
	req.Zero(b.pending(protocol.EventUserTyping), "typing is not echoed")

	b.ok(protocol.EventLeaveRoom, protocol.RoomRequest{RoomID: 1}, nil)
	var left protocol.RoomMember
	req.True(a.next(protocol.EventUserLeft, &left))
	req.Equal(bob.ID, left.UserID)
	req.False(app.registry.InRoom(b.conn.ID(), ChatRoom(1)))
}

func TestLeaveWithAnotherConnectionStillPresent(t *testing.T) {
	req := require.New(t)
	app, store := newTestApp(t)
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")
	createChatRoom(t, store, 1, alice.ID, bob.ID)

	a := connect(t, app, alice)
	phone := connect(t, app, bob)
	laptop := connect(t, app, bob)
	a.ok(protocol.EventJoinRoom, protocol.RoomRequest{RoomID: 1}, nil)
	phone.ok(protocol.EventJoinRoom, protocol.RoomRequest{RoomID: 1}, nil)
	laptop.ok(protocol.EventJoinRoom, protocol.RoomRequest{RoomID: 1}, nil)
	req.Equal(1, a.pending(protocol.EventUserJoined), "a second connection is not a second join")

	phone.ok(protocol.EventLeaveRoom, protocol.RoomRequest{RoomID: 1}, nil)
	req.Zero(a.pending(protocol.EventUserLeft))
	laptop.disconnect()
	req.Equal(1, a.pending(protocol.EventUserLeft))
}

func TestMarkRead(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	app, store := newTestApp(t)
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")
	mallory := createUser(t, store, "mallory")
	createChatRoom(t, store, 42, alice.ID, bob.ID)

	fromAlice := &storage.Message{RoomID: 42, SenderID: alice.ID, Content: "one"}
	fromBob := &storage.Message{RoomID: 42, SenderID: bob.ID, Content: "two"}
	req.NoError(store.SaveMessage(ctx, fromAlice))
	req.NoError(store.SaveMessage(ctx, fromBob))

	a := connect(t, app, alice)
	b := connect(t, app, bob)
	m := connect(t, app, mallory)
	a.ok(protocol.EventJoinRoom, protocol.RoomRequest{RoomID: 42}, nil)
	b.ok(protocol.EventJoinRoom, protocol.RoomRequest{RoomID: 42}, nil)

	m.fails(protocol.EventMarkRead, protocol.MarkReadRequest{MessageIDs: []uint{fromAlice.ID}}, KindAuthorization)
	b.fails(protocol.EventMarkRead, protocol.MarkReadRequest{MessageIDs: []uint{9999}}, KindNotFound)
	b.fails(protocol.EventMarkRead, protocol.MarkReadRequest{}, KindInvalid)

	var result protocol.MarkReadResult
	b.ok(protocol.EventMarkRead, protocol.MarkReadRequest{MessageIDs: []uint{fromAlice.ID, fromBob.ID, fromAlice.ID}}, &result)
	req.Equal([]uint{fromAlice.ID}, result.MessageIDs, "own messages are never marked")

	var read protocol.MessagesRead
	req.True(a.next(protocol.EventMessagesRead, &read))
	req.Equal(bob.ID, read.ReaderID)
	req.Equal([]uint{fromAlice.ID}, read.MessageIDs)

	msgs, err := store.GetMessagesByIDs(ctx, []uint{fromAlice.ID, fromBob.ID})
	req.NoError(err)
	req.True(msgs[0].Read)
	req.False(msgs[1].Read)

	var again protocol.MarkReadResult
	b.ok(protocol.EventMarkRead, protocol.MarkReadRequest{MessageIDs: []uint{fromAlice.ID}}, &again)
	req.Empty(again.MessageIDs, "already read")
	req.Zero(a.pending(protocol.EventMessagesRead))
}

func TestDispatchRejectsBadRequests(t *testing.T) {
	app, store := newTestApp(t)
	alice := createUser(t, store, "alice")
	a := connect(t, app, alice)

	a.fails("dance", nil, KindInvalid)
	a.fails(protocol.EventSendMessage, protocol.SendMessageRequest{RoomID: 42}, KindInvalid)
	payload := a.fails(protocol.EventJoinRoom, map[string]string{"roomId": "forty-two"}, KindInvalid)
	require.Equal(t, "malformed payload", payload.Message)

	app.handleFrame(context.Background(), a.conn, []byte("{not json"))
	require.Equal(t, 1, a.pending(protocol.EventError))
}
