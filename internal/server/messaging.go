package server

import (
	"context"
	"errors"
	"slices"

	"github.com/goccy/go-json"
	"github.com/samber/lo"

	"github.com/fenggwsx/SlashLive/internal/logging"
	"github.com/fenggwsx/SlashLive/internal/protocol"
	"github.com/fenggwsx/SlashLive/internal/storage"
)

// handleJoinConversations subscribes the connection to every chat room the
// user is an active participant of.
func (a *App) handleJoinConversations(ctx context.Context, c *Connection, _ json.RawMessage) (interface{}, error) {
	roomIDs, err := a.membership.ListRoomsForUser(ctx, c.UserID())
	if err != nil {
		return nil, persistenceError("list conversations", err)
	}
	for _, id := range roomIDs {
		if _, err := a.registry.Join(c.ID(), ChatRoom(id)); err != nil {
			return nil, err
		}
	}
	if roomIDs == nil {
		roomIDs = []uint{}
	}
	return protocol.JoinedRooms{RoomIDs: roomIDs}, nil
}

func (a *App) handleJoinRoom(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
	req, err := decodePayload[protocol.RoomRequest](data)
	if err != nil {
		return nil, err
	}
	room := ChatRoom(req.RoomID)
	if err := a.authority.Check(ctx, c.UserID(), room, ""); err != nil {
		return nil, err
	}

	wasPresent := a.registry.UserInRoom(c.UserID(), room)
	if _, err := a.registry.Join(c.ID(), room); err != nil {
		return nil, err
	}
	if !wasPresent {
		a.broadcaster.BroadcastToRoom(room, protocol.EventUserJoined, protocol.RoomMember{
			RoomID: room.ID, UserID: c.UserID(), Username: c.Username(),
		}, BroadcastOptions{Origin: c.ID()})
	}
	return protocol.RoomResult{RoomID: room.ID}, nil
}

func (a *App) handleLeaveRoom(_ context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
	req, err := decodePayload[protocol.RoomRequest](data)
	if err != nil {
		return nil, err
	}
	room := ChatRoom(req.RoomID)
	if a.registry.Leave(c.ID(), room) && !a.registry.UserInRoom(c.UserID(), room) {
		a.broadcaster.BroadcastToRoom(room, protocol.EventUserLeft, protocol.RoomMember{
			RoomID: room.ID, UserID: c.UserID(), Username: c.Username(),
		}, BroadcastOptions{Origin: c.ID()})
	}
	return protocol.RoomResult{RoomID: room.ID}, nil
}

func (a *App) handleSendMessage(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
	req, err := decodePayload[protocol.SendMessageRequest](data)
	if err != nil {
		return nil, err
	}
	return a.SendMessage(ctx, c, req.RoomID, req.Content)
}

// SendMessage persists a chat message and fans it out to the room,
// including the sender's own connections. Participants without a live
// connection get a durable notification instead.
func (a *App) SendMessage(ctx context.Context, c *Connection, roomID uint, content string) (protocol.ChatMessage, error) {
	room := ChatRoom(roomID)
	if !a.registry.InRoom(c.ID(), room) {
		return protocol.ChatMessage{}, authorizationError("join the conversation before sending")
	}

	wctx, cancel := a.writeContext(ctx)
	defer cancel()

	msg := &storage.Message{RoomID: roomID, SenderID: c.UserID(), Content: content}
	if err := a.store.SaveMessage(wctx, msg); err != nil {
		return protocol.ChatMessage{}, persistenceError("save message", err)
	}
	if err := a.store.TouchChatRoom(wctx, roomID, msg.CreatedAt); err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.log.Warn().Err(err).Uint("room_id", roomID).Msg("touch chat room")
	}

	out := protocol.ChatMessage{
		ID:        msg.ID,
		RoomID:    roomID,
		Content:   msg.Content,
		Read:      msg.Read,
		System:    msg.System,
		CreatedAt: msg.CreatedAt,
		Sender:    c.summary(),
	}
	a.broadcaster.BroadcastToRoom(room, protocol.EventNewMessage, out, BroadcastOptions{Origin: c.ID(), IncludeOrigin: true})
	a.notifyOffline(wctx, c.UserID(), msg)
	return out, nil
}

func (a *App) notifyOffline(ctx context.Context, senderID uint, msg *storage.Message) {
	participants, err := a.membership.ListParticipants(ctx, msg.RoomID)
	if err != nil {
		logging.Warn().Err(err).Uint("room_id", msg.RoomID).Msg("list participants for notifications")
		return
	}
	for _, userID := range participants {
		if userID == senderID || a.registry.IsOnline(userID) {
			continue
		}
		note := storage.Notification{
			RecipientID: userID,
			SenderID:    senderID,
			Kind:        storage.NotificationMessage,
			ReferenceID: msg.ID,
			Body:        msg.Content,
		}
		if err := a.notifier.Enqueue(ctx, note); err != nil {
			logging.Warn().Err(err).Uint("recipient_id", userID).Msg("notification queue full")
			return
		}
	}
}

func (a *App) typingHandler(event string) handlerFunc {
	return func(_ context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
		req, err := decodePayload[protocol.RoomRequest](data)
		if err != nil {
			return nil, err
		}
		room := ChatRoom(req.RoomID)
		if !a.registry.InRoom(c.ID(), room) {
			return nil, authorizationError("join the conversation first")
		}
		a.broadcaster.BroadcastToRoom(room, event, protocol.RoomMember{
			RoomID: room.ID, UserID: c.UserID(), Username: c.Username(),
		}, BroadcastOptions{Origin: c.ID()})
		return protocol.RoomResult{RoomID: room.ID}, nil
	}
}

// handleMarkRead marks other users' messages as read in every conversation
// the reader belongs to, and tells each conversation which ids changed.
func (a *App) handleMarkRead(ctx context.Context, c *Connection, data json.RawMessage) (interface{}, error) {
	req, err := decodePayload[protocol.MarkReadRequest](data)
	if err != nil {
		return nil, err
	}

	msgs, err := a.store.GetMessagesByIDs(ctx, lo.Uniq(req.MessageIDs))
	if err != nil {
		return nil, persistenceError("load messages", err)
	}
	if len(msgs) == 0 {
		return nil, notFoundError("messages not found")
	}

	byRoom := lo.GroupBy(msgs, func(m storage.Message) uint { return m.RoomID })
	roomIDs := lo.Keys(byRoom)
	slices.Sort(roomIDs)

	pending := make(map[uint][]uint)
	authorized := 0
	for _, roomID := range roomIDs {
		ok, err := a.membership.IsParticipant(ctx, roomID, c.UserID())
		if err != nil {
			return nil, persistenceError("check chat membership", err)
		}
		if !ok {
			continue
		}
		authorized++
		ids := lo.FilterMap(byRoom[roomID], func(m storage.Message, _ int) (uint, bool) {
			return m.ID, m.SenderID != c.UserID() && !m.Read
		})
		if len(ids) > 0 {
			slices.Sort(ids)
			pending[roomID] = ids
		}
	}
	if authorized == 0 {
		return nil, authorizationError("not a participant of these conversations")
	}

	marked := lo.Flatten(lo.Values(pending))
	slices.Sort(marked)
	if len(marked) > 0 {
		wctx, cancel := a.writeContext(ctx)
		defer cancel()
		if err := a.store.MarkMessagesRead(wctx, marked); err != nil {
			return nil, persistenceError("mark messages read", err)
		}
	}

	for _, roomID := range roomIDs {
		ids, ok := pending[roomID]
		if !ok {
			continue
		}
		a.broadcaster.BroadcastToRoom(ChatRoom(roomID), protocol.EventMessagesRead, protocol.MessagesRead{
			RoomID: roomID, ReaderID: c.UserID(), MessageIDs: ids,
		}, BroadcastOptions{Origin: c.ID()})
	}
	if marked == nil {
		marked = []uint{}
	}
	return protocol.MarkReadResult{MessageIDs: marked}, nil
}
