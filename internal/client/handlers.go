package client

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/goccy/go-json"
	"github.com/samber/lo"

	"github.com/fenggwsx/SlashLive/internal/protocol"
)

func (a *App) handleEnvelope(env protocol.RawEnvelope) tea.Cmd {
	if body, err := json.Marshal(env); err == nil {
		a.appendPipeEntry(pipeDirectionIn, env.Event, body)
	}

	var err error
	switch env.Event {
	case protocol.EventAck:
		err = a.handleAck(env)
	case protocol.EventError:
		err = a.handleError(env)
	case protocol.EventNewMessage:
		err = a.handleNewMessage(env)
	case protocol.EventUserJoined, protocol.EventUserLeft:
		err = a.handleMembership(env)
	case protocol.EventUserTyping, protocol.EventUserStoppedTyping:
		err = a.handleTyping(env)
	case protocol.EventMessagesRead:
		err = a.handleMessagesRead(env)
	case protocol.EventUserStatus, protocol.EventUserStatusChanged:
		err = a.handlePresence(env)
	case protocol.EventIncomingCall, protocol.EventCallAccepted, protocol.EventCallDeclined, protocol.EventCallEnded:
		err = a.handleCallEvent(env)
	case protocol.EventCallParticipants:
		err = a.handleParticipants(env)
	case protocol.EventUserJoinedCall, protocol.EventUserLeftCall:
		err = a.handleCallMembership(env)
	case protocol.EventUserToggleVideo, protocol.EventUserToggleAudio,
		protocol.EventUserStartScreenShare, protocol.EventUserStopScreenShare:
		err = a.handleMediaToggle(env)
	case protocol.EventKickedFromCall:
		err = a.handleKicked(env)
	case protocol.EventOffer, protocol.EventAnswer, protocol.EventICECandidate:
		var sig protocol.Signal
		if sig, err = decodeEvent[protocol.Signal](env); err == nil {
			a.logf("Received %s from user %d (%d bytes)", env.Event, sig.From, len(sig.Payload))
		}
	default:
		a.logf("Received %s", env.Event)
	}
	if err != nil {
		a.logErrorf("%v", err)
	}
	a.updateViewportContent()
	return nil
}

func (a *App) handleAck(env protocol.RawEnvelope) error {
	p, ok := a.pending[env.Ref]
	if !ok {
		return nil
	}
	delete(a.pending, env.Ref)
	ack, err := decodeEvent[rawAck](env)
	if err != nil {
		return err
	}

	switch p.action {
	case "rooms":
		res, err := decodeResult[protocol.JoinedRooms](ack)
		if err != nil {
			return err
		}
		a.joined = lo.Union(a.joined, res.RoomIDs)
		if a.room == 0 && len(a.joined) > 0 {
			a.room = a.joined[0]
		}
		a.logf("Joined %d conversations", len(res.RoomIDs))
	case "join":
		a.joined = lo.Union(a.joined, []uint{p.room})
		a.room = p.room
		a.view = viewChat
		a.logf("Joined room %d", p.room)
	case "leave":
		a.joined = lo.Without(a.joined, p.room)
		delete(a.chats, p.room)
		if a.room == p.room {
			a.room = lo.FirstOr(a.joined, 0)
		}
		a.logf("Left room %d", p.room)
	case "send":
	case "read":
		res, err := decodeResult[protocol.MarkReadResult](ack)
		if err != nil {
			return err
		}
		a.markRead(p.room, res.MessageIDs)
		a.logf("Marked %d messages as read", len(res.MessageIDs))
	case "status":
		res, err := decodeResult[protocol.PresenceStatus](ack)
		if err != nil {
			return err
		}
		a.presence = res.Status
		a.logf("Status set to %s", describePresence(res))
	case "whois":
		res, err := decodeResult[protocol.PresenceStatus](ack)
		if err != nil {
			return err
		}
		a.logf("User %d is %s", p.target, describePresence(res))
	case "call":
		a.call = p.room
		a.view = viewCall
		a.logf("Joined call %d", p.room)
	case "invite":
		res, err := decodeResult[protocol.Delivery](ack)
		if err != nil {
			return err
		}
		if res.Delivered == 0 {
			a.logf("User %d is offline; they will be notified", p.target)
		} else {
			a.logf("Ringing user %d", p.target)
		}
	case "camera", "microphone":
		res, err := decodeResult[protocol.MediaToggle](ack)
		if err != nil {
			return err
		}
		a.applyToggle(p.action, res)
		a.logf("%s %s", titleCase(p.action), onOff(res.Enabled))
	case "hangup", "endcall":
		a.call = 0
		a.peers = nil
		a.view = viewChat
		a.logf("Left call %d", p.room)
	default:
		a.logf("Command %s acknowledged", p.action)
	}
	return nil
}

func (a *App) handleError(env protocol.RawEnvelope) error {
	payload, err := decodeEvent[protocol.ErrorPayload](env)
	if err != nil {
		return err
	}
	action := "request"
	if p, ok := a.pending[env.Ref]; ok {
		delete(a.pending, env.Ref)
		action = p.action
	}
	a.logErrorf("%s failed: %s (%s)", titleCase(action), payload.Message, payload.Code)
	return nil
}

func (a *App) handleNewMessage(env protocol.RawEnvelope) error {
	msg, err := decodeEvent[protocol.ChatMessage](env)
	if err != nil {
		return err
	}
	a.appendChat(msg)
	if msg.RoomID != a.room {
		a.logf("New message in room %d from %s", msg.RoomID, msg.Sender.Username)
	}
	return nil
}

func (a *App) handleMembership(env protocol.RawEnvelope) error {
	member, err := decodeEvent[protocol.RoomMember](env)
	if err != nil {
		return err
	}
	verb := "joined"
	if env.Event == protocol.EventUserLeft {
		verb = "left"
	}
	a.appendChat(protocol.ChatMessage{
		RoomID:    member.RoomID,
		System:    true,
		Read:      true,
		CreatedAt: env.Timestamp,
		Content:   fmt.Sprintf("%s %s", displayName(member.Username, member.UserID), verb),
	})
	return nil
}

func (a *App) handleTyping(env protocol.RawEnvelope) error {
	member, err := decodeEvent[protocol.RoomMember](env)
	if err != nil {
		return err
	}
	if member.RoomID != a.room {
		return nil
	}
	if env.Event == protocol.EventUserTyping {
		a.logf("%s is typing ...", displayName(member.Username, member.UserID))
	} else {
		a.logf("%s stopped typing", displayName(member.Username, member.UserID))
	}
	return nil
}

func (a *App) handleMessagesRead(env protocol.RawEnvelope) error {
	read, err := decodeEvent[protocol.MessagesRead](env)
	if err != nil {
		return err
	}
	a.markRead(read.RoomID, read.MessageIDs)
	return nil
}

func (a *App) handlePresence(env protocol.RawEnvelope) error {
	status, err := decodeEvent[protocol.PresenceStatus](env)
	if err != nil {
		return err
	}
	if status.UserID == a.userID {
		a.presence = status.Status
		return nil
	}
	a.logf("User %d is %s", status.UserID, describePresence(status))
	return nil
}

func (a *App) handleCallEvent(env protocol.RawEnvelope) error {
	ev, err := decodeEvent[protocol.CallEvent](env)
	if err != nil {
		return err
	}
	from := displayName(ev.From.Username, ev.From.ID)
	switch env.Event {
	case protocol.EventIncomingCall:
		a.invite = &ev
		kind := lo.Ternary(ev.CallType == "", "call", ev.CallType+" call")
		a.logf("Incoming %s from %s in room %d: %saccept or %sdecline", kind, from, ev.RoomID, string(a.cfg.Prefix()), string(a.cfg.Prefix()))
	case protocol.EventCallAccepted:
		a.logf("%s accepted your call", from)
	case protocol.EventCallDeclined:
		a.logf("%s declined your call", from)
	case protocol.EventCallEnded:
		if ev.RoomID == a.call {
			a.call = 0
			a.peers = nil
			a.view = viewChat
		}
		a.logf("Call %d ended by %s", ev.RoomID, from)
	}
	return nil
}

func (a *App) handleParticipants(env protocol.RawEnvelope) error {
	snapshot, err := decodeEvent[protocol.CallParticipants](env)
	if err != nil {
		return err
	}
	if snapshot.RoomID == a.call || a.call == 0 {
		a.peers = snapshot.Participants
	}
	return nil
}

func (a *App) handleCallMembership(env protocol.RawEnvelope) error {
	member, err := decodeEvent[protocol.RoomMember](env)
	if err != nil {
		return err
	}
	if member.RoomID != a.call {
		return nil
	}
	name := displayName(member.Username, member.UserID)
	if env.Event == protocol.EventUserJoinedCall {
		a.peers = append(lo.Reject(a.peers, func(p protocol.CallParticipant, _ int) bool {
			return p.UserID == member.UserID
		}), protocol.CallParticipant{UserID: member.UserID, Status: "joined", JoinedAt: env.Timestamp})
		a.logf("%s joined the call", name)
		return nil
	}
	a.peers = lo.Reject(a.peers, func(p protocol.CallParticipant, _ int) bool {
		return p.UserID == member.UserID
	})
	if member.Reason != "" {
		a.logf("%s left the call (%s)", name, member.Reason)
	} else {
		a.logf("%s left the call", name)
	}
	return nil
}

func (a *App) handleMediaToggle(env protocol.RawEnvelope) error {
	toggle, err := decodeEvent[protocol.MediaToggle](env)
	if err != nil {
		return err
	}
	switch env.Event {
	case protocol.EventUserToggleVideo:
		a.applyToggle("camera", toggle)
	case protocol.EventUserToggleAudio:
		a.applyToggle("microphone", toggle)
	default:
		a.applyToggle("screen", toggle)
	}
	return nil
}

func (a *App) handleKicked(env protocol.RawEnvelope) error {
	kicked, err := decodeEvent[protocol.Kicked](env)
	if err != nil {
		return err
	}
	if kicked.RoomID == a.call {
		a.call = 0
		a.peers = nil
		a.view = viewChat
	}
	a.logErrorf("You were removed from call %d by user %d", kicked.RoomID, kicked.By)
	return nil
}

func (a *App) applyToggle(kind string, toggle protocol.MediaToggle) {
	if toggle.RoomID != a.call {
		return
	}
	for i := range a.peers {
		if a.peers[i].UserID != toggle.UserID {
			continue
		}
		switch kind {
		case "camera":
			a.peers[i].Camera = toggle.Enabled
		case "microphone":
			a.peers[i].Microphone = toggle.Enabled
		case "screen":
			a.peers[i].ScreenShare = toggle.Enabled
		}
	}
}

func (a *App) appendChat(msg protocol.ChatMessage) {
	history := append(a.chats[msg.RoomID], msg)
	if len(history) > chatHistoryLimit {
		history = history[len(history)-chatHistoryLimit:]
	}
	a.chats[msg.RoomID] = history
}

func (a *App) markRead(room uint, ids []uint) {
	history := a.chats[room]
	for i := range history {
		if lo.Contains(ids, history[i].ID) {
			history[i].Read = true
		}
	}
}

func (a *App) appendPipeEntry(direction pipeDirection, event string, body []byte) {
	entry := pipeEntry{
		direction: direction,
		event:     event,
		timestamp: time.Now(),
		body:      prettyJSON(body),
	}
	if len(a.pipe) >= pipeHistoryLimit {
		a.pipe = append(a.pipe[1:], entry)
	} else {
		a.pipe = append(a.pipe, entry)
	}
}

func (a *App) formatChatMessage(msg protocol.ChatMessage) string {
	timestamp := msg.CreatedAt.Local().Format("15:04:05")
	if msg.System {
		return a.styles.system.Render(fmt.Sprintf("[%s] * %s", timestamp, msg.Content))
	}
	name := displayName(msg.Sender.Username, msg.Sender.ID)
	content := strings.TrimSpace(msg.Content)
	if msg.Sender.ID == a.userID {
		name = a.styles.self.Render(name)
		if msg.Read {
			content += " ✓"
		}
	}
	return fmt.Sprintf("[#%d] [%s] %s: %s", msg.ID, timestamp, name, content)
}

func describePresence(p protocol.PresenceStatus) string {
	out := p.Status
	if p.CurrentActivity != "" {
		out += " (" + p.CurrentActivity + ")"
	}
	if p.Status == "offline" && !p.LastActive.IsZero() {
		out += ", last seen " + p.LastActive.Local().Format(time.DateTime)
	}
	return out
}

func displayName(username string, id uint) string {
	if username != "" {
		return username
	}
	return fmt.Sprintf("user %d", id)
}

func onOff(enabled bool) string {
	return lo.Ternary(enabled, "on", "off")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
