package client

import (
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/samber/lo"

	"github.com/fenggwsx/SlashLive/internal/protocol"
)

func (a *App) handleSubmit(value string) tea.Cmd {
	if strings.HasPrefix(value, string(a.cfg.Prefix())) {
		return a.executeCommand(value)
	}
	return a.sendChatMessage(value)
}

func (a *App) executeCommand(raw string) tea.Cmd {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(strings.TrimPrefix(fields[0], string(a.cfg.Prefix())))
	args := fields[1:]

	var cmd tea.Cmd
	switch name {
	case "connect":
		cmd = a.commandConnect(args)
	case "join":
		cmd = a.commandJoin(args)
	case "leave":
		cmd = a.commandLeave(args)
	case "rooms":
		cmd = a.request(pendingRequest{action: "rooms"}, protocol.EventJoinConversations, nil)
	case "read":
		cmd = a.commandRead()
	case "status":
		cmd = a.commandStatus(args)
	case "whois":
		cmd = a.commandWhois(args)
	case "call":
		cmd = a.commandCall(args)
	case "invite":
		cmd = a.commandInvite(args)
	case "accept", "decline":
		cmd = a.commandReply(name, args)
	case "camera":
		cmd = a.commandToggle(protocol.EventToggleVideo, "camera", args)
	case "mic":
		cmd = a.commandToggle(protocol.EventToggleAudio, "microphone", args)
	case "share":
		cmd = a.commandShare(args)
	case "kick":
		cmd = a.commandKick(args)
	case "hangup":
		cmd = a.commandHangup()
	case "endcall":
		cmd = a.commandEndCall()
	case "chat":
		a.view = viewChat
		a.logf("Switched to CHAT view")
	case "help":
		a.view = viewHelp
		a.logf("Switched to HELP view")
	case "pipe":
		if len(args) > 0 && strings.EqualFold(args[0], "clear") {
			a.pipe = a.pipe[:0]
			a.logf("Cleared pipe history")
			break
		}
		a.view = viewPipe
		a.logf("Switched to PIPE view")
	case "quit", "exit":
		a.logf("Exiting client")
		cmd = a.quit()
	default:
		a.logErrorf("Unknown command %s", fields[0])
	}

	a.updateViewportContent()
	return cmd
}

func (a *App) commandConnect(args []string) tea.Cmd {
	url, token := a.serverURL, a.token
	switch len(args) {
	case 0:
	case 1:
		if strings.Contains(args[0], "://") {
			url = args[0]
		} else {
			token = args[0]
		}
	default:
		url, token = args[0], args[1]
	}
	if url == "" {
		a.logErrorf("Provide a server url to connect")
		return nil
	}
	if token == "" {
		a.logErrorf("Provide a token: %sconnect [url] <token>", string(a.cfg.Prefix()))
		return nil
	}
	return a.connectToServer(url, token)
}

func (a *App) commandJoin(args []string) tea.Cmd {
	room, ok := a.parseID(args, 0, "join <room>")
	if !ok {
		return nil
	}
	if lo.Contains(a.joined, room) {
		a.room = room
		a.view = viewChat
		a.logf("Switched to room %d", room)
		return nil
	}
	a.logf("Joining room %d ...", room)
	return a.request(pendingRequest{action: "join", room: room}, protocol.EventJoinRoom, protocol.RoomRequest{RoomID: room})
}

func (a *App) commandLeave(args []string) tea.Cmd {
	room := a.room
	if len(args) > 0 {
		var ok bool
		if room, ok = a.parseID(args, 0, "leave [room]"); !ok {
			return nil
		}
	}
	if room == 0 {
		a.logErrorf("No active room to leave")
		return nil
	}
	a.logf("Leaving room %d ...", room)
	return a.request(pendingRequest{action: "leave", room: room}, protocol.EventLeaveRoom, protocol.RoomRequest{RoomID: room})
}

// commandRead marks every unread message from other users in the active
// room as read.
func (a *App) commandRead() tea.Cmd {
	if a.room == 0 {
		a.logErrorf("Join a room first")
		return nil
	}
	ids := lo.FilterMap(a.chats[a.room], func(m protocol.ChatMessage, _ int) (uint, bool) {
		return m.ID, !m.Read && !m.System && m.Sender.ID != a.userID
	})
	if len(ids) == 0 {
		a.logf("Nothing to mark as read")
		return nil
	}
	return a.request(pendingRequest{action: "read", room: a.room}, protocol.EventMarkRead, protocol.MarkReadRequest{MessageIDs: ids})
}

func (a *App) commandStatus(args []string) tea.Cmd {
	if len(args) == 0 {
		a.logErrorf("Usage: %sstatus <online|away|busy|dnd|offline> [activity]", string(a.cfg.Prefix()))
		return nil
	}
	req := protocol.StatusRequest{Status: strings.ToLower(args[0])}
	if len(args) > 1 {
		req.Activity = lo.ToPtr(strings.Join(args[1:], " "))
	}
	return a.request(pendingRequest{action: "status"}, protocol.EventUpdateStatus, req)
}

func (a *App) commandWhois(args []string) tea.Cmd {
	user, ok := a.parseID(args, 0, "whois <user>")
	if !ok {
		return nil
	}
	return a.request(pendingRequest{action: "whois", target: user}, protocol.EventGetUserStatus, protocol.UserStatusRequest{UserID: user})
}

func (a *App) commandCall(args []string) tea.Cmd {
	room, ok := a.parseID(args, 0, "call <room> [access code]")
	if !ok {
		return nil
	}
	req := protocol.JoinCallRequest{RoomID: room}
	if len(args) > 1 {
		req.AccessCode = args[1]
	}
	a.logf("Joining call %d ...", room)
	return a.request(pendingRequest{action: "call", room: room}, protocol.EventJoinCallRoom, req)
}

func (a *App) commandInvite(args []string) tea.Cmd {
	if a.call == 0 {
		a.logErrorf("Join a call first")
		return nil
	}
	user, ok := a.parseID(args, 0, "invite <user> [audio|video]")
	if !ok {
		return nil
	}
	req := protocol.CallInviteRequest{RoomID: a.call, To: user, CallType: "video"}
	if len(args) > 1 {
		req.CallType = strings.ToLower(args[1])
	}
	return a.request(pendingRequest{action: "invite", room: a.call, target: user}, protocol.EventInitiateCall, req)
}

// commandReply answers the most recent invitation unless a room and caller
// are given explicitly.
func (a *App) commandReply(name string, args []string) tea.Cmd {
	var room, caller uint
	switch {
	case len(args) >= 2:
		var ok bool
		if room, ok = a.parseID(args, 0, name+" <room> <user>"); !ok {
			return nil
		}
		if caller, ok = a.parseID(args, 1, name+" <room> <user>"); !ok {
			return nil
		}
	case a.invite != nil:
		room, caller = a.invite.RoomID, a.invite.From.ID
	default:
		a.logErrorf("No pending invitation")
		return nil
	}
	a.invite = nil

	event := protocol.EventDeclineCall
	if name == "accept" {
		event = protocol.EventAcceptCall
	}
	req := protocol.CallInviteRequest{RoomID: room, To: caller}
	cmd := a.request(pendingRequest{action: name, room: room, target: caller}, event, req)
	if name == "accept" && a.call != room {
		return tea.Batch(cmd, a.request(pendingRequest{action: "call", room: room}, protocol.EventJoinCallRoom, protocol.JoinCallRequest{RoomID: room}))
	}
	return cmd
}

func (a *App) commandToggle(event, label string, args []string) tea.Cmd {
	if a.call == 0 {
		a.logErrorf("Join a call first")
		return nil
	}
	req := protocol.ToggleRequest{RoomID: a.call}
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "on":
			req.Enabled = lo.ToPtr(true)
		case "off":
			req.Enabled = lo.ToPtr(false)
		default:
			a.logErrorf("Usage: %s%s [on|off]", string(a.cfg.Prefix()), label)
			return nil
		}
	}
	return a.request(pendingRequest{action: label, room: a.call}, event, req)
}

func (a *App) commandShare(args []string) tea.Cmd {
	if a.call == 0 {
		a.logErrorf("Join a call first")
		return nil
	}
	event := protocol.EventStartScreenShare
	if len(args) > 0 && strings.EqualFold(args[0], "off") {
		event = protocol.EventStopScreenShare
	}
	return a.request(pendingRequest{action: "share", room: a.call}, event, protocol.ToggleRequest{RoomID: a.call})
}

func (a *App) commandKick(args []string) tea.Cmd {
	if a.call == 0 {
		a.logErrorf("Join a call first")
		return nil
	}
	user, ok := a.parseID(args, 0, "kick <user>")
	if !ok {
		return nil
	}
	return a.request(pendingRequest{action: "kick", room: a.call, target: user}, protocol.EventKickParticipant, protocol.KickRequest{RoomID: a.call, UserID: user})
}

func (a *App) commandHangup() tea.Cmd {
	if a.call == 0 {
		a.logErrorf("Not in a call")
		return nil
	}
	return a.request(pendingRequest{action: "hangup", room: a.call}, protocol.EventLeaveCallRoom, protocol.RoomRequest{RoomID: a.call})
}

func (a *App) commandEndCall() tea.Cmd {
	if a.call == 0 {
		a.logErrorf("Not in a call")
		return nil
	}
	return a.request(pendingRequest{action: "endcall", room: a.call}, protocol.EventEndCall, protocol.RoomRequest{RoomID: a.call})
}

func (a *App) sendChatMessage(content string) tea.Cmd {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if !a.isConnected() {
		a.logErrorf("Not connected. Use %sconnect first.", string(a.cfg.Prefix()))
		return nil
	}
	if a.room == 0 {
		a.logErrorf("Join a room before chatting (use %sjoin <room>)", string(a.cfg.Prefix()))
		return nil
	}
	a.view = viewChat
	return a.request(pendingRequest{action: "send", room: a.room}, protocol.EventSendMessage, protocol.SendMessageRequest{RoomID: a.room, Content: content})
}

func (a *App) parseID(args []string, idx int, usage string) (uint, bool) {
	if len(args) <= idx {
		a.logErrorf("Usage: %s%s", string(a.cfg.Prefix()), usage)
		return 0, false
	}
	v, err := strconv.ParseUint(args[idx], 10, 64)
	if err != nil || v == 0 {
		a.logErrorf("Invalid id: %s", args[idx])
		return 0, false
	}
	return uint(v), true
}

func defaultCommands(prefix rune) []commandSpec {
	p := string(prefix)
	specs := []commandSpec{
		{trigger: "connect", usage: "connect [url] <token>", description: "Connect to the server"},
		{trigger: "join", usage: "join <room>", description: "Join or switch to a chat room"},
		{trigger: "leave", usage: "leave [room]", description: "Leave a chat room"},
		{trigger: "rooms", usage: "rooms", description: "Join every conversation you belong to"},
		{trigger: "read", usage: "read", description: "Mark the active room as read"},
		{trigger: "status", usage: "status <status> [activity]", description: "Set your presence"},
		{trigger: "whois", usage: "whois <user>", description: "Look up a user's presence"},
		{trigger: "call", usage: "call <room> [code]", description: "Join a call room"},
		{trigger: "invite", usage: "invite <user> [audio|video]", description: "Ring a user into the current call"},
		{trigger: "accept", usage: "accept [room user]", description: "Accept an incoming call"},
		{trigger: "decline", usage: "decline [room user]", description: "Decline an incoming call"},
		{trigger: "camera", usage: "camera [on|off]", description: "Toggle your camera"},
		{trigger: "mic", usage: "mic [on|off]", description: "Toggle your microphone"},
		{trigger: "share", usage: "share [off]", description: "Start or stop screen sharing"},
		{trigger: "kick", usage: "kick <user>", description: "Remove a participant from your call"},
		{trigger: "hangup", usage: "hangup", description: "Leave the current call"},
		{trigger: "endcall", usage: "endcall", description: "End the call for everyone"},
		{trigger: "chat", usage: "chat", description: "Switch to chat view"},
		{trigger: "help", usage: "help", description: "Show command help"},
		{trigger: "pipe", usage: "pipe [clear]", description: "Inspect transport JSON frames"},
		{trigger: "quit", usage: "quit", description: "Exit the client"},
	}
	for i := range specs {
		specs[i].trigger = p + specs[i].trigger
		specs[i].usage = p + specs[i].usage
	}
	return specs
}
