package protocol

// Inbound events.
const (
	EventJoinConversations = "joinConversations"
	EventJoinRoom          = "joinRoom"
	EventJoinConversation  = "joinConversation"
	EventLeaveRoom         = "leaveRoom"
	EventLeaveConversation = "leaveConversation"
	EventSendMessage       = "sendMessage"
	EventTyping            = "typing"
	EventStopTyping        = "stopTyping"
	EventMarkRead          = "markRead"

	EventJoinCallRoom     = "joinCallRoom"
	EventLeaveCallRoom    = "leaveCallRoom"
	EventToggleVideo      = "toggleVideo"
	EventToggleAudio      = "toggleAudio"
	EventStartScreenShare = "startScreenShare"
	EventStopScreenShare  = "stopScreenShare"
	EventInitiateCall     = "initiateCall"
	EventAcceptCall       = "acceptCall"
	EventDeclineCall      = "declineCall"
	EventEndCall          = "endCall"
	EventKickParticipant  = "kickParticipant"

	EventUpdateStatus   = "updateStatus"
	EventUpdateActivity = "updateActivity"
	EventHeartbeat      = "heartbeat"
	EventGetUserStatus  = "getUserStatus"
)

// Signalling events are relayed under the same name in both directions.
const (
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
)

// Outbound events.
const (
	EventAck   = "ack"
	EventError = "error"

	EventNewMessage        = "newMessage"
	EventUserJoined        = "userJoined"
	EventUserLeft          = "userLeft"
	EventUserTyping        = "userTyping"
	EventUserStoppedTyping = "userStoppedTyping"
	EventMessagesRead      = "messagesRead"

	EventUserStatus        = "userStatus"
	EventUserStatusChanged = "userStatusChanged"

	EventIncomingCall         = "incomingCall"
	EventCallAccepted         = "callAccepted"
	EventCallDeclined         = "callDeclined"
	EventCallEnded            = "callEnded"
	EventUserJoinedCall       = "userJoinedCall"
	EventUserLeftCall         = "userLeftCall"
	EventCallParticipants     = "callParticipants"
	EventKickedFromCall       = "kickedFromCall"
	EventUserToggleVideo      = "userToggleVideo"
	EventUserToggleAudio      = "userToggleAudio"
	EventUserStartScreenShare = "userStartScreenShare"
	EventUserStopScreenShare  = "userStopScreenShare"
)

// IsSignal reports whether event is one of the pass-through WebRTC events.
func IsSignal(event string) bool {
	switch event {
	case EventOffer, EventAnswer, EventICECandidate:
		return true
	}
	return false
}
