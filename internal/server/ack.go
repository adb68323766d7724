package server

import (
	"github.com/fenggwsx/SlashLive/internal/protocol"
)

// reply sends an event addressed to a single request.
func (a *App) reply(c *Connection, ref, event string, data interface{}) {
	env := protocol.NewEnvelope(event, data)
	env.Ref = ref
	frame, err := protocol.Encode(env)
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("encode reply")
		return
	}
	if !c.Deliver(frame) {
		c.log.Debug().Str("event", event).Str("ref", ref).Msg("reply dropped")
	}
}

func (a *App) sendAck(c *Connection, ref string, result interface{}) {
	a.reply(c, ref, protocol.EventAck, protocol.AckPayload{Status: protocol.AckStatusOK, Result: result})
}

func (a *App) sendError(c *Connection, ref string, err *Error) {
	a.reply(c, ref, protocol.EventError, protocol.ErrorPayload{Code: string(err.Kind), Message: err.clientMessage()})
}

// push sends an unsolicited event to one connection.
func (a *App) push(c *Connection, event string, data interface{}) {
	a.reply(c, "", event, data)
}
