package server

import (
	"github.com/fenggwsx/SlashLive/internal/logging"
	"github.com/fenggwsx/SlashLive/internal/metrics"
	"github.com/fenggwsx/SlashLive/internal/protocol"
)

// BroadcastOptions controls who in a room receives an event. The origin
// connection is skipped unless IncludeOrigin is set.
type BroadcastOptions struct {
	Origin        string
	IncludeOrigin bool
}

// Broadcaster fans events out to registry subscribers. Delivery is
// best-effort and at most once: a frame that does not fit in a recipient's
// send queue is dropped for that recipient only.
type Broadcaster struct {
	registry *Registry
}

func NewBroadcaster(registry *Registry) *Broadcaster {
	return &Broadcaster{registry: registry}
}

// BroadcastToRoom delivers event to every connection in room and returns
// how many connections accepted it.
func (b *Broadcaster) BroadcastToRoom(room Room, event string, payload interface{}, opts BroadcastOptions) int {
	skip := ""
	if !opts.IncludeOrigin {
		skip = opts.Origin
	}
	return b.fanout(b.registry.Subscribers(room), event, payload, skip)
}

// SendToUser delivers event to every connection of userID.
func (b *Broadcaster) SendToUser(userID uint, event string, payload interface{}) int {
	return b.fanout(b.registry.UserSubscribers(userID), event, payload, "")
}

// EmitGlobal delivers event to every registered connection.
func (b *Broadcaster) EmitGlobal(event string, payload interface{}) int {
	return b.fanout(b.registry.All(), event, payload, "")
}

func (b *Broadcaster) fanout(subs []Subscriber, event string, payload interface{}, skip string) int {
	if len(subs) == 0 {
		return 0
	}
	frame, err := protocol.Encode(protocol.NewEnvelope(event, payload))
	if err != nil {
		logging.Error().Err(err).Str("event", event).Msg("broadcast encode failed")
		return 0
	}

	delivered, dropped := 0, 0
	for _, sub := range subs {
		if skip != "" && sub.ID() == skip {
			continue
		}
		if sub.Deliver(frame) {
			delivered++
			continue
		}
		dropped++
		logging.Debug().Str("event", event).Str("conn_id", sub.ID()).Uint("user_id", sub.UserID()).Msg("send queue full, frame dropped")
	}
	metrics.FanoutDelivered.WithLabelValues(event).Add(float64(delivered))
	if dropped > 0 {
		metrics.FanoutDropped.WithLabelValues(event).Add(float64(dropped))
	}
	return delivered
}
