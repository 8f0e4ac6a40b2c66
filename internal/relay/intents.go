package relay

import (
	"go.uber.org/zap"

	"github.com/civicpulse/realtime/internal/realtime"
)

// handleFrame applies one inbound frame from c. Unknown types and frames
// with a missing or invalid payload are ignored.
func (r *Relay) handleFrame(c *Client, raw []byte) {
	msg, err := realtime.DecodeMessage(raw)
	if err != nil || msg.Type == "" {
		c.logger.Debug("ignoring malformed frame", zap.Error(err))
		return
	}
	r.metrics.framesIn.WithLabelValues(typeLabel(msg.Type)).Inc()

	if r.presence.Touch(c.userID) {
		r.broadcastStatus(c.userID, realtime.PresenceOnline)
	}

	switch msg.Type {
	case realtime.EventHeartbeat:
		if !c.enqueue(raw) {
			c.logger.Debug("heartbeat echo dropped")
		}

	case realtime.EventJoinRoom, realtime.EventLeaveRoom:
		var p realtime.RoomPayload
		if !decodeIntent(c, msg, &p) || p.RoomID == "" {
			return
		}
		r.toggle(c, msg.Type == realtime.EventJoinRoom, TopicRoom+p.RoomID)

	case realtime.EventSubscribeOpinion, realtime.EventUnsubscribeOpinion:
		var p realtime.OpinionRef
		if !decodeIntent(c, msg, &p) || p.OpinionID == "" {
			return
		}
		r.toggle(c, msg.Type == realtime.EventSubscribeOpinion, TopicOpinion+p.OpinionID)

	case realtime.EventSubscribeLocation, realtime.EventUnsubscribeLocation:
		var p realtime.LocationRef
		if !decodeIntent(c, msg, &p) || p.LocationID == "" {
			return
		}
		r.toggle(c, msg.Type == realtime.EventSubscribeLocation, TopicLocation+p.LocationID)

	case realtime.EventTypingStart, realtime.EventTypingStop:
		var p realtime.TypingPayload
		if !decodeIntent(c, msg, &p) || !p.TargetType.Valid() || p.TargetID == "" {
			return
		}
		p.UserID = c.userID
		r.publishAsync(string(p.TargetType)+":"+p.TargetID, msg.Type, p, c.userID, c.id)

	case realtime.EventPresenceUpdate:
		var p realtime.PresencePayload
		if !decodeIntent(c, msg, &p) || !p.Status.Valid() {
			return
		}
		r.presence.Set(c.userID, p.Status)
		r.broadcastStatus(c.userID, p.Status)

	default:
		c.logger.Debug("ignoring frame", zap.String("type", string(msg.Type)))
	}
}

func (r *Relay) toggle(c *Client, subscribe bool, topic string) {
	if subscribe {
		if r.hub.Subscribe(c, topic) {
			c.logger.Debug("subscribed", zap.String("topic", topic))
		}
		return
	}
	r.hub.Unsubscribe(c, topic)
	c.logger.Debug("unsubscribed", zap.String("topic", topic))
}

func decodeIntent(c *Client, msg realtime.Message, v any) bool {
	if err := msg.Decode(v); err != nil {
		c.logger.Debug("ignoring undecodable intent", zap.String("type", string(msg.Type)), zap.Error(err))
		return false
	}
	return true
}
