package realtime

import "go.uber.org/zap"

// PresenceStatus is the availability a user advertises to others.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is one of the four presence values.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// TargetType is what a typing indicator refers to.
type TargetType string

const (
	TargetOpinion TargetType = "opinion"
	TargetMessage TargetType = "message"
)

// Valid reports whether t is a known typing target.
func (t TargetType) Valid() bool {
	return t == TargetOpinion || t == TargetMessage
}

// JoinRoom asks the server to deliver room traffic to this client.
func (c *Connection) JoinRoom(roomID string) bool {
	return c.Send(EventJoinRoom, RoomPayload{RoomID: roomID})
}

// LeaveRoom reverses JoinRoom.
func (c *Connection) LeaveRoom(roomID string) bool {
	return c.Send(EventLeaveRoom, RoomPayload{RoomID: roomID})
}

// UpdatePresence publishes the user's presence. Unknown statuses are not
// sent and report false.
func (c *Connection) UpdatePresence(status PresenceStatus) bool {
	if !status.Valid() {
		c.logger.Warn("rejecting unknown presence status", zap.String("status", string(status)))
		return false
	}
	return c.Send(EventPresenceUpdate, PresencePayload{Status: status})
}

// StartTyping tells watchers of the target that the user is typing.
func (c *Connection) StartTyping(target TargetType, targetID string) bool {
	if !target.Valid() {
		return false
	}
	return c.Send(EventTypingStart, TypingPayload{TargetType: target, TargetID: targetID})
}

// StopTyping clears a typing indicator set by StartTyping.
func (c *Connection) StopTyping(target TargetType, targetID string) bool {
	if !target.Valid() {
		return false
	}
	return c.Send(EventTypingStop, TypingPayload{TargetType: target, TargetID: targetID})
}

// SubscribeOpinion asks for live updates of one opinion.
func (c *Connection) SubscribeOpinion(opinionID string) bool {
	return c.Send(EventSubscribeOpinion, OpinionRef{OpinionID: opinionID})
}

// UnsubscribeOpinion stops the updates requested by SubscribeOpinion.
func (c *Connection) UnsubscribeOpinion(opinionID string) bool {
	return c.Send(EventUnsubscribeOpinion, OpinionRef{OpinionID: opinionID})
}

// SubscribeLocation asks for live updates of opinions at a location.
func (c *Connection) SubscribeLocation(locationID string) bool {
	return c.Send(EventSubscribeLocation, LocationRef{LocationID: locationID})
}

// UnsubscribeLocation stops the updates requested by SubscribeLocation.
func (c *Connection) UnsubscribeLocation(locationID string) bool {
	return c.Send(EventUnsubscribeLocation, LocationRef{LocationID: locationID})
}
