package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// codec encodes and decodes wire frames. It is configured to behave exactly
// like encoding/json so json.RawMessage payloads round-trip untouched.
var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// EventType identifies the application-level meaning of a frame. The server
// may add types at any time, so any string is accepted on receipt; the
// constants below are the vocabulary this client knows about.
type EventType string

const (
	// EventConnected is emitted locally when the socket opens.
	EventConnected EventType = "connected"

	// EventDisconnected is emitted locally when the socket closes.
	// Payload: DisconnectInfo.
	EventDisconnected EventType = "disconnected"

	// EventReconnecting is emitted locally when an automatic reconnect is
	// scheduled. Payload: ReconnectInfo.
	EventReconnecting EventType = "reconnecting"

	// EventError is emitted locally when the connection fails.
	// Payload: ErrorInfo.
	EventError EventType = "error"

	// EventHeartbeat is the client keepalive. Inbound heartbeat frames are
	// the server's echo and never reach handlers.
	EventHeartbeat EventType = "heartbeat"
)

// Outbound intents.
const (
	EventJoinRoom            EventType = "join_room"
	EventLeaveRoom           EventType = "leave_room"
	EventPresenceUpdate      EventType = "presence_update"
	EventTypingStart         EventType = "typing_start"
	EventTypingStop          EventType = "typing_stop"
	EventSubscribeOpinion    EventType = "subscribe_opinion"
	EventUnsubscribeOpinion  EventType = "unsubscribe_opinion"
	EventSubscribeLocation   EventType = "subscribe_location"
	EventUnsubscribeLocation EventType = "unsubscribe_location"
)

// Server-pushed updates consumed by the store glue.
const (
	EventOpinionUpdated       EventType = "opinion_updated"
	EventOpinionLiked         EventType = "opinion_liked"
	EventCommentAdded         EventType = "comment_added"
	EventMessageReceived      EventType = "message_received"
	EventNotificationReceived EventType = "notification_received"
	EventUserStatusChanged    EventType = "user_status_changed"
)

var knownEvents = map[EventType]struct{}{
	EventConnected:            {},
	EventDisconnected:         {},
	EventReconnecting:         {},
	EventError:                {},
	EventHeartbeat:            {},
	EventJoinRoom:             {},
	EventLeaveRoom:            {},
	EventPresenceUpdate:       {},
	EventTypingStart:          {},
	EventTypingStop:           {},
	EventSubscribeOpinion:     {},
	EventUnsubscribeOpinion:   {},
	EventSubscribeLocation:    {},
	EventUnsubscribeLocation:  {},
	EventOpinionUpdated:       {},
	EventOpinionLiked:         {},
	EventCommentAdded:         {},
	EventMessageReceived:      {},
	EventNotificationReceived: {},
	EventUserStatusChanged:    {},
}

// Known reports whether t belongs to the vocabulary above. Unknown types
// are still dispatched; this only exists for callers that want to tell
// server-added types apart.
func (t EventType) Known() bool {
	_, ok := knownEvents[t]
	return ok
}

// ServerEvents lists the inbound types the server is expected to push,
// including the local lifecycle events.
func ServerEvents() []EventType {
	return []EventType{
		EventConnected,
		EventDisconnected,
		EventReconnecting,
		EventError,
		EventOpinionUpdated,
		EventOpinionLiked,
		EventCommentAdded,
		EventMessageReceived,
		EventNotificationReceived,
		EventUserStatusChanged,
		EventTypingStart,
		EventTypingStop,
	}
}

// Message is the envelope of every frame exchanged with the server.
//
//	{"type":"join_room","data":{"roomId":"abc"},"timestamp":"2025-01-01T10:00:00.000Z","userId":"u-1"}
type Message struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	UserID    string          `json:"userId,omitempty"`
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("realtime: %s message has no data", m.Type)
	}
	if err := codec.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("realtime: decoding %s payload: %w", m.Type, err)
	}
	return nil
}

// timestampLayout matches the ISO-8601 form browsers produce with
// Date.prototype.toISOString.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// encodePayload turns an arbitrary payload into raw JSON. A nil payload is
// encoded as an empty object.
func encodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// NewMessage builds a frame stamped with at. A nil payload is encoded as an
// empty object.
func NewMessage(t EventType, payload any, at time.Time, userID string) (Message, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return Message{}, fmt.Errorf("realtime: encoding %s payload: %w", t, err)
	}
	return Message{
		Type:      t,
		Data:      data,
		Timestamp: at.UTC().Format(timestampLayout),
		UserID:    userID,
	}, nil
}

// EncodeMessage serialises m for the wire.
func EncodeMessage(m Message) ([]byte, error) {
	return codec.Marshal(m)
}

// DecodeMessage parses a wire frame.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := codec.Unmarshal(b, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// DisconnectInfo is the payload of EventDisconnected.
type DisconnectInfo struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// ReconnectInfo is the payload of EventReconnecting.
type ReconnectInfo struct {
	Attempt     int   `json:"attempt"`
	MaxAttempts int   `json:"maxAttempts"`
	DelayMillis int64 `json:"delayMs"`
}

// ErrorInfo is the payload of EventError.
type ErrorInfo struct {
	Error string `json:"error"`
}

// HeartbeatPayload is sent with every keepalive frame.
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// RoomPayload is the payload of join_room and leave_room.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// PresencePayload is the payload of presence_update.
type PresencePayload struct {
	Status PresenceStatus `json:"status"`
}

// TypingPayload is the payload of typing_start and typing_stop. UserID is
// filled in by the server when it forwards the event to other clients.
type TypingPayload struct {
	TargetType TargetType `json:"targetType"`
	TargetID   string     `json:"targetId"`
	UserID     string     `json:"userId,omitempty"`
}

// OpinionRef is the payload of subscribe_opinion and unsubscribe_opinion.
type OpinionRef struct {
	OpinionID string `json:"opinionId"`
}

// LocationRef is the payload of subscribe_location and unsubscribe_location.
type LocationRef struct {
	LocationID string `json:"locationId"`
}

// UserStatusPayload is the payload of user_status_changed.
type UserStatusPayload struct {
	UserID string         `json:"userId"`
	Status PresenceStatus `json:"status"`
}
