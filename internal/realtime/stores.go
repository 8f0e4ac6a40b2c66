package realtime

import (
	"time"

	"go.uber.org/zap"
)

// Opinion is the opinion record pushed with opinion_updated.
type Opinion struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	IsPublic       bool      `json:"isPublic"`
	IsAnonymous    bool      `json:"isAnonymous"`
	LikesCount     int       `json:"likesCount"`
	ViewsCount     int       `json:"viewsCount"`
	MunicipalityID string    `json:"municipalityId,omitempty"`
	RegionID       string    `json:"regionId,omitempty"`
	AuthorID       string    `json:"authorId,omitempty"`
	Comments       []Comment `json:"comments,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Comment is attached to an opinion or a report.
type Comment struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	IsPublic  bool      `json:"isPublic"`
	OpinionID string    `json:"opinionId,omitempty"`
	ReportID  string    `json:"reportId,omitempty"`
	AuthorID  string    `json:"authorId,omitempty"`
	ParentID  string    `json:"parentId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DirectMessage is a user-to-user message pushed with message_received.
type DirectMessage struct {
	ID          string     `json:"id"`
	Subject     string     `json:"subject"`
	Content     string     `json:"content"`
	Status      string     `json:"status"`
	IsRead      bool       `json:"isRead"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
	SenderID    string     `json:"senderId"`
	RecipientID string     `json:"recipientId"`
	ParentID    string     `json:"parentId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// NotificationStatus is UNREAD or READ.
type NotificationStatus string

const (
	NotificationUnread NotificationStatus = "UNREAD"
	NotificationRead   NotificationStatus = "READ"
)

// Notification is pushed with notification_received.
type Notification struct {
	ID         string             `json:"id"`
	Title      string             `json:"title"`
	Content    string             `json:"content"`
	Type       string             `json:"type"`
	Status     NotificationStatus `json:"status"`
	UserID     string             `json:"userId"`
	EntityType string             `json:"entityType,omitempty"`
	EntityID   string             `json:"entityId,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	ReadAt     *time.Time         `json:"readAt,omitempty"`
}

// Payloads of the server pushes consumed by BindStores.
type (
	OpinionUpdatedPayload struct {
		Opinion Opinion `json:"opinion"`
	}
	OpinionLikedPayload struct {
		OpinionID  string `json:"opinionId"`
		LikesCount int    `json:"likesCount"`
	}
	CommentAddedPayload struct {
		Comment Comment `json:"comment"`
	}
	MessageReceivedPayload struct {
		Message DirectMessage `json:"message"`
	}
	NotificationReceivedPayload struct {
		Notification Notification `json:"notification"`
	}
)

// OpinionSink receives opinion and comment updates.
type OpinionSink interface {
	UpdateOpinionFromRealtime(Opinion)
	UpdateOpinionLikes(opinionID string, likes int)
	AddCommentFromRealtime(Comment)
}

// MessageSink receives direct messages.
type MessageSink interface {
	AddMessageFromRealtime(DirectMessage)
}

// NotificationSink receives notifications.
type NotificationSink interface {
	AddRealtimeNotification(Notification)
}

// StatusSink receives presence changes of the signed-in user.
type StatusSink interface {
	UpdateUserStatus(PresenceStatus)
}

// Stores groups the sinks BindStores feeds. Nil sinks are skipped.
type Stores struct {
	Opinions      OpinionSink
	Messages      MessageSink
	Notifications NotificationSink
	Status        StatusSink
}

// BindStores routes server pushes into the given sinks. Payloads that do
// not decode are logged and skipped. The returned function removes exactly
// the handlers registered here.
func (c *Connection) BindStores(s Stores) (unbind func()) {
	type binding struct {
		t  EventType
		id HandlerID
	}
	var bound []binding
	bind := func(t EventType, h Handler) {
		bound = append(bound, binding{t: t, id: c.On(t, h)})
	}

	if s.Opinions != nil {
		bind(EventOpinionUpdated, func(m Message) {
			var p OpinionUpdatedPayload
			if c.decodePush(m, &p) {
				s.Opinions.UpdateOpinionFromRealtime(p.Opinion)
			}
		})
		bind(EventOpinionLiked, func(m Message) {
			var p OpinionLikedPayload
			if c.decodePush(m, &p) {
				s.Opinions.UpdateOpinionLikes(p.OpinionID, p.LikesCount)
			}
		})
		bind(EventCommentAdded, func(m Message) {
			var p CommentAddedPayload
			if c.decodePush(m, &p) {
				s.Opinions.AddCommentFromRealtime(p.Comment)
			}
		})
	}
	if s.Messages != nil {
		bind(EventMessageReceived, func(m Message) {
			var p MessageReceivedPayload
			if c.decodePush(m, &p) {
				s.Messages.AddMessageFromRealtime(p.Message)
			}
		})
	}
	if s.Notifications != nil {
		bind(EventNotificationReceived, func(m Message) {
			var p NotificationReceivedPayload
			if c.decodePush(m, &p) {
				s.Notifications.AddRealtimeNotification(p.Notification)
			}
		})
	}
	if s.Status != nil {
		bind(EventUserStatusChanged, func(m Message) {
			var p UserStatusPayload
			if !c.decodePush(m, &p) {
				return
			}
			// Other users' presence is broadcast too; only ours is stored.
			if p.UserID == "" || p.UserID != c.session.UserID() {
				return
			}
			s.Status.UpdateUserStatus(p.Status)
		})
	}

	return func() {
		for _, b := range bound {
			c.Off(b.t, b.id)
		}
	}
}

func (c *Connection) decodePush(m Message, v any) bool {
	if err := m.Decode(v); err != nil {
		c.logger.Warn("skipping undecodable push", zap.String("type", string(m.Type)), zap.Error(err))
		c.metrics.dropped("undecodable")
		return false
	}
	return true
}
