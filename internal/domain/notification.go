package domain

import (
	"time"

	"github.com/google/uuid"
)

type NotificationKind string

const (
	NotifyIncomingCall   NotificationKind = "call.incoming"
	NotifyMissedCall     NotificationKind = "call.missed"
	NotifyMeetingInvite  NotificationKind = "meeting.invite"
	NotifyMeetingStarted NotificationKind = "meeting.started"
	NotifyMeetingCancel  NotificationKind = "meeting.cancelled"
)

// Notification is the durable record used for offline delivery.
type Notification struct {
	ID          string           `json:"id"`
	RecipientID UserID           `json:"recipientId"`
	Kind        NotificationKind `json:"kind"`
	Message     string           `json:"message"`
	RelatedID   string           `json:"relatedId"`
	CreatedAt   time.Time        `json:"createdAt"`
}

func NewNotification(to UserID, kind NotificationKind, message, relatedID string, now time.Time) Notification {
	return Notification{
		ID:          uuid.NewString(),
		RecipientID: to,
		Kind:        kind,
		Message:     message,
		RelatedID:   relatedID,
		CreatedAt:   now.UTC(),
	}
}
