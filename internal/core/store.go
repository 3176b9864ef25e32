package core

import (
	"context"
	"time"

	"github.com/dkeye/huddle/internal/domain"
)

// CallStore persists 1:1 call records. Get returns domain.ErrNotFound for unknown ids.
type CallStore interface {
	CreateCallSession(ctx context.Context, s *domain.CallSession) error
	GetCallSession(ctx context.Context, id domain.CallID) (*domain.CallSession, error)
	UpdateCallSession(ctx context.Context, id domain.CallID, upd domain.CallUpdate) error
}

// MeetingStore persists meeting documents and their rosters.
type MeetingStore interface {
	CreateMeeting(ctx context.Context, m *domain.Meeting) error
	GetMeeting(ctx context.Context, id domain.MeetingID) (*domain.Meeting, error)
	GetMeetingByLink(ctx context.Context, token string) (*domain.Meeting, error)
	UpdateMeetingStatus(ctx context.Context, id domain.MeetingID, status domain.MeetingStatus) error
	UpsertParticipantStatus(ctx context.Context, id domain.MeetingID, user domain.UserID, status domain.ParticipantStatus) error
	MeetingsWithParticipantStatus(ctx context.Context, user domain.UserID, status domain.ParticipantStatus) ([]domain.MeetingID, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n domain.Notification) error
}

type PresenceStore interface {
	UpdatePresence(ctx context.Context, user domain.UserID, status domain.PresenceStatus, lastSeen time.Time) error
}

// Store is the persistence collaborator as a whole.
type Store interface {
	CallStore
	MeetingStore
	NotificationStore
	PresenceStore
	Close() error
}
