package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	linkLength             = 12
	DefaultMeetingCapacity = 50
	MaxMeetingTitleLen     = 200
)

type MeetingID string

type MeetingStatus string

const (
	MeetingScheduled MeetingStatus = "scheduled"
	MeetingOngoing   MeetingStatus = "ongoing"
	MeetingCompleted MeetingStatus = "completed"
	MeetingCancelled MeetingStatus = "cancelled"
)

var meetingTransitions = map[MeetingStatus][]MeetingStatus{
	MeetingScheduled: {MeetingOngoing, MeetingCancelled},
	MeetingOngoing:   {MeetingCompleted},
}

type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "invited"
	ParticipantAccepted ParticipantStatus = "accepted"
	ParticipantDeclined ParticipantStatus = "declined"
	ParticipantJoined   ParticipantStatus = "joined"
	ParticipantLeft     ParticipantStatus = "left"
)

func (s ParticipantStatus) Valid() bool {
	switch s {
	case ParticipantInvited, ParticipantAccepted, ParticipantDeclined, ParticipantJoined, ParticipantLeft:
		return true
	}
	return false
}

type MeetingParticipant struct {
	UserID    UserID            `json:"userId"`
	Status    ParticipantStatus `json:"status"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Meeting is the durable document behind a meeting room.
type Meeting struct {
	ID              MeetingID            `json:"id"`
	Title           string               `json:"title"`
	Description     string               `json:"description,omitempty"`
	WorkspaceID     string               `json:"workspaceId,omitempty"`
	CreatorID       UserID               `json:"creatorId"`
	ScheduledAt     time.Time            `json:"scheduledAt"`
	DurationMin     int                  `json:"durationMinutes"`
	LinkToken       string               `json:"linkToken"`
	MaxParticipants int                  `json:"maxParticipants"`
	Status          MeetingStatus        `json:"status"`
	Participants    []MeetingParticipant `json:"participants"`
	CreatedAt       time.Time            `json:"createdAt"`
}

type NewMeetingParams struct {
	Title           string
	Description     string
	WorkspaceID     string
	CreatorID       UserID
	ScheduledAt     time.Time
	DurationMin     int
	MaxParticipants int
	Invitees        []UserID
}

// NewMeeting builds a scheduled meeting. The creator is on the roster as accepted,
// every other invitee starts as invited.
func NewMeeting(p NewMeetingParams, now time.Time) (*Meeting, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return nil, fmt.Errorf("meeting title is required: %w", ErrInvalid)
	}
	if len(title) > MaxMeetingTitleLen {
		return nil, fmt.Errorf("meeting title too long: %w", ErrInvalid)
	}
	if p.CreatorID == "" {
		return nil, fmt.Errorf("meeting creator is required: %w", ErrInvalid)
	}
	if p.DurationMin < 0 {
		return nil, fmt.Errorf("meeting duration must be positive: %w", ErrInvalid)
	}
	capacity := p.MaxParticipants
	if capacity <= 0 {
		capacity = DefaultMeetingCapacity
	}
	now = now.UTC()
	scheduled := p.ScheduledAt.UTC()
	if scheduled.IsZero() {
		scheduled = now
	}

	m := &Meeting{
		ID:              MeetingID(uuid.NewString()),
		Title:           title,
		Description:     strings.TrimSpace(p.Description),
		WorkspaceID:     p.WorkspaceID,
		CreatorID:       p.CreatorID,
		ScheduledAt:     scheduled,
		DurationMin:     p.DurationMin,
		LinkToken:       NewLinkToken(),
		MaxParticipants: capacity,
		Status:          MeetingScheduled,
		CreatedAt:       now,
	}
	m.Participants = append(m.Participants, MeetingParticipant{UserID: p.CreatorID, Status: ParticipantAccepted, UpdatedAt: now})
	seen := map[UserID]bool{p.CreatorID: true}
	for _, id := range p.Invitees {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		m.Participants = append(m.Participants, MeetingParticipant{UserID: id, Status: ParticipantInvited, UpdatedAt: now})
	}
	return m, nil
}

func (m *Meeting) IsCreator(u UserID) bool { return m.CreatorID == u }

func (m *Meeting) Participant(u UserID) (MeetingParticipant, bool) {
	for _, p := range m.Participants {
		if p.UserID == u {
			return p, true
		}
	}
	return MeetingParticipant{}, false
}

// CanJoin reports whether u may enter the live room: the creator or anyone on the roster.
func (m *Meeting) CanJoin(u UserID) bool {
	if m.IsCreator(u) {
		return true
	}
	_, ok := m.Participant(u)
	return ok
}

// Available reports whether the meeting can still be started or joined.
func (m *Meeting) Available() bool {
	return m.Status == MeetingScheduled || m.Status == MeetingOngoing
}

func (m *Meeting) CanTransition(to MeetingStatus) bool {
	for _, next := range meetingTransitions[m.Status] {
		if next == to {
			return true
		}
	}
	return false
}

// SetParticipantStatus updates or appends the roster entry for u.
func (m *Meeting) SetParticipantStatus(u UserID, status ParticipantStatus, now time.Time) {
	for i := range m.Participants {
		if m.Participants[i].UserID == u {
			m.Participants[i].Status = status
			m.Participants[i].UpdatedAt = now.UTC()
			return
		}
	}
	m.Participants = append(m.Participants, MeetingParticipant{UserID: u, Status: status, UpdatedAt: now.UTC()})
}

// NewLinkToken returns a short shareable token for meeting links.
func NewLinkToken() string {
	link := strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(link) <= linkLength {
		return link
	}
	return link[:linkLength]
}
