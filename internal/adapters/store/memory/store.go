// Package memory keeps call, meeting and presence records in process memory.
// It backs tests and single-node deployments that do not need history across restarts.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/domain"
)

type presenceRecord struct {
	Status   domain.PresenceStatus
	LastSeen time.Time
}

type Store struct {
	mu            sync.RWMutex
	calls         map[domain.CallID]domain.CallSession
	meetings      map[domain.MeetingID]*domain.Meeting
	links         map[string]domain.MeetingID
	notifications []domain.Notification
	presence      map[domain.UserID]presenceRecord
}

func New() *Store {
	return &Store{
		calls:    make(map[domain.CallID]domain.CallSession),
		meetings: make(map[domain.MeetingID]*domain.Meeting),
		links:    make(map[string]domain.MeetingID),
		presence: make(map[domain.UserID]presenceRecord),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateCallSession(ctx context.Context, sess *domain.CallSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[sess.ID]; ok {
		return fmt.Errorf("call %s: %w", sess.ID, domain.ErrConflict)
	}
	s.calls[sess.ID] = cloneCall(*sess)
	return nil
}

func (s *Store) GetCallSession(ctx context.Context, id domain.CallID) (*domain.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.calls[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := cloneCall(sess)
	return &out, nil
}

func (s *Store) UpdateCallSession(ctx context.Context, id domain.CallID, upd domain.CallUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.calls[id]
	if !ok {
		return domain.ErrNotFound
	}
	sess.Apply(upd)
	s.calls[id] = sess
	return nil
}

func (s *Store) CreateMeeting(ctx context.Context, m *domain.Meeting) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[m.ID]; ok {
		return fmt.Errorf("meeting %s: %w", m.ID, domain.ErrConflict)
	}
	if _, ok := s.links[m.LinkToken]; ok {
		return fmt.Errorf("meeting link %s: %w", m.LinkToken, domain.ErrConflict)
	}
	s.meetings[m.ID] = cloneMeeting(m)
	s.links[m.LinkToken] = m.ID
	return nil
}

func (s *Store) GetMeeting(ctx context.Context, id domain.MeetingID) (*domain.Meeting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneMeeting(m), nil
}

func (s *Store) GetMeetingByLink(ctx context.Context, token string) (*domain.Meeting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.links[token]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneMeeting(s.meetings[id]), nil
}

func (s *Store) UpdateMeetingStatus(ctx context.Context, id domain.MeetingID, status domain.MeetingStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.Status = status
	return nil
}

func (s *Store) UpsertParticipantStatus(ctx context.Context, id domain.MeetingID, user domain.UserID, status domain.ParticipantStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.SetParticipantStatus(user, status, time.Now())
	return nil
}

func (s *Store) MeetingsWithParticipantStatus(ctx context.Context, user domain.UserID, status domain.ParticipantStatus) ([]domain.MeetingID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.MeetingID
	for id, m := range s.meetings {
		if p, ok := m.Participant(user); ok && p.Status == status {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) CreateNotification(ctx context.Context, n domain.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

// Notifications returns what was recorded for a recipient, oldest first.
func (s *Store) Notifications(user domain.UserID) []domain.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Notification
	for _, n := range s.notifications {
		if n.RecipientID == user {
			out = append(out, n)
		}
	}
	return out
}

func (s *Store) UpdatePresence(ctx context.Context, user domain.UserID, status domain.PresenceStatus, lastSeen time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Writes land asynchronously; an older one must not overwrite a newer one.
	if prev, ok := s.presence[user]; ok && lastSeen.Before(prev.LastSeen) {
		return nil
	}
	s.presence[user] = presenceRecord{Status: status, LastSeen: lastSeen.UTC()}
	return nil
}

// Presence returns the last recorded status for user.
func (s *Store) Presence(user domain.UserID) (domain.PresenceStatus, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presence[user]
	return p.Status, p.LastSeen, ok
}

func cloneCall(in domain.CallSession) domain.CallSession {
	out := in
	if in.StartedAt != nil {
		t := *in.StartedAt
		out.StartedAt = &t
	}
	if in.EndedAt != nil {
		t := *in.EndedAt
		out.EndedAt = &t
	}
	return out
}

func cloneMeeting(in *domain.Meeting) *domain.Meeting {
	out := *in
	out.Participants = make([]domain.MeetingParticipant, len(in.Participants))
	copy(out.Participants, in.Participants)
	return &out
}
