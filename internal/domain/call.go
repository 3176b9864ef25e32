package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type CallID string

func NewCallID() CallID { return CallID(uuid.NewString()) }

type CallKind string

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

func (k CallKind) Valid() bool { return k == CallVoice || k == CallVideo }

type CallState string

const (
	CallRinging  CallState = "ringing"
	CallOngoing  CallState = "ongoing"
	CallEnded    CallState = "ended"
	CallDeclined CallState = "declined"
	CallMissed   CallState = "missed"
)

// Terminal states have no outgoing transitions.
func (s CallState) Terminal() bool {
	return s == CallEnded || s == CallDeclined || s == CallMissed
}

var callTransitions = map[CallState][]CallState{
	CallRinging: {CallOngoing, CallDeclined, CallMissed},
	CallOngoing: {CallEnded},
}

// CallSession is the durable record of a 1:1 call.
type CallSession struct {
	ID          CallID     `json:"id"`
	CallerID    UserID     `json:"callerId"`
	ReceiverID  UserID     `json:"receiverId"`
	Kind        CallKind   `json:"kind"`
	State       CallState  `json:"state"`
	WorkspaceID string     `json:"workspaceId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	DurationSec int64      `json:"duration"`
}

func NewCallSession(caller, receiver UserID, kind CallKind, workspaceID string, now time.Time) (*CallSession, error) {
	if caller == "" || receiver == "" {
		return nil, fmt.Errorf("caller and receiver are required: %w", ErrInvalid)
	}
	if caller == receiver {
		return nil, fmt.Errorf("cannot call yourself: %w", ErrInvalid)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown call kind %q: %w", kind, ErrInvalid)
	}
	return &CallSession{
		ID:          NewCallID(),
		CallerID:    caller,
		ReceiverID:  receiver,
		Kind:        kind,
		State:       CallRinging,
		WorkspaceID: workspaceID,
		CreatedAt:   now.UTC(),
	}, nil
}

func (s *CallSession) IsParticipant(u UserID) bool {
	return u == s.CallerID || u == s.ReceiverID
}

// Counterparty returns the other side of the call for a participant.
func (s *CallSession) Counterparty(u UserID) UserID {
	if u == s.CallerID {
		return s.ReceiverID
	}
	return s.CallerID
}

func (s *CallSession) CanTransition(to CallState) bool {
	for _, next := range callTransitions[s.State] {
		if next == to {
			return true
		}
	}
	return false
}

// CallUpdate carries the fields a transition changes; nil means untouched.
type CallUpdate struct {
	State       CallState
	StartedAt   *time.Time
	EndedAt     *time.Time
	DurationSec *int64
}

// Transition moves the session to the next state and returns the fields to persist.
// durationSec is only used when ending an ongoing call; when zero it is derived from StartedAt.
func (s *CallSession) Transition(to CallState, now time.Time, durationSec int64) (CallUpdate, error) {
	if !s.CanTransition(to) {
		return CallUpdate{}, fmt.Errorf("call %s is %s, cannot become %s: %w", s.ID, s.State, to, ErrConflict)
	}
	now = now.UTC()
	upd := CallUpdate{State: to}
	switch to {
	case CallOngoing:
		upd.StartedAt = &now
	case CallEnded:
		upd.EndedAt = &now
		if durationSec <= 0 && s.StartedAt != nil {
			durationSec = int64(now.Sub(*s.StartedAt).Seconds())
		}
		if durationSec < 0 {
			durationSec = 0
		}
		upd.DurationSec = &durationSec
	default:
		upd.EndedAt = &now
	}
	s.Apply(upd)
	return upd, nil
}

func (s *CallSession) Apply(u CallUpdate) {
	if u.State != "" {
		s.State = u.State
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		s.StartedAt = &t
	}
	if u.EndedAt != nil {
		t := *u.EndedAt
		s.EndedAt = &t
	}
	if u.DurationSec != nil {
		s.DurationSec = *u.DurationSec
	}
}
