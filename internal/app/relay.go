package app

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// Family names the room kind a signaling message belongs to and prefixes its event type.
type Family string

const (
	FamilyCall        Family = "call"
	FamilyGroupCall   Family = "groupcall"
	FamilyScreenShare Family = "screenshare"
	FamilyMeeting     Family = "meeting"
)

// keyField is the name of the room reference in relayed frames.
func (f Family) keyField() string {
	switch f {
	case FamilyCall:
		return "callId"
	case FamilyGroupCall:
		return "channelId"
	case FamilyScreenShare:
		return "roomId"
	default:
		return "meetingId"
	}
}

type SignalKind string

const (
	SignalOffer  SignalKind = "offer"
	SignalAnswer SignalKind = "answer"
	SignalICE    SignalKind = "ice"
)

func ParseSignalKind(s string) (SignalKind, error) {
	switch k := SignalKind(s); k {
	case SignalOffer, SignalAnswer, SignalICE:
		return k, nil
	}
	return "", fmt.Errorf("unknown signal kind %q: %w", s, domain.ErrInvalid)
}

// Signal is an offer, answer or ICE candidate. Payload is never inspected.
type Signal struct {
	Kind    SignalKind
	Payload json.RawMessage
}

// Relay forwards signaling payloads between handles. Membership checks are
// the caller's job; the relay only addresses and wraps.
type Relay struct {
	reg *Registry
}

func NewRelay(reg *Registry) *Relay {
	return &Relay{reg: reg}
}

func (r *Relay) event(family Family, key string, from domain.Member, sig Signal) core.Event {
	return core.NewEvent(string(family)+"."+string(sig.Kind), map[string]any{
		family.keyField(): key,
		"from":            from,
		"payload":         sig.Payload,
	})
}

// Forward delivers sig to one handle.
func (r *Relay) Forward(family Family, key string, from domain.Member, to domain.HandleID, sig Signal) bool {
	ok := r.reg.SendToHandle(to, r.event(family, key, from, sig))
	if !ok {
		log.Debug().Str("module", "app.relay").Str("family", string(family)).Str("key", key).Str("to", string(to)).Msg("signal not delivered")
	}
	return ok
}

// ForwardToUser delivers sig to every handle of a user, for peers that have not bound a device yet.
func (r *Relay) ForwardToUser(family Family, key string, from domain.Member, to domain.UserID, sig Signal) int {
	return r.reg.SendToUser(to, r.event(family, key, from, sig))
}
