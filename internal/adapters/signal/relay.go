package signal

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/domain"
)

// relayPayload addresses an offer, answer or ICE candidate. Only the key
// matching the family is read; payload is forwarded untouched.
type relayPayload struct {
	CallID    domain.CallID    `json:"callId"`
	ChannelID domain.Scope     `json:"channelId"`
	RoomID    string           `json:"roomId"`
	MeetingID domain.MeetingID `json:"meetingId"`
	To        domain.UserID    `json:"to"`
	Payload   json.RawMessage  `json:"payload"`
}

// handleRelay never reports delivery problems back: a signal to a peer that
// left is dropped silently.
func (ctl *SignalWSController) handleRelay(me domain.Member, family app.Family, kind string, data json.RawMessage) error {
	p, err := decode[relayPayload](data)
	if err != nil {
		return err
	}
	if len(p.Payload) == 0 {
		return fmt.Errorf("signal payload is required: %w", domain.ErrInvalid)
	}
	sk, err := app.ParseSignalKind(kind)
	if err != nil {
		return err
	}
	sig := app.Signal{Kind: sk, Payload: p.Payload}

	switch family {
	case app.FamilyCall:
		ctl.Orch.Calls.Signal(me, p.CallID, sig)
	case app.FamilyGroupCall:
		ctl.Orch.GroupCalls.Signal(me, p.ChannelID, p.To, sig)
	case app.FamilyScreenShare:
		ctl.Orch.ScreenShare.Signal(me, p.RoomID, p.To, sig)
	case app.FamilyMeeting:
		ctl.Orch.Meetings.Signal(me, p.MeetingID, p.To, sig)
	default:
		return fmt.Errorf("unknown signal family %q: %w", family, domain.ErrInvalid)
	}
	return nil
}
